package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"wequi-guard/pkg/config"
	"wequi-guard/pkg/monitor"
)

const minPasswordLength = 8

func newCheckConfigCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and alert rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkConfig(cmd.OutOrStdout(), *configPath)
		},
	}
}

func checkConfig(out io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	rules := cfg.Monitor.Alerts
	if len(rules) == 0 {
		rules = monitor.DefaultAlertRules()
	}
	var errs []error
	for _, r := range rules {
		if _, err := monitor.CompileRule(r); err != nil {
			errs = append(errs, fmt.Errorf("alert %q: %w", r.Key, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	fmt.Fprintf(out, "%s is valid\n", path)
	fmt.Fprintf(out, "  upstreams:   %d (failure mode %s)\n", len(cfg.Upstream.Servers), cfg.Pipeline.FailureMode)
	fmt.Fprintf(out, "  users:       %d\n", len(cfg.Directory.Users))
	fmt.Fprintf(out, "  devices:     %d\n", len(cfg.Directory.Devices))
	fmt.Fprintf(out, "  categories:  %d\n", len(cfg.Policy.Categories))
	fmt.Fprintf(out, "  alert rules: %d\n", len(rules))
	fmt.Fprintf(out, "  dot:         %t\n", cfg.Server.DoT.Enabled)
	fmt.Fprintf(out, "  storage:     %t\n", cfg.Storage.Enabled)
	return nil
}

func newHashPasswordCommand() *cobra.Command {
	var (
		fromStdin bool
		cost      int
	)
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for an admin account password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				password string
				err      error
			)
			if fromStdin {
				password, err = readPassword(cmd.InOrStdin())
			} else {
				password, err = promptPassword()
			}
			if err != nil {
				return err
			}
			hash, err := hashPassword(password, cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Read the password from the first line of stdin")
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost factor")
	return cmd
}

func validatePassword(s string) error {
	if len(s) < minPasswordLength {
		return fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	return nil
}

func promptPassword() (string, error) {
	first := promptui.Prompt{
		Label:    "Password",
		Mask:     '*',
		Validate: validatePassword,
	}
	password, err := first.Run()
	if err != nil {
		return "", err
	}
	confirm := promptui.Prompt{
		Label: "Confirm password",
		Mask:  '*',
		Validate: func(s string) error {
			if s != password {
				return errors.New("passwords do not match")
			}
			return nil
		},
	}
	if _, err := confirm.Run(); err != nil {
		return "", err
	}
	return password, nil
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if err := validatePassword(password); err != nil {
		return "", err
	}
	return password, nil
}

func hashPassword(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
