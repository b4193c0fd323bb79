package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		envFile    string
	)

	root := &cobra.Command{
		Use:           "wequi-guard",
		Short:         "Policy-enforcing DNS resolver with a monitoring API",
		Long:          `wequi-guard answers DNS over UDP, TCP and DoT, applies per-user and per-device filtering policies, and serves an admin API for monitoring and policy changes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(envFile, cmd.Flags().Changed("env-file"))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "Path to configuration file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file read before the configuration")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newCheckConfigCommand(&configPath))
	root.AddCommand(newHashPasswordCommand())
	root.AddCommand(newVersionCommand())
	return root
}

// loadEnvFile reads KEY=value pairs into the environment without
// overriding variables that are already set. A missing default file is
// not an error.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wequi-guard %s (built %s)\n", version, buildTime)
		},
	}
}
