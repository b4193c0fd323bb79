package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  listen_address: ":5353"
upstream:
  servers:
    - address: "9.9.9.9:53"
    - address: "1.1.1.1:853"
      protocol: DoT
      server_name: one.one.one.one
      weight: 3
policy:
  defaults:
    categories:
      ads: true
      malware: true
    safe_search:
      google: true
directory:
  users:
    - id: u1
      name: Alice
  devices:
    - id: d1
      user_id: u1
      name: Phone
      hostname: d1-phone
      cidrs: ["10.0.0.0/24"]
  networks:
    - cidr: "10.0.0.0/8"
      asn: AS64500
monitor:
  alerts:
    - key: high_error_rate
      expr: "error_pct > 5"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":5353", cfg.Server.ListenAddress)
	assert.True(t, cfg.Server.UDPEnabled)
	assert.True(t, cfg.Server.TCPEnabled)
	require.Len(t, cfg.Upstream.Servers, 2)
	assert.Equal(t, "udp", cfg.Upstream.Servers[0].Protocol)
	assert.Equal(t, 1, cfg.Upstream.Servers[0].Weight)
	assert.Equal(t, "dot", cfg.Upstream.Servers[1].Protocol)
	assert.Equal(t, 3, cfg.Upstream.Servers[1].Weight)
	assert.Len(t, cfg.Policy.Categories, 5)
	assert.Equal(t, "warning", cfg.Monitor.Alerts[0].Severity)
}

func TestLoadNonExistent(t *testing.T) {
	_, err := Load("nonexistent.yml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg := LoadWithDefaults()

	if cfg.Pipeline.RetryBudget != 2 {
		t.Errorf("RetryBudget = %d, want 2", cfg.Pipeline.RetryBudget)
	}
	if cfg.Pipeline.AttemptTimeout != 400*time.Millisecond {
		t.Errorf("AttemptTimeout = %v, want 400ms", cfg.Pipeline.AttemptTimeout)
	}
	if cfg.Pipeline.FailureMode != FailureModeClosed {
		t.Errorf("FailureMode = %s, want closed", cfg.Pipeline.FailureMode)
	}
	if cfg.Upstream.FailureThreshold != 3 {
		t.Errorf("FailureThreshold = %d, want 3", cfg.Upstream.FailureThreshold)
	}
	if cfg.Cache.NegativeTTL != 30*time.Second {
		t.Errorf("NegativeTTL = %v, want 30s", cfg.Cache.NegativeTTL)
	}
	if cfg.Monitor.RingSize != 200000 {
		t.Errorf("RingSize = %d, want 200000", cfg.Monitor.RingSize)
	}
	if len(cfg.Policy.SafeSearch) != 4 {
		t.Errorf("SafeSearch providers = %d, want 4", len(cfg.Policy.SafeSearch))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestAuthRequiredByDefault(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.True(t, cfg.Auth.Required())
	assert.False(t, cfg.Auth.HasCredentials())
	assert.True(t, LoadWithDefaults().Auth.Required())

	cfg, err = Parse([]byte(sampleConfig + "auth:\n  disabled_approved_by: \"sec-review-7\"\n"))
	require.NoError(t, err)
	assert.False(t, cfg.Auth.Required())

	cfg, err = Parse([]byte(sampleConfig + "auth:\n  disabled_approved_by: \"  \"\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Auth.Required(), "a blank approver does not disable auth")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "fail open without approver",
			mutate:  func(c *Config) { c.Pipeline.FailureMode = FailureModeOpen },
			wantErr: "failure_mode_approved_by",
		},
		{
			name: "fail open with approver",
			mutate: func(c *Config) {
				c.Pipeline.FailureMode = FailureModeOpen
				c.Pipeline.FailureModeApprovedBy = "sec-review-42"
			},
		},
		{
			name:    "bad failure mode",
			mutate:  func(c *Config) { c.Pipeline.FailureMode = "sometimes" },
			wantErr: "invalid pipeline.failure_mode",
		},
		{
			name:    "bad upstream protocol",
			mutate:  func(c *Config) { c.Upstream.Servers[0].Protocol = "doh" },
			wantErr: "invalid protocol",
		},
		{
			name:    "unknown default category",
			mutate:  func(c *Config) { c.Policy.Defaults.Categories = map[string]bool{"crypto": true} },
			wantErr: "unknown category",
		},
		{
			name:    "unknown default provider",
			mutate:  func(c *Config) { c.Policy.Defaults.SafeSearch = map[string]bool{"yahoo": true} },
			wantErr: "unknown safe search provider",
		},
		{
			name: "device with unknown owner",
			mutate: func(c *Config) {
				c.Directory.Devices = []DeviceConfig{{ID: "d1", UserID: "ghost"}}
			},
			wantErr: "unknown user",
		},
		{
			name:    "reserved user id",
			mutate:  func(c *Config) { c.Directory.Users = []UserConfig{{ID: "global"}} },
			wantErr: "reserved",
		},
		{
			name:    "dot without certificate",
			mutate:  func(c *Config) { c.Server.DoT.Enabled = true },
			wantErr: "cert_file",
		},
		{
			name:    "alert severity",
			mutate:  func(c *Config) { c.Monitor.Alerts = []AlertRuleConfig{{Key: "k", Expr: "true", Severity: "panic"}} },
			wantErr: "invalid severity",
		},
		{
			name:    "file output without path",
			mutate:  func(c *Config) { c.Logging.Output = "file" },
			wantErr: "file_path",
		},
		{
			name: "accounts without secret",
			mutate: func(c *Config) {
				c.Auth.Accounts = []AccountConfig{{Username: "admin"}}
			},
			wantErr: "jwt_secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadWithDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should mention %q", err, tt.wantErr)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvJWTSecret, "from-env")
	t.Setenv(EnvLogLevel, "DEBUG")

	cfg, err := Parse([]byte(`auth: {accounts: [{username: admin}]}`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestAccountIsActive(t *testing.T) {
	no := false
	assert.True(t, AccountConfig{}.IsActive())
	assert.False(t, AccountConfig{Active: &no}.IsActive())
}
