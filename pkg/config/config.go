package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the YAML file.
const (
	EnvJWTSecret = "WEQUI_JWT_SECRET"
	EnvDBPath    = "WEQUI_DB_PATH"
	EnvLogLevel  = "WEQUI_LOG_LEVEL"
)

// Failure modes for classifier / policy-store errors.
const (
	FailureModeClosed = "closed"
	FailureModeOpen   = "open"
)

// Config holds the application configuration
type Config struct {
	// DNS listeners and the admin API
	Server ServerConfig `yaml:"server"`

	// Upstream resolvers and their health rules
	Upstream UpstreamConfig `yaml:"upstream"`

	// Query pipeline behavior
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Categories, SafeSearch providers and global defaults
	Policy PolicyConfig `yaml:"policy"`

	// Users, devices and networks
	Directory DirectoryConfig `yaml:"directory"`

	Cache     CacheConfig     `yaml:"cache"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	ListenAddress string    `yaml:"listen_address"`
	TCPEnabled    bool      `yaml:"tcp_enabled"`
	UDPEnabled    bool      `yaml:"udp_enabled"`
	APIAddress    string    `yaml:"api_address"`
	CORSOrigins   []string  `yaml:"cors_origins"`
	DoT           DoTConfig `yaml:"dot"`
}

// DoTConfig configures the DNS-over-TLS listener.
type DoTConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	CertFile      string `yaml:"cert_file"`
	KeyFile       string `yaml:"key_file"`
	// ChainFile holds intermediates used when verifying the served chain.
	ChainFile string `yaml:"chain_file"`
	// RenewBefore is how long before expiry a renewal is expected.
	RenewBefore time.Duration `yaml:"renew_before"`
}

// UpstreamServer is one configured recursive resolver.
type UpstreamServer struct {
	Address    string `yaml:"address"`
	Protocol   string `yaml:"protocol"` // udp, tcp, dot
	Weight     int    `yaml:"weight"`
	ServerName string `yaml:"server_name"`
}

// UpstreamConfig holds pool membership and health thresholds.
type UpstreamConfig struct {
	Servers          []UpstreamServer `yaml:"servers"`
	FailureThreshold int              `yaml:"failure_threshold"`
	WindowSize       int              `yaml:"window_size"`
	MinSamples       int              `yaml:"min_samples"`
	MinSuccessRate   float64          `yaml:"min_success_rate"`
	LatencySamples   int              `yaml:"latency_samples"`
	ProbeInterval    time.Duration    `yaml:"probe_interval"`
	ProbeName        string           `yaml:"probe_name"`
	HistorySize      int              `yaml:"history_size"`
}

// PipelineConfig controls retries and failure handling.
type PipelineConfig struct {
	RetryBudget           int           `yaml:"retry_budget"`
	AttemptTimeout        time.Duration `yaml:"attempt_timeout"`
	FailureMode           string        `yaml:"failure_mode"`
	FailureModeApprovedBy string        `yaml:"failure_mode_approved_by"`
}

// CategoryConfig describes one blocklist category. Order in the config is
// evaluation order.
type CategoryConfig struct {
	Name    string   `yaml:"name"`
	Label   string   `yaml:"label"`
	Domains []string `yaml:"domains"`
	Files   []string `yaml:"files"`
	URLs    []string `yaml:"urls"`
}

// SafeSearchProvider maps a provider's domains to its restricted host.
type SafeSearchProvider struct {
	Name       string   `yaml:"name"`
	Domains    []string `yaml:"domains"`
	Restricted string   `yaml:"restricted"`
}

// PolicyConfig holds category definitions and the seed global policy.
type PolicyConfig struct {
	Categories     []CategoryConfig     `yaml:"categories"`
	SafeSearch     []SafeSearchProvider `yaml:"safe_search"`
	Defaults       DefaultPolicyConfig  `yaml:"defaults"`
	AutoUpdate     bool                 `yaml:"auto_update"`
	UpdateInterval time.Duration        `yaml:"update_interval"`
}

// DefaultPolicyConfig seeds the global policy when nothing is persisted.
type DefaultPolicyConfig struct {
	Categories map[string]bool `yaml:"categories"`
	SafeSearch map[string]bool `yaml:"safe_search"`
}

// UserConfig is one policy owner.
type UserConfig struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// DeviceConfig is a device owned by a user.
type DeviceConfig struct {
	ID       string   `yaml:"id"`
	UserID   string   `yaml:"user_id"`
	Name     string   `yaml:"name"`
	Platform string   `yaml:"platform"`
	Hostname string   `yaml:"hostname"`
	CIDRs    []string `yaml:"cidrs"`
}

// NetworkConfig maps a client network to its ASN label.
type NetworkConfig struct {
	CIDR string `yaml:"cidr"`
	ASN  string `yaml:"asn"`
}

// DirectoryConfig lists the owners policies may target.
type DirectoryConfig struct {
	Users    []UserConfig    `yaml:"users"`
	Devices  []DeviceConfig  `yaml:"devices"`
	Networks []NetworkConfig `yaml:"networks"`
}

// CacheConfig holds cache settings
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxEntries    int           `yaml:"max_entries"`
	ShardCount    int           `yaml:"shard_count"`
	MinTTL        time.Duration `yaml:"min_ttl"`
	MaxTTL        time.Duration `yaml:"max_ttl"`
	NegativeTTL   time.Duration `yaml:"negative_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// AlertRuleConfig is an alert expression evaluated against overview metrics.
type AlertRuleConfig struct {
	Key         string `yaml:"key"`
	Severity    string `yaml:"severity"` // info, warning, critical
	Description string `yaml:"description"`
	Expr        string `yaml:"expr"`
}

// MonitorConfig holds telemetry ring and alert settings.
type MonitorConfig struct {
	RingSize      int               `yaml:"ring_size"`
	AlertInterval time.Duration     `yaml:"alert_interval"`
	Alerts        []AlertRuleConfig `yaml:"alerts"`
}

// StorageConfig holds storage settings
type StorageConfig struct {
	Enabled          bool          `yaml:"enabled"`
	DatabasePath     string        `yaml:"database_path"`
	ArchiveQueries   bool          `yaml:"archive_queries"`
	RetentionDays    int           `yaml:"retention_days"`
	BufferSize       int           `yaml:"buffer_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	BatchSize        int           `yaml:"batch_size"`
	RestoreOnStartup bool          `yaml:"restore_on_startup"`
	LockFile         string        `yaml:"lock_file"`
}

// AccountConfig is an admin dashboard login.
type AccountConfig struct {
	ID           string `yaml:"id"`
	Username     string `yaml:"username"`
	Email        string `yaml:"email"`
	PasswordHash string `yaml:"password_hash"`
	Active       *bool  `yaml:"active"`
}

// IsActive reports whether the account may log in. Unset means active.
func (a AccountConfig) IsActive() bool {
	return a.Active == nil || *a.Active
}

// AuthConfig controls access to the admin API. Authentication is always
// enforced unless DisabledApprovedBy names who signed off on turning it off.
type AuthConfig struct {
	DisabledApprovedBy string          `yaml:"disabled_approved_by"`
	JWTSecret          string          `yaml:"jwt_secret"`
	TokenTTL           time.Duration   `yaml:"token_ttl"`
	APITokens          []string        `yaml:"api_tokens"`
	Accounts           []AccountConfig `yaml:"accounts"`
	LoginRateLimit     RateLimitConfig `yaml:"login_rate_limit"`
}

// Required reports whether admin requests must carry a bearer token.
func (a AuthConfig) Required() bool {
	return strings.TrimSpace(a.DisabledApprovedBy) == ""
}

// HasCredentials reports whether any caller could authenticate.
func (a AuthConfig) HasCredentials() bool {
	return len(a.APITokens) > 0 || (a.JWTSecret != "" && len(a.Accounts) > 0)
}

// RateLimitConfig configures a token bucket per client IP.
type RateLimitConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxTrackedClients int           `yaml:"max_tracked_clients"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json, text
	Output     string `yaml:"output"`      // stdout, stderr, file
	FilePath   string `yaml:"file_path"`   // if output=file
	AddSource  bool   `yaml:"add_source"`  // include source file/line
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxBackups int    `yaml:"max_backups"` // number of old log files
	MaxAge     int    `yaml:"max_age"`     // days
	Compress   bool   `yaml:"compress"`
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	TracingEnabled    bool   `yaml:"tracing_enabled"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML, applies environment overrides and defaults, and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":53"
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		c.Server.TCPEnabled = true
		c.Server.UDPEnabled = true
	}
	if c.Server.APIAddress == "" {
		c.Server.APIAddress = ":8080"
	}
	if c.Server.DoT.ListenAddress == "" {
		c.Server.DoT.ListenAddress = ":853"
	}
	if c.Server.DoT.RenewBefore == 0 {
		c.Server.DoT.RenewBefore = 30 * 24 * time.Hour
	}

	// Upstream defaults
	if len(c.Upstream.Servers) == 0 {
		c.Upstream.Servers = []UpstreamServer{
			{Address: "1.1.1.1:53", Protocol: "udp"},
			{Address: "8.8.8.8:53", Protocol: "udp"},
		}
	}
	for i := range c.Upstream.Servers {
		s := &c.Upstream.Servers[i]
		if s.Protocol == "" {
			s.Protocol = "udp"
		}
		s.Protocol = strings.ToLower(s.Protocol)
		if s.Weight == 0 {
			s.Weight = 1
		}
	}
	if c.Upstream.FailureThreshold == 0 {
		c.Upstream.FailureThreshold = 3
	}
	if c.Upstream.WindowSize == 0 {
		c.Upstream.WindowSize = 20
	}
	if c.Upstream.MinSamples == 0 {
		c.Upstream.MinSamples = 10
	}
	if c.Upstream.MinSuccessRate == 0 {
		c.Upstream.MinSuccessRate = 0.5
	}
	if c.Upstream.LatencySamples == 0 {
		c.Upstream.LatencySamples = 128
	}
	if c.Upstream.ProbeInterval == 0 {
		c.Upstream.ProbeInterval = 10 * time.Second
	}
	if c.Upstream.ProbeName == "" {
		c.Upstream.ProbeName = "."
	}
	if c.Upstream.HistorySize == 0 {
		c.Upstream.HistorySize = 60
	}

	// Pipeline defaults
	if c.Pipeline.RetryBudget == 0 {
		c.Pipeline.RetryBudget = 2
	}
	if c.Pipeline.AttemptTimeout == 0 {
		c.Pipeline.AttemptTimeout = 400 * time.Millisecond
	}
	if c.Pipeline.FailureMode == "" {
		c.Pipeline.FailureMode = FailureModeClosed
	}

	// Policy defaults
	if len(c.Policy.Categories) == 0 {
		c.Policy.Categories = []CategoryConfig{
			{Name: "ads", Label: "Ads"},
			{Name: "malware", Label: "Malware"},
			{Name: "adult", Label: "Adult"},
			{Name: "social", Label: "Social"},
			{Name: "gambling", Label: "Gambling"},
		}
	}
	for i := range c.Policy.Categories {
		cat := &c.Policy.Categories[i]
		cat.Name = strings.ToLower(cat.Name)
		if cat.Label == "" {
			cat.Label = cat.Name
		}
	}
	if len(c.Policy.SafeSearch) == 0 {
		c.Policy.SafeSearch = DefaultSafeSearchProviders()
	}
	if c.Policy.UpdateInterval == 0 {
		c.Policy.UpdateInterval = 24 * time.Hour
	}

	// Cache defaults
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.ShardCount == 0 {
		c.Cache.ShardCount = 64
	}
	if c.Cache.MinTTL == 0 {
		c.Cache.MinTTL = 60 * time.Second
	}
	if c.Cache.MaxTTL == 0 {
		c.Cache.MaxTTL = 24 * time.Hour
	}
	if c.Cache.NegativeTTL == 0 {
		c.Cache.NegativeTTL = 30 * time.Second
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = time.Minute
	}

	// Monitor defaults
	if c.Monitor.RingSize == 0 {
		c.Monitor.RingSize = 200000
	}
	if c.Monitor.AlertInterval == 0 {
		c.Monitor.AlertInterval = 30 * time.Second
	}
	for i := range c.Monitor.Alerts {
		if c.Monitor.Alerts[i].Severity == "" {
			c.Monitor.Alerts[i].Severity = "warning"
		}
	}

	// Storage defaults
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./wequi-guard.db"
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 7
	}
	if c.Storage.BufferSize == 0 {
		c.Storage.BufferSize = 1000
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 5 * time.Second
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = 100
	}
	if c.Storage.LockFile == "" {
		c.Storage.LockFile = c.Storage.DatabasePath + ".lock"
	}

	// Auth defaults
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 12 * time.Hour
	}
	if c.Auth.LoginRateLimit.RequestsPerSecond == 0 {
		c.Auth.LoginRateLimit.RequestsPerSecond = 0.2
	}
	if c.Auth.LoginRateLimit.Burst == 0 {
		c.Auth.LoginRateLimit.Burst = 5
	}
	if c.Auth.LoginRateLimit.CleanupInterval == 0 {
		c.Auth.LoginRateLimit.CleanupInterval = 10 * time.Minute
	}
	if c.Auth.LoginRateLimit.MaxTrackedClients == 0 {
		c.Auth.LoginRateLimit.MaxTrackedClients = 10000
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAge == 0 {
		c.Logging.MaxAge = 7
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "wequi-guard"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// DefaultSafeSearchProviders returns the built-in provider table.
func DefaultSafeSearchProviders() []SafeSearchProvider {
	return []SafeSearchProvider{
		{Name: "google", Domains: []string{"google.com", "www.google.com"}, Restricted: "forcesafesearch.google.com"},
		{Name: "bing", Domains: []string{"bing.com", "www.bing.com"}, Restricted: "strict.bing.com"},
		{Name: "duckduckgo", Domains: []string{"duckduckgo.com", "www.duckduckgo.com"}, Restricted: "safe.duckduckgo.com"},
		{Name: "youtube", Domains: []string{"youtube.com", "www.youtube.com", "m.youtube.com"}, Restricted: "restrict.youtube.com"},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled && !c.Server.DoT.Enabled {
		return fmt.Errorf("at least one of TCP, UDP or DoT must be enabled")
	}
	if c.Server.DoT.Enabled && (c.Server.DoT.CertFile == "" || c.Server.DoT.KeyFile == "") {
		return fmt.Errorf("server.dot requires cert_file and key_file")
	}

	if len(c.Upstream.Servers) == 0 {
		return fmt.Errorf("at least one upstream DNS server must be configured")
	}
	for i, s := range c.Upstream.Servers {
		if s.Address == "" {
			return fmt.Errorf("upstream.servers[%d].address cannot be empty", i)
		}
		switch s.Protocol {
		case "udp", "tcp", "dot":
		default:
			return fmt.Errorf("upstream.servers[%d]: invalid protocol %q (must be udp, tcp or dot)", i, s.Protocol)
		}
		if s.Weight < 0 {
			return fmt.Errorf("upstream.servers[%d]: weight cannot be negative", i)
		}
	}
	if c.Upstream.MinSuccessRate < 0 || c.Upstream.MinSuccessRate > 1 {
		return fmt.Errorf("upstream.min_success_rate must be between 0 and 1")
	}

	if c.Pipeline.RetryBudget < 0 {
		return fmt.Errorf("pipeline.retry_budget cannot be negative")
	}
	switch c.Pipeline.FailureMode {
	case FailureModeClosed:
	case FailureModeOpen:
		if strings.TrimSpace(c.Pipeline.FailureModeApprovedBy) == "" {
			return fmt.Errorf("pipeline.failure_mode 'open' requires pipeline.failure_mode_approved_by")
		}
	default:
		return fmt.Errorf("invalid pipeline.failure_mode: %s (must be closed or open)", c.Pipeline.FailureMode)
	}

	seen := make(map[string]bool, len(c.Policy.Categories))
	for _, cat := range c.Policy.Categories {
		if cat.Name == "" {
			return fmt.Errorf("policy.categories: name cannot be empty")
		}
		if seen[cat.Name] {
			return fmt.Errorf("policy.categories: duplicate category %q", cat.Name)
		}
		seen[cat.Name] = true
	}
	for name := range c.Policy.Defaults.Categories {
		if !seen[strings.ToLower(name)] {
			return fmt.Errorf("policy.defaults: unknown category %q", name)
		}
	}
	providers := make(map[string]bool, len(c.Policy.SafeSearch))
	for _, p := range c.Policy.SafeSearch {
		if p.Name == "" || p.Restricted == "" {
			return fmt.Errorf("policy.safe_search: name and restricted are required")
		}
		providers[strings.ToLower(p.Name)] = true
	}
	for name := range c.Policy.Defaults.SafeSearch {
		if !providers[strings.ToLower(name)] {
			return fmt.Errorf("policy.defaults: unknown safe search provider %q", name)
		}
	}

	if err := c.Directory.validate(); err != nil {
		return err
	}

	if c.Cache.MinTTL > c.Cache.MaxTTL {
		return fmt.Errorf("cache.min_ttl cannot exceed cache.max_ttl")
	}

	validSeverity := map[string]bool{"info": true, "warning": true, "critical": true}
	for _, a := range c.Monitor.Alerts {
		if a.Key == "" || a.Expr == "" {
			return fmt.Errorf("monitor.alerts: key and expr are required")
		}
		if !validSeverity[a.Severity] {
			return fmt.Errorf("monitor.alerts[%s]: invalid severity %q", a.Key, a.Severity)
		}
	}

	if c.Auth.Required() && c.Auth.JWTSecret == "" && len(c.Auth.Accounts) > 0 {
		return fmt.Errorf("auth.jwt_secret (or %s) is required when accounts are configured", EnvJWTSecret)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}
	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}

func (d *DirectoryConfig) validate() error {
	users := make(map[string]bool, len(d.Users))
	for _, u := range d.Users {
		if u.ID == "" {
			return fmt.Errorf("directory.users: id cannot be empty")
		}
		if u.ID == "global" {
			return fmt.Errorf("directory.users: id 'global' is reserved")
		}
		if users[u.ID] {
			return fmt.Errorf("directory.users: duplicate id %q", u.ID)
		}
		users[u.ID] = true
	}
	devices := make(map[string]bool, len(d.Devices))
	for _, dev := range d.Devices {
		if dev.ID == "" {
			return fmt.Errorf("directory.devices: id cannot be empty")
		}
		if devices[dev.ID] {
			return fmt.Errorf("directory.devices: duplicate id %q", dev.ID)
		}
		devices[dev.ID] = true
		if !users[dev.UserID] {
			return fmt.Errorf("directory.devices[%s]: unknown user %q", dev.ID, dev.UserID)
		}
		for _, cidr := range dev.CIDRs {
			if _, err := netip.ParsePrefix(cidr); err != nil {
				return fmt.Errorf("directory.devices[%s]: invalid cidr %q: %w", dev.ID, cidr, err)
			}
		}
	}
	for _, n := range d.Networks {
		if _, err := netip.ParsePrefix(n.CIDR); err != nil {
			return fmt.Errorf("directory.networks: invalid cidr %q: %w", n.CIDR, err)
		}
	}
	return nil
}
