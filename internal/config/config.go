// Package config loads the broker configuration from YAML or JSON5 files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the root configuration for walletbroker.
type Config struct {
	Version  int            `yaml:"version"`
	Server   ServerConfig   `yaml:"server"`
	Broker   BrokerConfig   `yaml:"broker"`
	Relay    RelayConfig    `yaml:"relay"`
	Storage  StorageConfig  `yaml:"storage"`
	Chain    ChainConfig    `yaml:"chain"`
	Approval ApprovalConfig `yaml:"approval"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	Host     string     `yaml:"host"`
	HTTPPort int        `yaml:"http_port"`
	GRPCPort int        `yaml:"grpc_port"`
	Auth     AuthConfig `yaml:"auth"`
}

// AuthConfig guards approval decisions and authorization revocation with
// HS256 bearer tokens. An empty secret leaves those routes open.
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// BrokerConfig tunes the router.
type BrokerConfig struct {
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// RouteTTL expires routes whose approval never decides. Zero keeps them.
	RouteTTL time.Duration `yaml:"route_ttl"`
	// SweepSchedule is a cron expression or descriptor for the pending sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
	// PendingTTL is the age after which pending payloads are swept. Zero disables the sweep.
	PendingTTL time.Duration `yaml:"pending_ttl"`
}

type RelayConfig struct {
	ReconnectDelay time.Duration   `yaml:"reconnect_delay"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type StorageConfig struct {
	// Driver is memory, sqlite, sqlite3 (cgo builds), postgres or cockroach.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ChainConfig struct {
	RPCURL      string        `yaml:"rpc_url"`
	ChainID     int64         `yaml:"chain_id"`
	PrivateKey  string        `yaml:"private_key"`
	ReceiptPoll time.Duration `yaml:"receipt_poll"`
}

type ApprovalConfig struct {
	// Mode is auto-approve, auto-reject or manual.
	Mode    string `yaml:"mode"`
	Account string `yaml:"account"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// TracingConfig controls OpenTelemetry tracing. An empty endpoint disables it.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// ConfigValidationError collects every problem found in a config.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return ""
	}
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads, merges and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8645
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 8646
	}
	if cfg.Server.Auth.TokenExpiry == 0 {
		cfg.Server.Auth.TokenExpiry = 12 * time.Hour
	}
	if cfg.Broker.ReconnectDelay == 0 {
		cfg.Broker.ReconnectDelay = time.Second
	}
	if cfg.Broker.SweepSchedule == "" {
		cfg.Broker.SweepSchedule = "@every 1m"
	}
	if cfg.Relay.ReconnectDelay == 0 {
		cfg.Relay.ReconnectDelay = time.Second
	}
	if cfg.Relay.RateLimit.RequestsPerSecond == 0 {
		cfg.Relay.RateLimit.RequestsPerSecond = 10
	}
	if cfg.Relay.RateLimit.BurstSize == 0 {
		cfg.Relay.RateLimit.BurstSize = 20
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Chain.ReceiptPoll == 0 {
		cfg.Chain.ReceiptPoll = 500 * time.Millisecond
	}
	if cfg.Approval.Mode == "" {
		cfg.Approval.Mode = "manual"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "walletbroker"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1
	}
}

const minJWTSecretLen = 16

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	ports := []struct {
		name string
		port int
	}{{"server.http_port", c.Server.HTTPPort}, {"server.grpc_port", c.Server.GRPCPort}}
	for _, p := range ports {
		if p.port < 1 || p.port > 65535 {
			add("%s must be between 1 and 65535", p.name)
		}
	}
	if c.Server.HTTPPort == c.Server.GRPCPort {
		add("server.http_port and server.grpc_port must differ")
	}

	if secret := c.Server.Auth.JWTSecret; secret != "" && len(secret) < minJWTSecretLen {
		add("server.auth.jwt_secret must be at least %d bytes", minJWTSecretLen)
	}
	if c.Server.Auth.TokenExpiry < 0 {
		add("server.auth.token_expiry must not be negative")
	}

	if c.Broker.ReconnectDelay < 0 || c.Relay.ReconnectDelay < 0 {
		add("reconnect_delay must not be negative")
	}
	if c.Broker.RouteTTL < 0 {
		add("broker.route_ttl must not be negative")
	}
	if c.Broker.PendingTTL < 0 {
		add("broker.pending_ttl must not be negative")
	}
	if c.Broker.PendingTTL > 0 {
		if _, err := scheduleParser.Parse(c.Broker.SweepSchedule); err != nil {
			add("broker.sweep_schedule %q: %v", c.Broker.SweepSchedule, err)
		}
	}

	if c.Relay.RateLimit.Enabled {
		if c.Relay.RateLimit.RequestsPerSecond <= 0 {
			add("relay.rate_limit.requests_per_second must be positive")
		}
		if c.Relay.RateLimit.BurstSize <= 0 {
			add("relay.rate_limit.burst_size must be positive")
		}
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "sqlite3", "postgres", "cockroach":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		add("storage.driver %q must be memory, sqlite, sqlite3, postgres or cockroach", c.Storage.Driver)
	}

	if c.Chain.RPCURL != "" && strings.TrimSpace(c.Chain.PrivateKey) == "" {
		add("chain.private_key is required with chain.rpc_url")
	}
	if c.Chain.ChainID < 0 {
		add("chain.chain_id must not be negative")
	}

	switch c.Approval.Mode {
	case "auto-reject", "manual":
	case "auto-approve":
		if c.Approval.Account == "" && c.Chain.RPCURL == "" {
			add("approval.account or chain.rpc_url is required for approval.mode %q", c.Approval.Mode)
		}
	default:
		add("approval.mode %q must be auto-approve, auto-reject or manual", c.Approval.Mode)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q is not a level", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text", "console":
	default:
		add("logging.format %q must be json or text", c.Logging.Format)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
