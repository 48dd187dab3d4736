package config

import (
	"encoding/json"
	"fmt"
)

// Config is the main switchboard configuration.
type Config struct {
	// Data directory for PID file, usage ledger, job store, and allowlist
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Connection selects and configures the agent connection backend
	Connection ConnectionConfig `json:"connection" mapstructure:"connection"`

	// Session holds per-session connection defaults
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Approvals configures tool authorization
	Approvals ApprovalsConfig `json:"approvals" mapstructure:"approvals"`

	// Gateway configures the websocket/JSON-RPC ingress
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Usage configures the turn usage ledger
	Usage UsageConfig `json:"usage" mapstructure:"usage"`

	// Schedule configures standing prompts
	Schedule ScheduleConfig `json:"schedule" mapstructure:"schedule"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing configuration
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// ConnectionConfig selects the agent backend.
type ConnectionConfig struct {
	Backend   string   `json:"backend" mapstructure:"backend"` // subprocess, anthropic, openai
	Command   string   `json:"command,omitempty" mapstructure:"command"`
	Args      []string `json:"args,omitempty" mapstructure:"args"`
	APIKey    string   `json:"api_key,omitempty" mapstructure:"api_key"`
	Endpoint  string   `json:"endpoint,omitempty" mapstructure:"endpoint"`
	MaxTokens int      `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
}

// SessionConfig holds the connection defaults applied to every session.
type SessionConfig struct {
	WorkingDir         string            `json:"working_dir" mapstructure:"working_dir"`
	AdditionalDirs     []string          `json:"additional_dirs,omitempty" mapstructure:"additional_dirs"`
	Env                map[string]string `json:"env,omitempty" mapstructure:"env"`
	Model              string            `json:"model" mapstructure:"model"`
	PermissionMode     string            `json:"permission_mode" mapstructure:"permission_mode"` // prompt, bypass, deny
	SettingsSources    []string          `json:"settings_sources,omitempty" mapstructure:"settings_sources"`
	IdleTimeoutMinutes int               `json:"idle_timeout_minutes" mapstructure:"idle_timeout_minutes"`
}

// ApprovalsConfig holds tool authorization settings.
type ApprovalsConfig struct {
	AllowlistPath  string `json:"allowlist_path" mapstructure:"allowlist_path"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// GatewayConfig holds gateway server configuration.
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// UsageConfig holds usage ledger configuration.
type UsageConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// ScheduleConfig holds scheduler configuration.
type ScheduleConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	StorePath string `json:"store_path" mapstructure:"store_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Enabled       bool    `json:"enabled" mapstructure:"enabled"`
	SamplingRatio float64 `json:"sampling_ratio" mapstructure:"sampling_ratio"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Backend:   "subprocess",
			MaxTokens: 4096,
		},
		Session: SessionConfig{
			PermissionMode:     "prompt",
			IdleTimeoutMinutes: 120,
		},
		Approvals: ApprovalsConfig{
			TimeoutSeconds: 120,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8379,
		},
		Usage: UsageConfig{
			Enabled: true,
		},
		Schedule: ScheduleConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:       false,
			SamplingRatio: 1,
		},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidateBackend(c.Connection.Backend); err != nil {
		return err
	}

	switch c.Connection.Backend {
	case "anthropic", "openai":
		if err := v.ValidateAPIKey(c.Connection.APIKey, c.Connection.Backend); err != nil {
			return err
		}
	}

	if c.Session.PermissionMode != "" {
		if err := v.ValidatePermissionMode(c.Session.PermissionMode); err != nil {
			return err
		}
	}

	if c.Gateway.Enabled {
		if err := v.ValidatePort(c.Gateway.Port); err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
	}

	if c.Logging.Level != "" {
		if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
			return err
		}
	}

	if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
		return fmt.Errorf("tracing sampling ratio must be between 0 and 1")
	}

	return nil
}
