package agent

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Supported backends.
const (
	BackendSubprocess = "subprocess"
	BackendAnthropic  = "anthropic"
	BackendOpenAI     = "openai"
)

// DefaultCommand is the agent binary used by the subprocess backend when no
// command is configured.
const DefaultCommand = "claude"

const defaultMaxTokens = 4096

// FactoryConfig selects and configures a connection backend.
type FactoryConfig struct {
	Backend   string   `json:"backend" mapstructure:"backend"`
	Command   string   `json:"command,omitempty" mapstructure:"command"`
	Args      []string `json:"args,omitempty" mapstructure:"args"`
	APIKey    string   `json:"api_key,omitempty" mapstructure:"api_key"`
	MaxTokens int      `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
}

// NewFactory builds the factory for the configured backend.
func NewFactory(cfg FactoryConfig, logger zerolog.Logger) (Factory, error) {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	switch cfg.Backend {
	case "", BackendSubprocess:
		command := cfg.Command
		if command == "" {
			command = DefaultCommand
		}
		return &subprocessFactory{
			command: command,
			args:    cfg.Args,
			logger:  logger.With().Str("backend", BackendSubprocess).Logger(),
		}, nil

	case BackendAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic backend requires an API key")
		}
		return &directFactory{
			caller: newAnthropicCaller(cfg.APIKey, maxTokens),
			logger: logger.With().Str("backend", BackendAnthropic).Logger(),
		}, nil

	case BackendOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai backend requires an API key")
		}
		return &directFactory{
			caller: newOpenAICaller(cfg.APIKey, maxTokens),
			logger: logger.With().Str("backend", BackendOpenAI).Logger(),
		}, nil

	default:
		return nil, fmt.Errorf("unknown agent backend: %s", cfg.Backend)
	}
}
