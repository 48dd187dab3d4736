package agent

import (
	"context"
	"encoding/json"
)

// Conn is a live link to one agent. Implementations deliver inbound events on
// Messages until the connection terminates, then close the channel.
type Conn interface {
	// Messages returns the inbound event stream. It is closed when the
	// connection dies, whether by Close or by the far side going away.
	Messages() <-chan Message

	// Prompt submits a user turn. It returns once the turn is handed to the
	// agent; the outcome arrives later as a KindResult message.
	Prompt(ctx context.Context, p Prompt) error

	// SetModel asks the agent to switch models for subsequent turns.
	SetModel(ctx context.Context, model string) error

	// SetPermissionMode asks the agent to switch permission modes.
	SetPermissionMode(ctx context.Context, mode string) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Factory opens connections. One factory serves many sessions.
type Factory interface {
	Open(ctx context.Context, opts Options) (Conn, error)
}

// AuthRequest describes a tool invocation awaiting a permission decision.
type AuthRequest struct {
	Tool           string          `json:"tool"`
	Input          json.RawMessage `json:"input,omitempty"`
	SessionKey     string          `json:"session_key"`
	PermissionMode string          `json:"permission_mode,omitempty"`
}

// AuthDecision is the outcome of a permission check.
type AuthDecision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// AuthorizeFunc decides tool permission requests. A nil AuthorizeFunc denies
// everything except when the permission mode bypasses checks agent-side.
type AuthorizeFunc func(ctx context.Context, req AuthRequest) AuthDecision

// Options configure a single connection.
type Options struct {
	// WorkingDir is the agent's working directory.
	WorkingDir string
	// AdditionalDirs grants the agent access beyond WorkingDir.
	AdditionalDirs []string
	// Env adds environment variables to the agent process.
	Env map[string]string
	// Model selects the initial model. Empty means the agent default.
	Model string
	// PermissionMode selects the initial permission mode.
	PermissionMode string
	// ResumeID resumes a previous agent-side conversation when set.
	ResumeID string
	// SettingsSources lists settings files the agent loads.
	SettingsSources []string
	// SessionKey identifies the owning session in logs and auth requests.
	SessionKey string
	// Authorize decides tool permission requests from the agent.
	Authorize AuthorizeFunc
}
