package agent

import (
	"encoding/json"
	"strings"
)

// MessageKind discriminates events arriving on a connection stream.
type MessageKind string

const (
	// KindInit announces the agent-side session identity after startup.
	KindInit MessageKind = "init"
	// KindAssistant carries text, thinking, and tool invocations.
	KindAssistant MessageKind = "assistant"
	// KindToolResult carries outcomes of earlier tool invocations.
	KindToolResult MessageKind = "tool_result"
	// KindResult closes a turn, successfully or not.
	KindResult MessageKind = "result"
)

// Message is a single event read from an agent connection.
type Message struct {
	Kind        MessageKind
	SessionID   string
	Text        string
	Thinking    string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
	Result      *TurnResult
}

// ToolCall represents a tool invocation announced by the agent.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult represents the outcome of a tool invocation.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// TurnResult closes a turn.
type TurnResult struct {
	IsError    bool   `json:"is_error,omitempty"`
	Subtype    string `json:"subtype,omitempty"`
	Text       string `json:"text,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	NumTurns   int    `json:"num_turns,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
}

// MaxTurns reports whether the turn stopped because the agent hit its
// internal turn limit. That is progress information, not a failure.
func (r *TurnResult) MaxTurns() bool {
	return r.Subtype == "error_max_turns"
}

// Error returns the failure text of an error result.
func (r *TurnResult) Error() string {
	if r.Text != "" {
		return r.Text
	}
	if r.Subtype != "" {
		return r.Subtype
	}
	return "turn failed"
}

// Usage tracks token consumption for a turn.
type Usage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int64 `json:"cache_creation_tokens,omitempty"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheCreationTokens += other.CacheCreationTokens
}

// Total returns the combined token count.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

// Prompt is one user turn submitted to a connection.
type Prompt struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is inline binary content attached to a prompt, typically an image.
type Attachment struct {
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"`
}

// DeniedMessage is the canonical text a denied tool invocation resolves with.
// Tool results carrying it are denials, not execution failures.
const DeniedMessage = "declined by user"

// IsDenied reports whether a tool result body records a permission denial.
func IsDenied(content string) bool {
	return strings.Contains(content, DeniedMessage)
}
