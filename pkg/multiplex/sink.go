package multiplex

import (
	"encoding/json"

	"github.com/irwin/switchboard/pkg/agent"
)

// ToolStatus classifies the outcome of a tool invocation.
type ToolStatus string

const (
	ToolOK     ToolStatus = "ok"
	ToolError  ToolStatus = "error"
	ToolDenied ToolStatus = "denied"
)

// Sink receives the structured events of one turn. Implementations belong to
// the caller; the session only forwards to them and never retains a sink
// past the owning request's retirement.
type Sink interface {
	// Text appends assistant output text.
	Text(text string)
	// Thinking reports reasoning progress.
	Thinking(text string)
	// ToolStarted announces a tool invocation.
	ToolStarted(id, name string, input json.RawMessage)
	// ToolCompleted reports a tool invocation's outcome.
	ToolCompleted(id, name, output string, status ToolStatus)
	// Usage reports token consumption for the turn.
	Usage(u agent.Usage)
	// Notice carries warnings and progress notes, including inline turn
	// errors.
	Notice(text string)
}

// NopSink discards every event. Used where a turn has no interested caller,
// such as scheduled prompts.
type NopSink struct{}

func (NopSink) Text(string)                                     {}
func (NopSink) Thinking(string)                                 {}
func (NopSink) ToolStarted(string, string, json.RawMessage)     {}
func (NopSink) ToolCompleted(string, string, string, ToolStatus) {}
func (NopSink) Usage(agent.Usage)                               {}
func (NopSink) Notice(string)                                   {}
