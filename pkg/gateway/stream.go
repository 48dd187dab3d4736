package gateway

import (
	"encoding/json"
	"sync"

	"github.com/irwin/switchboard/pkg/agent"
	"github.com/irwin/switchboard/pkg/multiplex"
)

// clientSink streams one turn's events to the client that submitted it.
// Events for other clients' turns never leak through it. Sessions stop
// forwarding once the turn retires, so the sink needs no teardown.
type clientSink struct {
	broadcaster *EventBroadcaster
	clientID    string
	sessionKey  string

	mu        sync.Mutex
	requestID string
}

func newClientSink(b *EventBroadcaster, clientID, sessionKey string) *clientSink {
	return &clientSink{
		broadcaster: b,
		clientID:    clientID,
		sessionKey:  sessionKey,
	}
}

// setRequestID records the ticket's request id once submission assigns it.
func (s *clientSink) setRequestID(id string) {
	s.mu.Lock()
	s.requestID = id
	s.mu.Unlock()
}

func (s *clientSink) Text(text string) {
	s.emit("chat.text", StreamTypeChat, "output", map[string]interface{}{
		"text": text,
	})
}

func (s *clientSink) Thinking(text string) {
	s.emit("chat.thinking", StreamTypeChat, "reasoning", map[string]interface{}{
		"text": text,
	})
}

func (s *clientSink) ToolStarted(id, name string, input json.RawMessage) {
	s.emit("tool.started", StreamTypeTool, "start", map[string]interface{}{
		"tool_id": id,
		"tool":    name,
		"input":   input,
	})
}

func (s *clientSink) ToolCompleted(id, name, output string, status multiplex.ToolStatus) {
	s.emit("tool.completed", StreamTypeTool, "end", map[string]interface{}{
		"tool_id": id,
		"tool":    name,
		"output":  output,
		"status":  string(status),
	})
}

func (s *clientSink) Usage(u agent.Usage) {
	s.emit("chat.usage", StreamTypeChat, "usage", map[string]interface{}{
		"input_tokens":          u.InputTokens,
		"output_tokens":         u.OutputTokens,
		"cache_read_tokens":     u.CacheReadTokens,
		"cache_creation_tokens": u.CacheCreationTokens,
	})
}

func (s *clientSink) Notice(text string) {
	s.emit("chat.notice", StreamTypeChat, "notice", map[string]interface{}{
		"text": text,
	})
}

func (s *clientSink) emit(event string, stream StreamType, phase string, data map[string]interface{}) {
	s.mu.Lock()
	requestID := s.requestID
	s.mu.Unlock()

	s.broadcaster.BroadcastToClient(s.clientID, EventMessage{
		Event:      event,
		Stream:     stream,
		Phase:      phase,
		SessionKey: s.sessionKey,
		RequestID:  requestID,
		Data:       data,
	})
}
