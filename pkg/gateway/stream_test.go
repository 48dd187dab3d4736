package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irwin/switchboard/pkg/agent"
	"github.com/irwin/switchboard/pkg/multiplex"
)

func readEvent(t *testing.T, conn *websocket.Conn) EventMessage {
	t.Helper()
	var evt EventMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&evt))
	return evt
}

func TestClientSink_StreamsTurnEvents(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{ID: "client-1", Conn: serverConn, Authenticated: true})
	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())

	sink := newClientSink(broadcaster, "client-1", "chat:alice")
	sink.setRequestID("req-1")

	sink.Text("hello")
	sink.Thinking("considering")
	sink.ToolStarted("tool-1", "Bash", json.RawMessage(`{"command":"ls"}`))
	sink.ToolCompleted("tool-1", "Bash", "ok", multiplex.ToolOK)
	sink.Usage(agent.Usage{InputTokens: 10, OutputTokens: 20})
	sink.Notice("restarted")

	text := readEvent(t, clientConn)
	assert.Equal(t, "chat.text", text.Event)
	assert.Equal(t, StreamTypeChat, text.Stream)
	assert.Equal(t, "output", text.Phase)
	assert.Equal(t, "chat:alice", text.SessionKey)
	assert.Equal(t, "req-1", text.RequestID)

	thinking := readEvent(t, clientConn)
	assert.Equal(t, "chat.thinking", thinking.Event)
	assert.Equal(t, "reasoning", thinking.Phase)

	started := readEvent(t, clientConn)
	assert.Equal(t, "tool.started", started.Event)
	assert.Equal(t, StreamTypeTool, started.Stream)
	startedData := started.Data.(map[string]interface{})
	assert.Equal(t, "Bash", startedData["tool"])
	assert.Equal(t, "tool-1", startedData["tool_id"])

	completed := readEvent(t, clientConn)
	assert.Equal(t, "tool.completed", completed.Event)
	completedData := completed.Data.(map[string]interface{})
	assert.Equal(t, "ok", completedData["output"])
	assert.Equal(t, string(multiplex.ToolOK), completedData["status"])

	usage := readEvent(t, clientConn)
	assert.Equal(t, "chat.usage", usage.Event)
	usageData := usage.Data.(map[string]interface{})
	assert.Equal(t, float64(10), usageData["input_tokens"])
	assert.Equal(t, float64(20), usageData["output_tokens"])

	notice := readEvent(t, clientConn)
	assert.Equal(t, "chat.notice", notice.Event)
	assert.Equal(t, "notice", notice.Phase)
}

func TestClientSink_RequestIDSetAfterFirstEvents(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{ID: "client-1", Conn: serverConn, Authenticated: true})
	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())

	sink := newClientSink(broadcaster, "client-1", "chat:alice")

	// Events can arrive before submission returns the request id.
	sink.Text("early")
	sink.setRequestID("req-9")
	sink.Text("late")

	early := readEvent(t, clientConn)
	assert.Empty(t, early.RequestID)

	late := readEvent(t, clientConn)
	assert.Equal(t, "req-9", late.RequestID)
}

func TestClientSink_DropsEventsWhenClientGone(t *testing.T) {
	registry := NewClientRegistry()
	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())

	sink := newClientSink(broadcaster, "gone", "chat:alice")

	// Should not panic with no registered client.
	sink.Text("hello")
	sink.Notice("bye")
}
