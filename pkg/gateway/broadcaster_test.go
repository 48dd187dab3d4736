package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBroadcaster_BroadcastTypedAddsSequence(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{
		ID:            "client-1",
		Conn:          serverConn,
		Authenticated: true,
	})

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.BroadcastTyped(EventMessage{
		Event:      "tool.started",
		Stream:     StreamTypeTool,
		Phase:      "start",
		SessionKey: "chat:alice",
		Data:       map[string]interface{}{"tool": "Bash"},
	})
	broadcaster.BroadcastTyped(EventMessage{
		Event:      "tool.completed",
		Stream:     StreamTypeTool,
		Phase:      "end",
		SessionKey: "chat:alice",
		Data:       map[string]interface{}{"tool": "Bash"},
	})

	var first EventMessage
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn.ReadJSON(&first))

	var second EventMessage
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn.ReadJSON(&second))

	assert.Equal(t, "event", first.Type)
	assert.Equal(t, "tool.started", first.Event)
	assert.Equal(t, StreamTypeTool, first.Stream)
	assert.Equal(t, "start", first.Phase)
	assert.Equal(t, "chat:alice", first.SessionKey)
	assert.NotZero(t, first.Seq)

	assert.Equal(t, "event", second.Type)
	assert.Equal(t, "tool.completed", second.Event)
	assert.Equal(t, "end", second.Phase)
	assert.Greater(t, second.Seq, first.Seq)
}

func TestEventBroadcaster_BroadcastAssignsTypeAndSequence(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{
		ID:            "client-1",
		Conn:          serverConn,
		Authenticated: true,
	})

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.Broadcast("session.state", map[string]interface{}{"ok": true})

	var event EventMessage
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn.ReadJSON(&event))

	assert.Equal(t, "event", event.Type)
	assert.Equal(t, "session.state", event.Event)
	assert.NotZero(t, event.Seq)
	assert.NotZero(t, event.Timestamp)
}

func TestEventBroadcaster_SkipsUnauthenticatedClients(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{
		ID:   "client-1",
		Conn: serverConn,
	})

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.Broadcast("session.state", map[string]interface{}{"ok": true})

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var event EventMessage
	err := clientConn.ReadJSON(&event)
	assert.Error(t, err)
}

func TestEventBroadcaster_BroadcastToClient(t *testing.T) {
	t.Run("should deliver only to the named client", func(t *testing.T) {
		serverConn1, clientConn1, cleanup1 := websocketConnPair(t)
		defer cleanup1()
		serverConn2, clientConn2, cleanup2 := websocketConnPair(t)
		defer cleanup2()

		registry := NewClientRegistry()
		registry.Add(&Client{ID: "client-1", Conn: serverConn1, Authenticated: true})
		registry.Add(&Client{ID: "client-2", Conn: serverConn2, Authenticated: true})

		broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
		broadcaster.BroadcastToClient("client-1", EventMessage{
			Event:      "chat.text",
			Stream:     StreamTypeChat,
			Phase:      "output",
			SessionKey: "chat:alice",
			RequestID:  "req-1",
			Data:       map[string]interface{}{"text": "hello"},
		})

		var event EventMessage
		require.NoError(t, clientConn1.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, clientConn1.ReadJSON(&event))
		assert.Equal(t, "chat.text", event.Event)
		assert.Equal(t, "req-1", event.RequestID)

		require.NoError(t, clientConn2.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
		var leaked EventMessage
		err := clientConn2.ReadJSON(&leaked)
		assert.Error(t, err)
	})

	t.Run("should drop events for unknown clients", func(t *testing.T) {
		registry := NewClientRegistry()
		broadcaster := NewEventBroadcaster(registry, zerolog.Nop())

		// Should not panic
		broadcaster.BroadcastToClient("ghost", EventMessage{Event: "chat.text"})
	})
}

func websocketConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server websocket connection")
	}

	cleanup := func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}

	return serverConn, clientConn, cleanup
}
