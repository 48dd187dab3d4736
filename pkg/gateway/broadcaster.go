package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventBroadcaster delivers events to authenticated clients. Every event
// carries a monotonically increasing sequence number so clients can detect
// gaps after reconnects.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all authenticated clients
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       b.nextSeq(),
	}
	b.send(msg, b.clients.GetAuthenticatedClients())
}

// BroadcastTyped sends a typed stream event with sequence metadata.
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	b.stamp(&msg)
	b.send(msg, b.clients.GetAuthenticatedClients())
}

// BroadcastToClient sends a typed stream event to a single client. Used for
// turn streams, which belong to the submitting client only.
func (b *EventBroadcaster) BroadcastToClient(clientID string, msg EventMessage) {
	client, ok := b.clients.Get(clientID)
	if !ok || !client.Authenticated {
		b.logger.Debug().
			Str("client_id", clientID).
			Str("event", msg.Event).
			Msg("client gone, dropping event")
		return
	}
	b.stamp(&msg)
	b.send(msg, []*Client{client})
}

func (b *EventBroadcaster) stamp(msg *EventMessage) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.nextSeq()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
}

func (b *EventBroadcaster) send(msg EventMessage, clients []*Client) {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Str("stream", string(msg.Stream)).
			Int64("seq", msg.Seq).
			Msg("failed to marshal event")
		return
	}

	if len(clients) == 0 {
		b.logger.Debug().
			Str("event", msg.Event).
			Str("stream", string(msg.Stream)).
			Int64("seq", msg.Seq).
			Msg("no authenticated clients to deliver to")
		return
	}

	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, jsonData); err != nil {
			b.logger.Warn().
				Err(err).
				Str("client_id", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("failed to deliver event to client")
		}
	}
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
