package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	assert.NotEmpty(t, id1)
	assert.NotEmpty(t, id2)
	assert.NotEqual(t, id1, id2)
}

func TestNewTurnID(t *testing.T) {
	id1 := NewTurnID()
	id2 := NewTurnID()

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
}

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()

	t.Run("trace id round-trips", func(t *testing.T) {
		ctx := WithTraceID(ctx, "trace-1")
		assert.Equal(t, "trace-1", GetTraceID(ctx))
	})

	t.Run("turn id round-trips", func(t *testing.T) {
		ctx := WithTurnID(ctx, "turn-1")
		assert.Equal(t, "turn-1", GetTurnID(ctx))
	})

	t.Run("backend round-trips", func(t *testing.T) {
		ctx := WithBackend(ctx, "claude")
		assert.Equal(t, "claude", GetBackend(ctx))
	})

	t.Run("session key round-trips", func(t *testing.T) {
		ctx := WithSessionKey(ctx, "chat:alice")
		assert.Equal(t, "chat:alice", GetSessionKey(ctx))
	})

	t.Run("request id round-trips", func(t *testing.T) {
		ctx := WithRequestID(ctx, "req-1")
		assert.Equal(t, "req-1", GetRequestID(ctx))
	})

	t.Run("missing values return empty strings", func(t *testing.T) {
		assert.Empty(t, GetTraceID(ctx))
		assert.Empty(t, GetTurnID(ctx))
		assert.Empty(t, GetBackend(ctx))
		assert.Empty(t, GetSessionKey(ctx))
		assert.Empty(t, GetRequestID(ctx))
	})
}

func TestFromContextAndNewContext(t *testing.T) {
	src := context.Background()
	src = WithTraceID(src, "trace-1")
	src = WithTurnID(src, "turn-1")
	src = WithBackend(src, "claude")
	src = WithSessionKey(src, "chat:alice")
	src = WithRequestID(src, "req-1")

	tc := FromContext(src)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "turn-1", tc.TurnID)
	assert.Equal(t, "claude", tc.Backend)
	assert.Equal(t, "chat:alice", tc.SessionKey)
	assert.Equal(t, "req-1", tc.RequestID)

	restored := NewContext(context.Background(), tc)
	assert.Equal(t, "trace-1", GetTraceID(restored))
	assert.Equal(t, "turn-1", GetTurnID(restored))
	assert.Equal(t, "claude", GetBackend(restored))
	assert.Equal(t, "chat:alice", GetSessionKey(restored))
	assert.Equal(t, "req-1", GetRequestID(restored))
}

func TestNewContext_SkipsEmptyFields(t *testing.T) {
	ctx := NewContext(context.Background(), &TraceContext{TraceID: "trace-1"})

	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.Empty(t, GetTurnID(ctx))
	assert.Empty(t, GetBackend(ctx))
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())
	assert.NotEmpty(t, GetTraceID(ctx))
}

func TestNewTurnContext(t *testing.T) {
	ctx := NewTurnContext(context.Background(), "claude")

	assert.NotEmpty(t, GetTurnID(ctx))
	assert.Equal(t, "claude", GetBackend(ctx))
}
