package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropagateToLogger(t *testing.T) {
	t.Run("adds tracing fields to log output", func(t *testing.T) {
		var buf bytes.Buffer
		logger := zerolog.New(&buf)

		ctx := context.Background()
		ctx = WithTraceID(ctx, "trace-1")
		ctx = WithTurnID(ctx, "turn-1")
		ctx = WithBackend(ctx, "claude")
		ctx = WithSessionKey(ctx, "chat:alice")

		traced := PropagateToLogger(ctx, logger)
		traced.Info().Msg("hello")

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "trace-1", entry["trace_id"])
		assert.Equal(t, "turn-1", entry["turn_id"])
		assert.Equal(t, "claude", entry["backend"])
		assert.Equal(t, "chat:alice", entry["session_key"])
	})

	t.Run("omits absent fields", func(t *testing.T) {
		var buf bytes.Buffer
		logger := zerolog.New(&buf)

		traced := PropagateToLogger(context.Background(), logger)
		traced.Info().Msg("hello")

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.NotContains(t, entry, "trace_id")
		assert.NotContains(t, entry, "session_key")
	})
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "trace-2")
	traced := LoggerFromContext(ctx, logger)
	traced.Info().Msg("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "trace-2", entry["trace_id"])
}

func TestMergeContext(t *testing.T) {
	t.Run("copies missing fields from source", func(t *testing.T) {
		source := context.Background()
		source = WithTraceID(source, "trace-1")
		source = WithSessionKey(source, "chat:alice")

		target := MergeContext(context.Background(), source)
		assert.Equal(t, "trace-1", GetTraceID(target))
		assert.Equal(t, "chat:alice", GetSessionKey(target))
	})

	t.Run("does not overwrite existing fields", func(t *testing.T) {
		source := WithTraceID(context.Background(), "trace-source")
		target := WithTraceID(context.Background(), "trace-target")

		merged := MergeContext(target, source)
		assert.Equal(t, "trace-target", GetTraceID(merged))
	})
}

func TestCloneContext(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	parent = WithTraceID(parent, "trace-1")
	parent = WithSessionKey(parent, "chat:alice")

	cloned := CloneContext(parent)
	cancel()

	assert.Equal(t, "trace-1", GetTraceID(cloned))
	assert.Equal(t, "chat:alice", GetSessionKey(cloned))
	assert.NoError(t, cloned.Err())

	_, hasDeadline := cloned.Deadline()
	assert.False(t, hasDeadline)
}
