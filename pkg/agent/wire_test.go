package agent

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrameInit(t *testing.T) {
	line := `{"type":"system","subtype":"init","session_id":"sess-1","tools":["Bash","Edit"]}`

	msg, ok := decodeFrame([]byte(line))
	require.True(t, ok)
	assert.Equal(t, KindInit, msg.Kind)
	assert.Equal(t, "sess-1", msg.SessionID)
}

func TestDecodeFrameIgnoresOtherSystemFrames(t *testing.T) {
	_, ok := decodeFrame([]byte(`{"type":"system","subtype":"compact_boundary"}`))
	assert.False(t, ok)

	_, ok = decodeFrame([]byte(`{"type":"stream_event","event":{"type":"message_delta"}}`))
	assert.False(t, ok)
}

func TestDecodeFrameAssistant(t *testing.T) {
	line := `{"type":"assistant","session_id":"sess-1","message":{"role":"assistant","content":[` +
		`{"type":"thinking","thinking":"weighing options"},` +
		`{"type":"text","text":"running the tests"},` +
		`{"type":"tool_use","id":"toolu_1","name":"Bash","input":{"command":"go test ./..."}}]}}`

	msg, ok := decodeFrame([]byte(line))
	require.True(t, ok)
	assert.Equal(t, KindAssistant, msg.Kind)
	assert.Equal(t, "running the tests", msg.Text)
	assert.Equal(t, "weighing options", msg.Thinking)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "toolu_1", msg.ToolCalls[0].ID)
	assert.Equal(t, "Bash", msg.ToolCalls[0].Name)
	assert.JSONEq(t, `{"command":"go test ./..."}`, string(msg.ToolCalls[0].Input))
}

func TestDecodeFrameToolResultStringContent(t *testing.T) {
	line := `{"type":"user","message":{"role":"user","content":[` +
		`{"type":"tool_result","tool_use_id":"toolu_1","content":"ok: 12 passed"}]}}`

	msg, ok := decodeFrame([]byte(line))
	require.True(t, ok)
	assert.Equal(t, KindToolResult, msg.Kind)
	require.Len(t, msg.ToolResults, 1)
	assert.Equal(t, "toolu_1", msg.ToolResults[0].CallID)
	assert.Equal(t, "ok: 12 passed", msg.ToolResults[0].Content)
	assert.False(t, msg.ToolResults[0].IsError)
}

func TestDecodeFrameToolResultBlockContent(t *testing.T) {
	line := `{"type":"user","message":{"role":"user","content":[` +
		`{"type":"tool_result","tool_use_id":"toolu_2","is_error":true,` +
		`"content":[{"type":"text","text":"command "},{"type":"text","text":"not found"}]}]}}`

	msg, ok := decodeFrame([]byte(line))
	require.True(t, ok)
	require.Len(t, msg.ToolResults, 1)
	assert.Equal(t, "command not found", msg.ToolResults[0].Content)
	assert.True(t, msg.ToolResults[0].IsError)
}

func TestDecodeFrameUserWithoutToolResults(t *testing.T) {
	line := `{"type":"user","message":{"role":"user","content":[{"type":"text","text":"echoed prompt"}]}}`

	_, ok := decodeFrame([]byte(line))
	assert.False(t, ok)
}

func TestDecodeFrameResult(t *testing.T) {
	line := `{"type":"result","subtype":"success","session_id":"sess-1","result":"all done",` +
		`"duration_ms":5120,"num_turns":3,` +
		`"usage":{"input_tokens":100,"output_tokens":40,"cache_read_input_tokens":900,"cache_creation_input_tokens":25}}`

	msg, ok := decodeFrame([]byte(line))
	require.True(t, ok)
	assert.Equal(t, KindResult, msg.Kind)
	require.NotNil(t, msg.Result)
	assert.False(t, msg.Result.IsError)
	assert.False(t, msg.Result.MaxTurns())
	assert.Equal(t, "all done", msg.Result.Text)
	assert.Equal(t, int64(5120), msg.Result.DurationMs)
	assert.Equal(t, 3, msg.Result.NumTurns)
	require.NotNil(t, msg.Result.Usage)
	assert.Equal(t, int64(100), msg.Result.Usage.InputTokens)
	assert.Equal(t, int64(40), msg.Result.Usage.OutputTokens)
	assert.Equal(t, int64(900), msg.Result.Usage.CacheReadTokens)
	assert.Equal(t, int64(25), msg.Result.Usage.CacheCreationTokens)
}

func TestDecodeFrameErrorResult(t *testing.T) {
	line := `{"type":"result","subtype":"error_during_execution","is_error":true,"errors":["process wedged"]}`

	msg, ok := decodeFrame([]byte(line))
	require.True(t, ok)
	require.NotNil(t, msg.Result)
	assert.True(t, msg.Result.IsError)
	assert.Equal(t, "process wedged", msg.Result.Error())
}

func TestDecodeFrameMaxTurnsResult(t *testing.T) {
	line := `{"type":"result","subtype":"error_max_turns","is_error":true,"num_turns":25}`

	msg, ok := decodeFrame([]byte(line))
	require.True(t, ok)
	require.NotNil(t, msg.Result)
	assert.True(t, msg.Result.MaxTurns())
}

func TestDecodeFrameGarbage(t *testing.T) {
	_, ok := decodeFrame([]byte(`not json at all`))
	assert.False(t, ok)
}

func TestEncodeUserMessage(t *testing.T) {
	frame := encodeUserMessage(Prompt{Text: "describe this"})
	require.Len(t, frame.Message.Content, 1)
	assert.Equal(t, "user", frame.Message.Role)
	assert.Equal(t, "text", frame.Message.Content[0].Type)
	assert.Equal(t, "describe this", frame.Message.Content[0].Text)
}

func TestEncodeUserMessageWithAttachment(t *testing.T) {
	frame := encodeUserMessage(Prompt{
		Text: "what is in this image",
		Attachments: []Attachment{
			{MediaType: "image/png", Data: []byte{0x89, 0x50, 0x4e, 0x47}},
		},
	})

	require.Len(t, frame.Message.Content, 2)
	img := frame.Message.Content[0]
	assert.Equal(t, "image", img.Type)
	require.NotNil(t, img.Source)
	assert.Equal(t, "base64", img.Source.Type)
	assert.Equal(t, "image/png", img.Source.MediaType)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x89, 0x50, 0x4e, 0x47}), img.Source.Data)
	assert.Equal(t, "text", frame.Message.Content[1].Type)
}

func TestPermissionResponses(t *testing.T) {
	allow := allowToolResponse("req-1", json.RawMessage(`{"command":"ls"}`))
	data, err := json.Marshal(allow)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"control_response"`)
	assert.Contains(t, string(data), `"behavior":"allow"`)
	assert.Contains(t, string(data), `"req-1"`)

	deny := denyToolResponse("req-2", "")
	data, err = json.Marshal(deny)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"behavior":"deny"`)
	assert.Contains(t, string(data), DeniedMessage)
}

func TestIsDenied(t *testing.T) {
	assert.True(t, IsDenied(DeniedMessage))
	assert.True(t, IsDenied("Bash was declined by user before execution"))
	assert.False(t, IsDenied("exit status 1"))
	assert.False(t, IsDenied(""))
}
