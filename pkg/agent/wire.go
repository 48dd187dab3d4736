package agent

import (
	"encoding/base64"
	"encoding/json"
)

// Wire types for the stream-json protocol spoken over the agent subprocess's
// stdin and stdout. One JSON object per line in both directions.

// stdinUserMessage is the frame for sending a user turn to the agent.
type stdinUserMessage struct {
	Type    string            `json:"type"`
	Message stdinMessageInner `json:"message"`
}

type stdinMessageInner struct {
	Role    string             `json:"role"`
	Content []wireContentBlock `json:"content"`
}

// wireContentBlock is a content block in either direction. Fields are a union
// over the block types: text, thinking, image, tool_use, tool_result.
type wireContentBlock struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	Thinking  string           `json:"thinking,omitempty"`
	Source    *wireImageSource `json:"source,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     json.RawMessage  `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   json.RawMessage  `json:"content,omitempty"`
	IsError   bool             `json:"is_error,omitempty"`
}

type wireImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// streamFrame is the envelope for every line the agent writes to stdout.
type streamFrame struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	// result fields
	Result     string     `json:"result,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
	NumTurns   int        `json:"num_turns,omitempty"`
	Usage      *wireUsage `json:"usage,omitempty"`
	Errors     []string   `json:"errors,omitempty"`
	// control_request fields
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
}

type wireAPIMessage struct {
	Role    string             `json:"role"`
	Content []wireContentBlock `json:"content"`
}

type wireUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
}

func (u *wireUsage) toUsage() *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
	}
}

// controlRequestFrame is a control_request in either direction.
type controlRequestFrame struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   controlRequestBody `json:"request"`
}

type controlRequestBody struct {
	Subtype string          `json:"subtype"`
	Model   string          `json:"model,omitempty"`
	Mode    string          `json:"mode,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
}

// canUseToolRequest is the inner body of a can_use_tool control request.
type canUseToolRequest struct {
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// controlResponseFrame answers a control_request from the agent.
type controlResponseFrame struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype   string            `json:"subtype"`
	RequestID string            `json:"request_id"`
	Response  *permissionResult `json:"response,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// permissionResult is the payload of a can_use_tool answer.
type permissionResult struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

func allowToolResponse(requestID string, input json.RawMessage) controlResponseFrame {
	return controlResponseFrame{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  &permissionResult{Behavior: "allow", UpdatedInput: input},
		},
	}
}

func denyToolResponse(requestID, reason string) controlResponseFrame {
	if reason == "" {
		reason = DeniedMessage
	}
	return controlResponseFrame{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  &permissionResult{Behavior: "deny", Message: reason},
		},
	}
}

func errorControlResponse(requestID, message string) controlResponseFrame {
	return controlResponseFrame{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "error",
			RequestID: requestID,
			Error:     message,
		},
	}
}

// encodeUserMessage frames a prompt for the agent's stdin.
func encodeUserMessage(p Prompt) stdinUserMessage {
	blocks := make([]wireContentBlock, 0, len(p.Attachments)+1)
	for _, att := range p.Attachments {
		blocks = append(blocks, wireContentBlock{
			Type: "image",
			Source: &wireImageSource{
				Type:      "base64",
				MediaType: att.MediaType,
				Data:      base64.StdEncoding.EncodeToString(att.Data),
			},
		})
	}
	if p.Text != "" || len(blocks) == 0 {
		blocks = append(blocks, wireContentBlock{Type: "text", Text: p.Text})
	}
	return stdinUserMessage{
		Type:    "user",
		Message: stdinMessageInner{Role: "user", Content: blocks},
	}
}

// decodeFrame translates one stdout line into a Message. The second return is
// false for frames that carry nothing the session layer tracks.
func decodeFrame(line []byte) (Message, bool) {
	var frame streamFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		return Message{}, false
	}

	switch frame.Type {
	case "system":
		if frame.Subtype == "init" {
			return Message{Kind: KindInit, SessionID: frame.SessionID}, true
		}
		return Message{}, false

	case "assistant":
		var api wireAPIMessage
		if err := json.Unmarshal(frame.Message, &api); err != nil {
			return Message{}, false
		}
		msg := Message{Kind: KindAssistant, SessionID: frame.SessionID}
		for _, block := range api.Content {
			switch block.Type {
			case "text":
				msg.Text += block.Text
			case "thinking":
				msg.Thinking += block.Thinking
			case "tool_use":
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:    block.ID,
					Name:  block.Name,
					Input: block.Input,
				})
			}
		}
		return msg, true

	case "user":
		// Tool results come back wrapped in user messages.
		var api wireAPIMessage
		if err := json.Unmarshal(frame.Message, &api); err != nil {
			return Message{}, false
		}
		msg := Message{Kind: KindToolResult, SessionID: frame.SessionID}
		for _, block := range api.Content {
			if block.Type != "tool_result" {
				continue
			}
			msg.ToolResults = append(msg.ToolResults, ToolResult{
				CallID:  block.ToolUseID,
				Content: flattenToolContent(block.Content),
				IsError: block.IsError,
			})
		}
		if len(msg.ToolResults) == 0 {
			return Message{}, false
		}
		return msg, true

	case "result":
		text := frame.Result
		if text == "" && len(frame.Errors) > 0 {
			text = frame.Errors[0]
		}
		return Message{
			Kind:      KindResult,
			SessionID: frame.SessionID,
			Result: &TurnResult{
				IsError:    frame.IsError,
				Subtype:    frame.Subtype,
				Text:       text,
				DurationMs: frame.DurationMs,
				NumTurns:   frame.NumTurns,
				Usage:      frame.Usage.toUsage(),
			},
		}, true

	default:
		return Message{}, false
	}
}

// flattenToolContent renders a tool_result content field, which is either a
// plain JSON string or an array of content blocks, as text.
func flattenToolContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []wireContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	out := ""
	for _, block := range blocks {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}
