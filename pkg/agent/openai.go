package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const openaiDefaultModel = "gpt-4o"

// openaiCaller performs model calls against the OpenAI Chat Completions API.
type openaiCaller struct {
	client    openai.Client
	maxTokens int64
}

func newOpenAICaller(apiKey string, maxTokens int) *openaiCaller {
	return &openaiCaller{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		maxTokens: int64(maxTokens),
	}
}

func (o *openaiCaller) name() string {
	return BackendOpenAI
}

func (o *openaiCaller) defaultModel() string {
	return openaiDefaultModel
}

func (o *openaiCaller) call(ctx context.Context, model string, msgs []chatMessage) (*chatReply, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	for _, msg := range msgs {
		switch msg.role {
		case "tool":
			messages = append(messages, openai.ToolMessage(msg.toolCallID, msg.content))

		case "assistant":
			if len(msg.toolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.toolCalls))
			for _, tc := range msg.toolCalls {
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.content,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())

		default:
			messages = append(messages, openai.UserMessage(msg.content))
		}
	}

	response, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(model),
		Messages:  messages,
		MaxTokens: openai.Int(o.maxTokens),
	})
	if err != nil {
		return nil, fmt.Errorf("openai call failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]
	reply := &chatReply{text: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		reply.toolCalls = append(reply.toolCalls, ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	reply.usage = Usage{
		InputTokens:  response.Usage.PromptTokens,
		OutputTokens: response.Usage.CompletionTokens,
	}
	return reply, nil
}
