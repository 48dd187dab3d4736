package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultModel = "claude-3-5-sonnet-20241022"

// anthropicCaller performs model calls against the Anthropic Messages API.
type anthropicCaller struct {
	client    anthropic.Client
	maxTokens int64
}

func newAnthropicCaller(apiKey string, maxTokens int) *anthropicCaller {
	return &anthropicCaller{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		maxTokens: int64(maxTokens),
	}
}

func (a *anthropicCaller) name() string {
	return BackendAnthropic
}

func (a *anthropicCaller) defaultModel() string {
	return anthropicDefaultModel
}

func (a *anthropicCaller) call(ctx context.Context, model string, msgs []chatMessage) (*chatReply, error) {
	params := []anthropic.MessageParam{}

	for _, msg := range msgs {
		switch msg.role {
		case "tool":
			params = append(params, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.toolCallID, msg.content, msg.isError),
			))

		case "assistant":
			if len(msg.toolCalls) == 0 {
				params = append(params, anthropic.MessageParam{
					Role: anthropic.MessageParamRoleAssistant,
					Content: []anthropic.ContentBlockParamUnion{
						anthropic.NewTextBlock(msg.content),
					},
				})
				continue
			}
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.content))
			}
			for _, tc := range msg.toolCalls {
				input := map[string]interface{}{}
				if len(tc.Input) > 0 {
					if err := json.Unmarshal(tc.Input, &input); err != nil {
						return nil, fmt.Errorf("failed to encode tool input: %w", err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			params = append(params, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})

		default:
			params = append(params, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.content),
			))
		}
	}

	response, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  params,
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic call failed: %w", err)
	}

	reply := &chatReply{}
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			reply.text += b.Text
		case anthropic.ThinkingBlock:
			reply.thinking += b.Thinking
		case anthropic.ToolUseBlock:
			reply.toolCalls = append(reply.toolCalls, ToolCall{
				ID:    b.ID,
				Name:  b.Name,
				Input: json.RawMessage(b.JSON.Input.Raw()),
			})
		}
	}
	reply.usage = Usage{
		InputTokens:  response.Usage.InputTokens,
		OutputTokens: response.Usage.OutputTokens,
	}
	return reply, nil
}
