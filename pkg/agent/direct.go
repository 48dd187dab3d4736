package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxToolRounds bounds how many rounds a direct turn may loop through tool
// invocations before the turn closes with an error_max_turns result.
const maxToolRounds = 8

// directUnavailable resolves tool invocations on direct API connections,
// which have no executor attached.
const directUnavailable = "tool execution is not available on a direct connection"

// chatMessage is one entry of a direct connection's conversation history.
type chatMessage struct {
	role       string
	content    string
	toolCalls  []ToolCall
	toolCallID string
	isError    bool
}

// chatReply is a single model response.
type chatReply struct {
	text      string
	thinking  string
	toolCalls []ToolCall
	usage     Usage
}

// chatCaller performs one model call for a direct connection.
type chatCaller interface {
	name() string
	defaultModel() string
	call(ctx context.Context, model string, msgs []chatMessage) (*chatReply, error)
}

// directFactory opens API-backed connections that mimic the subprocess
// stream: an init message on open, then assistant/tool/result messages per
// turn.
type directFactory struct {
	caller chatCaller
	logger zerolog.Logger
}

func (f *directFactory) Open(ctx context.Context, opts Options) (Conn, error) {
	id := opts.ResumeID
	if id == "" {
		id = uuid.New().String()
	}
	model := opts.Model
	if model == "" {
		model = f.caller.defaultModel()
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &directConn{
		caller:   f.caller,
		logger:   f.logger.With().Str("session", opts.SessionKey).Logger(),
		id:       id,
		model:    model,
		mode:     opts.PermissionMode,
		messages: make(chan Message, 64),
		ctx:      connCtx,
		cancel:   cancel,
	}

	// Conversations do not survive the process on a direct connection, so a
	// resumed identity starts with empty history.
	c.messages <- Message{Kind: KindInit, SessionID: id}
	c.logger.Info().Str("provider", f.caller.name()).Str("agent_session", id).Msg("direct connection opened")
	return c, nil
}

type directConn struct {
	caller chatCaller
	logger zerolog.Logger
	id     string

	mu      sync.Mutex
	model   string
	mode    string
	history []chatMessage
	busy    bool

	messages chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

func (c *directConn) Messages() <-chan Message {
	return c.messages
}

func (c *directConn) Prompt(ctx context.Context, p Prompt) error {
	if c.ctx.Err() != nil {
		return fmt.Errorf("connection closed")
	}
	if len(p.Attachments) > 0 {
		c.logger.Debug().Int("count", len(p.Attachments)).Msg("attachments dropped on direct connection")
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return fmt.Errorf("turn already in flight")
	}
	c.busy = true
	c.history = append(c.history, chatMessage{role: "user", content: p.Text})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runTurn()
	return nil
}

func (c *directConn) SetModel(ctx context.Context, model string) error {
	c.mu.Lock()
	c.model = model
	c.mu.Unlock()
	return nil
}

func (c *directConn) SetPermissionMode(ctx context.Context, mode string) error {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	return nil
}

func (c *directConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		close(c.messages)
		c.logger.Debug().Msg("direct connection closed")
	})
	return nil
}

// runTurn drives one turn to completion: model calls interleaved with
// synthesized tool outcomes until the model stops asking for tools.
func (c *directConn) runTurn() {
	defer c.wg.Done()

	start := time.Now()
	total := Usage{}
	rounds := 0

	for {
		c.mu.Lock()
		model := c.model
		msgs := make([]chatMessage, len(c.history))
		copy(msgs, c.history)
		c.mu.Unlock()

		reply, err := c.caller.call(c.ctx, model, msgs)
		if err != nil {
			c.logger.Warn().Err(err).Msg("model call failed")
			c.finishTurn(&TurnResult{
				IsError:    true,
				Subtype:    "error_during_execution",
				Text:       err.Error(),
				DurationMs: time.Since(start).Milliseconds(),
				NumTurns:   rounds,
				Usage:      usagePtr(total),
			})
			return
		}

		rounds++
		total.Add(reply.usage)

		c.send(Message{
			Kind:      KindAssistant,
			SessionID: c.id,
			Text:      reply.text,
			Thinking:  reply.thinking,
			ToolCalls: reply.toolCalls,
		})

		c.mu.Lock()
		c.history = append(c.history, chatMessage{role: "assistant", content: reply.text, toolCalls: reply.toolCalls})
		c.mu.Unlock()

		if len(reply.toolCalls) == 0 {
			c.finishTurn(&TurnResult{
				Text:       reply.text,
				DurationMs: time.Since(start).Milliseconds(),
				NumTurns:   rounds,
				Usage:      usagePtr(total),
			})
			return
		}

		results := make([]ToolResult, 0, len(reply.toolCalls))
		c.mu.Lock()
		for _, call := range reply.toolCalls {
			results = append(results, ToolResult{CallID: call.ID, Content: directUnavailable, IsError: true})
			c.history = append(c.history, chatMessage{
				role:       "tool",
				content:    directUnavailable,
				toolCallID: call.ID,
				isError:    true,
			})
		}
		c.mu.Unlock()
		c.send(Message{Kind: KindToolResult, SessionID: c.id, ToolResults: results})

		if rounds >= maxToolRounds {
			c.finishTurn(&TurnResult{
				Subtype:    "error_max_turns",
				DurationMs: time.Since(start).Milliseconds(),
				NumTurns:   rounds,
				Usage:      usagePtr(total),
			})
			return
		}
	}
}

func (c *directConn) finishTurn(res *TurnResult) {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
	c.send(Message{Kind: KindResult, SessionID: c.id, Result: res})
}

func (c *directConn) send(msg Message) {
	select {
	case c.messages <- msg:
	case <-c.ctx.Done():
	}
}

func usagePtr(u Usage) *Usage {
	if u == (Usage{}) {
		return nil
	}
	out := u
	return &out
}
