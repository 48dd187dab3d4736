package multiplex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/irwin/switchboard/internal/observability"
	"github.com/irwin/switchboard/pkg/agent"
)

// toolRecord remembers an announced tool invocation until its result
// arrives.
type toolRecord struct {
	name  string
	input json.RawMessage
}

// route consumes the inbound stream of one generation in arrival order,
// forwarding turn progress to the active sink, correlating tool results
// with their invocations, and retiring the queue head on each turn-result.
func (s *Session) route(ctx context.Context, gen uint64, conn agent.Conn) {
	logger := s.logger.With().Uint64("generation", gen).Logger()
	logger.Debug().Msg("router started")
	defer logger.Debug().Msg("router stopped")

	records := make(map[string]toolRecord)

	for msg := range conn.Messages() {
		if ctx.Err() != nil {
			return
		}

		// Cooperative cancellation point: a cancelled active turn stops the
		// router before it touches another message.
		active := s.activeTurn(gen)
		if active != nil && active.ctx.Err() != nil {
			s.abortActive(gen, active)
			return
		}

		switch msg.Kind {
		case agent.KindInit:
			s.adoptIdentity(msg.SessionID)

		case agent.KindAssistant:
			if active == nil {
				logger.Debug().Msg("assistant message outside any turn")
				continue
			}
			if msg.Thinking != "" {
				active.sink.Thinking(msg.Thinking)
			}
			if msg.Text != "" {
				active.sink.Text(msg.Text)
			}
			for _, call := range msg.ToolCalls {
				records[call.ID] = toolRecord{name: call.Name, input: call.Input}
				active.sink.ToolStarted(call.ID, call.Name, call.Input)
			}

		case agent.KindToolResult:
			for _, res := range msg.ToolResults {
				rec, ok := records[res.CallID]
				if !ok {
					// A result for an invocation the router never saw
					// start. Not an error; drop it and keep going.
					logger.Debug().Str("call_id", res.CallID).Msg("unmatched tool result dropped")
					continue
				}
				delete(records, res.CallID)

				status := ToolOK
				switch {
				case agent.IsDenied(res.Content):
					status = ToolDenied
				case res.IsError:
					status = ToolError
				}
				observability.RecordToolInvocation(rec.name, string(status))
				if active != nil {
					active.sink.ToolCompleted(res.CallID, rec.name, res.Content, status)
				}
			}

		case agent.KindResult:
			if len(records) > 0 {
				logger.Debug().Int("unmatched", len(records)).Msg("turn ended with unmatched tool invocations")
				records = make(map[string]toolRecord)
			}
			s.retireHead(gen, msg.Result)

		default:
			logger.Debug().Str("kind", string(msg.Kind)).Msg("unhandled message kind")
		}
	}

	// The inbound stream ended. If this generation is still current, nobody
	// asked for the shutdown and every unretired request is stranded.
	s.terminate(gen, ErrSessionEnded)
}

// activeTurn returns the in-flight request if gen is still the current
// generation.
func (s *Session) activeTurn(gen uint64) *request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil
	}
	return s.current
}

// retireHead removes the queue head, resolves its ticket from the
// turn-result, and clears the active turn. This is the only place a request
// leaves the queue successfully.
func (s *Session) retireHead(gen uint64, res *agent.TurnResult) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if len(s.queue) == 0 {
		s.mu.Unlock()
		s.logger.Warn().Msg("turn result with empty queue")
		return
	}
	r := s.queue[0]
	s.queue = s.queue[1:]
	if s.current != nil {
		observability.TurnFinished()
		s.current = nil
	}
	depth := len(s.queue)
	identity := s.identity
	model := s.model
	s.mu.Unlock()

	observability.SetQueueDepth(s.key, depth)

	status := "success"
	var cause error
	var usage agent.Usage
	if res != nil {
		if res.Usage != nil {
			usage = *res.Usage
			r.sink.Usage(usage)
			observability.RecordTurnTokens(usage.InputTokens, usage.OutputTokens, usage.CacheReadTokens, usage.CacheCreationTokens)
		}
		switch {
		case res.MaxTurns():
			// The agent hit its internal turn limit. Progress information,
			// not a failure.
			status = "max_turns"
			r.sink.Notice("agent stopped after reaching its turn limit")
		case res.IsError:
			status = "error"
			cause = fmt.Errorf("turn failed: %s", res.Error())
			r.sink.Notice("error: " + res.Error())
		}
	}

	duration := time.Since(r.submitted)
	observability.RecordTurn(status, duration)
	s.logger.Info().
		Str("request_id", r.id).
		Str("status", status).
		Dur("duration", duration).
		Int("queue_depth", depth).
		Msg("turn retired")

	if s.hooks.OnTurn != nil {
		go s.hooks.OnTurn(TurnReport{
			SessionKey: s.key,
			RequestID:  r.id,
			Identity:   identity,
			Model:      model,
			Status:     status,
			Duration:   duration,
			Usage:      usage,
		})
	}
	r.ticket.resolve(cause, false)
}
