package multiplex

import (
	"context"
	"fmt"

	"github.com/irwin/switchboard/internal/observability"
	"github.com/irwin/switchboard/pkg/agent"
)

// produce is the single writer of one generation. It pulls the head request,
// emits its prompt as the next turn, and parks until that turn retires
// before pulling again. Turn serialization lives here and nowhere else.
func (s *Session) produce(ctx context.Context, gen uint64, conn agent.Conn) {
	logger := s.logger.With().Uint64("generation", gen).Logger()
	logger.Debug().Msg("producer started")
	defer logger.Debug().Msg("producer stopped")

	for {
		r, ok := s.pullNext(ctx, gen)
		if !ok {
			return
		}
		if !s.bindTurn(gen, r) {
			// Head changed under us, usually a cancellation racing the
			// pull. Go around and pull again.
			continue
		}

		s.applyOverrides(ctx, conn, r)

		if err := conn.Prompt(ctx, r.prompt); err != nil {
			logger.Error().Err(err).Str("request_id", r.id).Msg("failed to emit turn")
			s.terminate(gen, fmt.Errorf("failed to emit turn: %w", err))
			return
		}
		logger.Debug().Str("request_id", r.id).Msg("turn emitted")

		select {
		case <-r.ticket.done:
		case <-ctx.Done():
			return
		}
	}
}

// pullNext returns the queue head without removing it; retirement is the
// router's job. On an empty queue it parks on a freshly armed wake slot
// until Submit hands it the next head. Returns false when the generation is
// over.
func (s *Session) pullNext(ctx context.Context, gen uint64) (*request, bool) {
	for {
		s.mu.Lock()
		if s.gen != gen || s.state != StateActive {
			s.mu.Unlock()
			return nil, false
		}
		if len(s.queue) > 0 {
			r := s.queue[0]
			s.mu.Unlock()
			return r, true
		}
		wake := make(chan struct{})
		s.pullWake = wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			s.mu.Lock()
			if s.pullWake == wake {
				s.pullWake = nil
			}
			s.mu.Unlock()
			return nil, false
		}
	}
}

// bindTurn marks the pulled request as the active turn. It refuses when the
// request is no longer head of queue or already resolved.
func (s *Session) bindTurn(gen uint64, r *request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateActive {
		return false
	}
	if len(s.queue) == 0 || s.queue[0] != r || r.ticket.resolved() {
		return false
	}
	s.current = r
	observability.TurnStarted()
	return true
}

// applyOverrides pushes the request's model and permission-mode overrides to
// the live connection, skipping values that match what is already applied.
// Failures are logged and do not fail the turn.
func (s *Session) applyOverrides(ctx context.Context, conn agent.Conn, r *request) {
	s.mu.Lock()
	model, mode := s.model, s.permMode
	active := s.state == StateActive
	s.mu.Unlock()
	if !active {
		return
	}

	if r.model != "" && r.model != model {
		if err := conn.SetModel(ctx, r.model); err != nil {
			s.logger.Warn().Err(err).Str("model", r.model).Msg("model switch failed")
		} else {
			s.logger.Debug().Str("model", r.model).Msg("model switched")
			s.mu.Lock()
			s.model = r.model
			s.mu.Unlock()
		}
	}

	if r.permMode != "" && r.permMode != mode {
		if err := conn.SetPermissionMode(ctx, r.permMode); err != nil {
			s.logger.Warn().Err(err).Str("mode", r.permMode).Msg("permission mode switch failed")
		} else {
			s.logger.Debug().Str("mode", r.permMode).Msg("permission mode switched")
			s.mu.Lock()
			s.permMode = r.permMode
			s.mu.Unlock()
		}
	}
}
