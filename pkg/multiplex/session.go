package multiplex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/irwin/switchboard/internal/observability"
	"github.com/irwin/switchboard/internal/tracing"
	"github.com/irwin/switchboard/pkg/agent"
)

// SessionConfig carries the connection parameters shared by every
// generation of one session.
type SessionConfig struct {
	WorkingDir      string
	AdditionalDirs  []string
	Env             map[string]string
	Model           string
	PermissionMode  string
	SettingsSources []string
}

// Detector reports drift in externally-stored configuration. It is consulted
// at the top of each Submit while a connection is live; drift forces a
// restart before the next turn is accepted.
type Detector interface {
	HasChanges() bool
	TakeSnapshot()
}

// ToolRequest is a tool permission question raised by the agent, enriched
// with the active turn's sink so interactive deciders can talk to the caller.
type ToolRequest struct {
	Tool           string
	Input          json.RawMessage
	SessionKey     string
	PermissionMode string
	Sink           Sink
}

// Authorizer decides tool permission requests on behalf of the active turn.
type Authorizer interface {
	Authorize(ctx context.Context, req ToolRequest) agent.AuthDecision
}

// TurnReport summarizes one retired turn for accounting hooks.
type TurnReport struct {
	SessionKey string
	RequestID  string
	Identity   string
	Model      string
	Status     string
	Duration   time.Duration
	Usage      agent.Usage
}

// Hooks receive session events out-of-band. Both callbacks run on their own
// goroutine and must not call back into the session synchronously.
type Hooks struct {
	OnTurn       func(TurnReport)
	OnTransition func(sessionKey string, from, to State)
}

// Session multiplexes submitted requests onto one agent connection. All
// mutable state is guarded by mu; the producer and router goroutines of the
// current generation are the only long-lived actors touching it.
type Session struct {
	key     string
	cfg     SessionConfig
	factory agent.Factory
	detect  Detector
	auth    Authorizer
	hooks   Hooks
	logger  zerolog.Logger

	mu       sync.Mutex
	state    State
	disposed bool
	identity string

	// queue holds every unretired request in submission order. The head is
	// the request bound (or about to be bound) to the in-flight turn; it is
	// removed only when its turn-result arrives.
	queue []*request

	// pullWake is non-nil exactly while the producer is parked on an empty
	// queue. Submit closes it instead of leaving the new head waiting.
	pullWake chan struct{}

	// current is the head request while its turn is in flight, nil between
	// turns. Cleared unconditionally whenever the generation dies.
	current *request

	// gen is the connection generation. Goroutines and callbacks created for
	// one generation compare against it and go inert when superseded.
	gen     uint64
	conn    agent.Conn
	genStop context.CancelFunc

	// model and permMode mirror what was last applied to the live
	// connection, so per-request overrides only touch it on a real change.
	model    string
	permMode string
}

func newSession(key string, cfg SessionConfig, factory agent.Factory, detect Detector, auth Authorizer, hooks Hooks, logger zerolog.Logger) *Session {
	return &Session{
		key:     key,
		cfg:     cfg,
		factory: factory,
		detect:  detect,
		auth:    auth,
		hooks:   hooks,
		logger:  logger.With().Str("session", key).Logger(),
		state:   StateUninitialized,
	}
}

// Submit queues one request and returns its completion ticket immediately.
// The first submission starts the connection; submissions during a live turn
// queue behind it and complete in submission order. Cancelling ctx cancels
// the request.
func (s *Session) Submit(ctx context.Context, req Request) (*Ticket, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"switchboard.multiplex",
		"session.submit",
		attribute.String("session_key", s.key),
	)
	defer span.End()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, ErrDisposed
	}

	// A terminated session is revived by the next submission; the agent-side
	// identity survives for resumption.
	if s.state == StateTerminated {
		if err := s.transitionLocked(StateUninitialized); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}

	// Drift in the agent's settings sources forces a fresh connection before
	// this request's turn is accepted. The queue is untouched.
	if s.state == StateActive && s.detect != nil && s.detect.HasChanges() {
		s.logger.Info().Msg("settings drift detected, restarting connection")
		observability.RecordRestart("config_drift")
		s.restartLocked()
	}

	r := newRequest(ctx, req)
	s.queue = append(s.queue, r)
	if s.pullWake != nil {
		close(s.pullWake)
		s.pullWake = nil
	}
	depth := len(s.queue)

	if s.state == StateUninitialized {
		if err := s.transitionLocked(StateStarting); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.gen++
		go s.openGeneration(s.gen)
	}
	s.mu.Unlock()

	observability.RecordSubmit(s.key, depth)
	go s.watchCancellation(r)

	s.logger.Debug().Str("request_id", r.id).Int("queue_depth", depth).Msg("request submitted")
	return r.ticket, nil
}

// Cancel cancels the request with the given id if it is still queued or
// active in this session.
func (s *Session) Cancel(requestID string) bool {
	s.mu.Lock()
	var target *request
	for _, r := range s.queue {
		if r.ticket.RequestID == requestID {
			target = r
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		return false
	}
	target.cancel()
	return true
}

// Dispose force-terminates the session and fails every queued request.
// Idempotent; a disposed session rejects all further submissions.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	conn := s.conn
	s.conn = nil
	stop := s.genStop
	s.genStop = nil
	failed := s.drainLocked()
	s.forceTerminateLocked()
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close()
	}

	s.logger.Info().Int("failed_requests", len(failed)).Msg("session disposed")
	observability.RecordSessionAudit(context.Background(), s.key, "disposed", "success", nil)
	s.failRequests(failed, ErrSessionEnded)
}

// Identity returns the agent-assigned session identity, empty until the
// agent's first message.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot describes a session at one instant.
type Snapshot struct {
	Key        string `json:"key"`
	State      State  `json:"state"`
	Identity   string `json:"identity,omitempty"`
	QueueDepth int    `json:"queue_depth"`
	Generation uint64 `json:"generation"`
	Disposed   bool   `json:"disposed,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Key:        s.key,
		State:      s.state,
		Identity:   s.identity,
		QueueDepth: len(s.queue),
		Generation: s.gen,
		Disposed:   s.disposed,
	}
}

// openGeneration establishes the connection for a freshly minted generation
// and, on success, spawns its producer and router.
func (s *Session) openGeneration(gen uint64) {
	s.mu.Lock()
	if s.disposed || s.gen != gen || s.state != StateStarting {
		s.mu.Unlock()
		return
	}
	genCtx, stop := context.WithCancel(context.Background())
	s.genStop = stop
	opts := agent.Options{
		WorkingDir:      s.cfg.WorkingDir,
		AdditionalDirs:  s.cfg.AdditionalDirs,
		Env:             s.cfg.Env,
		Model:           s.cfg.Model,
		PermissionMode:  s.cfg.PermissionMode,
		ResumeID:        s.identity,
		SettingsSources: s.cfg.SettingsSources,
		SessionKey:      s.key,
		Authorize:       s.authorizeFunc(gen),
	}
	s.model = opts.Model
	s.permMode = opts.PermissionMode
	s.mu.Unlock()

	if s.detect != nil {
		s.detect.TakeSnapshot()
	}

	conn, err := s.factory.Open(genCtx, opts)
	if err != nil {
		observability.RecordConnectionFailure("start")
		s.logger.Error().Err(err).Uint64("generation", gen).Msg("connection start failed")
		s.failStartAttempt(gen, fmt.Errorf("connection start failed: %w", err))
		stop()
		return
	}

	s.mu.Lock()
	if s.disposed || s.gen != gen {
		s.mu.Unlock()
		stop()
		_ = conn.Close()
		return
	}
	s.conn = conn
	if err := s.transitionLocked(StateActive); err != nil {
		s.mu.Unlock()
		stop()
		_ = conn.Close()
		return
	}
	s.mu.Unlock()

	s.logger.Info().Uint64("generation", gen).Msg("connection active")
	go s.produce(genCtx, gen, conn)
	go s.route(genCtx, gen, conn)
}

// failStartAttempt fails everything queued behind a connection that never
// came up and returns the session to Uninitialized so a later Submit can
// retry.
func (s *Session) failStartAttempt(gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateStarting {
		s.mu.Unlock()
		return
	}
	s.genStop = nil
	failed := s.drainLocked()
	_ = s.transitionLocked(StateUninitialized)
	s.mu.Unlock()

	s.failRequests(failed, cause)
}

// restartLocked discards the current generation and starts a new one,
// preserving the queue. The in-flight turn, if any, dies with the old
// generation; its request is still head of queue and is replayed on the new
// connection. Callers hold s.mu with state Active.
func (s *Session) restartLocked() {
	if err := s.transitionLocked(StateRestarting); err != nil {
		s.logger.Warn().Err(err).Msg("restart rejected")
		return
	}
	conn := s.conn
	s.conn = nil
	if s.genStop != nil {
		s.genStop()
		s.genStop = nil
	}
	if s.current != nil {
		observability.TurnFinished()
		s.current = nil
	}
	_ = s.transitionLocked(StateStarting)
	s.gen++
	gen := s.gen

	go func() {
		if conn != nil {
			_ = conn.Close()
		}
		s.openGeneration(gen)
	}()
}

// terminate handles connection death for one generation: fail every queued
// request and move to Terminated. Stale generations are ignored.
func (s *Session) terminate(gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	stop := s.genStop
	s.genStop = nil
	failed := s.drainLocked()
	s.forceTerminateLocked()
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close()
	}

	observability.RecordConnectionFailure("stream")
	s.logger.Warn().Err(cause).Uint64("generation", gen).Int("failed_requests", len(failed)).Msg("connection terminated")
	s.failRequests(failed, cause)
}

// abortActive tears the generation down because the active turn's
// cancellation fired. The active request resolves cancelled; requests queued
// behind it were entangled with the dead generation and fail too.
func (s *Session) abortActive(gen uint64, active *request) {
	s.mu.Lock()
	if s.gen != gen || s.state == StateTerminated || s.current != active {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	stop := s.genStop
	s.genStop = nil
	failed := s.drainLocked()
	s.forceTerminateLocked()
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close()
	}

	s.logger.Info().Str("request_id", active.id).Uint64("generation", gen).Msg("active turn cancelled, generation aborted")
	observability.RecordTurn("cancelled", time.Since(active.submitted))

	for _, r := range failed {
		if r.ticket.resolved() {
			continue
		}
		if r == active {
			r.ticket.resolve(context.Canceled, true)
			continue
		}
		r.sink.Notice("session error: " + ErrGenerationAborted.Error())
		r.ticket.resolve(ErrGenerationAborted, false)
	}
}

// drainLocked empties the queue and clears the turn and pull-slot state,
// returning the drained requests for the caller to fail. Callers hold s.mu.
func (s *Session) drainLocked() []*request {
	drained := s.queue
	s.queue = nil
	if s.current != nil {
		observability.TurnFinished()
		s.current = nil
	}
	if s.pullWake != nil {
		close(s.pullWake)
		s.pullWake = nil
	}
	observability.SetQueueDepth(s.key, 0)
	return drained
}

func (s *Session) failRequests(reqs []*request, cause error) {
	for _, r := range reqs {
		if r.ticket.resolved() {
			continue
		}
		r.sink.Notice("session error: " + cause.Error())
		r.ticket.resolve(cause, false)
	}
}

// watchCancellation reacts to one request's cancellation signal. A queued
// request is simply removed; the active request takes the whole generation
// down with it, since a running external turn cannot be stopped surgically.
func (s *Session) watchCancellation(r *request) {
	select {
	case <-r.ctx.Done():
	case <-r.ticket.done:
		return
	}

	s.mu.Lock()
	if r.ticket.resolved() {
		s.mu.Unlock()
		return
	}
	if s.current == r {
		gen := s.gen
		s.mu.Unlock()
		s.abortActive(gen, r)
		return
	}
	for i, q := range s.queue {
		if q == r {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	depth := len(s.queue)
	s.mu.Unlock()

	observability.SetQueueDepth(s.key, depth)
	s.logger.Debug().Str("request_id", r.id).Msg("queued request cancelled")
	r.ticket.resolve(context.Canceled, true)
}

// adoptIdentity records the agent-assigned identity the first time it is
// seen. It is immutable afterwards and reused for resumption on restart.
func (s *Session) adoptIdentity(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity != "" {
		return
	}
	s.identity = id
	s.logger.Info().Str("identity", id).Msg("agent assigned session identity")
}

// authorizeFunc adapts the session's Authorizer to the connection callback,
// binding decisions to the active turn's sink and the live permission mode.
func (s *Session) authorizeFunc(gen uint64) agent.AuthorizeFunc {
	if s.auth == nil {
		return nil
	}
	return func(ctx context.Context, req agent.AuthRequest) agent.AuthDecision {
		s.mu.Lock()
		var sink Sink = NopSink{}
		if s.gen == gen && s.current != nil {
			sink = s.current.sink
		}
		mode := s.permMode
		s.mu.Unlock()

		decision := s.auth.Authorize(ctx, ToolRequest{
			Tool:           req.Tool,
			Input:          req.Input,
			SessionKey:     s.key,
			PermissionMode: mode,
			Sink:           sink,
		})

		verdict := "deny"
		if decision.Allow {
			verdict = "allow"
		}
		observability.RecordToolDecision(verdict)
		return decision
	}
}
