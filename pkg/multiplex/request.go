package multiplex

import (
	"context"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/irwin/switchboard/pkg/agent"
)

// Request is one chat turn submitted into a session.
type Request struct {
	// Prompt is the user turn to send to the agent.
	Prompt agent.Prompt
	// Sink receives the turn's events. Nil means discard.
	Sink Sink
	// Model overrides the session model for this and subsequent turns.
	// Empty keeps the current model.
	Model string
	// PermissionMode overrides the permission mode likewise.
	PermissionMode string
}

// Ticket is the completion signal for one submitted request. It resolves
// exactly once, when the request's turn-result is observed or the session
// fails it.
type Ticket struct {
	// RequestID identifies the request for cancellation and reporting.
	RequestID string

	done      chan struct{}
	once      sync.Once
	err       error
	cancelled bool
}

// Done is closed when the ticket resolves.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Err returns the failure, if any, once Done is closed. Before resolution it
// returns nil.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Cancelled reports whether the ticket resolved because the request was
// cancelled rather than because its turn failed.
func (t *Ticket) Cancelled() bool {
	select {
	case <-t.done:
		return t.cancelled
	default:
		return false
	}
}

// Wait blocks until the ticket resolves or ctx expires.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Ticket) resolve(err error, cancelled bool) {
	t.once.Do(func() {
		t.err = err
		t.cancelled = cancelled
		close(t.done)
	})
}

func (t *Ticket) resolved() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// request is the queue entry for one submitted Request. It stays in the
// queue from submission until its turn-result retires it or the session
// fails it; the head entry doubles as the active turn's backing record.
type request struct {
	id        string
	prompt    agent.Prompt
	sink      Sink
	model     string
	permMode  string
	ctx       context.Context
	cancel    context.CancelFunc
	ticket    *Ticket
	submitted time.Time
}

func newRequest(ctx context.Context, req Request) *request {
	id, _ := gonanoid.New()
	ctx, cancel := context.WithCancel(ctx)

	sink := req.Sink
	if sink == nil {
		sink = NopSink{}
	}

	return &request{
		id:        id,
		prompt:    req.Prompt,
		sink:      sink,
		model:     req.Model,
		permMode:  req.PermissionMode,
		ctx:       ctx,
		cancel:    cancel,
		ticket:    &Ticket{RequestID: id, done: make(chan struct{})},
		submitted: time.Now(),
	}
}
