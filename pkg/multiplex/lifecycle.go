package multiplex

import (
	"fmt"

	"github.com/irwin/switchboard/internal/observability"
)

// State is a session lifecycle state.
type State string

const (
	// StateUninitialized means no connection exists yet. The first Submit
	// moves the session to Starting.
	StateUninitialized State = "uninitialized"
	// StateStarting means a connection is being established.
	StateStarting State = "starting"
	// StateActive means the connection is live and serving turns.
	StateActive State = "active"
	// StateRestarting means the current generation is being discarded ahead
	// of a fresh start. The queue is preserved.
	StateRestarting State = "restarting"
	// StateTerminated means the connection is gone and every queued request
	// has been failed. A later Submit revives the session unless it was
	// disposed.
	StateTerminated State = "terminated"
)

// validTransitions is the authoritative edge set of the lifecycle machine.
// Terminated → Uninitialized is the revival edge taken by Submit on a
// non-disposed session. Dispose bypasses the table.
var validTransitions = map[State][]State{
	StateUninitialized: {StateStarting},
	StateStarting:      {StateActive, StateUninitialized, StateTerminated},
	StateActive:        {StateRestarting, StateTerminated},
	StateRestarting:    {StateStarting, StateTerminated},
	StateTerminated:    {StateUninitialized},
}

// transitionLocked moves the session to a new state, rejecting edges the
// machine does not define. Callers hold s.mu.
func (s *Session) transitionLocked(to State) error {
	from := s.state
	allowed := false
	for _, next := range validTransitions[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("illegal session transition %s -> %s", from, to)
	}

	s.setStateLocked(from, to)
	return nil
}

// forceTerminateLocked enters Terminated from any state. Only disposal and
// connection death use it. Callers hold s.mu.
func (s *Session) forceTerminateLocked() {
	if s.state == StateTerminated {
		return
	}
	s.setStateLocked(s.state, StateTerminated)
}

func (s *Session) setStateLocked(from, to State) {
	s.state = to
	s.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("session state changed")
	observability.RecordStateTransition(string(from), string(to))
	if s.hooks.OnTransition != nil {
		go s.hooks.OnTransition(s.key, from, to)
	}
}
