package daemon

import (
	"context"
	"time"

	"github.com/irwin/switchboard/internal/observability"
	"github.com/irwin/switchboard/pkg/multiplex"
)

// EventLoop runs the daemon's periodic maintenance: metric refreshes and
// idle session reaping.
type EventLoop struct {
	daemon *Daemon
}

// NewEventLoop creates a new event loop.
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{daemon: d}
}

// Run runs the event loop until ctx is cancelled.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return
		case <-ticker.C:
			e.processTasks()
		}
	}
}

// processTasks refreshes session metrics and reaps idle sessions.
func (e *EventLoop) processTasks() {
	snapshots := e.daemon.manager.List()

	active := 0
	for _, snap := range snapshots {
		if !snap.Disposed {
			active++
		}
		observability.SetQueueDepth(snap.Key, snap.QueueDepth)
		if snap.QueueDepth > 0 {
			e.daemon.logger.Debug().
				Str("session_key", snap.Key).
				Str("state", string(snap.State)).
				Int("queue_depth", snap.QueueDepth).
				Msg("Queue stats")
		}
	}
	observability.SetActiveSessions(active)

	e.reapIdleSessions(snapshots)
}

// reapIdleSessions disposes sessions whose connection has been quiet past
// the configured idle timeout. The next submission revives them with a fresh
// connection.
func (e *EventLoop) reapIdleSessions(snapshots []multiplex.Snapshot) {
	timeoutMin := e.daemon.config.Session.IdleTimeoutMinutes
	if timeoutMin <= 0 {
		return
	}
	timeout := time.Duration(timeoutMin) * time.Minute
	now := time.Now()

	for _, snap := range snapshots {
		if snap.Disposed || snap.State != multiplex.StateActive || snap.QueueDepth > 0 {
			continue
		}
		last := e.daemon.idleSince(snap.Key)
		if last.IsZero() || now.Sub(last) < timeout {
			continue
		}
		if e.daemon.manager.Dispose(snap.Key) {
			e.daemon.forgetActivity(snap.Key)
			e.daemon.logger.Info().
				Str("session_key", snap.Key).
				Dur("idle", now.Sub(last)).
				Msg("Disposed idle session")
		}
	}
}
