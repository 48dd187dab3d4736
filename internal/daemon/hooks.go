package daemon

import (
	"context"
	"time"

	"github.com/irwin/switchboard/internal/tracing"
	"github.com/irwin/switchboard/pkg/agent"
	"github.com/irwin/switchboard/pkg/gateway"
	"github.com/irwin/switchboard/pkg/multiplex"
	"github.com/irwin/switchboard/pkg/schedule"
)

// sessionHooks wires turn reports and lifecycle transitions into the ledger
// and the gateway. The gateway may not exist yet when the manager is built,
// so both callbacks re-check it at call time.
func (d *Daemon) sessionHooks() multiplex.Hooks {
	return multiplex.Hooks{
		OnTurn: func(report multiplex.TurnReport) {
			d.recordActivity(report.SessionKey)

			if d.ledger != nil {
				d.ledger.RecordTurn(report)
			}

			if srv := d.gatewayServer; srv != nil {
				srv.BroadcastTyped(gateway.EventMessage{
					Event:      "turn.completed",
					Stream:     gateway.StreamTypeLifecycle,
					Phase:      report.Status,
					SessionKey: report.SessionKey,
					RequestID:  report.RequestID,
					Data: map[string]interface{}{
						"status":        report.Status,
						"model":         report.Model,
						"duration_ms":   report.Duration.Milliseconds(),
						"input_tokens":  report.Usage.InputTokens,
						"output_tokens": report.Usage.OutputTokens,
					},
				})
			}
		},
		OnTransition: func(sessionKey string, from, to multiplex.State) {
			if srv := d.gatewayServer; srv != nil {
				srv.BroadcastTyped(gateway.EventMessage{
					Event:      "session.state",
					Stream:     gateway.StreamTypeLifecycle,
					Phase:      string(to),
					SessionKey: sessionKey,
					Data: map[string]interface{}{
						"from": string(from),
						"to":   string(to),
					},
				})
			}
		},
	}
}

// runScheduledTurn submits a job's prompt into its session and blocks until
// the turn settles. Scheduled turns stream nowhere; their outcome lands in
// the ledger like any other turn.
func (d *Daemon) runScheduledTurn(ctx context.Context, job *schedule.Job) error {
	turnCtx := tracing.NewRequestContext(ctx)
	turnCtx = tracing.WithSessionKey(turnCtx, job.SessionKey)

	ticket, err := d.manager.Submit(turnCtx, job.SessionKey, multiplex.Request{
		Prompt: agent.Prompt{Text: job.Prompt},
		Sink:   multiplex.NopSink{},
		Model:  job.Model,
	})
	if err != nil {
		return err
	}
	return ticket.Wait(ctx)
}

// handleJobEvent forwards scheduler lifecycle events to gateway clients.
func (d *Daemon) handleJobEvent(evt schedule.Event) {
	srv := d.gatewayServer
	if srv == nil {
		return
	}

	data := map[string]interface{}{
		"job_id": evt.JobID,
	}
	if evt.Status != "" {
		data["status"] = evt.Status
	}
	if evt.Error != "" {
		data["error"] = evt.Error
	}
	if evt.DurationMs != nil {
		data["duration_ms"] = *evt.DurationMs
	}
	if evt.NextRunAtMs != nil {
		data["next_run_at_ms"] = *evt.NextRunAtMs
	}

	srv.BroadcastTyped(gateway.EventMessage{
		Event:  "job." + string(evt.Action),
		Stream: gateway.StreamTypeLifecycle,
		Phase:  string(evt.Action),
		Data:   data,
	})
}

// recordActivity notes that a session just retired a turn.
func (d *Daemon) recordActivity(sessionKey string) {
	d.activityMu.Lock()
	d.lastTurn[sessionKey] = time.Now()
	d.activityMu.Unlock()
}

// idleSince returns the last turn time for a session, zero if none recorded.
func (d *Daemon) idleSince(sessionKey string) time.Time {
	d.activityMu.Lock()
	defer d.activityMu.Unlock()
	return d.lastTurn[sessionKey]
}

// forgetActivity drops the activity record for a disposed session.
func (d *Daemon) forgetActivity(sessionKey string) {
	d.activityMu.Lock()
	delete(d.lastTurn, sessionKey)
	d.activityMu.Unlock()
}
