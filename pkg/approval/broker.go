// Package approval decides tool permission requests raised by agent
// connections. Decisions come from the permission mode, a persistent
// allowlist, or an interactive approval forwarded to connected clients.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/irwin/switchboard/internal/observability"
	"github.com/irwin/switchboard/pkg/agent"
	"github.com/irwin/switchboard/pkg/multiplex"
)

// Permission modes.
const (
	ModePrompt = "prompt" // consult allowlist, then ask a human
	ModeBypass = "bypass" // allow everything
	ModeDeny   = "deny"   // deny everything
)

// Action is a human's answer to a pending approval.
type Action string

const (
	ActionAllowOnce   Action = "allow-once"
	ActionAllowAlways Action = "allow-always"
	ActionDeny        Action = "deny"
)

// ParseAction parses an action string.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionAllowOnce, ActionAllowAlways, ActionDeny:
		return Action(s), nil
	default:
		return "", fmt.Errorf("unknown approval action: %s", s)
	}
}

// PendingApproval is a tool invocation awaiting a human decision.
type PendingApproval struct {
	ID             string          `json:"approval_id"`
	Tool           string          `json:"tool"`
	Input          json.RawMessage `json:"input,omitempty"`
	SessionKey     string          `json:"session_key"`
	PermissionMode string          `json:"permission_mode"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// Forwarder pushes pending approvals to whoever can answer them, typically
// the gateway's connected clients.
type Forwarder interface {
	ForwardApproval(ctx context.Context, pending PendingApproval) error
}

type decision struct {
	allow  bool
	reason string
	actor  string
}

// Broker implements multiplex.Authorizer. One broker serves all sessions.
type Broker struct {
	allowlist *Allowlist
	timeout   time.Duration

	mu        sync.Mutex
	forwarder Forwarder
	pending   map[string]pendingEntry
}

type pendingEntry struct {
	approval PendingApproval
	resolve  chan decision
}

// NewBroker builds a broker over the given allowlist. timeout bounds how
// long an interactive approval may stay unanswered before it is denied.
func NewBroker(allowlist *Allowlist, timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Broker{
		allowlist: allowlist,
		timeout:   timeout,
		pending:   make(map[string]pendingEntry),
	}
}

// SetForwarder attaches the approval forwarder. Until one is attached,
// prompt-mode requests not covered by the allowlist are denied.
func (b *Broker) SetForwarder(f Forwarder) {
	b.mu.Lock()
	b.forwarder = f
	b.mu.Unlock()
}

// Allowlist exposes the broker's allowlist for management surfaces.
func (b *Broker) Allowlist() *Allowlist {
	return b.allowlist
}

// Authorize answers one tool permission request. Called synchronously by the
// connection while the agent waits.
func (b *Broker) Authorize(ctx context.Context, req multiplex.ToolRequest) agent.AuthDecision {
	switch req.PermissionMode {
	case ModeBypass:
		return agent.AuthDecision{Allow: true}
	case ModeDeny:
		b.audit(ctx, req, "policy", false)
		return agent.AuthDecision{Allow: false, Reason: agent.DeniedMessage}
	}

	if b.allowlist != nil && b.allowlist.IsAllowed(req.Tool) {
		b.audit(ctx, req, "allowlist", true)
		return agent.AuthDecision{Allow: true}
	}

	return b.prompt(ctx, req)
}

// prompt forwards the request to connected clients and waits for a
// resolution, the timeout, or context cancellation. Timeouts and a missing
// forwarder deny.
func (b *Broker) prompt(ctx context.Context, req multiplex.ToolRequest) agent.AuthDecision {
	b.mu.Lock()
	forwarder := b.forwarder
	b.mu.Unlock()

	if forwarder == nil {
		log.Warn().Str("tool", req.Tool).Msg("no approval forwarder attached, denying")
		b.audit(ctx, req, "unattended", false)
		return agent.AuthDecision{Allow: false, Reason: agent.DeniedMessage}
	}

	now := time.Now()
	pending := PendingApproval{
		ID:             uuid.New().String(),
		Tool:           req.Tool,
		Input:          req.Input,
		SessionKey:     req.SessionKey,
		PermissionMode: req.PermissionMode,
		CreatedAt:      now,
		ExpiresAt:      now.Add(b.timeout),
	}
	resolve := make(chan decision, 1)

	b.mu.Lock()
	b.pending[pending.ID] = pendingEntry{approval: pending, resolve: resolve}
	count := len(b.pending)
	b.mu.Unlock()
	observability.SetPendingApprovals(count)
	defer b.drop(pending.ID)

	if req.Sink != nil {
		req.Sink.Notice(fmt.Sprintf("waiting for approval to run tool %q", req.Tool))
	}
	if err := forwarder.ForwardApproval(ctx, pending); err != nil {
		log.Error().Err(err).Str("tool", req.Tool).Msg("failed to forward approval request")
		b.audit(ctx, req, "forward-failed", false)
		return agent.AuthDecision{Allow: false, Reason: agent.DeniedMessage}
	}

	select {
	case d := <-resolve:
		b.audit(ctx, req, d.actor, d.allow)
		if d.allow {
			return agent.AuthDecision{Allow: true}
		}
		return agent.AuthDecision{Allow: false, Reason: agent.DeniedMessage}

	case <-time.After(b.timeout):
		log.Warn().Str("tool", req.Tool).Dur("timeout", b.timeout).Msg("approval request timed out")
		b.audit(ctx, req, "timeout", false)
		return agent.AuthDecision{Allow: false, Reason: agent.DeniedMessage}

	case <-ctx.Done():
		b.audit(ctx, req, "cancelled", false)
		return agent.AuthDecision{Allow: false, Reason: agent.DeniedMessage}
	}
}

// Resolve answers a pending approval by id. ActionAllowAlways also persists
// the tool to the allowlist.
func (b *Broker) Resolve(id string, action Action, actor string) error {
	b.mu.Lock()
	entry, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	count := len(b.pending)
	b.mu.Unlock()
	observability.SetPendingApprovals(count)

	if !ok {
		return fmt.Errorf("no pending approval with id %s", id)
	}

	d := decision{actor: actor}
	switch action {
	case ActionAllowOnce:
		d.allow = true
	case ActionAllowAlways:
		d.allow = true
		if b.allowlist != nil {
			if err := b.allowlist.Add(AllowlistEntry{Tool: entry.approval.Tool, Reason: "approved by " + actor}); err == nil {
				if err := b.allowlist.Save(); err != nil {
					log.Error().Err(err).Msg("failed to persist allowlist")
				}
			}
		}
	case ActionDeny:
		d.allow = false
	default:
		return fmt.Errorf("unknown approval action: %s", action)
	}

	entry.resolve <- d
	return nil
}

// Pending lists unanswered approvals, oldest first.
func (b *Broker) Pending() []PendingApproval {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]PendingApproval, 0, len(b.pending))
	for _, entry := range b.pending {
		out = append(out, entry.approval)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (b *Broker) drop(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	count := len(b.pending)
	b.mu.Unlock()
	observability.SetPendingApprovals(count)
}

func (b *Broker) audit(ctx context.Context, req multiplex.ToolRequest, actor string, allowed bool) {
	verdict := "denied"
	if allowed {
		verdict = "approved"
	}
	observability.RecordApprovalAudit(ctx, req.SessionKey, req.Tool, actor, verdict, nil)
}
