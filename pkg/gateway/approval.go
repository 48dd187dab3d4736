package gateway

import (
	"context"
	"time"

	"github.com/irwin/switchboard/pkg/approval"
)

// ApprovalForwarder pushes pending tool approvals to connected clients so a
// human can answer them with tools.approve.
type ApprovalForwarder struct {
	server *Server
}

// NewApprovalForwarder creates a new approval forwarder.
func NewApprovalForwarder(server *Server) *ApprovalForwarder {
	return &ApprovalForwarder{server: server}
}

// ForwardApproval broadcasts an approval request to connected clients.
func (f *ApprovalForwarder) ForwardApproval(ctx context.Context, pending approval.PendingApproval) error {
	data := map[string]interface{}{
		"approval_id":     pending.ID,
		"tool":            pending.Tool,
		"session_key":     pending.SessionKey,
		"permission_mode": pending.PermissionMode,
		"created_at":      pending.CreatedAt.UnixMilli(),
	}
	if len(pending.Input) > 0 {
		data["input"] = pending.Input
	}
	if !pending.ExpiresAt.IsZero() {
		data["expires_at"] = pending.ExpiresAt.UnixMilli()
	}

	f.server.BroadcastTyped(EventMessage{
		Event:      "tool.approval_request",
		Stream:     StreamTypeTool,
		Phase:      "approval_required",
		SessionKey: pending.SessionKey,
		Data:       data,
		Timestamp:  time.Now().UnixMilli(),
	})

	return nil
}
