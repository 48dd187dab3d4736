package gateway

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/irwin/switchboard/internal/tracing"
	"github.com/irwin/switchboard/pkg/agent"
	"github.com/irwin/switchboard/pkg/approval"
	"github.com/irwin/switchboard/pkg/multiplex"
	"github.com/irwin/switchboard/pkg/schedule"
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("chat.send", s.handleChatSend)
	_ = s.RegisterMethod("chat.cancel", s.handleChatCancel)
	_ = s.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.RegisterMethod("sessions.get", s.handleSessionsGet)
	_ = s.RegisterMethod("sessions.dispose", s.handleSessionsDispose)
	_ = s.RegisterMethod("clients.list", s.handleClientsList)

	if s.broker != nil {
		_ = s.RegisterMethod("tools.approve", s.handleToolsApprove)
		_ = s.RegisterMethod("tools.pending", s.handleToolsPending)
	}
	if s.ledger != nil {
		_ = s.RegisterMethod("usage.report", s.handleUsageReport)
	}
	if s.scheduler != nil {
		_ = s.RegisterMethod("jobs.add", s.handleJobsAdd)
		_ = s.RegisterMethod("jobs.list", s.handleJobsList)
		_ = s.RegisterMethod("jobs.remove", s.handleJobsRemove)
		_ = s.RegisterMethod("jobs.run", s.handleJobsRun)
	}
}

// handleChatSend submits a prompt into a session's queue. With wait=true
// (the default) the call blocks until the turn settles; events stream to the
// submitting client either way.
func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if err := s.schemas.validate("chat.send", params); err != nil {
		return nil, err
	}

	sessionKey := params["sessionKey"].(string)
	prompt := params["prompt"].(string)

	attachments, err := decodeAttachments(params["attachments"])
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}

	req := multiplex.Request{
		Prompt: agent.Prompt{Text: prompt, Attachments: attachments},
	}
	if model, ok := params["model"].(string); ok {
		req.Model = model
	}
	if mode, ok := params["permissionMode"].(string); ok {
		req.PermissionMode = mode
	}

	wait := true
	if w, ok := params["wait"].(bool); ok {
		wait = w
	}

	var sink *clientSink
	if clientID := clientIDFromContext(ctx); clientID != "" {
		sink = newClientSink(s.broadcaster, clientID, sessionKey)
		req.Sink = sink
	}

	reqCtx := tracing.WithSessionKey(tracing.NewRequestContext(context.Background()), sessionKey)
	ticket, err := s.manager.Submit(reqCtx, sessionKey, req)
	if err != nil {
		return nil, fmt.Errorf("failed to submit request: %w", err)
	}
	if sink != nil {
		sink.setRequestID(ticket.RequestID)
	}

	if !wait {
		return map[string]interface{}{
			"requestId":  ticket.RequestID,
			"sessionKey": sessionKey,
			"queued":     true,
		}, nil
	}

	// Wait on the caller's context so a dropped connection stops the
	// blocking call, not the turn itself.
	_ = ticket.Wait(ctx)
	select {
	case <-ticket.Done():
	default:
		return map[string]interface{}{
			"requestId":  ticket.RequestID,
			"sessionKey": sessionKey,
			"status":     "detached",
		}, nil
	}

	status := "success"
	var turnErr string
	if err := ticket.Err(); err != nil {
		if ticket.Cancelled() {
			status = "cancelled"
		} else {
			status = "error"
		}
		turnErr = err.Error()
	}

	result := map[string]interface{}{
		"requestId":  ticket.RequestID,
		"sessionKey": sessionKey,
		"status":     status,
	}
	if turnErr != "" {
		result["error"] = turnErr
	}
	return result, nil
}

// decodeAttachments converts the chat.send attachments array into prompt
// attachments, decoding each data field from base64.
func decodeAttachments(raw interface{}) ([]agent.Attachment, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid params: attachments must be an array")
	}

	out := make([]agent.Attachment, 0, len(items))
	for i, item := range items {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("invalid params: attachment %d is not an object", i)
		}
		mediaType, _ := entry["media_type"].(string)
		encoded, _ := entry["data"].(string)
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid params: attachment %d data is not valid base64", i)
		}
		out = append(out, agent.Attachment{MediaType: mediaType, Data: data})
	}
	return out, nil
}

// handleChatCancel cancels a queued or active request by id.
func (s *Server) handleChatCancel(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if err := s.schemas.validate("chat.cancel", params); err != nil {
		return nil, err
	}

	requestID := params["requestId"].(string)
	found := s.manager.Cancel(requestID)
	if !found {
		return nil, fmt.Errorf("no request with id %s", requestID)
	}

	return map[string]interface{}{
		"success":   true,
		"requestId": requestID,
	}, nil
}

// handleSessionsList handles sessions.list RPC method
func (s *Server) handleSessionsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"sessions": s.manager.List(),
	}, nil
}

// handleSessionsGet handles sessions.get RPC method
func (s *Server) handleSessionsGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, ok := params["sessionKey"].(string)
	if !ok {
		return nil, fmt.Errorf("sessionKey parameter is required and must be a string")
	}

	session, ok := s.manager.Lookup(sessionKey)
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionKey)
	}

	return map[string]interface{}{
		"session": session.Snapshot(),
	}, nil
}

// handleSessionsDispose handles sessions.dispose RPC method
func (s *Server) handleSessionsDispose(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, ok := params["sessionKey"].(string)
	if !ok {
		return nil, fmt.Errorf("sessionKey parameter is required and must be a string")
	}

	if !s.manager.Dispose(sessionKey) {
		return nil, fmt.Errorf("session not found: %s", sessionKey)
	}

	s.broadcaster.BroadcastTyped(EventMessage{
		Event:      "session.disposed",
		Stream:     StreamTypeLifecycle,
		Phase:      "disposed",
		SessionKey: sessionKey,
		Data:       map[string]interface{}{"sessionKey": sessionKey},
	})

	return map[string]interface{}{"success": true}, nil
}

// handleClientsList handles clients.list RPC method
func (s *Server) handleClientsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"clients": s.clients.GetConnectedClients(),
	}, nil
}

// handleToolsApprove resolves a pending tool approval.
func (s *Server) handleToolsApprove(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if err := s.schemas.validate("tools.approve", params); err != nil {
		return nil, err
	}

	id := params["approval_id"].(string)
	action, err := approval.ParseAction(params["action"].(string))
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}

	actor := clientIDFromContext(ctx)
	if actor == "" {
		actor = "operator"
	}

	if err := s.broker.Resolve(id, action, actor); err != nil {
		return nil, err
	}

	return map[string]interface{}{"success": true}, nil
}

// handleToolsPending lists unanswered tool approvals.
func (s *Server) handleToolsPending(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"pending": s.broker.Pending(),
	}, nil
}

// handleUsageReport returns token totals, per session or global, plus the
// most recent turns.
func (s *Server) handleUsageReport(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	limit := 20
	if l, ok := params["limit"].(float64); ok {
		limit = int(l)
	}

	result := map[string]interface{}{}

	if sessionKey, ok := params["sessionKey"].(string); ok && sessionKey != "" {
		totals, err := s.ledger.SessionTotals(ctx, sessionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate usage: %w", err)
		}
		result["sessionKey"] = sessionKey
		result["totals"] = totals
	} else {
		totals, err := s.ledger.GrandTotals(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate usage: %w", err)
		}
		result["totals"] = totals
	}

	recent, err := s.ledger.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent turns: %w", err)
	}
	result["recent"] = recent

	return result, nil
}

// handleJobsAdd handles jobs.add RPC method
func (s *Server) handleJobsAdd(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if err := s.schemas.validate("jobs.add", params); err != nil {
		return nil, err
	}

	addParams := schedule.AddParams{
		Name:       params["name"].(string),
		SessionKey: params["sessionKey"].(string),
		Prompt:     params["prompt"].(string),
		Enabled:    true,
	}
	if desc, ok := params["description"].(string); ok {
		addParams.Description = desc
	}
	if enabled, ok := params["enabled"].(bool); ok {
		addParams.Enabled = enabled
	}
	if del, ok := params["deleteAfterRun"].(bool); ok {
		addParams.DeleteAfterRun = del
	}
	if model, ok := params["model"].(string); ok {
		addParams.Model = model
	}

	spec := params["schedule"].(map[string]interface{})
	addParams.Schedule.Kind = schedule.Kind(spec["kind"].(string))
	if at, ok := spec["at"].(string); ok {
		addParams.Schedule.At = at
	}
	if everyMs, ok := spec["everyMs"].(float64); ok {
		addParams.Schedule.EveryMs = int64(everyMs)
	}
	if anchorMs, ok := spec["anchorMs"].(float64); ok {
		anchor := int64(anchorMs)
		addParams.Schedule.AnchorMs = &anchor
	}
	if expr, ok := spec["expr"].(string); ok {
		addParams.Schedule.Expr = expr
	}
	if tz, ok := spec["tz"].(string); ok {
		addParams.Schedule.TZ = tz
	}

	job, err := s.scheduler.AddJob(addParams)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{"job": job}, nil
}

// handleJobsList handles jobs.list RPC method
func (s *Server) handleJobsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var sessionKey *string
	if key, ok := params["sessionKey"].(string); ok && key != "" {
		sessionKey = &key
	}
	var enabled *bool
	if e, ok := params["enabled"].(bool); ok {
		enabled = &e
	}

	return map[string]interface{}{
		"jobs": s.scheduler.ListJobs(sessionKey, enabled),
	}, nil
}

// handleJobsRemove handles jobs.remove RPC method
func (s *Server) handleJobsRemove(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, ok := params["id"].(string)
	if !ok || id == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "id is required"}
	}

	if err := s.scheduler.RemoveJob(id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}

// handleJobsRun handles jobs.run RPC method
func (s *Server) handleJobsRun(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, ok := params["id"].(string)
	if !ok || id == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "id is required"}
	}

	mode := schedule.RunModeForce
	if m, ok := params["mode"].(string); ok && m == string(schedule.RunModeDue) {
		mode = schedule.RunModeDue
	}

	if err := s.scheduler.RunJob(id, mode); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}
