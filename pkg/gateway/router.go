package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/irwin/switchboard/internal/observability"
)

const defaultIdempotencyTTL = 5 * time.Minute

// RPCRouter dispatches JSON-RPC requests to registered handlers. A request
// carrying an idempotency key caches its first response for a TTL, so a
// client retrying chat.send after a dropped connection observes the original
// outcome instead of queueing a duplicate turn.
type RPCRouter struct {
	mu             sync.RWMutex
	methods        map[string]RequestHandler
	idempotencyTTL time.Duration
	replayCache    map[string]replayEntry
}

type replayEntry struct {
	response  RPCResponse
	expiresAt time.Time
}

// NewRPCRouter creates an empty router.
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods:        make(map[string]RequestHandler),
		idempotencyTTL: defaultIdempotencyTTL,
		replayCache:    make(map[string]replayEntry),
	}
}

// RegisterMethod registers a handler under name, replacing any existing one.
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	r.mu.Lock()
	r.methods[name] = handler
	r.mu.Unlock()
	return nil
}

// UnregisterMethod removes the handler registered under name.
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	delete(r.methods, name)
	r.mu.Unlock()
}

// ParseRequest decodes raw bytes into a JSON-RPC request, enforcing the
// fields the protocol requires.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	if req.ID == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	}
	if req.Method == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return &req, nil
}

// RouteRequest executes the handler for req, consulting and feeding the
// replay cache when the request is idempotent.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return errorResponse("", InvalidRequest, "invalid request", nil)
	}

	replayKey := ""
	if req.IdempotencyKey != "" {
		replayKey = req.Method + ":" + req.IdempotencyKey
		if resp, ok := r.replay(replayKey); ok {
			resp.ID = req.ID
			return &resp
		}
	}

	r.mu.RLock()
	handler, ok := r.methods[req.Method]
	r.mu.RUnlock()
	if !ok {
		return errorResponse(req.ID, MethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}

	start := time.Now()
	result, err := handler(ctx, req.Params)
	observability.RecordGatewayRequest(req.Method, time.Since(start), err == nil)

	var resp *RPCResponse
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		resp = &RPCResponse{ID: req.ID, JSONRPC: "2.0", Error: rpcErr}
	} else {
		resp = &RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: result}
	}

	if replayKey != "" {
		r.remember(replayKey, *resp)
	}
	return resp
}

// HasMethod reports whether a handler is registered under name.
func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.methods[name]
	return ok
}

// GetMethods returns all registered method names.
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	return names
}

func errorResponse(id string, code int, message string, data interface{}) *RPCResponse {
	return &RPCResponse{
		ID:      id,
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// replay returns the cached response for key, evicting it if expired.
func (r *RPCRouter) replay(key string) (RPCResponse, bool) {
	r.mu.RLock()
	entry, ok := r.replayCache[key]
	r.mu.RUnlock()
	if !ok {
		return RPCResponse{}, false
	}

	now := time.Now()
	if now.After(entry.expiresAt) {
		r.mu.Lock()
		if cur, ok := r.replayCache[key]; ok && now.After(cur.expiresAt) {
			delete(r.replayCache, key)
		}
		r.mu.Unlock()
		return RPCResponse{}, false
	}
	return copyResponse(entry.response), true
}

// remember stores a response for replay and sweeps expired entries while it
// holds the lock anyway.
func (r *RPCRouter) remember(key string, resp RPCResponse) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.replayCache[key] = replayEntry{
		response:  copyResponse(resp),
		expiresAt: now.Add(r.idempotencyTTL),
	}
	for k, entry := range r.replayCache {
		if now.After(entry.expiresAt) {
			delete(r.replayCache, k)
		}
	}
}

// copyResponse detaches the cached copy so the caller can rewrite its ID.
func copyResponse(src RPCResponse) RPCResponse {
	out := src
	if src.Error != nil {
		errCopy := *src.Error
		out.Error = &errCopy
	}
	return out
}
