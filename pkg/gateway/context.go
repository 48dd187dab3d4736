package gateway

import "context"

// clientIDKey carries the submitting client's ID through RPC dispatch so
// handlers can bind sinks and audit actors to the right connection.
type clientIDKey struct{}

func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, clientID)
}

func clientIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(clientIDKey{}).(string)
	return id
}
