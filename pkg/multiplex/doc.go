// Package multiplex turns independently-arriving chat requests into a single
// strictly-ordered conversation per session with one long-lived agent
// connection.
//
// A Session owns one request queue, one producer goroutine that feeds turns
// to the connection, and one router goroutine that consumes the inbound
// message stream. The connection serves exactly one turn at a time; requests
// submitted while a turn is in flight queue behind it and complete in
// submission order. Every (re)start of the underlying connection mints a new
// generation, and all cancellation for a connection is scoped to its
// generation, so a stale abort can never touch a replacement connection.
//
// A Manager indexes sessions by key; sessions are fully independent of each
// other.
package multiplex
