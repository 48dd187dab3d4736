package multiplex

import "errors"

var (
	// ErrDisposed is returned by Submit after Dispose. A disposed session
	// never accepts work again; callers construct a fresh one.
	ErrDisposed = errors.New("session disposed")

	// ErrSessionEnded fails every request still queued when the connection
	// terminates without serving them.
	ErrSessionEnded = errors.New("session ended")

	// ErrGenerationAborted fails requests that were queued behind a turn
	// whose cancellation tore the connection down. They were entangled with
	// the dead generation and must be resubmitted.
	ErrGenerationAborted = errors.New("connection generation aborted")
)
