package hub

import "errors"

var (
	// ErrCapacityExceeded is returned by Accept when the connection limit is reached.
	ErrCapacityExceeded = errors.New("connection limit reached")

	// ErrShutdownInProgress is returned once shutdown has begun.
	ErrShutdownInProgress = errors.New("shutdown in progress")

	// ErrNotRunning is returned when the hub has never been started.
	ErrNotRunning = errors.New("hub not running")

	// ErrClientNotFound is returned for unicast sends to unknown connections.
	ErrClientNotFound = errors.New("client not found")

	// ErrQueueClosed is returned by the outbound queue after Close or on cancellation.
	ErrQueueClosed = errors.New("outbound queue closed")
)
