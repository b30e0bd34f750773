package hub

import "sync/atomic"

// counters are the monotonically increasing totals behind types.Stats.
type counters struct {
	accepted     atomic.Uint64
	rejected     atomic.Uint64
	messagesSent atomic.Uint64
	bytesSent    atomic.Uint64
	sendFailures atomic.Uint64
	evictions    atomic.Uint64
}
