package hub

import (
	"time"

	"github.com/elliotttmiller/sentinel.ai-sub002/src/types"
)

// ConnectedClients returns a list of connected client IDs.
func (h *Hub) ConnectedClients() []string {
	return h.registry.Snapshot()
}

// ClientInfo returns info for a connected client, or nil.
func (h *Hub) ClientInfo(clientID string) *types.ClientInfo {
	c, ok := h.registry.Get(clientID)
	if !ok {
		return nil
	}
	info := c.Info()
	return &info
}

// Channels returns channel names with their subscriber counts.
func (h *Hub) Channels() map[string]int {
	return h.registry.Channels()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	return h.registry.Count()
}

// Stats returns the current performance snapshot.
func (h *Hub) Stats() types.Stats {
	return h.perf.Snapshot()
}

// QueueDepth returns the number of work items waiting for the dispatcher.
func (h *Hub) QueueDepth() int {
	return h.queue.Len()
}

// MaxIdle is how long a connection may stay silent before eviction.
func (h *Hub) MaxIdle() time.Duration {
	return h.health.MaxIdle()
}

// MaxConnections returns the configured connection limit.
func (h *Hub) MaxConnections() int {
	return h.cfg.MaxConnections
}
