package hub

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/elliotttmiller/sentinel.ai-sub002/src/types"
)

// CloseReason is the close frame sent when a connection is removed. The zero
// value means the transport is assumed broken and is closed without a frame.
type CloseReason struct {
	Code int
	Text string
}

var (
	ReasonClientGone  = CloseReason{Code: types.CloseNormal, Text: "client disconnect"}
	ReasonShutdown    = CloseReason{Code: types.CloseGoingAway, Text: "server shutdown"}
	ReasonCapacity    = CloseReason{Code: types.CloseTryAgainLater, Text: "capacity"}
	ReasonStale       = CloseReason{Code: types.CloseGoingAway, Text: "heartbeat timeout"}
	ReasonSendFailure = CloseReason{}
)

func (r CloseReason) label() string {
	if r.Text == "" {
		return "send failure"
	}
	return r.Text
}

// Connection wraps a WebSocket transport and its bookkeeping. The transport
// is only ever written through write and close.
type Connection struct {
	ID          string
	conn        types.Conn
	connectedAt time.Time
	metadata    map[string]string

	writeMu sync.Mutex

	mu           sync.RWMutex
	lastActivity time.Time
	sent         uint64
	channels     map[string]struct{}
	closed       bool
}

func newConnection(id string, conn types.Conn, metadata map[string]string, now time.Time) *Connection {
	return &Connection{
		ID:           id,
		conn:         conn,
		connectedAt:  now,
		metadata:     maps.Clone(metadata),
		lastActivity: now,
		channels:     make(map[string]struct{}),
	}
}

// Info returns metadata about this connection.
func (c *Connection) Info() types.ClientInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.ClientInfo{
		ID:           c.ID,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
		MessagesSent: c.sent,
		Metadata:     maps.Clone(c.metadata),
		Channels:     c.channelList(),
	}
}

func (c *Connection) addChannel(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channel] = struct{}{}
}

func (c *Connection) removeChannel(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channel)
}

// channelList returns the subscribed channels in name order. Callers hold c.mu.
func (c *Connection) channelList() []string {
	if len(c.channels) == 0 {
		return nil
	}
	return slices.Sorted(maps.Keys(c.channels))
}

func (c *Connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(data)
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = now
	c.sent++
}

func (c *Connection) seen(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = now
}

func (c *Connection) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// close shuts the transport once. The close frame is only written when no
// other write holds the transport, so a stalled send cannot block removal.
func (c *Connection) close(reason CloseReason) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var frameErr error
	if reason.Code != 0 && c.writeMu.TryLock() {
		frameErr = c.conn.WriteClose(reason.Code, reason.Text)
		c.writeMu.Unlock()
	}
	if err := c.conn.Close(); err != nil {
		return err
	}
	return frameErr
}

// ServeConn accepts conn and reads from it until the client goes away, then
// removes it. Every inbound frame counts as activity and is passed to
// handleInbound.
func (h *Hub) ServeConn(conn types.Conn, metadata map[string]string) error {
	id, err := h.Accept(conn, metadata)
	if err != nil {
		return err
	}
	defer h.Disconnect(id)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		h.registry.Seen(id)
		h.handleInbound(id, data)
	}
}
