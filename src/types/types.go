package types

import (
	"encoding/json"
	"maps"
	"time"
)

// Close codes sent to clients when the server ends a connection.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseTryAgainLater = 1013
)

// Message is an outbound broadcast or unicast event. Payload fields are
// flattened next to the header fields on the wire.
type Message struct {
	Type          string
	Timestamp     time.Time
	ServerVersion string
	BroadcastID   string
	Channel       string
	Data          map[string]any
}

// NewMessage builds a Message from an arbitrary payload. Maps are copied so
// later changes by the caller do not reach the queued message; any other
// value is wrapped under "value".
func NewMessage(msgType string, payload any, serverVersion, broadcastID string, ts time.Time) Message {
	var data map[string]any
	switch p := payload.(type) {
	case nil:
		data = map[string]any{}
	case map[string]any:
		data = maps.Clone(p)
	default:
		data = map[string]any{"value": p}
	}
	return Message{
		Type:          msgType,
		Timestamp:     ts,
		ServerVersion: serverVersion,
		BroadcastID:   broadcastID,
		Data:          data,
	}
}

// MarshalJSON writes {type, timestamp, serverVersion, broadcastId, ...data},
// plus "channel" for channel-scoped messages. Header fields win over payload
// keys with the same name.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Data)+4)
	for k, v := range m.Data {
		out[k] = v
	}
	out["type"] = m.Type
	out["timestamp"] = m.Timestamp
	out["serverVersion"] = m.ServerVersion
	out["broadcastId"] = m.BroadcastID
	if m.Channel != "" {
		out["channel"] = m.Channel
	}
	return json.Marshal(out)
}

// Features advertises server behaviour to a freshly connected client.
type Features struct {
	Compression              bool `json:"compression"`
	Batching                 bool `json:"batching"`
	HeartbeatIntervalSeconds int  `json:"heartbeatIntervalSeconds"`
}

// Welcome is the handshake payload sent once, right after accept.
type Welcome struct {
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	ServerVersion string    `json:"serverVersion"`
	ConnectionID  string    `json:"connectionId"`
	ServerTime    time.Time `json:"serverTime"`
	Features      Features  `json:"features"`
}

// ClientInfo holds metadata about a connected WebSocket client.
type ClientInfo struct {
	ID           string            `json:"id"`
	ConnectedAt  time.Time         `json:"connected_at"`
	LastActivity time.Time         `json:"last_activity"`
	MessagesSent uint64            `json:"messages_sent"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Channels     []string          `json:"channels,omitempty"`
}

// Stats is a point-in-time view of the connection manager.
type Stats struct {
	Timestamp           time.Time            `json:"timestamp"`
	CurrentConnections  int                  `json:"current_connections"`
	TotalConnections    uint64               `json:"total_connections"`
	RejectedConnections uint64               `json:"rejected_connections"`
	MessagesSent        uint64               `json:"messages_sent"`
	BytesTransferred    uint64               `json:"bytes_transferred"`
	SendFailures        uint64               `json:"send_failures"`
	Evictions           uint64               `json:"evictions"`
	QueueDepth          int                  `json:"queue_depth"`
	QueueCapacity       int                  `json:"queue_capacity"`
	MeanUptimeSeconds   float64              `json:"mean_uptime_seconds"`
	Uptimes             map[string]time.Time `json:"connection_start_times"`
	CPUPercent          float64              `json:"cpu_percent"`
	MemoryMB            float64              `json:"memory_mb"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteMessage(data []byte) error
	ReadMessage() ([]byte, error)
	WriteClose(code int, reason string) error
	Close() error
}

// Inbound frame types handled by the hub itself.
const (
	InboundSubscribe   = "subscribe"
	InboundUnsubscribe = "unsubscribe"
)

// Inbound is a frame sent by a client.
type Inbound struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// MessageHandler handles inbound frames of one type.
type MessageHandler func(clientID string, msg Inbound) error
