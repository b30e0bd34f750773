package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elliotttmiller/sentinel.ai-sub002/src/types"
)

const defaultMessageType = "message"

func (h *Hub) encode(payload any, msgType, channel string) (WorkItem, error) {
	if msgType == "" {
		msgType = defaultMessageType
	}
	id := h.ids.Generate().String()
	msg := types.NewMessage(msgType, payload, h.cfg.ServerVersion, id, h.clock.Now())
	msg.Channel = channel
	data, err := json.Marshal(msg)
	if err != nil {
		return WorkItem{}, fmt.Errorf("encode %s message: %w", msgType, err)
	}
	return WorkItem{BroadcastID: id, Type: msgType, Payload: data}, nil
}

func (h *Hub) enqueue(ctx context.Context, item WorkItem) error {
	err := h.queue.Enqueue(ctx, item)
	if errors.Is(err, ErrQueueClosed) {
		return ErrShutdownInProgress
	}
	return err
}

// Broadcast sends payload to every connection registered right now.
// Connections that join later do not receive it; connections that leave
// before the flush are skipped. With no connections it is a no-op and
// returns an empty id. It blocks while the outbound queue is full.
func (h *Hub) Broadcast(ctx context.Context, payload any, msgType string) (string, error) {
	recipients := h.registry.Snapshot()
	if len(recipients) == 0 {
		return "", nil
	}

	return h.broadcastTo(ctx, recipients, payload, msgType, "")
}

// BroadcastChannel sends payload to the connections subscribed to channel
// right now, with the same snapshot rules as Broadcast. A channel without
// subscribers is a no-op and returns an empty id.
func (h *Hub) BroadcastChannel(ctx context.Context, channel string, payload any, msgType string) (string, error) {
	recipients := h.registry.Members(channel)
	if len(recipients) == 0 {
		return "", nil
	}
	return h.broadcastTo(ctx, recipients, payload, msgType, channel)
}

func (h *Hub) broadcastTo(ctx context.Context, recipients []string, payload any, msgType, channel string) (string, error) {
	item, err := h.encode(payload, msgType, channel)
	if err != nil {
		return "", err
	}
	item.Recipients = recipients

	if err := h.enqueue(ctx, item); err != nil {
		return "", err
	}
	return item.BroadcastID, nil
}

// SendToClient queues payload for a single connection.
func (h *Hub) SendToClient(ctx context.Context, clientID string, payload any, msgType string) error {
	if _, ok := h.registry.Get(clientID); !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}

	item, err := h.encode(payload, msgType, "")
	if err != nil {
		return err
	}
	item.Target = clientID
	return h.enqueue(ctx, item)
}

// Subscribe adds a connected client to channel.
func (h *Hub) Subscribe(channel, clientID string) error {
	if !h.registry.Subscribe(channel, clientID) {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	h.logger.Debug().Str("client_id", clientID).Str("channel", channel).Msg("subscribed")
	return nil
}

// Unsubscribe removes a client from channel. It reports whether the client
// was subscribed.
func (h *Hub) Unsubscribe(channel, clientID string) bool {
	return h.registry.Unsubscribe(channel, clientID)
}

// RegisterHandler routes inbound frames of msgType to handler, replacing
// any previous handler for that type.
func (h *Hub) RegisterHandler(msgType string, handler types.MessageHandler) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.handlers[msgType] = handler
}

// OnConnection registers a callback for newly welcomed connections.
func (h *Hub) OnConnection(cb func(clientID string)) {
	h.registry.OnConnect(cb)
}

// OnDisconnection registers a callback for removed connections.
func (h *Hub) OnDisconnection(cb func(clientID string)) {
	h.registry.OnDisconnect(cb)
}

// handleInbound applies subscribe and unsubscribe frames and hands any other
// typed frame to its registered handler. Frames that are not JSON objects
// with a type are ignored.
func (h *Hub) handleInbound(clientID string, data []byte) {
	var msg types.Inbound
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		h.logger.Debug().Str("client_id", clientID).Msg("ignoring untyped frame")
		return
	}

	switch msg.Type {
	case types.InboundSubscribe:
		if msg.Channel != "" {
			_ = h.Subscribe(msg.Channel, clientID)
		}
		return
	case types.InboundUnsubscribe:
		if msg.Channel != "" {
			h.Unsubscribe(msg.Channel, clientID)
		}
		return
	}

	h.handlersMu.RLock()
	handler, ok := h.handlers[msg.Type]
	h.handlersMu.RUnlock()
	if !ok {
		h.logger.Debug().Str("type", msg.Type).Msg("no handler")
		return
	}
	if err := handler(clientID, msg); err != nil {
		h.logger.Error().Err(err).Str("client_id", clientID).Str("type", msg.Type).Msg("handler error")
	}
}
