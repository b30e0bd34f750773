package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// DefaultEventType is used for upstream events that carry no type.
const DefaultEventType = "event"

// ErrInvalidEnvelope is returned for upstream data that is not an event envelope.
var ErrInvalidEnvelope = errors.New("invalid event envelope")

// Source feeds events from an upstream system into local broadcasts.
// Sources only consume; they never republish what this node sends.
type Source interface {
	// Name identifies the source in logs and metrics.
	Name() string

	// Start connects and begins relaying. It returns once the
	// subscription is established.
	Start(ctx context.Context) error

	// Stop shuts down the upstream connection.
	Stop() error

	// Available reports whether the source is connected and relaying.
	Available() bool
}

// BroadcastTarget receives decoded upstream events.
type BroadcastTarget interface {
	Broadcast(ctx context.Context, payload any, msgType string) (string, error)
	BroadcastChannel(ctx context.Context, channel string, payload any, msgType string) (string, error)
}

// Envelope is the upstream wire format: {"type": "...", "channel": "...",
// "payload": {...}}. Without a channel the event goes to every client.
type Envelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Payload any    `json:"payload"`
}

// DecodeEnvelope parses data and fills in the default type.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Type == "" {
		env.Type = DefaultEventType
	}
	return env, nil
}

// relay decodes upstream frames and hands them to the target.
type relay struct {
	target BroadcastTarget
	logger zerolog.Logger
}

func (r relay) handle(ctx context.Context, origin string, data []byte) error {
	env, err := DecodeEnvelope(data)
	if err != nil {
		r.logger.Warn().Err(err).Str("origin", origin).Msg("dropping upstream event")
		return err
	}

	var id string
	if env.Channel != "" {
		id, err = r.target.BroadcastChannel(ctx, env.Channel, env.Payload, env.Type)
	} else {
		id, err = r.target.Broadcast(ctx, env.Payload, env.Type)
	}
	if err != nil {
		r.logger.Error().Err(err).Str("origin", origin).Str("type", env.Type).Msg("relay failed")
		return err
	}

	r.logger.Debug().
		Str("origin", origin).
		Str("type", env.Type).
		Str("channel", env.Channel).
		Str("broadcast_id", id).
		Msg("relayed upstream event")
	return nil
}
