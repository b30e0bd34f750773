package service

import (
	"context"
	"fmt"

	"github.com/elliotttmiller/sentinel.ai-sub002/src/hub"
	"github.com/elliotttmiller/sentinel.ai-sub002/src/types"
	"github.com/rs/zerolog"
)

// Service provides the high-level broadcast API for producers.
type Service struct {
	hub    *hub.Hub
	logger zerolog.Logger
}

// New creates a new service backed by the given hub.
func New(h *hub.Hub, logger zerolog.Logger) *Service {
	return &Service{hub: h, logger: logger.With().Str("component", "service").Logger()}
}

// Hub returns the underlying hub.
func (s *Service) Hub() *hub.Hub { return s.hub }

// Publish sends data to every connected client and returns the broadcast id.
// The id is empty when nobody is connected.
func (s *Service) Publish(ctx context.Context, msgType string, data any) (string, error) {
	id, err := s.hub.Broadcast(ctx, data, msgType)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", msgType, err)
	}
	s.logger.Debug().
		Str("type", msgType).
		Str("broadcast_id", id).
		Msg("published")
	return id, nil
}

// Broadcast satisfies the bridge target contract.
func (s *Service) Broadcast(ctx context.Context, payload any, msgType string) (string, error) {
	return s.Publish(ctx, msgType, payload)
}

// PublishChannel sends data to the subscribers of channel and returns the
// broadcast id, which is empty when the channel has no subscribers.
func (s *Service) PublishChannel(ctx context.Context, channel, msgType string, data any) (string, error) {
	id, err := s.hub.BroadcastChannel(ctx, channel, data, msgType)
	if err != nil {
		return "", fmt.Errorf("publish %s to %s: %w", msgType, channel, err)
	}
	s.logger.Debug().
		Str("channel", channel).
		Str("type", msgType).
		Str("broadcast_id", id).
		Msg("published to channel")
	return id, nil
}

// BroadcastChannel satisfies the bridge target contract.
func (s *Service) BroadcastChannel(ctx context.Context, channel string, payload any, msgType string) (string, error) {
	return s.PublishChannel(ctx, channel, msgType, payload)
}

// Subscribe adds a client to a channel.
func (s *Service) Subscribe(channel, clientID string) error {
	return s.hub.Subscribe(channel, clientID)
}

// Unsubscribe removes a client from a channel.
func (s *Service) Unsubscribe(channel, clientID string) error {
	if !s.hub.Unsubscribe(channel, clientID) {
		return fmt.Errorf("client %s not subscribed to %s", clientID, channel)
	}
	return nil
}

// GetChannels returns active channels with subscriber counts.
func (s *Service) GetChannels() map[string]int {
	return s.hub.Channels()
}

// RegisterHandler registers a handler for inbound frames of msgType.
func (s *Service) RegisterHandler(msgType string, handler types.MessageHandler) {
	s.hub.RegisterHandler(msgType, handler)
}

// OnConnection registers a callback for new connections.
func (s *Service) OnConnection(cb func(clientID string)) {
	s.hub.OnConnection(cb)
}

// OnDisconnection registers a callback for disconnections.
func (s *Service) OnDisconnection(cb func(clientID string)) {
	s.hub.OnDisconnection(cb)
}

// SendToClient sends a message directly to a specific client.
func (s *Service) SendToClient(ctx context.Context, clientID, msgType string, data any) error {
	if err := s.hub.SendToClient(ctx, clientID, data, msgType); err != nil {
		return err
	}
	s.logger.Debug().
		Str("client_id", clientID).
		Str("type", msgType).
		Msg("sent to client")
	return nil
}

// GetConnectedClients returns IDs of all connected clients.
func (s *Service) GetConnectedClients() []string {
	return s.hub.ConnectedClients()
}

// GetClientInfo returns info for a connected client, or error.
func (s *Service) GetClientInfo(clientID string) (*types.ClientInfo, error) {
	info := s.hub.ClientInfo(clientID)
	if info == nil {
		return nil, fmt.Errorf("%w: %s", hub.ErrClientNotFound, clientID)
	}
	return info, nil
}

// GetStats returns the current performance snapshot.
func (s *Service) GetStats() types.Stats {
	return s.hub.Stats()
}

// Disconnect closes a client as if it had gone away.
func (s *Service) Disconnect(clientID string) error {
	if !s.hub.Disconnect(clientID) {
		return fmt.Errorf("%w: %s", hub.ErrClientNotFound, clientID)
	}
	return nil
}
