package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSSource relays events published on a NATS subject.
type NATSSource struct {
	cfg    *NATSConfig
	relay  relay
	logger zerolog.Logger

	mu     sync.RWMutex
	conn   *nats.Conn
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
}

// NewNATSSource creates a source for cfg.Subject. It connects on Start.
func NewNATSSource(cfg *NATSConfig, target BroadcastTarget, logger zerolog.Logger) *NATSSource {
	logger = logger.With().Str("component", "nats-source").Logger()
	return &NATSSource{
		cfg:    cfg,
		relay:  relay{target: target, logger: logger},
		logger: logger,
	}
}

// Name implements Source.
func (s *NATSSource) Name() string { return "nats" }

// Start connects to NATS and subscribes to the configured subject.
func (s *NATSSource) Start(ctx context.Context) error {
	conn, err := nats.Connect(s.cfg.URL,
		nats.Name("socket-events"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.conn = conn
	s.ctx = ctx
	s.cancel = cancel
	s.mu.Unlock()

	var sub *nats.Subscription
	if s.cfg.Queue != "" {
		sub, err = conn.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, s.handleMessage)
	} else {
		sub, err = conn.Subscribe(s.cfg.Subject, s.handleMessage)
	}
	if err != nil {
		cancel()
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", s.cfg.Subject, err)
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	s.logger.Info().
		Str("subject", s.cfg.Subject).
		Str("queue", s.cfg.Queue).
		Msg("nats source started")
	return nil
}

// Stop unsubscribes and closes the connection.
func (s *NATSSource) Stop() error {
	s.mu.Lock()
	conn, sub, cancel := s.conn, s.sub, s.cancel
	s.conn, s.sub, s.cancel = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug().Err(err).Msg("unsubscribe failed")
		}
	}
	if conn != nil {
		conn.Close()
	}
	return nil
}

// Available reports whether the source holds a live connection.
func (s *NATSSource) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil && s.sub != nil && s.conn.IsConnected()
}

func (s *NATSSource) handleMessage(msg *nats.Msg) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	_ = s.relay.handle(ctx, msg.Subject, msg.Data)
}
