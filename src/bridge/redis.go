package bridge

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisSource relays events published on a Redis pub/sub channel.
type RedisSource struct {
	client  *redis.Client
	channel string
	relay   relay
	logger  zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewRedisSource creates a source reading cfg.Channel().
func NewRedisSource(cfg *RedisConfig, target BroadcastTarget, logger zerolog.Logger) *RedisSource {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	logger = logger.With().Str("component", "redis-source").Logger()

	return &RedisSource{
		client:  client,
		channel: cfg.Channel(),
		relay:   relay{target: target, logger: logger},
		logger:  logger,
	}
}

// Name implements Source.
func (s *RedisSource) Name() string { return "redis" }

// Start subscribes to the events channel and begins relaying.
func (s *RedisSource) Start(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := s.client.Subscribe(ctx, s.channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		_ = sub.Close()
		return err
	}

	s.mu.Lock()
	s.active = true
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.listen(ctx, sub)

	s.logger.Info().Str("channel", s.channel).Msg("redis source started")
	return nil
}

// Stop unsubscribes and closes the Redis connection.
func (s *RedisSource) Stop() error {
	s.mu.Lock()
	s.active = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return s.client.Close()
}

// Available reports whether the source is subscribed.
func (s *RedisSource) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *RedisSource) listen(ctx context.Context, sub *redis.PubSub) {
	defer s.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleMessage(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (s *RedisSource) handleMessage(ctx context.Context, msg *redis.Message) {
	_ = s.relay.handle(ctx, msg.Channel, []byte(msg.Payload))
}
