package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// KafkaSource relays events consumed from Kafka topics as a consumer group.
type KafkaSource struct {
	cfg    *KafkaConfig
	relay  relay
	logger zerolog.Logger

	mu     sync.RWMutex
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	active bool
	wg     sync.WaitGroup
}

// NewKafkaSource creates a source for cfg.Topics. It joins the group on Start.
func NewKafkaSource(cfg *KafkaConfig, target BroadcastTarget, logger zerolog.Logger) *KafkaSource {
	logger = logger.With().Str("component", "kafka-source").Logger()
	return &KafkaSource{
		cfg:    cfg,
		relay:  relay{target: target, logger: logger},
		logger: logger,
	}
}

// Name implements Source.
func (s *KafkaSource) Name() string { return "kafka" }

func (s *KafkaSource) saramaConfig() *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = "socket"
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	if s.cfg.Oldest {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	sc.Consumer.Offsets.AutoCommit.Enable = true
	sc.Consumer.Return.Errors = true
	return sc
}

// Start joins the consumer group and consumes until Stop.
func (s *KafkaSource) Start(ctx context.Context) error {
	group, err := sarama.NewConsumerGroup(s.cfg.Brokers, s.cfg.GroupID, s.saramaConfig())
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.group = group
	s.cancel = cancel
	s.active = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.consume(ctx, group)
	go func() {
		defer s.wg.Done()
		for err := range group.Errors() {
			s.logger.Warn().Err(err).Msg("consumer group error")
		}
	}()

	s.logger.Info().
		Strs("brokers", s.cfg.Brokers).
		Str("group", s.cfg.GroupID).
		Strs("topics", s.cfg.Topics).
		Msg("kafka source started")
	return nil
}

func (s *KafkaSource) consume(ctx context.Context, group sarama.ConsumerGroup) {
	defer s.wg.Done()
	handler := &groupHandler{ctx: ctx, relay: s.relay}
	for {
		if err := group.Consume(ctx, s.cfg.Topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			s.logger.Error().Err(err).Msg("consume failed")
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Stop leaves the group and waits for the consumer to exit.
func (s *KafkaSource) Stop() error {
	s.mu.Lock()
	group, cancel := s.group, s.cancel
	s.group, s.cancel, s.active = nil, nil, false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if group != nil {
		err = group.Close()
	}
	s.wg.Wait()
	return err
}

// Available reports whether the source is consuming.
func (s *KafkaSource) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	ctx   context.Context
	relay relay
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim relays every message and marks it whether or not the relay
// succeeded.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			origin := msg.Topic + "/" + strconv.Itoa(int(msg.Partition))
			_ = h.relay.handle(h.ctx, origin, msg.Value)
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}
