package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/elliotttmiller/sentinel.ai-sub002/config"
	"github.com/elliotttmiller/sentinel.ai-sub002/src/metrics"
	"github.com/elliotttmiller/sentinel.ai-sub002/src/types"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a Hub.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option customises a Hub.
type Option func(*options)

type options struct {
	clock   clockwork.Clock
	reg     prometheus.Registerer
	sampler ProcessSampler
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRegisterer registers the hub's collectors on reg instead of a
// private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithProcessSampler replaces the gopsutil process sampler.
func WithProcessSampler(s ProcessSampler) Option {
	return func(o *options) { o.sampler = s }
}

// Hub owns the registry, the outbound queue and the background workers,
// and coordinates their startup and graceful shutdown.
type Hub struct {
	cfg        *config.SocketConfig
	registry   *Registry
	queue      *Queue
	dispatcher *Dispatcher
	health     *HealthMonitor
	perf       *PerformanceMonitor

	ids      *snowflake.Node
	counters *counters
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	logger   zerolog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]types.MessageHandler

	mu      sync.Mutex
	state   State
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stopped Hub.
func New(cfg *config.SocketConfig, logger zerolog.Logger, opts ...Option) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid socket config: %w", err)
	}

	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.reg == nil {
		o.reg = prometheus.NewRegistry()
	}
	if o.sampler == nil {
		if s, err := NewProcessSampler(); err == nil {
			o.sampler = s
		} else {
			logger.Debug().Err(err).Msg("process sampling unavailable")
		}
	}

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("create id generator: %w", err)
	}

	h := &Hub{
		cfg:      cfg,
		ids:      node,
		counters: &counters{},
		metrics:  metrics.New(o.reg),
		clock:    o.clock,
		logger:   logger.With().Str("component", "hub").Logger(),
		handlers: make(map[string]types.MessageHandler),
	}

	h.registry = newRegistry(RegistryConfig{
		MaxConnections: cfg.MaxConnections,
		ServerVersion:  cfg.ServerVersion,
		Features: types.Features{
			Compression:              cfg.Compression,
			Batching:                 cfg.BatchSize > 1,
			HeartbeatIntervalSeconds: cfg.HeartbeatInterval,
		},
	}, h.clock, h.counters, h.metrics, logger)
	h.queue = NewQueue(cfg.QueueCapacity)
	h.dispatcher = newDispatcher(h.queue, h.registry, cfg.BatchSize, cfg.BatchTimeout(), h.clock, h.counters, h.metrics, logger)
	h.health = newHealthMonitor(h.registry, cfg.Heartbeat(), cfg.StaleFactor, h.clock, h.counters, h.metrics, logger)

	var publish Publisher
	if cfg.BroadcastMetrics {
		publish = h.Broadcast
	}
	h.perf = newPerformanceMonitor(h.registry, h.queue, cfg.Report(), publish, o.sampler, h.clock, h.counters, h.metrics, logger)
	return h, nil
}

// Start launches the dispatcher and monitors. Calling it while the hub is
// running is a no-op.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateStopped {
		return
	}
	h.state = StateStarting

	h.registry.Reopen()
	h.queue.Open()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.wg.Add(3)
	go func() {
		defer h.wg.Done()
		h.dispatcher.Run(ctx)
	}()
	go func() {
		defer h.wg.Done()
		h.health.Run(ctx)
	}()
	go func() {
		defer h.wg.Done()
		h.perf.Run(ctx)
	}()

	h.state = StateRunning
	h.started = true
	h.logger.Info().
		Int("max_connections", h.cfg.MaxConnections).
		Int("batch_size", h.cfg.BatchSize).
		Dur("batch_timeout", h.cfg.BatchTimeout()).
		Dur("heartbeat", h.cfg.Heartbeat()).
		Msg("hub started")
}

// Shutdown stops admission, lets the workers finish in-flight work and
// closes every connection with a server shutdown reason. If ctx ends before
// the workers are done, connections are closed early to unblock stalled
// writes and ctx.Err() is returned once the workers have exited.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		return nil
	}
	h.state = StateStopping
	cancel := h.cancel
	h.mu.Unlock()

	h.logger.Info().Msg("hub stopping")

	h.registry.StopAccepting()
	h.queue.Close()
	cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		h.logger.Warn().Err(err).Msg("workers still busy, closing connections early")
		h.registry.CloseAll(ReasonShutdown)
		<-done
	}

	closed := h.registry.CloseAll(ReasonShutdown)
	h.metrics.QueueDepth.Set(float64(h.queue.Len()))

	h.mu.Lock()
	h.state = StateStopped
	h.cancel = nil
	h.mu.Unlock()

	h.logger.Info().Int("closed", closed).Msg("hub stopped")
	return err
}

// State returns the current lifecycle state.
func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Accept registers conn if the hub is running. See Registry.Accept.
func (h *Hub) Accept(conn types.Conn, metadata map[string]string) (string, error) {
	h.mu.Lock()
	state, started := h.state, h.started
	h.mu.Unlock()

	if state != StateRunning {
		h.registry.reject(conn, ReasonShutdown, "not running")
		if !started {
			return "", ErrNotRunning
		}
		return "", ErrShutdownInProgress
	}
	return h.registry.Accept(conn, metadata)
}

// Disconnect removes a connection after the client went away.
func (h *Hub) Disconnect(id string) bool {
	return h.registry.Remove(id, ReasonClientGone)
}
