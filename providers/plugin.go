package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/elliotttmiller/sentinel.ai-sub002/config"
	"github.com/elliotttmiller/sentinel.ai-sub002/src/bridge"
	"github.com/elliotttmiller/sentinel.ai-sub002/src/hub"
	"github.com/elliotttmiller/sentinel.ai-sub002/src/service"
	"github.com/fasthttp/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// SocketPlugin wires the hub, its service facade, upstream event sources
// and the HTTP surface together.
type SocketPlugin struct {
	cfg      *config.SocketConfig
	logger   zerolog.Logger
	hubOpts  []hub.Option
	upgrader websocket.FastHTTPUpgrader

	mu             sync.RWMutex
	active         bool
	hub            *hub.Hub
	service        *service.Service
	registry       *prometheus.Registry
	metricsHandler fasthttp.RequestHandler
	sources        []bridge.Source
	cancelSources  context.CancelFunc
}

// NewSocketPlugin creates an inactive plugin. Hub options are passed on to
// hub.New at activation.
func NewSocketPlugin(cfg *config.SocketConfig, logger zerolog.Logger, opts ...hub.Option) *SocketPlugin {
	return &SocketPlugin{
		cfg:     cfg,
		logger:  logger,
		hubOpts: opts,
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:    cfg.ReadBufferSize,
			WriteBufferSize:   cfg.WriteBufferSize,
			EnableCompression: cfg.Compression,
		},
	}
}

func (p *SocketPlugin) ID() string      { return "socket" }
func (p *SocketPlugin) Name() string    { return "WebSocket" }
func (p *SocketPlugin) Version() string { return p.cfg.ServerVersion }

func (p *SocketPlugin) IsActive() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// Activate builds and starts the hub, then tries the configured upstream
// sources. A source that cannot connect is logged and skipped.
func (p *SocketPlugin) Activate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := append([]hub.Option{hub.WithRegisterer(reg)}, p.hubOpts...)
	h, err := hub.New(p.cfg, p.logger, opts...)
	if err != nil {
		return fmt.Errorf("create hub: %w", err)
	}
	h.Start()

	p.hub = h
	p.service = service.New(h, p.logger)
	p.registry = reg
	p.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	// Sources outlive the activation call.
	srcCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancelSources = cancel
	p.initSources(srcCtx)

	p.active = true
	p.logger.Info().
		Str("plugin", p.ID()).
		Int("sources", len(p.sources)).
		Msg("websocket plugin activated")
	return nil
}

// initSources starts each configured source. If one is not reachable the
// hub keeps running without it.
func (p *SocketPlugin) initSources(ctx context.Context) {
	for _, name := range p.cfg.Sources {
		src := p.newSource(name)
		if src == nil {
			continue
		}
		if err := src.Start(ctx); err != nil {
			p.logger.Warn().Err(err).Str("source", name).Msg("event source unavailable, skipping")
			_ = src.Stop()
			continue
		}
		p.sources = append(p.sources, src)
	}
}

func (p *SocketPlugin) newSource(name string) bridge.Source {
	switch name {
	case "redis":
		return bridge.NewRedisSource(bridge.RedisConfigFromEnv(), p.service, p.logger)
	case "nats":
		return bridge.NewNATSSource(bridge.NATSConfigFromEnv(), p.service, p.logger)
	case "kafka":
		return bridge.NewKafkaSource(bridge.KafkaConfigFromEnv(), p.service, p.logger)
	}
	return nil
}

// Deactivate stops the sources first so nothing new is published, then
// shuts the hub down within ctx.
func (p *SocketPlugin) Deactivate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return nil
	}

	for _, src := range p.sources {
		if err := src.Stop(); err != nil {
			p.logger.Error().Err(err).Str("source", src.Name()).Msg("source stop error")
		}
	}
	p.sources = nil
	if p.cancelSources != nil {
		p.cancelSources()
		p.cancelSources = nil
	}

	err := p.hub.Shutdown(ctx)
	p.active = false
	p.logger.Info().Str("plugin", p.ID()).Msg("websocket plugin deactivated")
	return err
}

// Service exposes the broadcast facade for other in-process producers.
func (p *SocketPlugin) Service() *service.Service {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.service
}

// Hub returns the running hub, or nil before activation.
func (p *SocketPlugin) Hub() *hub.Hub {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hub
}

// Sources reports each started source and whether it is still available.
func (p *SocketPlugin) Sources() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]bool, len(p.sources))
	for _, src := range p.sources {
		out[src.Name()] = src.Available()
	}
	return out
}
