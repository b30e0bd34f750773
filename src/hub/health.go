package hub

import (
	"context"
	"time"

	"github.com/elliotttmiller/sentinel.ai-sub002/src/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// HealthMonitor evicts connections that stopped seeing traffic, such as
// half-open sockets or crashed clients.
type HealthMonitor struct {
	registry *Registry
	interval time.Duration
	factor   int

	clock    clockwork.Clock
	counters *counters
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func newHealthMonitor(r *Registry, interval time.Duration, factor int, clock clockwork.Clock, c *counters, m *metrics.Metrics, logger zerolog.Logger) *HealthMonitor {
	return &HealthMonitor{
		registry: r,
		interval: interval,
		factor:   factor,
		clock:    clock,
		counters: c,
		metrics:  m,
		logger:   logger.With().Str("component", "health").Logger(),
	}
}

// MaxIdle is the inactivity after which a connection counts as stale.
func (m *HealthMonitor) MaxIdle() time.Duration {
	return m.interval * time.Duration(m.factor)
}

// Run scans once per interval until ctx is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			m.Scan()
		case <-ctx.Done():
			return
		}
	}
}

// Scan removes every connection idle for longer than MaxIdle and returns
// the evicted ids.
func (m *HealthMonitor) Scan() []string {
	maxIdle := m.MaxIdle()
	var evicted []string

	for _, info := range m.registry.Infos() {
		idle := m.clock.Since(info.LastActivity)
		if idle <= maxIdle {
			continue
		}
		if m.registry.Remove(info.ID, ReasonStale) {
			evicted = append(evicted, info.ID)
			m.counters.evictions.Add(1)
			m.metrics.Evictions.Inc()
			m.logger.Info().
				Str("client_id", info.ID).
				Dur("idle", idle).
				Msg("evicted stale client")
		}
	}

	if len(evicted) > 0 {
		m.logger.Debug().Int("evicted", len(evicted)).Msg("health scan complete")
	}
	return evicted
}
