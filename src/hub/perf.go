package hub

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/elliotttmiller/sentinel.ai-sub002/src/metrics"
	"github.com/elliotttmiller/sentinel.ai-sub002/src/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// MetricsMessageType tags the periodic performance broadcast.
const MetricsMessageType = "system_metrics"

// Publisher enqueues a broadcast; Hub.Broadcast satisfies it.
type Publisher func(ctx context.Context, payload any, msgType string) (string, error)

// ProcessSampler reports resource usage of the running process.
type ProcessSampler interface {
	Sample() (cpuPercent, memoryMB float64, err error)
}

type gopsutilSampler struct {
	proc *process.Process
}

// NewProcessSampler samples the current process through gopsutil.
func NewProcessSampler() (ProcessSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &gopsutilSampler{proc: p}, nil
}

func (s *gopsutilSampler) Sample() (float64, float64, error) {
	cpu, err := s.proc.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	return cpu, float64(mem.RSS) / (1024 * 1024), nil
}

// PerformanceMonitor aggregates throughput and connection figures and
// reports them periodically. It never mutates connections or the queue
// beyond publishing its own report.
type PerformanceMonitor struct {
	registry *Registry
	queue    *Queue
	interval time.Duration

	publish Publisher
	sampler ProcessSampler

	clock    clockwork.Clock
	counters *counters
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu       sync.RWMutex
	cpu      float64
	memoryMB float64
}

func newPerformanceMonitor(r *Registry, q *Queue, interval time.Duration, publish Publisher, sampler ProcessSampler, clock clockwork.Clock, c *counters, m *metrics.Metrics, logger zerolog.Logger) *PerformanceMonitor {
	return &PerformanceMonitor{
		registry: r,
		queue:    q,
		interval: interval,
		publish:  publish,
		sampler:  sampler,
		clock:    clock,
		counters: c,
		metrics:  m,
		logger:   logger.With().Str("component", "performance").Logger(),
	}
}

// Run reports once per interval until ctx is cancelled.
func (p *PerformanceMonitor) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			p.Report(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Snapshot computes current stats. Gauges come from the registry and queue
// at call time; counters are cumulative.
func (p *PerformanceMonitor) Snapshot() types.Stats {
	now := p.clock.Now()
	uptimes := p.registry.Uptimes()

	var mean float64
	if len(uptimes) > 0 {
		var total time.Duration
		for _, started := range uptimes {
			total += now.Sub(started)
		}
		mean = (total / time.Duration(len(uptimes))).Seconds()
	}

	p.mu.RLock()
	cpu, mem := p.cpu, p.memoryMB
	p.mu.RUnlock()

	return types.Stats{
		Timestamp:           now,
		CurrentConnections:  len(uptimes),
		TotalConnections:    p.counters.accepted.Load(),
		RejectedConnections: p.counters.rejected.Load(),
		MessagesSent:        p.counters.messagesSent.Load(),
		BytesTransferred:    p.counters.bytesSent.Load(),
		SendFailures:        p.counters.sendFailures.Load(),
		Evictions:           p.counters.evictions.Load(),
		QueueDepth:          p.queue.Len(),
		QueueCapacity:       p.queue.Cap(),
		MeanUptimeSeconds:   mean,
		Uptimes:             uptimes,
		CPUPercent:          cpu,
		MemoryMB:            mem,
	}
}

// Report samples the process, logs a snapshot, updates gauges and, when a
// publisher is set, broadcasts the snapshot to every client. The broadcast
// travels through the same queue it measures.
func (p *PerformanceMonitor) Report(ctx context.Context) types.Stats {
	p.sample()
	s := p.Snapshot()

	p.metrics.QueueDepth.Set(float64(s.QueueDepth))
	p.metrics.ActiveConnections.Set(float64(s.CurrentConnections))

	p.logger.Info().
		Int("connections", s.CurrentConnections).
		Uint64("total_connections", s.TotalConnections).
		Uint64("messages_sent", s.MessagesSent).
		Uint64("bytes_transferred", s.BytesTransferred).
		Uint64("send_failures", s.SendFailures).
		Int("queue_depth", s.QueueDepth).
		Float64("mean_uptime_seconds", s.MeanUptimeSeconds).
		Float64("cpu_percent", s.CPUPercent).
		Float64("memory_mb", s.MemoryMB).
		Msg("performance report")

	if p.publish != nil {
		if _, err := p.publish(ctx, statsPayload(s), MetricsMessageType); err != nil {
			p.logger.Warn().Err(err).Msg("metrics broadcast failed")
		}
	}
	return s
}

func (p *PerformanceMonitor) sample() {
	if p.sampler == nil {
		return
	}
	cpu, mem, err := p.sampler.Sample()
	if err != nil {
		p.logger.Debug().Err(err).Msg("process sample failed")
		return
	}
	p.mu.Lock()
	p.cpu, p.memoryMB = cpu, mem
	p.mu.Unlock()

	p.metrics.ProcessCPU.Set(cpu)
	p.metrics.ProcessMemory.Set(mem)
}

// statsPayload omits per-connection ids.
func statsPayload(s types.Stats) map[string]any {
	return map[string]any{
		"connections":         s.CurrentConnections,
		"total_connections":   s.TotalConnections,
		"messages_sent":       s.MessagesSent,
		"bytes_transferred":   s.BytesTransferred,
		"send_failures":       s.SendFailures,
		"evictions":           s.Evictions,
		"queue_depth":         s.QueueDepth,
		"mean_uptime_seconds": s.MeanUptimeSeconds,
		"cpu_percent":         s.CPUPercent,
		"memory_mb":           s.MemoryMB,
	}
}
