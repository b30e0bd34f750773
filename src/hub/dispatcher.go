package hub

import (
	"context"
	"sync"
	"time"

	"github.com/elliotttmiller/sentinel.ai-sub002/src/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Dispatcher drains the queue into batches and writes each batch to the
// live recipients. A batch is flushed when it reaches batchSize items or
// batchTimeout after its first item arrived, whichever comes first.
type Dispatcher struct {
	queue        *Queue
	registry     *Registry
	batchSize    int
	batchTimeout time.Duration

	clock    clockwork.Clock
	counters *counters
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	// onFlush observes the size of every flushed batch.
	onFlush func(n int)
}

func newDispatcher(q *Queue, r *Registry, batchSize int, batchTimeout time.Duration, clock clockwork.Clock, c *counters, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:        q,
		registry:     r,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		clock:        clock,
		counters:     c,
		metrics:      m,
		logger:       logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Run processes the queue until ctx is cancelled or the queue is closed
// and empty, then flushes what is buffered or still queued before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	batch := make([]WorkItem, 0, d.batchSize)
	var timer clockwork.Timer
	var deadline <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		deadline = nil
	}
	add := func(item WorkItem) {
		if len(batch) == 0 {
			timer = d.clock.NewTimer(d.batchTimeout)
			deadline = timer.Chan()
		}
		batch = append(batch, item)
		if len(batch) >= d.batchSize {
			stopTimer()
			d.flush(batch)
			batch = batch[:0]
		}
	}

	for {
		// nothing buffered, so no batch timer to race against
		if len(batch) == 0 {
			item, err := d.queue.Dequeue(ctx)
			if err != nil {
				d.drain(batch)
				return
			}
			add(item)
			continue
		}

		select {
		case item := <-d.queue.receive():
			add(item)

		case <-deadline:
			timer = nil
			deadline = nil
			d.flush(batch)
			batch = batch[:0]

		case <-ctx.Done():
			stopTimer()
			d.drain(batch)
			return
		}
	}
}

func (d *Dispatcher) drain(batch []WorkItem) {
	for {
		item, ok := d.queue.TryDequeue()
		if !ok {
			break
		}
		batch = append(batch, item)
		if len(batch) >= d.batchSize {
			d.flush(batch)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		d.flush(batch)
	}
	d.logger.Debug().Msg("dispatcher drained")
}

// flush writes every item to its recipients that are still registered.
// Each connection gets its own goroutine and receives its items in queue
// order; one failing or slow connection does not hold back the others.
func (d *Dispatcher) flush(batch []WorkItem) {
	if len(batch) == 0 {
		return
	}
	start := d.clock.Now()

	perConn := make(map[*Connection][]*WorkItem)
	for i := range batch {
		item := &batch[i]
		for _, id := range item.targets() {
			c, ok := d.registry.Get(id)
			if !ok {
				// left between snapshot and flush
				continue
			}
			perConn[c] = append(perConn[c], item)
		}
	}

	var wg sync.WaitGroup
	for c, items := range perConn {
		wg.Add(1)
		go func(c *Connection, items []*WorkItem) {
			defer wg.Done()
			d.sendAll(c, items)
		}(c, items)
	}
	wg.Wait()

	d.metrics.BatchSize.Observe(float64(len(batch)))
	d.metrics.FlushDuration.Observe(d.clock.Since(start).Seconds())
	d.metrics.QueueDepth.Set(float64(d.queue.Len()))
	if d.onFlush != nil {
		d.onFlush(len(batch))
	}
}

func (d *Dispatcher) sendAll(c *Connection, items []*WorkItem) {
	for _, item := range items {
		if err := c.write(item.Payload); err != nil {
			if c.isClosed() {
				// removed elsewhere while the batch was in flight
				return
			}
			d.counters.sendFailures.Add(1)
			d.metrics.SendFailures.Inc()
			d.logger.Warn().
				Err(err).
				Str("client_id", c.ID).
				Str("broadcast_id", item.BroadcastID).
				Str("type", item.Type).
				Msg("send failed, dropping client")
			d.registry.Remove(c.ID, ReasonSendFailure)
			return
		}
		d.registry.Touch(c.ID)
		d.counters.messagesSent.Add(1)
		d.counters.bytesSent.Add(uint64(len(item.Payload)))
		d.metrics.MessagesSent.Inc()
		d.metrics.BytesSent.Add(float64(len(item.Payload)))
	}
}
