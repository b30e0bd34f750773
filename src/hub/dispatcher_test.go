package hub

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatcherFixture struct {
	registry   *Registry
	queue      *Queue
	dispatcher *Dispatcher
	counters   *counters
	flushes    chan int
}

func newDispatcherFixture(batchSize int, clock clockwork.Clock) *dispatcherFixture {
	c := &counters{}
	m := testMetrics()
	r := newRegistry(RegistryConfig{MaxConnections: 100, ServerVersion: "test"}, clock, c, m, zerolog.Nop())
	q := NewQueue(100)
	d := newDispatcher(q, r, batchSize, 100*time.Millisecond, clock, c, m, zerolog.Nop())
	f := &dispatcherFixture{registry: r, queue: q, dispatcher: d, counters: c, flushes: make(chan int, 64)}
	d.onFlush = func(n int) { f.flushes <- n }
	return f
}

// run starts the dispatcher and returns a func that stops it and waits.
func (f *dispatcherFixture) run(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.dispatcher.Run(ctx)
		close(done)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return stop
}

func (f *dispatcherFixture) connect(t *testing.T) (string, *mockConn) {
	t.Helper()
	conn := newMockConn()
	id, err := f.registry.Accept(conn, nil)
	require.NoError(t, err)
	return id, conn
}

func (f *dispatcherFixture) nextFlush(t *testing.T) int {
	t.Helper()
	select {
	case n := <-f.flushes:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush")
		return 0
	}
}

func payload(seq int) []byte {
	return []byte(fmt.Sprintf(`{"type":"tick","seq":%d}`, seq))
}

func TestDispatcherFlushesFullBatchesThenTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newDispatcherFixture(10, clock)
	a, _ := f.connect(t)
	b, _ := f.connect(t)

	for i := 0; i < 25; i++ {
		require.NoError(t, f.queue.Enqueue(context.Background(), WorkItem{Payload: payload(i), Recipients: []string{a, b}}))
	}
	f.run(t)

	assert.Equal(t, 10, f.nextFlush(t))
	assert.Equal(t, 10, f.nextFlush(t))

	// the tail waits for the batch timer
	assert.Eventually(t, func() bool { return f.queue.Len() == 0 }, time.Second, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	select {
	case n := <-f.flushes:
		t.Fatalf("partial batch of %d flushed before timeout", n)
	default:
	}

	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, 5, f.nextFlush(t))
	assert.Equal(t, uint64(50), f.counters.messagesSent.Load())
}

func TestDispatcherPreservesPerConnectionOrder(t *testing.T) {
	f := newDispatcherFixture(5, clockwork.NewRealClock())
	a, conn := f.connect(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.queue.Enqueue(context.Background(), WorkItem{Payload: payload(i), Recipients: []string{a}}))
	}
	f.run(t)
	f.nextFlush(t)

	ticks := conn.messagesOfType(t, "tick")
	require.Len(t, ticks, 5)
	for i, msg := range ticks {
		assert.EqualValues(t, i, msg["seq"])
	}
	// welcome comes first
	assert.Equal(t, "welcome", conn.messages(t)[0]["type"])
}

func TestDispatcherSkipsDepartedRecipients(t *testing.T) {
	f := newDispatcherFixture(1, clockwork.NewRealClock())
	a, gone := f.connect(t)
	b, stay := f.connect(t)

	require.NoError(t, f.queue.Enqueue(context.Background(), WorkItem{Payload: payload(1), Recipients: []string{a, b}}))
	f.registry.Remove(a, ReasonClientGone)
	f.run(t)
	f.nextFlush(t)

	assert.Empty(t, gone.messagesOfType(t, "tick"))
	assert.Len(t, stay.messagesOfType(t, "tick"), 1)
	assert.Zero(t, f.counters.sendFailures.Load())
	assert.Equal(t, uint64(1), f.counters.messagesSent.Load())
}

func TestDispatcherDropsFailingConnection(t *testing.T) {
	f := newDispatcherFixture(1, clockwork.NewRealClock())
	a, bad := f.connect(t)
	b, good := f.connect(t)
	bad.failWrites(errors.New("reset by peer"))

	require.NoError(t, f.queue.Enqueue(context.Background(), WorkItem{Payload: payload(1), Recipients: []string{a, b}}))
	f.run(t)
	f.nextFlush(t)

	_, ok := f.registry.Get(a)
	assert.False(t, ok)
	assert.True(t, bad.isClosed())
	assert.Len(t, good.messagesOfType(t, "tick"), 1)
	assert.Equal(t, uint64(1), f.counters.sendFailures.Load())

	c, ok := f.registry.Get(b)
	require.True(t, ok)
	assert.Equal(t, uint64(1), c.Info().MessagesSent)
}

func TestDispatcherStalledConnectionDoesNotBlockOthers(t *testing.T) {
	f := newDispatcherFixture(1, clockwork.NewRealClock())
	a, slow := f.connect(t)
	b, fast := f.connect(t)

	slow.mu.Lock()
	slow.stall = make(chan struct{})
	slow.mu.Unlock()

	require.NoError(t, f.queue.Enqueue(context.Background(), WorkItem{Payload: payload(1), Recipients: []string{a, b}}))
	f.run(t)

	assert.Eventually(t, func() bool {
		return len(fast.messagesOfType(t, "tick")) == 1
	}, time.Second, 5*time.Millisecond)

	// removing the stalled client releases its write and finishes the flush
	f.registry.Remove(a, ReasonStale)
	f.nextFlush(t)
	assert.True(t, slow.isClosed())
	assert.Zero(t, f.counters.sendFailures.Load())
}

func TestDispatcherUnicast(t *testing.T) {
	f := newDispatcherFixture(1, clockwork.NewRealClock())
	_, other := f.connect(t)
	b, target := f.connect(t)

	require.NoError(t, f.queue.Enqueue(context.Background(), WorkItem{Payload: payload(7), Target: b}))
	f.run(t)
	f.nextFlush(t)

	assert.Len(t, target.messagesOfType(t, "tick"), 1)
	assert.Empty(t, other.messagesOfType(t, "tick"))
}

func TestDispatcherDrainsOnCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newDispatcherFixture(10, clock)
	a, conn := f.connect(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.queue.Enqueue(context.Background(), WorkItem{Payload: payload(i), Recipients: []string{a}}))
	}
	stop := f.run(t)
	assert.Eventually(t, func() bool { return f.queue.Len() == 0 }, time.Second, 5*time.Millisecond)

	stop()
	assert.Equal(t, 3, f.nextFlush(t))
	assert.Len(t, conn.messagesOfType(t, "tick"), 3)
}

func TestDispatcherExitsWhenQueueClosedAndEmpty(t *testing.T) {
	f := newDispatcherFixture(10, clockwork.NewRealClock())
	a, conn := f.connect(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.queue.Enqueue(context.Background(), WorkItem{Payload: payload(i), Recipients: []string{a}}))
	}
	f.queue.Close()

	done := make(chan struct{})
	go func() {
		f.dispatcher.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher kept running on a closed, empty queue")
	}
	assert.Equal(t, 3, f.nextFlush(t))
	assert.Len(t, conn.messagesOfType(t, "tick"), 3)
}
