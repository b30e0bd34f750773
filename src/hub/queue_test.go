package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, WorkItem{BroadcastID: id}))
	}
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 4, q.Cap())

	for _, want := range []string{"a", "b", "c"} {
		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, item.BroadcastID)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestQueueEnqueueBlocksWhenFull(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), WorkItem{BroadcastID: "first"}))

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(context.Background(), WorkItem{BroadcastID: "second"})
	}()

	select {
	case <-done:
		t.Fatal("enqueue on a full queue returned early")
	case <-time.After(50 * time.Millisecond):
	}

	item, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "first", item.BroadcastID)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("enqueue did not resume after space was freed")
	}
	item, ok = q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "second", item.BroadcastID)
}

func TestQueueEnqueueHonoursContext(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), WorkItem{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, WorkItem{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len())
}

func TestQueueCloseUnblocksProducers(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), WorkItem{BroadcastID: "kept"}))

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(context.Background(), WorkItem{})
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked producer not released by Close")
	}

	assert.ErrorIs(t, q.Enqueue(context.Background(), WorkItem{}), ErrQueueClosed)
	q.Close()

	// queued items survive Close
	item, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "kept", item.BroadcastID)
}

func TestQueueDequeueCancelled(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueueCloseUnblocksDequeue(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrQueueClosed)
		assert.NoError(t, ctx.Err())
	case <-time.After(time.Second):
		t.Fatal("Dequeue still blocked after Close")
	}
}

func TestQueueDequeueDrainsAfterClose(t *testing.T) {
	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), WorkItem{BroadcastID: "a"}))
	require.NoError(t, q.Enqueue(context.Background(), WorkItem{BroadcastID: "b"}))
	q.Close()

	for _, want := range []string{"a", "b"} {
		item, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, item.BroadcastID)
	}
	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueueOpenDiscardsLeftovers(t *testing.T) {
	q := NewQueue(3)
	require.NoError(t, q.Enqueue(context.Background(), WorkItem{}))
	require.NoError(t, q.Enqueue(context.Background(), WorkItem{}))
	q.Close()

	q.Open()
	assert.Equal(t, 0, q.Len())
	assert.NoError(t, q.Enqueue(context.Background(), WorkItem{BroadcastID: "fresh"}))
}

func TestWorkItemTargets(t *testing.T) {
	assert.Equal(t, []string{"x"}, WorkItem{Target: "x", Recipients: []string{"a", "b"}}.targets())
	assert.Equal(t, []string{"a", "b"}, WorkItem{Recipients: []string{"a", "b"}}.targets())
	assert.Empty(t, WorkItem{}.targets())
}
