package hub

import (
	"context"
	"sync"
)

// WorkItem is one encoded message on its way to one or more connections.
// Broadcast items carry the recipient snapshot taken at enqueue time;
// unicast items carry a single Target.
type WorkItem struct {
	BroadcastID string
	Type        string
	Payload     []byte
	Recipients  []string
	Target      string
}

func (w WorkItem) targets() []string {
	if w.Target != "" {
		return []string{w.Target}
	}
	return w.Recipients
}

// Queue is the bounded hand-off between producers and the dispatcher.
// A full queue blocks producers instead of dropping messages.
type Queue struct {
	items chan WorkItem

	mu   sync.RWMutex
	done chan struct{}
}

// NewQueue creates an open queue holding at most capacity items.
func NewQueue(capacity int) *Queue {
	return &Queue{
		items: make(chan WorkItem, capacity),
		done:  make(chan struct{}),
	}
}

func (q *Queue) closed() <-chan struct{} {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.done
}

// Enqueue blocks until the item fits, ctx ends or the queue is closed.
func (q *Queue) Enqueue(ctx context.Context, item WorkItem) error {
	done := q.closed()
	select {
	case <-done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.items <- item:
		return nil
	case <-done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until an item is available. Queued items are returned
// even after Close; once the closed queue is empty, or ctx ends first, it
// returns ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (WorkItem, error) {
	if item, ok := q.TryDequeue(); ok {
		return item, nil
	}
	select {
	case item := <-q.items:
		return item, nil
	case <-q.closed():
		// a producer may have won the race with Close
		if item, ok := q.TryDequeue(); ok {
			return item, nil
		}
		return WorkItem{}, ErrQueueClosed
	case <-ctx.Done():
		return WorkItem{}, ErrQueueClosed
	}
}

// receive exposes the item channel to the dispatcher's batching select.
func (q *Queue) receive() <-chan WorkItem {
	return q.items
}

// TryDequeue returns the next item without blocking.
func (q *Queue) TryDequeue() (WorkItem, bool) {
	select {
	case item := <-q.items:
		return item, true
	default:
		return WorkItem{}, false
	}
}

// Close rejects further Enqueue calls. Items already queued stay readable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}

// Open accepts producers again and discards leftovers of a previous run.
func (q *Queue) Open() {
	q.mu.Lock()
	defer q.mu.Unlock()
drain:
	for {
		select {
		case <-q.items:
		default:
			break drain
		}
	}
	select {
	case <-q.done:
		q.done = make(chan struct{})
	default:
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.items) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.items) }
