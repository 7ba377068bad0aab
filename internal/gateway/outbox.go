package gateway

import (
	"sync"

	"github.com/roach88/statesync/internal/subscribe"
)

// outbox is a bounded thread-safe FIFO of server messages for one client.
//
// The dispatcher's fan-out goroutines enqueue while the client's writer
// goroutine dequeues, so a slow socket never blocks a broadcast. The bound
// turns a stalled client into an enqueue failure the gateway handles by
// dropping the connection.
//
// A buffered size-1 channel coalesces availability signals, which lets the
// writer wait with select and stay context-aware.
type outbox struct {
	mu     sync.Mutex
	msgs   []subscribe.ServerMessage
	limit  int
	closed bool
	signal chan struct{}
}

func newOutbox(limit int) *outbox {
	return &outbox{
		msgs:   make([]subscribe.ServerMessage, 0, 16),
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends a message. Returns false if the outbox is closed or full;
// a full outbox means the client is not keeping up.
func (q *outbox) Enqueue(msg subscribe.ServerMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.msgs) >= q.limit {
		return false
	}
	q.msgs = append(q.msgs, msg)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front message without blocking.
func (q *outbox) TryDequeue() (subscribe.ServerMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.msgs) == 0 {
		return nil, false
	}
	msg := q.msgs[0]
	// Nil the slot so the backing array does not retain the message.
	q.msgs[0] = nil
	if len(q.msgs) == 1 {
		q.msgs = q.msgs[:0]
	} else {
		q.msgs = q.msgs[1:]
	}
	return msg, true
}

// Wait returns the availability signal channel. Closed when the outbox
// closes, which wakes all waiters.
func (q *outbox) Wait() <-chan struct{} {
	return q.signal
}

// Closed reports whether Close has been called.
func (q *outbox) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *outbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// Close rejects further enqueues and wakes the writer.
func (q *outbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
