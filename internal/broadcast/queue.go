package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// CloseReason explains why a queue was terminated by its producer.
type CloseReason string

const (
	ReasonCaptureFault   CloseReason = "capture_fault"
	ReasonServerShutdown CloseReason = "server_shutdown"
)

// ErrQueueClosed is returned by Pop once the queue has been terminated.
var ErrQueueClosed = errors.New("queue closed")

// Chunk is one captured period of interleaved PCM. Data is shared between
// every queue it is pushed to and must not be modified.
type Chunk struct {
	Seq        uint64
	Data       []byte
	CapturedAt time.Time
}

// Queue is a bounded FIFO of chunks owned by one session. When full, Push
// evicts the oldest chunk so a slow reader never stalls the producer.
type Queue struct {
	mu   sync.Mutex
	buf  []Chunk
	head int
	size int

	ready chan struct{}
	done  chan struct{}

	closeOnce sync.Once
	reason    atomic.Value
	dropped   atomic.Uint64
}

// NewQueue returns an empty queue holding at most capacity chunks. Capacities
// below one are raised to one.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf:   make([]Chunk, capacity),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends c, evicting the oldest chunk when the queue is full. It never
// blocks and reports whether an eviction happened. Pushes after Close are
// ignored.
func (q *Queue) Push(c Chunk) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	q.mu.Lock()
	evicted := false
	if q.size == len(q.buf) {
		q.buf[q.head] = Chunk{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		evicted = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = c
	q.size++
	q.mu.Unlock()
	if evicted {
		q.dropped.Add(1)
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return evicted
}

// TryPop removes the oldest chunk without blocking.
func (q *Queue) TryPop() (Chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return Chunk{}, false
	}
	c := q.buf[q.head]
	q.buf[q.head] = Chunk{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return c, true
}

// Pop blocks until a chunk is available, the queue is closed or ctx ends.
func (q *Queue) Pop(ctx context.Context) (Chunk, error) {
	for {
		select {
		case <-q.done:
			return Chunk{}, ErrQueueClosed
		default:
		}
		if c, ok := q.TryPop(); ok {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		case <-q.done:
			return Chunk{}, ErrQueueClosed
		case <-q.ready:
		}
	}
}

// Ready is signalled after a Push. A consumer should drain with TryPop after
// each signal.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Close terminates the queue. The first reason wins.
func (q *Queue) Close(reason CloseReason) {
	q.closeOnce.Do(func() {
		q.reason.Store(reason)
		close(q.done)
	})
}

// Done is closed when the queue is terminated.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Reason reports why the queue was closed, or "" while it is open.
func (q *Queue) Reason() CloseReason {
	if r, ok := q.reason.Load().(CloseReason); ok {
		return r
	}
	return ""
}

// Len reports the number of buffered chunks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap reports the queue's capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Dropped counts chunks evicted by Push.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
