package network

import "sync"

// queue is an unbounded FIFO bridging producers that must never block
// (facade callers, the dispatch loop) to a channel consumer. Push always
// returns immediately; items come out of C in push order. After Close
// the output channel is closed and undelivered items are discarded.
type queue[T any] struct {
	mu     sync.Mutex
	buf    []T
	closed bool

	out  chan T
	wake chan struct{}
	done chan struct{}
}

func newQueue[T any]() *queue[T] {
	q := &queue[T]{
		out:  make(chan T),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push appends v without blocking. Pushes after Close are dropped.
func (q *queue[T]) Push(v T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.buf = append(q.buf, v)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// C yields queued items in order. The channel closes after Close.
func (q *queue[T]) C() <-chan T {
	return q.out
}

// Close stops the queue. Idempotent.
func (q *queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

func (q *queue[T]) pump() {
	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				close(q.out)
				return
			}
		}
		v := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.done:
			close(q.out)
			return
		}
	}
}
