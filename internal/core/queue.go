package core

import "sync"

// EventQueue is an unbounded FIFO drained through a channel.
// Push never blocks, so engine and transport goroutines can hand off events
// while the consumer is busy. Close drops whatever is still pending and
// closes the output channel.
type EventQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	notify chan struct{}
	done   chan struct{}
	out    chan T
}

func NewEventQueue[T any]() *EventQueue[T] {
	q := &EventQueue[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}
	go q.pump()
	return q
}

// Push appends v. It returns false once the queue is closed.
func (q *EventQueue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *EventQueue[T]) Out() <-chan T { return q.out }

// Done is closed by Close.
func (q *EventQueue[T]) Done() <-chan struct{} { return q.done }

func (q *EventQueue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	close(q.done)
}

func (q *EventQueue[T]) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
			case <-q.done:
			}
			continue
		}
		var zero T
		next := q.items[0]
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- next:
		case <-q.done:
			return
		}
	}
}
