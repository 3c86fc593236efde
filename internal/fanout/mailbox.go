// ABOUTME: Unbounded FIFO mailbox drained by a single goroutine
// ABOUTME: Gives each surface an ordered outbound queue that never blocks producers

package fanout

import "sync"

// Mailbox delivers posted values one at a time, in post order.
type Mailbox[T any] struct {
	deliver func(T)

	mu     sync.Mutex
	queue  []T
	closed bool

	wake chan struct{}
	done chan struct{}
}

// NewMailbox starts a mailbox that hands each value to deliver.
func NewMailbox[T any](deliver func(T)) *Mailbox[T] {
	m := &Mailbox[T]{
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// Post enqueues v. It reports false once the mailbox is closed.
func (m *Mailbox[T]) Post(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, v)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of undelivered values.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close discards undelivered values and stops the drain goroutine after the
// value in flight, if any.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.queue = nil
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Done is closed when the drain goroutine has exited.
func (m *Mailbox[T]) Done() <-chan struct{} {
	return m.done
}

func (m *Mailbox[T]) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			<-m.wake
			continue
		}
		v := m.queue[0]
		var zero T
		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.deliver(v)
	}
}
