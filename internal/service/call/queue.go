package call

import "sync"

// mailbox is an unbounded FIFO feeding the dispatch loop. push never blocks,
// so channel and engine callbacks can enqueue from any goroutine, including
// from inside a call the loop itself is making.
type mailbox struct {
	mu     sync.Mutex
	items  []event
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// push enqueues e and reports false once the mailbox is closed.
func (m *mailbox) push(e event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, e)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// take removes and returns everything queued so far.
func (m *mailbox) take() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// close refuses further pushes and returns what was still queued.
func (m *mailbox) close() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	items := m.items
	m.items = nil
	return items
}
