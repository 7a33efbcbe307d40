package transport

import (
	"sync"
	"time"
)

// message is one frame on the pipe.
type message struct {
	id     uint64
	method string
	body   []byte
	err    *RemoteError
	closed bool
	at     time.Time // earliest delivery time, for simulated latency
}

// mailbox is a thread-safe unbounded FIFO of inbound requests.
//
// The signal channel has a buffer of one, so any number of enqueues while the
// reader is busy coalesce into a single wake-up. Close closes the signal
// channel, which wakes the reader permanently.
type mailbox struct {
	mu       sync.Mutex
	messages []message
	closed   bool
	signal   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		messages: make([]message, 0, 64),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue appends m. It returns false if the mailbox is closed.
func (q *mailbox) Enqueue(m message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.messages = append(q.messages, m)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front message without blocking.
func (q *mailbox) TryDequeue() (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return message{}, false
	}
	m := q.messages[0]
	// Clear the slot so the body can be collected.
	q.messages[0] = message{}
	if len(q.messages) == 1 {
		q.messages = q.messages[:0]
	} else {
		q.messages = q.messages[1:]
	}
	return m, true
}

// Wait returns the wake-up channel for use in a select.
func (q *mailbox) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued messages.
func (q *mailbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Close stops accepting messages and returns whatever was still queued.
func (q *mailbox) Close() []message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	rest := q.messages
	q.messages = nil
	return rest
}
