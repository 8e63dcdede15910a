package transport

import "sync"

// inboxLimit caps the bytes buffered for a reader that has fallen behind.
const inboxLimit = 64 * 1024

// inbox queues bytes pushed by a receive goroutine until the poll loop
// reads them. ready holds at most one pending wakeup.
type inbox struct {
	mu    sync.Mutex
	buf   []byte
	err   error
	ready chan struct{}
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

// push appends b and reports false when the inbox is full and b was
// dropped.
func (q *inbox) push(b []byte) bool {
	q.mu.Lock()
	if len(q.buf)+len(b) > inboxLimit {
		q.mu.Unlock()
		return false
	}
	q.buf = append(q.buf, b...)
	q.mu.Unlock()
	q.signal()
	return true
}

// fail records a permanent error, surfaced once the buffered bytes have
// been read.
func (q *inbox) fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
	q.signal()
}

func (q *inbox) read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return 0, q.err
	}
	n := copy(p, q.buf)
	q.buf = q.buf[n:]
	if len(q.buf) == 0 {
		q.buf = nil
	}
	if len(q.buf) > 0 || q.err != nil {
		q.signal()
	}
	return n, nil
}

func (q *inbox) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
