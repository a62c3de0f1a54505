package realtime

import (
	"sync"

	v1 "parley/contracts/realtime/v1"

	"parley/cmd/internal/ids"
)

const (
	defaultSendQueue = 256
	minSendQueue     = 32
)

// Conn is the server-side handle of one live client connection.
//
// Design notes:
//   - Send is never closed by the server; concurrent deliverers must not panic.
//   - done signals the writer and heartbeat goroutines to stop.
//   - Close is idempotent.
type Conn struct {
	ID   string
	Send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	reason string
}

// NewConn constructs a Conn with a bounded send queue.
func NewConn(sendQueueSize int) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueue
	}
	if sendQueueSize < minSendQueue {
		sendQueueSize = minSendQueue
	}
	return &Conn{
		ID:   ids.NewConnID(),
		Send: make(chan v1.Envelope, sendQueueSize),
		done: make(chan struct{}),
	}
}

// Done returns a channel that is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// Close signals the connection goroutines to stop (idempotent).
func (c *Conn) Close() { c.CloseWithReason("") }

// CloseWithReason is Close with a reason the transport reports to the peer.
// Only the first call's reason is kept.
func (c *Conn) CloseWithReason(reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// Reason returns the close reason, if any.
func (c *Conn) Reason() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Deliver enqueues env without blocking. On a full queue the oldest pending
// envelope is dropped to make room. It returns false when the connection is closed.
func (c *Conn) Deliver(env v1.Envelope) bool {
	if c == nil || c.Closed() {
		return false
	}
	for range 2 {
		select {
		case c.Send <- env:
			return true
		default:
		}
		select {
		case <-c.Send:
		default:
		}
	}
	return false
}
