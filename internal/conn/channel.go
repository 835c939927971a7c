// Package conn provides the bidirectional byte-stream abstraction over an
// established link between two peers.
package conn

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Read and Write after the channel has been closed.
var ErrClosed = errors.New("conn: channel closed")

// DefaultMaxQueued bounds the receive queue. When the bound is hit the oldest
// queued buffer is dropped.
const DefaultMaxQueued = 64

// Sender is the outbound slice of the transport binding. SendBytes must not
// perform a partial write on failure.
type Sender interface {
	SendBytes(endpoint string, p []byte) error
}

// ReadCallback consumes one received buffer.
type ReadCallback func(p []byte)

// Option configures a Channel.
type Option func(*Channel)

// WithMaxQueued overrides the receive-queue bound. n <= 0 means unbounded.
func WithMaxQueued(n int) Option {
	return func(c *Channel) { c.maxQueued = n }
}

// Channel is the per-link connection object. Bytes received before a read
// callback is registered queue up in FIFO order; once a callback is present,
// queued buffers drain to it in order and later arrivals follow immediately.
//
// All entry points are safe for concurrent use. Consumer callbacks (read
// callback, disconnect listener) always run with the channel's lock released.
type Channel struct {
	endpoint string
	sender   Sender

	mu         sync.Mutex
	reads      [][]byte
	readCB     ReadCallback
	disconnect func()
	closed     bool
	delivering bool
	maxQueued  int

	// writeGate excludes Write's hand-off to the Sender from overlapping a
	// completed Close.
	writeGate sync.RWMutex
}

// New creates a channel for the given peer endpoint. The endpoint identifier
// is immutable for the channel's lifetime.
func New(endpoint string, sender Sender, opts ...Option) *Channel {
	c := &Channel{
		endpoint:  endpoint,
		sender:    sender,
		maxQueued: DefaultMaxQueued,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the peer endpoint identifier.
func (c *Channel) Endpoint() string { return c.endpoint }

// Read registers cb as the consumer of received buffers. Buffers already
// queued are delivered to cb in order, on the calling goroutine, before Read
// returns; buffers arriving afterwards are delivered as they come in.
// Registering a new callback replaces the old one; the replacement is atomic
// with the drain, so no buffer is delivered twice or to both callbacks.
func (c *Channel) Read(cb ReadCallback) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.readCB = cb
	c.drainLocked()
	c.mu.Unlock()
	return nil
}

// drainLocked delivers queued buffers to the current callback in FIFO order.
// Called with c.mu held; the lock is released around each callback
// invocation. The delivering flag keeps a single drainer at a time, which is
// what preserves ordering when EnqueueReceived races with Read.
func (c *Channel) drainLocked() {
	if c.delivering {
		return
	}
	c.delivering = true
	for !c.closed && c.readCB != nil && len(c.reads) > 0 {
		buf := c.reads[0]
		c.reads = c.reads[1:]
		cb := c.readCB
		c.mu.Unlock()
		cb(buf)
		c.mu.Lock()
	}
	c.delivering = false
}

// EnqueueReceived is invoked by the transport binding when bytes arrive from
// the peer. If a read callback is registered the buffer is delivered without
// waiting for another Read call; otherwise it stays queued. Arrivals after
// Close are discarded.
func (c *Channel) EnqueueReceived(p []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.maxQueued > 0 && len(c.reads) >= c.maxQueued {
		c.reads = c.reads[1:]
	}
	c.reads = append(c.reads, p)
	if c.readCB != nil {
		c.drainLocked()
	}
	c.mu.Unlock()
}

// Write hands p to the transport binding for transmission. There is no local
// outbound queue; backpressure is the binding's concern. After Close returns,
// no write reaches the binding.
func (c *Channel) Write(p []byte) error {
	c.writeGate.RLock()
	defer c.writeGate.RUnlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	sender := c.sender
	c.mu.Unlock()

	if sender == nil {
		return errors.New("conn: no sender attached")
	}
	return sender.SendBytes(c.endpoint, p)
}

// Close transitions the channel to its terminal state. Queued-but-undelivered
// buffers are discarded and the disconnect listener, if any, fires exactly
// once, outside all channel locks. Redundant calls are no-ops. Close waits
// for writes already handed to the binding to finish, so no byte is
// transmitted after Close returns.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.reads = nil
	listener := c.disconnect
	c.disconnect = nil
	c.mu.Unlock()

	// Drain in-flight writers before reporting closed.
	c.writeGate.Lock()
	c.writeGate.Unlock() //nolint:staticcheck // barrier against in-flight Write

	if listener != nil {
		listener()
	}
}

// SetDisconnectionListener installs listener, replacing any previous one. If
// the channel is already closed the listener is invoked immediately, so late
// registration still observes the disconnect exactly once.
func (c *Channel) SetDisconnectionListener(listener func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if listener != nil {
			listener()
		}
		return
	}
	c.disconnect = listener
	c.mu.Unlock()
}
