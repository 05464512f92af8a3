package authorship

import (
	"context"
	"sync"
)

// DefaultChannelCapacity is the command queue bound used when none is configured.
const DefaultChannelCapacity = 1000

// Channel is a bounded FIFO of commands with many senders and one receiver.
type Channel struct {
	queue     chan Command
	closed    chan struct{}
	closeOnce sync.Once
	// senders holds the read side while a Send is in flight so that Close
	// can wait for senders to observe the closed state before draining.
	senders sync.RWMutex
}

// NewChannel creates a channel holding at most capacity queued commands.
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	return &Channel{
		queue:  make(chan Command, capacity),
		closed: make(chan struct{}),
	}
}

// Send queues cmd, blocking while the channel is full. It fails with
// ErrChannelClosed once the channel is closed and with ctx.Err() when the
// caller gives up.
func (c *Channel) Send(ctx context.Context, cmd Command) error {
	c.senders.RLock()
	defer c.senders.RUnlock()

	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case c.queue <- cmd:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next command in send order.
func (c *Channel) Recv(ctx context.Context) (Command, error) {
	select {
	case <-c.closed:
		return nil, ErrChannelClosed
	default:
	}
	select {
	case cmd := <-c.queue:
		return cmd, nil
	case <-c.closed:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the channel. Blocked and future senders get ErrChannelClosed
// and every queued command is dropped. Returns the number dropped.
func (c *Channel) Close() int {
	first := false
	c.closeOnce.Do(func() {
		close(c.closed)
		first = true
	})
	if !first {
		return 0
	}

	c.senders.Lock()
	defer c.senders.Unlock()
	dropped := 0
	for {
		select {
		case cmd := <-c.queue:
			cmd.drop()
			dropped++
		default:
			return dropped
		}
	}
}

// Closed returns a channel that is closed once Close is called.
func (c *Channel) Closed() <-chan struct{} {
	return c.closed
}

// Len returns the number of queued commands.
func (c *Channel) Len() int { return len(c.queue) }

// Cap returns the queue bound.
func (c *Channel) Cap() int { return cap(c.queue) }
