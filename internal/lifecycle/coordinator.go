// Package lifecycle coordinates the single background worker that hosts the
// node: starting it, signalling shutdown and joining it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/metachain/internal/log"
)

// ErrLifecycleFault reports a start, signal or join that cannot happen in
// the current state.
var ErrLifecycleFault = errors.New("lifecycle fault")

// State is the coordinator state.
type State int32

// Coordinator states, in order.
const (
	StateUninitialized State = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Worker runs the node until shutdown is closed or ctx is cancelled.
type Worker func(ctx context.Context, shutdown <-chan struct{}) error

// handle joins a spawned worker.
type handle struct {
	done chan struct{}
	err  error
}

// sender signals the worker to stop.
type sender struct {
	shutdown chan struct{}
	cancel   context.CancelFunc
}

func (s *sender) send() {
	close(s.shutdown)
	s.cancel()
}

// Coordinator owns the shutdown sender and the worker handle. Each is taken
// exactly once.
type Coordinator struct {
	mu     sync.Mutex
	state  State
	sender *sender
	handle *handle

	joined chan struct{}
	result error
	logger zerolog.Logger
}

// New returns an uninitialized coordinator.
func New() *Coordinator {
	return &Coordinator{joined: make(chan struct{}), logger: klog.Lifecycle}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start spawns worker. The shutdown sender is stored before the worker
// runs and the join handle right after it is spawned.
func (c *Coordinator) Start(worker Worker) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUninitialized {
		return fmt.Errorf("%w: start in state %s", ErrLifecycleFault, c.state)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.sender = &sender{shutdown: make(chan struct{}), cancel: cancel}
	shutdown := c.sender.shutdown

	h := &handle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				h.err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		h.err = worker(ctx, shutdown)
	}()
	c.handle = h
	c.state = StateRunning
	c.logger.Info().Msg("Node worker started")
	return nil
}

// takeSender removes the shutdown sender. It fails once the sender is gone.
func (c *Coordinator) takeSender() (*sender, error) {
	if c.sender == nil {
		return nil, fmt.Errorf("%w: shutdown sender already taken or never set", ErrLifecycleFault)
	}
	s := c.sender
	c.sender = nil
	return s, nil
}

// takeHandle removes the worker handle. It fails once the handle is gone.
func (c *Coordinator) takeHandle() (*handle, error) {
	if c.handle == nil {
		return nil, fmt.Errorf("%w: worker handle already taken or never set", ErrLifecycleFault)
	}
	h := c.handle
	c.handle = nil
	return h, nil
}

// RequestShutdown signals the worker without waiting. Repeated calls are
// no-ops. It fails with ErrLifecycleFault before Start.
func (c *Coordinator) RequestShutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateUninitialized {
		return fmt.Errorf("%w: shutdown before start", ErrLifecycleFault)
	}
	s, err := c.takeSender()
	if err != nil {
		return nil
	}
	s.send()
	if c.state == StateRunning {
		c.state = StateShuttingDown
	}
	c.logger.Info().Msg("Shutdown requested")
	return nil
}

// AwaitShutdown blocks until the worker exits and returns its result.
// Later calls return the same result. It does not signal the worker.
func (c *Coordinator) AwaitShutdown() error {
	c.mu.Lock()
	if c.state == StateUninitialized {
		c.mu.Unlock()
		return fmt.Errorf("%w: nothing to join", ErrLifecycleFault)
	}
	h, err := c.takeHandle()
	joined := c.joined
	c.mu.Unlock()

	if err != nil {
		// Another caller is joining or has joined.
		<-joined
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result
	}

	<-h.done

	c.mu.Lock()
	c.result = h.err
	c.state = StateStopped
	// The worker is gone; a sender that was never used is dropped.
	c.sender = nil
	close(c.joined)
	c.mu.Unlock()

	if h.err != nil {
		c.logger.Error().Err(h.err).Msg("Node worker exited with error")
	} else {
		c.logger.Info().Msg("Node worker stopped")
	}
	return h.err
}

// Shutdown requests shutdown and waits for the worker.
func (c *Coordinator) Shutdown() error {
	if err := c.RequestShutdown(); err != nil {
		return err
	}
	return c.AwaitShutdown()
}
