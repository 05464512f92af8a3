package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// waitingWorker runs until shutdown and reports that it saw the signal.
func waitingWorker(result error, exited chan<- struct{}) Worker {
	return func(ctx context.Context, shutdown <-chan struct{}) error {
		defer close(exited)
		select {
		case <-shutdown:
		case <-ctx.Done():
		}
		return result
	}
}

func mustStart(t *testing.T, c *Coordinator, w Worker) {
	t.Helper()
	if err := c.Start(w); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestCoordinator_ShutdownJoinsWorker(t *testing.T) {
	c := New()
	if c.State() != StateUninitialized {
		t.Fatalf("state = %s, want uninitialized", c.State())
	}

	exited := make(chan struct{})
	mustStart(t, c, waitingWorker(nil, exited))
	if c.State() != StateRunning {
		t.Errorf("state = %s, want running", c.State())
	}

	if err := c.RequestShutdown(); err != nil {
		t.Fatalf("RequestShutdown: %v", err)
	}
	if c.State() != StateShuttingDown {
		t.Errorf("state = %s, want shutting down", c.State())
	}
	if err := c.AwaitShutdown(); err != nil {
		t.Fatalf("AwaitShutdown: %v", err)
	}

	select {
	case <-exited:
	default:
		t.Fatal("worker still running after AwaitShutdown")
	}
	if c.State() != StateStopped {
		t.Errorf("state = %s, want stopped", c.State())
	}

	// Repeated awaits return the cached outcome without blocking.
	for i := 0; i < 3; i++ {
		if err := c.AwaitShutdown(); err != nil {
			t.Errorf("await %d: %v", i, err)
		}
	}
}

func TestCoordinator_WorkerErrorIsCached(t *testing.T) {
	c := New()
	boom := errors.New("boom")
	mustStart(t, c, waitingWorker(boom, make(chan struct{})))

	if err := c.Shutdown(); !errors.Is(err, boom) {
		t.Errorf("Shutdown: got %v, want boom", err)
	}
	if err := c.AwaitShutdown(); !errors.Is(err, boom) {
		t.Errorf("AwaitShutdown: got %v, want boom", err)
	}
	if c.State() != StateStopped {
		t.Errorf("state = %s, want stopped", c.State())
	}
}

func TestCoordinator_WorkerExitsOnItsOwn(t *testing.T) {
	c := New()
	mustStart(t, c, func(context.Context, <-chan struct{}) error { return nil })

	if err := c.AwaitShutdown(); err != nil {
		t.Fatalf("AwaitShutdown: %v", err)
	}
	if c.State() != StateStopped {
		t.Errorf("state = %s, want stopped", c.State())
	}
	// The unused sender was dropped with the worker.
	if err := c.RequestShutdown(); err != nil {
		t.Errorf("RequestShutdown after exit: %v", err)
	}
	if c.State() != StateStopped {
		t.Errorf("state = %s, want stopped", c.State())
	}
}

func TestCoordinator_WorkerPanicBecomesError(t *testing.T) {
	c := New()
	mustStart(t, c, func(context.Context, <-chan struct{}) error { panic("kaboom") })

	err := c.AwaitShutdown()
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("got %v, want an error carrying the panic", err)
	}
}

func TestCoordinator_DoubleStart(t *testing.T) {
	c := New()
	mustStart(t, c, waitingWorker(nil, make(chan struct{})))
	if err := c.Start(waitingWorker(nil, make(chan struct{}))); !errors.Is(err, ErrLifecycleFault) {
		t.Errorf("second Start: got %v, want ErrLifecycleFault", err)
	}
	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestCoordinator_BeforeStart(t *testing.T) {
	c := New()

	done := make(chan error, 1)
	go func() { done <- c.AwaitShutdown() }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrLifecycleFault) {
			t.Errorf("AwaitShutdown: got %v, want ErrLifecycleFault", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitShutdown hung before Start")
	}
	if err := c.RequestShutdown(); !errors.Is(err, ErrLifecycleFault) {
		t.Errorf("RequestShutdown: got %v, want ErrLifecycleFault", err)
	}
	if c.State() != StateUninitialized {
		t.Errorf("state = %s, want uninitialized", c.State())
	}
}

func TestCoordinator_RequestShutdownIdempotent(t *testing.T) {
	c := New()
	mustStart(t, c, waitingWorker(nil, make(chan struct{})))

	for i := 0; i < 3; i++ {
		if err := c.RequestShutdown(); err != nil {
			t.Fatalf("RequestShutdown %d: %v", i, err)
		}
	}
	if err := c.AwaitShutdown(); err != nil {
		t.Fatalf("AwaitShutdown: %v", err)
	}
}

func TestCoordinator_ContextCancelledOnShutdown(t *testing.T) {
	c := New()
	mustStart(t, c, func(ctx context.Context, _ <-chan struct{}) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := c.RequestShutdown(); err != nil {
		t.Fatalf("RequestShutdown: %v", err)
	}
	if err := c.AwaitShutdown(); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestCoordinator_TakeTwiceFails(t *testing.T) {
	c := New()
	mustStart(t, c, waitingWorker(nil, make(chan struct{})))

	c.mu.Lock()
	s, err := c.takeSender()
	if err != nil {
		c.mu.Unlock()
		t.Fatalf("takeSender: %v", err)
	}
	if _, err := c.takeSender(); !errors.Is(err, ErrLifecycleFault) {
		t.Errorf("second takeSender: got %v, want ErrLifecycleFault", err)
	}
	h, err := c.takeHandle()
	if err != nil {
		c.mu.Unlock()
		t.Fatalf("takeHandle: %v", err)
	}
	if _, err := c.takeHandle(); !errors.Is(err, ErrLifecycleFault) {
		t.Errorf("second takeHandle: got %v, want ErrLifecycleFault", err)
	}
	c.mu.Unlock()

	s.send()
	<-h.done
}

func TestCoordinator_ConcurrentAwaits(t *testing.T) {
	c := New()
	boom := errors.New("stopped")
	mustStart(t, c, waitingWorker(boom, make(chan struct{})))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.AwaitShutdown()
		}(i)
	}
	if err := c.RequestShutdown(); err != nil {
		t.Fatalf("RequestShutdown: %v", err)
	}
	wg.Wait()
	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Errorf("await %d: got %v, want the worker's error", i, err)
		}
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateRunning, "running"},
		{StateStopped, "stopped"},
		{State(9), "state(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", uint8(tt.state), got, tt.want)
		}
	}
}
