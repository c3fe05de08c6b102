package gateway

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Gate errors.
var (
	// ErrGateTimeout indicates the wait for the gate exceeded its bound.
	ErrGateTimeout = errors.New("timed out waiting for gate")
	// ErrQueueFull indicates the wait queue is at capacity.
	ErrQueueFull = errors.New("gate queue is full")
)

type waiter struct {
	ready   chan struct{}
	granted bool
}

// Gate is a mutual-exclusion lock that grants holders in arrival order and
// bounds both how long and how many callers may wait.
type Gate struct {
	mu       sync.Mutex
	held     bool
	queue    []*waiter
	maxQueue int
}

// NewGate creates a Gate. maxQueue limits the number of waiters; zero or
// less means unbounded.
func NewGate(maxQueue int) *Gate {
	return &Gate{maxQueue: maxQueue}
}

// Acquire blocks until the caller holds the gate, timeout elapses or ctx is
// done. A non-positive timeout waits only on ctx. On success the caller must
// call Release exactly once.
func (g *Gate) Acquire(ctx context.Context, timeout time.Duration) error {
	return g.acquire(ctx, timeout, true)
}

// acquireUnbounded waits like Acquire but ignores the queue limit.
func (g *Gate) acquireUnbounded(ctx context.Context) error {
	return g.acquire(ctx, 0, false)
}

func (g *Gate) acquire(ctx context.Context, timeout time.Duration, bounded bool) error {
	g.mu.Lock()

	if !g.held && len(g.queue) == 0 {
		g.held = true
		g.mu.Unlock()

		return nil
	}

	if bounded && g.maxQueue > 0 && len(g.queue) >= g.maxQueue {
		g.mu.Unlock()

		return ErrQueueFull
	}

	w := &waiter{ready: make(chan struct{})}
	g.queue = append(g.queue, w)
	g.mu.Unlock()

	var expired <-chan time.Time

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		expired = timer.C
	}

	select {
	case <-w.ready:
		return nil
	case <-expired:
		return g.abandon(w, ErrGateTimeout)
	case <-ctx.Done():
		return g.abandon(w, ctx.Err())
	}
}

// abandon removes w from the queue. If the gate was handed to w while it was
// giving up, w keeps it and reports success.
func (g *Gate) abandon(w *waiter, cause error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if w.granted {
		return nil
	}

	for i, queued := range g.queue {
		if queued == w {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)

			break
		}
	}

	return cause
}

// Release hands the gate to the oldest waiter, or frees it.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.held {
		panic("gateway: release of unheld gate")
	}

	if len(g.queue) == 0 {
		g.held = false

		return
	}

	next := g.queue[0]
	g.queue[0] = nil
	g.queue = g.queue[1:]
	next.granted = true
	close(next.ready)
}

// Waiting returns the number of queued callers.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.queue)
}

// Held reports whether some caller holds the gate.
func (g *Gate) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.held
}
