package processor

import (
	"context"
	"sync"
)

// DependencyGuard is the per-dependency-group barrier keyed by block number.
// A dependent pipeline must not emit events at block N until its dependency
// has acknowledged all blocks <= N.
type DependencyGuard struct {
	mu    sync.Mutex
	cond  *sync.Cond
	acked map[string]uint64
	// closed keys are treated as acknowledged through every block, so a
	// dependent never deadlocks on a finished or halted dependency.
	closed map[string]bool
}

func NewDependencyGuard() *DependencyGuard {
	g := &DependencyGuard{
		acked:  make(map[string]uint64),
		closed: make(map[string]bool),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Acknowledge records that every event of key at blocks <= blockNumber has
// been acknowledged by all sinks.
func (g *DependencyGuard) Acknowledge(key string, blockNumber uint64) {
	g.mu.Lock()
	if blockNumber > g.acked[key] {
		g.acked[key] = blockNumber
	}
	g.mu.Unlock()
	g.cond.Broadcast()
}

// CloseKey marks a dependency as finished; waiters unblock unconditionally.
func (g *DependencyGuard) CloseKey(key string) {
	g.mu.Lock()
	g.closed[key] = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

// WaitFor blocks until key has acknowledged blockNumber, key is closed, or
// the context is cancelled.
func (g *DependencyGuard) WaitFor(ctx context.Context, key string, blockNumber uint64) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Taking the lock orders the broadcast after the waiter's ctx
			// check, so the wake-up cannot be lost before cond.Wait.
			g.mu.Lock()
			g.cond.Broadcast()
			g.mu.Unlock()
		case <-done:
		}
	}()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.acked[key] < blockNumber && !g.closed[key] {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.cond.Wait()
	}
	return nil
}

// Acked returns the highest acknowledged block for key.
func (g *DependencyGuard) Acked(key string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.acked[key]
}
