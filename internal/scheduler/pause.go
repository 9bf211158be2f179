package scheduler

import "sync"

// gate is the global pause control for the synthesis pool. Waiters block
// on a channel closed by Resume instead of polling a flag.
type gate struct {
	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
}

func newGate() *gate {
	return &gate{resumed: closedChan()}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Pause engages the gate. Already paused is a no-op.
func (g *gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.resumed = make(chan struct{})
}

// Resume releases the gate and wakes every waiter.
func (g *gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.resumed)
}

// IsPaused reports the gate state.
func (g *gate) IsPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks while the gate is engaged. It returns early (false) when
// abort closes first, so a paused job can still be cancelled.
func (g *gate) Wait(abort <-chan struct{}) bool {
	for {
		g.mu.Lock()
		if !g.paused {
			g.mu.Unlock()
			return true
		}
		ch := g.resumed
		g.mu.Unlock()

		select {
		case <-ch:
		case <-abort:
			return false
		}
	}
}
