package resolve

import (
	"context"
	"sync"
	"time"
)

// gate holds back new dispatches while the registry has asked for a pause.
type gate struct {
	mu    sync.Mutex
	until time.Time
	now   func() time.Time
}

func newGate() *gate {
	return &gate{now: time.Now}
}

// hold extends the pause to at least d from now.
func (g *gate) hold(d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if until := g.now().Add(d); until.After(g.until) {
		g.until = until
	}
}

func (g *gate) remaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.until.Sub(g.now())
}

// wait blocks until no pause is in effect or ctx is done. A pause extended
// while waiting is honoured.
func (g *gate) wait(ctx context.Context) error {
	for {
		d := g.remaining()
		if d <= 0 {
			return ctx.Err()
		}
		if err := sleepWithContext(ctx, d); err != nil {
			return err
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
