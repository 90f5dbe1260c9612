// Package scheduler separates "when" from "what": engines expose state
// transitions as plain methods and the scheduler invokes them on wall-clock
// cadence. Time itself is injected through Clock so tests drive settlements
// deterministically.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Clock abstracts time.Now for the engines.
type Clock interface {
	Now() time.Time
}

// Real is the production clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Manual is a hand-advanced clock for tests.
type Manual struct {
	mu sync.Mutex
	t  time.Time
}

// NewManual creates a manual clock starting at t.
func NewManual(t time.Time) *Manual {
	return &Manual{t: t}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}

// Set jumps the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.t = t
	m.mu.Unlock()
}

// Scheduler runs named jobs on fixed intervals. A failing job is logged and
// retried on the next tick; nothing stops the cycle (settlement must always
// reach a terminal state eventually).
type Scheduler struct {
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates a scheduler logging through logger.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger}
}

// Every runs fn every interval until ctx is cancelled. The first run happens
// after one interval, not immediately.
func (s *Scheduler) Every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					s.logger.Error("scheduled job failed", "job", name, "err", err)
				}
			}
		}
	}()
}

// Wait blocks until all jobs have observed cancellation and returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
