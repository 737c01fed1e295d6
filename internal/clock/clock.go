// Package clock provides the time source used by every blocking wait in the
// engine. Polls, canary holds and approval waits sleep through a Clock so that
// they can be cancelled and driven deterministically in tests.
package clock

import (
	"context"
	"time"

	kclock "k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"
)

// Clock is a cancellable time source
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is backed by the wall clock
type Real struct {
	base kclock.Clock
}

// NewReal returns a wall clock
func NewReal() *Real {
	return &Real{base: kclock.RealClock{}}
}

func (c *Real) Now() time.Time                  { return c.base.Now() }
func (c *Real) Since(t time.Time) time.Duration { return c.base.Since(t) }

func (c *Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := c.base.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}

// Stepping is a fake clock whose Sleep advances time instantly.
// Time only moves when something sleeps or the test calls Step.
type Stepping struct {
	*testingclock.FakeClock
}

// NewStepping returns a fake clock starting at start
func NewStepping(start time.Time) *Stepping {
	return &Stepping{FakeClock: testingclock.NewFakeClock(start)}
}

func (c *Stepping) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		c.Step(d)
	}
	return nil
}
