// Package health polls a readiness signal until it succeeds, the timeout
// elapses, or the configured number of attempts is used up.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alvesdmateus/release-gate/internal/clock"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/rs/zerolog"
)

const defaultInterval = 5 * time.Second

// ErrTimeout is reported when the poll's cumulative time reaches its timeout
var ErrTimeout = errors.New("health check timed out")

// ErrRetriesExhausted is reported when every allowed attempt observed an unready target
var ErrRetriesExhausted = errors.New("health check retries exhausted")

// Probe observes a readiness signal once
type Probe interface {
	Check(ctx context.Context) (bool, error)
}

// ProbeFunc adapts a function to Probe
type ProbeFunc func(ctx context.Context) (bool, error)

func (f ProbeFunc) Check(ctx context.Context) (bool, error) {
	return f(ctx)
}

// Options bounds a poll. A zero Timeout or zero Retries disables that bound;
// when both are zero a single attempt is made.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

// OptionsFrom converts an environment's health check profile
func OptionsFrom(p models.HealthCheckProfile) Options {
	return Options{Interval: p.Interval, Timeout: p.Timeout, Retries: p.Retries}
}

// Result is the outcome of a poll
type Result struct {
	Healthy  bool
	Attempts int
	Elapsed  time.Duration
	// Err explains an unhealthy result: ErrTimeout, ErrRetriesExhausted or the context error.
	Err error
	// LastProbeErr is the error returned by the final probe, if any
	LastProbeErr error
}

// Failure converts an unhealthy result into a typed error for target
func (r Result) Failure(target string) error {
	if r.Healthy {
		return nil
	}
	err := r.Err
	if r.LastProbeErr != nil {
		err = fmt.Errorf("%w (last probe: %v)", r.Err, r.LastProbeErr)
	}
	return models.HealthCheckFailure{Target: target, Attempts: r.Attempts, Elapsed: r.Elapsed, Err: err}
}

// Checker runs polls against an injected clock
type Checker struct {
	clock  clock.Clock
	logger zerolog.Logger
}

// NewChecker creates a health checker
func NewChecker(c clock.Clock, logger zerolog.Logger) *Checker {
	return &Checker{
		clock:  c,
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Poll checks probe every opts.Interval. It returns healthy as soon as one
// check succeeds and unhealthy once elapsed time reaches opts.Timeout, once
// opts.Retries checks have failed, or when ctx is cancelled. It is safe to
// abandon at any point by cancelling ctx.
func (h *Checker) Poll(ctx context.Context, target string, probe Probe, opts Options) Result {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	retries := opts.Retries
	if retries <= 0 && opts.Timeout <= 0 {
		retries = 1
	}

	start := h.clock.Now()
	res := Result{}

	for {
		res.Elapsed = h.clock.Since(start)
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		if opts.Timeout > 0 && res.Elapsed >= opts.Timeout {
			res.Err = ErrTimeout
			h.logger.Warn().Str("target", target).Int("attempts", res.Attempts).Dur("elapsed", res.Elapsed).Msg("Health check timed out")
			return res
		}

		res.Attempts++
		ok, err := probe.Check(ctx)
		res.LastProbeErr = err
		if ok {
			res.Healthy = true
			res.Err = nil
			res.Elapsed = h.clock.Since(start)
			h.logger.Debug().Str("target", target).Int("attempts", res.Attempts).Msg("Target healthy")
			return res
		}

		h.logger.Debug().Str("target", target).Int("attempt", res.Attempts).Err(err).Msg("Target not ready")

		if retries > 0 && res.Attempts >= retries {
			res.Elapsed = h.clock.Since(start)
			res.Err = ErrRetriesExhausted
			h.logger.Warn().Str("target", target).Int("attempts", res.Attempts).Msg("Health check retries exhausted")
			return res
		}

		wait := interval
		if opts.Timeout > 0 {
			if remaining := opts.Timeout - h.clock.Since(start); remaining < wait {
				wait = remaining
			}
		}
		if err := h.clock.Sleep(ctx, wait); err != nil {
			res.Elapsed = h.clock.Since(start)
			res.Err = err
			return res
		}
	}
}

// HTTPProbe reports ready when url answers with a 2xx status
func HTTPProbe(client *http.Client, url string) Probe {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return ProbeFunc(func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, fmt.Errorf("failed to build probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return false, fmt.Errorf("probe returned status %d", resp.StatusCode)
		}
		return true, nil
	})
}
