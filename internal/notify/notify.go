// Package notify delivers terminal run notifications. Delivery is best effort:
// a failed notification never changes a run's outcome.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/rs/zerolog"
)

// Event kinds
const (
	EventRunFinished    = "run.finished"
	EventRunAbandoned   = "run.abandoned"
	EventRollbackFailed = "rollback.failed"
	EventApprovalNeeded = "approval.requested"
)

// Event describes something worth telling humans about
type Event struct {
	Kind    string                `json:"event"`
	Run     *models.DeploymentRun `json:"run,omitempty"`
	Message string                `json:"message"`
	// Page marks events that need an operator now
	Page bool      `json:"page"`
	At   time.Time `json:"at"`
}

// Notifier delivers events
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

// Log writes events to the process log
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a log notifier
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *Log) Notify(ctx context.Context, evt Event) error {
	e := l.logger.Info()
	if evt.Page {
		e = l.logger.Error()
	}
	if evt.Run != nil {
		e = e.Str("deploymentId", evt.Run.DeploymentID).
			Str("environment", evt.Run.Environment).
			Str("service", evt.Run.ServiceName).
			Str("status", string(evt.Run.OverallStatus))
	}
	e.Str("event", evt.Kind).Bool("page", evt.Page).Msg(evt.Message)
	return nil
}

// Multi fans an event out to several notifiers
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, evt Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher sends events in the background with a per-event deadline
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewDispatcher wraps a notifier for fire-and-forget delivery
func NewDispatcher(n Notifier, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		notifier: n,
		timeout:  timeout,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

// Dispatch delivers evt without blocking the caller. Errors are logged.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if err := d.notifier.Notify(ctx, evt); err != nil {
			d.logger.Warn().Err(err).Str("event", evt.Kind).Msg("Notification failed")
		}
	}()
}

// Wait blocks until in-flight notifications finish
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
