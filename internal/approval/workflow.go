// Package approval implements persisted sign-off for manual gates. Requests
// live in the approval store so a waiting run can resume after a restart.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alvesdmateus/release-gate/internal/clock"
	"github.com/alvesdmateus/release-gate/internal/state"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/rs/zerolog"
)

var (
	// ErrNotApprover is returned when someone outside the approver set decides
	ErrNotApprover = errors.New("not an eligible approver")
	// ErrResolved is returned when a decision arrives for a terminal request
	ErrResolved = errors.New("approval request already resolved")
	// ErrExpired is returned when a decision arrives after the request expired
	ErrExpired = errors.New("approval request expired")
)

const (
	defaultPollInterval = 15 * time.Second
	maxCASRetries       = 5
	defaultCanceller    = "operator"
)

// Store persists approval requests with compare-and-swap updates
type Store interface {
	CreateApproval(ctx context.Context, req *models.ApprovalRequest) (*models.ApprovalRequest, error)
	GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error)
	CompareAndSwapApproval(ctx context.Context, req *models.ApprovalRequest) error
	ListApprovals(ctx context.Context, filter state.ApprovalFilter) ([]*models.ApprovalRequest, error)
}

// Request describes the sign-off a manual gate needs
type Request struct {
	DeploymentID  string
	Environment   string
	ServiceName   string
	Version       string
	Gate          string
	Approvers     []string
	RequiredCount int
	Timeout       time.Duration
}

// Workflow creates, resolves and waits on approval requests
type Workflow struct {
	store        Store
	clock        clock.Clock
	pollInterval time.Duration
	logger       zerolog.Logger
}

// NewWorkflow creates an approval workflow. pollInterval bounds how often Wait re-reads the store.
func NewWorkflow(store Store, c clock.Clock, pollInterval time.Duration, logger zerolog.Logger) *Workflow {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Workflow{
		store:        store,
		clock:        c,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "approval").Logger(),
	}
}

// RequestApproval opens a pending request, or returns the existing one for the same run and gate
func (w *Workflow) RequestApproval(ctx context.Context, r Request) (*models.ApprovalRequest, error) {
	if r.Timeout <= 0 {
		return nil, models.ValidationError{Field: "timeout", Reason: "approval gates need a timeout"}
	}
	count := r.RequiredCount
	if count < 1 {
		count = 1
	}
	approvers := models.NewStringSet(r.Approvers...)
	if len(approvers) > 0 && count > len(approvers) {
		return nil, models.ValidationError{
			Field:  "required_approvers",
			Reason: fmt.Sprintf("gate %s needs %d approvals but only %d approvers are eligible", r.Gate, count, len(approvers)),
		}
	}

	now := w.clock.Now()
	req, err := w.store.CreateApproval(ctx, &models.ApprovalRequest{
		DeploymentID:      r.DeploymentID,
		Environment:       r.Environment,
		ServiceName:       r.ServiceName,
		Version:           r.Version,
		GateName:          r.Gate,
		RequiredApprovers: approvers,
		RequiredCount:     count,
		Approvals:         models.NewStringSet(),
		Rejections:        models.NewStringSet(),
		Status:            models.ApprovalPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(r.Timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}

	w.logger.Info().
		Str("requestId", req.RequestID).
		Str("deploymentId", req.DeploymentID).
		Str("gate", req.GateName).
		Int("requiredCount", req.RequiredCount).
		Time("expiresAt", req.ExpiresAt).
		Msg("Approval requested")

	return req, nil
}

// Resolve records an approver's decision. A single rejection rejects the
// request; it is approved once enough distinct approvers agree.
func (w *Workflow) Resolve(ctx context.Context, requestID, approver string, decision models.Decision, reason string) (*models.ApprovalRequest, error) {
	if approver == "" {
		return nil, models.ValidationError{Field: "approver", Reason: "approver is required"}
	}
	if decision != models.DecisionApprove && decision != models.DecisionReject {
		return nil, models.ValidationError{Field: "decision", Reason: fmt.Sprintf("unknown decision %q", decision)}
	}

	return w.update(ctx, requestID, func(req *models.ApprovalRequest, now time.Time) error {
		if len(req.RequiredApprovers) > 0 && !req.RequiredApprovers.Has(approver) {
			return fmt.Errorf("%s: %w", approver, ErrNotApprover)
		}
		switch decision {
		case models.DecisionApprove:
			req.Approvals.Add(approver)
			if len(req.Approvals) >= req.RequiredCount {
				req.Status = models.ApprovalApproved
				req.ResolvedAt = &now
			}
		case models.DecisionReject:
			req.Rejections.Add(approver)
			req.Status = models.ApprovalRejected
			req.Reason = reason
			req.ResolvedAt = &now
		}
		return nil
	})
}

// Cancel rejects a pending request on an operator's behalf. An empty by is
// recorded as "operator".
func (w *Workflow) Cancel(ctx context.Context, requestID, by, reason string) (*models.ApprovalRequest, error) {
	if by = strings.TrimSpace(by); by == "" {
		by = defaultCanceller
	}
	if reason == "" {
		reason = "cancelled"
	} else {
		reason = "cancelled: " + reason
	}
	return w.update(ctx, requestID, func(req *models.ApprovalRequest, now time.Time) error {
		req.Rejections.Add(by)
		req.Status = models.ApprovalRejected
		req.Reason = reason
		req.ResolvedAt = &now
		return nil
	})
}

// update applies fn to a pending request with optimistic concurrency.
// A request past its deadline is expired instead and ErrExpired returned.
func (w *Workflow) update(ctx context.Context, requestID string, fn func(req *models.ApprovalRequest, now time.Time) error) (*models.ApprovalRequest, error) {
	for i := 0; i < maxCASRetries; i++ {
		req, err := w.store.GetApproval(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if req.Status.Terminal() {
			return req, fmt.Errorf("%s is %s: %w", requestID, req.Status, ErrResolved)
		}

		now := w.clock.Now()
		if !now.Before(req.ExpiresAt) {
			expired, err := w.expire(ctx, req, now)
			if errors.Is(err, state.ErrStaleState) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return expired, fmt.Errorf("%s: %w", requestID, ErrExpired)
		}

		if err := fn(req, now); err != nil {
			return nil, err
		}
		err = w.store.CompareAndSwapApproval(ctx, req)
		if errors.Is(err, state.ErrStaleState) {
			continue
		}
		if err != nil {
			return nil, err
		}

		w.logger.Info().
			Str("requestId", req.RequestID).
			Str("gate", req.GateName).
			Str("status", string(req.Status)).
			Strs("approvals", req.Approvals.List()).
			Strs("rejections", req.Rejections.List()).
			Msg("Approval updated")
		return req, nil
	}
	return nil, fmt.Errorf("approval %s: too much contention: %w", requestID, state.ErrStaleState)
}

func (w *Workflow) expire(ctx context.Context, req *models.ApprovalRequest, now time.Time) (*models.ApprovalRequest, error) {
	req.Status = models.ApprovalExpired
	req.Reason = "no decision before deadline"
	req.ResolvedAt = &now
	if err := w.store.CompareAndSwapApproval(ctx, req); err != nil {
		return nil, err
	}
	w.logger.Warn().
		Str("requestId", req.RequestID).
		Str("gate", req.GateName).
		Time("expiresAt", req.ExpiresAt).
		Msg("Approval expired")
	return req, nil
}

// Wait blocks until the request is terminal, expiring it at its deadline.
// Context cancellation abandons the wait and leaves the request untouched.
func (w *Workflow) Wait(ctx context.Context, requestID string) (*models.ApprovalRequest, error) {
	for {
		req, err := w.store.GetApproval(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if req.Status.Terminal() {
			return req, nil
		}

		now := w.clock.Now()
		remaining := req.ExpiresAt.Sub(now)
		if remaining <= 0 {
			expired, err := w.expire(ctx, req, now)
			if errors.Is(err, state.ErrStaleState) {
				// someone resolved it first
				continue
			}
			return expired, err
		}

		if err := w.clock.Sleep(ctx, min(w.pollInterval, remaining)); err != nil {
			return nil, err
		}
	}
}

// ExpireStale expires every pending request past its deadline and returns how many changed
func (w *Workflow) ExpireStale(ctx context.Context) (int, error) {
	pending, err := w.store.ListApprovals(ctx, state.ApprovalFilter{Status: models.ApprovalPending})
	if err != nil {
		return 0, err
	}

	now := w.clock.Now()
	expired := 0
	for _, req := range pending {
		if now.Before(req.ExpiresAt) {
			continue
		}
		if _, err := w.expire(ctx, req, now); err != nil {
			if errors.Is(err, state.ErrStaleState) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// Outcome converts a terminal request into the error a manual gate reports, or nil when approved
func Outcome(req *models.ApprovalRequest) error {
	switch req.Status {
	case models.ApprovalApproved:
		return nil
	case models.ApprovalExpired:
		return models.ApprovalTimeout{RequestID: req.RequestID, Gate: req.GateName, ExpiresAt: req.ExpiresAt}
	case models.ApprovalRejected:
		return models.ApprovalRejectedError{RequestID: req.RequestID, Gate: req.GateName, By: rejectedBy(req), Reason: req.Reason}
	default:
		return fmt.Errorf("approval %s is still %s", req.RequestID, req.Status)
	}
}

func rejectedBy(req *models.ApprovalRequest) string {
	if len(req.Rejections) == 0 {
		return "unknown"
	}
	return strings.Join(req.Rejections.List(), ", ")
}
