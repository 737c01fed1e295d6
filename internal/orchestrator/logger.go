package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/alvesdmateus/release-gate/internal/clock"
	"github.com/alvesdmateus/release-gate/internal/state"
	"github.com/rs/zerolog"
)

const auditWriteTimeout = 5 * time.Second

// LogStore persists audit entries
type LogStore interface {
	CreateDeploymentLog(ctx context.Context, entry *state.DeploymentLog) error
}

// DeploymentLogger is a run's audit trail. Each entry is stored as a
// DeploymentLog row tagged with the current phase and mirrored to the
// process log.
type DeploymentLogger struct {
	store        LogStore
	clock        clock.Clock
	deploymentID string
	jobID        string
	phase        string
	logger       zerolog.Logger
}

func NewDeploymentLogger(store LogStore, c clock.Clock, deploymentID, jobID, phase string, logger zerolog.Logger) *DeploymentLogger {
	lc := logger.With().Str("deployment_id", deploymentID)
	if jobID != "" {
		lc = lc.Str("job_id", jobID)
	}
	return &DeploymentLogger{
		store:        store,
		clock:        c,
		deploymentID: deploymentID,
		jobID:        jobID,
		phase:        phase,
		logger:       lc.Logger(),
	}
}

func (l *DeploymentLogger) Info(ctx context.Context, message string, details map[string]any) {
	l.record(ctx, zerolog.InfoLevel, message, nil, details)
}

func (l *DeploymentLogger) Warn(ctx context.Context, message string, details map[string]any) {
	l.record(ctx, zerolog.WarnLevel, message, nil, details)
}

// Error records err under the "error" detail key
func (l *DeploymentLogger) Error(ctx context.Context, message string, err error, details map[string]any) {
	l.record(ctx, zerolog.ErrorLevel, message, err, details)
}

// SetPhase tags later entries with phase
func (l *DeploymentLogger) SetPhase(phase string) {
	l.phase = phase
}

func (l *DeploymentLogger) record(ctx context.Context, level zerolog.Level, message string, err error, details map[string]any) {
	if err != nil {
		merged := make(map[string]any, len(details)+1)
		for k, v := range details {
			merged[k] = v
		}
		merged["error"] = err.Error()
		details = merged
	}

	l.logger.WithLevel(level).Str("phase", l.phase).Fields(details).Msg(message)

	entry := &state.DeploymentLog{
		DeploymentID: l.deploymentID,
		JobID:        l.jobID,
		Phase:        l.phase,
		Level:        strings.ToUpper(level.String()),
		Message:      message,
		Details:      encodeDetails(details),
		CreatedAt:    l.clock.Now(),
	}

	// cancellation of the run must not drop its audit trail
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()
	if werr := l.store.CreateDeploymentLog(wctx, entry); werr != nil {
		l.logger.Warn().Err(werr).Str("message", message).Msg("Failed to write deployment log to database")
	}
}

func encodeDetails(details map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	b, err := json.Marshal(details)
	if err != nil {
		return ""
	}
	return string(b)
}

// Details builds a detail map from alternating keys and values. Pairs with a
// non-string key are skipped.
func Details(pairs ...any) map[string]any {
	details := make(map[string]any, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		if key, ok := pairs[i].(string); ok {
			details[key] = pairs[i+1]
		}
	}
	return details
}
