package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/alvesdmateus/release-gate/internal/approval"
	"github.com/alvesdmateus/release-gate/internal/rollback"
	"github.com/alvesdmateus/release-gate/internal/state"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/rs/zerolog/log"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// RespondWithJSON writes a JSON response
func RespondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Error().Err(err).Msg("Failed to encode JSON response")
		}
	}
}

// RespondWithError writes an error response
func RespondWithError(w http.ResponseWriter, statusCode int, message string) {
	RespondWithJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	})
}

// RespondWithSuccess writes a success response
func RespondWithSuccess(w http.ResponseWriter, statusCode int, message string, data interface{}) {
	RespondWithJSON(w, statusCode, SuccessResponse{
		Message: message,
		Data:    data,
	})
}

// RespondWithDomainError maps a typed error to a status code. Unexpected
// errors are logged and reported as fallback without their details.
func RespondWithDomainError(w http.ResponseWriter, err error, fallback string) {
	resp := ErrorResponse{Message: err.Error()}

	var (
		verr     models.ValidationError
		conflict models.ConflictError
		policy   models.PolicyViolation
		restore  models.RollbackFailure
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		resp.Field = verr.Field
	case errors.As(err, &conflict):
		status = http.StatusConflict
		resp.ActiveRunID = conflict.ActiveRunID
	case errors.As(err, &policy):
		status = http.StatusPreconditionFailed
		resp.Rule = string(policy.Rule)
	case errors.Is(err, state.ErrNotFound), errors.Is(err, rollback.ErrNoSnapshot):
		status = http.StatusNotFound
	case errors.As(err, &restore):
		// needs an operator; the message says what failed
		log.Error().Err(err).Msg(fallback)
	case errors.Is(err, approval.ErrNotApprover):
		status = http.StatusForbidden
	case errors.Is(err, approval.ErrResolved), errors.Is(err, state.ErrDuplicate), errors.Is(err, state.ErrStaleState):
		status = http.StatusConflict
	case errors.Is(err, approval.ErrExpired):
		status = http.StatusGone
	default:
		log.Error().Err(err).Msg(fallback)
		resp.Message = fallback
	}

	resp.Error = http.StatusText(status)
	RespondWithJSON(w, status, resp)
}

// DecodeJSON decodes a request body into v, rejecting unknown fields
func DecodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
