package api

import (
	"encoding/json"
	"strings"

	"github.com/alvesdmateus/release-gate/internal/state"
)

// DeploymentLogToResponse converts a state.DeploymentLog to LogEntryResponse
func DeploymentLogToResponse(l *state.DeploymentLog) LogEntryResponse {
	resp := LogEntryResponse{
		JobID:     l.JobID,
		Phase:     l.Phase,
		Level:     l.Level,
		Message:   l.Message,
		CreatedAt: l.CreatedAt,
	}
	if l.Details != "" {
		var details map[string]interface{}
		if err := json.Unmarshal([]byte(l.Details), &details); err == nil {
			resp.Details = details
		} else {
			resp.Details = map[string]interface{}{"raw": l.Details}
		}
	}
	return resp
}

// DeploymentLogsToResponse converts a slice of state.DeploymentLog to LogEntryResponse
func DeploymentLogsToResponse(logs []state.DeploymentLog) []LogEntryResponse {
	responses := make([]LogEntryResponse, len(logs))
	for i := range logs {
		responses[i] = DeploymentLogToResponse(&logs[i])
	}
	return responses
}

// operatorToResponse converts an Operator model to an OperatorResponse
func operatorToResponse(op *state.Operator) OperatorResponse {
	return OperatorResponse{
		ID:        op.ID,
		Username:  op.Username,
		Role:      op.Role,
		Active:    op.Active,
		CreatedAt: op.CreatedAt,
	}
}

// apiKeyToResponse converts an APIKey model to an APIKeyResponse
func apiKeyToResponse(key *state.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        key.ID,
		Name:      key.Name,
		KeyPrefix: key.KeyPrefix,
		ExpiresAt: key.ExpiresAt,
		LastUsed:  key.LastUsed,
		CreatedAt: key.CreatedAt,
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes":
		return true
	}
	return false
}
