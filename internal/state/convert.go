package state

import (
	"encoding/json"

	"github.com/alvesdmateus/release-gate/pkg/models"
)

func activeKey(env, service string) *string {
	k := env + "/" + service
	return &k
}

func runFromModel(m *models.DeploymentRun) *DeploymentRun {
	r := &DeploymentRun{
		ID:          m.DeploymentID,
		Environment: m.Environment,
		ServiceName: m.ServiceName,
		Version:     m.Version,
		Strategy:    string(m.Strategy),
		Phase:       m.Phase,
		Status:      string(m.OverallStatus),
		RequestedBy: m.RequestedBy,
		Error:       m.Error,
		CreatedAt:   m.CreatedAt,
		FinishedAt:  m.FinishedAt,
	}
	if !m.OverallStatus.Terminal() {
		r.ActiveKey = activeKey(m.Environment, m.ServiceName)
	}
	return r
}

func (r *DeploymentRun) toModel() *models.DeploymentRun {
	m := &models.DeploymentRun{
		DeploymentID:  r.ID,
		Environment:   r.Environment,
		ServiceName:   r.ServiceName,
		Version:       r.Version,
		Strategy:      models.Strategy(r.Strategy),
		Phase:         r.Phase,
		OverallStatus: models.RunStatus(r.Status),
		RequestedBy:   r.RequestedBy,
		Error:         r.Error,
		CreatedAt:     r.CreatedAt,
		FinishedAt:    r.FinishedAt,
		Results:       make([]models.GateExecutionResult, 0, len(r.Results)),
	}
	for _, g := range r.Results {
		m.Results = append(m.Results, g.toModel())
	}
	return m
}

func (g GateResult) toModel() models.GateExecutionResult {
	return models.GateExecutionResult{
		GateName:  g.GateName,
		Status:    models.GateStatus(g.Status),
		Attempt:   g.Attempt,
		StartedAt: g.StartedAt,
		EndedAt:   g.EndedAt,
		Message:   g.Message,
	}
}

func snapshotFromModel(m *models.RollbackSnapshot) (*RollbackSnapshot, error) {
	refs, err := json.Marshal(m.ArtifactRefs)
	if err != nil {
		return nil, err
	}
	return &RollbackSnapshot{
		SnapshotID:   m.ID,
		DeploymentID: m.DeploymentID,
		Environment:  m.Environment,
		ServiceName:  m.ServiceName,
		Version:      m.Version,
		ArtifactRefs: string(refs),
		CreatedAt:    m.CreatedAt,
	}, nil
}

func (s *RollbackSnapshot) toModel() (*models.RollbackSnapshot, error) {
	m := &models.RollbackSnapshot{
		ID:           s.SnapshotID,
		DeploymentID: s.DeploymentID,
		Environment:  s.Environment,
		ServiceName:  s.ServiceName,
		Version:      s.Version,
		CreatedAt:    s.CreatedAt,
		ArtifactRefs: map[string]string{},
	}
	if s.ArtifactRefs != "" {
		if err := json.Unmarshal([]byte(s.ArtifactRefs), &m.ArtifactRefs); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func encodeSet(s models.StringSet) (string, error) {
	b, err := json.Marshal(s.List())
	return string(b), err
}

func decodeSet(raw string) (models.StringSet, error) {
	var values []string
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &values); err != nil {
			return nil, err
		}
	}
	return models.NewStringSet(values...), nil
}

func approvalFromModel(m *models.ApprovalRequest) (*ApprovalRequest, error) {
	required, err := encodeSet(m.RequiredApprovers)
	if err != nil {
		return nil, err
	}
	approvals, err := encodeSet(m.Approvals)
	if err != nil {
		return nil, err
	}
	rejections, err := encodeSet(m.Rejections)
	if err != nil {
		return nil, err
	}
	return &ApprovalRequest{
		ID:                m.RequestID,
		DeploymentID:      m.DeploymentID,
		GateName:          m.GateName,
		Environment:       m.Environment,
		ServiceName:       m.ServiceName,
		Version:           m.Version,
		RequiredApprovers: required,
		RequiredCount:     m.RequiredCount,
		Approvals:         approvals,
		Rejections:        rejections,
		Status:            string(m.Status),
		Reason:            m.Reason,
		CreatedAt:         m.CreatedAt,
		ExpiresAt:         m.ExpiresAt,
		ResolvedAt:        m.ResolvedAt,
		Revision:          m.Revision,
	}, nil
}

func (a *ApprovalRequest) toModel() (*models.ApprovalRequest, error) {
	required, err := decodeSet(a.RequiredApprovers)
	if err != nil {
		return nil, err
	}
	approvals, err := decodeSet(a.Approvals)
	if err != nil {
		return nil, err
	}
	rejections, err := decodeSet(a.Rejections)
	if err != nil {
		return nil, err
	}
	return &models.ApprovalRequest{
		RequestID:         a.ID,
		DeploymentID:      a.DeploymentID,
		GateName:          a.GateName,
		Environment:       a.Environment,
		ServiceName:       a.ServiceName,
		Version:           a.Version,
		RequiredApprovers: required,
		RequiredCount:     a.RequiredCount,
		Approvals:         approvals,
		Rejections:        rejections,
		Status:            models.ApprovalStatus(a.Status),
		Reason:            a.Reason,
		CreatedAt:         a.CreatedAt,
		ExpiresAt:         a.ExpiresAt,
		ResolvedAt:        a.ResolvedAt,
		Revision:          a.Revision,
	}, nil
}

func (i *Incident) toModel() *models.Incident {
	return &models.Incident{
		ID:          i.ID,
		Environment: i.Environment,
		ServiceName: i.ServiceName,
		Title:       i.Title,
		OpenedBy:    i.OpenedBy,
		Active:      i.Active,
		OpenedAt:    i.OpenedAt,
		ResolvedAt:  i.ResolvedAt,
	}
}
