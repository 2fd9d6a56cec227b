package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zatekoja/preauthagent/internal/domain/entities"
	"github.com/zatekoja/preauthagent/internal/domain/repositories"
	apperrors "github.com/zatekoja/preauthagent/pkg/errors"
)

// MemoryCaseAdapter is a process-local CaseRepository for development and
// tests. Callers always receive copies.
type MemoryCaseAdapter struct {
	mu    sync.RWMutex
	cases map[string]*entities.Case
	now   func() time.Time
}

// Ensure MemoryCaseAdapter implements CaseRepository
var _ repositories.CaseRepository = (*MemoryCaseAdapter)(nil)

// NewMemoryCaseAdapter creates an empty in-memory case store
func NewMemoryCaseAdapter() *MemoryCaseAdapter {
	return &MemoryCaseAdapter{
		cases: make(map[string]*entities.Case),
		now:   now,
	}
}

func caseNotFound(caseID string) error {
	return apperrors.NewNotFoundError(fmt.Sprintf("Case %s not found.", caseID))
}

// Create stores a new PENDING case
func (m *MemoryCaseAdapter) Create(_ context.Context, patientID, providerID, procedureCode string) (*entities.Case, error) {
	ts := m.now()
	c := &entities.Case{
		ID:            uuid.New().String(),
		PatientID:     patientID,
		ProviderID:    providerID,
		ProcedureCode: procedureCode,
		Status:        entities.CaseStatusPending,
		CreatedAt:     ts,
		LastUpdated:   ts,
	}

	m.mu.Lock()
	m.cases[c.ID] = c
	m.mu.Unlock()

	return c.Clone(), nil
}

// Update replaces the pipeline-owned fields of a case
func (m *MemoryCaseAdapter) Update(_ context.Context, caseID string, update repositories.CaseUpdate) (*entities.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[caseID]
	if !ok {
		return nil, caseNotFound(caseID)
	}

	policy, clinical := update.PolicyContext, update.ClinicalContext
	c.Status = update.Status
	c.Analysis = update.Analysis.Clone()
	c.PolicyContext = &policy
	c.ClinicalContext = &clinical
	c.LastUpdated = m.now()

	return c.Clone(), nil
}

// GetByID retrieves a case
func (m *MemoryCaseAdapter) GetByID(_ context.Context, caseID string) (*entities.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cases[caseID]
	if !ok {
		return nil, caseNotFound(caseID)
	}
	return c.Clone(), nil
}

// GetByIDs retrieves every existing case among caseIDs
func (m *MemoryCaseAdapter) GetByIDs(_ context.Context, caseIDs []string) ([]*entities.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*entities.Case, 0, len(caseIDs))
	for _, id := range caseIDs {
		if c, ok := m.cases[id]; ok {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

// ListByPatient returns a patient's cases, newest first
func (m *MemoryCaseAdapter) ListByPatient(_ context.Context, patientID string) ([]*entities.Case, error) {
	return m.list(func(c *entities.Case) bool { return c.PatientID == patientID }), nil
}

// ListByStatus returns cases in a status, newest first
func (m *MemoryCaseAdapter) ListByStatus(_ context.Context, status entities.CaseStatus) ([]*entities.Case, error) {
	return m.list(func(c *entities.Case) bool { return c.Status == status }), nil
}

// RecordDecision sets the final status and merges the decision notes into
// the analysis. Only a case whose analysis finished without a decision
// accepts one.
func (m *MemoryCaseAdapter) RecordDecision(_ context.Context, caseID string, status entities.CaseStatus, notes string) (*entities.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[caseID]
	if !ok {
		return nil, caseNotFound(caseID)
	}

	if !c.Status.IsDecidable() {
		return nil, apperrors.NewConflictError(entities.DecisionConflictMessage(caseID, c.Status))
	}

	ts := m.now()
	c.Status = status
	c.Analysis = c.Analysis.Merge(entities.DecisionPatch(notes, ts))
	c.LastUpdated = ts

	return c.Clone(), nil
}

func (m *MemoryCaseAdapter) list(match func(*entities.Case) bool) []*entities.Case {
	m.mu.RLock()
	out := []*entities.Case{}
	for _, c := range m.cases {
		if match(c) {
			out = append(out, c.Clone())
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
