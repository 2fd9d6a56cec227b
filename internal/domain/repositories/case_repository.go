package repositories

import (
	"context"

	"github.com/zatekoja/preauthagent/internal/domain/entities"
)

// CaseUpdate is the full replacement of a case's pipeline-owned fields.
type CaseUpdate struct {
	Status          entities.CaseStatus
	Analysis        entities.Analysis
	PolicyContext   string
	ClinicalContext string
}

// CaseRepository defines the durable store of pre-authorization cases.
// Every method that addresses a single case returns a NOT_FOUND AppError
// when the id is absent.
type CaseRepository interface {
	// Create stores a new PENDING case
	Create(ctx context.Context, patientID, providerID, procedureCode string) (*entities.Case, error)

	// Update replaces status, analysis and both contexts, refreshing last_updated
	Update(ctx context.Context, caseID string, update CaseUpdate) (*entities.Case, error)

	// GetByID retrieves a case
	GetByID(ctx context.Context, caseID string) (*entities.Case, error)

	// GetByIDs retrieves the cases that exist among ids, in any order
	GetByIDs(ctx context.Context, caseIDs []string) ([]*entities.Case, error)

	// ListByPatient returns a patient's cases, newest first
	ListByPatient(ctx context.Context, patientID string) ([]*entities.Case, error)

	// ListByStatus returns cases in a status, newest first
	ListByStatus(ctx context.Context, status entities.CaseStatus) ([]*entities.Case, error)

	// RecordDecision sets a final status and adds decision notes and time to
	// the analysis without dropping existing keys
	RecordDecision(ctx context.Context, caseID string, status entities.CaseStatus, notes string) (*entities.Case, error)
}
