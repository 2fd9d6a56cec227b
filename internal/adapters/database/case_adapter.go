package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/zatekoja/preauthagent/internal/domain/entities"
	"github.com/zatekoja/preauthagent/internal/domain/repositories"
	"github.com/zatekoja/preauthagent/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/preauthagent/pkg/errors"
)

const casesTable = "pre_auth_cases"

var caseColumns = []interface{}{
	"case_id", "patient_id", "provider_id", "procedure_code", "status",
	"created_at", "last_updated", "analysis", "policy_context", "clinical_context",
}

const caseSchema = `
CREATE TABLE IF NOT EXISTS pre_auth_cases (
	case_id          TEXT PRIMARY KEY,
	patient_id       TEXT NOT NULL,
	provider_id      TEXT NOT NULL,
	procedure_code   TEXT NOT NULL,
	status           TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	last_updated     TIMESTAMPTZ NOT NULL,
	analysis         JSONB,
	policy_context   TEXT,
	clinical_context TEXT
);
CREATE INDEX IF NOT EXISTS idx_pre_auth_cases_patient_id ON pre_auth_cases (patient_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_pre_auth_cases_status ON pre_auth_cases (status, created_at DESC);
`

// CaseAdapter implements the CaseRepository interface on PostgreSQL
type CaseAdapter struct {
	client *postgres.Client
	db     *goqu.Database
	now    func() time.Time
}

// Ensure CaseAdapter implements CaseRepository
var _ repositories.CaseRepository = (*CaseAdapter)(nil)

// NewCaseAdapter creates a new case adapter
func NewCaseAdapter(client *postgres.Client) *CaseAdapter {
	return &CaseAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
		now:    now,
	}
}

// now returns the current UTC time at the precision Postgres stores.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// EnsureSchema creates the cases table and its indexes if missing.
func (a *CaseAdapter) EnsureSchema(ctx context.Context) error {
	if _, err := a.client.DB().ExecContext(ctx, caseSchema); err != nil {
		return apperrors.NewInternalError("failed to ensure case schema", err)
	}
	return nil
}

// Create stores a new PENDING case
func (a *CaseAdapter) Create(ctx context.Context, patientID, providerID, procedureCode string) (*entities.Case, error) {
	ts := a.now()
	c := &entities.Case{
		ID:            uuid.New().String(),
		PatientID:     patientID,
		ProviderID:    providerID,
		ProcedureCode: procedureCode,
		Status:        entities.CaseStatusPending,
		CreatedAt:     ts,
		LastUpdated:   ts,
	}

	record := goqu.Record{
		"case_id":        c.ID,
		"patient_id":     c.PatientID,
		"provider_id":    c.ProviderID,
		"procedure_code": c.ProcedureCode,
		"status":         string(c.Status),
		"created_at":     c.CreatedAt,
		"last_updated":   c.LastUpdated,
	}

	query, args, err := a.db.Insert(casesTable).Rows(record).ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build insert query", err)
	}

	if _, err := a.client.DB().ExecContext(ctx, query, args...); err != nil {
		return nil, apperrors.NewInternalError("failed to create case", err)
	}

	return c, nil
}

// Update replaces the pipeline-owned fields of a case
func (a *CaseAdapter) Update(ctx context.Context, caseID string, update repositories.CaseUpdate) (*entities.Case, error) {
	analysis, err := json.Marshal(update.Analysis)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode analysis", err)
	}

	record := goqu.Record{
		"status":           string(update.Status),
		"analysis":         goqu.L("?::jsonb", string(analysis)),
		"policy_context":   update.PolicyContext,
		"clinical_context": update.ClinicalContext,
		"last_updated":     a.now(),
	}

	query, args, err := a.db.Update(casesTable).
		Set(record).
		Where(goqu.Ex{"case_id": caseID}).
		Returning(caseColumns...).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build update query", err)
	}

	return a.queryOne(ctx, caseID, "failed to update case", query, args...)
}

// GetByID retrieves a case
func (a *CaseAdapter) GetByID(ctx context.Context, caseID string) (*entities.Case, error) {
	query, args, err := a.db.Select(caseColumns...).
		From(casesTable).
		Where(goqu.Ex{"case_id": caseID}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	return a.queryOne(ctx, caseID, "failed to get case", query, args...)
}

// GetByIDs retrieves every existing case among caseIDs
func (a *CaseAdapter) GetByIDs(ctx context.Context, caseIDs []string) ([]*entities.Case, error) {
	if len(caseIDs) == 0 {
		return []*entities.Case{}, nil
	}

	query, args, err := a.db.Select(caseColumns...).
		From(casesTable).
		Where(goqu.Ex{"case_id": caseIDs}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	return a.queryMany(ctx, "failed to get cases", query, args...)
}

// ListByPatient returns a patient's cases, newest first
func (a *CaseAdapter) ListByPatient(ctx context.Context, patientID string) ([]*entities.Case, error) {
	query, args, err := a.db.Select(caseColumns...).
		From(casesTable).
		Where(goqu.Ex{"patient_id": patientID}).
		Order(goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	return a.queryMany(ctx, "failed to list patient cases", query, args...)
}

// ListByStatus returns cases in a status, newest first
func (a *CaseAdapter) ListByStatus(ctx context.Context, status entities.CaseStatus) ([]*entities.Case, error) {
	query, args, err := a.db.Select(caseColumns...).
		From(casesTable).
		Where(goqu.Ex{"status": string(status)}).
		Order(goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	return a.queryMany(ctx, "failed to list cases by status", query, args...)
}

// RecordDecision sets the final status and merges the decision notes into
// the stored analysis in a single statement. The status guard sits in the
// WHERE clause, so two racing decisions cannot both land.
func (a *CaseAdapter) RecordDecision(ctx context.Context, caseID string, status entities.CaseStatus, notes string) (*entities.Case, error) {
	ts := a.now()
	patch, err := json.Marshal(entities.DecisionPatch(notes, ts))
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode decision", err)
	}

	record := goqu.Record{
		"status":       string(status),
		"analysis":     goqu.L("COALESCE(analysis, '{}'::jsonb) || ?::jsonb", string(patch)),
		"last_updated": ts,
	}

	decidable := make([]string, 0, 5)
	for _, s := range entities.DecidableStatuses() {
		decidable = append(decidable, string(s))
	}

	query, args, err := a.db.Update(casesTable).
		Set(record).
		Where(goqu.Ex{"case_id": caseID, "status": decidable}).
		Returning(caseColumns...).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build decision query", err)
	}

	c, err := a.queryOne(ctx, caseID, "failed to record decision", query, args...)
	if !apperrors.IsNotFound(err) {
		return c, err
	}

	// No row matched: either the case is missing or its status refused the
	// decision.
	current, getErr := a.GetByID(ctx, caseID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, apperrors.NewConflictError(entities.DecisionConflictMessage(caseID, current.Status))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCase(row rowScanner) (*entities.Case, error) {
	c := &entities.Case{}
	var status string
	var analysis []byte
	var policyContext, clinicalContext sql.NullString

	if err := row.Scan(
		&c.ID,
		&c.PatientID,
		&c.ProviderID,
		&c.ProcedureCode,
		&status,
		&c.CreatedAt,
		&c.LastUpdated,
		&analysis,
		&policyContext,
		&clinicalContext,
	); err != nil {
		return nil, err
	}

	c.Status = entities.CaseStatus(status)
	c.CreatedAt = c.CreatedAt.UTC()
	c.LastUpdated = c.LastUpdated.UTC()
	if len(analysis) > 0 && string(analysis) != "null" {
		if err := json.Unmarshal(analysis, &c.Analysis); err != nil {
			return nil, fmt.Errorf("failed to decode analysis: %w", err)
		}
	}
	if policyContext.Valid {
		c.PolicyContext = &policyContext.String
	}
	if clinicalContext.Valid {
		c.ClinicalContext = &clinicalContext.String
	}

	return c, nil
}

func (a *CaseAdapter) queryOne(ctx context.Context, caseID, failure, query string, args ...interface{}) (*entities.Case, error) {
	c, err := scanCase(a.client.DB().QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("Case %s not found.", caseID))
	}
	if err != nil {
		return nil, apperrors.NewInternalError(failure, err)
	}
	return c, nil
}

func (a *CaseAdapter) queryMany(ctx context.Context, failure, query string, args ...interface{}) ([]*entities.Case, error) {
	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError(failure, err)
	}
	defer rows.Close()

	cases := []*entities.Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to scan case", err)
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError(failure, err)
	}

	return cases, nil
}
