package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/preauthagent/internal/domain/entities"
	"github.com/zatekoja/preauthagent/internal/domain/repositories"
	"github.com/zatekoja/preauthagent/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/preauthagent/pkg/errors"
)

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 123456000, time.UTC)

func setupCaseAdapter(t *testing.T) (*CaseAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	adapter := NewCaseAdapter(postgres.NewClientFromDB(db))
	adapter.now = func() time.Time { return fixedNow }
	return adapter, mock
}

func caseRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"case_id", "patient_id", "provider_id", "procedure_code", "status",
		"created_at", "last_updated", "analysis", "policy_context", "clinical_context",
	})
}

func TestCaseAdapter_Create(t *testing.T) {
	adapter, mock := setupCaseAdapter(t)

	mock.ExpectExec(`INSERT INTO "pre_auth_cases"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	c, err := adapter.Create(context.Background(), "p-1", "dr-smith", "73721")
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, entities.CaseStatusPending, c.Status)
	assert.Equal(t, fixedNow, c.CreatedAt)
	assert.Equal(t, c.CreatedAt, c.LastUpdated)
	assert.Nil(t, c.Analysis)
	assert.Nil(t, c.PolicyContext)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCaseAdapter_CreateFailure(t *testing.T) {
	adapter, mock := setupCaseAdapter(t)

	mock.ExpectExec(`INSERT INTO "pre_auth_cases"`).WillReturnError(errors.New("connection reset"))

	_, err := adapter.Create(context.Background(), "p-1", "dr-smith", "73721")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeInternal, apperrors.TypeOf(err))
}

func TestCaseAdapter_GetByID(t *testing.T) {
	adapter, mock := setupCaseAdapter(t)

	mock.ExpectQuery(`SELECT .* FROM "pre_auth_cases" WHERE \("case_id" = 'case-1'\)`).
		WillReturnRows(caseRows().AddRow(
			"case-1", "p-1", "dr-smith", "73721", "READY_FOR_SUBMISSION",
			fixedNow, fixedNow, []byte(`{"Pain":{"met":true,"evidence":"8 weeks"}}`), "policy", nil,
		))

	c, err := adapter.GetByID(context.Background(), "case-1")
	require.NoError(t, err)

	assert.Equal(t, entities.CaseStatusReadyForSubmission, c.Status)
	assert.True(t, c.Analysis.Criteria()["Pain"].Met)
	require.NotNil(t, c.PolicyContext)
	assert.Equal(t, "policy", *c.PolicyContext)
	assert.Nil(t, c.ClinicalContext)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCaseAdapter_GetByIDNotFound(t *testing.T) {
	adapter, mock := setupCaseAdapter(t)

	mock.ExpectQuery(`SELECT .* FROM "pre_auth_cases"`).WillReturnRows(caseRows())

	_, err := adapter.GetByID(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Contains(t, err.Error(), "Case missing not found.")
}

func TestCaseAdapter_GetByIDs(t *testing.T) {
	adapter, mock := setupCaseAdapter(t)

	mock.ExpectQuery(`WHERE \("case_id" IN \('a', 'b'\)\)`).
		WillReturnRows(caseRows().
			AddRow("a", "p", "d", "1", "PENDING", fixedNow, fixedNow, nil, nil, nil))

	cases, err := adapter.GetByIDs(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Nil(t, cases[0].Analysis)

	empty, err := adapter.GetByIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCaseAdapter_Update(t *testing.T) {
	adapter, mock := setupCaseAdapter(t)

	mock.ExpectQuery(`UPDATE "pre_auth_cases" SET .*::jsonb.* WHERE \("case_id" = 'case-1'\) RETURNING`).
		WillReturnRows(caseRows().AddRow(
			"case-1", "p-1", "dr-smith", "73721", "MISSING_INFORMATION",
			fixedNow, fixedNow, []byte(`{"Imaging":{"met":false}}`), "policy", "clinical",
		))

	c, err := adapter.Update(context.Background(), "case-1", repositories.CaseUpdate{
		Status:          entities.CaseStatusMissingInformation,
		Analysis:        entities.Analysis{"Imaging": json.RawMessage(`{"met":false}`)},
		PolicyContext:   "policy",
		ClinicalContext: "clinical",
	})
	require.NoError(t, err)

	assert.Equal(t, entities.CaseStatusMissingInformation, c.Status)
	assert.Equal(t, "clinical", *c.ClinicalContext)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCaseAdapter_UpdateNotFound(t *testing.T) {
	adapter, mock := setupCaseAdapter(t)

	mock.ExpectQuery(`UPDATE "pre_auth_cases"`).WillReturnError(sql.ErrNoRows)

	_, err := adapter.Update(context.Background(), "nope", repositories.CaseUpdate{Status: entities.CaseStatusSystemError})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCaseAdapter_RecordDecisionMergesInPlace(t *testing.T) {
	adapter, mock := setupCaseAdapter(t)

	mock.ExpectQuery(`UPDATE "pre_auth_cases" SET .*COALESCE\(analysis, '\{\}'::jsonb\) \|\| '\{.*insurer_decision_notes.*\}'::jsonb`).
		WillReturnRows(caseRows().AddRow(
			"case-1", "p-1", "dr-smith", "73721", "DENIED", fixedNow, fixedNow,
			[]byte(`{"Pain":{"met":true},"insurer_decision_notes":"insufficient","insurer_decision_at":"2026-03-04T05:06:07.123456Z"}`),
			"policy", "clinical",
		))

	c, err := adapter.RecordDecision(context.Background(), "case-1", entities.CaseStatusDenied, "insufficient")
	require.NoError(t, err)

	assert.Equal(t, entities.CaseStatusDenied, c.Status)
	assert.Contains(t, c.Analysis, "Pain")
	assert.JSONEq(t, `"insufficient"`, string(c.Analysis[entities.AnalysisKeyDecisionNotes]))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCaseAdapter_RecordDecisionGuardsStatus(t *testing.T) {
	adapter, mock := setupCaseAdapter(t)

	mock.ExpectQuery(`UPDATE "pre_auth_cases" SET .* WHERE \(\("case_id" = 'case-1'\) AND \("status" IN \('READY_FOR_SUBMISSION', 'APPROVED_READY', 'MISSING_INFORMATION', 'AGENT_ERROR', 'SYSTEM_ERROR'\)\)\) RETURNING`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT .* FROM "pre_auth_cases" WHERE \("case_id" = 'case-1'\)`).
		WillReturnRows(caseRows().AddRow(
			"case-1", "p-1", "dr-smith", "73721", "APPROVED", fixedNow, fixedNow,
			[]byte(`{"insurer_decision_notes":"ok"}`), "policy", "clinical",
		))

	_, err := adapter.RecordDecision(context.Background(), "case-1", entities.CaseStatusDenied, "again")
	assert.Equal(t, apperrors.ErrorTypeConflict, apperrors.TypeOf(err))
	assert.ErrorContains(t, err, "already has a final decision")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCaseAdapter_RecordDecisionMissingCase(t *testing.T) {
	adapter, mock := setupCaseAdapter(t)

	mock.ExpectQuery(`UPDATE "pre_auth_cases"`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT .* FROM "pre_auth_cases"`).WillReturnError(sql.ErrNoRows)

	_, err := adapter.RecordDecision(context.Background(), "nope", entities.CaseStatusApproved, "")
	assert.True(t, apperrors.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCaseAdapter_ListByPatientNewestFirst(t *testing.T) {
	adapter, mock := setupCaseAdapter(t)

	mock.ExpectQuery(`WHERE \("patient_id" = 'p-1'\) ORDER BY "created_at" DESC`).
		WillReturnRows(caseRows().
			AddRow("new", "p-1", "d", "1", "PENDING", fixedNow, fixedNow, nil, nil, nil).
			AddRow("old", "p-1", "d", "1", "PENDING", fixedNow.Add(-time.Hour), fixedNow, nil, nil, nil))

	cases, err := adapter.ListByPatient(context.Background(), "p-1")
	require.NoError(t, err)
	require.Len(t, cases, 2)
	assert.Equal(t, "new", cases[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCaseAdapter_ListByStatusEmpty(t *testing.T) {
	adapter, mock := setupCaseAdapter(t)

	mock.ExpectQuery(`WHERE \("status" = 'APPROVED_READY'\)`).WillReturnRows(caseRows())

	cases, err := adapter.ListByStatus(context.Background(), entities.CaseStatusApprovedReady)
	require.NoError(t, err)
	assert.NotNil(t, cases)
	assert.Empty(t, cases)
}

func TestCaseAdapter_EnsureSchema(t *testing.T) {
	adapter, mock := setupCaseAdapter(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS pre_auth_cases`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, adapter.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
