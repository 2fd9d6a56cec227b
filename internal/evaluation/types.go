package evaluation

import (
	"time"

	"github.com/zatekoja/preauthagent/internal/domain/entities"
)

// GoldenCase is a labeled policy/clinical pair with the outcome a reviewer
// expects the analysis step to reach.
type GoldenCase struct {
	ID             string              `json:"id"`
	ProcedureCode  string              `json:"procedure_code"`
	PolicyText     string              `json:"policy_text"`
	ClinicalNotes  string              `json:"clinical_notes"`
	ExpectedStatus entities.CaseStatus `json:"expected_status"`
	// ExpectedUnmet counts the criteria a reviewer marked unmet. Zero means
	// every criterion should be met.
	ExpectedUnmet int `json:"expected_unmet"`
}

// EvalResult holds the outcome for a single golden case.
type EvalResult struct {
	CaseID     string
	Expected   entities.CaseStatus
	Actual     entities.CaseStatus
	Correct    bool
	Criteria   int
	Unmet      int
	UnmetMatch bool
	Latency    time.Duration
}

// EvalSummary holds aggregate metrics across all golden cases.
type EvalSummary struct {
	TotalCases     int
	Accuracy       float64
	UnmetAgreement float64
	AgentErrors    int
	AvgLatency     time.Duration
	ByStatus       map[entities.CaseStatus]*StatusSummary
	Results        []EvalResult
}

// StatusSummary holds per-status precision and recall.
type StatusSummary struct {
	Expected  int
	Predicted int
	Correct   int
	Precision float64
	Recall    float64
}
