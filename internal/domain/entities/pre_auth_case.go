package entities

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// CaseStatus is the lifecycle state of a pre-authorization case.
type CaseStatus string

const (
	CaseStatusPending            CaseStatus = "PENDING"
	CaseStatusReadyForSubmission CaseStatus = "READY_FOR_SUBMISSION"
	CaseStatusApprovedReady      CaseStatus = "APPROVED_READY"
	CaseStatusMissingInformation CaseStatus = "MISSING_INFORMATION"
	CaseStatusAgentError         CaseStatus = "AGENT_ERROR"
	CaseStatusSystemError        CaseStatus = "SYSTEM_ERROR"
	CaseStatusApproved           CaseStatus = "APPROVED"
	CaseStatusDenied             CaseStatus = "DENIED"
)

var allStatuses = map[CaseStatus]bool{
	CaseStatusPending:            true,
	CaseStatusReadyForSubmission: true,
	CaseStatusApprovedReady:      true,
	CaseStatusMissingInformation: true,
	CaseStatusAgentError:         true,
	CaseStatusSystemError:        true,
	CaseStatusApproved:           true,
	CaseStatusDenied:             true,
}

// IsValid reports whether s is a known status.
func (s CaseStatus) IsValid() bool {
	return allStatuses[s]
}

// IsPipelineOutcome reports whether the automated pipeline may assign s.
// PENDING is the starting point and APPROVED/DENIED belong to the insurer.
func (s CaseStatus) IsPipelineOutcome() bool {
	switch s {
	case CaseStatusReadyForSubmission, CaseStatusApprovedReady, CaseStatusMissingInformation,
		CaseStatusAgentError, CaseStatusSystemError:
		return true
	}
	return false
}

// IsDecidable reports whether an insurer decision may be recorded on a case
// in status s: analysis has finished and no decision exists yet.
func (s CaseStatus) IsDecidable() bool {
	return s.IsPipelineOutcome()
}

// DecidableStatuses lists every status IsDecidable accepts.
func DecidableStatuses() []CaseStatus {
	return []CaseStatus{
		CaseStatusReadyForSubmission, CaseStatusApprovedReady, CaseStatusMissingInformation,
		CaseStatusAgentError, CaseStatusSystemError,
	}
}

// DecisionConflictMessage explains why a case in status s cannot take a
// decision.
func DecisionConflictMessage(caseID string, s CaseStatus) string {
	if s.IsDecision() {
		return fmt.Sprintf("Case %s already has a final decision (%s).", caseID, s)
	}
	return fmt.Sprintf("Case %s is %s and cannot take a decision until analysis completes.", caseID, s)
}

// IsDecision reports whether s is a terminal insurer decision.
func (s CaseStatus) IsDecision() bool {
	return s == CaseStatusApproved || s == CaseStatusDenied
}

// Keys written into Analysis by an insurer decision.
const (
	AnalysisKeyError         = "error"
	AnalysisKeyDecisionNotes = "insurer_decision_notes"
	AnalysisKeyDecisionAt    = "insurer_decision_at"
)

// Case is one pre-authorization request and its accumulated analysis and
// decision state. It is also the JSON document pushed to subscribers.
type Case struct {
	ID              string     `json:"case_id" db:"case_id"`
	PatientID       string     `json:"patient_id" db:"patient_id"`
	ProviderID      string     `json:"provider_id" db:"provider_id"`
	ProcedureCode   string     `json:"procedure_code" db:"procedure_code"`
	Status          CaseStatus `json:"status" db:"status"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	LastUpdated     time.Time  `json:"last_updated" db:"last_updated"`
	Analysis        Analysis   `json:"analysis" db:"analysis"`
	PolicyContext   *string    `json:"policy_context" db:"policy_context"`
	ClinicalContext *string    `json:"clinical_context" db:"clinical_context"`
}

// Clone returns a deep copy of c.
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	out := *c
	out.Analysis = c.Analysis.Clone()
	if c.PolicyContext != nil {
		v := *c.PolicyContext
		out.PolicyContext = &v
	}
	if c.ClinicalContext != nil {
		v := *c.ClinicalContext
		out.ClinicalContext = &v
	}
	return &out
}

// Criterion is one named rule judged by the analysis step.
type Criterion struct {
	Met             bool   `json:"met"`
	Evidence        string `json:"evidence"`
	PolicyReference string `json:"policy_reference"`
}

// Analysis maps criterion names to criterion records. The shape is decided by
// the model, so values are kept as raw JSON; an error payload is the single
// key "error", and insurer decisions add their own keys alongside.
type Analysis map[string]json.RawMessage

// NewErrorAnalysis returns an error-shaped analysis payload.
func NewErrorAnalysis(message string) Analysis {
	raw, _ := json.Marshal(message)
	return Analysis{AnalysisKeyError: raw}
}

// Clone returns a deep copy of a. A nil analysis stays nil.
func (a Analysis) Clone() Analysis {
	if a == nil {
		return nil
	}
	out := make(Analysis, len(a))
	for k, v := range a {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Merge returns a copy of a with every key of patch written over it.
func (a Analysis) Merge(patch Analysis) Analysis {
	out := a.Clone()
	if out == nil {
		out = make(Analysis, len(patch))
	}
	for k, v := range patch {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// ErrorMessage returns the "error" entry, if the payload carries one.
func (a Analysis) ErrorMessage() string {
	raw, ok := a[AnalysisKeyError]
	if !ok {
		return ""
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err != nil {
		return string(raw)
	}
	return msg
}

// Criteria returns the entries that are structurally criterion records,
// i.e. objects with a boolean "met".
func (a Analysis) Criteria() map[string]Criterion {
	out := make(map[string]Criterion)
	for name, raw := range a {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '{' {
			continue
		}
		var probe struct {
			Met             *bool  `json:"met"`
			Evidence        string `json:"evidence"`
			PolicyReference string `json:"policy_reference"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil || probe.Met == nil {
			continue
		}
		out[name] = Criterion{
			Met:             *probe.Met,
			Evidence:        probe.Evidence,
			PolicyReference: probe.PolicyReference,
		}
	}
	return out
}

// DecisionPatch builds the analysis keys recorded with an insurer decision.
func DecisionPatch(notes string, at time.Time) Analysis {
	notesRaw, _ := json.Marshal(notes)
	atRaw, _ := json.Marshal(at.UTC().Format(time.RFC3339Nano))
	return Analysis{
		AnalysisKeyDecisionNotes: notesRaw,
		AnalysisKeyDecisionAt:    atRaw,
	}
}

// AnalysisResult is the object parsed out of the model's output.
type AnalysisResult map[string]json.RawMessage

// NewAgentErrorResult is the result reported when the model could not be
// used or its output could not be parsed.
func NewAgentErrorResult(message string) AnalysisResult {
	status, _ := json.Marshal(CaseStatusAgentError)
	inner, _ := json.Marshal(NewErrorAnalysis(message))
	return AnalysisResult{
		"status":   status,
		"analysis": inner,
	}
}

// Status returns the status the model chose. Anything missing, unknown, or
// outside what the pipeline may assign becomes AGENT_ERROR.
func (r AnalysisResult) Status() CaseStatus {
	raw, ok := r["status"]
	if !ok {
		return CaseStatusAgentError
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return CaseStatusAgentError
	}
	status := CaseStatus(s)
	if !status.IsPipelineOutcome() {
		return CaseStatusAgentError
	}
	return status
}

// Payload returns the "analysis" object, or the whole result when there is
// no object under that key.
func (r AnalysisResult) Payload() Analysis {
	if raw, ok := r["analysis"]; ok {
		var inner Analysis
		if err := json.Unmarshal(raw, &inner); err == nil && inner != nil {
			return inner
		}
	}
	out := make(Analysis, len(r))
	for k, v := range r {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
