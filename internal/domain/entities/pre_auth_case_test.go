package entities

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalysisResult_StatusDefaults(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want CaseStatus
	}{
		{"ready", `{"status":"READY_FOR_SUBMISSION"}`, CaseStatusReadyForSubmission},
		{"missing info", `{"status":"MISSING_INFORMATION"}`, CaseStatusMissingInformation},
		{"absent", `{"analysis":{}}`, CaseStatusAgentError},
		{"not a string", `{"status":7}`, CaseStatusAgentError},
		{"unknown", `{"status":"MAYBE"}`, CaseStatusAgentError},
		{"decision is not a pipeline outcome", `{"status":"APPROVED"}`, CaseStatusAgentError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var result AnalysisResult
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &result))
			assert.Equal(t, tt.want, result.Status())
		})
	}
}

func TestAnalysisResult_Payload(t *testing.T) {
	var nested AnalysisResult
	require.NoError(t, json.Unmarshal([]byte(`{"status":"APPROVED_READY","analysis":{"1. x":{"met":true,"evidence":"e","policy_reference":"p"}}}`), &nested))

	payload := nested.Payload()
	require.Len(t, payload, 1)
	assert.JSONEq(t, `{"met":true,"evidence":"e","policy_reference":"p"}`, string(payload["1. x"]))

	var flat AnalysisResult
	require.NoError(t, json.Unmarshal([]byte(`{"status":"READY_FOR_SUBMISSION","knee pain":{"met":false}}`), &flat))
	assert.Len(t, flat.Payload(), 2, "without an analysis key the whole result is the payload")
}

func TestAnalysis_CriteriaAndError(t *testing.T) {
	var a Analysis
	require.NoError(t, json.Unmarshal([]byte(`{
		"Pain > 6 weeks": {"met": true, "evidence": "8 weeks of pain", "policy_reference": "Section 1"},
		"Imaging": {"met": false, "evidence": "No x-ray found"},
		"procedure_analyzed": "CPT 73721",
		"weird": {"evidence": "no met flag"}
	}`), &a))

	criteria := a.Criteria()
	assert.Len(t, criteria, 2)
	assert.True(t, criteria["Pain > 6 weeks"].Met)
	assert.Equal(t, "No x-ray found", criteria["Imaging"].Evidence)
	assert.Empty(t, a.ErrorMessage())

	assert.Equal(t, "model unavailable", NewErrorAnalysis("model unavailable").ErrorMessage())
}

func TestAnalysis_NumbersRoundTripExactly(t *testing.T) {
	raw := `{"score":{"met":true,"evidence":"BMI 31.123456789012345678","confidence":0.1000000000000000055511151231257827,"count":12345678901234567890}}`

	var a Analysis
	require.NoError(t, json.Unmarshal([]byte(raw), &a))

	c := &Case{ID: "c1", Analysis: a}
	encoded, err := json.Marshal(c)
	require.NoError(t, err)

	var back Case
	require.NoError(t, json.Unmarshal(encoded, &back))
	assert.Contains(t, string(back.Analysis["score"]), `0.1000000000000000055511151231257827`)
	assert.Contains(t, string(back.Analysis["score"]), `12345678901234567890`)
}

func TestAnalysis_MergeKeepsExistingKeys(t *testing.T) {
	original := Analysis{"Pain": json.RawMessage(`{"met":true}`)}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	merged := original.Merge(DecisionPatch("insufficient evidence", at))

	assert.Len(t, original, 1, "merge does not mutate the receiver")
	assert.JSONEq(t, `{"met":true}`, string(merged["Pain"]))
	assert.JSONEq(t, `"insufficient evidence"`, string(merged[AnalysisKeyDecisionNotes]))
	assert.JSONEq(t, `"2026-01-02T03:04:05Z"`, string(merged[AnalysisKeyDecisionAt]))

	var nilAnalysis Analysis
	assert.Len(t, nilAnalysis.Merge(DecisionPatch("n", at)), 2)
}

func TestCase_JSONKeepsNullFields(t *testing.T) {
	c := &Case{ID: "c1", Status: CaseStatusPending}
	encoded, err := json.Marshal(c)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(encoded, &fields))
	assert.Equal(t, "null", string(fields["analysis"]))
	assert.Equal(t, "null", string(fields["policy_context"]))
	assert.Equal(t, "null", string(fields["clinical_context"]))
}

func TestCase_CloneIsDeep(t *testing.T) {
	ctx := "policy"
	c := &Case{ID: "c1", PolicyContext: &ctx, Analysis: Analysis{"a": json.RawMessage(`1`)}}

	clone := c.Clone()
	*clone.PolicyContext = "changed"
	clone.Analysis["a"][0] = '2'

	assert.Equal(t, "policy", *c.PolicyContext)
	assert.Equal(t, "1", string(c.Analysis["a"]))
}

func TestProviderChannel(t *testing.T) {
	assert.Equal(t, "provider-dr-smith", ProviderChannel("dr-smith"))
}
