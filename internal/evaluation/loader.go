package evaluation

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/zatekoja/preauthagent/internal/domain/entities"
)

// LoadGoldenCases reads and parses a golden case set from a JSON file.
func LoadGoldenCases(path string) ([]GoldenCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read golden cases file: %w", err)
	}

	var cases []GoldenCase
	if err := json.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("failed to parse golden cases: %w", err)
	}

	return cases, nil
}

// ValidateGoldenCases checks that every case is complete and expects an
// outcome the analysis step can actually produce.
func ValidateGoldenCases(cases []GoldenCase) error {
	seen := make(map[string]struct{}, len(cases))

	for i, c := range cases {
		if c.ID == "" {
			return fmt.Errorf("case at index %d: missing id", i)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("case at index %d: duplicate id %q", i, c.ID)
		}
		seen[c.ID] = struct{}{}

		if strings.TrimSpace(c.ProcedureCode) == "" {
			return fmt.Errorf("case %q: missing procedure_code", c.ID)
		}
		if strings.TrimSpace(c.PolicyText) == "" || strings.TrimSpace(c.ClinicalNotes) == "" {
			return fmt.Errorf("case %q: policy_text and clinical_notes are required", c.ID)
		}
		switch c.ExpectedStatus {
		case entities.CaseStatusApprovedReady, entities.CaseStatusReadyForSubmission, entities.CaseStatusMissingInformation:
		default:
			return fmt.Errorf("case %q: invalid expected_status %q", c.ID, c.ExpectedStatus)
		}
		if c.ExpectedUnmet < 0 {
			return fmt.Errorf("case %q: expected_unmet must not be negative", c.ID)
		}
	}

	return nil
}
