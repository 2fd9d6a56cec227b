package providers

import (
	"context"
	"errors"

	"github.com/zatekoja/preauthagent/internal/domain/entities"
)

// ErrTextGeneratorUnauthorized is returned when the model provider rejects
// the configured credentials.
var ErrTextGeneratorUnauthorized = errors.New("text generator unauthorized")

// TextGenerator is a language model invocation.
type TextGenerator interface {
	Generate(ctx context.Context, systemPrompt, userContent string) (string, error)
}

// CaseAnalyzer judges clinical text against policy text for a procedure.
// It never returns an error: failures are reported as an AGENT_ERROR result.
type CaseAnalyzer interface {
	Analyze(ctx context.Context, policyText, clinicalText, procedureCode string) entities.AnalysisResult
}
