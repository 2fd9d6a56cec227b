// Package analysis turns retrieved policy and clinical text into a structured
// criteria assessment using a language model.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/preauthagent/internal/domain/entities"
	"github.com/zatekoja/preauthagent/internal/domain/providers"
)

// InvalidOutputMessage is the error recorded when the model reply holds no
// parseable JSON object.
const InvalidOutputMessage = "Agent failed to produce valid JSON output."

var errNoJSONObject = errors.New("no valid JSON object found in agent output")

// Analyzer implements providers.CaseAnalyzer over a TextGenerator.
type Analyzer struct {
	generator providers.TextGenerator
}

// Ensure Analyzer implements CaseAnalyzer
var _ providers.CaseAnalyzer = (*Analyzer)(nil)

// NewAnalyzer creates a new analyzer
func NewAnalyzer(generator providers.TextGenerator) *Analyzer {
	return &Analyzer{generator: generator}
}

// Analyze asks the model to judge clinicalText against policyText. Every
// failure is folded into an AGENT_ERROR result.
func (a *Analyzer) Analyze(ctx context.Context, policyText, clinicalText, procedureCode string) entities.AnalysisResult {
	logger := log.With().Str("procedure_code", procedureCode).Logger()

	if a.generator == nil {
		return entities.NewAgentErrorResult("Error invoking agent model: no model configured")
	}

	output, err := a.generator.Generate(ctx, BuildSystemPrompt(procedureCode), BuildUserPrompt(policyText, clinicalText))
	if err != nil {
		logger.Error().Err(err).Msg("agent model invocation failed")
		return entities.NewAgentErrorResult(fmt.Sprintf("Error invoking agent model: %v", err))
	}
	logger.Debug().Str("raw_output", output).Msg("agent output received")

	result, err := ParseResult(output)
	if err != nil {
		logger.Error().Err(err).Str("raw_output", output).Msg("agent did not return valid JSON")
		return entities.NewAgentErrorResult(InvalidOutputMessage)
	}

	return result
}

// ExtractJSONObject returns the span from the first '{' to the last '}'.
func ExtractJSONObject(text string) (string, error) {
	first := strings.Index(text, "{")
	last := strings.LastIndex(text, "}")
	if first == -1 || last == -1 || last <= first {
		return "", errNoJSONObject
	}
	return text[first : last+1], nil
}

// ParseResult extracts and decodes the JSON object in a model reply.
func ParseResult(text string) (entities.AnalysisResult, error) {
	cleaned, err := ExtractJSONObject(text)
	if err != nil {
		return nil, err
	}

	var result entities.AnalysisResult
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return nil, fmt.Errorf("failed to parse agent output: %w", err)
	}
	if result == nil {
		return nil, errNoJSONObject
	}
	return result, nil
}
