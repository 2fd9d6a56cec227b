package evaluation

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/preauthagent/internal/domain/entities"
	"github.com/zatekoja/preauthagent/internal/domain/providers"
)

// Runner replays golden cases through a CaseAnalyzer.
type Runner struct {
	analyzer providers.CaseAnalyzer
	timeout  time.Duration
}

// NewRunner creates a runner. A zero timeout leaves each call unbounded.
func NewRunner(analyzer providers.CaseAnalyzer, timeout time.Duration) *Runner {
	return &Runner{analyzer: analyzer, timeout: timeout}
}

// Run analyzes every case in order. It stops early only when ctx ends.
func (r *Runner) Run(ctx context.Context, cases []GoldenCase) (*EvalSummary, error) {
	summary := &EvalSummary{
		TotalCases: len(cases),
		Results:    make([]EvalResult, 0, len(cases)),
	}

	for _, gc := range cases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result := r.evaluate(ctx, gc)
		log.Debug().
			Str("golden_case", gc.ID).
			Str("expected", string(result.Expected)).
			Str("actual", string(result.Actual)).
			Dur("latency", result.Latency).
			Msg("golden case evaluated")

		summary.Results = append(summary.Results, result)
	}

	finalize(summary)
	return summary, nil
}

func (r *Runner) evaluate(ctx context.Context, gc GoldenCase) EvalResult {
	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	out := r.analyzer.Analyze(callCtx, gc.PolicyText, gc.ClinicalNotes, gc.ProcedureCode)
	latency := time.Since(start)

	status := out.Status()
	criteria, unmet := CountUnmet(out.Payload())
	return EvalResult{
		CaseID:     gc.ID,
		Expected:   gc.ExpectedStatus,
		Actual:     status,
		Correct:    status == gc.ExpectedStatus,
		Criteria:   criteria,
		Unmet:      unmet,
		UnmetMatch: status != entities.CaseStatusAgentError && unmet == gc.ExpectedUnmet,
		Latency:    latency,
	}
}

func finalize(s *EvalSummary) {
	var correct, unmetMatches int
	var total time.Duration
	for _, res := range s.Results {
		if res.Correct {
			correct++
		}
		if res.UnmetMatch {
			unmetMatches++
		}
		if res.Actual == entities.CaseStatusAgentError {
			s.AgentErrors++
		}
		total += res.Latency
	}

	s.Accuracy = Ratio(correct, len(s.Results))
	s.UnmetAgreement = Ratio(unmetMatches, len(s.Results))
	if len(s.Results) > 0 {
		s.AvgLatency = total / time.Duration(len(s.Results))
	}
	s.ByStatus = ScoreStatuses(s.Results)
}
