package evaluation

import "github.com/zatekoja/preauthagent/internal/domain/entities"

// Ratio returns part/total, or 0 when total is zero.
func Ratio(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total)
}

// CountUnmet returns how many criterion records an analysis holds and how
// many of them are not met.
func CountUnmet(analysis entities.Analysis) (criteria, unmet int) {
	for _, c := range analysis.Criteria() {
		criteria++
		if !c.Met {
			unmet++
		}
	}
	return criteria, unmet
}

// ScoreStatuses fills precision and recall for every status seen in results.
func ScoreStatuses(results []EvalResult) map[entities.CaseStatus]*StatusSummary {
	out := make(map[entities.CaseStatus]*StatusSummary)
	get := func(s entities.CaseStatus) *StatusSummary {
		if _, ok := out[s]; !ok {
			out[s] = &StatusSummary{}
		}
		return out[s]
	}

	for _, r := range results {
		get(r.Expected).Expected++
		get(r.Actual).Predicted++
		if r.Correct {
			get(r.Expected).Correct++
		}
	}

	for _, s := range out {
		s.Precision = Ratio(s.Correct, s.Predicted)
		s.Recall = Ratio(s.Correct, s.Expected)
	}
	return out
}
