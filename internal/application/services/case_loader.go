package services

import (
	"context"
	"fmt"
	"time"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/zatekoja/preauthagent/internal/domain/entities"
	"github.com/zatekoja/preauthagent/internal/domain/repositories"
	apperrors "github.com/zatekoja/preauthagent/pkg/errors"
)

// CaseLoader coalesces concurrent point reads into one GetByIDs call. It
// keeps no cache between batches, so every load sees the stored state.
type CaseLoader struct {
	loader *dataloader.Loader[string, *entities.Case]
}

// NewCaseLoader creates a loader over repo
func NewCaseLoader(repo repositories.CaseRepository) *CaseLoader {
	batch := func(ctx context.Context, keys []string) []*dataloader.Result[*entities.Case] {
		results := make([]*dataloader.Result[*entities.Case], len(keys))
		cases, err := repo.GetByIDs(ctx, keys)

		caseMap := make(map[string]*entities.Case, len(cases))
		if err == nil {
			for _, c := range cases {
				caseMap[c.ID] = c
			}
		}

		for i, key := range keys {
			if err != nil {
				results[i] = &dataloader.Result[*entities.Case]{Error: err}
			} else if c, ok := caseMap[key]; ok {
				results[i] = &dataloader.Result[*entities.Case]{Data: c}
			} else {
				results[i] = &dataloader.Result[*entities.Case]{Error: apperrors.NewNotFoundError(fmt.Sprintf("Case %s not found.", key))}
			}
		}
		return results
	}

	return &CaseLoader{
		loader: dataloader.NewBatchedLoader(batch,
			dataloader.WithCache[string, *entities.Case](&dataloader.NoCache[string, *entities.Case]{}),
			dataloader.WithWait[string, *entities.Case](2*time.Millisecond),
			dataloader.WithBatchCapacity[string, *entities.Case](100),
		),
	}
}

// Load returns the case with caseID. Callers must not mutate the result;
// it may be shared with other callers in the same batch.
func (l *CaseLoader) Load(ctx context.Context, caseID string) (*entities.Case, error) {
	return l.loader.Load(ctx, caseID)()
}
