package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/preauthagent/internal/domain/entities"
	"github.com/zatekoja/preauthagent/internal/domain/providers"
	"github.com/zatekoja/preauthagent/internal/domain/repositories"
)

// caseByIDTTL is how long a single case stays cached, in seconds.
const caseByIDTTL = 300

func caseCacheKey(id string) string {
	return fmt.Sprintf("case:%s", id)
}

// CachedCaseAdapter wraps a CaseRepository with a read-through cache for
// single-case lookups. Lists always go to the underlying store.
type CachedCaseAdapter struct {
	adapter repositories.CaseRepository
	cache   providers.CacheProvider
}

// Ensure CachedCaseAdapter implements CaseRepository
var _ repositories.CaseRepository = (*CachedCaseAdapter)(nil)

// NewCachedCaseAdapter creates a new cached case adapter
func NewCachedCaseAdapter(adapter repositories.CaseRepository, cache providers.CacheProvider) *CachedCaseAdapter {
	return &CachedCaseAdapter{
		adapter: adapter,
		cache:   cache,
	}
}

// Create stores a new case and primes the cache with it
func (a *CachedCaseAdapter) Create(ctx context.Context, patientID, providerID, procedureCode string) (*entities.Case, error) {
	c, err := a.adapter.Create(ctx, patientID, providerID, procedureCode)
	if err != nil {
		return nil, err
	}
	a.store(ctx, c)
	return c, nil
}

// Update writes through and refreshes the cached copy
func (a *CachedCaseAdapter) Update(ctx context.Context, caseID string, update repositories.CaseUpdate) (*entities.Case, error) {
	a.invalidate(ctx, caseID)
	c, err := a.adapter.Update(ctx, caseID, update)
	if err != nil {
		return nil, err
	}
	a.store(ctx, c)
	return c, nil
}

// GetByID retrieves a case, preferring the cache
func (a *CachedCaseAdapter) GetByID(ctx context.Context, caseID string) (*entities.Case, error) {
	if cached, err := a.cache.Get(ctx, caseCacheKey(caseID)); err == nil {
		var c entities.Case
		if err := json.Unmarshal(cached, &c); err == nil {
			return &c, nil
		}
		log.Warn().Err(err).Str("case_id", caseID).Msg("failed to unmarshal cached case")
	}

	c, err := a.adapter.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	a.store(ctx, c)
	return c, nil
}

// GetByIDs serves what it can from the cache and loads the rest in one call
func (a *CachedCaseAdapter) GetByIDs(ctx context.Context, caseIDs []string) ([]*entities.Case, error) {
	out := make([]*entities.Case, 0, len(caseIDs))
	var missing []string

	for _, id := range caseIDs {
		cached, err := a.cache.Get(ctx, caseCacheKey(id))
		if err != nil {
			missing = append(missing, id)
			continue
		}
		var c entities.Case
		if err := json.Unmarshal(cached, &c); err != nil {
			missing = append(missing, id)
			continue
		}
		out = append(out, &c)
	}

	if len(missing) == 0 {
		return out, nil
	}

	loaded, err := a.adapter.GetByIDs(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, c := range loaded {
		a.store(ctx, c)
	}
	return append(out, loaded...), nil
}

// ListByPatient delegates to the underlying store
func (a *CachedCaseAdapter) ListByPatient(ctx context.Context, patientID string) ([]*entities.Case, error) {
	return a.adapter.ListByPatient(ctx, patientID)
}

// ListByStatus delegates to the underlying store
func (a *CachedCaseAdapter) ListByStatus(ctx context.Context, status entities.CaseStatus) ([]*entities.Case, error) {
	return a.adapter.ListByStatus(ctx, status)
}

// RecordDecision writes through and refreshes the cached copy
func (a *CachedCaseAdapter) RecordDecision(ctx context.Context, caseID string, status entities.CaseStatus, notes string) (*entities.Case, error) {
	a.invalidate(ctx, caseID)
	c, err := a.adapter.RecordDecision(ctx, caseID, status, notes)
	if err != nil {
		return nil, err
	}
	a.store(ctx, c)
	return c, nil
}

func (a *CachedCaseAdapter) store(ctx context.Context, c *entities.Case) {
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := a.cache.Set(ctx, caseCacheKey(c.ID), data, caseByIDTTL); err != nil {
		log.Warn().Err(err).Str("case_id", c.ID).Msg("failed to cache case")
	}
}

func (a *CachedCaseAdapter) invalidate(ctx context.Context, caseID string) {
	if err := a.cache.Delete(ctx, caseCacheKey(caseID)); err != nil {
		log.Warn().Err(err).Str("case_id", caseID).Msg("failed to invalidate cached case")
	}
}
