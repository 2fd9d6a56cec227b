package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/zatekoja/preauthagent/internal/domain/entities"
	"github.com/zatekoja/preauthagent/internal/domain/providers"
	"github.com/zatekoja/preauthagent/internal/domain/repositories"
	"github.com/zatekoja/preauthagent/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/preauthagent/pkg/errors"
)

// KnowledgeBaseKind selects one of the two configured knowledge bases.
type KnowledgeBaseKind string

const (
	KnowledgeBaseProvider KnowledgeBaseKind = "provider"
	KnowledgeBaseInsurer  KnowledgeBaseKind = "insurer"
)

// CaseServiceConfig holds the knowledge base ids and per-call timeouts used
// by the pipeline. A zero timeout leaves the call bounded only by the caller.
type CaseServiceConfig struct {
	ProviderKnowledgeBaseID string
	InsurerKnowledgeBaseID  string
	RetrievalTimeout        time.Duration
	AnalysisTimeout         time.Duration
}

// CaseService runs the pre-authorization pipeline and the insurer decision
// action.
type CaseService struct {
	repo     repositories.CaseRepository
	loader   *CaseLoader
	kb       providers.KnowledgeBaseProvider
	analyzer providers.CaseAnalyzer
	notifier CaseNotifier
	cfg      CaseServiceConfig
	metrics  *observability.Metrics

	inflight sync.WaitGroup
}

// NewCaseService creates a new case service. notifier may be nil, in which
// case no updates are pushed.
func NewCaseService(
	repo repositories.CaseRepository,
	kb providers.KnowledgeBaseProvider,
	analyzer providers.CaseAnalyzer,
	notifier CaseNotifier,
	cfg CaseServiceConfig,
) *CaseService {
	return &CaseService{
		repo:     repo,
		loader:   NewCaseLoader(repo),
		kb:       kb,
		analyzer: analyzer,
		notifier: notifier,
		cfg:      cfg,
	}
}

// SetMetrics enables pipeline outcome metrics.
func (s *CaseService) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

// CreateCaseRequest is the input to CreateAndAnalyze.
type CreateCaseRequest struct {
	PatientID     string `json:"patient_id"`
	ProviderID    string `json:"provider_id"`
	ProcedureCode string `json:"procedure_code"`
}

// Validate checks that every field is present.
func (r CreateCaseRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.PatientID) == "" {
		missing = append(missing, "patient_id")
	}
	if strings.TrimSpace(r.ProviderID) == "" {
		missing = append(missing, "provider_id")
	}
	if strings.TrimSpace(r.ProcedureCode) == "" {
		missing = append(missing, "procedure_code")
	}
	if len(missing) > 0 {
		return apperrors.NewValidationError(fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", ")))
	}
	return nil
}

// PolicyQuery is the retrieval query sent to the insurer knowledge base.
func PolicyQuery(procedureCode string) string {
	return fmt.Sprintf("What are the medical necessity criteria for %s?", procedureCode)
}

// ClinicalQuery is the retrieval query sent to the provider knowledge base.
func ClinicalQuery(patientID, procedureCode string) string {
	return fmt.Sprintf("Clinical notes for patient %s related to %s.", patientID, procedureCode)
}

// CreateAndAnalyze creates a PENDING case, gathers policy and clinical
// context, runs the analysis and stores the outcome.
//
// When either context comes back empty the request fails with NOT_FOUND and
// the case is left PENDING. Any other failure after the case exists moves it
// to SYSTEM_ERROR before the error is returned.
func (s *CaseService) CreateAndAnalyze(ctx context.Context, req CreateCaseRequest) (*entities.Case, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.requireKnowledgeBases(); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "CaseService.CreateAndAnalyze")
	defer span.End()

	created, err := s.repo.Create(ctx, req.PatientID, req.ProviderID, req.ProcedureCode)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("failed to create case: %w", err)
	}
	observability.SetSpanAttributes(span, attribute.String("case.id", created.ID))

	logger := observability.LoggerFromContext(ctx).With().Str("case_id", created.ID).Logger()
	logger.Info().
		Str("patient_id", req.PatientID).
		Str("provider_id", req.ProviderID).
		Str("procedure_code", req.ProcedureCode).
		Msg("case created")

	start := time.Now()
	updated, err := s.runPipeline(ctx, &logger, created)
	if err == nil {
		observability.RecordCaseOutcome(ctx, s.metrics, string(updated.Status), time.Since(start))
		s.notifyForStatus(ctx, updated)
		return updated, nil
	}

	observability.RecordError(span, err)
	if apperrors.IsNotFound(err) {
		observability.RecordCaseOutcome(ctx, s.metrics, string(entities.CaseStatusPending), time.Since(start))
		logger.Warn().Err(err).Msg("no context found, case left pending")
		return nil, err
	}

	observability.RecordCaseOutcome(ctx, s.metrics, string(entities.CaseStatusSystemError), time.Since(start))

	logger.Error().Err(err).Msg("case pipeline failed")
	if _, uerr := s.repo.Update(context.WithoutCancel(ctx), created.ID, repositories.CaseUpdate{
		Status:   entities.CaseStatusSystemError,
		Analysis: entities.NewErrorAnalysis(err.Error()),
	}); uerr != nil {
		logger.Error().Err(uerr).Msg("failed to record system error on case")
	}
	return nil, err
}

func (s *CaseService) runPipeline(ctx context.Context, logger *zerolog.Logger, c *entities.Case) (*entities.Case, error) {
	logger.Debug().Msg("running retrievals")

	var policy, clinical entities.RetrievalResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		policy = s.retrieve(gctx, s.cfg.InsurerKnowledgeBaseID, PolicyQuery(c.ProcedureCode), nil)
		return nil
	})
	g.Go(func() error {
		clinical = s.retrieve(gctx, s.cfg.ProviderKnowledgeBaseID, ClinicalQuery(c.PatientID, c.ProcedureCode),
			&entities.MetadataFilter{Key: "patient_id", Value: c.PatientID})
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if policy.Failed {
		return nil, apperrors.NewExternalError("policy retrieval failed", fmt.Errorf("%s", policy.GeneratedText))
	}
	if clinical.Failed {
		return nil, apperrors.NewExternalError("clinical retrieval failed", fmt.Errorf("%s", clinical.GeneratedText))
	}

	policyContext := strings.Join(policy.Texts(), "\n")
	clinicalContext := strings.Join(clinical.Texts(), "\n")
	if policyContext == "" {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("Could not find relevant policy section for procedure '%s'.", c.ProcedureCode))
	}
	if clinicalContext == "" {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("Could not find clinical notes for patient '%s' related to procedure '%s'.", c.PatientID, c.ProcedureCode))
	}

	logger.Debug().
		Int("policy_chunks", len(policy.SourceChunks)).
		Int("clinical_chunks", len(clinical.SourceChunks)).
		Msg("retrieval complete, invoking analysis")

	result, err := s.analyze(ctx, policyContext, clinicalContext, c.ProcedureCode)
	if err != nil {
		return nil, err
	}

	status := result.Status()
	updated, err := s.repo.Update(ctx, c.ID, repositories.CaseUpdate{
		Status:          status,
		Analysis:        result.Payload(),
		PolicyContext:   policyContext,
		ClinicalContext: clinicalContext,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store case analysis: %w", err)
	}

	logger.Info().Str("status", string(status)).Msg("case analysis complete")
	return updated, nil
}

func (s *CaseService) retrieve(ctx context.Context, sourceID, query string, filter *entities.MetadataFilter) entities.RetrievalResult {
	if s.cfg.RetrievalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RetrievalTimeout)
		defer cancel()
	}
	return s.kb.Retrieve(ctx, sourceID, query, filter)
}

// analyze reports a deadline or cancellation as an error so it lands as
// SYSTEM_ERROR rather than the analyzer's AGENT_ERROR.
func (s *CaseService) analyze(ctx context.Context, policyText, clinicalText, procedureCode string) (entities.AnalysisResult, error) {
	if s.cfg.AnalysisTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AnalysisTimeout)
		defer cancel()
	}
	result := s.analyzer.Analyze(ctx, policyText, clinicalText, procedureCode)
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewExternalError("case analysis did not complete", err)
	}
	return result, nil
}

func (s *CaseService) requireKnowledgeBases() error {
	if s.cfg.ProviderKnowledgeBaseID == "" {
		return apperrors.NewConfigurationError("PROVIDER_KB_ID is not configured.")
	}
	if s.cfg.InsurerKnowledgeBaseID == "" {
		return apperrors.NewConfigurationError("INSURER_KB_ID is not configured.")
	}
	return nil
}

// notifyForStatus pushes pipeline outcomes that someone has to act on.
func (s *CaseService) notifyForStatus(ctx context.Context, c *entities.Case) {
	switch c.Status {
	case entities.CaseStatusMissingInformation:
		s.dispatch(ctx, c, entities.ProviderChannel(c.ProviderID))
	case entities.CaseStatusApprovedReady:
		s.dispatch(ctx, c, entities.ChannelInsurerQueue, entities.ProviderChannel(c.ProviderID))
	}
}

// dispatch sends c to each channel in the background. Failures and panics
// are logged and never reach the caller.
func (s *CaseService) dispatch(ctx context.Context, c *entities.Case, channels ...string) {
	if s.notifier == nil || len(channels) == 0 {
		return
	}

	snapshot := c.Clone()
	ctx = context.WithoutCancel(ctx)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		logger := observability.LoggerFromContext(ctx).With().Str("case_id", snapshot.ID).Logger()
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Msg("case notification panicked")
			}
		}()

		for _, channel := range channels {
			if err := s.notifier.Notify(ctx, channel, snapshot); err != nil {
				logger.Warn().Err(err).Str("channel", channel).Msg("failed to notify channel")
				continue
			}
			logger.Debug().Str("channel", channel).Str("status", string(snapshot.Status)).Msg("case update sent")
		}
	}()
}

// Drain blocks until every pending notification has been attempted.
func (s *CaseService) Drain() {
	s.inflight.Wait()
}

// GetCase returns a case by id
func (s *CaseService) GetCase(ctx context.Context, caseID string) (*entities.Case, error) {
	if strings.TrimSpace(caseID) == "" {
		return nil, apperrors.NewValidationError("case_id is required")
	}
	return s.loader.Load(ctx, caseID)
}

// ListByPatient returns a patient's cases, newest first
func (s *CaseService) ListByPatient(ctx context.Context, patientID string) ([]*entities.Case, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, apperrors.NewValidationError("patient_id is required")
	}
	return s.repo.ListByPatient(ctx, patientID)
}

// ListByStatus returns cases in a status, newest first
func (s *CaseService) ListByStatus(ctx context.Context, status string) ([]*entities.Case, error) {
	st := entities.CaseStatus(strings.ToUpper(strings.TrimSpace(status)))
	if !st.IsValid() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown case status %q", status))
	}
	return s.repo.ListByStatus(ctx, st)
}

// DecisionRequest is the insurer's verdict on a case.
type DecisionRequest struct {
	CaseID   string `json:"case_id"`
	Decision string `json:"decision"`
	Notes    string `json:"notes"`
}

// SubmitDecision records an insurer decision and tells the provider. A
// decision is final; deciding a case twice is a conflict.
func (s *CaseService) SubmitDecision(ctx context.Context, req DecisionRequest) (*entities.Case, error) {
	if strings.TrimSpace(req.CaseID) == "" {
		return nil, apperrors.NewValidationError("case_id is required")
	}
	decision := entities.CaseStatus(strings.ToUpper(strings.TrimSpace(req.Decision)))
	if !decision.IsDecision() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("decision must be APPROVED or DENIED, got %q", req.Decision))
	}

	ctx, span := observability.StartSpan(ctx, "CaseService.SubmitDecision")
	defer span.End()
	observability.SetSpanAttributes(span, attribute.String("case.id", req.CaseID))

	// The store refuses cases that are still PENDING or already decided.
	updated, err := s.repo.RecordDecision(ctx, req.CaseID, decision, req.Notes)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	observability.LoggerFromContext(ctx).Info().
		Str("case_id", updated.ID).
		Str("decision", string(decision)).
		Msg("insurer decision recorded")

	s.dispatch(ctx, updated, entities.ProviderChannel(updated.ProviderID))
	return updated, nil
}

// QueryKnowledgeBase runs an unfiltered retrieval against one knowledge base.
func (s *CaseService) QueryKnowledgeBase(ctx context.Context, kind KnowledgeBaseKind, query string) (entities.RetrievalResult, error) {
	if strings.TrimSpace(query) == "" {
		return entities.RetrievalResult{}, apperrors.NewValidationError("query is required")
	}

	var sourceID string
	switch kind {
	case KnowledgeBaseProvider:
		if s.cfg.ProviderKnowledgeBaseID == "" {
			return entities.RetrievalResult{}, apperrors.NewConfigurationError("PROVIDER_KB_ID is not configured.")
		}
		sourceID = s.cfg.ProviderKnowledgeBaseID
	case KnowledgeBaseInsurer:
		if s.cfg.InsurerKnowledgeBaseID == "" {
			return entities.RetrievalResult{}, apperrors.NewConfigurationError("INSURER_KB_ID is not configured.")
		}
		sourceID = s.cfg.InsurerKnowledgeBaseID
	default:
		return entities.RetrievalResult{}, apperrors.NewValidationError(fmt.Sprintf("unknown knowledge base %q", kind))
	}

	return s.retrieve(ctx, sourceID, query, nil), nil
}
