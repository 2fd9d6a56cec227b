package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/preauthagent/internal/adapters/database"
	"github.com/zatekoja/preauthagent/internal/domain/entities"
	"github.com/zatekoja/preauthagent/internal/domain/repositories"
	"github.com/zatekoja/preauthagent/internal/realtime"
	apperrors "github.com/zatekoja/preauthagent/pkg/errors"
)

const (
	testInsurerKB  = "insurer-kb"
	testProviderKB = "provider-kb"
)

type retrieveCall struct {
	sourceID string
	query    string
	filter   *entities.MetadataFilter
}

type stubKnowledgeBase struct {
	mu      sync.Mutex
	results map[string]entities.RetrievalResult
	calls   []retrieveCall
	delay   time.Duration
}

func (k *stubKnowledgeBase) Retrieve(ctx context.Context, sourceID, query string, filter *entities.MetadataFilter) entities.RetrievalResult {
	k.mu.Lock()
	k.calls = append(k.calls, retrieveCall{sourceID: sourceID, query: query, filter: filter})
	k.mu.Unlock()
	if k.delay > 0 {
		select {
		case <-time.After(k.delay):
		case <-ctx.Done():
			return entities.RetrievalResult{GeneratedText: ctx.Err().Error(), Failed: true}
		}
	}
	return k.results[sourceID]
}

func (k *stubKnowledgeBase) EnsureSource(context.Context, string) error { return nil }

func (k *stubKnowledgeBase) Index(context.Context, string, []entities.KnowledgeDocument) error {
	return nil
}

func (k *stubKnowledgeBase) callFor(sourceID string) (retrieveCall, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, c := range k.calls {
		if c.sourceID == sourceID {
			return c, true
		}
	}
	return retrieveCall{}, false
}

type stubAnalyzer struct {
	result   entities.AnalysisResult
	block    bool
	called   int
	policy   string
	clinical string
}

func (a *stubAnalyzer) Analyze(ctx context.Context, policyText, clinicalText, procedureCode string) entities.AnalysisResult {
	a.called++
	a.policy = policyText
	a.clinical = clinicalText
	if a.block {
		<-ctx.Done()
		return entities.NewAgentErrorResult("Error invoking agent model: " + ctx.Err().Error())
	}
	return a.result
}

type notification struct {
	channel string
	status  entities.CaseStatus
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, channel string, c *entities.Case) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{channel: channel, status: c.Status})
	return n.err
}

func (n *recordingNotifier) channels() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.channel)
	}
	return out
}

type panickingNotifier struct{}

func (panickingNotifier) Notify(context.Context, string, *entities.Case) error {
	panic("socket exploded")
}

func chunks(texts ...string) entities.RetrievalResult {
	out := entities.RetrievalResult{}
	for i, t := range texts {
		out.SourceChunks = append(out.SourceChunks, entities.SourceChunk{Text: t, Score: 1 - float64(i)*0.1})
	}
	return out
}

func modelResult(t *testing.T, raw string) entities.AnalysisResult {
	t.Helper()
	var r entities.AnalysisResult
	require.NoError(t, json.Unmarshal([]byte(raw), &r))
	return r
}

type serviceFixture struct {
	repo     *database.MemoryCaseAdapter
	kb       *stubKnowledgeBase
	analyzer *stubAnalyzer
	notifier *recordingNotifier
	service  *CaseService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		repo: database.NewMemoryCaseAdapter(),
		kb: &stubKnowledgeBase{results: map[string]entities.RetrievalResult{
			testInsurerKB:  chunks("criteria..."),
			testProviderKB: chunks("notes..."),
		}},
		analyzer: &stubAnalyzer{},
		notifier: &recordingNotifier{},
	}
	f.service = NewCaseService(f.repo, f.kb, f.analyzer, f.notifier, CaseServiceConfig{
		ProviderKnowledgeBaseID: testProviderKB,
		InsurerKnowledgeBaseID:  testInsurerKB,
		RetrievalTimeout:        time.Second,
		AnalysisTimeout:         time.Second,
	})
	return f
}

func (f *serviceFixture) onlyCase(t *testing.T, patientID string) *entities.Case {
	t.Helper()
	cases, err := f.repo.ListByPatient(context.Background(), patientID)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	return cases[0]
}

func TestCreateAndAnalyze_ApprovedReadyNotifiesInsurerAndProvider(t *testing.T) {
	f := newServiceFixture(t)
	f.analyzer.result = modelResult(t, `{"status":"APPROVED_READY","analysis":{"1. x":{"met":true,"evidence":"MRI ordered","policy_reference":"4.2"}}}`)

	got, err := f.service.CreateAndAnalyze(context.Background(), CreateCaseRequest{
		PatientID:     "P1",
		ProviderID:    "DR1",
		ProcedureCode: "CPT 73721 (MRI Left Knee)",
	})
	require.NoError(t, err)
	f.service.Drain()

	assert.Equal(t, entities.CaseStatusApprovedReady, got.Status)
	assert.JSONEq(t, `{"1. x":{"met":true,"evidence":"MRI ordered","policy_reference":"4.2"}}`, mustJSON(t, got.Analysis))
	require.NotNil(t, got.PolicyContext)
	require.NotNil(t, got.ClinicalContext)
	assert.Equal(t, "criteria...", *got.PolicyContext)
	assert.Equal(t, "notes...", *got.ClinicalContext)
	assert.Equal(t, "criteria...", f.analyzer.policy)
	assert.Equal(t, "notes...", f.analyzer.clinical)

	assert.ElementsMatch(t, []string{entities.ChannelInsurerQueue, "provider-DR1"}, f.notifier.channels())

	stored, err := f.service.GetCase(context.Background(), got.ID)
	require.NoError(t, err)
	assert.Equal(t, got, stored)
}

func TestCreateAndAnalyze_RetrievalQueries(t *testing.T) {
	f := newServiceFixture(t)
	f.analyzer.result = modelResult(t, `{"status":"READY_FOR_SUBMISSION","analysis":{}}`)

	_, err := f.service.CreateAndAnalyze(context.Background(), CreateCaseRequest{PatientID: "P1", ProviderID: "DR1", ProcedureCode: "27447"})
	require.NoError(t, err)

	policyCall, ok := f.kb.callFor(testInsurerKB)
	require.True(t, ok)
	assert.Equal(t, "What are the medical necessity criteria for 27447?", policyCall.query)
	assert.Nil(t, policyCall.filter)

	clinicalCall, ok := f.kb.callFor(testProviderKB)
	require.True(t, ok)
	assert.Equal(t, "Clinical notes for patient P1 related to 27447.", clinicalCall.query)
	require.NotNil(t, clinicalCall.filter)
	assert.Equal(t, entities.MetadataFilter{Key: "patient_id", Value: "P1"}, *clinicalCall.filter)
}

func TestCreateAndAnalyze_JoinsChunksInRankedOrder(t *testing.T) {
	f := newServiceFixture(t)
	f.kb.results[testInsurerKB] = chunks("policy one", "policy two")
	f.kb.results[testProviderKB] = chunks("note one", "note two", "note three")
	f.analyzer.result = modelResult(t, `{"status":"READY_FOR_SUBMISSION","analysis":{}}`)

	got, err := f.service.CreateAndAnalyze(context.Background(), CreateCaseRequest{PatientID: "P1", ProviderID: "DR1", ProcedureCode: "27447"})
	require.NoError(t, err)

	assert.Equal(t, "policy one\npolicy two", *got.PolicyContext)
	assert.Equal(t, "note one\nnote two\nnote three", *got.ClinicalContext)
}

func TestCreateAndAnalyze_MissingInformationNotifiesProviderOnly(t *testing.T) {
	f := newServiceFixture(t)
	f.analyzer.result = modelResult(t, `{"status":"MISSING_INFORMATION","analysis":{"pt":{"met":false,"evidence":"","policy_reference":"2.1"}}}`)

	_, err := f.service.CreateAndAnalyze(context.Background(), CreateCaseRequest{PatientID: "P1", ProviderID: "DR7", ProcedureCode: "27447"})
	require.NoError(t, err)
	f.service.Drain()

	assert.Equal(t, []string{"provider-DR7"}, f.notifier.channels())
}

func TestCreateAndAnalyze_OtherOutcomesAreNotPushed(t *testing.T) {
	for _, raw := range []string{
		`{"status":"READY_FOR_SUBMISSION","analysis":{}}`,
		`{"status":"AGENT_ERROR","analysis":{"error":"bad"}}`,
	} {
		f := newServiceFixture(t)
		f.analyzer.result = modelResult(t, raw)

		_, err := f.service.CreateAndAnalyze(context.Background(), CreateCaseRequest{PatientID: "P1", ProviderID: "DR1", ProcedureCode: "27447"})
		require.NoError(t, err)
		f.service.Drain()
		assert.Empty(t, f.notifier.channels(), raw)
	}
}

func TestCreateAndAnalyze_StatusAndPayloadDefaults(t *testing.T) {
	f := newServiceFixture(t)
	f.analyzer.result = modelResult(t, `{"knee":{"met":true,"evidence":"x","policy_reference":"y"}}`)

	got, err := f.service.CreateAndAnalyze(context.Background(), CreateCaseRequest{PatientID: "P1", ProviderID: "DR1", ProcedureCode: "27447"})
	require.NoError(t, err)

	assert.Equal(t, entities.CaseStatusAgentError, got.Status)
	assert.Contains(t, got.Analysis, "knee")
}

func TestCreateAndAnalyze_EmptyClinicalContextLeavesCasePending(t *testing.T) {
	f := newServiceFixture(t)
	f.kb.results[testProviderKB] = entities.RetrievalResult{}

	_, err := f.service.CreateAndAnalyze(context.Background(), CreateCaseRequest{PatientID: "P2", ProviderID: "DR1", ProcedureCode: "27447"})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Contains(t, err.Error(), "Could not find clinical notes for patient 'P2' related to procedure '27447'.")

	c := f.onlyCase(t, "P2")
	assert.Equal(t, entities.CaseStatusPending, c.Status)
	assert.Nil(t, c.Analysis)
	assert.Zero(t, f.analyzer.called)
	assert.Empty(t, f.notifier.channels())
}

func TestCreateAndAnalyze_EmptyPolicyContext(t *testing.T) {
	f := newServiceFixture(t)
	f.kb.results[testInsurerKB] = chunks("")

	_, err := f.service.CreateAndAnalyze(context.Background(), CreateCaseRequest{PatientID: "P1", ProviderID: "DR1", ProcedureCode: "27447"})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Contains(t, err.Error(), "Could not find relevant policy section for procedure '27447'.")
	assert.Equal(t, entities.CaseStatusPending, f.onlyCase(t, "P1").Status)
}

func TestCreateAndAnalyze_RetrievalFailureBecomesSystemError(t *testing.T) {
	f := newServiceFixture(t)
	f.kb.results[testInsurerKB] = entities.RetrievalResult{
		GeneratedText: "An error occurred while retrieving from the Knowledge Base: connection refused",
		Failed:        true,
	}

	_, err := f.service.CreateAndAnalyze(context.Background(), CreateCaseRequest{PatientID: "P1", ProviderID: "DR1", ProcedureCode: "27447"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeExternal, apperrors.TypeOf(err))

	c := f.onlyCase(t, "P1")
	assert.Equal(t, entities.CaseStatusSystemError, c.Status)
	assert.Equal(t, err.Error(), c.Analysis.ErrorMessage())
	require.NotNil(t, c.PolicyContext)
	assert.Equal(t, "", *c.PolicyContext)
	assert.Zero(t, f.analyzer.called)
}

func TestCreateAndAnalyze_AnalysisTimeoutBecomesSystemError(t *testing.T) {
	f := newServiceFixture(t)
	f.analyzer.block = true
	f.service.cfg.AnalysisTimeout = 20 * time.Millisecond

	_, err := f.service.CreateAndAnalyze(context.Background(), CreateCaseRequest{PatientID: "P1", ProviderID: "DR1", ProcedureCode: "27447"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, entities.CaseStatusSystemError, f.onlyCase(t, "P1").Status)
}

func TestCreateAndAnalyze_RetrievalTimeout(t *testing.T) {
	f := newServiceFixture(t)
	f.kb.delay = time.Second
	f.service.cfg.RetrievalTimeout = 20 * time.Millisecond

	_, err := f.service.CreateAndAnalyze(context.Background(), CreateCaseRequest{PatientID: "P1", ProviderID: "DR1", ProcedureCode: "27447"})
	require.Error(t, err)
	assert.Equal(t, entities.CaseStatusSystemError, f.onlyCase(t, "P1").Status)
}

func TestCreateAndAnalyze_Validation(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.CreateAndAnalyze(context.Background(), CreateCaseRequest{PatientID: "P1"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))
	assert.Contains(t, err.Error(), "provider_id, procedure_code")

	cases, _ := f.repo.ListByPatient(context.Background(), "P1")
	assert.Empty(t, cases)
}

func TestCreateAndAnalyze_UnconfiguredKnowledgeBase(t *testing.T) {
	f := newServiceFixture(t)
	f.service.cfg.InsurerKnowledgeBaseID = ""

	_, err := f.service.CreateAndAnalyze(context.Background(), CreateCaseRequest{PatientID: "P1", ProviderID: "DR1", ProcedureCode: "27447"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeConfiguration, apperrors.TypeOf(err))

	cases, _ := f.repo.ListByPatient(context.Background(), "P1")
	assert.Empty(t, cases)
}

func TestCreateAndAnalyze_NotifierFailuresAreSwallowed(t *testing.T) {
	f := newServiceFixture(t)
	f.notifier.err = errors.New("no route")
	f.analyzer.result = modelResult(t, `{"status":"APPROVED_READY","analysis":{}}`)

	got, err := f.service.CreateAndAnalyze(context.Background(), CreateCaseRequest{PatientID: "P1", ProviderID: "DR1", ProcedureCode: "27447"})
	require.NoError(t, err)
	f.service.Drain()
	assert.Equal(t, entities.CaseStatusApprovedReady, got.Status)
	assert.Len(t, f.notifier.channels(), 2, "a failed channel does not stop the next one")
}

func TestCreateAndAnalyze_NotifierPanicIsContained(t *testing.T) {
	f := newServiceFixture(t)
	f.analyzer.result = modelResult(t, `{"status":"APPROVED_READY","analysis":{}}`)
	f.service.notifier = panickingNotifier{}

	got, err := f.service.CreateAndAnalyze(context.Background(), CreateCaseRequest{PatientID: "P1", ProviderID: "DR1", ProcedureCode: "27447"})
	require.NoError(t, err)
	f.service.Drain()
	assert.Equal(t, entities.CaseStatusApprovedReady, got.Status)
}

func TestCreateAndAnalyze_BroadcastsThroughRegistry(t *testing.T) {
	f := newServiceFixture(t)
	f.analyzer.result = modelResult(t, `{"status":"APPROVED_READY","analysis":{"a":{"met":true,"evidence":"e","policy_reference":"p","score":0.30000000000000004}}}`)

	registry := realtime.NewRegistry()
	insurers := []*captureConn{{id: "i1"}, {id: "i2"}}
	for _, c := range insurers {
		registry.Connect(entities.ChannelInsurerQueue, c)
	}
	provider := &captureConn{id: "p1"}
	registry.Connect("provider-DR1", provider)
	other := &captureConn{id: "p2"}
	registry.Connect("provider-DR2", other)
	f.service.notifier = NewRegistryNotifier(registry)

	got, err := f.service.CreateAndAnalyze(context.Background(), CreateCaseRequest{PatientID: "P1", ProviderID: "DR1", ProcedureCode: "27447"})
	require.NoError(t, err)
	f.service.Drain()

	for _, c := range append(insurers, provider) {
		msgs := c.messages()
		require.Len(t, msgs, 1, c.id)
		var pushed entities.Case
		require.NoError(t, json.Unmarshal(msgs[0], &pushed))
		assert.Equal(t, got.ID, pushed.ID)
		assert.Contains(t, string(msgs[0]), "0.30000000000000004")
	}
	assert.Empty(t, other.messages())
}

func TestSubmitDecision(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	c, err := f.repo.Create(ctx, "P1", "DR1", "27447")
	require.NoError(t, err)
	_, err = f.repo.Update(ctx, c.ID, repositories.CaseUpdate{
		Status:   entities.CaseStatusApprovedReady,
		Analysis: modelResult(t, `{"analysis":{"1. x":{"met":true,"evidence":"e","policy_reference":"p"}}}`).Payload(),
	})
	require.NoError(t, err)

	got, err := f.service.SubmitDecision(ctx, DecisionRequest{CaseID: c.ID, Decision: "DENIED", Notes: "insufficient evidence"})
	require.NoError(t, err)
	f.service.Drain()

	assert.Equal(t, entities.CaseStatusDenied, got.Status)
	assert.Contains(t, got.Analysis, "1. x")
	assert.JSONEq(t, `"insufficient evidence"`, string(got.Analysis[entities.AnalysisKeyDecisionNotes]))
	assert.Contains(t, got.Analysis, entities.AnalysisKeyDecisionAt)
	assert.Equal(t, []string{"provider-DR1"}, f.notifier.channels())
}

func TestSubmitDecision_Errors(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.SubmitDecision(ctx, DecisionRequest{CaseID: "missing", Decision: "APPROVED"})
	assert.True(t, apperrors.IsNotFound(err))

	_, err = f.service.SubmitDecision(ctx, DecisionRequest{CaseID: "x", Decision: "MAYBE"})
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))

	_, err = f.service.SubmitDecision(ctx, DecisionRequest{Decision: "APPROVED"})
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))

	f.service.Drain()
	assert.Empty(t, f.notifier.channels())
}

func TestSubmitDecision_IsFinal(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	c, err := f.repo.Create(ctx, "P1", "DR1", "27447")
	require.NoError(t, err)

	_, err = f.service.SubmitDecision(ctx, DecisionRequest{CaseID: c.ID, Decision: "APPROVED"})
	assert.Equal(t, apperrors.ErrorTypeConflict, apperrors.TypeOf(err), "pending case has no analysis to decide on")

	_, err = f.repo.Update(ctx, c.ID, repositories.CaseUpdate{Status: entities.CaseStatusApprovedReady})
	require.NoError(t, err)
	_, err = f.service.SubmitDecision(ctx, DecisionRequest{CaseID: c.ID, Decision: "APPROVED", Notes: "ok"})
	require.NoError(t, err)

	_, err = f.service.SubmitDecision(ctx, DecisionRequest{CaseID: c.ID, Decision: "DENIED"})
	assert.Equal(t, apperrors.ErrorTypeConflict, apperrors.TypeOf(err))
	f.service.Drain()

	got, err := f.repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.CaseStatusApproved, got.Status)
	assert.Equal(t, []string{"provider-DR1"}, f.notifier.channels(), "only the accepted decision is pushed")
}

func TestGetCase_IsStable(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	c, err := f.repo.Create(ctx, "P1", "DR1", "27447")
	require.NoError(t, err)

	first, err := f.service.GetCase(ctx, c.ID)
	require.NoError(t, err)
	second, err := f.service.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, mustJSON(t, first), mustJSON(t, second))

	_, err = f.service.GetCase(ctx, "nope")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestListByStatus(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	_, err := f.repo.Create(ctx, "P1", "DR1", "27447")
	require.NoError(t, err)

	cases, err := f.service.ListByStatus(ctx, "pending")
	require.NoError(t, err)
	assert.Len(t, cases, 1)

	_, err = f.service.ListByStatus(ctx, "LOST")
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))
}

func TestQueryKnowledgeBase(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	res, err := f.service.QueryKnowledgeBase(ctx, KnowledgeBaseInsurer, "knee criteria")
	require.NoError(t, err)
	assert.Equal(t, []string{"criteria..."}, res.Texts())
	call, ok := f.kb.callFor(testInsurerKB)
	require.True(t, ok)
	assert.Nil(t, call.filter)

	f.service.cfg.ProviderKnowledgeBaseID = ""
	_, err = f.service.QueryKnowledgeBase(ctx, KnowledgeBaseProvider, "notes")
	assert.Equal(t, apperrors.ErrorTypeConfiguration, apperrors.TypeOf(err))

	_, err = f.service.QueryKnowledgeBase(ctx, KnowledgeBaseInsurer, " ")
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))
}

type captureConn struct {
	id   string
	mu   sync.Mutex
	msgs [][]byte
}

func (c *captureConn) ID() string { return c.id }

func (c *captureConn) Send(_ context.Context, message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, message)
	return nil
}

func (c *captureConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.msgs...)
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
