package handlers

import (
	"context"
	"net/http"

	"github.com/zatekoja/preauthagent/internal/application/services"
	"github.com/zatekoja/preauthagent/internal/domain/entities"
)

// CaseService is the case workflow used by the HTTP handlers.
type CaseService interface {
	CreateAndAnalyze(ctx context.Context, req services.CreateCaseRequest) (*entities.Case, error)
	GetCase(ctx context.Context, caseID string) (*entities.Case, error)
	ListByPatient(ctx context.Context, patientID string) ([]*entities.Case, error)
	ListByStatus(ctx context.Context, status string) ([]*entities.Case, error)
	SubmitDecision(ctx context.Context, req services.DecisionRequest) (*entities.Case, error)
	QueryKnowledgeBase(ctx context.Context, kind services.KnowledgeBaseKind, query string) (entities.RetrievalResult, error)
}

// CaseHandler handles pre-authorization case requests
type CaseHandler struct {
	service CaseService
}

// NewCaseHandler creates a new case handler
func NewCaseHandler(service CaseService) *CaseHandler {
	return &CaseHandler{service: service}
}

// CreatePreAuth handles POST /create-pre-auth
func (h *CaseHandler) CreatePreAuth(w http.ResponseWriter, r *http.Request) {
	var req services.CreateCaseRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithAppError(w, r, err)
		return
	}

	c, err := h.service.CreateAndAnalyze(r.Context(), req)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, c)
}

// GetCaseStatus handles GET /get-case-status/{case_id}
func (h *CaseHandler) GetCaseStatus(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.GetCase(r.Context(), r.PathValue("case_id"))
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, c)
}

// GetCasesByPatient handles GET /get-cases-by-patient/{patient_id}
func (h *CaseHandler) GetCasesByPatient(w http.ResponseWriter, r *http.Request) {
	cases, err := h.service.ListByPatient(r.Context(), r.PathValue("patient_id"))
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	if cases == nil {
		cases = []*entities.Case{}
	}

	respondWithJSON(w, http.StatusOK, cases)
}

// GetCasesByStatus handles GET /get-cases-by-status/{status}
func (h *CaseHandler) GetCasesByStatus(w http.ResponseWriter, r *http.Request) {
	cases, err := h.service.ListByStatus(r.Context(), r.PathValue("status"))
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	if cases == nil {
		cases = []*entities.Case{}
	}

	respondWithJSON(w, http.StatusOK, cases)
}

// SubmitDecision handles POST /submit-decision
func (h *CaseHandler) SubmitDecision(w http.ResponseWriter, r *http.Request) {
	var req services.DecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithAppError(w, r, err)
		return
	}

	c, err := h.service.SubmitDecision(r.Context(), req)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, c)
}

type knowledgeQuery struct {
	Query string `json:"query"`
}

// QueryProvider handles POST /query/provider
func (h *CaseHandler) QueryProvider(w http.ResponseWriter, r *http.Request) {
	h.queryKnowledgeBase(w, r, services.KnowledgeBaseProvider)
}

// QueryInsurer handles POST /query/insurer
func (h *CaseHandler) QueryInsurer(w http.ResponseWriter, r *http.Request) {
	h.queryKnowledgeBase(w, r, services.KnowledgeBaseInsurer)
}

func (h *CaseHandler) queryKnowledgeBase(w http.ResponseWriter, r *http.Request, kind services.KnowledgeBaseKind) {
	var req knowledgeQuery
	if err := decodeJSON(r, &req); err != nil {
		respondWithAppError(w, r, err)
		return
	}

	result, err := h.service.QueryKnowledgeBase(r.Context(), kind, req.Query)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	if result.SourceChunks == nil {
		result.SourceChunks = []entities.SourceChunk{}
	}

	respondWithJSON(w, http.StatusOK, result)
}
