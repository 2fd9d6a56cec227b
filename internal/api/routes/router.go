package routes

import (
	"net/http"

	"github.com/zatekoja/preauthagent/internal/api/handlers"
	"github.com/zatekoja/preauthagent/internal/api/middleware"
	"github.com/zatekoja/preauthagent/internal/infrastructure/observability"
)

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	caseHandler      *handlers.CaseHandler
	uploadHandler    *handlers.UploadHandler
	websocketHandler *handlers.WebSocketHandler

	allowedOrigins []string
	metrics        *observability.Metrics
}

// NewRouter creates a new router. uploadHandler may be nil when no record
// storage is configured.
func NewRouter(
	caseHandler *handlers.CaseHandler,
	uploadHandler *handlers.UploadHandler,
	websocketHandler *handlers.WebSocketHandler,
	allowedOrigins []string,
	metrics *observability.Metrics,
) *Router {
	return &Router{
		mux:              http.NewServeMux(),
		caseHandler:      caseHandler,
		uploadHandler:    uploadHandler,
		websocketHandler: websocketHandler,
		allowedOrigins:   allowedOrigins,
		metrics:          metrics,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	r.mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"Pre-Authorization agent is running."}`))
	})

	r.mux.HandleFunc("GET /health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			return
		}
	})

	// Case endpoints
	r.mux.HandleFunc("POST /create-pre-auth", r.caseHandler.CreatePreAuth)
	r.mux.HandleFunc("GET /get-case-status/{case_id}", r.caseHandler.GetCaseStatus)
	r.mux.HandleFunc("GET /get-cases-by-patient/{patient_id}", r.caseHandler.GetCasesByPatient)
	r.mux.HandleFunc("GET /get-cases-by-status/{status}", r.caseHandler.GetCasesByStatus)
	r.mux.HandleFunc("POST /submit-decision", r.caseHandler.SubmitDecision)

	// Knowledge base diagnostics
	r.mux.HandleFunc("POST /query/provider", r.caseHandler.QueryProvider)
	r.mux.HandleFunc("POST /query/insurer", r.caseHandler.QueryInsurer)

	if r.uploadHandler != nil {
		r.mux.HandleFunc("POST /upload-patient-record", r.uploadHandler.UploadPatientRecord)
	}

	// Real-time case updates
	r.mux.HandleFunc("GET /ws/{channel_id}", r.websocketHandler.Subscribe)
	r.mux.HandleFunc("GET /api/stream/stats", r.websocketHandler.Stats)

	// Last applied wraps outermost
	var handler http.Handler = r.mux
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.ObservabilityMiddleware(r.metrics)(handler)
	handler = middleware.CORSMiddleware(r.allowedOrigins)(handler)

	return handler
}
