package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rahul/planrun/internal/observability"
	"github.com/rahul/planrun/internal/queue"
	"github.com/rahul/planrun/internal/runtime"
	"github.com/rahul/planrun/internal/store"
)

// HTTPGateway exposes the inbound plan operations over JSON/HTTP.
type HTTPGateway struct {
	Service PlanService
	Logger  *observability.Logger
	server  *http.Server
}

// NewHTTPGateway builds the gateway listening on addr.
func NewHTTPGateway(addr string, service PlanService, logger *observability.Logger) *HTTPGateway {
	g := &HTTPGateway{Service: service, Logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/plans", g.handleSubmit)
	mux.HandleFunc("POST /v1/plans/{planID}/steps/{stepID}/approval", g.handleApproval)
	mux.HandleFunc("GET /v1/plans/{planID}/subject", g.handleSubject)
	mux.HandleFunc("GET /v1/plans/{planID}/steps/{stepID}", g.handleStep)
	mux.HandleFunc("GET /v1/queues/depth", g.handleDepth)

	g.server = &http.Server{
		Addr:         addr,
		Handler:      g.logRequests(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return g
}

// Start serves until Stop is called.
func (g *HTTPGateway) Start() error {
	err := g.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests.
func (g *HTTPGateway) Stop(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

func (g *HTTPGateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if g.Logger != nil {
			g.Logger.Log(observability.Event{
				Type:    observability.EventTypeHTTP,
				TraceID: r.Header.Get(queue.HeaderTraceID),
				Data: map[string]any{
					"method":      r.Method,
					"path":        r.URL.Path,
					"duration_ms": time.Since(start).Milliseconds(),
				},
			})
		}
	})
}

type submitRequest struct {
	Plan    store.Plan    `json:"plan"`
	Subject store.Subject `json:"subject"`
}

type submitResponse struct {
	PlanID  string `json:"plan_id"`
	TraceID string `json:"trace_id"`
	Steps   int    `json:"steps"`
}

func (g *HTTPGateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if len(req.Plan.Steps) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("plan has no steps"))
		return
	}
	if req.Plan.ID == "" {
		req.Plan.ID = uuid.NewString()
	}

	traceID := r.Header.Get(queue.HeaderTraceID)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	requestID := r.Header.Get("x-request-id")

	if err := g.Service.SubmitPlanSteps(r.Context(), req.Plan, traceID, requestID, req.Subject); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		PlanID:  req.Plan.ID,
		TraceID: traceID,
		Steps:   len(req.Plan.Steps),
	})
}

type approvalRequest struct {
	Approved bool   `json:"approved"`
	Summary  string `json:"summary,omitempty"`
}

func (g *HTTPGateway) handleApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	err := g.Service.ResolvePlanStepApproval(r.Context(), runtime.ApprovalDecision{
		PlanID:   r.PathValue("planID"),
		StepID:   r.PathValue("stepID"),
		Approved: req.Approved,
		Summary:  req.Summary,
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, runtime.ErrNotWaitingApproval):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	}
}

func (g *HTTPGateway) handleSubject(w http.ResponseWriter, r *http.Request) {
	subject, err := g.Service.GetPlanSubject(r.PathValue("planID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, subject)
}

func (g *HTTPGateway) handleStep(w http.ResponseWriter, r *http.Request) {
	entry, err := g.Service.GetPersistedPlanStep(r.PathValue("planID"), r.PathValue("stepID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (g *HTTPGateway) handleDepth(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing topic parameter"))
		return
	}
	depth, err := g.Service.QueueDepth(topic)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "depth": depth})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("gateway: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
