package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/auth"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
	"github.com/pesio-ai/be-ops-approvals/internal/service"
)

const maxBodyBytes = 1 << 20

// HTTPHandler serves the approvals REST API.
type HTTPHandler struct {
	gate      *service.ApprovalGateService
	manager   *service.ApprovalRequestManager
	inbox     *service.InboxQueryService
	flows     *service.FlowRegistry
	jwtSecret string
	gatherer  prometheus.Gatherer
	ping      func(ctx context.Context) error
	log       *logger.Logger
}

// HTTPDeps groups what the handler serves.
type HTTPDeps struct {
	Gate    *service.ApprovalGateService
	Manager *service.ApprovalRequestManager
	Inbox   *service.InboxQueryService
	Flows   *service.FlowRegistry
	// JWTSecret empty means identity comes from X-Tenant-ID / X-User-ID.
	JWTSecret string
	Gatherer  prometheus.Gatherer
	// Ping backs /health; nil reports healthy.
	Ping func(ctx context.Context) error
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(deps HTTPDeps, log *logger.Logger) *HTTPHandler {
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HTTPHandler{
		gate:      deps.Gate,
		manager:   deps.Manager,
		inbox:     deps.Inbox,
		flows:     deps.Flows,
		jwtSecret: deps.JWTSecret,
		gatherer:  gatherer,
		ping:      deps.Ping,
		log:       log,
	}
}

// Router builds the chi router.
func (h *HTTPHandler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(h.jwtSecret))

		r.Post("/approvals/evaluate", h.Evaluate)
		r.Post("/approvals", h.CreateRequest)
		r.Get("/approvals/{id}", h.GetRequest)
		r.Get("/approvals/{id}/actions", h.ListActions)
		r.Get("/approvals/{id}/history", h.History)
		r.Post("/approvals/{id}/decisions", h.SubmitDecision)
		r.Post("/approvals/{id}/cancel", h.CancelRequest)

		r.Get("/inbox", h.Inbox)

		r.Get("/flows", h.ListFlows)
		r.Post("/flows", h.PublishFlow)
		r.Get("/flows/{id}", h.GetFlow)
		r.Delete("/flows/{id}", h.DeactivateFlow)
	})

	return r
}

// Health reports liveness and database reachability.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			status["ok"] = false
			status["db"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	respondJSON(w, http.StatusOK, status)
}

type entityRequest struct {
	EntityType string                 `json:"entityType"`
	EntityID   string                 `json:"entityId"`
	Context    map[string]interface{} `json:"context"`
}

// Evaluate handles the trigger call-in from business modules.
func (h *HTTPHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req entityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	res, err := h.gate.Evaluate(r.Context(), service.GateInput{
		TenantID:    uc.TenantID,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Context:     req.Context,
		RequestedBy: uc.UserID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Gated {
		status = http.StatusCreated
	}
	respondJSON(w, status, res)
}

// CreateRequest starts a request against the active flow without evaluating
// its trigger conditions.
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req entityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	created, err := h.gate.CreateForActiveFlow(r.Context(), service.GateInput{
		TenantID:    uc.TenantID,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Context:     req.Context,
		RequestedBy: uc.UserID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// GetRequest returns one request.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	req, err := h.manager.GetRequest(r.Context(), uc.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

// ListActions returns a request's decisions.
func (h *HTTPHandler) ListActions(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	actions, err := h.manager.ListActions(r.Context(), uc.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"actions": nonNil(actions)})
}

// History returns a request's audit trail.
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	entries, err := h.manager.History(r.Context(), uc.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"history": nonNil(entries)})
}

type decisionRequest struct {
	Decision        repository.Decision `json:"decision"`
	Comment         string              `json:"comment"`
	ExpectedVersion *int64              `json:"expected_version,omitempty"`
}

// SubmitDecision records the caller's decision on the current step.
func (h *HTTPHandler) SubmitDecision(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	res, err := h.manager.SubmitDecision(r.Context(), service.DecisionInput{
		TenantID:        uc.TenantID,
		RequestID:       chi.URLParam(r, "id"),
		ApproverID:      uc.UserID,
		Decision:        req.Decision,
		Comment:         req.Comment,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"request":  res.Request,
		"action":   res.Action,
		"advanced": res.Advanced,
		"resolved": res.Resolved,
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelRequest withdraws a live request.
func (h *HTTPHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	cancelled, err := h.manager.CancelRequest(r.Context(), uc.TenantID, chi.URLParam(r, "id"), uc.UserID, req.Reason)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cancelled)
}

// Inbox lists requests awaiting the caller's decision.
func (h *HTTPHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	items, err := h.inbox.ListPending(r.Context(), uc.TenantID, uc.UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

// ListFlows lists the tenant's flows; ?active=true limits to active ones.
func (h *HTTPHandler) ListFlows(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	flows, err := h.flows.ListFlows(r.Context(), uc.TenantID, activeOnly)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"flows": nonNil(flows)})
}

// GetFlow returns one flow version.
func (h *HTTPHandler) GetFlow(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	flow, err := h.flows.GetFlow(r.Context(), uc.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, flow)
}

// PublishFlow publishes a new flow version for the caller's tenant.
func (h *HTTPHandler) PublishFlow(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	var flow repository.ApprovalFlow
	if err := decodeJSON(w, r, &flow); err != nil {
		h.respondError(w, r, err)
		return
	}
	flow.TenantID = uc.TenantID
	flow.CreatedBy = uc.UserID

	published, err := h.flows.PublishFlow(r.Context(), &flow)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, published)
}

// DeactivateFlow retires a flow; running requests keep their snapshot.
func (h *HTTPHandler) DeactivateFlow(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.flows.DeactivateFlow(r.Context(), uc.TenantID, chi.URLParam(r, "id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) caller(w http.ResponseWriter, r *http.Request) (*auth.UserContext, bool) {
	uc, err := auth.GetUserContext(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return nil, false
	}
	return uc, true
}

func (h *HTTPHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

type errorBody struct {
	Code    errors.ErrorCode       `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (h *HTTPHandler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Code: errors.ErrCodeInternal, Message: "internal error"}
	var app *errors.AppError
	if stderrors.As(err, &app) {
		body = errorBody{Code: app.Code, Message: app.Message, Details: app.Details}
	}
	status := errors.HTTPStatus(body.Code)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
	}
	respondJSON(w, status, map[string]interface{}{"error": body})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	// numbers in context payloads stay exact for the threshold comparison
	dec.UseNumber()
	if err := dec.Decode(dest); err != nil {
		return errors.InvalidInput("body", fmt.Sprintf("invalid JSON: %v", err))
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
