package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/api/middleware"
	"github.com/carebridge/rxmarket/internal/directory"
	"github.com/carebridge/rxmarket/internal/domain/apperror"
	"github.com/carebridge/rxmarket/internal/domain/request"
	"github.com/carebridge/rxmarket/internal/observability/metrics"
)

// RequestHandler handles the prescription request endpoints.
type RequestHandler struct {
	svc           *request.Service
	metrics       *metrics.Metrics
	logger        *zap.Logger
	includeDetail bool
}

// NewRequestHandler creates a new handler. includeDetail attaches raw
// error text to error responses; keep it off in production.
func NewRequestHandler(svc *request.Service, m *metrics.Metrics, logger *zap.Logger, includeDetail bool) *RequestHandler {
	return &RequestHandler{svc: svc, metrics: m, logger: logger, includeDetail: includeDetail}
}

// Routes returns the handler routes
func (h *RequestHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/pharmacy/queue", h.Queue)
	r.Get("/pharmacy/{pharmacyID}/stats", h.Stats)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/submit", h.Submit)
	r.Post("/{id}/respond", h.Respond)
	r.Post("/{id}/select-pharmacy", h.Select)
	r.Put("/{id}/status", h.UpdateStatus)
	r.Delete("/{id}", h.Cancel)
	return r
}

func (h *RequestHandler) actor(w http.ResponseWriter, r *http.Request) (request.Actor, bool) {
	actor, ok := middleware.GetActor(r.Context())
	if !ok {
		writeError(w, apperror.Authorization("authentication required"), h.includeDetail)
		return request.Actor{}, false
	}
	return actor, true
}

// CreateBody is the request body for creating a prescription request.
type CreateBody struct {
	// PatientID lets an admin create on a patient's behalf; patients
	// always create for themselves.
	PatientID   string               `json:"patient_id,omitempty"`
	Medications []request.Medication `json:"medications"`
	Preferences request.Preferences  `json:"preferences"`
}

// Create handles POST /prescription-requests
func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body CreateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeValidation(w, "invalid request body")
		return
	}

	patientID := actor.UserID
	switch actor.Role {
	case directory.RolePatient:
	case directory.RoleAdmin:
		if body.PatientID != "" {
			patientID = body.PatientID
		}
	default:
		writeError(w, apperror.Authorization("only patients may create prescription requests"), h.includeDetail)
		return
	}

	req, err := h.svc.Create(r.Context(), patientID, body.Medications, body.Preferences)
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}
	if h.metrics != nil {
		h.metrics.RequestsCreated.Inc()
	}

	writeData(w, http.StatusCreated, "prescription request created", map[string]interface{}{
		"prescription_request": req,
	})
}

// SubmitBody carries the frozen target pharmacy set.
type SubmitBody struct {
	PharmacyIDs []string `json:"pharmacy_ids"`
}

// Submit handles POST /prescription-requests/{id}/submit
func (h *RequestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body SubmitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeValidation(w, "invalid request body")
		return
	}

	req, err := h.svc.Submit(r.Context(), chi.URLParam(r, "id"), actor, body.PharmacyIDs)
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}
	if h.metrics != nil {
		h.metrics.RequestsSubmitted.Inc()
	}

	writeData(w, http.StatusOK, "prescription request submitted", map[string]interface{}{
		"prescription_request": req,
	})
}

// RespondBody is one pharmacy's answer.
type RespondBody struct {
	Action request.ResponseAction `json:"action"`
	request.ResponseData
}

// Respond handles POST /prescription-requests/{id}/respond
func (h *RequestHandler) Respond(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body RespondBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeValidation(w, "invalid request body")
		return
	}

	req, resp, err := h.svc.Respond(r.Context(), chi.URLParam(r, "id"), actor, body.Action, body.ResponseData)
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}
	if h.metrics != nil {
		h.metrics.ResponsesRecorded.WithLabelValues(string(body.Action)).Inc()
	}

	writeData(w, http.StatusOK, "response recorded", map[string]interface{}{
		"prescription_request": req,
		"pharmacy_response":    resp,
	})
}

// SelectBody picks the winning pharmacy.
type SelectBody struct {
	PharmacyID string `json:"pharmacy_id"`
	Reason     string `json:"reason"`
}

// Select handles POST /prescription-requests/{id}/select-pharmacy
func (h *RequestHandler) Select(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body SelectBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeValidation(w, "invalid request body")
		return
	}

	req, err := h.svc.Select(r.Context(), chi.URLParam(r, "id"), actor, body.PharmacyID, body.Reason)
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}
	if h.metrics != nil {
		h.metrics.PharmaciesSelected.Inc()
	}

	writeData(w, http.StatusOK, "pharmacy selected", map[string]interface{}{
		"prescription_request": req,
	})
}

// StatusBody is a status transition.
type StatusBody struct {
	Status request.Status `json:"status"`
	Notes  string         `json:"notes,omitempty"`
}

// UpdateStatus handles PUT /prescription-requests/{id}/status
func (h *RequestHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body StatusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeValidation(w, "invalid request body")
		return
	}

	req, err := h.svc.UpdateStatus(r.Context(), chi.URLParam(r, "id"), actor, body.Status, body.Notes)
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}

	writeData(w, http.StatusOK, "status updated", map[string]interface{}{
		"prescription_request": req,
	})
}

// CancelBody carries the cancellation reason.
type CancelBody struct {
	Reason string `json:"reason,omitempty"`
}

// Cancel handles DELETE /prescription-requests/{id}
func (h *RequestHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body CancelBody
	if r.Body != nil {
		// Reason is optional; an empty body is fine.
		json.NewDecoder(r.Body).Decode(&body)
	}

	req, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"), actor, body.Reason)
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}
	if h.metrics != nil {
		h.metrics.RequestsCancelled.Inc()
	}

	writeData(w, http.StatusOK, "prescription request cancelled", map[string]interface{}{
		"prescription_request": req,
	})
}

// Get handles GET /prescription-requests/{id}
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	req, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}

	writeData(w, http.StatusOK, "prescription request", map[string]interface{}{
		"prescription_request": req,
	})
}

// List handles GET /prescription-requests, filtered by the actor's role.
func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	reqs, err := h.svc.List(r.Context(), actor)
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}

	writeData(w, http.StatusOK, "prescription requests", map[string]interface{}{
		"prescription_requests": reqs,
		"count":                 len(reqs),
	})
}

// Queue handles GET /prescription-requests/pharmacy/queue. The optional
// status query parameter is a comma-separated whitelist.
func (h *RequestHandler) Queue(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var statuses []request.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, request.Status(strings.TrimSpace(s)))
		}
	}

	reqs, err := h.svc.Queue(r.Context(), actor, statuses)
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}

	writeData(w, http.StatusOK, "pharmacy queue", map[string]interface{}{
		"prescription_requests": reqs,
		"count":                 len(reqs),
	})
}

// Stats handles GET /prescription-requests/pharmacy/{pharmacyID}/stats
func (h *RequestHandler) Stats(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	stats, err := h.svc.Stats(r.Context(), actor, chi.URLParam(r, "pharmacyID"))
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}

	writeData(w, http.StatusOK, "pharmacy statistics", map[string]interface{}{
		"stats": stats,
	})
}
