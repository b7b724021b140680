package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/api/middleware"
	"github.com/carebridge/rxmarket/internal/directory"
	"github.com/carebridge/rxmarket/internal/domain/alerting"
	"github.com/carebridge/rxmarket/internal/domain/apperror"
)

// AlertHandler handles the admin alerting endpoints.
type AlertHandler struct {
	svc           *alerting.Service
	logger        *zap.Logger
	includeDetail bool
}

// NewAlertHandler creates a new handler.
func NewAlertHandler(svc *alerting.Service, logger *zap.Logger, includeDetail bool) *AlertHandler {
	return &AlertHandler{svc: svc, logger: logger, includeDetail: includeDetail}
}

// Routes returns the handler routes
func (h *AlertHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListActive)
	r.Get("/stats", h.Stats)
	r.Get("/rules", h.ListRules)
	r.Put("/rules/{alertType}", h.UpdateRule)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/acknowledge", h.Acknowledge)
	r.Post("/{id}/resolve", h.Resolve)
	return r
}

func (h *AlertHandler) requireAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor, ok := middleware.GetActor(r.Context())
	if !ok || actor.Role != directory.RoleAdmin {
		writeError(w, apperror.Authorization("admin access required"), h.includeDetail)
		return "", false
	}
	return actor.UserID, true
}

// ListActive handles GET /admin/alerts
func (h *AlertHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	alerts, err := h.svc.ListActive(r.Context())
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}

	writeData(w, http.StatusOK, "active alerts", map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// Get handles GET /admin/alerts/{id}
func (h *AlertHandler) Get(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	alert, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}

	writeData(w, http.StatusOK, "alert", map[string]interface{}{"alert": alert})
}

// AcknowledgeBody carries optional triage notes.
type AcknowledgeBody struct {
	Notes string `json:"notes,omitempty"`
}

// Acknowledge handles POST /admin/alerts/{id}/acknowledge
func (h *AlertHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	var body AcknowledgeBody
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}

	alert, err := h.svc.Acknowledge(r.Context(), chi.URLParam(r, "id"), userID, body.Notes)
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}

	writeData(w, http.StatusOK, "alert acknowledged", map[string]interface{}{"alert": alert})
}

// ResolveBody records how the alert was settled.
type ResolveBody struct {
	Resolution string `json:"resolution"`
}

// Resolve handles POST /admin/alerts/{id}/resolve
func (h *AlertHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	var body ResolveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeValidation(w, "invalid request body")
		return
	}

	alert, err := h.svc.Resolve(r.Context(), chi.URLParam(r, "id"), userID, body.Resolution)
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}

	writeData(w, http.StatusOK, "alert resolved", map[string]interface{}{"alert": alert})
}

// Stats handles GET /admin/alerts/stats
func (h *AlertHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeValidation(w, "invalid window duration")
			return
		}
		window = parsed
	}

	stats, err := h.svc.Stats(r.Context(), window)
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}

	writeData(w, http.StatusOK, "alert statistics", map[string]interface{}{"stats": stats})
}

// ListRules handles GET /admin/alerts/rules
func (h *AlertHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	rules, err := h.svc.Rules(r.Context())
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}

	writeData(w, http.StatusOK, "escalation rules", map[string]interface{}{"rules": rules})
}

// RuleBody is the replacement escalation rule.
type RuleBody struct {
	Threshold      float64           `json:"threshold"`
	TimeToEscalate string            `json:"time_to_escalate"`
	NotifyRole     directory.Role    `json:"notify_role,omitempty"`
	Severity       alerting.Severity `json:"severity"`
	Enabled        bool              `json:"enabled"`
}

// UpdateRule handles PUT /admin/alerts/rules/{alertType}. The rule is
// replaced atomically; the previous value goes to the audit trail and is
// echoed back.
func (h *AlertHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	var body RuleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeValidation(w, "invalid request body")
		return
	}

	escalate, err := time.ParseDuration(body.TimeToEscalate)
	if err != nil {
		writeValidation(w, "invalid time_to_escalate duration")
		return
	}

	rule := alerting.EscalationRule{
		AlertType:      chi.URLParam(r, "alertType"),
		Threshold:      body.Threshold,
		TimeToEscalate: escalate,
		NotifyRole:     body.NotifyRole,
		Severity:       body.Severity,
		Enabled:        body.Enabled,
	}
	previous, err := h.svc.UpdateEscalationRule(r.Context(), rule, userID)
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}

	writeData(w, http.StatusOK, "escalation rule updated", map[string]interface{}{
		"rule":     rule,
		"previous": previous,
	})
}
