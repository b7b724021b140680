package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/api/middleware"
	"github.com/carebridge/rxmarket/internal/directory"
	"github.com/carebridge/rxmarket/internal/domain/apperror"
	"github.com/carebridge/rxmarket/internal/domain/notification"
	"github.com/carebridge/rxmarket/internal/observability/metrics"
)

// NotificationHandler handles the admin notification endpoints.
type NotificationHandler struct {
	engine        notification.Engine
	metrics       *metrics.Metrics
	logger        *zap.Logger
	includeDetail bool
}

// NewNotificationHandler creates a new handler.
func NewNotificationHandler(engine notification.Engine, m *metrics.Metrics, logger *zap.Logger, includeDetail bool) *NotificationHandler {
	return &NotificationHandler{engine: engine, metrics: m, logger: logger, includeDetail: includeDetail}
}

// Routes returns the handler routes
func (h *NotificationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/bulk", h.Bulk)
	r.Post("/broadcast", h.Broadcast)
	r.Post("/emergency-override", h.EmergencyOverride)
	r.Get("/overview", h.Overview)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/retry", h.Retry)
	r.Post("/{id}/cancel", h.Cancel)
	r.Post("/{id}/read", h.MarkRead)
	return r
}

// requireAdmin rejects non-admin callers.
func (h *NotificationHandler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	actor, ok := middleware.GetActor(r.Context())
	if !ok || actor.Role != directory.RoleAdmin {
		writeError(w, apperror.Authorization("admin access required"), h.includeDetail)
		return false
	}
	return true
}

// SendOptionsBody is the shared optional knobs on send endpoints.
type SendOptionsBody struct {
	Category     notification.Category  `json:"category,omitempty"`
	Priority     notification.Priority  `json:"priority,omitempty"`
	Channels     []notification.Channel `json:"channels,omitempty"`
	ScheduledFor *time.Time             `json:"scheduled_for,omitempty"`
	ExpiresAt    *time.Time             `json:"expires_at,omitempty"`
}

func (b SendOptionsBody) options() notification.SendOptions {
	return notification.SendOptions{
		Category:     b.Category,
		Priority:     b.Priority,
		Channels:     b.Channels,
		ScheduledFor: b.ScheduledFor,
		ExpiresAt:    b.ExpiresAt,
	}
}

// BulkBody is the multi-recipient send payload.
type BulkBody struct {
	Recipients []notification.RecipientRef `json:"recipients"`
	Type       notification.Type           `json:"type"`
	Content    notification.Content        `json:"content"`
	SendOptionsBody
}

// Bulk handles POST /admin/notifications/bulk
func (h *NotificationHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	var body BulkBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeValidation(w, "invalid request body")
		return
	}

	n, err := h.engine.SendBulk(r.Context(), body.Recipients, body.Type, body.Content, body.options())
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}
	if h.metrics != nil {
		h.metrics.NotificationsCreated.Inc()
	}

	writeData(w, http.StatusCreated, "notification created", map[string]interface{}{
		"notification": n,
	})
}

// BroadcastBody targets every verified user with a role.
type BroadcastBody struct {
	Role           directory.Role       `json:"role"`
	Type           notification.Type    `json:"type"`
	Content        notification.Content `json:"content"`
	ExcludeUserIDs []string             `json:"exclude_user_ids,omitempty"`
	SendOptionsBody
}

// Broadcast handles POST /admin/notifications/broadcast
func (h *NotificationHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	var body BroadcastBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeValidation(w, "invalid request body")
		return
	}

	n, err := h.engine.Broadcast(r.Context(), body.Role, body.Type, body.Content, body.options(), body.ExcludeUserIDs)
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}
	if h.metrics != nil {
		h.metrics.NotificationsCreated.Inc()
	}

	writeData(w, http.StatusCreated, "broadcast created", map[string]interface{}{
		"notification": n,
	})
}

// OverrideBody is the preference-bypassing send payload.
type OverrideBody struct {
	UserIDs        []string             `json:"user_ids"`
	Type           notification.Type    `json:"type"`
	Content        notification.Content `json:"content"`
	OverrideReason string               `json:"override_reason"`
}

// EmergencyOverride handles POST /admin/notifications/emergency-override
func (h *NotificationHandler) EmergencyOverride(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	actor, _ := middleware.GetActor(r.Context())

	var body OverrideBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeValidation(w, "invalid request body")
		return
	}

	n, err := h.engine.EmergencyOverride(r.Context(), body.UserIDs, body.Type, body.Content, body.OverrideReason, actor.UserID)
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}
	if h.metrics != nil {
		h.metrics.NotificationsCreated.Inc()
	}

	writeData(w, http.StatusCreated, "emergency notification created", map[string]interface{}{
		"notification": n,
	})
}

// RetryBody narrows a retry to specific channels or recipients.
type RetryBody struct {
	Channels     []notification.Channel `json:"channels,omitempty"`
	RecipientIDs []string               `json:"recipient_ids,omitempty"`
}

// Retry handles POST /admin/notifications/{id}/retry
func (h *NotificationHandler) Retry(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	var body RetryBody
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}

	retried, err := h.engine.Retry(r.Context(), chi.URLParam(r, "id"), body.Channels, body.RecipientIDs)
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}
	if h.metrics != nil && retried > 0 {
		h.metrics.DeliveryRetries.Inc()
	}

	writeData(w, http.StatusOK, "retry queued", map[string]interface{}{
		"retried": retried,
	})
}

// CancelNotificationBody carries the cancellation reason.
type CancelNotificationBody struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /admin/notifications/{id}/cancel
func (h *NotificationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	var body CancelNotificationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeValidation(w, "invalid request body")
		return
	}

	if err := h.engine.Cancel(r.Context(), chi.URLParam(r, "id"), body.Reason); err != nil {
		writeError(w, err, h.includeDetail)
		return
	}

	writeData(w, http.StatusOK, "notification cancelled", nil)
}

// Get handles GET /admin/notifications/{id}
func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	n, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}

	writeData(w, http.StatusOK, "notification", map[string]interface{}{
		"notification": n,
	})
}

// Overview handles GET /admin/notifications/overview. The window query
// parameter accepts a Go duration, defaulting to 24h.
func (h *NotificationHandler) Overview(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
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

	stats, err := h.engine.Stats(r.Context(), window)
	if err != nil {
		writeError(w, err, h.includeDetail)
		return
	}

	writeData(w, http.StatusOK, "delivery overview", map[string]interface{}{
		"stats": stats,
	})
}

// MarkRead handles POST /admin/notifications/{id}/read. Any authenticated
// recipient may mark their own copy read; this is the one non-admin route
// on the notification surface.
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActor(r.Context())
	if !ok {
		writeError(w, apperror.Authorization("authentication required"), h.includeDetail)
		return
	}

	if err := h.engine.MarkRead(r.Context(), chi.URLParam(r, "id"), actor.UserID); err != nil {
		writeError(w, err, h.includeDetail)
		return
	}

	writeData(w, http.StatusOK, "notification marked read", nil)
}
