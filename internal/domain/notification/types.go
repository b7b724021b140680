// Package notification implements the multi-channel notification engine:
// creation, fan-out to delivery channels, retry, scheduling and
// cancellation, with per-recipient per-channel delivery tracking.
package notification

import (
	"time"

	"github.com/carebridge/rxmarket/internal/directory"
)

// Type tags a notification event. The vocabulary is closed: producers and
// the creation-time validator share these constants, and arbitrary strings
// are rejected.
type Type string

const (
	TypePrescriptionCreated   Type = "prescription_created"
	TypePrescriptionSubmitted Type = "prescription_submitted"
	TypePharmacyResponse      Type = "pharmacy_response"
	TypePharmacySelected      Type = "pharmacy_selected"
	TypePharmacyNotSelected   Type = "pharmacy_not_selected"
	TypeRequestStatusChanged  Type = "request_status_changed"
	TypeRequestCancelled      Type = "request_cancelled"
	TypeOrderConfirmed        Type = "order_confirmed"
	TypePaymentProcessed      Type = "payment_processed"
	TypeSecurityAlert         Type = "security_alert"
	TypeSystemMaintenance     Type = "system_maintenance"
	TypeEmergencyBroadcast    Type = "emergency_broadcast"
	TypeDeliveryAlert         Type = "delivery_alert"
)

var validTypes = map[Type]struct{}{
	TypePrescriptionCreated:   {},
	TypePrescriptionSubmitted: {},
	TypePharmacyResponse:      {},
	TypePharmacySelected:      {},
	TypePharmacyNotSelected:   {},
	TypeRequestStatusChanged:  {},
	TypeRequestCancelled:      {},
	TypeOrderConfirmed:        {},
	TypePaymentProcessed:      {},
	TypeSecurityAlert:         {},
	TypeSystemMaintenance:     {},
	TypeEmergencyBroadcast:    {},
	TypeDeliveryAlert:         {},
}

// Valid reports whether the type is in the closed vocabulary.
func (t Type) Valid() bool {
	_, ok := validTypes[t]
	return ok
}

// Category groups notifications for filtering and analytics.
type Category string

const (
	CategoryMedical        Category = "medical"
	CategoryAdministrative Category = "administrative"
	CategorySystem         Category = "system"
	CategoryMarketing      Category = "marketing"
)

// Valid reports whether the category is known.
func (c Category) Valid() bool {
	switch c {
	case CategoryMedical, CategoryAdministrative, CategorySystem, CategoryMarketing:
		return true
	}
	return false
}

// Priority orders delivery urgency.
type Priority string

const (
	PriorityLow       Priority = "low"
	PriorityMedium    Priority = "medium"
	PriorityHigh      Priority = "high"
	PriorityEmergency Priority = "emergency"
)

// Valid reports whether the priority is known.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityEmergency:
		return true
	}
	return false
}

// Channel is one delivery transport. Each channel succeeds or fails
// independently per recipient.
type Channel string

const (
	ChannelWebsocket Channel = "websocket"
	ChannelEmail     Channel = "email"
	ChannelSMS       Channel = "sms"
)

// AllChannels lists every supported channel.
func AllChannels() []Channel {
	return []Channel{ChannelWebsocket, ChannelEmail, ChannelSMS}
}

// Valid reports whether the channel is supported.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWebsocket, ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

// DeliveryState tracks one (recipient, channel) delivery attempt.
// Transitions: pending -> delivered|failed|cancelled. A failed state may be
// reset to pending only by an explicit retry.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryCancelled DeliveryState = "cancelled"
)

// ChannelDelivery is the per-channel delivery record for one recipient.
type ChannelDelivery struct {
	State       DeliveryState `json:"status"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Recipient is one addressee of a notification. Recipients own their own
// readAt/actionTaken but not the notification body.
type Recipient struct {
	UserID      string                       `json:"user_id"`
	UserRole    directory.Role               `json:"user_role"`
	Channels    []Channel                    `json:"delivery_channels"`
	Delivery    map[Channel]*ChannelDelivery `json:"delivery_status"`
	ReadAt      *time.Time                   `json:"read_at,omitempty"`
	ActionTaken string                       `json:"action_taken,omitempty"`
}

// Content is the renderable body of a notification.
type Content struct {
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	ActionURL  string            `json:"action_url,omitempty"`
	ActionText string            `json:"action_text,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RelatedEntity is a weak back-reference to a business record. It never
// implies ownership.
type RelatedEntity struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// Notification is the persistent record of one notification and its
// per-recipient per-channel delivery state.
type Notification struct {
	ID              string          `json:"id"`
	Type            Type            `json:"type"`
	Category        Category        `json:"category"`
	Priority        Priority        `json:"priority"`
	Content         Content         `json:"content"`
	Recipients      []Recipient     `json:"recipients"`
	RelatedEntities []RelatedEntity `json:"related_entities,omitempty"`
	ScheduledFor    *time.Time      `json:"scheduled_for,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	RetryCount      int             `json:"retry_count"`
	LastRetryAt     *time.Time      `json:"last_retry_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Scheduled reports whether the notification is scheduled for a future
// instant as of now.
func (n *Notification) Scheduled(now time.Time) bool {
	return n.ScheduledFor != nil && n.ScheduledFor.After(now)
}

// Expired reports whether the notification has passed its expiry.
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && n.ExpiresAt.Before(now)
}

// DispatchJob is one unit of delivery work: a single (notification,
// recipient, channel) attempt. Jobs travel through the outbox to the
// dispatcher; content and addresses are resolved at delivery time so the
// store stays the single source of truth.
type DispatchJob struct {
	NotificationID string  `json:"notification_id"`
	RecipientID    string  `json:"recipient_id"`
	Channel        Channel `json:"channel"`
	Attempt        int     `json:"attempt"`
}

// DeliveryStats aggregates delivery outcomes over a window. Consumed by the
// admin overview endpoint and the alerting evaluator.
type DeliveryStats struct {
	Window    time.Duration             `json:"-"`
	Total     int64                     `json:"total"`
	Delivered int64                     `json:"delivered"`
	Failed    int64                     `json:"failed"`
	Pending   int64                     `json:"pending"`
	Cancelled int64                     `json:"cancelled"`
	ByChannel map[Channel]*ChannelStats `json:"by_channel"`
}

// ChannelStats aggregates outcomes for one channel.
type ChannelStats struct {
	Total     int64 `json:"total"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// FailureRate returns failed/total for the channel, zero when idle.
func (s *ChannelStats) FailureRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Total)
}
