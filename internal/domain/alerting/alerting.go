// Package alerting raises, acknowledges and resolves operational alerts,
// driven by delivery failure-rate breaches and governed by configurable
// escalation rules. Alert state is persisted so a process restart does not
// drop active alerts.
package alerting

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/directory"
	"github.com/carebridge/rxmarket/internal/domain/apperror"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is known.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Well-known alert types. The evaluator raises AlertDeliveryFailureRate;
// the rest are reserved for manual or future raisers.
const (
	AlertDeliveryFailureRate = "delivery_failure_rate"
	AlertOutboxBacklog       = "outbox_backlog"
	AlertDatastoreDown       = "datastore_down"
)

// Alert is one persisted alert instance. Acknowledge is a one-way flag
// settable exactly once; Resolve is terminal.
type Alert struct {
	ID               string     `json:"id"`
	Type             string     `json:"type"`
	Source           string     `json:"source"`
	Severity         Severity   `json:"severity"`
	Message          string     `json:"message"`
	TriggeredAt      time.Time  `json:"triggered_at"`
	AcknowledgedBy   string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgeNotes string     `json:"acknowledge_notes,omitempty"`
	ResolvedBy       string     `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	Resolution       string     `json:"resolution,omitempty"`
	EscalationLevel  int        `json:"escalation_level"`
	EscalatedAt      *time.Time `json:"escalated_at,omitempty"`
}

// Acknowledged reports whether the one-way acknowledge flag is set.
func (a *Alert) Acknowledged() bool { return a.AcknowledgedAt != nil }

// Resolved reports whether the alert reached its terminal state.
func (a *Alert) Resolved() bool { return a.ResolvedAt != nil }

// EscalationRule configures how one alert type escalates: the metric
// threshold that raises it, how long it may sit unacknowledged, and which
// role is notified when it escalates.
type EscalationRule struct {
	AlertType      string         `json:"alert_type"`
	Threshold      float64        `json:"threshold"`
	TimeToEscalate time.Duration  `json:"time_to_escalate"`
	NotifyRole     directory.Role `json:"notify_role"`
	Severity       Severity       `json:"severity"`
	Enabled        bool           `json:"enabled"`
	UpdatedBy      string         `json:"updated_by,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Stats aggregates alerts over a rolling window for dashboards.
type Stats struct {
	Window     time.Duration    `json:"window"`
	Active     int              `json:"active"`
	BySeverity map[Severity]int `json:"by_severity"`
	ByType     map[string]int   `json:"by_type"`
}

// ErrConflict is returned by the store when a conditional state change
// found the alert already past that transition.
var ErrConflict = errors.New("alert state conflict")

// Store is the alert persistence contract.
type Store interface {
	Insert(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id string) (*Alert, error)
	ActiveByTypeSource(ctx context.Context, alertType, source string) (*Alert, error)
	ListActive(ctx context.Context) ([]*Alert, error)
	Acknowledge(ctx context.Context, id, by, notes string, at time.Time) error
	Resolve(ctx context.Context, id, by, resolution string, at time.Time) error
	Escalate(ctx context.Context, id string, level int, at time.Time) error
	Stats(ctx context.Context, window time.Duration) (*Stats, error)
	GetRule(ctx context.Context, alertType string) (*EscalationRule, error)
	ListRules(ctx context.Context) ([]*EscalationRule, error)
	ReplaceRule(ctx context.Context, rule *EscalationRule) (*EscalationRule, error)
}

// Service is the alerting front door.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates the alerting service.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Raise opens an alert unless an unresolved one of the same type and
// source already exists, in which case the existing alert is returned.
func (s *Service) Raise(ctx context.Context, alertType, source string, severity Severity, message string) (*Alert, error) {
	if alertType == "" {
		return nil, apperror.Validation("alert type is required")
	}
	if !severity.Valid() {
		return nil, apperror.Validation("unknown severity: %s", severity)
	}

	existing, err := s.store.ActiveByTypeSource(ctx, alertType, source)
	if err != nil && !apperror.IsNotFound(err) {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	a := &Alert{
		ID:          uuid.New().String(),
		Type:        alertType,
		Source:      source,
		Severity:    severity,
		Message:     message,
		TriggeredAt: s.now(),
	}
	if err := s.store.Insert(ctx, a); err != nil {
		return nil, apperror.External(err, "failed to raise alert")
	}
	s.logger.Warn("alert raised",
		zap.String("alert_id", a.ID),
		zap.String("type", alertType),
		zap.String("source", source),
		zap.String("severity", string(severity)),
	)
	return a, nil
}

// Acknowledge sets the one-way acknowledge flag. It fails with
// InvalidStateError if the alert was already acknowledged or resolved.
func (s *Service) Acknowledge(ctx context.Context, id, by, notes string) (*Alert, error) {
	if by == "" {
		return nil, apperror.Validation("acknowledging user is required")
	}
	if err := s.store.Acknowledge(ctx, id, by, notes, s.now()); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, apperror.InvalidState("alert %s is already acknowledged or resolved", id)
		}
		return nil, err
	}
	s.logger.Info("alert acknowledged", zap.String("alert_id", id), zap.String("by", by))
	return s.store.Get(ctx, id)
}

// Resolve moves the alert to its terminal state. It fails with
// InvalidStateError if already resolved.
func (s *Service) Resolve(ctx context.Context, id, by, resolution string) (*Alert, error) {
	if by == "" {
		return nil, apperror.Validation("resolving user is required")
	}
	if resolution == "" {
		return nil, apperror.Validation("resolution is required")
	}
	if err := s.store.Resolve(ctx, id, by, resolution, s.now()); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, apperror.InvalidState("alert %s is already resolved", id)
		}
		return nil, err
	}
	s.logger.Info("alert resolved", zap.String("alert_id", id), zap.String("by", by))
	return s.store.Get(ctx, id)
}

// Get returns one alert.
func (s *Service) Get(ctx context.Context, id string) (*Alert, error) {
	return s.store.Get(ctx, id)
}

// ListActive returns all unresolved alerts, newest first.
func (s *Service) ListActive(ctx context.Context) ([]*Alert, error) {
	return s.store.ListActive(ctx)
}

// Stats returns alert counts by severity and type over the window.
func (s *Service) Stats(ctx context.Context, window time.Duration) (*Stats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return s.store.Stats(ctx, window)
}

// Rule returns the escalation rule for one alert type.
func (s *Service) Rule(ctx context.Context, alertType string) (*EscalationRule, error) {
	return s.store.GetRule(ctx, alertType)
}

// Rules returns every escalation rule.
func (s *Service) Rules(ctx context.Context) ([]*EscalationRule, error) {
	return s.store.ListRules(ctx)
}

// UpdateEscalationRule replaces the rule for its alert type atomically.
// The previous value is written to the audit trail and returned.
func (s *Service) UpdateEscalationRule(ctx context.Context, rule EscalationRule, by string) (*EscalationRule, error) {
	if rule.AlertType == "" {
		return nil, apperror.Validation("alert type is required")
	}
	if rule.Threshold < 0 || rule.Threshold > 1 {
		return nil, apperror.Validation("threshold must be within [0, 1]")
	}
	if rule.TimeToEscalate <= 0 {
		return nil, apperror.Validation("time to escalate must be positive")
	}
	if !rule.Severity.Valid() {
		return nil, apperror.Validation("unknown severity: %s", rule.Severity)
	}
	if rule.NotifyRole != "" && !rule.NotifyRole.Valid() {
		return nil, apperror.Validation("unknown notify role: %s", rule.NotifyRole)
	}

	rule.UpdatedBy = by
	rule.UpdatedAt = s.now()
	previous, err := s.store.ReplaceRule(ctx, &rule)
	if err != nil {
		return nil, apperror.External(err, "failed to update escalation rule")
	}
	s.logger.Info("escalation rule updated",
		zap.String("alert_type", rule.AlertType),
		zap.Float64("threshold", rule.Threshold),
		zap.String("by", by),
	)
	return previous, nil
}
