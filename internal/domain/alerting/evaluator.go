package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/directory"
	"github.com/carebridge/rxmarket/internal/domain/apperror"
	"github.com/carebridge/rxmarket/internal/domain/notification"
)

// StatsSource supplies the delivery outcome aggregates the evaluator
// watches. Satisfied by notification.Engine.
type StatsSource interface {
	Stats(ctx context.Context, window time.Duration) (*notification.DeliveryStats, error)
}

// EvaluatorConfig tunes the watch loop.
type EvaluatorConfig struct {
	Interval  time.Duration // how often to evaluate
	Window    time.Duration // trailing window for failure rates
	MinSample int64         // below this many attempts a channel is not judged
}

// Evaluator periodically compares per-channel delivery failure rates
// against the configured escalation rules, raises alerts on breach, and
// escalates alerts that sit unacknowledged past their time-to-escalate.
type Evaluator struct {
	alerts   *Service
	source   StatsSource
	notifier notification.Engine
	cfg      EvaluatorConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewEvaluator creates the watch loop.
func NewEvaluator(alerts *Service, source StatsSource, notifier notification.Engine, cfg EvaluatorConfig, logger *zap.Logger) *Evaluator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.MinSample <= 0 {
		cfg.MinSample = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		alerts:   alerts,
		source:   source,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until the context is cancelled, evaluating at each tick.
func (e *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.logger.Info("alert evaluator started",
		zap.Duration("interval", e.cfg.Interval),
		zap.Duration("window", e.cfg.Window),
	)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("alert evaluator stopped")
			return
		case <-ticker.C:
			if err := e.EvaluateOnce(ctx); err != nil {
				e.logger.Error("alert evaluation failed", zap.Error(err))
			}
		}
	}
}

// EvaluateOnce runs a single evaluation pass: failure-rate checks first,
// then the escalation sweep.
func (e *Evaluator) EvaluateOnce(ctx context.Context) error {
	if err := e.checkFailureRates(ctx); err != nil {
		return err
	}
	return e.escalateStale(ctx)
}

func (e *Evaluator) checkFailureRates(ctx context.Context) error {
	rule, err := e.alerts.Rule(ctx, AlertDeliveryFailureRate)
	if apperror.IsNotFound(err) {
		return nil // not configured, nothing to watch
	}
	if err != nil {
		return fmt.Errorf("load failure-rate rule: %w", err)
	}
	if !rule.Enabled {
		return nil
	}

	stats, err := e.source.Stats(ctx, e.cfg.Window)
	if err != nil {
		return fmt.Errorf("delivery stats: %w", err)
	}

	for channel, cs := range stats.ByChannel {
		if cs.Total < e.cfg.MinSample {
			continue
		}
		rate := cs.FailureRate()
		if rate < rule.Threshold {
			continue
		}
		msg := fmt.Sprintf("%s delivery failure rate %.0f%% over the last %s (threshold %.0f%%)",
			channel, rate*100, e.cfg.Window, rule.Threshold*100)
		if _, err := e.alerts.Raise(ctx, AlertDeliveryFailureRate, string(channel), rule.Severity, msg); err != nil {
			e.logger.Error("failed to raise failure-rate alert",
				zap.String("channel", string(channel)), zap.Error(err))
		}
	}
	return nil
}

// escalateStale advances alerts that sat unacknowledged past their rule's
// time-to-escalate and notifies the rule's responder role.
func (e *Evaluator) escalateStale(ctx context.Context) error {
	active, err := e.alerts.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active alerts: %w", err)
	}
	now := e.now()

	for _, a := range active {
		if a.Acknowledged() || a.EscalationLevel > 0 {
			continue
		}
		rule, err := e.alerts.Rule(ctx, a.Type)
		if apperror.IsNotFound(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load rule for %s: %w", a.Type, err)
		}
		if !rule.Enabled || now.Sub(a.TriggeredAt) < rule.TimeToEscalate {
			continue
		}

		if err := e.alerts.store.Escalate(ctx, a.ID, a.EscalationLevel+1, now); err != nil {
			if errors.Is(err, ErrConflict) {
				continue // someone else escalated or resolved it
			}
			e.logger.Error("failed to escalate alert",
				zap.String("alert_id", a.ID), zap.Error(err))
			continue
		}
		e.logger.Warn("alert escalated",
			zap.String("alert_id", a.ID),
			zap.String("type", a.Type),
			zap.Duration("unacknowledged_for", now.Sub(a.TriggeredAt)),
		)
		e.notifyResponders(ctx, a, rule)
	}
	return nil
}

func (e *Evaluator) notifyResponders(ctx context.Context, a *Alert, rule *EscalationRule) {
	role := rule.NotifyRole
	if role == "" {
		role = directory.RoleAdmin
	}
	_, err := e.notifier.Broadcast(ctx, role, notification.TypeDeliveryAlert,
		notification.Content{
			Title:   fmt.Sprintf("Escalated alert: %s", a.Type),
			Message: a.Message,
			Metadata: map[string]string{
				"alert_id": a.ID,
				"severity": string(a.Severity),
				"source":   a.Source,
			},
		},
		notification.SendOptions{
			Category: notification.CategorySystem,
			Priority: notification.PriorityHigh,
			RelatedEntities: []notification.RelatedEntity{
				{EntityType: "alert", EntityID: a.ID},
			},
		}, nil)
	if err != nil {
		e.logger.Error("failed to notify responders",
			zap.String("alert_id", a.ID), zap.Error(err))
	}
}
