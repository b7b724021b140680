package alerting

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/directory"
	"github.com/carebridge/rxmarket/internal/domain/apperror"
	"github.com/carebridge/rxmarket/internal/domain/notification"
)

// memStore mirrors the conditional-update semantics of the Postgres store.
type memStore struct {
	alerts map[string]*Alert
	rules  map[string]*EscalationRule
	audit  int
}

func newMemStore() *memStore {
	return &memStore{
		alerts: make(map[string]*Alert),
		rules:  make(map[string]*EscalationRule),
	}
}

func (m *memStore) Insert(_ context.Context, a *Alert) error {
	m.alerts[a.ID] = a
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*Alert, error) {
	a, ok := m.alerts[id]
	if !ok {
		return nil, apperror.NotFound("alert not found: %s", id)
	}
	return a, nil
}

func (m *memStore) ActiveByTypeSource(_ context.Context, alertType, source string) (*Alert, error) {
	for _, a := range m.alerts {
		if a.Type == alertType && a.Source == source && !a.Resolved() {
			return a, nil
		}
	}
	return nil, apperror.NotFound("no active alert for %s/%s", alertType, source)
}

func (m *memStore) ListActive(_ context.Context) ([]*Alert, error) {
	var out []*Alert
	for _, a := range m.alerts {
		if !a.Resolved() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) Acknowledge(_ context.Context, id, by, notes string, at time.Time) error {
	a, ok := m.alerts[id]
	if !ok {
		return apperror.NotFound("alert not found: %s", id)
	}
	if a.Acknowledged() || a.Resolved() {
		return ErrConflict
	}
	a.AcknowledgedBy, a.AcknowledgeNotes, a.AcknowledgedAt = by, notes, &at
	return nil
}

func (m *memStore) Resolve(_ context.Context, id, by, resolution string, at time.Time) error {
	a, ok := m.alerts[id]
	if !ok {
		return apperror.NotFound("alert not found: %s", id)
	}
	if a.Resolved() {
		return ErrConflict
	}
	a.ResolvedBy, a.Resolution, a.ResolvedAt = by, resolution, &at
	return nil
}

func (m *memStore) Escalate(_ context.Context, id string, level int, at time.Time) error {
	a, ok := m.alerts[id]
	if !ok {
		return apperror.NotFound("alert not found: %s", id)
	}
	if a.Resolved() || a.EscalationLevel >= level {
		return ErrConflict
	}
	a.EscalationLevel, a.EscalatedAt = level, &at
	return nil
}

func (m *memStore) Stats(_ context.Context, window time.Duration) (*Stats, error) {
	s := &Stats{
		Window:     window,
		BySeverity: make(map[Severity]int),
		ByType:     make(map[string]int),
	}
	for _, a := range m.alerts {
		if !a.Resolved() {
			s.Active++
		}
		s.BySeverity[a.Severity]++
		s.ByType[a.Type]++
	}
	return s, nil
}

func (m *memStore) GetRule(_ context.Context, alertType string) (*EscalationRule, error) {
	r, ok := m.rules[alertType]
	if !ok {
		return nil, apperror.NotFound("no escalation rule for alert type %s", alertType)
	}
	return r, nil
}

func (m *memStore) ListRules(_ context.Context) ([]*EscalationRule, error) {
	var out []*EscalationRule
	for _, r := range m.rules {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) ReplaceRule(_ context.Context, rule *EscalationRule) (*EscalationRule, error) {
	previous := m.rules[rule.AlertType]
	m.rules[rule.AlertType] = rule
	m.audit++
	return previous, nil
}

func TestRaiseDeduplicates(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, zap.NewNop())
	ctx := context.Background()

	first, err := svc.Raise(ctx, AlertDeliveryFailureRate, "email", SeverityCritical, "40% failures")
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}
	again, err := svc.Raise(ctx, AlertDeliveryFailureRate, "email", SeverityCritical, "still failing")
	if err != nil {
		t.Fatalf("second Raise failed: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("expected dedupe onto the active alert, got new id %s", again.ID)
	}

	// A different source is a different alert.
	other, err := svc.Raise(ctx, AlertDeliveryFailureRate, "sms", SeverityCritical, "sms down")
	if err != nil {
		t.Fatalf("Raise for other source failed: %v", err)
	}
	if other.ID == first.ID {
		t.Error("alerts for different sources must not collapse")
	}

	if _, err := svc.Raise(ctx, "", "email", SeverityCritical, "x"); !apperror.IsValidation(err) {
		t.Errorf("empty type: got %v, want validation error", err)
	}
	if _, err := svc.Raise(ctx, AlertOutboxBacklog, "relay", Severity("panic"), "x"); !apperror.IsValidation(err) {
		t.Errorf("unknown severity: got %v, want validation error", err)
	}
}

func TestAcknowledgeOnce(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, zap.NewNop())
	ctx := context.Background()

	a, _ := svc.Raise(ctx, AlertDatastoreDown, "primary", SeverityCritical, "ping timeout")

	acked, err := svc.Acknowledge(ctx, a.ID, "admin-1", "looking into it")
	if err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if !acked.Acknowledged() || acked.AcknowledgedBy != "admin-1" {
		t.Errorf("acknowledge not recorded: %+v", acked)
	}

	if _, err := svc.Acknowledge(ctx, a.ID, "admin-2", ""); !apperror.IsInvalidState(err) {
		t.Errorf("second acknowledge: got %v, want invalid state error", err)
	}
	if _, err := svc.Acknowledge(ctx, a.ID, "", ""); !apperror.IsValidation(err) {
		t.Errorf("missing user: got %v, want validation error", err)
	}
}

func TestResolveTerminal(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, zap.NewNop())
	ctx := context.Background()

	a, _ := svc.Raise(ctx, AlertDatastoreDown, "primary", SeverityCritical, "ping timeout")

	if _, err := svc.Resolve(ctx, a.ID, "admin-1", ""); !apperror.IsValidation(err) {
		t.Errorf("missing resolution: got %v, want validation error", err)
	}

	resolved, err := svc.Resolve(ctx, a.ID, "admin-1", "failover completed")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !resolved.Resolved() {
		t.Error("alert should be resolved")
	}

	if _, err := svc.Resolve(ctx, a.ID, "admin-2", "again"); !apperror.IsInvalidState(err) {
		t.Errorf("second resolve: got %v, want invalid state error", err)
	}
	// A resolved alert may not be acknowledged either.
	if _, err := svc.Acknowledge(ctx, a.ID, "admin-2", ""); !apperror.IsInvalidState(err) {
		t.Errorf("acknowledge after resolve: got %v, want invalid state error", err)
	}
}

func TestUpdateEscalationRule(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, zap.NewNop())
	ctx := context.Background()

	rule := EscalationRule{
		AlertType:      AlertDeliveryFailureRate,
		Threshold:      0.25,
		TimeToEscalate: 15 * time.Minute,
		Severity:       SeverityCritical,
		Enabled:        true,
	}
	previous, err := svc.UpdateEscalationRule(ctx, rule, "admin-1")
	if err != nil {
		t.Fatalf("UpdateEscalationRule failed: %v", err)
	}
	if previous != nil {
		t.Errorf("first update should have no previous rule, got %+v", previous)
	}

	rule.Threshold = 0.5
	previous, err = svc.UpdateEscalationRule(ctx, rule, "admin-2")
	if err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	if previous == nil || previous.Threshold != 0.25 {
		t.Errorf("previous = %+v, want the 0.25 rule", previous)
	}
	if store.audit != 2 {
		t.Errorf("audit entries = %d, want 2", store.audit)
	}

	bad := rule
	bad.Threshold = 1.5
	if _, err := svc.UpdateEscalationRule(ctx, bad, "admin-1"); !apperror.IsValidation(err) {
		t.Errorf("threshold out of range: got %v, want validation error", err)
	}
	bad = rule
	bad.TimeToEscalate = 0
	if _, err := svc.UpdateEscalationRule(ctx, bad, "admin-1"); !apperror.IsValidation(err) {
		t.Errorf("zero escalation time: got %v, want validation error", err)
	}
	bad = rule
	bad.NotifyRole = "superhero"
	if _, err := svc.UpdateEscalationRule(ctx, bad, "admin-1"); !apperror.IsValidation(err) {
		t.Errorf("unknown role: got %v, want validation error", err)
	}
}

// fixedStats serves a canned delivery aggregate.
type fixedStats struct {
	stats *notification.DeliveryStats
}

func (f *fixedStats) Stats(context.Context, time.Duration) (*notification.DeliveryStats, error) {
	return f.stats, nil
}

// stubEngine records Broadcast calls; everything else is unused by the
// evaluator.
type stubEngine struct {
	broadcasts []directory.Role
}

func (s *stubEngine) Broadcast(_ context.Context, role directory.Role, _ notification.Type, _ notification.Content, _ notification.SendOptions, _ []string) (*notification.Notification, error) {
	s.broadcasts = append(s.broadcasts, role)
	return &notification.Notification{ID: "n-1"}, nil
}

func (s *stubEngine) Create(context.Context, notification.CreateInput) (*notification.Notification, error) {
	return nil, nil
}
func (s *stubEngine) Send(context.Context, string, directory.Role, notification.Type, notification.Content, notification.SendOptions) (*notification.Notification, error) {
	return nil, nil
}
func (s *stubEngine) SendBulk(context.Context, []notification.RecipientRef, notification.Type, notification.Content, notification.SendOptions) (*notification.Notification, error) {
	return nil, nil
}
func (s *stubEngine) Retry(context.Context, string, []notification.Channel, []string) (int, error) {
	return 0, nil
}
func (s *stubEngine) Cancel(context.Context, string, string) error { return nil }
func (s *stubEngine) EmergencyOverride(context.Context, []string, notification.Type, notification.Content, string, string) (*notification.Notification, error) {
	return nil, nil
}
func (s *stubEngine) Get(_ context.Context, id string) (*notification.Notification, error) {
	return nil, apperror.NotFound("notification not found: %s", id)
}
func (s *stubEngine) MarkRead(context.Context, string, string) error { return nil }
func (s *stubEngine) Stats(_ context.Context, window time.Duration) (*notification.DeliveryStats, error) {
	return &notification.DeliveryStats{Window: window}, nil
}

func evaluatorFixture(stats *notification.DeliveryStats) (*Evaluator, *memStore, *stubEngine) {
	store := newMemStore()
	store.rules[AlertDeliveryFailureRate] = &EscalationRule{
		AlertType:      AlertDeliveryFailureRate,
		Threshold:      0.25,
		TimeToEscalate: 15 * time.Minute,
		NotifyRole:     directory.RoleAdmin,
		Severity:       SeverityCritical,
		Enabled:        true,
	}
	svc := NewService(store, zap.NewNop())
	engine := &stubEngine{}
	ev := NewEvaluator(svc, &fixedStats{stats: stats}, engine,
		EvaluatorConfig{Interval: time.Minute, Window: 15 * time.Minute, MinSample: 10}, zap.NewNop())
	return ev, store, engine
}

func TestEvaluatorRaisesOnBreach(t *testing.T) {
	stats := &notification.DeliveryStats{
		ByChannel: map[notification.Channel]*notification.ChannelStats{
			notification.ChannelEmail: {Total: 100, Delivered: 60, Failed: 40},
			notification.ChannelSMS:   {Total: 100, Delivered: 95, Failed: 5},
			// High rate but tiny sample; must not be judged.
			notification.ChannelWebsocket: {Total: 4, Delivered: 0, Failed: 4},
		},
	}
	ev, store, _ := evaluatorFixture(stats)
	ctx := context.Background()

	if err := ev.EvaluateOnce(ctx); err != nil {
		t.Fatalf("EvaluateOnce failed: %v", err)
	}
	if len(store.alerts) != 1 {
		t.Fatalf("alerts = %d, want one (email only)", len(store.alerts))
	}
	for _, a := range store.alerts {
		if a.Source != "email" || a.Type != AlertDeliveryFailureRate {
			t.Errorf("alert = %+v, want email failure-rate alert", a)
		}
	}

	// Re-evaluating while the alert is active must not duplicate it.
	if err := ev.EvaluateOnce(ctx); err != nil {
		t.Fatalf("second EvaluateOnce failed: %v", err)
	}
	if len(store.alerts) != 1 {
		t.Errorf("alerts = %d after re-evaluation, want still one", len(store.alerts))
	}
}

func TestEvaluatorRespectsDisabledRule(t *testing.T) {
	stats := &notification.DeliveryStats{
		ByChannel: map[notification.Channel]*notification.ChannelStats{
			notification.ChannelEmail: {Total: 100, Failed: 100},
		},
	}
	ev, store, _ := evaluatorFixture(stats)
	store.rules[AlertDeliveryFailureRate].Enabled = false

	if err := ev.EvaluateOnce(context.Background()); err != nil {
		t.Fatalf("EvaluateOnce failed: %v", err)
	}
	if len(store.alerts) != 0 {
		t.Errorf("alerts = %d, want none with the rule disabled", len(store.alerts))
	}
}

func TestEvaluatorEscalatesStaleAlerts(t *testing.T) {
	ev, store, engine := evaluatorFixture(&notification.DeliveryStats{
		ByChannel: map[notification.Channel]*notification.ChannelStats{},
	})
	ctx := context.Background()

	// An alert sitting unacknowledged past the 15m time-to-escalate.
	stale := &Alert{
		ID:          "a-stale",
		Type:        AlertDeliveryFailureRate,
		Source:      "email",
		Severity:    SeverityCritical,
		TriggeredAt: time.Now().UTC().Add(-time.Hour),
	}
	// A fresh one and an acknowledged one; neither escalates.
	now := time.Now().UTC()
	fresh := &Alert{ID: "a-fresh", Type: AlertDeliveryFailureRate, Source: "sms",
		Severity: SeverityCritical, TriggeredAt: now}
	acked := &Alert{ID: "a-acked", Type: AlertDeliveryFailureRate, Source: "websocket",
		Severity: SeverityCritical, TriggeredAt: now.Add(-time.Hour), AcknowledgedAt: &now}
	for _, a := range []*Alert{stale, fresh, acked} {
		store.alerts[a.ID] = a
	}

	if err := ev.EvaluateOnce(ctx); err != nil {
		t.Fatalf("EvaluateOnce failed: %v", err)
	}

	if stale.EscalationLevel != 1 {
		t.Errorf("stale escalation level = %d, want 1", stale.EscalationLevel)
	}
	if fresh.EscalationLevel != 0 || acked.EscalationLevel != 0 {
		t.Error("fresh or acknowledged alert escalated")
	}
	if len(engine.broadcasts) != 1 || engine.broadcasts[0] != directory.RoleAdmin {
		t.Errorf("broadcasts = %v, want one to admins", engine.broadcasts)
	}

	// Already-escalated alerts are left alone on the next pass.
	if err := ev.EvaluateOnce(ctx); err != nil {
		t.Fatalf("second EvaluateOnce failed: %v", err)
	}
	if stale.EscalationLevel != 1 {
		t.Errorf("escalation level = %d after second pass, want still 1", stale.EscalationLevel)
	}
	if len(engine.broadcasts) != 1 {
		t.Errorf("broadcasts = %d after second pass, want still 1", len(engine.broadcasts))
	}
}
