package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/domain/apperror"
)

// PGStore persists alerts and escalation rules in PostgreSQL. Acknowledge,
// Resolve and Escalate are conditional updates so concurrent callers cannot
// both win the same transition.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPGStore creates the PostgreSQL alert store.
func NewPGStore(pool *pgxpool.Pool, logger *zap.Logger) *PGStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGStore{pool: pool, logger: logger}
}

func (s *PGStore) Insert(ctx context.Context, a *Alert) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (id, type, source, severity, message, triggered_at, escalation_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.Type, a.Source, a.Severity, a.Message, a.TriggeredAt, a.EscalationLevel)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

const alertColumns = `
	id, type, source, severity, message, triggered_at,
	acknowledged_by, acknowledged_at, acknowledge_notes,
	resolved_by, resolved_at, resolution,
	escalation_level, escalated_at
`

func scanAlert(row pgx.Row) (*Alert, error) {
	var a Alert
	var ackBy, ackNotes, resBy, resolution *string
	err := row.Scan(
		&a.ID, &a.Type, &a.Source, &a.Severity, &a.Message, &a.TriggeredAt,
		&ackBy, &a.AcknowledgedAt, &ackNotes,
		&resBy, &a.ResolvedAt, &resolution,
		&a.EscalationLevel, &a.EscalatedAt,
	)
	if err != nil {
		return nil, err
	}
	if ackBy != nil {
		a.AcknowledgedBy = *ackBy
	}
	if ackNotes != nil {
		a.AcknowledgeNotes = *ackNotes
	}
	if resBy != nil {
		a.ResolvedBy = *resBy
	}
	if resolution != nil {
		a.Resolution = *resolution
	}
	return &a, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*Alert, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("alert not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

func (s *PGStore) ActiveByTypeSource(ctx context.Context, alertType, source string) (*Alert, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE type = $1 AND source = $2 AND resolved_at IS NULL
		ORDER BY triggered_at DESC
		LIMIT 1
	`, alertType, source)
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("no active alert for %s/%s", alertType, source)
	}
	if err != nil {
		return nil, fmt.Errorf("active alert lookup: %w", err)
	}
	return a, nil
}

func (s *PGStore) ListActive(ctx context.Context) ([]*Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE resolved_at IS NULL
		ORDER BY triggered_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// Acknowledge sets the one-way flag only when it is still unset and the
// alert is unresolved.
func (s *PGStore) Acknowledge(ctx context.Context, id, by, notes string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts
		SET acknowledged_by = $2, acknowledge_notes = $3, acknowledged_at = $4
		WHERE id = $1 AND acknowledged_at IS NULL AND resolved_at IS NULL
	`, id, by, notes, at)
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// Resolve is terminal: only the first resolver wins.
func (s *PGStore) Resolve(ctx context.Context, id, by, resolution string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts
		SET resolved_by = $2, resolution = $3, resolved_at = $4
		WHERE id = $1 AND resolved_at IS NULL
	`, id, by, resolution, at)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// Escalate records the escalation step; level must advance.
func (s *PGStore) Escalate(ctx context.Context, id string, level int, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts
		SET escalation_level = $2, escalated_at = $3
		WHERE id = $1 AND resolved_at IS NULL AND escalation_level < $2
	`, id, level, at)
	if err != nil {
		return fmt.Errorf("escalate alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *PGStore) Stats(ctx context.Context, window time.Duration) (*Stats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT severity, type, COUNT(*)
		FROM alerts
		WHERE triggered_at > NOW() - $1::interval
		GROUP BY severity, type
	`, window.String())
	if err != nil {
		return nil, fmt.Errorf("alert stats query: %w", err)
	}
	defer rows.Close()

	stats := &Stats{
		Window:     window,
		BySeverity: make(map[Severity]int),
		ByType:     make(map[string]int),
	}
	for rows.Next() {
		var severity, alertType string
		var count int
		if err := rows.Scan(&severity, &alertType, &count); err != nil {
			return nil, fmt.Errorf("scan alert stats: %w", err)
		}
		stats.BySeverity[Severity(severity)] += count
		stats.ByType[alertType] += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM alerts WHERE resolved_at IS NULL`,
	).Scan(&stats.Active)
	if err != nil {
		return nil, fmt.Errorf("active alert count: %w", err)
	}
	return stats, nil
}

const ruleColumns = `alert_type, threshold, time_to_escalate_seconds, notify_role, severity, enabled, updated_by, updated_at`

func scanRule(row pgx.Row) (*EscalationRule, error) {
	var r EscalationRule
	var escalateSeconds int64
	var updatedBy *string
	err := row.Scan(
		&r.AlertType, &r.Threshold, &escalateSeconds,
		&r.NotifyRole, &r.Severity, &r.Enabled, &updatedBy, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.TimeToEscalate = time.Duration(escalateSeconds) * time.Second
	if updatedBy != nil {
		r.UpdatedBy = *updatedBy
	}
	return &r, nil
}

func (s *PGStore) GetRule(ctx context.Context, alertType string) (*EscalationRule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM escalation_rules WHERE alert_type = $1`, alertType)
	r, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("no escalation rule for alert type %s", alertType)
	}
	if err != nil {
		return nil, fmt.Errorf("get escalation rule: %w", err)
	}
	return r, nil
}

func (s *PGStore) ListRules(ctx context.Context) ([]*EscalationRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM escalation_rules ORDER BY alert_type`)
	if err != nil {
		return nil, fmt.Errorf("list escalation rules: %w", err)
	}
	defer rows.Close()

	var rules []*EscalationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escalation rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// ReplaceRule swaps the rule in one transaction, appending the previous
// value to the audit trail. Returns the previous rule, nil if none existed.
func (s *PGStore) ReplaceRule(ctx context.Context, rule *EscalationRule) (*EscalationRule, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin rule replace: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM escalation_rules WHERE alert_type = $1 FOR UPDATE`,
		rule.AlertType)
	previous, err := scanRule(row)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lock escalation rule: %w", err)
	}

	var previousJSON []byte
	if previous != nil {
		previousJSON, err = json.Marshal(previous)
		if err != nil {
			return nil, fmt.Errorf("marshal previous rule: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO escalation_rules
			(alert_type, threshold, time_to_escalate_seconds, notify_role, severity, enabled, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (alert_type) DO UPDATE SET
			threshold = EXCLUDED.threshold,
			time_to_escalate_seconds = EXCLUDED.time_to_escalate_seconds,
			notify_role = EXCLUDED.notify_role,
			severity = EXCLUDED.severity,
			enabled = EXCLUDED.enabled,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at
	`, rule.AlertType, rule.Threshold, int64(rule.TimeToEscalate/time.Second),
		rule.NotifyRole, rule.Severity, rule.Enabled, rule.UpdatedBy, rule.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert escalation rule: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO escalation_rule_audit (alert_type, previous, updated_by, updated_at)
		VALUES ($1, $2, $3, $4)
	`, rule.AlertType, previousJSON, rule.UpdatedBy, rule.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("audit escalation rule: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit rule replace: %w", err)
	}
	return previous, nil
}
