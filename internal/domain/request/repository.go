package request

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

// Repository is the persistence boundary for prescription requests.
// Mutations that race (selection, status moves) are conditional updates:
// the store checks the expected state at write time and reports a conflict
// instead of clobbering.
type Repository interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	ListByPatient(ctx context.Context, patientID string) ([]*Request, error)
	ListAll(ctx context.Context, limit int) ([]*Request, error)
	// MarkSubmitted freezes the target set and moves draft/pending ->
	// submitted. ErrConflict when the request already left that state.
	MarkSubmitted(ctx context.Context, id string, targets []string, change StatusChange) error
	// UpsertResponse writes the single response row for (request,
	// pharmacy); a repeat response overwrites (last write wins).
	UpsertResponse(ctx context.Context, id string, resp *PharmacyResponse) error
	// SelectPharmacy atomically sets the winner and moves to accepted.
	// The condition requires an accepted response from that pharmacy and
	// no prior winner, so concurrent selections cannot both succeed.
	SelectPharmacy(ctx context.Context, id string, sel *SelectedPharmacy, change StatusChange) error
	// UpdateStatus moves from -> to conditionally and appends the audit
	// entry in the same transaction.
	UpdateStatus(ctx context.Context, id string, from, to Status, change StatusChange) error
	// Queue returns the requests targeting the pharmacy, filtered by the
	// status whitelist.
	Queue(ctx context.Context, pharmacyID string, statuses []Status) ([]*Request, error)
	Stats(ctx context.Context, pharmacyID string) (*PharmacyStats, error)
}

// ErrConflict reports a conditional update that found the row in a
// different state than expected.
var ErrConflict = errors.New("conditional update conflict")

// PGRepository is the Postgres repository. Responses live one row per
// (request, pharmacy) so two pharmacies answering at once never touch the
// same row.
type PGRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPGRepository creates the Postgres repository.
func NewPGRepository(pool *pgxpool.Pool, logger *zap.Logger) *PGRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGRepository{pool: pool, logger: logger}
}

// Create persists a new request with its initial audit entry.
func (r *PGRepository) Create(ctx context.Context, req *Request) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	medications, err := json.Marshal(req.Medications)
	if err != nil {
		return fmt.Errorf("marshal medications: %w", err)
	}
	prefs, err := json.Marshal(req.Preferences)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO prescription_requests
		(id, number, patient_id, medications, preferences, target_pharmacies,
		 status, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		req.ID, req.Number, req.PatientID, medications, prefs,
		req.TargetPharmacies, req.Status, req.IsActive, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}

	for _, change := range req.History {
		if err := appendHistory(ctx, tx, req.ID, change); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func appendHistory(ctx context.Context, tx pgx.Tx, requestID string, change StatusChange) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO prescription_status_history
		(request_id, status, changed_by, reason, notes, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, requestID, change.Status, change.ChangedBy, change.Reason, change.Notes, change.At)
	if err != nil {
		return fmt.Errorf("append status history: %w", err)
	}
	return nil
}

// Get loads a request with its responses and audit log. Soft-deleted
// records are not returned.
func (r *PGRepository) Get(ctx context.Context, id string) (*Request, error) {
	req, err := r.scanOne(ctx, `
		SELECT id, number, patient_id, medications, preferences, target_pharmacies,
		       status, selected_pharmacy_id, selected_reason, selected_at,
		       is_active, created_at, updated_at
		FROM prescription_requests
		WHERE id = $1 AND is_active
	`, id)
	if err != nil {
		return nil, err
	}

	if err := r.loadResponses(ctx, req); err != nil {
		return nil, err
	}
	if err := r.loadHistory(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *PGRepository) scanOne(ctx context.Context, query string, args ...interface{}) (*Request, error) {
	req := &Request{}
	var medications, prefs []byte
	var selectedID, selectedReason *string
	var selectedAt *time.Time

	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&req.ID, &req.Number, &req.PatientID, &medications, &prefs,
		&req.TargetPharmacies, &req.Status, &selectedID, &selectedReason,
		&selectedAt, &req.IsActive, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("prescription request not found")
		}
		return nil, apperror.External(err, "request lookup failed")
	}

	if err := json.Unmarshal(medications, &req.Medications); err != nil {
		return nil, fmt.Errorf("unmarshal medications: %w", err)
	}
	if err := json.Unmarshal(prefs, &req.Preferences); err != nil {
		return nil, fmt.Errorf("unmarshal preferences: %w", err)
	}
	if selectedID != nil {
		req.Selected = &SelectedPharmacy{PharmacyID: *selectedID}
		if selectedReason != nil {
			req.Selected.Reason = *selectedReason
		}
		if selectedAt != nil {
			req.Selected.SelectedAt = *selectedAt
		}
	}
	return req, nil
}

func (r *PGRepository) loadResponses(ctx context.Context, req *Request) error {
	rows, err := r.pool.Query(ctx, `
		SELECT pharmacy_id, status, estimated_fulfillment_time, quoted_price,
		       pharmacist_notes, substitutions, responded_at
		FROM prescription_responses
		WHERE request_id = $1
		ORDER BY responded_at
	`, req.ID)
	if err != nil {
		return apperror.External(err, "response lookup failed")
	}
	defer rows.Close()

	for rows.Next() {
		var resp PharmacyResponse
		var quote, subs []byte
		err := rows.Scan(
			&resp.PharmacyID, &resp.Status, &resp.EstimatedFulfillmentTime,
			&quote, &resp.PharmacistNotes, &subs, &resp.RespondedAt,
		)
		if err != nil {
			return fmt.Errorf("scan response: %w", err)
		}
		if len(quote) > 0 {
			if err := json.Unmarshal(quote, &resp.QuotedPrice); err != nil {
				return fmt.Errorf("unmarshal quote: %w", err)
			}
		}
		if len(subs) > 0 {
			if err := json.Unmarshal(subs, &resp.Substitutions); err != nil {
				return fmt.Errorf("unmarshal substitutions: %w", err)
			}
		}
		req.Responses = append(req.Responses, resp)
	}
	return rows.Err()
}

func (r *PGRepository) loadHistory(ctx context.Context, req *Request) error {
	rows, err := r.pool.Query(ctx, `
		SELECT status, changed_by, reason, notes, changed_at
		FROM prescription_status_history
		WHERE request_id = $1
		ORDER BY changed_at, id
	`, req.ID)
	if err != nil {
		return apperror.External(err, "history lookup failed")
	}
	defer rows.Close()

	for rows.Next() {
		var change StatusChange
		if err := rows.Scan(&change.Status, &change.ChangedBy, &change.Reason, &change.Notes, &change.At); err != nil {
			return fmt.Errorf("scan history: %w", err)
		}
		req.History = append(req.History, change)
	}
	return rows.Err()
}

// ListByPatient returns the patient's active requests, newest first.
func (r *PGRepository) ListByPatient(ctx context.Context, patientID string) ([]*Request, error) {
	return r.list(ctx, `
		SELECT id, number, patient_id, medications, preferences, target_pharmacies,
		       status, selected_pharmacy_id, selected_reason, selected_at,
		       is_active, created_at, updated_at
		FROM prescription_requests
		WHERE patient_id = $1 AND is_active
		ORDER BY created_at DESC
	`, patientID)
}

// ListAll returns the most recent active requests for admin views.
func (r *PGRepository) ListAll(ctx context.Context, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `
		SELECT id, number, patient_id, medications, preferences, target_pharmacies,
		       status, selected_pharmacy_id, selected_reason, selected_at,
		       is_active, created_at, updated_at
		FROM prescription_requests
		WHERE is_active
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
}

func (r *PGRepository) list(ctx context.Context, query string, args ...interface{}) ([]*Request, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperror.External(err, "request listing failed")
	}
	defer rows.Close()

	var requests []*Request
	for rows.Next() {
		req := &Request{}
		var medications, prefs []byte
		var selectedID, selectedReason *string
		var selectedAt *time.Time

		err := rows.Scan(
			&req.ID, &req.Number, &req.PatientID, &medications, &prefs,
			&req.TargetPharmacies, &req.Status, &selectedID, &selectedReason,
			&selectedAt, &req.IsActive, &req.CreatedAt, &req.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		if err := json.Unmarshal(medications, &req.Medications); err != nil {
			return nil, fmt.Errorf("unmarshal medications: %w", err)
		}
		if err := json.Unmarshal(prefs, &req.Preferences); err != nil {
			return nil, fmt.Errorf("unmarshal preferences: %w", err)
		}
		if selectedID != nil {
			req.Selected = &SelectedPharmacy{PharmacyID: *selectedID}
			if selectedReason != nil {
				req.Selected.Reason = *selectedReason
			}
			if selectedAt != nil {
				req.Selected.SelectedAt = *selectedAt
			}
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// MarkSubmitted freezes the target set and transitions to submitted.
func (r *PGRepository) MarkSubmitted(ctx context.Context, id string, targets []string, change StatusChange) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE prescription_requests
		SET status = $2, target_pharmacies = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('draft', 'pending') AND is_active
	`, id, StatusSubmitted, targets)
	if err != nil {
		return fmt.Errorf("mark submitted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	if err := appendHistory(ctx, tx, id, change); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpsertResponse writes the pharmacy's single response row.
func (r *PGRepository) UpsertResponse(ctx context.Context, id string, resp *PharmacyResponse) error {
	quote, err := json.Marshal(resp.QuotedPrice)
	if err != nil {
		return fmt.Errorf("marshal quote: %w", err)
	}
	subs, err := json.Marshal(resp.Substitutions)
	if err != nil {
		return fmt.Errorf("marshal substitutions: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO prescription_responses
		(request_id, pharmacy_id, status, estimated_fulfillment_time,
		 quoted_price, pharmacist_notes, substitutions, responded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (request_id, pharmacy_id) DO UPDATE
		SET status = EXCLUDED.status,
		    estimated_fulfillment_time = EXCLUDED.estimated_fulfillment_time,
		    quoted_price = EXCLUDED.quoted_price,
		    pharmacist_notes = EXCLUDED.pharmacist_notes,
		    substitutions = EXCLUDED.substitutions,
		    responded_at = EXCLUDED.responded_at
	`,
		id, resp.PharmacyID, resp.Status, resp.EstimatedFulfillmentTime,
		quote, resp.PharmacistNotes, subs, resp.RespondedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert response: %w", err)
	}
	return nil
}

// SelectPharmacy sets the winner atomically. The WHERE clause re-checks the
// request state and the accepted response at write time, so of two
// concurrent selections exactly one row update wins.
func (r *PGRepository) SelectPharmacy(ctx context.Context, id string, sel *SelectedPharmacy, change StatusChange) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE prescription_requests
		SET status = $2, selected_pharmacy_id = $3, selected_reason = $4,
		    selected_at = $5, updated_at = NOW()
		WHERE id = $1
		  AND status IN ('pending', 'submitted')
		  AND selected_pharmacy_id IS NULL
		  AND is_active
		  AND EXISTS (
		      SELECT 1 FROM prescription_responses
		      WHERE request_id = $1 AND pharmacy_id = $3 AND status = 'accepted'
		  )
	`, id, StatusAccepted, sel.PharmacyID, sel.Reason, sel.SelectedAt)
	if err != nil {
		return fmt.Errorf("select pharmacy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	if err := appendHistory(ctx, tx, id, change); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpdateStatus moves from -> to conditionally, appending the audit entry.
func (r *PGRepository) UpdateStatus(ctx context.Context, id string, from, to Status, change StatusChange) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE prescription_requests
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND is_active
	`, id, from, to)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	if err := appendHistory(ctx, tx, id, change); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Queue lists the requests targeting the pharmacy within the status
// whitelist, with responses attached so the pharmacy sees its own entry.
func (r *PGRepository) Queue(ctx context.Context, pharmacyID string, statuses []Status) ([]*Request, error) {
	if len(statuses) == 0 {
		statuses = []Status{StatusDraft, StatusPending, StatusSubmitted}
	}
	filter := make([]string, 0, len(statuses))
	for _, s := range statuses {
		filter = append(filter, string(s))
	}

	requests, err := r.list(ctx, `
		SELECT id, number, patient_id, medications, preferences, target_pharmacies,
		       status, selected_pharmacy_id, selected_reason, selected_at,
		       is_active, created_at, updated_at
		FROM prescription_requests
		WHERE $1 = ANY(target_pharmacies)
		  AND status = ANY($2)
		  AND is_active
		ORDER BY created_at DESC
	`, pharmacyID, filter)
	if err != nil {
		return nil, err
	}

	for _, req := range requests {
		if err := r.loadResponses(ctx, req); err != nil {
			return nil, err
		}
	}
	return requests, nil
}

// Stats aggregates one pharmacy's marketplace performance.
func (r *PGRepository) Stats(ctx context.Context, pharmacyID string) (*PharmacyStats, error) {
	stats := &PharmacyStats{PharmacyID: pharmacyID}

	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM prescription_requests
		WHERE $1 = ANY(target_pharmacies) AND is_active
	`, pharmacyID).Scan(&stats.Targeted)
	if err != nil {
		return nil, apperror.External(err, "stats query failed")
	}

	var avgLatencySeconds *float64
	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE pr.status = 'accepted'),
		       AVG(EXTRACT(EPOCH FROM pr.responded_at - req.created_at))
		FROM prescription_responses pr
		JOIN prescription_requests req ON req.id = pr.request_id
		WHERE pr.pharmacy_id = $1 AND req.is_active
	`, pharmacyID).Scan(&stats.Responded, &stats.Accepted, &avgLatencySeconds)
	if err != nil {
		return nil, apperror.External(err, "stats query failed")
	}

	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM prescription_requests
		WHERE selected_pharmacy_id = $1 AND status = 'fulfilled' AND is_active
	`, pharmacyID).Scan(&stats.Fulfilled)
	if err != nil {
		return nil, apperror.External(err, "stats query failed")
	}

	if stats.Targeted > 0 {
		stats.AcceptanceRate = float64(stats.Accepted) / float64(stats.Targeted)
	}
	if stats.Accepted > 0 {
		stats.FulfillmentRate = float64(stats.Fulfilled) / float64(stats.Accepted)
	}
	if avgLatencySeconds != nil {
		stats.AvgResponseLatency = time.Duration(*avgLatencySeconds * float64(time.Second))
	}
	return stats, nil
}
