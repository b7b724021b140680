package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/directory"
	"github.com/carebridge/rxmarket/internal/domain/apperror"
	"github.com/carebridge/rxmarket/internal/infrastructure/postgres"
)

// PGStore persists notifications in Postgres. Delivery state lives one row
// per (notification, recipient, channel) so concurrent outcome writes never
// contend on a shared document.
type PGStore struct {
	pool          *pgxpool.Pool
	dispatchTopic string
	logger        *zap.Logger
}

// NewPGStore creates the Postgres notification store. Dispatch entries are
// addressed to dispatchTopic via the transactional outbox.
func NewPGStore(pool *pgxpool.Pool, dispatchTopic string, logger *zap.Logger) *PGStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGStore{pool: pool, dispatchTopic: dispatchTopic, logger: logger}
}

// CreateWithDispatch persists the notification, its recipients and channel
// rows, plus one outbox dispatch entry per pending pair, in one transaction.
func (s *PGStore) CreateWithDispatch(ctx context.Context, n *Notification, deliverAfter *time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	metadata, err := json.Marshal(n.Content.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	related, err := json.Marshal(n.RelatedEntities)
	if err != nil {
		return fmt.Errorf("marshal related entities: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO notifications
		(id, type, category, priority, title, message, action_url, action_text,
		 metadata, related_entities, scheduled_for, expires_at, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, $13)
	`,
		n.ID, n.Type, n.Category, n.Priority,
		n.Content.Title, n.Content.Message, n.Content.ActionURL, n.Content.ActionText,
		metadata, related, n.ScheduledFor, n.ExpiresAt, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	for _, rec := range n.Recipients {
		_, err = tx.Exec(ctx, `
			INSERT INTO notification_recipients (notification_id, user_id, user_role)
			VALUES ($1, $2, $3)
		`, n.ID, rec.UserID, rec.UserRole)
		if err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}

		for _, ch := range rec.Channels {
			_, err = tx.Exec(ctx, `
				INSERT INTO notification_deliveries (notification_id, user_id, channel, status)
				VALUES ($1, $2, $3, $4)
			`, n.ID, rec.UserID, ch, DeliveryPending)
			if err != nil {
				return fmt.Errorf("insert delivery row: %w", err)
			}

			if err := s.enqueueDispatch(ctx, tx, n.ID, rec.UserID, ch, 0, deliverAfter); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// enqueueDispatch writes one dispatch job to the outbox within tx.
func (s *PGStore) enqueueDispatch(ctx context.Context, tx pgx.Tx, notificationID, userID string, ch Channel, attempt int, deliverAfter *time.Time) error {
	payload, err := json.Marshal(DispatchJob{
		NotificationID: notificationID,
		RecipientID:    userID,
		Channel:        ch,
		Attempt:        attempt,
	})
	if err != nil {
		return fmt.Errorf("marshal dispatch job: %w", err)
	}

	entry := &postgres.OutboxEntry{
		AggregateID:   notificationID,
		AggregateType: "Notification",
		EventType:     "NotificationDispatch",
		Payload:       payload,
		Topic:         s.dispatchTopic,
		Key:           notificationID + "/" + userID + "/" + string(ch),
		DeliverAfter:  deliverAfter,
	}
	if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
		return fmt.Errorf("enqueue dispatch: %w", err)
	}
	return nil
}

// Get loads a notification with its recipients and channel states.
func (s *PGStore) Get(ctx context.Context, id string) (*Notification, error) {
	n := &Notification{ID: id}
	var metadata, related []byte
	var cancelReason *string

	err := s.pool.QueryRow(ctx, `
		SELECT type, category, priority, title, message, action_url, action_text,
		       metadata, related_entities, scheduled_for, expires_at, cancel_reason,
		       retry_count, last_retry_at, created_at
		FROM notifications
		WHERE id = $1
	`, id).Scan(
		&n.Type, &n.Category, &n.Priority,
		&n.Content.Title, &n.Content.Message, &n.Content.ActionURL, &n.Content.ActionText,
		&metadata, &related, &n.ScheduledFor, &n.ExpiresAt, &cancelReason,
		&n.RetryCount, &n.LastRetryAt, &n.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("notification not found: %s", id)
		}
		return nil, apperror.External(err, "notification lookup failed")
	}
	if cancelReason != nil {
		n.CancelReason = *cancelReason
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &n.Content.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(related) > 0 {
		if err := json.Unmarshal(related, &n.RelatedEntities); err != nil {
			return nil, fmt.Errorf("unmarshal related entities: %w", err)
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT r.user_id, r.user_role, r.read_at, r.action_taken,
		       d.channel, d.status, d.delivered_at, d.error
		FROM notification_recipients r
		LEFT JOIN notification_deliveries d
		  ON d.notification_id = r.notification_id AND d.user_id = r.user_id
		WHERE r.notification_id = $1
		ORDER BY r.user_id, d.channel
	`, id)
	if err != nil {
		return nil, apperror.External(err, "notification lookup failed")
	}
	defer rows.Close()

	byUser := make(map[string]*Recipient)
	var order []string
	for rows.Next() {
		var (
			userID, actionTaken  string
			role                 string
			readAt, deliveredAt  *time.Time
			channel, state, cerr *string
		)
		if err := rows.Scan(&userID, &role, &readAt, &actionTaken, &channel, &state, &deliveredAt, &cerr); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}

		rec, ok := byUser[userID]
		if !ok {
			rec = &Recipient{
				UserID:      userID,
				UserRole:    directory.Role(role),
				Delivery:    make(map[Channel]*ChannelDelivery),
				ReadAt:      readAt,
				ActionTaken: actionTaken,
			}
			byUser[userID] = rec
			order = append(order, userID)
		}
		if channel != nil {
			ch := Channel(*channel)
			rec.Channels = append(rec.Channels, ch)
			cd := &ChannelDelivery{State: DeliveryState(*state), DeliveredAt: deliveredAt}
			if cerr != nil {
				cd.Error = *cerr
			}
			rec.Delivery[ch] = cd
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}

	for _, userID := range order {
		n.Recipients = append(n.Recipients, *byUser[userID])
	}
	return n, nil
}

// ResetFailed flips failed pairs back to pending and re-queues dispatch.
// The retry counter increments exactly once per call that reset anything.
func (s *PGStore) ResetFailed(ctx context.Context, id string, channels []Channel, recipientIDs []string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var chFilter []string
	for _, ch := range channels {
		chFilter = append(chFilter, string(ch))
	}

	rows, err := tx.Query(ctx, `
		UPDATE notification_deliveries
		SET status = $2, error = NULL, updated_at = NOW()
		WHERE notification_id = $1
		  AND status = $3
		  AND (cardinality($4::text[]) = 0 OR channel = ANY($4))
		  AND (cardinality($5::text[]) = 0 OR user_id = ANY($5))
		RETURNING user_id, channel
	`, id, DeliveryPending, DeliveryFailed, chFilter, recipientIDs)
	if err != nil {
		return 0, fmt.Errorf("reset deliveries: %w", err)
	}

	type pair struct {
		userID  string
		channel Channel
	}
	var reset []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.userID, &p.channel); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan reset pair: %w", err)
		}
		reset = append(reset, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate reset pairs: %w", err)
	}

	if len(reset) == 0 {
		return 0, tx.Commit(ctx)
	}

	var attempt int
	err = tx.QueryRow(ctx, `
		UPDATE notifications
		SET retry_count = retry_count + 1, last_retry_at = NOW()
		WHERE id = $1
		RETURNING retry_count
	`, id).Scan(&attempt)
	if err != nil {
		return 0, fmt.Errorf("bump retry count: %w", err)
	}

	for _, p := range reset {
		if err := s.enqueueDispatch(ctx, tx, id, p.userID, p.channel, attempt, nil); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(reset), nil
}

// CancelPending marks every still-pending pair cancelled with the reason.
func (s *PGStore) CancelPending(ctx context.Context, id, reason string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE notification_deliveries
		SET status = $2, error = $3, updated_at = NOW()
		WHERE notification_id = $1 AND status = $4
	`, id, DeliveryCancelled, reason, DeliveryPending)
	if err != nil {
		return 0, fmt.Errorf("cancel deliveries: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE notifications SET cancel_reason = $2 WHERE id = $1
	`, id, reason)
	if err != nil {
		return 0, fmt.Errorf("record cancel reason: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkDelivery records a delivery outcome, conditional on the pair still
// being pending. A pair cancelled while the attempt was in flight stays
// cancelled.
func (s *PGStore) MarkDelivery(ctx context.Context, notificationID, recipientID string, ch Channel, state DeliveryState, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notification_deliveries
		SET status = $4,
		    delivered_at = CASE WHEN $4 = 'delivered' THEN NOW() ELSE delivered_at END,
		    error = NULLIF($5, ''),
		    updated_at = NOW()
		WHERE notification_id = $1 AND user_id = $2 AND channel = $3
		  AND status = 'pending'
	`, notificationID, recipientID, ch, state, errMsg)
	if err != nil {
		return fmt.Errorf("mark delivery: %w", err)
	}
	return nil
}

// MarkRead records that a recipient read the notification.
func (s *PGStore) MarkRead(ctx context.Context, notificationID, recipientID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notification_recipients
		SET read_at = COALESCE(read_at, NOW())
		WHERE notification_id = $1 AND user_id = $2
	`, notificationID, recipientID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("recipient %s not on notification %s", recipientID, notificationID)
	}
	return nil
}

// Stats aggregates delivery outcomes over the trailing window.
func (s *PGStore) Stats(ctx context.Context, window time.Duration) (*DeliveryStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.channel, d.status, COUNT(*)
		FROM notification_deliveries d
		JOIN notifications n ON n.id = d.notification_id
		WHERE n.created_at > NOW() - $1::interval
		GROUP BY d.channel, d.status
	`, window.String())
	if err != nil {
		return nil, apperror.External(err, "delivery stats query failed")
	}
	defer rows.Close()

	stats := &DeliveryStats{
		Window:    window,
		ByChannel: make(map[Channel]*ChannelStats),
	}
	for rows.Next() {
		var channel, status string
		var count int64
		if err := rows.Scan(&channel, &status, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}

		ch := Channel(channel)
		cs, ok := stats.ByChannel[ch]
		if !ok {
			cs = &ChannelStats{}
			stats.ByChannel[ch] = cs
		}
		cs.Total += count
		stats.Total += count

		switch DeliveryState(status) {
		case DeliveryDelivered:
			cs.Delivered += count
			stats.Delivered += count
		case DeliveryFailed:
			cs.Failed += count
			stats.Failed += count
		case DeliveryPending:
			stats.Pending += count
		case DeliveryCancelled:
			stats.Cancelled += count
		}
	}
	return stats, rows.Err()
}
