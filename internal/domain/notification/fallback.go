package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/directory"
	"github.com/carebridge/rxmarket/internal/domain/apperror"
)

// NewWithFallback constructs the engine only once the datastore answers a
// ping, retrying within the bounded wait. If the store never becomes
// reachable it returns a log-only engine that reports success without
// persisting, so the business operations that trigger notifications keep
// working while delivery is down.
func NewWithFallback(ctx context.Context, pool *pgxpool.Pool, store Store, users directory.Users, logger *zap.Logger, wait time.Duration) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	deadline := time.Now().Add(wait)
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return New(store, users, logger)
		}

		if time.Now().After(deadline) {
			logger.Error("notification store unreachable, using no-op engine",
				zap.Duration("waited", wait), zap.Error(err))
			return NewNop(logger)
		}

		logger.Warn("waiting for notification store", zap.Error(err))
		select {
		case <-ctx.Done():
			return NewNop(logger)
		case <-time.After(time.Second):
		}
	}
}

// nopEngine is the degrade-gracefully stand-in: every operation logs and
// reports success without touching storage.
type nopEngine struct {
	logger *zap.Logger
}

// NewNop returns the log-only engine.
func NewNop(logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &nopEngine{logger: logger}
}

func (e *nopEngine) synthesize(typ Type, content Content, recipients []RecipientRef) *Notification {
	n := &Notification{
		ID:        uuid.New().String(),
		Type:      typ,
		Category:  CategoryAdministrative,
		Priority:  PriorityMedium,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	for _, r := range recipients {
		n.Recipients = append(n.Recipients, Recipient{
			UserID:   r.UserID,
			UserRole: r.Role,
			Delivery: map[Channel]*ChannelDelivery{},
		})
	}
	return n
}

func (e *nopEngine) Create(_ context.Context, in CreateInput) (*Notification, error) {
	e.logger.Info("notification dropped (no-op engine)", zap.String("type", string(in.Type)))
	return e.synthesize(in.Type, in.Content, in.Recipients), nil
}

func (e *nopEngine) Send(_ context.Context, userID string, role directory.Role, typ Type, content Content, _ SendOptions) (*Notification, error) {
	e.logger.Info("notification dropped (no-op engine)",
		zap.String("type", string(typ)), zap.String("user_id", userID))
	return e.synthesize(typ, content, []RecipientRef{{UserID: userID, Role: role}}), nil
}

func (e *nopEngine) SendBulk(_ context.Context, recipients []RecipientRef, typ Type, content Content, _ SendOptions) (*Notification, error) {
	e.logger.Info("bulk notification dropped (no-op engine)",
		zap.String("type", string(typ)), zap.Int("recipients", len(recipients)))
	return e.synthesize(typ, content, recipients), nil
}

func (e *nopEngine) Broadcast(_ context.Context, role directory.Role, typ Type, content Content, _ SendOptions, _ []string) (*Notification, error) {
	e.logger.Info("broadcast dropped (no-op engine)",
		zap.String("type", string(typ)), zap.String("role", string(role)))
	return e.synthesize(typ, content, nil), nil
}

func (e *nopEngine) Retry(_ context.Context, id string, _ []Channel, _ []string) (int, error) {
	e.logger.Info("retry ignored (no-op engine)", zap.String("id", id))
	return 0, nil
}

func (e *nopEngine) Cancel(_ context.Context, id, _ string) error {
	e.logger.Info("cancel ignored (no-op engine)", zap.String("id", id))
	return nil
}

func (e *nopEngine) EmergencyOverride(_ context.Context, userIDs []string, typ Type, content Content, _, _ string) (*Notification, error) {
	e.logger.Warn("emergency override dropped (no-op engine)",
		zap.String("type", string(typ)), zap.Int("recipients", len(userIDs)))
	var refs []RecipientRef
	for _, id := range userIDs {
		refs = append(refs, RecipientRef{UserID: id, Role: directory.RolePatient})
	}
	return e.synthesize(typ, content, refs), nil
}

func (e *nopEngine) Get(_ context.Context, id string) (*Notification, error) {
	return nil, apperror.NotFound("notification not found: %s", id)
}

func (e *nopEngine) MarkRead(_ context.Context, id, _ string) error {
	e.logger.Info("mark read ignored (no-op engine)", zap.String("id", id))
	return nil
}

func (e *nopEngine) Stats(_ context.Context, window time.Duration) (*DeliveryStats, error) {
	return &DeliveryStats{Window: window, ByChannel: map[Channel]*ChannelStats{}}, nil
}
