package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/directory"
	"github.com/carebridge/rxmarket/internal/domain/apperror"
)

// Store is the persistence boundary for notifications. Dispatch entries are
// written in the same transaction as the notification rows so delivery work
// is never lost and never duplicated on crash.
type Store interface {
	// CreateWithDispatch persists the notification and one dispatch entry
	// per pending (recipient, channel) pair. A non-nil deliverAfter holds
	// the entries back until the scheduled instant.
	CreateWithDispatch(ctx context.Context, n *Notification, deliverAfter *time.Time) error
	Get(ctx context.Context, id string) (*Notification, error)
	// ResetFailed flips matching failed pairs back to pending, re-queues
	// their dispatch entries, and bumps the retry counter by exactly one
	// when anything was reset. Returns the number of pairs reset.
	ResetFailed(ctx context.Context, id string, channels []Channel, recipientIDs []string) (int, error)
	// CancelPending marks every still-pending pair cancelled, recording
	// the reason. Returns the number of pairs cancelled.
	CancelPending(ctx context.Context, id, reason string) (int, error)
	// MarkDelivery records a terminal delivery outcome for one pair. The
	// update is conditional on the pair still being pending, so a
	// cancellation that raced an in-flight delivery wins.
	MarkDelivery(ctx context.Context, notificationID, recipientID string, ch Channel, state DeliveryState, errMsg string) error
	MarkRead(ctx context.Context, notificationID, recipientID string) error
	Stats(ctx context.Context, window time.Duration) (*DeliveryStats, error)
}

// RecipientRef identifies one addressee when creating a notification.
type RecipientRef struct {
	UserID   string         `json:"user_id"`
	Role     directory.Role `json:"user_role"`
	Channels []Channel      `json:"delivery_channels,omitempty"`
}

// SendOptions carries the optional knobs of the send operations.
type SendOptions struct {
	Category        Category
	Priority        Priority
	Channels        []Channel
	ScheduledFor    *time.Time
	ExpiresAt       *time.Time
	RelatedEntities []RelatedEntity
}

// CreateInput is the full creation payload.
type CreateInput struct {
	Type            Type
	Category        Category
	Priority        Priority
	Content         Content
	Recipients      []RecipientRef
	RelatedEntities []RelatedEntity
	ScheduledFor    *time.Time
	ExpiresAt       *time.Time
}

// Engine is the notification engine contract. Delivery failures are
// recorded, never propagated: a caller whose business operation triggered a
// notification must not fail because a channel is down.
type Engine interface {
	Create(ctx context.Context, in CreateInput) (*Notification, error)
	Send(ctx context.Context, userID string, role directory.Role, typ Type, content Content, opts SendOptions) (*Notification, error)
	SendBulk(ctx context.Context, recipients []RecipientRef, typ Type, content Content, opts SendOptions) (*Notification, error)
	Broadcast(ctx context.Context, role directory.Role, typ Type, content Content, opts SendOptions, excludeUserIDs []string) (*Notification, error)
	Retry(ctx context.Context, id string, channels []Channel, recipientIDs []string) (int, error)
	Cancel(ctx context.Context, id, reason string) error
	EmergencyOverride(ctx context.Context, userIDs []string, typ Type, content Content, overrideReason, overriddenBy string) (*Notification, error)
	Get(ctx context.Context, id string) (*Notification, error)
	MarkRead(ctx context.Context, notificationID, recipientID string) error
	Stats(ctx context.Context, window time.Duration) (*DeliveryStats, error)
}

type engine struct {
	store  Store
	users  directory.Users
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New creates the notification engine. The users directory is consulted for
// channel opt-outs and broadcast resolution.
func New(store Store, users directory.Users, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &engine{
		store:  store,
		users:  users,
		logger: logger,
		tracer: otel.Tracer("notification-engine"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// defaultChannels is used when a recipient requests none explicitly.
var defaultChannels = []Channel{ChannelWebsocket, ChannelEmail}

func (e *engine) Create(ctx context.Context, in CreateInput) (*Notification, error) {
	ctx, span := e.tracer.Start(ctx, "notification_create",
		trace.WithAttributes(attribute.String("type", string(in.Type))))
	defer span.End()

	n, err := e.build(ctx, in, false)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var deliverAfter *time.Time
	if n.Scheduled(e.now()) {
		deliverAfter = n.ScheduledFor
	}

	if err := e.store.CreateWithDispatch(ctx, n, deliverAfter); err != nil {
		span.RecordError(err)
		return nil, apperror.External(err, "failed to persist notification")
	}

	e.logger.Info("notification created",
		zap.String("id", n.ID),
		zap.String("type", string(n.Type)),
		zap.Int("recipients", len(n.Recipients)),
		zap.Bool("scheduled", deliverAfter != nil),
	)
	return n, nil
}

func (e *engine) Send(ctx context.Context, userID string, role directory.Role, typ Type, content Content, opts SendOptions) (*Notification, error) {
	return e.SendBulk(ctx, []RecipientRef{{UserID: userID, Role: role, Channels: opts.Channels}}, typ, content, opts)
}

func (e *engine) SendBulk(ctx context.Context, recipients []RecipientRef, typ Type, content Content, opts SendOptions) (*Notification, error) {
	return e.Create(ctx, CreateInput{
		Type:            typ,
		Category:        opts.Category,
		Priority:        opts.Priority,
		Content:         content,
		Recipients:      recipients,
		RelatedEntities: opts.RelatedEntities,
		ScheduledFor:    opts.ScheduledFor,
		ExpiresAt:       opts.ExpiresAt,
	})
}

func (e *engine) Broadcast(ctx context.Context, role directory.Role, typ Type, content Content, opts SendOptions, excludeUserIDs []string) (*Notification, error) {
	if !role.Valid() {
		return nil, apperror.Validation("unknown target role: %s", role)
	}

	users, err := e.users.ListVerifiedByRole(ctx, role, excludeUserIDs)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, apperror.NotFound("no verified recipients with role %s", role)
	}

	recipients := make([]RecipientRef, 0, len(users))
	for _, u := range users {
		recipients = append(recipients, RecipientRef{UserID: u.ID, Role: u.Role, Channels: opts.Channels})
	}
	return e.SendBulk(ctx, recipients, typ, content, opts)
}

func (e *engine) Retry(ctx context.Context, id string, channels []Channel, recipientIDs []string) (int, error) {
	ctx, span := e.tracer.Start(ctx, "notification_retry",
		trace.WithAttributes(attribute.String("notification_id", id)))
	defer span.End()

	for _, ch := range channels {
		if !ch.Valid() {
			return 0, apperror.Validation("unknown channel: %s", ch)
		}
	}

	if _, err := e.store.Get(ctx, id); err != nil {
		return 0, err
	}

	reset, err := e.store.ResetFailed(ctx, id, channels, recipientIDs)
	if err != nil {
		span.RecordError(err)
		return 0, apperror.External(err, "retry failed")
	}

	e.logger.Info("notification retry",
		zap.String("id", id),
		zap.Int("channels_reset", reset),
	)
	return reset, nil
}

func (e *engine) Cancel(ctx context.Context, id, reason string) error {
	ctx, span := e.tracer.Start(ctx, "notification_cancel",
		trace.WithAttributes(attribute.String("notification_id", id)))
	defer span.End()

	n, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !n.Scheduled(e.now()) {
		return apperror.InvalidState("notification is not scheduled for the future; cannot cancel")
	}

	cancelled, err := e.store.CancelPending(ctx, id, reason)
	if err != nil {
		span.RecordError(err)
		return apperror.External(err, "cancel failed")
	}

	e.logger.Info("notification cancelled",
		zap.String("id", id),
		zap.String("reason", reason),
		zap.Int("channels_cancelled", cancelled),
	)
	return nil
}

func (e *engine) EmergencyOverride(ctx context.Context, userIDs []string, typ Type, content Content, overrideReason, overriddenBy string) (*Notification, error) {
	if overrideReason == "" {
		return nil, apperror.Validation("overrideReason is required for an emergency override")
	}
	if len(userIDs) == 0 {
		return nil, apperror.Validation("at least one user is required")
	}

	recipients := make([]RecipientRef, 0, len(userIDs))
	for _, id := range userIDs {
		role := directory.RolePatient
		if u, err := e.users.Get(ctx, id); err == nil {
			role = u.Role
		}
		recipients = append(recipients, RecipientRef{UserID: id, Role: role, Channels: AllChannels()})
	}

	if content.Metadata == nil {
		content.Metadata = make(map[string]string)
	}
	// Audit trail for the single path allowed to ignore opt-outs.
	content.Metadata["override_reason"] = overrideReason
	content.Metadata["overridden_by"] = overriddenBy
	content.Metadata["overridden_at"] = e.now().Format(time.RFC3339)

	n, err := e.build(ctx, CreateInput{
		Type:       typ,
		Category:   CategorySystem,
		Priority:   PriorityEmergency,
		Content:    content,
		Recipients: recipients,
	}, true)
	if err != nil {
		return nil, err
	}

	if err := e.store.CreateWithDispatch(ctx, n, nil); err != nil {
		return nil, apperror.External(err, "failed to persist notification")
	}

	e.logger.Warn("emergency override notification sent",
		zap.String("id", n.ID),
		zap.String("overridden_by", overriddenBy),
		zap.Int("recipients", len(n.Recipients)),
	)
	return n, nil
}

func (e *engine) Get(ctx context.Context, id string) (*Notification, error) {
	return e.store.Get(ctx, id)
}

func (e *engine) MarkRead(ctx context.Context, notificationID, recipientID string) error {
	return e.store.MarkRead(ctx, notificationID, recipientID)
}

func (e *engine) Stats(ctx context.Context, window time.Duration) (*DeliveryStats, error) {
	return e.store.Stats(ctx, window)
}

// build validates the input and assembles the notification with every
// channel pending. When override is set, user opt-outs are ignored.
func (e *engine) build(ctx context.Context, in CreateInput, override bool) (*Notification, error) {
	if !in.Type.Valid() {
		return nil, apperror.Validation("unknown notification type: %s", in.Type)
	}
	if in.Content.Title == "" || in.Content.Message == "" {
		return nil, apperror.Validation("notification content requires title and message")
	}
	if len(in.Recipients) == 0 {
		return nil, apperror.Validation("at least one recipient is required")
	}
	if in.Category == "" {
		in.Category = CategoryAdministrative
	}
	if !in.Category.Valid() {
		return nil, apperror.Validation("unknown category: %s", in.Category)
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if !in.Priority.Valid() {
		return nil, apperror.Validation("unknown priority: %s", in.Priority)
	}
	if in.ScheduledFor != nil && in.ExpiresAt != nil && in.ExpiresAt.Before(*in.ScheduledFor) {
		return nil, apperror.Validation("expiresAt precedes scheduledFor")
	}

	now := e.now()
	recipients := make([]Recipient, 0, len(in.Recipients))
	for _, ref := range in.Recipients {
		if ref.UserID == "" || !ref.Role.Valid() {
			return nil, apperror.Validation("each recipient requires userId and userRole")
		}

		channels := ref.Channels
		if len(channels) == 0 {
			channels = defaultChannels
		}
		for _, ch := range channels {
			if !ch.Valid() {
				return nil, apperror.Validation("unknown channel: %s", ch)
			}
		}
		if !override {
			channels = e.applyPreferences(ctx, ref.UserID, channels)
		}

		rec := Recipient{
			UserID:   ref.UserID,
			UserRole: ref.Role,
			Channels: channels,
			Delivery: make(map[Channel]*ChannelDelivery, len(channels)),
		}
		for _, ch := range channels {
			rec.Delivery[ch] = &ChannelDelivery{State: DeliveryPending}
		}
		recipients = append(recipients, rec)
	}

	return &Notification{
		ID:              uuid.New().String(),
		Type:            in.Type,
		Category:        in.Category,
		Priority:        in.Priority,
		Content:         in.Content,
		Recipients:      recipients,
		RelatedEntities: in.RelatedEntities,
		ScheduledFor:    in.ScheduledFor,
		ExpiresAt:       in.ExpiresAt,
		CreatedAt:       now,
	}, nil
}

// applyPreferences drops channels the user has opted out of. A directory
// failure keeps the requested channels: delivery problems are recorded per
// channel later, never raised here.
func (e *engine) applyPreferences(ctx context.Context, userID string, channels []Channel) []Channel {
	u, err := e.users.Get(ctx, userID)
	if err != nil {
		e.logger.Debug("preference lookup failed, keeping requested channels",
			zap.String("user_id", userID), zap.Error(err))
		return channels
	}

	kept := channels[:0:0]
	for _, ch := range channels {
		if u.AllowsChannel(string(ch)) {
			kept = append(kept, ch)
		}
	}
	return kept
}
