// Package dispatch consumes notification dispatch jobs and drives them
// through the channel adapters. One job is one (notification, recipient,
// channel) attempt; outcomes are recorded per job, never propagated, so a
// broken channel degrades delivery without failing anything upstream.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/delivery"
	"github.com/carebridge/rxmarket/internal/directory"
	"github.com/carebridge/rxmarket/internal/domain/apperror"
	"github.com/carebridge/rxmarket/internal/domain/notification"
	"github.com/carebridge/rxmarket/internal/infrastructure/redpanda"
	"github.com/carebridge/rxmarket/internal/observability/metrics"
	"github.com/carebridge/rxmarket/pkg/circuitbreaker"
	"github.com/carebridge/rxmarket/pkg/idempotency"
	"github.com/carebridge/rxmarket/pkg/workerpool"
)

const handlerName = "notification-delivery"

// Config tunes the dispatcher.
type Config struct {
	// DeliveryTimeout bounds one adapter call so a hung transport marks
	// the delivery failed instead of leaving it pending.
	DeliveryTimeout time.Duration
	// Pool configures the bounded worker pool.
	Pool workerpool.Config
}

// DefaultConfig returns dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		DeliveryTimeout: 15 * time.Second,
		Pool:            workerpool.DefaultConfig(),
	}
}

// Dispatcher processes dispatch jobs from the broker.
type Dispatcher struct {
	store    notification.Store
	users    directory.Users
	adapters *delivery.Registry
	inbox    *idempotency.Inbox
	breakers *circuitbreaker.Manager
	pool     *workerpool.Pool
	metrics  *metrics.Metrics
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates the dispatcher. Call Start before consuming and Stop on
// shutdown.
func New(store notification.Store, users directory.Users, adapters *delivery.Registry, inbox *idempotency.Inbox, breakers *circuitbreaker.Manager, m *metrics.Metrics, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		store:    store,
		users:    users,
		adapters: adapters,
		inbox:    inbox,
		breakers: breakers,
		metrics:  m,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("dispatcher"),
	}

	pool, err := workerpool.New(cfg.Pool, d.work, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	d.pool = pool
	return d, nil
}

// Start launches the worker pool.
func (d *Dispatcher) Start() { d.pool.Start() }

// Stop drains the worker pool.
func (d *Dispatcher) Stop() error { return d.pool.Stop() }

// HandleMessage is the broker consumer handler. A returned error leaves
// the offset uncommitted so the job is redelivered; delivery failures are
// recorded as outcomes and return nil.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var job notification.DispatchJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		// Malformed jobs cannot succeed on redelivery.
		d.logger.Error("dropping malformed dispatch job",
			zap.String("key", string(msg.Key)), zap.Error(err))
		return nil
	}

	key := idempotency.GenerateKey(job.NotificationID, job.RecipientID, string(job.Channel), job.Attempt)
	_, err := d.inbox.Process(ctx, key, handlerName, msg.Value,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			return nil, d.dispatch(ctx, job)
		})
	if err == idempotency.ErrMessageInProgress {
		return err // redeliver later
	}
	if err != nil {
		d.logger.Error("dispatch job failed",
			zap.String("notification_id", job.NotificationID),
			zap.String("recipient_id", job.RecipientID),
			zap.String("channel", string(job.Channel)),
			zap.Error(err))
		return err
	}
	if d.metrics != nil {
		d.metrics.KafkaMessagesConsumed.Inc()
	}
	return nil
}

// dispatch runs one job through the worker pool and waits for the outcome.
func (d *Dispatcher) dispatch(ctx context.Context, job notification.DispatchJob) error {
	payload, _ := json.Marshal(job)
	task := &workerpool.Task{
		ID:      fmt.Sprintf("%s/%s/%s", job.NotificationID, job.RecipientID, job.Channel),
		Payload: payload,
		Context: ctx,
	}
	result, err := d.pool.SubmitWait(ctx, task)
	if err != nil {
		return err
	}
	if !result.Success {
		return result.Error
	}
	return nil
}

// work is the worker pool function: it performs the delivery attempt and
// records the outcome. A recorded failure is a successful unit of work.
func (d *Dispatcher) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	var job notification.DispatchJob
	if err := json.Unmarshal(task.Payload.([]byte), &job); err != nil {
		return &workerpool.Result{TaskID: task.ID, Success: false, Error: err}
	}

	ctx, span := d.tracer.Start(ctx, "deliver_notification",
		trace.WithAttributes(
			attribute.String("notification_id", job.NotificationID),
			attribute.String("recipient_id", job.RecipientID),
			attribute.String("channel", string(job.Channel)),
			attribute.Int("attempt", job.Attempt),
		))
	defer span.End()

	if err := d.deliverAndRecord(ctx, job); err != nil {
		span.RecordError(err)
		return &workerpool.Result{TaskID: task.ID, Success: false, Error: err}
	}
	return &workerpool.Result{TaskID: task.ID, Success: true}
}

// deliverAndRecord performs one delivery attempt. It returns an error only
// for infrastructure faults (store unreachable); transport failures are
// recorded against the delivery entry and return nil.
func (d *Dispatcher) deliverAndRecord(ctx context.Context, job notification.DispatchJob) error {
	n, err := d.store.Get(ctx, job.NotificationID)
	if err != nil {
		if apperror.IsNotFound(err) {
			d.logger.Warn("dispatch job for unknown notification",
				zap.String("notification_id", job.NotificationID))
			return nil
		}
		return fmt.Errorf("load notification: %w", err)
	}

	// Cancellation and expiry beat in-flight jobs: a job whose delivery
	// entry left pending is already settled.
	rec := recipientOf(n, job.RecipientID)
	if rec == nil {
		d.logger.Warn("dispatch job for unknown recipient",
			zap.String("notification_id", job.NotificationID),
			zap.String("recipient_id", job.RecipientID))
		return nil
	}
	if cd := rec.Delivery[job.Channel]; cd == nil || cd.State != notification.DeliveryPending {
		return nil
	}
	now := time.Now().UTC()
	if n.Expired(now) {
		return d.record(ctx, job, notification.DeliveryCancelled, "notification expired before delivery")
	}
	if n.Scheduled(now) {
		// The relay holds scheduled jobs back; hitting this means clock
		// skew, so requeue by failing the infrastructure path.
		return fmt.Errorf("dispatch job arrived before scheduled_for")
	}

	msg, err := d.buildMessage(ctx, n, job)
	if err != nil {
		return d.record(ctx, job, notification.DeliveryFailed, err.Error())
	}

	deliverErr := d.deliver(ctx, job.Channel, *msg)
	if deliverErr != nil {
		if d.metrics != nil {
			d.metrics.Deliveries.WithLabelValues(string(job.Channel), "failed").Inc()
		}
		return d.record(ctx, job, notification.DeliveryFailed, deliverErr.Error())
	}

	if d.metrics != nil {
		d.metrics.Deliveries.WithLabelValues(string(job.Channel), "delivered").Inc()
	}
	return d.record(ctx, job, notification.DeliveryDelivered, "")
}

func (d *Dispatcher) record(ctx context.Context, job notification.DispatchJob, state notification.DeliveryState, errMsg string) error {
	if err := d.store.MarkDelivery(ctx, job.NotificationID, job.RecipientID, job.Channel, state, errMsg); err != nil {
		return fmt.Errorf("record delivery outcome: %w", err)
	}
	if state != notification.DeliveryDelivered {
		d.logger.Warn("delivery not completed",
			zap.String("notification_id", job.NotificationID),
			zap.String("recipient_id", job.RecipientID),
			zap.String("channel", string(job.Channel)),
			zap.String("state", string(state)),
			zap.String("error", errMsg))
	}
	return nil
}

// deliver wraps the adapter call in the channel's circuit breaker and a
// bounded timeout.
func (d *Dispatcher) deliver(ctx context.Context, ch notification.Channel, msg delivery.Message) error {
	breaker, err := d.breakers.GetOrCreate(string(ch), circuitbreaker.DefaultConfig(string(ch)))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	_, err = breaker.Execute(ctx, func() (interface{}, error) {
		return nil, d.adapters.Deliver(ctx, ch, msg)
	})
	return err
}

func (d *Dispatcher) buildMessage(ctx context.Context, n *notification.Notification, job notification.DispatchJob) (*delivery.Message, error) {
	msg := &delivery.Message{
		NotificationID: n.ID,
		RecipientID:    job.RecipientID,
		Type:           n.Type,
		Priority:       n.Priority,
		Content:        n.Content,
	}
	if job.Channel == notification.ChannelWebsocket {
		return msg, nil
	}

	user, err := d.users.Get(ctx, job.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("resolve recipient contact: %w", err)
	}
	msg.RecipientEmail = user.Email
	msg.RecipientPhone = user.Phone
	return msg, nil
}

func recipientOf(n *notification.Notification, userID string) *notification.Recipient {
	for i := range n.Recipients {
		if n.Recipients[i].UserID == userID {
			return &n.Recipients[i]
		}
	}
	return nil
}
