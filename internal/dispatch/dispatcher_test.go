package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/delivery"
	"github.com/carebridge/rxmarket/internal/directory"
	"github.com/carebridge/rxmarket/internal/domain/apperror"
	"github.com/carebridge/rxmarket/internal/domain/notification"
	"github.com/carebridge/rxmarket/pkg/circuitbreaker"
)

type markCall struct {
	recipientID string
	channel     notification.Channel
	state       notification.DeliveryState
	errMsg      string
}

// memStore serves one notification and records delivery outcomes.
type memStore struct {
	n     *notification.Notification
	marks []markCall
}

func (m *memStore) Get(_ context.Context, id string) (*notification.Notification, error) {
	if m.n == nil || m.n.ID != id {
		return nil, apperror.NotFound("notification not found: %s", id)
	}
	return m.n, nil
}

func (m *memStore) MarkDelivery(_ context.Context, _, recipientID string, ch notification.Channel, state notification.DeliveryState, errMsg string) error {
	m.marks = append(m.marks, markCall{recipientID, ch, state, errMsg})
	return nil
}

func (m *memStore) CreateWithDispatch(context.Context, *notification.Notification, *time.Time) error {
	return nil
}
func (m *memStore) ResetFailed(context.Context, string, []notification.Channel, []string) (int, error) {
	return 0, nil
}
func (m *memStore) CancelPending(context.Context, string, string) (int, error) { return 0, nil }
func (m *memStore) MarkRead(context.Context, string, string) error             { return nil }
func (m *memStore) Stats(_ context.Context, window time.Duration) (*notification.DeliveryStats, error) {
	return &notification.DeliveryStats{Window: window}, nil
}

type stubUsers struct{}

func (stubUsers) Get(_ context.Context, id string) (*directory.User, error) {
	return &directory.User{
		ID:    id,
		Role:  directory.RolePatient,
		Email: id + "@example.com",
		Phone: "+15550100",
	}, nil
}

func (stubUsers) ListVerifiedByRole(context.Context, directory.Role, []string) ([]*directory.User, error) {
	return nil, nil
}

type stubAdapter struct {
	channel notification.Channel
	err     error
	got     []delivery.Message
}

func (a *stubAdapter) Name() notification.Channel { return a.channel }

func (a *stubAdapter) Deliver(_ context.Context, msg delivery.Message) error {
	a.got = append(a.got, msg)
	return a.err
}

func pendingNotification(id, userID string, ch notification.Channel) *notification.Notification {
	return &notification.Notification{
		ID:       id,
		Type:     notification.TypeOrderConfirmed,
		Category: notification.CategoryAdministrative,
		Priority: notification.PriorityMedium,
		Content:  notification.Content{Title: "t", Message: "m"},
		Recipients: []notification.Recipient{
			{
				UserID:   userID,
				UserRole: directory.RolePatient,
				Channels: []notification.Channel{ch},
				Delivery: map[notification.Channel]*notification.ChannelDelivery{
					ch: {State: notification.DeliveryPending},
				},
			},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func testDispatcher(t *testing.T, store *memStore, adapters ...delivery.Adapter) *Dispatcher {
	t.Helper()
	d, err := New(store, stubUsers{}, delivery.NewRegistry(adapters...), nil,
		circuitbreaker.NewManager(zap.NewNop()), nil, DefaultConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

func job(id, userID string, ch notification.Channel) notification.DispatchJob {
	return notification.DispatchJob{NotificationID: id, RecipientID: userID, Channel: ch}
}

func TestDeliverAndRecordSuccess(t *testing.T) {
	store := &memStore{n: pendingNotification("n-1", "u-1", notification.ChannelEmail)}
	adapter := &stubAdapter{channel: notification.ChannelEmail}
	d := testDispatcher(t, store, adapter)

	if err := d.deliverAndRecord(context.Background(), job("n-1", "u-1", notification.ChannelEmail)); err != nil {
		t.Fatalf("deliverAndRecord failed: %v", err)
	}
	if len(adapter.got) != 1 || adapter.got[0].RecipientEmail != "u-1@example.com" {
		t.Errorf("adapter got %+v, want one message with resolved address", adapter.got)
	}
	if len(store.marks) != 1 || store.marks[0].state != notification.DeliveryDelivered {
		t.Errorf("marks = %+v, want one delivered", store.marks)
	}
}

func TestTransportFailureRecordedNotPropagated(t *testing.T) {
	store := &memStore{n: pendingNotification("n-1", "u-1", notification.ChannelSMS)}
	adapter := &stubAdapter{channel: notification.ChannelSMS, err: errors.New("carrier down")}
	d := testDispatcher(t, store, adapter)

	if err := d.deliverAndRecord(context.Background(), job("n-1", "u-1", notification.ChannelSMS)); err != nil {
		t.Fatalf("transport failure must not surface: %v", err)
	}
	if len(store.marks) != 1 || store.marks[0].state != notification.DeliveryFailed {
		t.Fatalf("marks = %+v, want one failed", store.marks)
	}
	if !strings.Contains(store.marks[0].errMsg, "carrier down") {
		t.Errorf("errMsg = %q, want the transport error recorded", store.marks[0].errMsg)
	}
}

func TestExpiredNotificationCancelsDelivery(t *testing.T) {
	store := &memStore{n: pendingNotification("n-1", "u-1", notification.ChannelEmail)}
	past := time.Now().UTC().Add(-time.Minute)
	store.n.ExpiresAt = &past
	adapter := &stubAdapter{channel: notification.ChannelEmail}
	d := testDispatcher(t, store, adapter)

	if err := d.deliverAndRecord(context.Background(), job("n-1", "u-1", notification.ChannelEmail)); err != nil {
		t.Fatalf("deliverAndRecord failed: %v", err)
	}
	if len(adapter.got) != 0 {
		t.Error("expired notification must not reach the adapter")
	}
	if len(store.marks) != 1 || store.marks[0].state != notification.DeliveryCancelled {
		t.Errorf("marks = %+v, want one cancelled", store.marks)
	}
}

func TestScheduledEarlyJobRequeues(t *testing.T) {
	store := &memStore{n: pendingNotification("n-1", "u-1", notification.ChannelEmail)}
	future := time.Now().UTC().Add(time.Hour)
	store.n.ScheduledFor = &future
	d := testDispatcher(t, store, &stubAdapter{channel: notification.ChannelEmail})

	err := d.deliverAndRecord(context.Background(), job("n-1", "u-1", notification.ChannelEmail))
	if err == nil {
		t.Fatal("a job arriving before scheduled_for must error so the broker redelivers it")
	}
	if len(store.marks) != 0 {
		t.Errorf("marks = %+v, want no outcome recorded", store.marks)
	}
}

func TestSettledDeliverySkipped(t *testing.T) {
	store := &memStore{n: pendingNotification("n-1", "u-1", notification.ChannelEmail)}
	store.n.Recipients[0].Delivery[notification.ChannelEmail].State = notification.DeliveryCancelled
	adapter := &stubAdapter{channel: notification.ChannelEmail}
	d := testDispatcher(t, store, adapter)

	if err := d.deliverAndRecord(context.Background(), job("n-1", "u-1", notification.ChannelEmail)); err != nil {
		t.Fatalf("deliverAndRecord failed: %v", err)
	}
	if len(adapter.got) != 0 || len(store.marks) != 0 {
		t.Errorf("settled entry redelivered: adapter=%d marks=%d", len(adapter.got), len(store.marks))
	}
}

func TestUnknownNotificationDropped(t *testing.T) {
	store := &memStore{}
	d := testDispatcher(t, store, &stubAdapter{channel: notification.ChannelEmail})

	if err := d.deliverAndRecord(context.Background(), job("n-gone", "u-1", notification.ChannelEmail)); err != nil {
		t.Fatalf("unknown notification must be dropped, not retried: %v", err)
	}
	if len(store.marks) != 0 {
		t.Errorf("marks = %+v, want none", store.marks)
	}
}

func TestMissingAdapterRecordsFailure(t *testing.T) {
	store := &memStore{n: pendingNotification("n-1", "u-1", notification.ChannelSMS)}
	d := testDispatcher(t, store) // no adapters configured

	if err := d.deliverAndRecord(context.Background(), job("n-1", "u-1", notification.ChannelSMS)); err != nil {
		t.Fatalf("missing adapter must degrade to a recorded failure: %v", err)
	}
	if len(store.marks) != 1 || store.marks[0].state != notification.DeliveryFailed {
		t.Errorf("marks = %+v, want one failed", store.marks)
	}
}
