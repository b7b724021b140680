package notification

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/directory"
)

// testPool applies the full schema so the store's queries run against the
// exact DDL that ships in migrations/.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skipf("TEST_DATABASE_URL not set; skipping")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../../../migrations/schema.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema), pgx.QueryExecModeSimpleProtocol); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return pool
}

func TestPGStoreCreateGetRoundTrip(t *testing.T) {
	pool := testPool(t)
	store := NewPGStore(pool, "notification.dispatch", zap.NewNop())
	ctx := context.Background()

	n := &Notification{
		ID:       uuid.New().String(),
		Type:     TypeOrderConfirmed,
		Category: CategoryAdministrative,
		Priority: PriorityMedium,
		Content: Content{
			Title:    "Order confirmed",
			Message:  "Your prescription is on its way.",
			Metadata: map[string]string{"request_id": "r-1"},
		},
		Recipients: []Recipient{
			{
				UserID:   "u-" + uuid.New().String(),
				UserRole: directory.RolePatient,
				Channels: []Channel{ChannelWebsocket, ChannelEmail},
			},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateWithDispatch(ctx, n, nil); err != nil {
		t.Fatalf("CreateWithDispatch failed: %v", err)
	}

	got, err := store.Get(ctx, n.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.Recipients) != 1 {
		t.Fatalf("recipients = %d, want 1", len(got.Recipients))
	}
	rec := got.Recipients[0]
	if rec.UserID != n.Recipients[0].UserID || rec.UserRole != directory.RolePatient {
		t.Errorf("recipient = %+v", rec)
	}
	if rec.ActionTaken != "" {
		t.Errorf("ActionTaken = %q, want empty default", rec.ActionTaken)
	}
	if len(rec.Channels) != 2 {
		t.Errorf("channels = %v, want websocket+email", rec.Channels)
	}
	for ch, cd := range rec.Delivery {
		if cd.State != DeliveryPending {
			t.Errorf("%s state = %s, want pending", ch, cd.State)
		}
	}
	if got.Content.Metadata["request_id"] != "r-1" {
		t.Errorf("metadata = %v", got.Content.Metadata)
	}
}

func TestPGStoreMarkDeliveryConditional(t *testing.T) {
	pool := testPool(t)
	store := NewPGStore(pool, "notification.dispatch", zap.NewNop())
	ctx := context.Background()

	userID := "u-" + uuid.New().String()
	n := &Notification{
		ID:       uuid.New().String(),
		Type:     TypeOrderConfirmed,
		Category: CategoryAdministrative,
		Priority: PriorityMedium,
		Content:  Content{Title: "t", Message: "m"},
		Recipients: []Recipient{
			{UserID: userID, UserRole: directory.RolePatient, Channels: []Channel{ChannelEmail}},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateWithDispatch(ctx, n, nil); err != nil {
		t.Fatalf("CreateWithDispatch failed: %v", err)
	}

	if err := store.MarkDelivery(ctx, n.ID, userID, ChannelEmail, DeliveryDelivered, ""); err != nil {
		t.Fatalf("MarkDelivery failed: %v", err)
	}
	// Outcome writes are conditional on the row still being pending, so a
	// late second result must not overwrite the first.
	if err := store.MarkDelivery(ctx, n.ID, userID, ChannelEmail, DeliveryFailed, "late"); err != nil {
		t.Fatalf("second MarkDelivery: %v", err)
	}

	got, err := store.Get(ctx, n.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	cd := got.Recipients[0].Delivery[ChannelEmail]
	if cd == nil || cd.State != DeliveryDelivered {
		t.Errorf("delivery = %+v, want delivered to stick", cd)
	}
}
