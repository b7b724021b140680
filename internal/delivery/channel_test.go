package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/domain/notification"
)

type fakeAdapter struct {
	channel notification.Channel
	err     error
	got     []Message
}

func (f *fakeAdapter) Name() notification.Channel { return f.channel }

func (f *fakeAdapter) Deliver(_ context.Context, msg Message) error {
	f.got = append(f.got, msg)
	return f.err
}

func TestRegistryRoutesByChannel(t *testing.T) {
	email := &fakeAdapter{channel: notification.ChannelEmail}
	sms := &fakeAdapter{channel: notification.ChannelSMS, err: errors.New("carrier down")}
	r := NewRegistry(email, sms)

	msg := Message{NotificationID: "n-1", RecipientID: "u-1"}
	if err := r.Deliver(context.Background(), notification.ChannelEmail, msg); err != nil {
		t.Errorf("email delivery: %v", err)
	}
	if len(email.got) != 1 || email.got[0].NotificationID != "n-1" {
		t.Errorf("email adapter got %+v", email.got)
	}

	if err := r.Deliver(context.Background(), notification.ChannelSMS, msg); err == nil {
		t.Error("expected sms adapter error to propagate")
	}
}

func TestRegistryMissingAdapter(t *testing.T) {
	r := NewRegistry(&fakeAdapter{channel: notification.ChannelEmail})

	err := r.Deliver(context.Background(), notification.ChannelWebsocket, Message{})
	if err == nil || !strings.Contains(err.Error(), "no adapter") {
		t.Errorf("got %v, want a no-adapter error", err)
	}

	if _, ok := r.Get(notification.ChannelWebsocket); ok {
		t.Error("Get should report the channel as unconfigured")
	}
}

func TestRegistryRegisterReplaces(t *testing.T) {
	first := &fakeAdapter{channel: notification.ChannelEmail, err: errors.New("old")}
	r := NewRegistry(first)

	second := &fakeAdapter{channel: notification.ChannelEmail}
	r.Register(second)

	if err := r.Deliver(context.Background(), notification.ChannelEmail, Message{}); err != nil {
		t.Errorf("replacement adapter should serve the channel: %v", err)
	}
	if len(first.got) != 0 || len(second.got) != 1 {
		t.Errorf("delivery went to the wrong adapter: first=%d second=%d", len(first.got), len(second.got))
	}
}

func TestEmailBridgeDeliver(t *testing.T) {
	var gotPayload bridgePayload
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	adapter := NewEmailBridge(BridgeConfig{URL: srv.URL, APIKey: "bridge-key", Timeout: 2 * time.Second}, zap.NewNop())
	if adapter.Name() != notification.ChannelEmail {
		t.Fatalf("Name = %s, want email", adapter.Name())
	}

	msg := Message{
		NotificationID: "n-1",
		RecipientID:    "u-1",
		RecipientEmail: "patient@example.com",
		Priority:       notification.PriorityHigh,
		Content: notification.Content{
			Title:    "Your order is ready",
			Message:  "Pick up at Main St Pharmacy.",
			Metadata: map[string]string{"request_id": "r-1"},
		},
	}
	if err := adapter.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if gotKey != "bridge-key" {
		t.Errorf("X-API-Key = %q", gotKey)
	}
	if gotPayload.To != "patient@example.com" || gotPayload.Subject != "Your order is ready" {
		t.Errorf("payload = %+v", gotPayload)
	}
	if gotPayload.Priority != "high" || gotPayload.Metadata["request_id"] != "r-1" {
		t.Errorf("payload = %+v", gotPayload)
	}
}

func TestBridgeMissingAddress(t *testing.T) {
	email := NewEmailBridge(BridgeConfig{URL: "http://unused"}, zap.NewNop())
	if err := email.Deliver(context.Background(), Message{RecipientID: "u-1"}); err == nil {
		t.Error("expected error for recipient without email address")
	}

	sms := NewSMSBridge(BridgeConfig{URL: "http://unused"}, zap.NewNop())
	msg := Message{RecipientID: "u-1", RecipientEmail: "has@email.only"}
	if err := sms.Deliver(context.Background(), msg); err == nil {
		t.Error("expected error for recipient without phone number")
	}
}

func TestBridgeRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unprocessable", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	adapter := NewSMSBridge(BridgeConfig{URL: srv.URL}, zap.NewNop())
	msg := Message{RecipientID: "u-1", RecipientPhone: "+15550100"}
	err := adapter.Deliver(context.Background(), msg)
	if err == nil || !strings.Contains(err.Error(), "status 422") {
		t.Errorf("got %v, want a rejected-status error", err)
	}
}
