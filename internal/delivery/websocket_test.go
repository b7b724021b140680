package delivery

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/domain/notification"
)

// testClient registers a pump-less client so Deliver can be exercised
// without a live connection.
func testClient(h *Hub, userID string, buffer int) *wsClient {
	c := &wsClient{
		hub:    h,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		userID: userID,
	}
	h.register(c)
	return c
}

func TestHubDeliverBuffersFrame(t *testing.T) {
	h := NewHub(zap.NewNop())
	c := testClient(h, "u-1", 4)

	msg := Message{NotificationID: "n-1", RecipientID: "u-1"}
	if err := h.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if len(c.send) != 1 {
		t.Errorf("buffered frames = %d, want 1", len(c.send))
	}
}

func TestHubDeliverNoConnection(t *testing.T) {
	h := NewHub(zap.NewNop())
	if err := h.Deliver(context.Background(), Message{RecipientID: "u-none"}); err == nil {
		t.Error("expected error for recipient without a connection")
	}
	if h.Name() != notification.ChannelWebsocket {
		t.Errorf("Name = %s, want websocket", h.Name())
	}
}

func TestHubDeliverDropsSaturatedConnection(t *testing.T) {
	h := NewHub(zap.NewNop())
	c := testClient(h, "u-1", 1)
	c.send <- []byte("backlog")

	msg := Message{NotificationID: "n-1", RecipientID: "u-1"}
	if err := h.Deliver(context.Background(), msg); err == nil {
		t.Error("expected saturation error when every connection is full")
	}

	// The saturated connection was unregistered and signalled.
	if h.ConnectedUsers() != 0 {
		t.Errorf("ConnectedUsers = %d, want 0 after drop", h.ConnectedUsers())
	}
	select {
	case <-c.done:
	default:
		t.Error("dropped client should be signalled done")
	}
}

func TestHubDeliverSkipsClosedConnection(t *testing.T) {
	h := NewHub(zap.NewNop())
	closed := testClient(h, "u-1", 4)
	live := testClient(h, "u-1", 4)
	closed.close()

	if err := h.Deliver(context.Background(), Message{RecipientID: "u-1"}); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if len(live.send) != 1 {
		t.Errorf("live connection buffered %d frames, want 1", len(live.send))
	}
	if len(closed.send) != 0 {
		t.Errorf("closed connection buffered %d frames, want 0", len(closed.send))
	}
}

// Concurrent deliveries against saturated connections race the drop path
// with each other and with client teardown. The send channel is never
// closed, so none of these interleavings may panic.
func TestHubDeliverConcurrentSaturated(t *testing.T) {
	h := NewHub(zap.NewNop())
	for i := 0; i < 32; i++ {
		c := testClient(h, "u-1", 1)
		c.send <- []byte("backlog")
	}

	var wg sync.WaitGroup
	msg := Message{NotificationID: "n-1", RecipientID: "u-1"}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.Deliver(context.Background(), msg)
			}
		}()
	}
	wg.Wait()

	if h.ConnectedUsers() != 0 {
		t.Errorf("ConnectedUsers = %d, want 0 after all drops", h.ConnectedUsers())
	}
}
