// Package delivery implements the notification channel adapters: websocket
// push, email bridge and SMS bridge. Adapters are independently swappable
// and report success or failure per attempt; the dispatcher treats them
// polymorphically and tolerates any subset being unavailable.
package delivery

import (
	"context"
	"fmt"
	"sync"

	"github.com/carebridge/rxmarket/internal/domain/notification"
)

// Message is one delivery attempt: a single notification for a single
// recipient on a single channel.
type Message struct {
	NotificationID string                `json:"notification_id"`
	RecipientID    string                `json:"recipient_id"`
	RecipientEmail string                `json:"recipient_email,omitempty"`
	RecipientPhone string                `json:"recipient_phone,omitempty"`
	Type           notification.Type     `json:"type"`
	Priority       notification.Priority `json:"priority"`
	Content        notification.Content  `json:"content"`
}

// Adapter is one delivery transport. Deliver returns nil on success; any
// error is recorded against the (recipient, channel) delivery entry and
// never propagated past the dispatcher.
type Adapter interface {
	Name() notification.Channel
	Deliver(ctx context.Context, msg Message) error
}

// Registry holds the configured adapters. Channels without an adapter fail
// delivery with a recordable error rather than panicking, so a partially
// configured deployment still delivers on the channels it has.
type Registry struct {
	mu       sync.RWMutex
	adapters map[notification.Channel]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[notification.Channel]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Register adds or replaces the adapter for its channel.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for the channel.
func (r *Registry) Get(ch notification.Channel) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[ch]
	return a, ok
}

// Deliver routes the message to its channel's adapter.
func (r *Registry) Deliver(ctx context.Context, ch notification.Channel, msg Message) error {
	a, ok := r.Get(ch)
	if !ok {
		return fmt.Errorf("no adapter configured for channel %s", ch)
	}
	return a.Deliver(ctx, msg)
}
