// Package hub maintains per-client live subscriptions and fans document
// changes out to connected clients.
//
// The hub owns only ephemeral per-connection state; it never mutates
// records. Each subscription tracks a watch set derived from the
// subscriber's membership list and refreshed whenever the user document
// changes. Delivery is version-monotonic per document with no ordering
// across documents. A subscriber that cannot keep up is dropped with a
// resync signal instead of silently losing individual events.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"chat-core/directory"
	"chat-core/store"
)

const (
	EventUser     = "user"
	EventChatroom = "chatroom"
	EventResync   = "resync"
)

// Event is one push-channel element. Document carries the decoded record
// for user and chatroom events; a tombstone event has none.
type Event struct {
	Type      string        `json:"type"`
	ID        string        `json:"id,omitempty"`
	Version   store.Version `json:"version,omitempty"`
	Document  any           `json:"document,omitempty"`
	Tombstone bool          `json:"tombstone,omitempty"`
}

type Hub struct {
	log        *slog.Logger
	store      store.DocumentStore
	users      directory.IUserDirectory
	queueDepth int

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewHub wires the fan-out engine. queueDepth bounds each subscription's
// delivery queue; overflowing it drops the subscription with a resync
// signal.
func NewHub(s store.DocumentStore, users directory.IUserDirectory, log *slog.Logger, queueDepth int) *Hub {
	return &Hub{
		log:        log,
		store:      s,
		users:      users,
		queueDepth: queueDepth,
		subs:       make(map[string]*Subscription),
	}
}

// Subscribe opens a push channel for one connected client. The user
// document is always watched so membership changes re-shape the chatroom
// watch set without the client doing anything; the initial watch set comes
// from the user snapshot the pump reads once its watch is live, so a
// membership change is never lost between lookup and watch.
func (h *Hub) Subscribe(ctx context.Context, clientID, userID string) (*Subscription, error) {
	// Only an existence check; the pump re-reads the record under its
	// own watch before acting on the membership list.
	if _, err := h.users.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	s := &Subscription{
		ID:       uuid.NewString(),
		ClientID: clientID,
		UserID:   userID,
		hub:      h,
		events:   make(chan Event, h.queueDepth),
		resync:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		watches:  make(map[string]*store.Watch),
		last:     make(map[string]store.Version),
	}

	// Registered before the pumps start, so a subscription dropped during
	// its very first snapshot is already removable and never lingers.
	h.mu.Lock()
	h.subs[s.ID] = s
	h.mu.Unlock()

	userWatch := h.store.Subscribe(context.Background(), store.CollectionUsers, []string{userID})
	s.userWatch = userWatch
	go s.pumpUser(userWatch)

	h.log.Info("subscription opened", "subscription_id", s.ID,
		"client_id", clientID, "user_id", userID)
	return s, nil
}

// Unsubscribe releases a subscription and all its underlying watches.
// Idempotent.
func (h *Hub) Unsubscribe(s *Subscription) {
	s.close()
	h.remove(s)
}

// Close drops every live subscription. Used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		h.Unsubscribe(s)
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s.ID)
	h.mu.Unlock()
}
