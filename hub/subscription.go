package hub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"

	"chat-core/domain"
	"chat-core/store"
)

// Subscription is the ephemeral state of one connected client: its watch
// set, the last delivered version per watched document, and the bounded
// delivery queue.
type Subscription struct {
	ID       string
	ClientID string
	UserID   string

	hub    *Hub
	events chan Event
	resync chan struct{}
	done   chan struct{}

	closeOne sync.Once
	dropped  atomic.Bool

	mu        sync.Mutex
	userWatch *store.Watch
	watches   map[string]*store.Watch   // chatroomID -> underlying watch
	last      map[string]store.Version  // delivery watermark per document
}

// Events yields push events. The channel is never closed; consumers select
// on Done and Resync alongside it.
func (s *Subscription) Events() <-chan Event { return s.events }

// Resync fires when the subscription was dropped because the client fell
// behind. The client must re-fetch full state and subscribe again.
func (s *Subscription) Resync() <-chan struct{} { return s.resync }

// Done is closed once the subscription is released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// pumpUser forwards changes of the subscriber's own user document and
// re-shapes the chatroom watch set when the membership list changes.
func (s *Subscription) pumpUser(w *store.Watch) {
	s.deliverSnapshot(store.CollectionUsers, s.UserID)

	for ev := range w.Events() {
		e := Event{Type: EventUser, ID: ev.ID, Version: ev.Version, Tombstone: ev.Tombstone()}
		var memberships []string
		if !ev.Tombstone() {
			user, err := domain.DecodeUser(ev.Document)
			if err != nil {
				s.hub.log.Error("undecodable user change dropped",
					"subscription_id", s.ID, "user_id", ev.ID, "error", err)
				continue
			}
			e.Document = user
			memberships = user.ChatroomIDs
		}

		// Reshape the watch set before announcing the membership change,
		// so a client reacting to the event is already covered by the
		// new watches.
		if !ev.Tombstone() {
			s.refreshWatches(memberships)
		}
		if !s.deliver(ev.Collection+":"+ev.ID, e) {
			return
		}
	}
	if w.Overflowed() {
		s.triggerResync()
	}
}

// pumpChatroom forwards changes of one watched chatroom. A tombstone means
// the chatroom was deleted; the watch goes back to unwatched after the
// event is delivered.
func (s *Subscription) pumpChatroom(chatroomID string, w *store.Watch) {
	// A chatroom entering the watch set was typically created, or already
	// mutated, before its watch existed. Deliver the current state first,
	// like the snapshot listeners this hub replaces did; the version
	// watermark swallows the duplicate if the feed carries it too.
	s.deliverSnapshot(store.CollectionChatrooms, chatroomID)

	for ev := range w.Events() {
		e := Event{Type: EventChatroom, ID: ev.ID, Version: ev.Version, Tombstone: ev.Tombstone()}
		if !ev.Tombstone() {
			room, err := domain.DecodeChatroom(ev.Document)
			if err != nil {
				s.hub.log.Error("undecodable chatroom change dropped",
					"subscription_id", s.ID, "chatroom_id", ev.ID, "error", err)
				continue
			}
			e.Document = room
		}

		if !s.deliver(ev.Collection+":"+ev.ID, e) {
			return
		}
		if ev.Tombstone() {
			s.unwatchChatroom(chatroomID)
		}
	}
	if w.Overflowed() {
		s.triggerResync()
	}
}

// deliverSnapshot pushes the current state of a document as a synthetic
// event. A missing document is fine: the feed will carry whatever happens
// to it next.
func (s *Subscription) deliverSnapshot(collection, id string) {
	doc, version, err := s.hub.store.Get(context.Background(), collection, id)
	if err != nil {
		return
	}

	e := Event{ID: id, Version: version}
	switch collection {
	case store.CollectionUsers:
		user, err := domain.DecodeUser(doc)
		if err != nil {
			return
		}
		// The initial chatroom watch set derives from this snapshot; the
		// feed only reshapes it afterwards.
		s.refreshWatches(user.ChatroomIDs)
		e.Type = EventUser
		e.Document = user
	case store.CollectionChatrooms:
		room, err := domain.DecodeChatroom(doc)
		if err != nil {
			return
		}
		e.Type = EventChatroom
		e.Document = room
	default:
		return
	}
	s.deliver(collection+":"+id, e)
}

// deliver enqueues an event unless it is stale for its document. Returns
// false when the subscription is gone, either released or dropped for
// overflow; the calling pump stops then.
func (s *Subscription) deliver(docKey string, e Event) bool {
	s.mu.Lock()
	if e.Version <= s.last[docKey] {
		s.mu.Unlock()
		return true
	}

	select {
	case s.events <- e:
		s.last[docKey] = e.Version
		s.mu.Unlock()
		return true
	case <-s.done:
		s.mu.Unlock()
		return false
	default:
		s.mu.Unlock()
		s.triggerResync()
		return false
	}
}

// refreshWatches diffs the current watch set against the new membership
// list and starts/stops chatroom watches accordingly.
func (s *Subscription) refreshWatches(chatroomIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := lo.Keys(s.watches)
	added, removed := lo.Difference(chatroomIDs, current)

	for _, chatroomID := range removed {
		s.stopWatchLocked(chatroomID)
	}
	for _, chatroomID := range added {
		s.watchChatroomLocked(chatroomID)
	}
}

func (s *Subscription) watchChatroomLocked(chatroomID string) {
	if _, ok := s.watches[chatroomID]; ok {
		return
	}
	w := s.hub.store.Subscribe(context.Background(), store.CollectionChatrooms, []string{chatroomID})
	s.watches[chatroomID] = w
	go s.pumpChatroom(chatroomID, w)
}

func (s *Subscription) unwatchChatroom(chatroomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopWatchLocked(chatroomID)
}

func (s *Subscription) stopWatchLocked(chatroomID string) {
	if w, ok := s.watches[chatroomID]; ok {
		w.Cancel()
		delete(s.watches, chatroomID)
		delete(s.last, store.CollectionChatrooms+":"+chatroomID)
	}
}

// triggerResync drops the subscription after a queue overflow and raises
// the resync signal exactly once.
func (s *Subscription) triggerResync() {
	if !s.dropped.CompareAndSwap(false, true) {
		return
	}
	s.hub.log.Warn("subscription overflowed, signalling resync",
		"subscription_id", s.ID, "client_id", s.ClientID)

	s.resync <- struct{}{}
	s.close()
	s.hub.remove(s)
}

func (s *Subscription) close() {
	s.closeOne.Do(func() {
		s.mu.Lock()
		if s.userWatch != nil {
			s.userWatch.Cancel()
		}
		for chatroomID, w := range s.watches {
			w.Cancel()
			delete(s.watches, chatroomID)
		}
		s.mu.Unlock()
		close(s.done)
	})
}
