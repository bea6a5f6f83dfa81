package store

import (
	"sync"
	"sync/atomic"
)

// Watch is one subscriber's view of a change feed. Events() is closed when
// the watch is cancelled or when the subscriber overflowed its buffer.
type Watch struct {
	collection string
	ids        map[string]struct{} // nil watches the whole collection

	events     chan ChangeEvent
	overflowed atomic.Bool

	cancel   func()
	closeOne sync.Once
}

// Events yields change events in the order the store committed them.
func (w *Watch) Events() <-chan ChangeEvent { return w.events }

// Overflowed reports whether the feed was closed because the subscriber
// fell behind. The subscriber must then re-fetch full state before
// subscribing again; resuming the old channel would hide a gap.
func (w *Watch) Overflowed() bool { return w.overflowed.Load() }

// Cancel detaches the watch. Idempotent.
func (w *Watch) Cancel() { w.cancel() }

func (w *Watch) matches(collection, id string) bool {
	if w.collection != collection {
		return false
	}
	if w.ids == nil {
		return true
	}
	_, ok := w.ids[id]
	return ok
}

// notifier fans committed changes out to the registered watches.
type notifier struct {
	mu      sync.Mutex
	watches map[*Watch]struct{}
	buffer  int
}

func newNotifier(buffer int) *notifier {
	return &notifier{watches: make(map[*Watch]struct{}), buffer: buffer}
}

func (n *notifier) subscribe(collection string, ids []string) *Watch {
	w := &Watch{
		collection: collection,
		events:     make(chan ChangeEvent, n.buffer),
	}
	if ids != nil {
		w.ids = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			w.ids[id] = struct{}{}
		}
	}
	w.cancel = func() {
		n.mu.Lock()
		delete(n.watches, w)
		n.mu.Unlock()
		w.closeOne.Do(func() { close(w.events) })
	}

	n.mu.Lock()
	n.watches[w] = struct{}{}
	n.mu.Unlock()
	return w
}

// publish delivers one committed change to every matching watch. A watch
// whose buffer is full is dropped and closed rather than skipped, so the
// subscriber can never miss an individual event without noticing.
func (n *notifier) publish(ev ChangeEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for w := range n.watches {
		if !w.matches(ev.Collection, ev.ID) {
			continue
		}
		select {
		case w.events <- ev:
		default:
			w.overflowed.Store(true)
			delete(n.watches, w)
			w.closeOne.Do(func() { close(w.events) })
		}
	}
}
