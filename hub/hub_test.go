package hub

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"chat-core/directory"
	"chat-core/domain"
	cerrors "chat-core/errors"
	"chat-core/registry"
	"chat-core/store"
)

type fixture struct {
	store    *store.Badger
	users    *directory.UserDirectory
	registry *registry.ChatroomRegistry
	hub      *Hub
}

func newFixture(t *testing.T, queueDepth int) fixture {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := store.NewBadger(db, slog.Default(), 64)
	users := directory.NewUserDirectory(s, slog.Default(), 25, 2*time.Millisecond)
	reg := registry.NewChatroomRegistry(s, users, slog.Default(), 25, 2*time.Millisecond)
	h := NewHub(s, users, slog.Default(), queueDepth)
	t.Cleanup(h.Close)
	return fixture{store: s, users: users, registry: reg, hub: h}
}

func (f fixture) createUsers(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.users.CreateUser(context.Background(), id, id)
		require.NoError(t, err)
	}
}

func waitEvent(t *testing.T, sub *Subscription, want string) Event {
	t.Helper()
	for {
		select {
		case e := <-sub.Events():
			if e.Type == want {
				return e
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func Test_Subscribe_Unknown_User(t *testing.T) {
	f := newFixture(t, 16)
	_, err := f.hub.Subscribe(context.Background(), "client-1", "ghost")
	require.ErrorIs(t, err, cerrors.ErrNotFound)
}

func Test_Subscriber_Receives_Chatroom_Changes_In_Version_Order(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 64)
	ctx := context.Background()
	f.createUsers(t, "alice", "bob")

	room, err := f.registry.CreateChatroom(ctx, []string{"alice", "bob"})
	req.NoError(err)

	sub, err := f.hub.Subscribe(ctx, "client-bob", "bob")
	req.NoError(err)
	defer f.hub.Unsubscribe(sub)

	for i := 0; i < 3; i++ {
		_, err = f.registry.AppendMessage(ctx, room.ID, "alice", fmt.Sprintf("msg-%d", i))
		req.NoError(err)
	}

	// The subscription opens with a snapshot of the room and then streams
	// the appended states, strictly version-monotonic throughout.
	var last store.Version
	for {
		e := waitEvent(t, sub, EventChatroom)
		req.Equal(room.ID, e.ID)
		req.Greater(e.Version, last)
		last = e.Version

		record, ok := e.Document.(domain.ChatroomRecord)
		req.True(ok)
		if len(record.Messages) == 3 {
			return
		}
	}
}

func Test_Membership_Change_Reshapes_Watch_Set(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 64)
	ctx := context.Background()
	f.createUsers(t, "alice", "bob")

	// Bob subscribes before any chatroom exists.
	sub, err := f.hub.Subscribe(ctx, "client-bob", "bob")
	req.NoError(err)
	defer f.hub.Unsubscribe(sub)

	room, err := f.registry.CreateChatroom(ctx, []string{"alice", "bob"})
	req.NoError(err)

	// The membership add arrives as a user event (after the initial
	// snapshot, which predates the room) and the chatroom becomes watched.
	for {
		userEvent := waitEvent(t, sub, EventUser)
		record, ok := userEvent.Document.(domain.UserRecord)
		req.True(ok)
		if record.HasChatroom(room.ID) {
			break
		}
	}

	_, err = f.registry.AppendMessage(ctx, room.ID, "alice", "Hello!")
	req.NoError(err)

	roomEvent := waitEvent(t, sub, EventChatroom)
	req.Equal(room.ID, roomEvent.ID)
	roomRecord, ok := roomEvent.Document.(domain.ChatroomRecord)
	req.True(ok)
	req.Equal("Hello!", roomRecord.MostRecentMessage())
}

func Test_Chatroom_Deletion_Delivers_Tombstone(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 64)
	ctx := context.Background()
	f.createUsers(t, "alice", "bob")

	room, err := f.registry.CreateChatroom(ctx, []string{"alice", "bob"})
	req.NoError(err)

	sub, err := f.hub.Subscribe(ctx, "client-bob", "bob")
	req.NoError(err)
	defer f.hub.Unsubscribe(sub)

	req.NoError(f.registry.DeleteChatroom(ctx, room.ID))

	// Skip the snapshot delivered on subscribe; the tombstone follows.
	for {
		e := waitEvent(t, sub, EventChatroom)
		req.Equal(room.ID, e.ID)
		if e.Tombstone {
			return
		}
	}
}

func Test_Overflow_Signals_Resync_And_Refetch_Matches_Store(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 4)
	ctx := context.Background()
	f.createUsers(t, "alice", "bob")

	room, err := f.registry.CreateChatroom(ctx, []string{"alice", "bob"})
	req.NoError(err)

	sub, err := f.hub.Subscribe(ctx, "client-bob", "bob")
	req.NoError(err)

	// Nobody drains the queue: the burst must overflow its depth of 4.
	for i := 0; i < 10; i++ {
		_, err = f.registry.AppendMessage(ctx, room.ID, "alice", fmt.Sprintf("burst-%d", i))
		req.NoError(err)
	}

	select {
	case <-sub.Resync():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a resync signal")
	}

	// After the resync the client re-fetches authoritative state.
	fetched, err := f.registry.GetChatroom(ctx, room.ID)
	req.NoError(err)
	req.Len(fetched.Messages, 10)
}

// staleDirectory serves membership-free user records, standing in for a
// lookup that raced a concurrent membership change.
type staleDirectory struct {
	directory.IUserDirectory
}

func (d staleDirectory) GetUser(ctx context.Context, id string) (domain.UserRecord, error) {
	user, err := d.IUserDirectory.GetUser(ctx, id)
	user.ChatroomIDs = nil
	return user, err
}

func Test_Initial_Watch_Set_Comes_From_Stored_Record(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 64)
	ctx := context.Background()
	f.createUsers(t, "alice", "bob")

	room, err := f.registry.CreateChatroom(ctx, []string{"alice", "bob"})
	req.NoError(err)

	// Even when the directory lookup misses the membership, the watch set
	// built from the store's own user snapshot still covers the chatroom.
	h := NewHub(f.store, staleDirectory{f.users}, slog.Default(), 64)
	t.Cleanup(h.Close)

	sub, err := h.Subscribe(ctx, "client-bob", "bob")
	req.NoError(err)
	defer h.Unsubscribe(sub)

	roomEvent := waitEvent(t, sub, EventChatroom)
	req.Equal(room.ID, roomEvent.ID)
}

func Test_Resync_Signal_Readable_After_Release(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 4)
	ctx := context.Background()
	f.createUsers(t, "alice", "bob")

	room, err := f.registry.CreateChatroom(ctx, []string{"alice", "bob"})
	req.NoError(err)

	sub, err := f.hub.Subscribe(ctx, "client-bob", "bob")
	req.NoError(err)

	for i := 0; i < 10; i++ {
		_, err = f.registry.AppendMessage(ctx, room.ID, "alice", fmt.Sprintf("burst-%d", i))
		req.NoError(err)
	}

	// A consumer that observes the release first must still find the
	// resync signal; otherwise the drop is indistinguishable from a plain
	// disconnect.
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected the subscription to be released")
	}
	select {
	case <-sub.Resync():
	default:
		t.Fatal("resync signal must stay readable after the release")
	}
}

func Test_Overflow_During_Snapshot_Removes_Subscription(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 1)
	ctx := context.Background()
	f.createUsers(t, "alice")

	// Two watched chatrooms guarantee the initial snapshots overflow a
	// queue of depth 1 before anything is drained.
	_, err := f.registry.CreateChatroom(ctx, []string{"alice"})
	req.NoError(err)
	_, err = f.registry.CreateChatroom(ctx, []string{"alice"})
	req.NoError(err)

	sub, err := f.hub.Subscribe(ctx, "client-alice", "alice")
	req.NoError(err)

	select {
	case <-sub.Resync():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a resync signal")
	}

	require.Eventually(t, func() bool {
		f.hub.mu.Lock()
		defer f.hub.mu.Unlock()
		_, registered := f.hub.subs[sub.ID]
		return !registered
	}, 2*time.Second, 10*time.Millisecond)
}

func Test_Unsubscribe_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 16)
	ctx := context.Background()
	f.createUsers(t, "alice")

	sub, err := f.hub.Subscribe(ctx, "client-alice", "alice")
	req.NoError(err)

	f.hub.Unsubscribe(sub)
	f.hub.Unsubscribe(sub)

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription should be done after unsubscribe")
	}
}
