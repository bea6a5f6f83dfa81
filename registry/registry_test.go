package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"chat-core/directory"
	"chat-core/domain"
	cerrors "chat-core/errors"
	"chat-core/store"
)

type fixture struct {
	store    *store.Badger
	users    *directory.UserDirectory
	registry *ChatroomRegistry
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := store.NewBadger(db, slog.Default(), 64)
	users := directory.NewUserDirectory(s, slog.Default(), 25, 2*time.Millisecond)
	reg := NewChatroomRegistry(s, users, slog.Default(), 25, 2*time.Millisecond)
	return fixture{store: s, users: users, registry: reg}
}

func (f fixture) createUsers(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.users.CreateUser(context.Background(), id, id)
		require.NoError(t, err)
	}
}

func Test_CreateChatroom_RoundTrip(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.createUsers(t, "alice", "bob")

	room, err := f.registry.CreateChatroom(ctx, []string{"alice", "bob", "alice"})
	req.NoError(err)
	req.NotEmpty(room.ID)

	fetched, err := f.registry.GetChatroom(ctx, room.ID)
	req.NoError(err)
	req.ElementsMatch([]string{"alice", "bob"}, fetched.ParticipantIDs)
	req.Empty(fetched.Messages)

	// Both participants got the membership.
	for _, id := range []string{"alice", "bob"} {
		user, err := f.users.GetUser(ctx, id)
		req.NoError(err)
		req.True(user.HasChatroom(room.ID))
	}
}

func Test_CreateChatroom_Rejects_Bad_Participants(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.createUsers(t, "alice")

	_, err := f.registry.CreateChatroom(ctx, nil)
	req.ErrorIs(err, cerrors.ErrNoParticipants)

	_, err = f.registry.CreateChatroom(ctx, []string{"alice", "ghost"})
	req.ErrorIs(err, cerrors.ErrNotFound)
}

func Test_AppendMessage_Sequencing(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.createUsers(t, "alice", "bob")

	room, err := f.registry.CreateChatroom(ctx, []string{"alice", "bob"})
	req.NoError(err)

	first, err := f.registry.AppendMessage(ctx, room.ID, "alice", "Hello!")
	req.NoError(err)
	req.Equal(uint64(1), first.Seq)

	second, err := f.registry.AppendMessage(ctx, room.ID, "bob", "Hi back")
	req.NoError(err)
	req.Equal(uint64(2), second.Seq)

	text, err := f.registry.GetMostRecentMessage(ctx, room.ID)
	req.NoError(err)
	req.Equal("Hi back", text)
}

func Test_AppendMessage_Forbidden_Mutates_Nothing(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.createUsers(t, "alice", "bob", "eve")

	room, err := f.registry.CreateChatroom(ctx, []string{"alice", "bob"})
	req.NoError(err)

	_, err = f.registry.AppendMessage(ctx, room.ID, "eve", "let me in")
	req.ErrorIs(err, cerrors.ErrForbidden)

	fetched, err := f.registry.GetChatroom(ctx, room.ID)
	req.NoError(err)
	req.Empty(fetched.Messages)
}

func Test_AppendMessage_Unknown_Chatroom(t *testing.T) {
	f := newFixture(t)
	f.createUsers(t, "alice")
	_, err := f.registry.AppendMessage(context.Background(), "nope", "alice", "hello?")
	require.ErrorIs(t, err, cerrors.ErrNotFound)
}

func Test_Concurrent_Appenders_Do_Not_Lose_Or_Reuse_Sequence_Numbers(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.createUsers(t, "alice", "bob")

	room, err := f.registry.CreateChatroom(ctx, []string{"alice", "bob"})
	req.NoError(err)

	const appenders = 10
	var wg sync.WaitGroup
	errs := make([]error, appenders)
	for i := 0; i < appenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := "alice"
			if i%2 == 1 {
				sender = "bob"
			}
			_, errs[i] = f.registry.AppendMessage(ctx, room.ID, sender, fmt.Sprintf("msg-%d", i))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		req.NoError(err)
	}

	fetched, err := f.registry.GetChatroom(ctx, room.ID)
	req.NoError(err)
	req.Len(fetched.Messages, appenders)

	seqs := lo.Map(fetched.Messages, func(m domain.MessageRecord, _ int) uint64 { return m.Seq })
	req.Len(lo.Uniq(seqs), appenders)
	for i, seq := range seqs {
		req.Equal(uint64(i+1), seq, "log must be gap-free and in order")
	}
}

func Test_GetMostRecentMessage_Empty_Log(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.createUsers(t, "alice")

	room, err := f.registry.CreateChatroom(ctx, []string{"alice"})
	req.NoError(err)

	text, err := f.registry.GetMostRecentMessage(ctx, room.ID)
	req.NoError(err)
	req.Equal(domain.NoMessagesYet, text)
}

func Test_DeleteChatroom_Clears_Memberships(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.createUsers(t, "alice", "bob")

	room, err := f.registry.CreateChatroom(ctx, []string{"alice", "bob"})
	req.NoError(err)
	req.NoError(f.registry.DeleteChatroom(ctx, room.ID))

	_, err = f.registry.GetChatroom(ctx, room.ID)
	req.ErrorIs(err, cerrors.ErrNotFound)
	for _, id := range []string{"alice", "bob"} {
		user, err := f.users.GetUser(ctx, id)
		req.NoError(err)
		req.False(user.HasChatroom(room.ID))
	}
}

// conflictStore loses every write, to exercise retry exhaustion.
type conflictStore struct {
	store.DocumentStore
}

func (c conflictStore) Put(context.Context, string, string, []byte, store.Version) (store.Version, error) {
	return 0, cerrors.ErrConflict
}

func Test_AppendMessage_Surfaces_Contention(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.createUsers(t, "alice")

	room, err := f.registry.CreateChatroom(ctx, []string{"alice"})
	req.NoError(err)

	contended := NewChatroomRegistry(conflictStore{f.store}, f.users, slog.Default(), 3, time.Millisecond)
	_, err = contended.AppendMessage(ctx, room.ID, "alice", "never lands")
	req.ErrorIs(err, cerrors.ErrContention)
}

func Test_Reconcile_Repairs_Membership_Cache(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.createUsers(t, "alice", "bob")

	room, err := f.registry.CreateChatroom(ctx, []string{"alice", "bob"})
	req.NoError(err)

	// Simulate an interrupted create/delete sequence: memberships drift
	// away from the participant sets.
	req.NoError(f.users.RemoveChatroomMembership(ctx, "bob", room.ID))
	req.NoError(f.users.AddChatroomMembership(ctx, "alice", "vanished-room"))

	report, err := f.registry.Reconcile(ctx)
	req.NoError(err)
	req.Equal(2, report.UsersRepaired)

	for _, id := range []string{"alice", "bob"} {
		user, err := f.users.GetUser(ctx, id)
		req.NoError(err)
		req.Equal([]string{room.ID}, user.ChatroomIDs)
	}

	// A clean state reconciles to zero repairs.
	report, err = f.registry.Reconcile(ctx)
	req.NoError(err)
	req.Zero(report.UsersRepaired)
	req.Zero(report.ChatroomsCollected)
}

func Test_Reconcile_Collects_Orphaned_Chatrooms(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	// A chatroom whose only participant never existed: write it straight
	// into the store, bypassing the registry's validation.
	orphan := domain.ChatroomRecord{ID: "orphan", ParticipantIDs: []string{"ghost"}, NextSeq: 1}
	doc, err := domain.EncodeChatroom(orphan)
	req.NoError(err)
	_, err = f.store.Put(ctx, store.CollectionChatrooms, orphan.ID, doc, store.VersionNone)
	req.NoError(err)

	report, err := f.registry.Reconcile(ctx)
	req.NoError(err)
	req.Equal(1, report.ChatroomsCollected)

	_, err = f.registry.GetChatroom(ctx, orphan.ID)
	req.ErrorIs(err, cerrors.ErrNotFound)
}
