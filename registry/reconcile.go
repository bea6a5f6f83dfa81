package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"chat-core/domain"
	cerrors "chat-core/errors"
	"chat-core/store"
)

// ReconcileReport summarizes one repair sweep.
type ReconcileReport struct {
	UsersRepaired      int
	ChatroomsCollected int
}

// Reconcile converges the derived membership caches with the chatroom
// participant sets, and garbage-collects chatrooms that no longer have any
// existing participant. It is the repair path for the partial failures the
// non-transactional create/delete sequences can leave behind, and is safe
// to rerun at any time.
func (r *ChatroomRegistry) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	rooms, err := r.store.List(ctx, store.CollectionChatrooms)
	if err != nil {
		return report, err
	}
	users, err := r.store.List(ctx, store.CollectionUsers)
	if err != nil {
		return report, err
	}

	alive := make(map[string]struct{}, len(users))
	for _, entry := range users {
		alive[entry.ID] = struct{}{}
	}

	// Derive the authoritative membership map, collecting orphaned rooms
	// on the way.
	derived := make(map[string][]string)
	for _, entry := range rooms {
		room, err := domain.DecodeChatroom(entry.Document)
		if err != nil {
			return report, fmt.Errorf("decoding chatroom %s: %w", entry.ID, err)
		}

		valid := 0
		for _, userID := range room.ParticipantIDs {
			if _, ok := alive[userID]; ok {
				valid++
				derived[userID] = append(derived[userID], room.ID)
			}
		}
		if valid == 0 {
			if err := r.collect(ctx, entry.ID, entry.Version); err != nil {
				return report, err
			}
			report.ChatroomsCollected++
		}
	}

	for _, entry := range users {
		user, err := domain.DecodeUser(entry.Document)
		if err != nil {
			return report, fmt.Errorf("decoding user %s: %w", entry.ID, err)
		}

		want := derived[user.ID]
		sort.Strings(want)
		have := append([]string(nil), user.ChatroomIDs...)
		sort.Strings(have)
		if slices.Equal(want, have) {
			continue
		}

		if err := r.users.SetChatroomMemberships(ctx, user.ID, want); err != nil {
			return report, err
		}
		r.log.Info("membership cache repaired", "user_id", user.ID,
			"was", have, "now", want)
		report.UsersRepaired++
	}

	return report, nil
}

// collect deletes an orphaned chatroom. A concurrent writer bumping the
// version just defers collection to the next sweep.
func (r *ChatroomRegistry) collect(ctx context.Context, chatroomID string, version store.Version) error {
	err := r.store.Delete(ctx, store.CollectionChatrooms, chatroomID, version)
	if errors.Is(err, cerrors.ErrConflict) || errors.Is(err, cerrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	r.log.Info("orphaned chatroom collected", "chatroom_id", chatroomID)
	return nil
}
