//go:generate go run go.uber.org/mock/mockgen -source=registry.go -destination=../mocks/mock_registry.go -package=mocks

// Package registry manages chatroom records and their append-only message
// logs on top of the document store.
//
// Chatroom participant sets are the source of truth for membership; the
// per-user chatroomIDs list maintained through the directory is a derived
// cache. Create and delete are multi-document sequences with no transaction
// around them: a partial failure is surfaced as ErrPartialFailure and
// repaired by Reconcile.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"chat-core/directory"
	"chat-core/domain"
	cerrors "chat-core/errors"
	"chat-core/store"
)

type IChatroomRegistry interface {
	CreateChatroom(ctx context.Context, participantIDs []string) (domain.ChatroomRecord, error)
	GetChatroom(ctx context.Context, id string) (domain.ChatroomRecord, error)
	DeleteChatroom(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, chatroomID, senderID, text string) (domain.MessageRecord, error)
	GetMostRecentMessage(ctx context.Context, chatroomID string) (string, error)
}

type ChatroomRegistry struct {
	store       store.DocumentStore
	users       directory.IUserDirectory
	log         *slog.Logger
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

func NewChatroomRegistry(s store.DocumentStore, users directory.IUserDirectory,
	log *slog.Logger, maxAttempts int, backoff time.Duration) *ChatroomRegistry {
	return &ChatroomRegistry{
		store:       s,
		users:       users,
		log:         log,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateChatroom writes a chatroom with a fresh id and an empty log, then
// adds the membership to every participant's record. The membership writes
// happen after the chatroom commit and are not transactional with it; if
// some of them fail the chatroom is still returned, together with
// ErrPartialFailure, and the reconciler converges the remaining records.
func (r *ChatroomRegistry) CreateChatroom(ctx context.Context, participantIDs []string) (domain.ChatroomRecord, error) {
	participants := lo.Uniq(participantIDs)
	if len(participants) == 0 {
		return domain.ChatroomRecord{}, cerrors.ErrNoParticipants
	}

	// Every participant must reference an existing user record.
	for _, userID := range participants {
		if _, err := r.users.GetUser(ctx, userID); err != nil {
			return domain.ChatroomRecord{}, fmt.Errorf("participant %s: %w", userID, err)
		}
	}

	room := domain.ChatroomRecord{
		ID:             uuid.NewString(),
		ParticipantIDs: participants,
		NextSeq:        1,
	}
	doc, err := domain.EncodeChatroom(room)
	if err != nil {
		return domain.ChatroomRecord{}, err
	}
	if _, err = r.store.Put(ctx, store.CollectionChatrooms, room.ID, doc, store.VersionNone); err != nil {
		return domain.ChatroomRecord{}, err
	}

	var failed []string
	for _, userID := range participants {
		if err := r.users.AddChatroomMembership(ctx, userID, room.ID); err != nil {
			r.log.Error("membership add failed after chatroom creation",
				"chatroom_id", room.ID, "user_id", userID, "error", err)
			failed = append(failed, userID)
		}
	}
	if len(failed) > 0 {
		return room, fmt.Errorf("%w: chatroom %s created, membership pending for %v",
			cerrors.ErrPartialFailure, room.ID, failed)
	}

	r.log.Info("chatroom created", "chatroom_id", room.ID, "participants", len(participants))
	return room, nil
}

func (r *ChatroomRegistry) GetChatroom(ctx context.Context, id string) (domain.ChatroomRecord, error) {
	doc, _, err := r.store.Get(ctx, store.CollectionChatrooms, id)
	if err != nil {
		return domain.ChatroomRecord{}, err
	}
	return domain.DecodeChatroom(doc)
}

// DeleteChatroom removes the chatroom document, then the membership entry of
// every former participant. Same partial-failure contract as CreateChatroom.
func (r *ChatroomRegistry) DeleteChatroom(ctx context.Context, id string) error {
	var room domain.ChatroomRecord
	err := r.withRetry(ctx, "delete chatroom "+id, func() error {
		doc, version, err := r.store.Get(ctx, store.CollectionChatrooms, id)
		if err != nil {
			return err
		}
		if room, err = domain.DecodeChatroom(doc); err != nil {
			return err
		}
		return r.store.Delete(ctx, store.CollectionChatrooms, id, version)
	})
	if err != nil {
		return err
	}

	var failed []string
	for _, userID := range room.ParticipantIDs {
		err := r.users.RemoveChatroomMembership(ctx, userID, id)
		if err != nil && !errors.Is(err, cerrors.ErrNotFound) {
			r.log.Error("membership removal failed after chatroom deletion",
				"chatroom_id", id, "user_id", userID, "error", err)
			failed = append(failed, userID)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: chatroom %s deleted, membership cleanup pending for %v",
			cerrors.ErrPartialFailure, id, failed)
	}

	r.log.Info("chatroom deleted", "chatroom_id", id)
	return nil
}

// AppendMessage appends to the chatroom's log under optimistic concurrency.
// The sequence number only advances when the write commits, so the log
// stays gap-free even across lost races.
func (r *ChatroomRegistry) AppendMessage(ctx context.Context, chatroomID, senderID, text string) (domain.MessageRecord, error) {
	var appended domain.MessageRecord
	err := r.withRetry(ctx, "append to chatroom "+chatroomID, func() error {
		doc, version, err := r.store.Get(ctx, store.CollectionChatrooms, chatroomID)
		if err != nil {
			return err
		}
		room, err := domain.DecodeChatroom(doc)
		if err != nil {
			return err
		}
		if !room.HasParticipant(senderID) {
			return fmt.Errorf("%w: %s is not a participant of chatroom %s",
				cerrors.ErrForbidden, senderID, chatroomID)
		}

		appended = room.Append(senderID, text, r.now())
		updated, err := domain.EncodeChatroom(room)
		if err != nil {
			return err
		}
		_, err = r.store.Put(ctx, store.CollectionChatrooms, chatroomID, updated, version)
		return err
	})
	if err != nil {
		return domain.MessageRecord{}, err
	}
	return appended, nil
}

// GetMostRecentMessage returns the preview line of a chatroom.
func (r *ChatroomRegistry) GetMostRecentMessage(ctx context.Context, chatroomID string) (string, error) {
	room, err := r.GetChatroom(ctx, chatroomID)
	if err != nil {
		return "", err
	}
	return room.MostRecentMessage(), nil
}

// withRetry reruns op while it loses version races, up to maxAttempts, then
// fails with ErrContention. Any other error aborts immediately.
func (r *ChatroomRegistry) withRetry(ctx context.Context, what string, op func() error) error {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, cerrors.ErrConflict) {
			return err
		}

		r.log.Debug("lost version race, retrying", "op", what, "attempt", attempt)
		if err := r.sleepBackoff(ctx, attempt); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %s", cerrors.ErrContention, what)
}

func (r *ChatroomRegistry) sleepBackoff(ctx context.Context, attempt int) error {
	if r.backoff <= 0 {
		return ctx.Err()
	}
	delay := r.backoff*time.Duration(attempt) + rand.N(r.backoff)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
