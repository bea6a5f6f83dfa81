//go:generate go run go.uber.org/mock/mockgen -source=directory.go -destination=../mocks/mock_directory.go -package=mocks

// Package directory manages user profile records and each user's chatroom
// membership list on top of the document store.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/samber/lo"

	"chat-core/domain"
	cerrors "chat-core/errors"
	"chat-core/store"
)

type IUserDirectory interface {
	CreateUser(ctx context.Context, id, name string) (domain.UserRecord, error)
	GetUser(ctx context.Context, id string) (domain.UserRecord, error)
	ListUsers(ctx context.Context) ([]domain.UserRecord, error)
	RenameUser(ctx context.Context, id, name string) (domain.UserRecord, error)
	AddChatroomMembership(ctx context.Context, userID, chatroomID string) error
	RemoveChatroomMembership(ctx context.Context, userID, chatroomID string) error
	SetChatroomMemberships(ctx context.Context, userID string, chatroomIDs []string) error
}

type UserDirectory struct {
	store       store.DocumentStore
	log         *slog.Logger
	maxAttempts int
	backoff     time.Duration
}

// NewUserDirectory wires the directory against a store. maxAttempts bounds
// every optimistic-concurrency loop; backoff is the base delay between
// attempts, randomized to spread contending writers.
func NewUserDirectory(s store.DocumentStore, log *slog.Logger, maxAttempts int, backoff time.Duration) *UserDirectory {
	return &UserDirectory{store: s, log: log, maxAttempts: maxAttempts, backoff: backoff}
}

// CreateUser writes a fresh user record with an empty membership list.
func (d *UserDirectory) CreateUser(ctx context.Context, id, name string) (domain.UserRecord, error) {
	user := domain.UserRecord{ID: id, Name: name}
	doc, err := domain.EncodeUser(user)
	if err != nil {
		return domain.UserRecord{}, err
	}

	_, err = d.store.Put(ctx, store.CollectionUsers, id, doc, store.VersionNone)
	if errors.Is(err, cerrors.ErrConflict) {
		return domain.UserRecord{}, fmt.Errorf("%w: user %s", cerrors.ErrAlreadyExists, id)
	}
	if err != nil {
		return domain.UserRecord{}, err
	}

	d.log.Info("user created", "user_id", id, "name", name)
	return user, nil
}

func (d *UserDirectory) GetUser(ctx context.Context, id string) (domain.UserRecord, error) {
	doc, _, err := d.store.Get(ctx, store.CollectionUsers, id)
	if err != nil {
		return domain.UserRecord{}, err
	}
	return domain.DecodeUser(doc)
}

// ListUsers returns every live user record. No order is guaranteed; callers
// sort for display.
func (d *UserDirectory) ListUsers(ctx context.Context) ([]domain.UserRecord, error) {
	entries, err := d.store.List(ctx, store.CollectionUsers)
	if err != nil {
		return nil, err
	}

	users := make([]domain.UserRecord, 0, len(entries))
	for _, entry := range entries {
		user, err := domain.DecodeUser(entry.Document)
		if err != nil {
			return nil, fmt.Errorf("decoding user %s: %w", entry.ID, err)
		}
		users = append(users, user)
	}
	return users, nil
}

// RenameUser updates the mutable display name.
func (d *UserDirectory) RenameUser(ctx context.Context, id, name string) (domain.UserRecord, error) {
	var renamed domain.UserRecord
	err := d.updateUser(ctx, id, func(user *domain.UserRecord) bool {
		if user.Name == name {
			renamed = *user
			return false
		}
		user.Name = name
		renamed = *user
		return true
	})
	return renamed, err
}

// AddChatroomMembership adds chatroomID to the user's membership set.
// Idempotent: adding an id already present is a no-op.
func (d *UserDirectory) AddChatroomMembership(ctx context.Context, userID, chatroomID string) error {
	return d.updateUser(ctx, userID, func(user *domain.UserRecord) bool {
		return user.AddChatroom(chatroomID)
	})
}

// RemoveChatroomMembership removes chatroomID from the membership set.
// Idempotent like its counterpart.
func (d *UserDirectory) RemoveChatroomMembership(ctx context.Context, userID, chatroomID string) error {
	return d.updateUser(ctx, userID, func(user *domain.UserRecord) bool {
		return user.RemoveChatroom(chatroomID)
	})
}

// SetChatroomMemberships overwrites the whole membership list. Used by the
// reconciler to re-derive the cache from the chatroom participant sets.
func (d *UserDirectory) SetChatroomMemberships(ctx context.Context, userID string, chatroomIDs []string) error {
	return d.updateUser(ctx, userID, func(user *domain.UserRecord) bool {
		if sameSet(user.ChatroomIDs, chatroomIDs) {
			return false
		}
		user.ChatroomIDs = append([]string(nil), chatroomIDs...)
		return true
	})
}

// updateUser runs a read-modify-write loop under optimistic concurrency.
// mutate returns false when the record is already in the desired state, in
// which case nothing is written.
func (d *UserDirectory) updateUser(ctx context.Context, userID string, mutate func(*domain.UserRecord) bool) error {
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		doc, version, err := d.store.Get(ctx, store.CollectionUsers, userID)
		if err != nil {
			return err
		}
		user, err := domain.DecodeUser(doc)
		if err != nil {
			return fmt.Errorf("decoding user %s: %w", userID, err)
		}

		if !mutate(&user) {
			return nil
		}

		updated, err := domain.EncodeUser(user)
		if err != nil {
			return err
		}
		_, err = d.store.Put(ctx, store.CollectionUsers, userID, updated, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, cerrors.ErrConflict) {
			return err
		}

		d.log.Debug("user update lost version race, retrying",
			"user_id", userID, "attempt", attempt)
		if err := sleepBackoff(ctx, d.backoff, attempt); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: user %s", cerrors.ErrContention, userID)
}

// sleepBackoff waits a randomized, linearly growing delay between retry
// attempts, or returns early when ctx is cancelled.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	if base <= 0 {
		return ctx.Err()
	}
	delay := base*time.Duration(attempt) + rand.N(base)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func sameSet(a, b []string) bool {
	return len(a) == len(b) && len(lo.Without(a, b...)) == 0
}
