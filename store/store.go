//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks

// Package store provides a versioned document store with optimistic
// concurrency control and change subscriptions. It is the only shared
// mutable resource of the chat core; everything above it layers typed
// semantics on raw documents.
package store

import "context"

// Collections persisted inside the store. Each document is keyed by its
// opaque id and carries a version counter.
const (
	CollectionUsers     = "users"
	CollectionChatrooms = "chatrooms"
)

// Version is a per-document counter, strictly increasing across the whole
// lifetime of a document id, including delete and recreate. Zero means
// "document must not exist yet" when passed as the expected version.
type Version uint64

// VersionNone is the expected version of a document being created.
const VersionNone Version = 0

// Entry is one listed document.
type Entry struct {
	ID       string
	Document []byte
	Version  Version
}

// ChangeEvent is one element of a change feed. A nil Document is a
// tombstone: the document was deleted at Version.
type ChangeEvent struct {
	Collection string
	ID         string
	Document   []byte
	Version    Version
}

func (e ChangeEvent) Tombstone() bool { return e.Document == nil }

// DocumentStore is the narrow persistence contract of the chat core.
//
// Writes are atomic per single document; there are no multi-document
// transactions. Cross-record invariants are maintained by best-effort
// sequential writes in the directory and the registry, with the reconciler
// as the repair path.
type DocumentStore interface {
	// Put writes a document if its current version matches expected
	// (VersionNone to create) and returns the new version. A mismatch
	// fails with ErrConflict and changes nothing.
	Put(ctx context.Context, collection, id string, document []byte, expected Version) (Version, error)

	// Get returns the document and its current version, or ErrNotFound.
	Get(ctx context.Context, collection, id string) ([]byte, Version, error)

	// Delete removes a document if its current version matches expected.
	// The id keeps its version counter so a later recreate never reuses
	// a version.
	Delete(ctx context.Context, collection, id string, expected Version) error

	// List returns all live documents of a collection.
	List(ctx context.Context, collection string) ([]Entry, error)

	// Subscribe opens a change feed for a collection, optionally filtered
	// to a set of ids (nil means all). Events for one document arrive in
	// version order. The feed is bounded: a subscriber that falls too far
	// behind has its channel closed with Overflowed() reporting true, and
	// is expected to re-fetch state and subscribe again.
	Subscribe(ctx context.Context, collection string, ids []string) *Watch
}
