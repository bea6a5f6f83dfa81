package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	cerrors "chat-core/errors"
)

// envelope is the on-disk value of each document. Deleted documents keep
// their envelope as a tombstone so the version counter survives a
// delete/recreate cycle and never runs backwards.
type envelope struct {
	Version Version `json:"version"`
	Body    []byte  `json:"body,omitempty"`
	Deleted bool    `json:"deleted,omitempty"`
}

// Badger is the BadgerDB-backed DocumentStore.
//
// Keys are "{collection}:{id}" so a collection is one lexicographic prefix
// range. A single write mutex serializes Put/Delete with the change-feed
// publish: events must reach subscribers in commit order, and Badger alone
// cannot guarantee that once two commits race past the transaction layer.
type Badger struct {
	db       *badger.DB
	log      *slog.Logger
	notifier *notifier

	writeMu sync.Mutex
}

func NewBadger(db *badger.DB, log *slog.Logger, watchBuffer int) *Badger {
	return &Badger{
		db:       db,
		log:      log,
		notifier: newNotifier(watchBuffer),
	}
}

func key(collection, id string) []byte {
	return []byte(collection + ":" + id)
}

func (s *Badger) Put(ctx context.Context, collection, id string, document []byte, expected Version) (Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var next Version
	err := s.db.Update(func(txn *badger.Txn) error {
		env, err := readEnvelope(txn, collection, id)
		if err != nil {
			return err
		}

		current := VersionNone
		if env != nil && !env.Deleted {
			current = env.Version
		}
		if current != expected {
			return fmt.Errorf("%w: %s/%s expected v%d, have v%d",
				cerrors.ErrConflict, collection, id, expected, current)
		}

		next = VersionNone + 1
		if env != nil {
			next = env.Version + 1
		}

		data, err := cbor.Marshal(envelope{Version: next, Body: document})
		if err != nil {
			return err
		}
		return txn.Set(key(collection, id), data)
	})
	if err != nil {
		return 0, err
	}

	s.notifier.publish(ChangeEvent{
		Collection: collection,
		ID:         id,
		Document:   document,
		Version:    next,
	})
	return next, nil
}

func (s *Badger) Get(ctx context.Context, collection, id string) ([]byte, Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	var env *envelope
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		env, err = readEnvelope(txn, collection, id)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	if env == nil || env.Deleted {
		return nil, 0, fmt.Errorf("%w: %s/%s", cerrors.ErrNotFound, collection, id)
	}
	return env.Body, env.Version, nil
}

func (s *Badger) Delete(ctx context.Context, collection, id string, expected Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var next Version
	err := s.db.Update(func(txn *badger.Txn) error {
		env, err := readEnvelope(txn, collection, id)
		if err != nil {
			return err
		}
		if env == nil || env.Deleted {
			return fmt.Errorf("%w: %s/%s", cerrors.ErrNotFound, collection, id)
		}
		if env.Version != expected {
			return fmt.Errorf("%w: %s/%s expected v%d, have v%d",
				cerrors.ErrConflict, collection, id, expected, env.Version)
		}

		next = env.Version + 1
		data, err := cbor.Marshal(envelope{Version: next, Deleted: true})
		if err != nil {
			return err
		}
		return txn.Set(key(collection, id), data)
	})
	if err != nil {
		return err
	}

	s.notifier.publish(ChangeEvent{
		Collection: collection,
		ID:         id,
		Version:    next,
	})
	return nil
}

func (s *Badger) List(ctx context.Context, collection string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(collection + ":")
	var entries []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := string(item.Key()[len(prefix):])
			err := item.Value(func(val []byte) error {
				var env envelope
				if err := cbor.Unmarshal(val, &env); err != nil {
					return err
				}
				if env.Deleted {
					return nil
				}
				entries = append(entries, Entry{ID: id, Document: env.Body, Version: env.Version})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return entries, err
}

func (s *Badger) Subscribe(ctx context.Context, collection string, ids []string) *Watch {
	w := s.notifier.subscribe(collection, ids)
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			w.Cancel()
		}()
	}
	return w
}

// readEnvelope returns nil when the key was never written.
func readEnvelope(txn *badger.Txn, collection, id string) (*envelope, error) {
	item, err := txn.Get(key(collection, id))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var env envelope
	err = item.Value(func(val []byte) error {
		return cbor.Unmarshal(val, &env)
	})
	if err != nil {
		return nil, err
	}
	return &env, nil
}
