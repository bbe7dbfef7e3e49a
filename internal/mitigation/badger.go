// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package mitigation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/excubitor/internal/actor"
)

// mitigationKeyPrefix namespaces mitigation entries in BadgerDB.
const mitigationKeyPrefix = "mitigation:"

// BadgerStore implements Store on BadgerDB for deployments where
// mitigations must survive restarts. Entries with an expiry are written
// with a native TTL, so Badger reclaims them without a sweeper; the expiry
// check at read covers the window before compaction.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// NewBadgerStore creates a Badger-backed store on an open database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, now: time.Now}
}

func mitigationKey(id actor.Identity) []byte {
	return []byte(mitigationKeyPrefix + id.Key())
}

// Get returns the actor's active mitigation, or (nil, nil) when absent
// or expired.
func (s *BadgerStore) Get(_ context.Context, id actor.Identity) (*Active, error) {
	var m Active

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(mitigationKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return badger.ErrKeyNotFound
		}
		if err != nil {
			return fmt.Errorf("get mitigation: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if m.Expired(s.now()) {
		return nil, nil
	}

	return &m, nil
}

// Put commits a mitigation, replacing any existing entry for the actor.
// Expiring tiers carry a Badger TTL matching their remaining lifetime.
func (s *BadgerStore) Put(_ context.Context, m *Active) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mitigation: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := mitigationKey(m.Actor)
		if !m.ExpiresAt.IsZero() {
			ttl := m.ExpiresAt.Sub(s.now())
			if ttl <= 0 {
				// Already lapsed: last-write-wins means the previous
				// entry must not survive it either.
				err := txn.Delete(key)
				if errors.Is(err, badger.ErrKeyNotFound) {
					return nil
				}
				return err
			}
			return txn.SetEntry(badger.NewEntry(key, data).WithTTL(ttl))
		}
		return txn.SetEntry(badger.NewEntry(key, data))
	})
}

// Delete removes the actor's mitigation if present.
func (s *BadgerStore) Delete(_ context.Context, id actor.Identity) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(mitigationKey(id))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete mitigation: %w", err)
		}
		return nil
	})
}

// List returns all unexpired mitigations.
func (s *BadgerStore) List(_ context.Context) ([]*Active, error) {
	now := s.now()
	var out []*Active

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(mitigationKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var m Active
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			})
			if err != nil {
				return fmt.Errorf("decode mitigation: %w", err)
			}
			if !m.Expired(now) {
				out = append(out, &m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
