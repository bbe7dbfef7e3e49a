// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package mitigation

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/excubitor/internal/actor"
)

func newTestBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()

	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return NewBadgerStore(db)
}

func TestBadgerStorePutGet(t *testing.T) {
	s := newTestBadgerStore(t)
	ctx := context.Background()
	id := actor.FromAccount("u-1842")

	m := &Active{
		Actor:     id,
		Level:     TemporaryBlock,
		Reason:    "credential stuffing",
		AppliedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.Put(ctx, m); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Level != TemporaryBlock {
		t.Errorf("expected temporary_block, got %+v", got)
	}
	if got.Actor.Key() != id.Key() {
		t.Errorf("actor key mismatch: %q vs %q", got.Actor.Key(), id.Key())
	}
}

func TestBadgerStoreAbsent(t *testing.T) {
	s := newTestBadgerStore(t)

	got, err := s.Get(context.Background(), actor.FromIP("203.0.113.7"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for absent actor, got %+v", got)
	}
}

func TestBadgerStoreReplacement(t *testing.T) {
	s := newTestBadgerStore(t)
	ctx := context.Background()
	id := actor.FromIP("203.0.113.7")

	if err := s.Put(ctx, &Active{Actor: id, Level: Delay, AppliedAt: time.Now(), ExpiresAt: time.Now().Add(10 * time.Minute)}); err != nil {
		t.Fatalf("put first: %v", err)
	}
	if err := s.Put(ctx, &Active{Actor: id, Level: PermanentBan, AppliedAt: time.Now()}); err != nil {
		t.Fatalf("put second: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Level != PermanentBan {
		t.Errorf("expected replacement to win, got %s", got.Level)
	}
}

func TestBadgerStoreExpiryAtRead(t *testing.T) {
	s := newTestBadgerStore(t)
	ctx := context.Background()
	id := actor.FromIP("203.0.113.7")

	now := time.Now()
	if err := s.Put(ctx, &Active{Actor: id, Level: Captcha, AppliedAt: now, ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("put: %v", err)
	}

	s.now = func() time.Time { return now.Add(2 * time.Hour) }
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expired mitigation should read as absent, got %+v", got)
	}
}

func TestBadgerStoreLapsedPutRemovesPrevious(t *testing.T) {
	s := newTestBadgerStore(t)
	ctx := context.Background()
	id := actor.FromIP("203.0.113.7")

	now := time.Now()
	if err := s.Put(ctx, &Active{Actor: id, Level: PermanentBan, AppliedAt: now}); err != nil {
		t.Fatalf("put: %v", err)
	}

	// A write whose expiry has already passed still wins: the stale
	// stricter entry must not survive it.
	if err := s.Put(ctx, &Active{Actor: id, Level: Captcha, AppliedAt: now, ExpiresAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("lapsed put: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("lapsed write should leave no mitigation, got %+v", got)
	}
}

func TestBadgerStoreDelete(t *testing.T) {
	s := newTestBadgerStore(t)
	ctx := context.Background()
	id := actor.FromAccount("u-7")

	if err := s.Put(ctx, &Active{Actor: id, Level: Delay, AppliedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := s.Get(ctx, id); got != nil {
		t.Errorf("expected deletion, got %+v", got)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Errorf("delete of absent actor should be nil, got %v", err)
	}
}

func TestBadgerStoreList(t *testing.T) {
	s := newTestBadgerStore(t)
	ctx := context.Background()

	for _, key := range []string{"u-1", "u-2", "u-3"} {
		m := &Active{
			Actor:     actor.FromAccount(key),
			Level:     Delay,
			AppliedAt: time.Now(),
			ExpiresAt: time.Now().Add(10 * time.Minute),
		}
		if err := s.Put(ctx, m); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 mitigations, got %d", len(all))
	}
}
