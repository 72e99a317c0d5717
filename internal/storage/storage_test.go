package storage

import (
	"context"
	"errors"
	"testing"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// both stores must satisfy the same contract
func stores(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"mem":    NewMemStore(),
		"sqlite": newTestSQLite(t),
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		if err := s.Set(ctx, "op/abc", []byte("payload")); err != nil {
			t.Fatalf("%s: set: %v", name, err)
		}
		got, err := s.Get(ctx, "op/abc")
		if err != nil {
			t.Fatalf("%s: get: %v", name, err)
		}
		if string(got) != "payload" {
			t.Errorf("%s: got %q, want payload", name, got)
		}
	}
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		_, err := s.Get(ctx, "nope")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", name, err)
		}
	}
}

func TestSetOverwrites(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		_ = s.Set(ctx, "k", []byte("v1"))
		_ = s.Set(ctx, "k", []byte("v2"))
		got, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("%s: get: %v", name, err)
		}
		if string(got) != "v2" {
			t.Errorf("%s: got %q, want v2", name, got)
		}
	}
}

func TestDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		_ = s.Set(ctx, "k", []byte("v"))
		if err := s.Delete(ctx, "k"); err != nil {
			t.Fatalf("%s: delete: %v", name, err)
		}
		// second delete of a missing key must not error
		if err := s.Delete(ctx, "k"); err != nil {
			t.Errorf("%s: delete missing: %v", name, err)
		}
		if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound after delete, got %v", name, err)
		}
	}
}

func TestListKeysByPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		_ = s.Set(ctx, "op/1", []byte("a"))
		_ = s.Set(ctx, "op/2", []byte("b"))
		_ = s.Set(ctx, "cache/1", []byte("c"))

		keys, err := s.ListKeys(ctx, "op/")
		if err != nil {
			t.Fatalf("%s: list: %v", name, err)
		}
		if len(keys) != 2 {
			t.Fatalf("%s: expected 2 keys, got %d: %v", name, len(keys), keys)
		}
		if keys[0] != "op/1" || keys[1] != "op/2" {
			t.Errorf("%s: unexpected keys %v", name, keys)
		}
	}
}

func TestListKeysEscapesWildcards(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	_ = s.Set(ctx, "a_b/1", []byte("x"))
	_ = s.Set(ctx, "axb/1", []byte("y"))

	keys, err := s.ListKeys(ctx, "a_b/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0] != "a_b/1" {
		t.Errorf("underscore should match literally, got %v", keys)
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/satchel.db"

	s1, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s1.Set(ctx, "ent/x", []byte("durable")); err != nil {
		t.Fatalf("set: %v", err)
	}
	s1.Close()

	s2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.Get(ctx, "ent/x")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(got) != "durable" {
		t.Errorf("got %q, want durable", got)
	}
}

func TestMemStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	val := []byte("abc")
	_ = m.Set(ctx, "k", val)
	val[0] = 'z'

	got, _ := m.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("store must not alias caller buffers, got %q", got)
	}
}

func TestStoreInterface(t *testing.T) {
	var _ Store = (*MemStore)(nil)
	var _ Store = (*SQLiteStore)(nil)
}
