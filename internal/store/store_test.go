package store

import (
	"errors"
	"testing"
)

// storeUnderTest runs the shared Store contract tests against an
// implementation.
func storeUnderTest(t *testing.T, s Store) {
	t.Helper()

	// Missing key
	if _, err := s.Get("queue", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing key, got %v", err)
	}

	// Put / Get round trip
	if err := s.Put("queue", "item-1", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := s.Get("queue", "item-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"n":1}` {
		t.Errorf("unexpected value: %s", got)
	}

	// Overwrite
	if err := s.Put("queue", "item-1", []byte(`{"n":2}`)); err != nil {
		t.Fatalf("Put overwrite failed: %v", err)
	}
	got, _ = s.Get("queue", "item-1")
	if string(got) != `{"n":2}` {
		t.Errorf("expected overwritten value, got %s", got)
	}

	// GetAll scoped to record type
	if err := s.Put("queue", "item-2", []byte(`{"n":3}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put("conflicts", "c-1", []byte(`{}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	all, err := s.GetAll("queue")
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 queue values, got %d", len(all))
	}
	if _, ok := all["c-1"]; ok {
		t.Error("GetAll leaked values from another record type")
	}

	// Delete is idempotent
	if err := s.Delete("queue", "item-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete("queue", "item-1"); err != nil {
		t.Errorf("deleting a missing key should not error, got %v", err)
	}
	if _, err := s.Get("queue", "item-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemStore(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	storeUnderTest(t, s)
}

func TestBadgerStore(t *testing.T) {
	s, err := OpenBadger(t.TempDir())
	if err != nil {
		t.Fatalf("OpenBadger failed: %v", err)
	}
	defer s.Close()
	storeUnderTest(t, s)
}

func TestBadgerStore_Reopen(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenBadger(dir)
	if err != nil {
		t.Fatalf("OpenBadger failed: %v", err)
	}
	if err := s.Put("records", "r-1", []byte(`{"kept":true}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = OpenBadger(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, err := s.Get("records", "r-1")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(got) != `{"kept":true}` {
		t.Errorf("value not durable across reopen: %s", got)
	}
}
