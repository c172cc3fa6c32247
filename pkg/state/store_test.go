package state

import (
	"errors"
	"testing"
)

func testStore(t *testing.T, store Store) {
	t.Helper()
	key := []byte("k")

	if _, err := store.Get(key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Set(key, []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := store.Get(key)
	if err != nil || string(got) != "v1" {
		t.Fatalf("get: %q %v", got, err)
	}
	if err := store.Delete(key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	store := NewMemoryStore()
	val := []byte("abc")
	store.Set([]byte("k"), val)
	val[0] = 'z'
	got, _ := store.Get([]byte("k"))
	if string(got) != "abc" {
		t.Fatalf("store aliased caller slice: %q", got)
	}
}

func TestBadgerStore(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer store.Close()
	testStore(t, store)
}

func TestBadgerProfileSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBadgerStore(dir)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	mgr := NewManager(store)
	mgr.SetSettings(Settings{Speed: SpeedTurtle})
	mgr.StartGame()
	mgr.IncrementScore(40)
	mgr.GameOver()
	id, err := LoadDeviceID(store)
	if err != nil {
		t.Fatalf("device id: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = NewBadgerStore(dir)
	if err != nil {
		t.Fatalf("reopen badger: %v", err)
	}
	defer store.Close()
	if got := NewManager(store).Snapshot().HighScore; got != 40 {
		t.Fatalf("expected high score 40 after reopen, got %v", got)
	}
	again, err := LoadDeviceID(store)
	if err != nil || again != id {
		t.Fatalf("device id changed across reopen: %q -> %q (%v)", id, again, err)
	}
}

func TestLoadDeviceIDIsStable(t *testing.T) {
	store := NewMemoryStore()
	first, err := LoadDeviceID(store)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if len(first) != 36 {
		t.Fatalf("expected uuid, got %q", first)
	}
	second, err := LoadDeviceID(store)
	if err != nil || second != first {
		t.Fatalf("expected %q again, got %q (%v)", first, second, err)
	}
}
