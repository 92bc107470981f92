package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStore struct {
	setNXResult bool
	setNXError  error
	lastKey     string
	lastTTL     time.Duration
	lastDeleted string
}

func (f *fakeStore) Get(context.Context, string) (string, error) {
	return "", nil
}

func (f *fakeStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	f.lastKey = key
	f.lastTTL = ttl
	return f.setNXResult, f.setNXError
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return "pfo:idempotency:" + scope + ":" + id
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	if len(keys) > 0 {
		f.lastDeleted = keys[0]
	}
	return nil
}

func TestCheckAndMark_FirstTime(t *testing.T) {
	store := &fakeStore{setNXResult: true}
	manager, err := NewManager(store, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	already, err := manager.CheckAndMark(context.Background(), "sync-worker", "entry-1")
	if err != nil {
		t.Fatalf("CheckAndMark: %v", err)
	}
	if already {
		t.Fatalf("expected first call to return false, got true")
	}

	expectedKey := "pfo:idempotency:entry:reconciled:sync-worker:entry-1"
	if store.lastKey != expectedKey {
		t.Fatalf("unexpected key: %q", store.lastKey)
	}
	if store.lastTTL != 24*time.Hour {
		t.Fatalf("unexpected ttl: %v", store.lastTTL)
	}
}

func TestCheckAndMark_AlreadyApplied(t *testing.T) {
	store := &fakeStore{setNXResult: false}
	manager, err := NewManager(store, 12*time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	already, err := manager.CheckAndMark(context.Background(), "sync-worker", "entry-1")
	if err != nil {
		t.Fatalf("CheckAndMark: %v", err)
	}
	if !already {
		t.Fatalf("expected already applied, got false")
	}
}

func TestCheckAndMark_Errors(t *testing.T) {
	store := &fakeStore{setNXError: errors.New("boom")}
	manager, err := NewManager(store, time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, err := manager.CheckAndMark(context.Background(), "sync-worker", "entry-1"); err == nil {
		t.Fatal("expected store error")
	}
	if _, err := manager.CheckAndMark(context.Background(), "sync-worker", " "); err == nil {
		t.Fatal("expected blank entry id to fail")
	}
	if _, err := manager.CheckAndMark(context.Background(), "", "entry-1"); err == nil {
		t.Fatal("expected missing consumer to fail")
	}
}

func TestDelete(t *testing.T) {
	store := &fakeStore{}
	manager, err := NewManager(store, 1*time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := manager.Delete(context.Background(), "sync-worker", "entry-9"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	expected := "pfo:idempotency:entry:reconciled:sync-worker:entry-9"
	if store.lastDeleted != expected {
		t.Fatalf("unexpected deleted key %q", store.lastDeleted)
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(nil, time.Hour); err == nil {
		t.Fatal("expected nil store to fail")
	}
	if _, err := NewManager(&fakeStore{}, -time.Second); err == nil {
		t.Fatal("expected negative ttl to fail")
	}
}
