package idempotency

import (
	"context"
	"fmt"
	"time"
)

type exampleStore struct {
	values []bool
	index  int
}

func (s *exampleStore) Get(context.Context, string) (string, error) {
	return "", nil
}

func (s *exampleStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	result := false
	if s.index < len(s.values) {
		result = s.values[s.index]
	}
	s.index++
	return result, nil
}

func (s *exampleStore) IdempotencyKey(scope, id string) string {
	return "pfo:idempotency:" + scope + ":" + id
}

func (s *exampleStore) Del(context.Context, ...string) error {
	return nil
}

type exampleReconciler struct {
	name    string
	manager *Manager
}

func (c *exampleReconciler) apply(ctx context.Context, entryID string) string {
	already, _ := c.manager.CheckAndMark(ctx, c.name, entryID)
	if already {
		return "already applied"
	}
	return "applying server record"
}

func ExampleManager_CheckAndMark() {
	ctx := context.Background()
	store := &exampleStore{values: []bool{true, false}}
	manager, _ := NewManager(store, 30*24*time.Hour)
	reconciler := &exampleReconciler{name: "sync-worker", manager: manager}

	fmt.Println(reconciler.apply(ctx, "0b6f0d1c-2f43-4b0e-9d51-3c5a8a1f2e77"))
	fmt.Println(reconciler.apply(ctx, "0b6f0d1c-2f43-4b0e-9d51-3c5a8a1f2e77"))
	// Output:
	// applying server record
	// already applied
}
