package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/packfinderz-offline/pkg/redis"
)

// Manager remembers which queue entries a reconciler already applied, using Redis SETNX with
// a TTL. Keys follow the `pf:idempotency:entry:reconciled:<consumer>:<entry_id>` pattern.
type Manager struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

// NewManager builds an idempotency guard that marks entries as applied for the given TTL.
func NewManager(store redis.IdempotencyStore, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Manager{
		store: store,
		ttl:   ttl,
	}, nil
}

// CheckAndMark returns true if the entry has already been applied and otherwise marks it
// with the configured TTL.
func (m *Manager) CheckAndMark(ctx context.Context, consumer, entryID string) (bool, error) {
	key, err := m.key(consumer, entryID)
	if err != nil {
		return false, err
	}
	set, err := m.store.SetNX(ctx, key, "1", m.ttl)
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Delete forgets the mark so a later attempt can apply the entry again.
func (m *Manager) Delete(ctx context.Context, consumer, entryID string) error {
	key, err := m.key(consumer, entryID)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

func (m *Manager) key(consumer, entryID string) (string, error) {
	if consumer == "" {
		return "", errors.New("consumer name is required")
	}
	if strings.TrimSpace(entryID) == "" {
		return "", errors.New("entry id is required")
	}
	scope := fmt.Sprintf("entry:reconciled:%s", consumer)
	return m.store.IdempotencyKey(scope, entryID), nil
}
