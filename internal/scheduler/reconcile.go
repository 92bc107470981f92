package scheduler

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/angelmondragon/packfinderz-offline/internal/localstore"
	"github.com/angelmondragon/packfinderz-offline/pkg/db/models"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
)

// Result describes a mutation the server accepted.
type Result struct {
	Entry models.OutboxEntry
	// EntityID is the canonical id after any provisional id was promoted.
	EntityID      string
	ProvisionalID string
	// Record is the server's representation. Empty when the server returned none.
	Record json.RawMessage
}

// Reconciler applies the side effects of an accepted mutation to other cached records. It runs
// inside the transaction that marks the entry succeeded; a returned error rolls everything
// back and fails the entry.
type Reconciler interface {
	Reconcile(ctx context.Context, tx *localstore.Tx, result Result) error
}

type ReconcilerFunc func(ctx context.Context, tx *localstore.Tx, result Result) error

func (f ReconcilerFunc) Reconcile(ctx context.Context, tx *localstore.Tx, result Result) error {
	return f(ctx, tx, result)
}

type reconcilers struct {
	mu     sync.RWMutex
	byType map[enums.EntityType][]Reconciler
}

func (r *reconcilers) add(entityType enums.EntityType, rec Reconciler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byType == nil {
		r.byType = map[enums.EntityType][]Reconciler{}
	}
	r.byType[entityType] = append(r.byType[entityType], rec)
}

func (r *reconcilers) lookup(entityType enums.EntityType) []Reconciler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byType[entityType]
	out := make([]Reconciler, len(list))
	copy(out, list)
	return out
}
