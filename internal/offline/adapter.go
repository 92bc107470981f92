// Package offline implements the create/update/delete-through-the-outbox pattern shared by
// the wallet, chat and RFQ features.
package offline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/angelmondragon/packfinderz-offline/internal/cache"
	"github.com/angelmondragon/packfinderz-offline/internal/localstore"
	"github.com/angelmondragon/packfinderz-offline/pkg/db/models"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-offline/pkg/errors"
	"github.com/angelmondragon/packfinderz-offline/pkg/ids"
	"github.com/angelmondragon/packfinderz-offline/pkg/outbox"
	"github.com/angelmondragon/packfinderz-offline/pkg/validators"
)

// Entity is a cached domain object.
type Entity interface {
	EntityID() string
}

// Writer is the slice of the engine adapters write through.
type Writer interface {
	WithTx(ctx context.Context, fn func(tx *localstore.Tx) error) error
	Store() *localstore.Store
}

// Guard enforces business rules before a local write. prev is nil on create; next is nil on
// delete.
type Guard[T Entity] func(ctx context.Context, tx *localstore.Tx, action enums.MutationAction, prev, next *T) error

// Item is a decoded record plus its sync flag.
type Item[T Entity] struct {
	Value     T         `json:"value"`
	Synced    bool      `json:"synced"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Params[T Entity] struct {
	EntityType enums.EntityType
	// AssignID returns a copy of the value carrying id.
	AssignID func(T, string) T
	Guard    Guard[T]
}

type Adapter[T Entity] struct {
	writer     Writer
	entityType enums.EntityType
	assignID   func(T, string) T
	guard      Guard[T]
}

func NewAdapter[T Entity](writer Writer, params Params[T]) (*Adapter[T], error) {
	if writer == nil {
		return nil, errors.New("writer is required")
	}
	if !params.EntityType.IsValid() {
		return nil, errors.New("valid entity type is required")
	}
	if params.AssignID == nil {
		return nil, errors.New("id assigner is required")
	}
	return &Adapter[T]{
		writer:     writer,
		entityType: params.EntityType,
		assignID:   params.AssignID,
		guard:      params.Guard,
	}, nil
}

func (a *Adapter[T]) EntityType() enums.EntityType {
	return a.entityType
}

// Create stores value optimistically under a provisional id (unless it already has one) and
// queues the create.
func (a *Adapter[T]) Create(ctx context.Context, value T) (T, error) {
	var out T
	err := a.writer.WithTx(ctx, func(tx *localstore.Tx) error {
		var err error
		out, err = a.CreateTx(ctx, tx, value)
		return err
	})
	return out, err
}

// CreateTx is Create inside a caller's transaction.
func (a *Adapter[T]) CreateTx(ctx context.Context, tx *localstore.Tx, value T) (T, error) {
	if strings.TrimSpace(value.EntityID()) == "" {
		value = a.assignID(value, ids.NewProvisional())
	}
	if err := validators.Struct(value); err != nil {
		return value, err
	}
	if a.guard != nil {
		if err := a.guard(ctx, tx, enums.ActionCreate, nil, &value); err != nil {
			return value, err
		}
	}
	return value, a.write(ctx, tx, enums.ActionCreate, value)
}

// Update replaces the cached value and queues the update. The record must exist.
func (a *Adapter[T]) Update(ctx context.Context, value T) (T, error) {
	var out T
	err := a.writer.WithTx(ctx, func(tx *localstore.Tx) error {
		var err error
		out, err = a.UpdateTx(ctx, tx, value)
		return err
	})
	return out, err
}

func (a *Adapter[T]) UpdateTx(ctx context.Context, tx *localstore.Tx, value T) (T, error) {
	if err := validators.Struct(value); err != nil {
		return value, err
	}
	prev, err := a.getTx(ctx, tx, value.EntityID())
	if err != nil {
		return value, err
	}
	if a.guard != nil {
		if err := a.guard(ctx, tx, enums.ActionUpdate, &prev.Value, &value); err != nil {
			return value, err
		}
	}
	return value, a.write(ctx, tx, enums.ActionUpdate, value)
}

// Delete removes the cached record. A record the server never saw has its queued mutations
// cancelled instead of sending a delete, unless its create is being sent right now.
func (a *Adapter[T]) Delete(ctx context.Context, id string) error {
	return a.writer.WithTx(ctx, func(tx *localstore.Tx) error {
		return a.DeleteTx(ctx, tx, id)
	})
}

func (a *Adapter[T]) DeleteTx(ctx context.Context, tx *localstore.Tx, id string) error {
	prev, err := a.getTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if a.guard != nil {
		if err := a.guard(ctx, tx, enums.ActionDelete, &prev.Value, nil); err != nil {
			return err
		}
	}
	if err := tx.Cache.Remove(ctx, a.entityType, id); err != nil {
		return err
	}
	if ids.IsProvisional(id) {
		if _, err := tx.Outbox.RemoveByRelated(ctx, id); err != nil {
			return err
		}
		remaining, err := tx.Outbox.CountUnfinishedByRelated(ctx, id, "")
		if err != nil {
			return err
		}
		if remaining == 0 {
			return nil
		}
	}
	_, err = tx.Enqueue(ctx, outbox.EnqueueInput{
		EntityType:      a.entityType,
		Action:          enums.ActionDelete,
		Payload:         prev.Value,
		RelatedEntityID: id,
	})
	return err
}

// Put writes a server copy into the cache without queueing anything.
func (a *Adapter[T]) Put(ctx context.Context, value T, synced bool) error {
	_, err := a.writer.Store().Cache.Put(ctx, cache.PutInput{
		EntityType: a.entityType,
		EntityID:   value.EntityID(),
		Payload:    value,
		Synced:     synced,
	})
	return err
}

func (a *Adapter[T]) Get(ctx context.Context, id string) (T, error) {
	item, err := a.GetItem(ctx, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return item.Value, nil
}

func (a *Adapter[T]) GetItem(ctx context.Context, id string) (Item[T], error) {
	record, err := a.writer.Store().Cache.Get(ctx, a.entityType, id)
	if err != nil {
		return Item[T]{}, err
	}
	return decode[T](*record)
}

// GetTx reads inside a transaction.
func (a *Adapter[T]) GetTx(ctx context.Context, tx *localstore.Tx, id string) (T, error) {
	item, err := a.getTx(ctx, tx, id)
	return item.Value, err
}

// List returns every cached value that passes keep (all of them when keep is nil), in the
// cache's update order.
func (a *Adapter[T]) List(ctx context.Context, keep func(T) bool) ([]Item[T], error) {
	records, err := a.writer.Store().Cache.GetAll(ctx, a.entityType)
	if err != nil {
		return nil, err
	}
	out := make([]Item[T], 0, len(records))
	for _, record := range records {
		item, err := decode[T](record)
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(item.Value) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (a *Adapter[T]) getTx(ctx context.Context, tx *localstore.Tx, id string) (Item[T], error) {
	record, err := tx.Cache.Get(ctx, a.entityType, id)
	if err != nil {
		return Item[T]{}, err
	}
	return decode[T](*record)
}

func (a *Adapter[T]) write(ctx context.Context, tx *localstore.Tx, action enums.MutationAction, value T) error {
	if _, err := tx.Cache.Put(ctx, cache.PutInput{
		EntityType: a.entityType,
		EntityID:   value.EntityID(),
		Payload:    value,
	}); err != nil {
		return err
	}
	_, err := tx.Enqueue(ctx, outbox.EnqueueInput{
		EntityType:      a.entityType,
		Action:          action,
		Payload:         value,
		RelatedEntityID: value.EntityID(),
	})
	return err
}

func decode[T Entity](record models.CacheRecord) (Item[T], error) {
	var value T
	if err := record.Payload.Decode(&value); err != nil {
		return Item[T]{}, pkgerrors.Wrap(pkgerrors.CodeInvariant, err, "cached payload does not match its entity type").
			WithDetails(map[string]any{"entity_type": record.EntityType, "entity_id": record.EntityID})
	}
	return Item[T]{Value: value, Synced: record.Synced, UpdatedAt: record.UpdatedAt}, nil
}
