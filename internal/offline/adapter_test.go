package offline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/packfinderz-offline/internal/localstore"
	"github.com/angelmondragon/packfinderz-offline/pkg/db/dbtest"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-offline/pkg/errors"
	"github.com/angelmondragon/packfinderz-offline/pkg/ids"
)

type storeWriter struct{ store *localstore.Store }

func (w storeWriter) WithTx(ctx context.Context, fn func(tx *localstore.Tx) error) error {
	return w.store.WithTx(ctx, fn)
}

func (w storeWriter) Store() *localstore.Store { return w.store }

type rfqDraft struct {
	ID       string `json:"id"`
	Title    string `json:"title" validate:"required"`
	Quantity int    `json:"quantity" validate:"gte=0"`
}

func (r rfqDraft) EntityID() string { return r.ID }

func newDraftAdapter(t *testing.T, guard Guard[rfqDraft]) (*Adapter[rfqDraft], *localstore.Store) {
	t.Helper()
	store := localstore.New(dbtest.NewSQLite(t), 3, nil)
	adapter, err := NewAdapter(storeWriter{store: store}, Params[rfqDraft]{
		EntityType: enums.EntityRFQ,
		AssignID:   func(r rfqDraft, id string) rfqDraft { r.ID = id; return r },
		Guard:      guard,
	})
	require.NoError(t, err)
	return adapter, store
}

func TestCreateAssignsProvisionalIDAndQueues(t *testing.T) {
	ctx := context.Background()
	adapter, store := newDraftAdapter(t, nil)

	created, err := adapter.Create(ctx, rfqDraft{Title: "200 boxes"})
	require.NoError(t, err)
	assert.True(t, ids.IsProvisional(created.ID))

	item, err := adapter.GetItem(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, item.Synced)
	assert.Equal(t, "200 boxes", item.Value.Title)

	pending, err := store.Outbox.ListPending(ctx, enums.EntityRFQ)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, enums.ActionCreate, pending[0].Action)
	assert.Equal(t, created.ID, pending[0].RelatedEntityID)
}

func TestCreateValidatesBeforeWriting(t *testing.T) {
	ctx := context.Background()
	adapter, store := newDraftAdapter(t, nil)

	_, err := adapter.Create(ctx, rfqDraft{Quantity: 3})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	count, err := store.Cache.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestGuardRejectionLeavesNothingBehind(t *testing.T) {
	ctx := context.Background()
	guard := func(_ context.Context, _ *localstore.Tx, action enums.MutationAction, prev, next *rfqDraft) error {
		if action == enums.ActionUpdate && next.Quantity < prev.Quantity {
			return pkgerrors.New(pkgerrors.CodeInvariant, "quantity cannot shrink")
		}
		return nil
	}
	adapter, store := newDraftAdapter(t, guard)

	created, err := adapter.Create(ctx, rfqDraft{Title: "pallets", Quantity: 10})
	require.NoError(t, err)

	created.Quantity = 2
	_, err = adapter.Update(ctx, created)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvariant))

	current, err := adapter.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, current.Quantity)
	stats, err := store.Outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestUpdateRequiresExistingRecord(t *testing.T) {
	_, err := func() (rfqDraft, error) {
		adapter, _ := newDraftAdapter(t, nil)
		return adapter.Update(context.Background(), rfqDraft{ID: "rfq_404", Title: "x"})
	}()
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestDeleteOfProvisionalRecordCancelsQueuedMutations(t *testing.T) {
	ctx := context.Background()
	adapter, store := newDraftAdapter(t, nil)

	created, err := adapter.Create(ctx, rfqDraft{Title: "draft"})
	require.NoError(t, err)
	created.Title = "draft v2"
	_, err = adapter.Update(ctx, created)
	require.NoError(t, err)

	require.NoError(t, adapter.Delete(ctx, created.ID))

	entries, err := store.Outbox.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries, "the server never saw the record, so nothing is sent")
	_, err = adapter.Get(ctx, created.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestDeleteOfCanonicalRecordQueuesDelete(t *testing.T) {
	ctx := context.Background()
	adapter, store := newDraftAdapter(t, nil)
	require.NoError(t, adapter.Put(ctx, rfqDraft{ID: "rfq_1", Title: "synced"}, true))

	require.NoError(t, adapter.Delete(ctx, "rfq_1"))

	entries, err := store.Outbox.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, enums.ActionDelete, entries[0].Action)
	assert.Equal(t, "rfq_1", entries[0].RelatedEntityID)
}

func TestListFiltersDecodedValues(t *testing.T) {
	ctx := context.Background()
	adapter, _ := newDraftAdapter(t, nil)
	require.NoError(t, adapter.Put(ctx, rfqDraft{ID: "rfq_1", Title: "a", Quantity: 1}, true))
	require.NoError(t, adapter.Put(ctx, rfqDraft{ID: "rfq_2", Title: "b", Quantity: 5}, true))

	items, err := adapter.List(ctx, func(r rfqDraft) bool { return r.Quantity > 2 })
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "rfq_2", items[0].Value.ID)
	assert.True(t, items[0].Synced)
}

func TestNewAdapterValidatesParams(t *testing.T) {
	_, err := NewAdapter[rfqDraft](nil, Params[rfqDraft]{})
	require.Error(t, err)
	store := localstore.New(dbtest.NewSQLite(t), 3, nil)
	_, err = NewAdapter(storeWriter{store: store}, Params[rfqDraft]{EntityType: "invoice"})
	require.Error(t, err)
}
