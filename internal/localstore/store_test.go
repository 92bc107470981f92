package localstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/packfinderz-offline/internal/cache"
	"github.com/angelmondragon/packfinderz-offline/pkg/db/dbtest"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
	"github.com/angelmondragon/packfinderz-offline/pkg/outbox"
)

func TestWithTxCommitsCacheAndOutboxTogether(t *testing.T) {
	ctx := context.Background()
	store := New(dbtest.NewSQLite(t), 3, nil)

	err := store.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.Cache.Put(ctx, cache.PutInput{EntityType: enums.EntityMessage, EntityID: "m1", Payload: map[string]any{"id": "m1"}}); err != nil {
			return err
		}
		_, err := tx.Enqueue(ctx, outbox.EnqueueInput{EntityType: enums.EntityMessage, Action: enums.ActionCreate, Payload: map[string]any{"id": "m1"}, RelatedEntityID: "m1"})
		return err
	})
	require.NoError(t, err)

	_, err = store.Cache.Get(ctx, enums.EntityMessage, "m1")
	require.NoError(t, err)
	pending, err := store.Outbox.ListPending(ctx, "")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestWithTxRollsBackAndReturnsCallerError(t *testing.T) {
	ctx := context.Background()
	store := New(dbtest.NewSQLite(t), 3, nil)
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.Cache.Put(ctx, cache.PutInput{EntityType: enums.EntityWallet, EntityID: "w1", Payload: map[string]any{"id": "w1"}}); err != nil {
			return err
		}
		if _, err := tx.Enqueue(ctx, outbox.EnqueueInput{EntityType: enums.EntityWallet, Action: enums.ActionUpdate, Payload: map[string]any{"id": "w1"}, RelatedEntityID: "w1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	count, err := store.Cache.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	stats, err := store.Outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestCheckpointRecordsSuccessAndFailure(t *testing.T) {
	ctx := context.Background()
	store := New(dbtest.NewSQLite(t), 3, nil)

	cp, err := store.Checkpoints.Get(ctx, DrainCheckpoint)
	require.NoError(t, err)
	assert.Nil(t, cp)

	first := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Checkpoints.RecordAttempt(ctx, DrainCheckpoint, first, nil))
	second := first.Add(time.Minute)
	require.NoError(t, store.Checkpoints.RecordAttempt(ctx, DrainCheckpoint, second, errors.New("disk I/O error")))

	cp, err = store.Checkpoints.Get(ctx, DrainCheckpoint)
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.NotNil(t, cp.LastSuccessAt)
	assert.True(t, cp.LastSuccessAt.Equal(first))
	assert.True(t, cp.LastAttemptAt.Equal(second))
	require.NotNil(t, cp.LastError)
	assert.Equal(t, "disk I/O error", *cp.LastError)

	third := second.Add(time.Minute)
	require.NoError(t, store.Checkpoints.RecordAttempt(ctx, DrainCheckpoint, third, nil))
	cp, err = store.Checkpoints.Get(ctx, DrainCheckpoint)
	require.NoError(t, err)
	assert.Nil(t, cp.LastError)
	assert.True(t, cp.LastSuccessAt.Equal(third))

	require.NoError(t, store.Checkpoints.Clear(ctx))
	cp, err = store.Checkpoints.Get(ctx, DrainCheckpoint)
	require.NoError(t, err)
	assert.Nil(t, cp)
}
