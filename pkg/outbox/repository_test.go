package outbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-offline/pkg/db/dbtest"
	"github.com/angelmondragon/packfinderz-offline/pkg/db/models"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-offline/pkg/errors"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	client := dbtest.NewSQLite(t)
	return NewRepository(client.DB(), 3)
}

func enqueue(t *testing.T, repo *Repository, entityType enums.EntityType, action enums.MutationAction, related string, payload any) string {
	t.Helper()
	entry, err := repo.Enqueue(context.Background(), EnqueueInput{
		EntityType:      entityType,
		Action:          action,
		Payload:         payload,
		RelatedEntityID: related,
	})
	require.NoError(t, err)
	return entry.ID
}

func TestEnqueueDefaultsAndOrdering(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	first, err := repo.Enqueue(ctx, EnqueueInput{
		EntityType:      enums.EntityMessage,
		Action:          enums.ActionCreate,
		Payload:         map[string]any{"id": "m1", "body": "hi"},
		RelatedEntityID: "m1",
	})
	require.NoError(t, err)
	second, err := repo.Enqueue(ctx, EnqueueInput{
		EntityType:      enums.EntityMessage,
		Action:          enums.ActionUpdate,
		Payload:         map[string]any{"id": "m1", "body": "hello"},
		RelatedEntityID: "m1",
		MaxRetries:      5,
	})
	require.NoError(t, err)

	assert.Equal(t, enums.OutboxStatusPending, first.Status)
	assert.Equal(t, 3, first.MaxRetries)
	assert.Equal(t, 5, second.MaxRetries)
	assert.Zero(t, first.Attempts)
	assert.Greater(t, second.Seq, first.Seq)
	assert.NotEqual(t, first.ID, second.ID)

	stored, err := repo.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"m1","body":"hi"}`, string(stored.Payload))
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	cases := []EnqueueInput{
		{EntityType: "invoice", Action: enums.ActionCreate, Payload: map[string]any{}, RelatedEntityID: "x"},
		{EntityType: enums.EntityWallet, Action: "upsert", Payload: map[string]any{}, RelatedEntityID: "x"},
		{EntityType: enums.EntityWallet, Action: enums.ActionCreate, Payload: map[string]any{}, RelatedEntityID: " "},
		{EntityType: enums.EntityWallet, Action: enums.ActionCreate, Payload: []byte("{nope"), RelatedEntityID: "x"},
	}
	for _, input := range cases {
		_, err := repo.Enqueue(ctx, input)
		require.Error(t, err)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
	}
}

func TestDequeueKeepsEntityOrder(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	now := time.Now().UTC()

	a1 := enqueue(t, repo, enums.EntityRFQ, enums.ActionCreate, "rfq-a", map[string]any{"id": "rfq-a"})
	a2 := enqueue(t, repo, enums.EntityRFQ, enums.ActionUpdate, "rfq-a", map[string]any{"id": "rfq-a", "title": "x"})
	b1 := enqueue(t, repo, enums.EntityRFQ, enums.ActionCreate, "rfq-b", map[string]any{"id": "rfq-b"})

	batch, err := repo.DequeueNextBatch(ctx, enums.EntityRFQ, 10, now)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, a1, batch[0].ID)
	assert.Equal(t, b1, batch[1].ID)
	assert.Equal(t, enums.OutboxStatusInFlight, batch[0].Status)
	assert.NotNil(t, batch[0].ClaimedAt)

	// a2 waits while a1 is in flight.
	again, err := repo.DequeueNextBatch(ctx, enums.EntityRFQ, 10, now)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, repo.MarkSucceeded(ctx, a1))
	next, err := repo.DequeueNextBatch(ctx, enums.EntityRFQ, 10, now)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, a2, next[0].ID)
}

func TestDequeueHoldsEntriesBehindFailedEntry(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	now := time.Now().UTC()

	first := enqueue(t, repo, enums.EntityMessage, enums.ActionCreate, "m1", map[string]any{"id": "m1"})
	enqueue(t, repo, enums.EntityMessage, enums.ActionUpdate, "m1", map[string]any{"id": "m1"})

	batch, err := repo.DequeueNextBatch(ctx, "", 1, now)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	_, err = repo.MarkTerminal(ctx, first, errors.New("422 rejected"))
	require.NoError(t, err)

	batch, err = repo.DequeueNextBatch(ctx, "", 10, now)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestDequeueFiltersTypeAndSchedule(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	now := time.Now().UTC()

	wallet := enqueue(t, repo, enums.EntityTransaction, enums.ActionCreate, "tx-1", map[string]any{"id": "tx-1"})
	quote := enqueue(t, repo, enums.EntityQuote, enums.ActionCreate, "q-1", map[string]any{"id": "q-1"})

	batch, err := repo.DequeueNextBatch(ctx, enums.EntityQuote, 10, now)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, quote, batch[0].ID)

	_, err = repo.DequeueNextBatch(ctx, enums.EntityTransaction, 10, now)
	require.NoError(t, err)
	_, err = repo.MarkFailed(ctx, wallet, errors.New("timeout"), enums.FailureTransient, now.Add(time.Minute))
	require.NoError(t, err)

	batch, err = repo.DequeueNextBatch(ctx, enums.EntityTransaction, 10, now)
	require.NoError(t, err)
	assert.Empty(t, batch, "entry is not due yet")

	batch, err = repo.DequeueNextBatch(ctx, enums.EntityTransaction, 10, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, wallet, batch[0].ID)
}

func TestMarkFailedExhaustsRetryBudget(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	now := time.Now().UTC()

	id := enqueue(t, repo, enums.EntityTransaction, enums.ActionCreate, "tx-1", map[string]any{"id": "tx-1"})

	for attempt := 1; attempt <= 3; attempt++ {
		batch, err := repo.DequeueNextBatch(ctx, "", 10, now.Add(time.Duration(attempt)*time.Hour))
		require.NoError(t, err)
		require.Len(t, batch, 1, "attempt %d", attempt)

		entry, err := repo.MarkFailed(ctx, id, errors.New("503"), enums.FailureTransient, now.Add(time.Duration(attempt)*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, attempt, entry.Attempts)
		if attempt < 3 {
			assert.Equal(t, enums.OutboxStatusPending, entry.Status)
			require.NotNil(t, entry.NextAttemptAt)
		} else {
			assert.Equal(t, enums.OutboxStatusFailed, entry.Status)
			assert.Nil(t, entry.NextAttemptAt)
		}
	}

	failed, err := repo.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].LastError)
	assert.Equal(t, "503", *failed[0].LastError)
	assert.Equal(t, 3, failed[0].Attempts)
}

func TestMarkTerminalCountsOneAttempt(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	id := enqueue(t, repo, enums.EntityQuote, enums.ActionCreate, "q-1", map[string]any{"id": "q-1"})
	entry, err := repo.MarkTerminal(ctx, id, errors.New(strings.Repeat("x", 2000)))
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStatusFailed, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	require.NotNil(t, entry.ErrorKind)
	assert.Equal(t, enums.FailurePermanent, *entry.ErrorKind)
	assert.Len(t, *entry.LastError, maxLastErrorLen)

	_, err = repo.MarkTerminal(ctx, "missing", errors.New("x"))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestResetInFlightRecoversClaims(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	id := enqueue(t, repo, enums.EntityWallet, enums.ActionUpdate, "w1", map[string]any{"id": "w1"})
	_, err := repo.DequeueNextBatch(ctx, "", 10, time.Now().UTC())
	require.NoError(t, err)

	n, err := repo.ResetInFlight(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	entry, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStatusPending, entry.Status)
	assert.Nil(t, entry.ClaimedAt)
	assert.Zero(t, entry.Attempts)
}

func TestRetargetRelatedRewritesIDsAndPayloads(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	conv := enqueue(t, repo, enums.EntityConversation, enums.ActionUpdate, "offline_1_aaaa", map[string]any{"id": "offline_1_aaaa", "title": "t"})
	msg := enqueue(t, repo, enums.EntityMessage, enums.ActionCreate, "offline_2_bbbb", map[string]any{"id": "offline_2_bbbb", "conversation_id": "offline_1_aaaa"})
	other := enqueue(t, repo, enums.EntityMessage, enums.ActionCreate, "offline_3_cccc", map[string]any{"id": "offline_3_cccc", "body": "offline_1_aaaa_suffix"})

	n, err := repo.RetargetRelated(ctx, "offline_1_aaaa", "conv_42")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	entry, err := repo.Get(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, "conv_42", entry.RelatedEntityID)
	assert.JSONEq(t, `{"id":"conv_42","title":"t"}`, string(entry.Payload))

	entry, err = repo.Get(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "offline_2_bbbb", entry.RelatedEntityID)
	assert.JSONEq(t, `{"id":"offline_2_bbbb","conversation_id":"conv_42"}`, string(entry.Payload))

	entry, err = repo.Get(ctx, other)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"offline_3_cccc","body":"offline_1_aaaa_suffix"}`, string(entry.Payload))
}

func TestRetryFailedAndRemove(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	now := time.Now().UTC()

	failed := enqueue(t, repo, enums.EntityRFQ, enums.ActionCreate, "r1", map[string]any{"id": "r1"})
	_, err := repo.MarkTerminal(ctx, failed, errors.New("400"))
	require.NoError(t, err)

	n, err := repo.RetryFailed(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	entry, err := repo.Get(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStatusPending, entry.Status)
	assert.Zero(t, entry.Attempts)
	assert.Nil(t, entry.LastError)

	_, err = repo.DequeueNextBatch(ctx, "", 10, now)
	require.NoError(t, err)
	err = repo.Remove(ctx, failed)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "in-flight entries cannot be removed: %v", err)
	err = repo.UpdatePayload(ctx, failed, map[string]any{"id": "r1", "title": "edited"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))

	_, err = repo.ResetInFlight(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.UpdatePayload(ctx, failed, map[string]any{"id": "r1", "title": "edited"}))
	require.NoError(t, repo.Remove(ctx, failed))
	assert.True(t, pkgerrors.IsCode(repo.Remove(ctx, failed), pkgerrors.CodeNotFound))
}

func TestStatsAndScheduling(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	now := time.Now().UTC()

	enqueue(t, repo, enums.EntityQuote, enums.ActionCreate, "q1", map[string]any{"id": "q1"})
	enqueue(t, repo, enums.EntityWallet, enums.ActionUpdate, "w1", map[string]any{"id": "w1"})
	retry := enqueue(t, repo, enums.EntityMessage, enums.ActionCreate, "m1", map[string]any{"id": "m1"})
	failed := enqueue(t, repo, enums.EntityMessage, enums.ActionCreate, "m2", map[string]any{"id": "m2"})

	_, err := repo.MarkFailed(ctx, retry, errors.New("timeout"), enums.FailureTransient, now.Add(30*time.Second))
	require.NoError(t, err)
	_, err = repo.MarkTerminal(ctx, failed, errors.New("409"))
	require.NoError(t, err)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Pending)
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 1, stats.PendingByType[enums.EntityMessage])

	types, err := repo.PendingEntityTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []enums.EntityType{enums.EntityWallet, enums.EntityMessage, enums.EntityQuote}, types)

	next, err := repo.NextAttemptAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.WithinDuration(t, now.Add(30*time.Second), *next, time.Second)

	count, err := repo.CountUnfinishedByRelated(ctx, "m1", retry)
	require.NoError(t, err)
	assert.Zero(t, count)

	removed, err := repo.RemoveByRelated(ctx, "m2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	require.NoError(t, repo.Clear(ctx))
	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDequeueWaitsForProvisionalParent(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	now := time.Now().UTC()

	conv := enqueue(t, repo, enums.EntityConversation, enums.ActionCreate, "offline_1_aaaa", map[string]any{"id": "offline_1_aaaa"})
	msg := enqueue(t, repo, enums.EntityMessage, enums.ActionCreate, "offline_2_bbbb", map[string]any{"id": "offline_2_bbbb", "conversation_id": "offline_1_aaaa"})

	batch, err := repo.DequeueNextBatch(ctx, enums.EntityMessage, 10, now)
	require.NoError(t, err)
	assert.Empty(t, batch, "message must wait for its conversation")

	batch, err = repo.DequeueNextBatch(ctx, enums.EntityConversation, 10, now)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, conv, batch[0].ID)

	_, err = repo.RetargetRelated(ctx, "offline_1_aaaa", "conv_1")
	require.NoError(t, err)
	require.NoError(t, repo.MarkSucceeded(ctx, conv))

	batch, err = repo.DequeueNextBatch(ctx, enums.EntityMessage, 10, now)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, msg, batch[0].ID)
	assert.JSONEq(t, `{"id":"offline_2_bbbb","conversation_id":"conv_1"}`, string(batch[0].Payload))
}

func TestMarkFailedTruncatesOnRuneBoundary(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	id := enqueue(t, repo, enums.EntityMessage, enums.ActionCreate, "m-1", map[string]any{"id": "m-1"})
	entry, err := repo.MarkFailed(ctx, id, errors.New("x"+strings.Repeat("é", 600)), enums.FailureTransient, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, entry.LastError)
	assert.Len(t, *entry.LastError, maxLastErrorLen-1)
	assert.True(t, utf8.ValidString(*entry.LastError))

	stored, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(*stored.LastError))
}

func TestClaimSkipsEntriesTakenByAnotherWorker(t *testing.T) {
	ctx := context.Background()
	client := dbtest.NewSQLite(t)
	first := NewRepository(client.DB(), 3)
	second := NewRepository(client.DB(), 3)
	now := time.Now().UTC()

	a := enqueue(t, first, enums.EntityRFQ, enums.ActionCreate, "rfq-a", map[string]any{"id": "rfq-a"})
	b := enqueue(t, first, enums.EntityRFQ, enums.ActionCreate, "rfq-b", map[string]any{"id": "rfq-b"})

	// The first worker reads both rows as pending...
	var seen []models.OutboxEntry
	require.NoError(t, client.DB().Transaction(func(tx *gorm.DB) error {
		var err error
		seen, err = first.eligible(tx, "", 10, now)
		return err
	}))
	require.Len(t, seen, 2)

	// ...while the second worker claims one of them.
	taken, err := second.DequeueNextBatch(ctx, "", 1, now)
	require.NoError(t, err)
	require.Len(t, taken, 1)
	assert.Equal(t, a, taken[0].ID)

	var won []models.OutboxEntry
	require.NoError(t, client.DB().Transaction(func(tx *gorm.DB) error {
		var err error
		won, err = first.claim(tx, seen)
		return err
	}))
	require.Len(t, won, 1)
	assert.Equal(t, b, won[0].ID)
	assert.Equal(t, enums.OutboxStatusInFlight, won[0].Status)

	rest, err := first.DequeueNextBatch(ctx, "", 10, now)
	require.NoError(t, err)
	assert.Empty(t, rest)
}
