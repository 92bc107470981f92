package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/packfinderz-offline/pkg/db/dbtest"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
)

func TestSequencerNeverGoesBackwards(t *testing.T) {
	client := dbtest.NewSQLite(t)
	seq := NewSequencer()
	clock := time.Unix(0, 1_000)
	seq.now = func() time.Time { return clock }

	first, err := seq.Next(context.Background(), client.DB())
	require.NoError(t, err)
	assert.EqualValues(t, 1_000, first)

	clock = time.Unix(0, 500)
	second, err := seq.Next(context.Background(), client.DB())
	require.NoError(t, err)
	assert.EqualValues(t, 1_001, second)
}

func TestSequencerSeedsFromPersistedMax(t *testing.T) {
	ctx := context.Background()
	client := dbtest.NewSQLite(t)

	writer := NewRepository(client.DB(), 3)
	entry, err := writer.Enqueue(ctx, EnqueueInput{
		EntityType:      enums.EntityWallet,
		Action:          enums.ActionUpdate,
		Payload:         map[string]any{"id": "w1"},
		RelatedEntityID: "w1",
	})
	require.NoError(t, err)

	seq := NewSequencer()
	seq.now = func() time.Time { return time.Unix(0, 1) }
	next, err := seq.Next(ctx, client.DB())
	require.NoError(t, err)
	assert.Equal(t, entry.Seq+1, next)
}
