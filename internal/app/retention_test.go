package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/memory-broker/internal/adapter/repo/memstore"
	"github.com/fairyhunter13/memory-broker/internal/domain"
)

func TestNewRetentionSweeperDefaults(t *testing.T) {
	assert.Nil(t, NewRetentionSweeper(nil, 0, 0))
	s := NewRetentionSweeper(memstore.New(), 0, 0)
	require.NotNil(t, s)
	assert.Equal(t, 7*24*time.Hour, s.retention)
	assert.Equal(t, time.Hour, s.interval)
}

func TestSweepOnceRemovesOldTerminalTasks(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	oldID, err := store.Enqueue(ctx, domain.EnqueueRequest{
		Kind:               domain.KindObservation,
		RequiredCapability: "observation",
	})
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, oldID, "settled"))

	keepID, err := store.Enqueue(ctx, domain.EnqueueRequest{
		Kind:               domain.KindObservation,
		RequiredCapability: "observation",
	})
	require.NoError(t, err)

	// A future cutoff treats the settled task as expired; the pending task
	// is never swept.
	s := NewRetentionSweeper(store, time.Nanosecond, time.Hour)
	s.retention = -time.Hour
	s.sweepOnce(ctx)

	_, err = store.Get(ctx, oldID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.Get(ctx, keepID)
	assert.NoError(t, err)
}
