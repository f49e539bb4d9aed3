package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPollStorage(t *testing.T) {
	runPollStorageSuite(t, NewMemoryPollStorage(time.Hour))
}

func TestMemoryPollStorageExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryPollStorage(time.Minute)
	store.Now = func() time.Time { return now }

	p := newTestPoll()
	_, err := store.Create(ctx, p)
	require.NoError(t, err)

	t.Run("Happy path - poll is live before its TTL", func(t *testing.T) {
		now = now.Add(59 * time.Second)
		_, err := store.Get(ctx, p.ID)
		require.NoError(t, err)
	})

	t.Run("Unhappy path - expired poll is gone for reads and writes", func(t *testing.T) {
		now = now.Add(2 * time.Second)
		_, err := store.Get(ctx, p.ID)
		assert.ErrorIs(t, err, ErrPollNotFound)
		_, err = store.SetParticipant(ctx, p.ID, "p1", "Ana")
		assert.ErrorIs(t, err, ErrPollNotFound)
	})

	t.Run("Happy path - expired id can be reused", func(t *testing.T) {
		_, err := store.Create(ctx, p)
		require.NoError(t, err)
		_, err = store.Get(ctx, p.ID)
		require.NoError(t, err)
	})

	t.Run("Happy path - sweep evicts expired polls", func(t *testing.T) {
		other := newTestPoll()
		_, err := store.Create(ctx, other)
		require.NoError(t, err)

		now = now.Add(2 * time.Minute)
		n, err := store.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}

func TestMemoryPollStorageIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPollStorage(time.Hour)
	p := newTestPoll()
	created, err := store.Create(ctx, p)
	require.NoError(t, err)

	created.Participants["intruder"] = "x"
	p.Participants["intruder2"] = "y"

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.Participants, "intruder")
	assert.NotContains(t, got.Participants, "intruder2")
}

func TestMemoryPollStorageCancelledContext(t *testing.T) {
	store := NewMemoryPollStorage(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Create(ctx, newTestPoll())
	assert.ErrorIs(t, err, ErrUnavailable)
}
