package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pollSeq atomic.Int64

func newTestPoll() *Poll {
	admin := fmt.Sprintf("admin-%d", pollSeq.Add(1))
	return &Poll{
		ID:            fmt.Sprintf("T%05d", pollSeq.Add(1)),
		Topic:         gofakeit.Word(),
		VotesPerVoter: 2,
		Participants:  map[string]string{admin: gofakeit.FirstName()},
		AdminID:       admin,
	}
}

// runPollStorageSuite checks the contract every backend has to honor.
func runPollStorageSuite(t *testing.T, store PollStorage) {
	ctx := context.Background()

	t.Run("Happy path - create then get", func(t *testing.T) {
		p := newTestPoll()
		created, err := store.Create(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, p.ID, created.ID)
		assert.NotZero(t, created.ExpiresAt)
		assert.NotNil(t, created.Nominations)
		assert.NotNil(t, created.Rankings)

		got, err := store.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, created.Topic, got.Topic)
		assert.Equal(t, created.AdminID, got.AdminID)
		assert.Equal(t, created.Participants, got.Participants)
		assert.False(t, got.HasStarted)
		assert.Empty(t, got.Results)
	})

	t.Run("Unhappy path - create on a live id", func(t *testing.T) {
		p := newTestPoll()
		_, err := store.Create(ctx, p)
		require.NoError(t, err)

		_, err = store.Create(ctx, p)
		assert.ErrorIs(t, err, ErrPollExists)
	})

	t.Run("Unhappy path - get unknown poll", func(t *testing.T) {
		_, err := store.Get(ctx, "NOPE")
		assert.ErrorIs(t, err, ErrPollNotFound)
	})

	t.Run("Unhappy path - mutate unknown poll does not create it", func(t *testing.T) {
		_, err := store.SetParticipant(ctx, "GONE", "p1", "x")
		assert.ErrorIs(t, err, ErrPollNotFound)

		_, err = store.Get(ctx, "GONE")
		assert.ErrorIs(t, err, ErrPollNotFound)
	})

	t.Run("Happy path - sub-path mutations read back", func(t *testing.T) {
		p := newTestPoll()
		_, err := store.Create(ctx, p)
		require.NoError(t, err)

		got, err := store.SetParticipant(ctx, p.ID, "p1", "Ana")
		require.NoError(t, err)
		assert.Equal(t, "Ana", got.Participants["p1"])
		assert.Len(t, got.Participants, 2)

		got, err = store.SetNomination(ctx, p.ID, "n1", Nomination{UserID: "p1", Text: "Pizza"})
		require.NoError(t, err)
		assert.Equal(t, Nomination{UserID: "p1", Text: "Pizza"}, got.Nominations["n1"])

		got, err = store.SetNomination(ctx, p.ID, "n2", Nomination{UserID: p.AdminID, Text: "Tacos"})
		require.NoError(t, err)
		assert.Len(t, got.Nominations, 2)

		got, err = store.DeleteNomination(ctx, p.ID, "n2")
		require.NoError(t, err)
		assert.NotContains(t, got.Nominations, "n2")

		got, err = store.SetStarted(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, got.HasStarted)

		got, err = store.SetRanking(ctx, p.ID, "p1", []string{"n1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"n1"}, got.Rankings["p1"])

		got, err = store.SetRanking(ctx, p.ID, "p1", []string{"n1", "n3"})
		require.NoError(t, err)
		assert.Len(t, got.Rankings, 1, "resubmission overwrites")
		assert.Equal(t, []string{"n1", "n3"}, got.Rankings["p1"])

		got, err = store.SetResults(ctx, p.ID, []Result{{NominationID: "n1", Score: 1}}, got.BallotRevision)
		require.NoError(t, err)
		assert.Equal(t, []Result{{NominationID: "n1", Score: 1}}, got.Results)

		got, err = store.DeleteParticipant(ctx, p.ID, "p1")
		require.NoError(t, err)
		assert.NotContains(t, got.Participants, "p1")
	})

	t.Run("Unhappy path - ballots and results are frozen once results are stored", func(t *testing.T) {
		p := newTestPoll()
		_, err := store.Create(ctx, p)
		require.NoError(t, err)
		_, err = store.SetStarted(ctx, p.ID)
		require.NoError(t, err)

		got, err := store.SetRanking(ctx, p.ID, p.AdminID, []string{"n1"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.BallotRevision)
		tallied := got.BallotRevision

		got, err = store.SetRanking(ctx, p.ID, p.AdminID, []string{"n2"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.BallotRevision)

		_, err = store.SetResults(ctx, p.ID, []Result{{NominationID: "n1", Score: 1}}, tallied)
		assert.ErrorIs(t, err, ErrBallotsChanged)

		got, err = store.SetResults(ctx, p.ID, []Result{{NominationID: "n2", Score: 1}}, got.BallotRevision)
		require.NoError(t, err)

		_, err = store.SetRanking(ctx, p.ID, p.AdminID, []string{"n1"})
		assert.ErrorIs(t, err, ErrResultsFinal)
		_, err = store.SetResults(ctx, p.ID, []Result{{NominationID: "n1", Score: 1}}, got.BallotRevision)
		assert.ErrorIs(t, err, ErrResultsFinal)

		final, err := store.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"n2"}, final.Rankings[p.AdminID])
		assert.Equal(t, []Result{{NominationID: "n2", Score: 1}}, final.Results)
	})

	t.Run("Happy path - removing a participant moves the ballot revision", func(t *testing.T) {
		p := newTestPoll()
		_, err := store.Create(ctx, p)
		require.NoError(t, err)
		before, err := store.SetParticipant(ctx, p.ID, "p1", "Ana")
		require.NoError(t, err)

		got, err := store.DeleteParticipant(ctx, p.ID, "p1")
		require.NoError(t, err)
		assert.Greater(t, got.BallotRevision, before.BallotRevision)
	})

	t.Run("Happy path - mutations do not refresh the TTL", func(t *testing.T) {
		p := newTestPoll()
		created, err := store.Create(ctx, p)
		require.NoError(t, err)

		got, err := store.SetParticipant(ctx, p.ID, "late", "Bo")
		require.NoError(t, err)
		assert.Equal(t, created.ExpiresAt, got.ExpiresAt)
	})

	t.Run("Happy path - concurrent joins are all retained", func(t *testing.T) {
		p := newTestPoll()
		_, err := store.Create(ctx, p)
		require.NoError(t, err)

		const joiners = 25
		var wg sync.WaitGroup
		errs := make(chan error, joiners)
		for i := 0; i < joiners; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.SetParticipant(ctx, p.ID, fmt.Sprintf("user-%d", i), gofakeit.FirstName())
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := store.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Len(t, got.Participants, joiners+1)
		for i := 0; i < joiners; i++ {
			assert.Contains(t, got.Participants, fmt.Sprintf("user-%d", i))
		}
	})

	t.Run("Happy path - delete removes the document", func(t *testing.T) {
		p := newTestPoll()
		_, err := store.Create(ctx, p)
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, p.ID))
		_, err = store.Get(ctx, p.ID)
		assert.ErrorIs(t, err, ErrPollNotFound)
		_, err = store.SetNomination(ctx, p.ID, "n1", Nomination{UserID: "x", Text: "y"})
		assert.ErrorIs(t, err, ErrPollNotFound)
	})
}
