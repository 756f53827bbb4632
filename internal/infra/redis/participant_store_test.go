package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"quizo-leaderboard/internal/domain"
	"quizo-leaderboard/internal/livequery"
)

func TestParticipantStoreRoundTrip(t *testing.T) {
	mr, client := newRedis(t)
	store := NewParticipantStore(client)
	ctx := context.Background()

	p, err := store.CreateIfAbsent(ctx, newParticipant("c1", "u1", "Ann"))
	require.NoError(t, err)
	assert.True(t, mr.Exists("participant:"+p.ID))

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.True(t, p.JoinedAt.Equal(got.JoinedAt))
	assert.Nil(t, got.CompletedAt)

	again, err := store.CreateIfAbsent(ctx, newParticipant("c1", "u1", "Ann"))
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)

	members, err := client.SMembers(ctx, "competition:c1:participants").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, members)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

func TestCreateIfAbsentReleasesClaimWhenIndexingFails(t *testing.T) {
	mr, client := newRedis(t)
	store := NewParticipantStore(client)
	ctx := context.Background()

	// A members key of the wrong type makes SADD fail after the claim.
	require.NoError(t, mr.Set("competition:c1:participants", "corrupt"))
	_, err := store.CreateIfAbsent(ctx, newParticipant("c1", "u1", "Ann"))
	require.Error(t, err)

	assert.False(t, mr.Exists("competition:c1:users"), "claim left behind")
	for _, key := range mr.Keys() {
		assert.NotContains(t, key, "participant:", "orphaned participant hash")
	}

	mr.Del("competition:c1:participants")
	p, err := store.CreateIfAbsent(ctx, newParticipant("c1", "u1", "Ann"))
	require.NoError(t, err)
	listed, err := store.List(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, p.ID, listed[0].ID)
}

func TestParticipantStoreUpdate(t *testing.T) {
	_, client := newRedis(t)
	store := NewParticipantStore(client)
	ctx := context.Background()
	p, err := store.CreateIfAbsent(ctx, newParticipant("c1", "u1", "Ann"))
	require.NoError(t, err)

	done := time.Date(2024, 11, 22, 10, 5, 0, 0, time.UTC)
	updated, err := store.Update(ctx, p.ID, func(p *domain.Participant) error {
		p.Score = 87.5
		p.CompletedAt = &done
		p.Progress = 100
		p.UserID = "someone-else"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", updated.UserID)

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 87.5, got.Score, 0.0001)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))
	assert.Equal(t, 100, got.Progress)

	_, err = store.Update(ctx, p.ID, func(*domain.Participant) error { return domain.ErrAlreadyCompleted })
	assert.ErrorIs(t, err, domain.ErrAlreadyCompleted)

	_, err = store.Update(ctx, "missing", func(*domain.Participant) error { return nil })
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

func TestParticipantStoreConcurrentUpdates(t *testing.T) {
	_, client := newRedis(t)
	store := NewParticipantStore(client)
	ctx := context.Background()
	p, err := store.CreateIfAbsent(ctx, newParticipant("c1", "u1", "Ann"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, p.ID, func(p *domain.Participant) error {
				p.TotalTimeSec++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.TotalTimeSec)
}

func TestParticipantStoreLiveQuery(t *testing.T) {
	_, client := newRedis(t)
	store := NewParticipantStore(client)
	ctx := context.Background()
	ann, err := store.CreateIfAbsent(ctx, newParticipant("c1", "u1", "Ann"))
	require.NoError(t, err)

	var mu sync.Mutex
	var latest livequery.Snapshot
	var deliveries int
	q := livequery.Collection(domain.ParticipantsCollection).
		Where(domain.FieldCompetitionID, "c1").
		Order(domain.FieldScore, livequery.Descending).
		Order(domain.FieldCompletedAt, livequery.Ascending)
	detach := store.Subscribe(ctx, q, func(s livequery.Snapshot) {
		mu.Lock()
		latest = s
		deliveries++
		mu.Unlock()
	}, func(err error) {
		t.Errorf("unexpected error: %v", err)
	})

	snapshot := func() livequery.Snapshot {
		mu.Lock()
		defer mu.Unlock()
		return latest
	}
	require.Eventually(t, func() bool { return len(snapshot().Records) == 1 }, 2*time.Second, 10*time.Millisecond)

	bob, err := store.CreateIfAbsent(ctx, newParticipant("c1", "u2", "Bob"))
	require.NoError(t, err)
	_, err = store.Update(ctx, bob.ID, func(p *domain.Participant) error {
		done := time.Now().UTC()
		p.Score = 90
		p.CompletedAt = &done
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := snapshot()
		return len(s.Records) == 2 && s.Records[0].ID() == bob.ID && s.Records[1].ID() == ann.ID
	}, 2*time.Second, 10*time.Millisecond)

	detach()
	mu.Lock()
	seen := deliveries
	mu.Unlock()

	_, err = store.CreateIfAbsent(ctx, newParticipant("c1", "u3", "Cy"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, seen, deliveries)
	mu.Unlock()
}

func TestParticipantStoreRequiresCompetitionFilter(t *testing.T) {
	_, client := newRedis(t)
	store := NewParticipantStore(client)

	errs := make(chan error, 1)
	detach := store.Subscribe(context.Background(), livequery.Collection(domain.ParticipantsCollection),
		func(livequery.Snapshot) { t.Errorf("unexpected data") },
		func(err error) { errs <- err },
	)
	defer detach()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, livequery.ErrInvalidQuery)
	case <-time.After(time.Second):
		t.Fatal("expected error callback")
	}
}

func newParticipant(competitionID, userID, name string) domain.Participant {
	return domain.Participant{
		CompetitionID: competitionID,
		QuizID:        "quiz-1",
		UserID:        userID,
		Name:          name,
		JoinedAt:      time.Now().UTC(),
	}
}
