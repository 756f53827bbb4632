package leaderboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"quizo-leaderboard/internal/domain"
	"quizo-leaderboard/internal/livequery"
	"quizo-leaderboard/internal/metrics"
)

type fakeSubscription struct {
	query    livequery.Query
	onData   func(livequery.Snapshot)
	onError  func(error)
	detached bool
}

func (s *fakeSubscription) competition() string {
	v, _ := s.query.Equal(domain.FieldCompetitionID)
	id, _ := v.(string)
	return id
}

// fakeSource records subscribe/detach events and lets tests drive callbacks.
type fakeSource struct {
	mu     sync.Mutex
	subs   []*fakeSubscription
	events []string
}

func (f *fakeSource) Subscribe(_ context.Context, q livequery.Query, onData func(livequery.Snapshot), onError func(error)) livequery.Detach {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSubscription{query: q, onData: onData, onError: onError}
	f.subs = append(f.subs, sub)
	f.events = append(f.events, "subscribe:"+sub.competition())
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		sub.detached = true
		f.events = append(f.events, "detach:"+sub.competition())
	}
}

func (f *fakeSource) last(t *testing.T) *fakeSubscription {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.subs)
	return f.subs[len(f.subs)-1]
}

func (f *fakeSource) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if !s.detached {
			n++
		}
	}
	return n
}

func snapshotOf(records ...livequery.Record) livequery.Snapshot {
	return livequery.Snapshot{Records: records, ReadAt: now}
}

func newTestView(src livequery.Subscriber, opts ...Option) *View {
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return NewView(src, zap.NewNop(), opts...)
}

func TestViewEmptyCompetitionIsNeutral(t *testing.T) {
	src := &fakeSource{}
	view := newTestView(src)
	defer view.Close()

	require.NoError(t, view.Watch(context.Background(), ""))

	board := view.Current()
	assert.Equal(t, StateIdle, board.State)
	assert.False(t, board.Loading)
	assert.Empty(t, board.Participants)
	assert.Zero(t, src.active())
}

func TestViewLoadsThenRanksSnapshot(t *testing.T) {
	src := &fakeSource{}
	view := newTestView(src)
	defer view.Close()

	require.NoError(t, view.Watch(context.Background(), "comp1"))
	assert.True(t, view.Current().Loading)
	assert.Equal(t, ParticipantsQuery("comp1"), src.last(t).query)

	src.last(t).onData(snapshotOf(
		record("a", map[string]any{"name": "Alice", "score": 90, "completedAt": t1}),
		record("b", map[string]any{"name": "Bob", "score": 90, "completedAt": t2}),
	))

	board := view.Current()
	assert.Equal(t, StateActive, board.State)
	assert.False(t, board.Loading)
	require.Len(t, board.Participants, 2)
	assert.Equal(t, "Alice", board.Participants[0].Name)
	assert.Equal(t, 1, board.Participants[0].Rank)
	assert.Equal(t, "Bob", board.Participants[1].Name)
	assert.Equal(t, 2, board.Participants[1].Rank)
}

func TestViewEmptySnapshotEndsLoading(t *testing.T) {
	src := &fakeSource{}
	view := newTestView(src)
	defer view.Close()

	require.NoError(t, view.Watch(context.Background(), "comp1"))
	src.last(t).onData(snapshotOf())

	frame := Render(view.Current())
	assert.False(t, frame.Loading)
	assert.Zero(t, frame.Count)
	assert.Empty(t, frame.Rows)
}

func TestViewErrorBeforeSnapshot(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	src := &fakeSource{}
	view := NewView(src, zap.New(core), WithMetrics(m))
	defer view.Close()

	require.NoError(t, view.Watch(context.Background(), "comp1"))
	assert.NotPanics(t, func() {
		src.last(t).onError(errors.New("permission denied"))
	})

	board := view.Current()
	assert.False(t, board.Loading)
	assert.Empty(t, board.Participants)
	assert.Equal(t, 1, logs.FilterMessage("leaderboard subscription failed").Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SubscriptionErrors))
}

func TestViewErrorKeepsLastKnownList(t *testing.T) {
	src := &fakeSource{}
	view := newTestView(src)
	defer view.Close()

	require.NoError(t, view.Watch(context.Background(), "comp1"))
	sub := src.last(t)
	sub.onData(snapshotOf(record("a", map[string]any{"name": "Alice", "score": 10})))
	sub.onError(errors.New("network down"))

	board := view.Current()
	require.Len(t, board.Participants, 1)
	assert.Equal(t, "Alice", board.Participants[0].Name)
}

func TestViewSwitchDetachesBeforeResubscribing(t *testing.T) {
	src := &fakeSource{}
	view := newTestView(src)
	defer view.Close()

	ctx := context.Background()
	require.NoError(t, view.Watch(ctx, "A"))
	subA := src.last(t)
	subA.onData(snapshotOf(record("a1", map[string]any{"name": "FromA", "score": 1})))

	require.NoError(t, view.Watch(ctx, "B"))
	assert.Equal(t, []string{"subscribe:A", "detach:A", "subscribe:B"}, src.events)
	assert.Equal(t, 1, src.active())

	board := view.Current()
	assert.Equal(t, "B", board.CompetitionID)
	assert.True(t, board.Loading)
	assert.Empty(t, board.Participants, "A's rows do not leak into B")

	// A late delivery for A must not touch B's state.
	subA.onData(snapshotOf(record("a2", map[string]any{"name": "LateA", "score": 100})))
	subA.onError(errors.New("late failure"))
	board = view.Current()
	assert.True(t, board.Loading)
	assert.Empty(t, board.Participants)

	src.last(t).onData(snapshotOf(record("b1", map[string]any{"name": "FromB", "score": 5})))
	board = view.Current()
	require.Len(t, board.Participants, 1)
	assert.Equal(t, "FromB", board.Participants[0].Name)
}

func TestViewWatchSameCompetitionIsNoop(t *testing.T) {
	src := &fakeSource{}
	view := newTestView(src)
	defer view.Close()

	require.NoError(t, view.Watch(context.Background(), "comp1"))
	require.NoError(t, view.Watch(context.Background(), "comp1"))
	assert.Equal(t, []string{"subscribe:comp1"}, src.events)
}

func TestViewRewatchAfterFailureResubscribes(t *testing.T) {
	src := &fakeSource{}
	view := newTestView(src)
	defer view.Close()

	ctx := context.Background()
	require.NoError(t, view.Watch(ctx, "c"))
	failed := src.last(t)
	failed.onError(errors.New("stream closed"))

	require.NoError(t, view.Watch(ctx, "c"))
	assert.Equal(t, []string{"subscribe:c", "detach:c", "subscribe:c"}, src.events)
	assert.True(t, view.Current().Loading)

	src.last(t).onData(snapshotOf(record("a", map[string]any{"name": "Alice", "score": 3})))
	board := view.Current()
	assert.False(t, board.Loading)
	require.Len(t, board.Participants, 1)

	// Healthy again, so a repeat Watch is back to a no-op.
	require.NoError(t, view.Watch(ctx, "c"))
	assert.Len(t, src.events, 3)
}

func TestViewGaugeCountsOnlyServingSubscriptions(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	src := &fakeSource{}
	view := newTestView(src, WithMetrics(m))
	ctx := context.Background()

	require.NoError(t, view.Watch(ctx, "rejected"))
	src.last(t).onError(livequery.ErrInvalidQuery)
	assert.Zero(t, testutil.ToFloat64(m.ActiveSubscriptions))

	require.NoError(t, view.Watch(ctx, "comp1"))
	assert.Zero(t, testutil.ToFloat64(m.ActiveSubscriptions))
	sub := src.last(t)
	sub.onData(snapshotOf())
	sub.onData(snapshotOf())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveSubscriptions))

	sub.onError(errors.New("connection lost"))
	assert.Zero(t, testutil.ToFloat64(m.ActiveSubscriptions))

	require.NoError(t, view.Watch(ctx, "comp1"))
	src.last(t).onData(snapshotOf())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveSubscriptions))

	view.Close()
	assert.Zero(t, testutil.ToFloat64(m.ActiveSubscriptions))
}

func TestViewClearingCompetitionDetaches(t *testing.T) {
	src := &fakeSource{}
	view := newTestView(src)
	defer view.Close()

	require.NoError(t, view.Watch(context.Background(), "comp1"))
	require.NoError(t, view.Watch(context.Background(), ""))

	assert.Zero(t, src.active())
	board := view.Current()
	assert.Equal(t, StateIdle, board.State)
	assert.False(t, board.Loading)
}

func TestViewCloseDetachesAndClosesUpdates(t *testing.T) {
	src := &fakeSource{}
	view := newTestView(src)

	require.NoError(t, view.Watch(context.Background(), "comp1"))
	sub := src.last(t)
	view.Close()
	view.Close()

	assert.True(t, sub.detached)
	assert.Equal(t, StateDetached, view.Current().State)
	assert.ErrorIs(t, view.Watch(context.Background(), "comp2"), ErrViewClosed)

	// Drain whatever was buffered; the channel must end closed.
	for range view.Updates() {
	}

	assert.NotPanics(t, func() {
		sub.onData(snapshotOf(record("x", map[string]any{"name": "X"})))
	})
	assert.Empty(t, view.Current().Participants)
}

func TestViewUpdatesCarryLatestBoard(t *testing.T) {
	src := &fakeSource{}
	view := newTestView(src)
	defer view.Close()

	require.NoError(t, view.Watch(context.Background(), "comp1"))
	sub := src.last(t)
	sub.onData(snapshotOf(record("a", map[string]any{"name": "Alice", "score": 1})))
	sub.onData(snapshotOf(
		record("a", map[string]any{"name": "Alice", "score": 1}),
		record("b", map[string]any{"name": "Bob", "score": 2}),
	))

	board := <-view.Updates()
	require.Len(t, board.Participants, 2)
	assert.Equal(t, "Bob", board.Participants[0].Name)
}
