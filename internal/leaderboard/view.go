package leaderboard

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"quizo-leaderboard/internal/domain"
	"quizo-leaderboard/internal/livequery"
	"quizo-leaderboard/internal/metrics"
)

// ErrViewClosed is returned by Watch after Close.
var ErrViewClosed = errors.New("leaderboard view is closed")

// State is the subscription lifecycle of a View.
type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateActive
	StateSwitching
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateSwitching:
		return "switching"
	case StateDetached:
		return "detached"
	}
	return "unknown"
}

// Board is the view model published by a View.
type Board struct {
	CompetitionID string
	State         State
	Loading       bool
	Participants  []domain.RankedParticipant
	UpdatedAt     time.Time
}

// Option configures a View.
type Option func(*View)

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *View) { v.metrics = m }
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(v *View) { v.now = now }
}

// View keeps a ranked leaderboard for one competition at a time, fed by a
// single live subscription. Changing competition detaches the previous
// subscription before attaching the next one; deliveries from a replaced
// subscription are ignored.
type View struct {
	source  livequery.Subscriber
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// switchMu serializes Watch and Close. Callbacks never take it, so it
	// can be held while waiting for a Detach.
	switchMu sync.Mutex

	mu            sync.Mutex
	state         State
	competitionID string
	generation    uint64
	detach        livequery.Detach
	serving       bool // current subscription has delivered data
	failed        bool // current subscription reported an error and ended
	loading       bool
	participants  []domain.RankedParticipant
	updatedAt     time.Time
	updates       chan Board
}

func NewView(source livequery.Subscriber, logger *zap.Logger, opts ...Option) *View {
	v := &View{
		source:  source,
		logger:  logger,
		now:     time.Now,
		state:   StateIdle,
		updates: make(chan Board, 1),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = zap.NewNop()
	}
	return v
}

// Updates delivers the latest board after every change. Boards not yet
// received are replaced by newer ones. The channel is closed by Close.
func (v *View) Updates() <-chan Board {
	return v.updates
}

// Current returns the board as of now.
func (v *View) Current() Board {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.boardLocked()
}

// Watch points the view at competitionID. An empty id detaches and idles the
// view. Watching the id already watched is a no-op unless its subscription
// failed, in which case it is replaced. ctx bounds the lifetime of the
// subscription it creates.
func (v *View) Watch(ctx context.Context, competitionID string) error {
	v.switchMu.Lock()
	defer v.switchMu.Unlock()

	v.mu.Lock()
	if v.state == StateDetached {
		v.mu.Unlock()
		return ErrViewClosed
	}
	if competitionID == v.competitionID && v.state != StateIdle && !v.failed {
		v.mu.Unlock()
		return nil
	}
	prev, wasServing := v.detach, v.serving
	v.detach = nil
	v.serving = false
	v.failed = false
	v.generation++
	gen := v.generation
	v.competitionID = competitionID
	v.participants = nil
	if prev != nil {
		v.state = StateSwitching
	}
	v.mu.Unlock()

	if prev != nil {
		prev()
	}
	if wasServing {
		v.metrics.SubscriptionDetached()
	}

	v.mu.Lock()
	if competitionID == "" {
		v.state = StateIdle
		v.loading = false
		v.publishLocked()
		v.mu.Unlock()
		return nil
	}
	v.state = StateSubscribing
	v.loading = true
	v.publishLocked()
	v.mu.Unlock()

	detach := v.source.Subscribe(ctx, ParticipantsQuery(competitionID),
		func(snap livequery.Snapshot) { v.applySnapshot(gen, snap) },
		func(err error) { v.applyError(gen, err) },
	)

	v.mu.Lock()
	v.detach = detach
	v.state = StateActive
	v.mu.Unlock()
	return nil
}

// Close detaches the active subscription and closes Updates. It is safe to
// call more than once.
func (v *View) Close() {
	v.switchMu.Lock()
	defer v.switchMu.Unlock()

	v.mu.Lock()
	if v.state == StateDetached {
		v.mu.Unlock()
		return
	}
	prev, wasServing := v.detach, v.serving
	v.detach = nil
	v.serving = false
	v.generation++
	v.state = StateDetached
	v.loading = false
	close(v.updates)
	v.mu.Unlock()

	if prev != nil {
		prev()
	}
	if wasServing {
		v.metrics.SubscriptionDetached()
	}
}

func (v *View) applySnapshot(gen uint64, snap livequery.Snapshot) {
	now := v.now()
	ranked := Rank(snap.Records, now)

	v.mu.Lock()
	defer v.mu.Unlock()
	if gen != v.generation {
		v.metrics.StaleDelivery()
		return
	}
	// A first snapshot can beat Watch's own transition to active.
	if v.state == StateSubscribing {
		v.state = StateActive
	}
	if !v.serving {
		v.serving = true
		v.metrics.SubscriptionAttached()
	}
	v.participants = ranked
	v.loading = false
	v.updatedAt = snap.ReadAt
	if v.updatedAt.IsZero() {
		v.updatedAt = now
	}
	v.metrics.SnapshotApplied()
	v.publishLocked()
}

func (v *View) applyError(gen uint64, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if gen != v.generation {
		v.metrics.StaleDelivery()
		return
	}
	v.logger.Error("leaderboard subscription failed",
		zap.String("competitionId", v.competitionID),
		zap.Error(err),
	)
	v.metrics.SubscriptionFailed()
	if v.serving {
		v.serving = false
		v.metrics.SubscriptionDetached()
	}
	v.failed = true
	v.loading = false
	v.publishLocked()
}

func (v *View) boardLocked() Board {
	return Board{
		CompetitionID: v.competitionID,
		State:         v.state,
		Loading:       v.loading,
		Participants:  v.participants,
		UpdatedAt:     v.updatedAt,
	}
}

func (v *View) publishLocked() {
	if v.state == StateDetached {
		return
	}
	board := v.boardLocked()
	select {
	case v.updates <- board:
	default:
		// Only publishLocked sends, under mu, so the slot is free after the drain.
		select {
		case <-v.updates:
		default:
		}
		v.updates <- board
	}
}
