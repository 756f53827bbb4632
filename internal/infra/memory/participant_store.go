package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"quizo-leaderboard/internal/domain"
	"quizo-leaderboard/internal/livequery"
)

// ParticipantStore is an in-memory implementation of app.ParticipantRepository
// that also serves live queries over the participants collection.
type ParticipantStore struct {
	now func() time.Time

	mu           sync.RWMutex
	participants map[string]domain.Participant
	byUser       map[string]string
	subscribers  map[*subscription]struct{}
}

type subscription struct {
	query   livequery.Query
	updates chan []livequery.Record
}

func NewParticipantStore() *ParticipantStore {
	return &ParticipantStore{
		now:          time.Now,
		participants: make(map[string]domain.Participant),
		byUser:       make(map[string]string),
		subscribers:  make(map[*subscription]struct{}),
	}
}

func (s *ParticipantStore) CreateIfAbsent(_ context.Context, p domain.Participant) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userKey(p.CompetitionID, p.UserID)
	if id, ok := s.byUser[key]; ok {
		return s.participants[id], nil
	}
	p.ID = uuid.NewString()
	s.participants[p.ID] = p
	s.byUser[key] = p.ID
	s.broadcastLocked(p)
	return p, nil
}

func (s *ParticipantStore) Get(_ context.Context, id string) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return p, nil
}

func (s *ParticipantStore) Update(_ context.Context, id string, fn func(*domain.Participant) error) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.participants[id]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	next := current
	if err := fn(&next); err != nil {
		return domain.Participant{}, err
	}
	keepIdentity(&next, current)
	s.participants[id] = next
	s.broadcastLocked(next)
	return next, nil
}

func (s *ParticipantStore) List(_ context.Context, competitionID string) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Participant, 0)
	for _, p := range s.participants {
		if p.CompetitionID == competitionID {
			out = append(out, p)
		}
	}
	sortByJoin(out)
	return out, nil
}

// Subscribe registers a live query. The current result is delivered first,
// then a fresh snapshot after every write touching a matching record.
func (s *ParticipantStore) Subscribe(ctx context.Context, q livequery.Query, onData func(livequery.Snapshot), onError func(error)) livequery.Detach {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var once sync.Once
	detach := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}

	if err := checkQuery(q); err != nil {
		go func() {
			defer close(done)
			onError(err)
		}()
		return detach
	}

	sub := &subscription{query: q, updates: make(chan []livequery.Record, 1)}
	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	sub.updates <- s.snapshotLocked(q)
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			s.mu.Lock()
			delete(s.subscribers, sub)
			s.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case records := <-sub.updates:
				if ctx.Err() != nil {
					return
				}
				onData(livequery.Snapshot{Records: records, ReadAt: s.now()})
			}
		}
	}()
	return detach
}

// Subscribers reports how many live queries are attached.
func (s *ParticipantStore) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

func (s *ParticipantStore) broadcastLocked(changed domain.Participant) {
	rec := toRecord(changed)
	for sub := range s.subscribers {
		if !livequery.Matches(rec, sub.query.Filters) {
			continue
		}
		records := s.snapshotLocked(sub.query)
		select {
		case sub.updates <- records:
		default:
			// Drop the undelivered snapshot; the newer one supersedes it.
			select {
			case <-sub.updates:
			default:
			}
			sub.updates <- records
		}
	}
}

func (s *ParticipantStore) snapshotLocked(q livequery.Query) []livequery.Record {
	all := make([]domain.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		all = append(all, p)
	}
	sortByJoin(all)

	records := make([]livequery.Record, 0, len(all))
	for _, p := range all {
		records = append(records, toRecord(p))
	}
	return livequery.Apply(q, records)
}

func checkQuery(q livequery.Query) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if q.Collection != domain.ParticipantsCollection {
		return fmt.Errorf("%w: unknown collection %q", livequery.ErrInvalidQuery, q.Collection)
	}
	return nil
}

func toRecord(p domain.Participant) livequery.Record {
	return livequery.Document{Key: p.ID, Fields: p.Fields()}
}

// keepIdentity restores the attributes that are immutable once set.
func keepIdentity(next *domain.Participant, current domain.Participant) {
	next.ID = current.ID
	next.CompetitionID = current.CompetitionID
	next.QuizID = current.QuizID
	next.UserID = current.UserID
	next.Name = current.Name
	next.JoinedAt = current.JoinedAt
}

func sortByJoin(ps []domain.Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}

func userKey(competitionID, userID string) string {
	return competitionID + "\x00" + userID
}
