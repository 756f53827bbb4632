package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"quizo-leaderboard/internal/domain"
	"quizo-leaderboard/internal/livequery"
)

const maxUpdateAttempts = 10

// ParticipantStore keeps participants in Redis and fans changes out over
// pub/sub so live queries on every instance see them.
//
// Layout:
//
//	HSET participant:{id}                  field -> value
//	SADD competition:{cid}:participants    {id}
//	HSET competition:{cid}:users           {userID} -> {id}
//	PUBLISH competition:{cid}:events       {id}
type ParticipantStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewParticipantStore(client *redis.Client) *ParticipantStore {
	return &ParticipantStore{client: client, now: time.Now}
}

// claimScript gives a user's slot in a competition to ARGV[2] unless someone
// holds it already, indexes the new member and announces it. It returns the
// id that owns the slot. A failed index releases the claim again.
var claimScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return redis.call('HGET', KEYS[1], ARGV[1])
end
local added = redis.pcall('SADD', KEYS[2], ARGV[2])
if type(added) == 'table' and added.err then
	redis.call('HDEL', KEYS[1], ARGV[1])
	return added
end
redis.call('PUBLISH', ARGV[3], ARGV[2])
return ARGV[2]
`)

func (s *ParticipantStore) CreateIfAbsent(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	p.ID = uuid.NewString()
	// The hash goes in first so an id visible in the users index always resolves.
	if err := s.client.HSet(ctx, participantKey(p.ID), participantHash(p)).Err(); err != nil {
		return domain.Participant{}, fmt.Errorf("store participant: %w", err)
	}
	owner, err := claimScript.Run(ctx, s.client,
		[]string{usersKey(p.CompetitionID), membersKey(p.CompetitionID)},
		p.UserID, p.ID, eventsChannel(p.CompetitionID),
	).Text()
	if err != nil {
		_ = s.client.Del(ctx, participantKey(p.ID)).Err()
		return domain.Participant{}, fmt.Errorf("claim participant: %w", err)
	}
	if owner != p.ID {
		_ = s.client.Del(ctx, participantKey(p.ID)).Err()
		return s.Get(ctx, owner)
	}
	return p, nil
}

func (s *ParticipantStore) Get(ctx context.Context, id string) (domain.Participant, error) {
	fields, err := s.client.HGetAll(ctx, participantKey(id)).Result()
	if err != nil {
		return domain.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	if len(fields) == 0 {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return parseParticipant(fields)
}

// Update runs fn inside an optimistic WATCH transaction, retrying when the
// record changes underneath it.
func (s *ParticipantStore) Update(ctx context.Context, id string, fn func(*domain.Participant) error) (domain.Participant, error) {
	key := participantKey(id)
	var result domain.Participant

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return domain.ErrParticipantNotFound
		}
		current, err := parseParticipant(fields)
		if err != nil {
			return err
		}
		next := current
		if err := fn(&next); err != nil {
			return err
		}
		keepIdentity(&next, current)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, participantHash(next))
			if next.CompletedAt == nil {
				pipe.HDel(ctx, key, domain.FieldCompletedAt)
			}
			pipe.Publish(ctx, eventsChannel(next.CompetitionID), next.ID)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return domain.Participant{}, err
		}
		return result, nil
	}
	return domain.Participant{}, fmt.Errorf("update participant %s: too much contention", id)
}

func (s *ParticipantStore) List(ctx context.Context, competitionID string) ([]domain.Participant, error) {
	ids, err := s.client.SMembers(ctx, membersKey(competitionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, participantKey(id)))
	}
	if len(cmds) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("load participants: %w", err)
		}
	}

	out := make([]domain.Participant, 0, len(cmds))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		p, err := parseParticipant(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Subscribe serves a live query scoped to one competition. Every change
// event triggers a re-read; events that pile up while a read is in flight
// collapse into one.
func (s *ParticipantStore) Subscribe(ctx context.Context, q livequery.Query, onData func(livequery.Snapshot), onError func(error)) livequery.Detach {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var once sync.Once
	var pubsub *redis.PubSub

	competitionID, err := competitionOf(q)
	if err != nil {
		go func() {
			defer close(done)
			onError(err)
		}()
	} else {
		pubsub = s.client.Subscribe(ctx, eventsChannel(competitionID))
		go func() {
			defer close(done)
			s.pump(ctx, pubsub, competitionID, q, onData, onError)
		}()
	}

	return func() {
		once.Do(func() {
			cancel()
			if pubsub != nil {
				_ = pubsub.Close()
			}
			<-done
		})
	}
}

func (s *ParticipantStore) pump(ctx context.Context, pubsub *redis.PubSub, competitionID string, q livequery.Query, onData func(livequery.Snapshot), onError func(error)) {
	// Wait for the subscription to be confirmed so no change after the
	// first read is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			onError(fmt.Errorf("subscribe %s: %w", competitionID, err))
		}
		return
	}

	deliver := func() {
		participants, err := s.List(ctx, competitionID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			onError(err)
			return
		}
		records := make([]livequery.Record, 0, len(participants))
		for _, p := range participants {
			records = append(records, livequery.Document{Key: p.ID, Fields: p.Fields()})
		}
		onData(livequery.Snapshot{Records: livequery.Apply(q, records), ReadAt: s.now()})
	}

	deliver()
	events := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			drain(events)
			deliver()
		}
	}
}

func drain(events <-chan *redis.Message) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func competitionOf(q livequery.Query) (string, error) {
	if err := q.Validate(); err != nil {
		return "", err
	}
	if q.Collection != domain.ParticipantsCollection {
		return "", fmt.Errorf("%w: unknown collection %q", livequery.ErrInvalidQuery, q.Collection)
	}
	v, ok := q.Equal(domain.FieldCompetitionID)
	id, isString := v.(string)
	if !ok || !isString || id == "" {
		return "", fmt.Errorf("%w: a %s filter is required", livequery.ErrInvalidQuery, domain.FieldCompetitionID)
	}
	return id, nil
}

func participantHash(p domain.Participant) map[string]any {
	fields := map[string]any{
		"id":                      p.ID,
		domain.FieldCompetitionID: p.CompetitionID,
		domain.FieldQuizID:        p.QuizID,
		domain.FieldUserID:        p.UserID,
		domain.FieldName:          p.Name,
		domain.FieldJoinedAt:      p.JoinedAt.UTC().Format(time.RFC3339Nano),
		domain.FieldScore:         strconv.FormatFloat(p.Score, 'f', -1, 64),
		domain.FieldProgress:      p.Progress,
		domain.FieldTotalTimeSec:  p.TotalTimeSec,
	}
	if p.CompletedAt != nil {
		fields[domain.FieldCompletedAt] = p.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func parseParticipant(fields map[string]string) (domain.Participant, error) {
	p := domain.Participant{
		ID:            fields["id"],
		CompetitionID: fields[domain.FieldCompetitionID],
		QuizID:        fields[domain.FieldQuizID],
		UserID:        fields[domain.FieldUserID],
		Name:          fields[domain.FieldName],
	}
	var err error
	if p.JoinedAt, err = time.Parse(time.RFC3339Nano, fields[domain.FieldJoinedAt]); err != nil {
		return domain.Participant{}, fmt.Errorf("participant %s: joinedAt: %w", p.ID, err)
	}
	if v := fields[domain.FieldCompletedAt]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return domain.Participant{}, fmt.Errorf("participant %s: completedAt: %w", p.ID, err)
		}
		p.CompletedAt = &t
	}
	if p.Score, err = strconv.ParseFloat(fields[domain.FieldScore], 64); err != nil {
		return domain.Participant{}, fmt.Errorf("participant %s: score: %w", p.ID, err)
	}
	if p.Progress, err = strconv.Atoi(fields[domain.FieldProgress]); err != nil {
		return domain.Participant{}, fmt.Errorf("participant %s: progress: %w", p.ID, err)
	}
	if p.TotalTimeSec, err = strconv.Atoi(fields[domain.FieldTotalTimeSec]); err != nil {
		return domain.Participant{}, fmt.Errorf("participant %s: totalTimeSec: %w", p.ID, err)
	}
	return p, nil
}

func keepIdentity(next *domain.Participant, current domain.Participant) {
	next.ID = current.ID
	next.CompetitionID = current.CompetitionID
	next.QuizID = current.QuizID
	next.UserID = current.UserID
	next.Name = current.Name
	next.JoinedAt = current.JoinedAt
}

func participantKey(id string) string {
	return "participant:" + id
}

func membersKey(competitionID string) string {
	return "competition:" + competitionID + ":participants"
}

func usersKey(competitionID string) string {
	return "competition:" + competitionID + ":users"
}

func eventsChannel(competitionID string) string {
	return "competition:" + competitionID + ":events"
}
