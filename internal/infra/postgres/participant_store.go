package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/uptrace/bun"
	"quizo-leaderboard/internal/domain"
	"quizo-leaderboard/internal/livequery"
)

// ChangesChannel is the NOTIFY channel the participants trigger writes
// competition ids to.
const ChangesChannel = "participant_changes"

type participantRow struct {
	bun.BaseModel `bun:"table:participants"`

	ID            string     `bun:"id,pk"`
	CompetitionID string     `bun:"competition_id,notnull"`
	QuizID        string     `bun:"quiz_id,notnull"`
	UserID        string     `bun:"user_id,notnull"`
	Name          string     `bun:"name,notnull"`
	JoinedAt      time.Time  `bun:"joined_at,notnull"`
	Score         float64    `bun:"score,notnull"`
	CompletedAt   *time.Time `bun:"completed_at"`
	Progress      int        `bun:"progress,notnull"`
	TotalTimeSec  int        `bun:"total_time_sec,notnull"`
}

func (r participantRow) participant() domain.Participant {
	p := domain.Participant{
		ID:            r.ID,
		CompetitionID: r.CompetitionID,
		QuizID:        r.QuizID,
		UserID:        r.UserID,
		Name:          r.Name,
		JoinedAt:      r.JoinedAt.UTC(),
		Score:         r.Score,
		Progress:      r.Progress,
		TotalTimeSec:  r.TotalTimeSec,
	}
	if r.CompletedAt != nil {
		t := r.CompletedAt.UTC()
		p.CompletedAt = &t
	}
	return p
}

func rowOf(p domain.Participant) participantRow {
	return participantRow{
		ID:            p.ID,
		CompetitionID: p.CompetitionID,
		QuizID:        p.QuizID,
		UserID:        p.UserID,
		Name:          p.Name,
		JoinedAt:      p.JoinedAt,
		Score:         p.Score,
		CompletedAt:   p.CompletedAt,
		Progress:      p.Progress,
		TotalTimeSec:  p.TotalTimeSec,
	}
}

// columns maps queryable participant fields to their columns.
var columns = map[string]string{
	domain.FieldCompetitionID: "competition_id",
	domain.FieldQuizID:        "quiz_id",
	domain.FieldUserID:        "user_id",
	domain.FieldName:          "name",
	domain.FieldJoinedAt:      "joined_at",
	domain.FieldScore:         "score",
	domain.FieldCompletedAt:   "completed_at",
	domain.FieldProgress:      "progress",
	domain.FieldTotalTimeSec:  "total_time_sec",
}

// ParticipantStore persists participants through bun and serves live
// queries from the trigger's notifications, received on one pgx connection
// shared by all subscriptions.
type ParticipantStore struct {
	db   *bun.DB
	feed *changeFeed
	now  func() time.Time
}

func NewParticipantStore(db *bun.DB, pool *pgxpool.Pool) *ParticipantStore {
	return newParticipantStore(db, poolDialer(pool))
}

func newParticipantStore(db *bun.DB, dial dialFunc) *ParticipantStore {
	return &ParticipantStore{db: db, feed: newChangeFeed(dial), now: time.Now}
}

// Listeners reports how many live queries are attached.
func (s *ParticipantStore) Listeners() int {
	return s.feed.listeners()
}

func (s *ParticipantStore) CreateIfAbsent(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	row := rowOf(p)
	row.ID = uuid.NewString()
	if _, err := s.db.NewInsert().Model(&row).On("CONFLICT (competition_id, user_id) DO NOTHING").Exec(ctx); err != nil {
		return domain.Participant{}, fmt.Errorf("insert participant: %w", err)
	}

	var stored participantRow
	err := s.db.NewSelect().Model(&stored).
		Where("competition_id = ?", p.CompetitionID).
		Where("user_id = ?", p.UserID).
		Scan(ctx)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("load participant: %w", err)
	}
	return stored.participant(), nil
}

func (s *ParticipantStore) Get(ctx context.Context, id string) (domain.Participant, error) {
	var row participantRow
	err := s.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return row.participant(), nil
}

// Update locks the row, applies fn and writes the mutable columns back in
// one transaction.
func (s *ParticipantStore) Update(ctx context.Context, id string, fn func(*domain.Participant) error) (domain.Participant, error) {
	var result domain.Participant
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var row participantRow
		err := tx.NewSelect().Model(&row).Where("id = ?", id).For("UPDATE").Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrParticipantNotFound
		}
		if err != nil {
			return err
		}

		current := row.participant()
		next := current
		if err := fn(&next); err != nil {
			return err
		}
		next.ID = current.ID
		next.CompetitionID = current.CompetitionID
		next.QuizID = current.QuizID
		next.UserID = current.UserID
		next.Name = current.Name
		next.JoinedAt = current.JoinedAt

		updated := rowOf(next)
		_, err = tx.NewUpdate().Model(&updated).
			Column("score", "completed_at", "progress", "total_time_sec").
			WherePK().
			Exec(ctx)
		if err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return domain.Participant{}, err
	}
	return result, nil
}

func (s *ParticipantStore) List(ctx context.Context, competitionID string) ([]domain.Participant, error) {
	var rows []participantRow
	err := s.db.NewSelect().Model(&rows).
		Where("competition_id = ?", competitionID).
		Order("joined_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	out := make([]domain.Participant, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.participant())
	}
	return out, nil
}

// Subscribe serves a live query. Filters and ordering run in SQL; missing
// values sort last in either direction.
func (s *ParticipantStore) Subscribe(ctx context.Context, q livequery.Query, onData func(livequery.Snapshot), onError func(error)) livequery.Detach {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		defer close(done)
		if err := s.listen(ctx, q, onData); err != nil && ctx.Err() == nil {
			onError(err)
		}
	}()

	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (s *ParticipantStore) listen(ctx context.Context, q livequery.Query, onData func(livequery.Snapshot)) error {
	if err := checkQuery(q); err != nil {
		return err
	}
	competitionID, scoped := q.Equal(domain.FieldCompetitionID)

	sub := s.feed.join(fmt.Sprint(competitionID), scoped)
	defer s.feed.leave(sub)
	select {
	case <-ctx.Done():
		return nil
	case <-sub.run.ready:
	}
	if sub.run.err != nil {
		return sub.run.err
	}

	deliver := func() error {
		records, err := s.query(ctx, q)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		onData(livequery.Snapshot{Records: records, ReadAt: s.now()})
		return nil
	}

	if err := deliver(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.failed:
			return err
		case <-sub.changed:
			if err := deliver(); err != nil {
				return err
			}
		}
	}
}

func (s *ParticipantStore) query(ctx context.Context, q livequery.Query) ([]livequery.Record, error) {
	var rows []participantRow
	sel := s.db.NewSelect().Model(&rows)
	for _, f := range q.Filters {
		sel = sel.Where("? = ?", bun.Ident(columns[f.Field]), f.Value)
	}
	for _, o := range q.OrderBy {
		dir := "ASC"
		if o.Direction == livequery.Descending {
			dir = "DESC"
		}
		sel = sel.OrderExpr("? "+dir+" NULLS LAST", bun.Ident(columns[o.Field]))
	}
	sel = sel.OrderExpr("joined_at ASC, id ASC")
	if err := sel.Scan(ctx); err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}

	records := make([]livequery.Record, 0, len(rows))
	for _, r := range rows {
		p := r.participant()
		records = append(records, livequery.Document{Key: p.ID, Fields: p.Fields()})
	}
	return records, nil
}

func checkQuery(q livequery.Query) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if q.Collection != domain.ParticipantsCollection {
		return fmt.Errorf("%w: unknown collection %q", livequery.ErrInvalidQuery, q.Collection)
	}
	for _, f := range q.Filters {
		if _, ok := columns[f.Field]; !ok {
			return fmt.Errorf("%w: unknown field %q", livequery.ErrInvalidQuery, f.Field)
		}
	}
	for _, o := range q.OrderBy {
		if _, ok := columns[o.Field]; !ok {
			return fmt.Errorf("%w: unknown field %q", livequery.ErrInvalidQuery, o.Field)
		}
	}
	return nil
}
