// Package leaderboard turns live participant snapshots into ranked
// leaderboards.
package leaderboard

import (
	"fmt"
	"math"
	"sort"
	"time"

	"quizo-leaderboard/internal/domain"
	"quizo-leaderboard/internal/livequery"
)

// ParticipantsQuery is the live query behind a competition's leaderboard:
// best score first, earlier finishers first among equal scores.
func ParticipantsQuery(competitionID string) livequery.Query {
	return livequery.Collection(domain.ParticipantsCollection).
		Where(domain.FieldCompetitionID, competitionID).
		Order(domain.FieldScore, livequery.Descending).
		Order(domain.FieldCompletedAt, livequery.Ascending)
}

// Rank rebuilds the ranked list from a snapshot. Ranks are 1..N by position
// after a stable sort on (score desc, completedAt asc, missing completion
// last), so a snapshot already delivered in that order keeps it. now fills a
// missing joinedAt.
func Rank(records []livequery.Record, now time.Time) []domain.RankedParticipant {
	participants := make([]domain.Participant, 0, len(records))
	for _, r := range records {
		participants = append(participants, Decode(r, now))
	}
	return RankParticipants(participants)
}

// RankParticipants ranks already decoded participants.
func RankParticipants(participants []domain.Participant) []domain.RankedParticipant {
	ordered := append([]domain.Participant(nil), participants...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return before(ordered[i], ordered[j])
	})

	ranked := make([]domain.RankedParticipant, 0, len(ordered))
	for i, p := range ordered {
		ranked = append(ranked, domain.RankedParticipant{Participant: p, Rank: i + 1})
	}
	return ranked
}

func before(a, b domain.Participant) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	switch {
	case a.CompletedAt != nil && b.CompletedAt != nil:
		return a.CompletedAt.Before(*b.CompletedAt)
	case a.CompletedAt != nil:
		return true
	}
	return false
}

// Decode reads a participant out of a snapshot record. Missing numeric fields
// default to 0 and identity fields pass through as found.
func Decode(r livequery.Record, now time.Time) domain.Participant {
	p := domain.Participant{
		ID:            r.ID(),
		CompetitionID: stringField(r, domain.FieldCompetitionID),
		QuizID:        stringField(r, domain.FieldQuizID),
		UserID:        stringField(r, domain.FieldUserID),
		Name:          stringField(r, domain.FieldName),
		JoinedAt:      now,
		Score:         floatField(r, domain.FieldScore),
		Progress:      intField(r, domain.FieldProgress),
		TotalTimeSec:  intField(r, domain.FieldTotalTimeSec),
	}
	if v, ok := r.Get(domain.FieldJoinedAt); ok {
		if t, ok := livequery.AsTime(v); ok {
			p.JoinedAt = t
		}
	}
	if v, ok := r.Get(domain.FieldCompletedAt); ok {
		if t, ok := livequery.AsTime(v); ok {
			p.CompletedAt = &t
		}
	}
	return p
}

func stringField(r livequery.Record, field string) string {
	v, ok := r.Get(field)
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func floatField(r livequery.Record, field string) float64 {
	v, ok := r.Get(field)
	if !ok {
		return 0
	}
	f, ok := livequery.AsFloat(v)
	if !ok || math.IsNaN(f) {
		return 0
	}
	return f
}

func intField(r livequery.Record, field string) int {
	return int(math.Round(floatField(r, field)))
}
