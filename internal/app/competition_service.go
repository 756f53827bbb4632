package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"quizo-leaderboard/internal/domain"
	"quizo-leaderboard/internal/leaderboard"
)

// ParticipantRepository abstracts where participant records live (in-memory, Redis, Postgres).
// Every implementation also serves live queries over the records it stores.
type ParticipantRepository interface {
	// CreateIfAbsent stores p with a fresh ID, or returns the participant the
	// same user already has in that competition.
	CreateIfAbsent(ctx context.Context, p domain.Participant) (domain.Participant, error)
	Get(ctx context.Context, id string) (domain.Participant, error)
	// Update applies fn to the stored record atomically and persists the result.
	Update(ctx context.Context, id string, fn func(*domain.Participant) error) (domain.Participant, error)
	List(ctx context.Context, competitionID string) ([]domain.Participant, error)
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// CompetitionService contains the participant-side competition use cases.
// Its writes are what live leaderboard subscriptions observe.
type CompetitionService struct {
	participants ParticipantRepository
	quizzes      QuizRepository
	logger       *zap.Logger
	now          func() time.Time
}

func NewCompetitionService(participants ParticipantRepository, quizzes QuizRepository, logger *zap.Logger) *CompetitionService {
	return NewCompetitionServiceWithClock(participants, quizzes, logger, time.Now)
}

// NewCompetitionServiceWithClock is test-only for deterministic timestamps.
func NewCompetitionServiceWithClock(participants ParticipantRepository, quizzes QuizRepository, logger *zap.Logger, now func() time.Time) *CompetitionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompetitionService{participants: participants, quizzes: quizzes, logger: logger, now: now}
}

// Join registers a user in a competition. Joining twice returns the existing entry.
func (s *CompetitionService) Join(ctx context.Context, competitionID, quizID, userID, name string) (domain.Participant, error) {
	if competitionID == "" || quizID == "" || userID == "" || name == "" {
		return domain.Participant{}, domain.ErrInvalidParticipant
	}
	// Users cannot join competitions on unknown quizzes.
	if _, err := s.quizzes.GetQuiz(ctx, quizID); err != nil {
		return domain.Participant{}, err
	}

	p, err := s.participants.CreateIfAbsent(ctx, domain.Participant{
		CompetitionID: competitionID,
		QuizID:        quizID,
		UserID:        userID,
		Name:          name,
		JoinedAt:      s.now().UTC(),
	})
	if err != nil {
		return domain.Participant{}, fmt.Errorf("join competition: %w", err)
	}
	s.logger.Info("participant joined",
		zap.String("competitionId", competitionID),
		zap.String("participantId", p.ID),
		zap.String("userId", userID),
	)
	return p, nil
}

func (s *CompetitionService) Participant(ctx context.Context, participantID string) (domain.Participant, error) {
	return s.participants.Get(ctx, participantID)
}

// RecordProgress updates how far a participant has advanced.
func (s *CompetitionService) RecordProgress(ctx context.Context, participantID string, progress, totalTimeSec int) (domain.Participant, error) {
	if progress < 0 || progress > 100 || totalTimeSec < 0 {
		return domain.Participant{}, domain.ErrInvalidProgress
	}
	return s.participants.Update(ctx, participantID, func(p *domain.Participant) error {
		if p.Completed() {
			return domain.ErrAlreadyCompleted
		}
		p.Progress = progress
		p.TotalTimeSec = totalTimeSec
		return nil
	})
}

// Complete grades the participant's answers as a percentage and marks them finished.
func (s *CompetitionService) Complete(ctx context.Context, participantID string, answers map[string]string, totalTimeSec int) (domain.Participant, error) {
	if totalTimeSec < 0 {
		return domain.Participant{}, domain.ErrInvalidProgress
	}
	current, err := s.participants.Get(ctx, participantID)
	if err != nil {
		return domain.Participant{}, err
	}
	if current.Completed() {
		return domain.Participant{}, domain.ErrAlreadyCompleted
	}
	quiz, err := s.quizzes.GetQuiz(ctx, current.QuizID)
	if err != nil {
		return domain.Participant{}, err
	}
	score := quiz.Percentage(answers)

	updated, err := s.participants.Update(ctx, participantID, func(p *domain.Participant) error {
		if p.Completed() {
			return domain.ErrAlreadyCompleted
		}
		completedAt := s.now().UTC()
		p.Score = score
		p.CompletedAt = &completedAt
		p.Progress = 100
		p.TotalTimeSec = totalTimeSec
		return nil
	})
	if err != nil {
		return domain.Participant{}, err
	}
	s.logger.Info("participant completed",
		zap.String("competitionId", updated.CompetitionID),
		zap.String("participantId", updated.ID),
		zap.Float64("score", score),
	)
	return updated, nil
}

// Leaderboard returns a one-shot ranked list, ordered like the live view.
func (s *CompetitionService) Leaderboard(ctx context.Context, competitionID string) ([]domain.RankedParticipant, error) {
	participants, err := s.participants.List(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	return leaderboard.RankParticipants(participants), nil
}

// Stats summarizes participation and scores for a competition.
func (s *CompetitionService) Stats(ctx context.Context, competitionID string) (domain.CompetitionStats, error) {
	participants, err := s.participants.List(ctx, competitionID)
	if err != nil {
		return domain.CompetitionStats{}, err
	}

	stats := domain.CompetitionStats{
		CompetitionID:     competitionID,
		TotalParticipants: len(participants),
	}
	var scoreSum float64
	for _, p := range participants {
		if p.Completed() {
			stats.Completed++
			scoreSum += p.Score
		} else {
			stats.InProgress++
		}
	}
	if stats.Completed > 0 {
		stats.AverageScore = scoreSum / float64(stats.Completed)
	}
	if stats.TotalParticipants > 0 {
		stats.CompletionRate = float64(stats.Completed) / float64(stats.TotalParticipants) * 100
	}
	return stats, nil
}
