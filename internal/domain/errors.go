package domain

import "errors"

var (
	// ErrParticipantNotFound is returned when a participant record does not exist.
	ErrParticipantNotFound = errors.New("participant not found")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrAlreadyCompleted is returned when a finished participant is written to again.
	ErrAlreadyCompleted = errors.New("participant already completed the quiz")
	// ErrInvalidProgress indicates a progress or elapsed time value out of range.
	ErrInvalidProgress = errors.New("invalid progress")
	// ErrInvalidParticipant indicates missing identity attributes on join.
	ErrInvalidParticipant = errors.New("competitionId, quizId, userId and name are required")
)
