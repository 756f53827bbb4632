package domain

import "time"

// ParticipantsCollection is the live-query collection holding participant records.
const ParticipantsCollection = "participants"

// Field names of a participant record as exposed to live queries.
const (
	FieldCompetitionID = "competitionId"
	FieldQuizID        = "quizId"
	FieldUserID        = "userId"
	FieldName          = "name"
	FieldJoinedAt      = "joinedAt"
	FieldScore         = "score"
	FieldCompletedAt   = "completedAt"
	FieldProgress      = "progress"
	FieldTotalTimeSec  = "totalTimeSec"
)

// Participant is one user's entry in one competition.
type Participant struct {
	ID            string     `json:"id"`
	CompetitionID string     `json:"competitionId"`
	QuizID        string     `json:"quizId,omitempty"`
	UserID        string     `json:"userId"`
	Name          string     `json:"name"`
	JoinedAt      time.Time  `json:"joinedAt"`
	Score         float64    `json:"score"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Progress      int        `json:"progress"`
	TotalTimeSec  int        `json:"totalTimeSec"`
}

// Completed reports whether the participant has finished the quiz.
func (p Participant) Completed() bool {
	return p.CompletedAt != nil
}

// Fields returns the record fields of p keyed by their live-query names.
// CompletedAt is omitted while the participant is still in progress.
func (p Participant) Fields() map[string]any {
	fields := map[string]any{
		FieldCompetitionID: p.CompetitionID,
		FieldQuizID:        p.QuizID,
		FieldUserID:        p.UserID,
		FieldName:          p.Name,
		FieldJoinedAt:      p.JoinedAt,
		FieldScore:         p.Score,
		FieldProgress:      p.Progress,
		FieldTotalTimeSec:  p.TotalTimeSec,
	}
	if p.CompletedAt != nil {
		fields[FieldCompletedAt] = *p.CompletedAt
	}
	return fields
}

// RankedParticipant is a participant with its rank derived from one snapshot.
type RankedParticipant struct {
	Participant
	Rank int `json:"rank"`
}

// CompetitionStats summarizes participation in a competition.
type CompetitionStats struct {
	CompetitionID     string  `json:"competitionId"`
	TotalParticipants int     `json:"totalParticipants"`
	Completed         int     `json:"completed"`
	InProgress        int     `json:"inProgress"`
	AverageScore      float64 `json:"averageScore"`
	CompletionRate    float64 `json:"completionRate"`
}

// Option represents a possible answer for a question.
type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// Question models an MCQ question with exactly one correct option.
type Question struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []Option `json:"options"`
	Points  int      `json:"points"` // defaults to 1 if zero
}

// Quiz is a collection of questions.
type Quiz struct {
	ID        string     `json:"id"`
	Questions []Question `json:"questions"`
}

// Score grades answers (question ID -> option ID) against the quiz and returns
// the earned and total points.
func (q Quiz) Score(answers map[string]string) (earned, total int) {
	for _, question := range q.Questions {
		points := question.Points
		if points <= 0 {
			points = 1
		}
		total += points
		chosen, ok := answers[question.ID]
		if !ok {
			continue
		}
		for _, opt := range question.Options {
			if opt.Correct && opt.ID == chosen {
				earned += points
				break
			}
		}
	}
	return earned, total
}

// Percentage grades answers as a 0-100 score. A quiz without points scores 0.
func (q Quiz) Percentage(answers map[string]string) float64 {
	earned, total := q.Score(answers)
	if total == 0 {
		return 0
	}
	return float64(earned) / float64(total) * 100
}
