package leaderboard

import (
	"fmt"
	"time"

	"quizo-leaderboard/internal/domain"
)

// Marker distinguishes the podium ranks.
type Marker string

const (
	MarkerNone   Marker = ""
	MarkerGold   Marker = "gold"
	MarkerSilver Marker = "silver"
	MarkerBronze Marker = "bronze"
)

// Status tells whether a participant has finished.
type Status string

const (
	StatusFinished   Status = "finished"
	StatusInProgress Status = "in_progress"
)

// Row is one rendered leaderboard line.
type Row struct {
	ID       string `json:"id"`
	Rank     int    `json:"rank"`
	Marker   Marker `json:"marker,omitempty"`
	Name     string `json:"name"`
	Progress int    `json:"progress"`
	Elapsed  string `json:"elapsed"`
	Status   Status `json:"status"`
	// Score is empty while the participant is in progress.
	Score string `json:"score,omitempty"`
}

// Frame is the rendered form of a Board.
type Frame struct {
	CompetitionID string    `json:"competitionId"`
	State         string    `json:"state"`
	Loading       bool      `json:"loading"`
	Count         int       `json:"count"`
	Rows          []Row     `json:"rows"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// FormatElapsed renders seconds as m:ss.
func FormatElapsed(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

// FormatScore renders a percentage score with one decimal.
func FormatScore(score float64) string {
	return fmt.Sprintf("%.1f%%", score)
}

func MarkerFor(rank int) Marker {
	switch rank {
	case 1:
		return MarkerGold
	case 2:
		return MarkerSilver
	case 3:
		return MarkerBronze
	}
	return MarkerNone
}

// NewRow applies the rendering policy to one ranked participant.
func NewRow(p domain.RankedParticipant) Row {
	row := Row{
		ID:       p.ID,
		Rank:     p.Rank,
		Marker:   MarkerFor(p.Rank),
		Name:     p.Name,
		Progress: p.Progress,
		Elapsed:  FormatElapsed(p.TotalTimeSec),
		Status:   StatusInProgress,
	}
	if p.Completed() {
		row.Status = StatusFinished
		row.Score = FormatScore(p.Score)
	}
	return row
}

// Render turns a board into its frame. The loading and idle states carry no rows.
func Render(b Board) Frame {
	frame := Frame{
		CompetitionID: b.CompetitionID,
		State:         b.State.String(),
		Loading:       b.Loading,
		UpdatedAt:     b.UpdatedAt,
		Rows:          []Row{},
	}
	if b.Loading || b.State == StateIdle {
		return frame
	}
	for _, p := range b.Participants {
		frame.Rows = append(frame.Rows, NewRow(p))
	}
	frame.Count = len(frame.Rows)
	return frame
}
