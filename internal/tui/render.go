// Package tui renders leaderboard frames for the terminal.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"quizo-leaderboard/internal/leaderboard"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	boxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("8")).Padding(0, 1)

	markerStyles = map[leaderboard.Marker]lipgloss.Style{
		leaderboard.MarkerGold:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220")),
		leaderboard.MarkerSilver: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("250")),
		leaderboard.MarkerBronze: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("130")),
	}
)

// RenderFrame draws a frame as a boxed table.
func RenderFrame(frame leaderboard.Frame) string {
	var sb strings.Builder

	title := "Leaderboard"
	if frame.CompetitionID != "" {
		title += " · " + frame.CompetitionID
	}
	sb.WriteString(titleStyle.Render(title))
	sb.WriteString("\n")

	switch {
	case frame.State == leaderboard.StateIdle.String():
		sb.WriteString(mutedStyle.Render("No competition selected"))
		return boxStyle.Render(sb.String())
	case frame.Loading:
		sb.WriteString(mutedStyle.Render("Loading…"))
		return boxStyle.Render(sb.String())
	case len(frame.Rows) == 0:
		sb.WriteString(mutedStyle.Render("No participants yet"))
		return boxStyle.Render(sb.String())
	}

	nameWidth := len("Name")
	for _, row := range frame.Rows {
		if w := lipgloss.Width(row.Name); w > nameWidth {
			nameWidth = w
		}
	}

	header := fmt.Sprintf("%4s  %s  %8s  %7s  %s", "#", padRight("Name", nameWidth), "Progress", "Time", "Score")
	sb.WriteString(mutedStyle.Render(header))
	for _, row := range frame.Rows {
		sb.WriteString("\n")
		sb.WriteString(renderRow(row, nameWidth))
	}
	sb.WriteString("\n")
	sb.WriteString(mutedStyle.Render(fmt.Sprintf("%d participants · updated %s", frame.Count, frame.UpdatedAt.Local().Format("15:04:05"))))
	return boxStyle.Render(sb.String())
}

func renderRow(row leaderboard.Row, nameWidth int) string {
	rank := fmt.Sprintf("%4d", row.Rank)
	if style, ok := markerStyles[row.Marker]; ok {
		rank = style.Render(rank)
	}

	score := activeStyle.Render("…")
	if row.Status == leaderboard.StatusFinished {
		score = doneStyle.Render(row.Score)
	}
	return fmt.Sprintf("%s  %s  %7d%%  %7s  %s", rank, padRight(row.Name, nameWidth), row.Progress, row.Elapsed, score)
}

// padRight pads by display width so wide runes keep columns aligned.
func padRight(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}
