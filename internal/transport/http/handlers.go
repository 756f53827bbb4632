package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"quizo-leaderboard/internal/app"
	"quizo-leaderboard/internal/domain"
	"quizo-leaderboard/internal/leaderboard"
)

// CompetitionHandler exposes the competition use cases over REST.
type CompetitionHandler struct {
	service *app.CompetitionService
	logger  *zap.Logger
}

func NewCompetitionHandler(service *app.CompetitionService, logger *zap.Logger) *CompetitionHandler {
	return &CompetitionHandler{service: service, logger: logger}
}

type joinRequest struct {
	QuizID string `json:"quizId"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

type progressRequest struct {
	Progress     int `json:"progress"`
	TotalTimeSec int `json:"totalTimeSec"`
}

type completeRequest struct {
	Answers      map[string]string `json:"answers"`
	TotalTimeSec int               `json:"totalTimeSec"`
}

type completeResponse struct {
	Participant domain.Participant `json:"participant"`
	Score       float64            `json:"score"`
}

func (h *CompetitionHandler) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	// An authenticated caller always joins as themselves.
	if userID := c.GetString(userIDKey); userID != "" {
		req.UserID = userID
	}

	p, err := h.service.Join(c.Request.Context(), c.Param("competitionId"), req.QuizID, req.UserID, req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *CompetitionHandler) RecordProgress(c *gin.Context) {
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !h.ownsParticipant(c) {
		return
	}
	p, err := h.service.RecordProgress(c.Request.Context(), c.Param("id"), req.Progress, req.TotalTimeSec)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *CompetitionHandler) Complete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !h.ownsParticipant(c) {
		return
	}
	p, err := h.service.Complete(c.Request.Context(), c.Param("id"), req.Answers, req.TotalTimeSec)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, completeResponse{Participant: p, Score: p.Score})
}

// Leaderboard returns the same frame a live subscriber would see right now.
func (h *CompetitionHandler) Leaderboard(c *gin.Context) {
	competitionID := c.Param("competitionId")
	ranked, err := h.service.Leaderboard(c.Request.Context(), competitionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, leaderboard.Render(leaderboard.Board{
		CompetitionID: competitionID,
		State:         leaderboard.StateActive,
		Participants:  ranked,
		UpdatedAt:     time.Now().UTC(),
	}))
}

func (h *CompetitionHandler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context(), c.Param("competitionId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ownsParticipant rejects writes to someone else's entry when the caller is authenticated.
func (h *CompetitionHandler) ownsParticipant(c *gin.Context) bool {
	userID := c.GetString(userIDKey)
	if userID == "" {
		return true
	}
	p, err := h.service.Participant(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return false
	}
	if p.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "participant belongs to another user"})
		return false
	}
	return true
}

func (h *CompetitionHandler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrParticipantNotFound), errors.Is(err, domain.ErrQuizNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidParticipant), errors.Is(err, domain.ErrInvalidProgress):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyCompleted):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
