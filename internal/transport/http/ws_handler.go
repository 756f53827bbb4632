package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"quizo-leaderboard/internal/leaderboard"
	"quizo-leaderboard/internal/livequery"
	"quizo-leaderboard/internal/metrics"
)

// WSHandler streams a live leaderboard per socket. Each connection owns one
// leaderboard.View; a watch message re-points it at another competition.
type WSHandler struct {
	source     livequery.Subscriber
	logger     *zap.Logger
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
	watchLimit rate.Limit
	watchBurst int
}

func NewWSHandler(source livequery.Subscriber, logger *zap.Logger, m *metrics.Metrics, allowedOrigins []string, watchPerSecond, watchBurst int) *WSHandler {
	return &WSHandler{
		source:  source,
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		watchLimit: rate.Limit(watchPerSecond),
		watchBurst: watchBurst,
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type watchPayload struct {
	CompetitionID string `json:"competitionId"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func errorMessage(msg string) outboundMessage {
	return outboundMessage{Type: "error", Payload: errorPayload{Message: msg}}
}

// ServeWS upgrades the request and streams leaderboard frames until the
// client goes away.
func (h *WSHandler) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(4096)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	view := leaderboard.NewView(h.source, h.logger, leaderboard.WithMetrics(h.metrics))
	defer view.Close()

	send := make(chan outboundMessage, 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("ws write failed", zap.Error(err))
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case board, ok := <-view.Updates():
				if !ok {
					return
				}
				select {
				case send <- outboundMessage{Type: "leaderboard", Payload: leaderboard.Render(board)}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	// reply queues a direct answer to the client without blocking the read loop forever.
	reply := func(msg outboundMessage) {
		select {
		case send <- msg:
		case <-writerDone:
		}
	}

	if id := c.Query("competitionId"); id != "" {
		if err := view.Watch(ctx, id); err != nil {
			reply(errorMessage(err.Error()))
		}
	} else {
		reply(outboundMessage{Type: "leaderboard", Payload: leaderboard.Render(view.Current())})
	}

	limiter := rate.NewLimiter(h.watchLimit, h.watchBurst)
	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "watch":
			var payload watchPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				reply(errorMessage("invalid watch payload"))
				continue
			}
			if !limiter.Allow() {
				reply(errorMessage("too many watch requests"))
				continue
			}
			if err := view.Watch(ctx, payload.CompetitionID); err != nil {
				reply(errorMessage(err.Error()))
			}
		default:
			reply(errorMessage("unsupported message type"))
		}
	}

	close(closeSignals)
	<-updatesDone
	view.Close()
	close(send)
	<-writerDone
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
