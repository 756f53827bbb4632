package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"quizo-leaderboard/internal/app"
	"quizo-leaderboard/internal/config"
	"quizo-leaderboard/internal/livequery"
	"quizo-leaderboard/internal/metrics"
)

// Dependencies are the collaborators the router mounts.
type Dependencies struct {
	Service  *app.CompetitionService
	Source   livequery.Subscriber
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// NewRouter builds the HTTP surface: REST writes and reads under /api, the
// live leaderboard socket under /ws, plus health and metrics.
func NewRouter(cfg config.Config, deps Dependencies) *gin.Engine {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger), deps.Metrics.Middleware())
	r.Use(cors.New(corsConfig(cfg.CORS.AllowedOrigins)))

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	auth := JWTAuth(cfg.Auth.JWTSecret)
	limit := RateLimiter(cfg.RateLimit.MaxRequests, config.TTLDuration(cfg.RateLimit.Window, time.Minute))

	competitions := NewCompetitionHandler(deps.Service, logger)
	api := r.Group("/api")
	{
		api.GET("/competitions/:competitionId/leaderboard", competitions.Leaderboard)
		api.GET("/competitions/:competitionId/stats", competitions.Stats)

		writes := api.Group("", limit, auth)
		writes.POST("/competitions/:competitionId/participants", competitions.Join)
		writes.PATCH("/participants/:id/progress", competitions.RecordProgress)
		writes.POST("/participants/:id/complete", competitions.Complete)
	}

	ws := NewWSHandler(deps.Source, logger, deps.Metrics, cfg.CORS.AllowedOrigins,
		cfg.RateLimit.WatchPerSecond, cfg.RateLimit.WatchBurst)
	r.GET("/ws/leaderboard", auth, ws.ServeWS)
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}
