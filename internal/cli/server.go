package cli

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"quizo-leaderboard/internal/app"
	"quizo-leaderboard/internal/config"
	"quizo-leaderboard/internal/infra/memory"
	pgstore "quizo-leaderboard/internal/infra/postgres"
	infraredis "quizo-leaderboard/internal/infra/redis"
	"quizo-leaderboard/internal/livequery"
	"quizo-leaderboard/internal/logger"
	"quizo-leaderboard/internal/metrics"
	transport "quizo-leaderboard/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the leaderboard server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// participantStore is what every store driver provides.
type participantStore interface {
	app.ParticipantRepository
	livequery.Subscriber
}

// backends holds the stores picked by configuration and how to release them.
type backends struct {
	participants participantStore
	quizzes      app.QuizRepository
	closers      []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	service := app.NewCompetitionService(b.participants, b.quizzes, log)
	router := transport.NewRouter(cfg, transport.Dependencies{
		Service:  service,
		Source:   b.participants,
		Logger:   log,
		Metrics:  m,
		Gatherer: reg,
	})

	// No WriteTimeout: it would cut long-lived websocket streams.
	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
	}

	go func() {
		log.Info("starting leaderboard service", zap.String("port", finalPort), zap.String("store", cfg.Store.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("failed to start server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info("shutting down server")
	case <-ctx.Done():
		log.Info("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openBackends(ctx context.Context, cfg config.Config, log *zap.Logger) (*backends, error) {
	b := &backends{}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = redisClient.Close() })
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		if err := runMigrations(ctx, cfg, log); err != nil {
			b.Close()
			return nil, err
		}
		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.URL)
		if err != nil {
			b.Close()
			return nil, err
		}
		poolCfg.MaxConns = cfg.Postgres.MaxConns
		pool, err = pgxpool.ConnectConfig(ctx, poolCfg)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(memory.SampleQuizzes())
	if pool != nil {
		loader = pgstore.NewQuizLoader(pool)
	}
	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	if redisClient != nil {
		b.quizzes = infraredis.NewQuizCache(redisClient, loader, quizTTL)
	} else {
		b.quizzes = memory.NewQuizCache(loader, quizTTL)
	}

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		db := openBun(cfg.Postgres.URL)
		b.closers = append(b.closers, func() { _ = db.Close() })
		b.participants = pgstore.NewParticipantStore(db, pool)
	case config.DriverRedis:
		b.participants = infraredis.NewParticipantStore(redisClient)
	default:
		b.participants = memory.NewParticipantStore()
	}
	return b, nil
}
