package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Jecosine/blivechat/internal/blive"
	"github.com/Jecosine/blivechat/internal/config"
	"github.com/Jecosine/blivechat/internal/enrich"
	"github.com/Jecosine/blivechat/internal/logging"
	"github.com/Jecosine/blivechat/internal/relay"
	"github.com/Jecosine/blivechat/internal/server"
	"github.com/Jecosine/blivechat/internal/storage"
)

const cacheEvictionInterval = 5 * time.Minute

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupEventLog(cfg *config.Config) (*pgxpool.Pool, *storage.EventLogRepo) {
	if cfg.DatabaseURL == "" {
		slog.Info("DATABASE_URL not set, event log disabled")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := storage.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	repo := storage.NewEventLogRepo(pool)
	if err := repo.RunMigrations(ctx); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	return pool, repo
}

func setupRedis(cfg *config.Config) *goredis.Client {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL not set, avatar cache runs memory-only")
		return nil
	}

	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to parse Redis URL", "error", err)
		os.Exit(1)
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func runGracefulShutdown(srv *server.Server, registry *relay.Registry) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		registry.Stop()
		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	pool, eventLogRepo := setupEventLog(cfg)
	if pool != nil {
		defer pool.Close()
	}

	redisClient := setupRedis(cfg)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	// Typed-nil interfaces must not leak into the pipeline.
	var redisCache goredis.Cmdable
	if redisClient != nil {
		redisCache = redisClient
	}

	avatars := enrich.NewAvatarCache(redisCache, clock, "")
	stopAvatarEviction := avatars.StartEvictionTimer(cacheEvictionInterval)
	defer stopAvatarEviction()

	var translator *enrich.Translator
	if cfg.EnableTranslate {
		translator = enrich.NewTranslator(cfg.TranslateAPIURL, cfg.TranslateTargetLang, cfg.TranslateMaxRPS, clock)
		stopTranslationEviction := translator.StartEvictionTimer(cacheEvictionInterval)
		defer stopTranslationEviction()
	}

	pipeline := &relay.Pipeline{
		Avatars:    avatars,
		Translator: translator,
		Config:     cfg,
	}
	if eventLogRepo != nil {
		pipeline.EventLog = eventLogRepo
	}

	roomInfo := blive.NewRoomInfoClient("")
	registry := relay.NewRegistry(roomInfo, blive.NewFeedFactory(""), pipeline)

	var srv *server.Server
	if eventLogRepo != nil {
		srv = server.NewServer(cfg, registry, roomInfo, avatars, eventLogRepo, redisCache, clock)
	} else {
		srv = server.NewServer(cfg, registry, roomInfo, avatars, nil, redisCache, clock)
	}

	done := runGracefulShutdown(srv, registry)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
