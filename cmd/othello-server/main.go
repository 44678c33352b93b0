package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-othello/internal/archive"
	"github.com/park285/cheese-othello/internal/auth"
	appcfg "github.com/park285/cheese-othello/internal/config"
	"github.com/park285/cheese-othello/internal/daily"
	"github.com/park285/cheese-othello/internal/dispatch"
	"github.com/park285/cheese-othello/internal/httpapi"
	"github.com/park285/cheese-othello/internal/msgcat"
	"github.com/park285/cheese-othello/internal/obslog"
	"github.com/park285/cheese-othello/internal/rediskit"
	"github.com/park285/cheese-othello/internal/results"
	"github.com/park285/cheese-othello/internal/sessions"
	"github.com/park285/cheese-othello/internal/wsserver"
)

func main() {
	// LOG_* may come from .env
	if err := appcfg.LoadDotenv(); err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	err = run(cfg)
	_ = obslog.L().Sync()
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(cfg *appcfg.AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		var err error
		rdb, err = rediskit.Open(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis init: %w", err)
		}
		defer func() { _ = rdb.Close() }()
	}

	repo, err := openResults(cfg)
	if err != nil {
		return fmt.Errorf("result repo init: %w", err)
	}
	defer func() { _ = repo.Close() }()

	src, closeDaily, err := openDaily(cfg, rdb)
	if err != nil {
		return fmt.Errorf("daily source init: %w", err)
	}
	defer closeDaily()

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return fmt.Errorf("message catalog: %w", err)
	}

	reg := sessions.NewRegistry(sessions.Options{
		Grace:       cfg.Grace,
		Retention:   cfg.Retention,
		IdleTimeout: cfg.IdleTimeout,
		QueueSize:   cfg.QueueSize,
	})

	opts := dispatch.Options{
		Sessions:     reg,
		Daily:        src,
		Results:      repo,
		Catalog:      cat,
		WriteTimeout: cfg.PersistTimeout,
	}
	var store *archive.Store
	if rdb != nil {
		store = archive.NewStore(rdb)
		opts.Archive = store
	}
	if cfg.TokenSecret != "" {
		iss, err := auth.NewIssuer(cfg.TokenSecret, cfg.TokenTTL)
		if err != nil {
			return fmt.Errorf("token issuer: %w", err)
		}
		opts.Tokens = iss
	}
	d := dispatch.New(opts)

	ws := wsserver.New(d, wsserver.Options{
		SendBuffer:     cfg.SendBuffer,
		PingInterval:   cfg.PingInterval,
		OriginPatterns: cfg.WSOrigins,
	})
	apiOpts := httpapi.Options{Sessions: reg, Daily: src, Results: repo, WS: ws}
	if store != nil {
		apiOpts.Archive = store
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.New(apiOpts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go reg.Run(ctx, cfg.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		obslog.L().Info("server_listen", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		obslog.L().Error("server_failed", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	obslog.L().Info("server_shutdown")
	if err := ws.Shutdown(shutdownCtx); err != nil {
		obslog.L().Warn("ws_shutdown_incomplete", zap.Error(err))
	}
	_ = srv.Shutdown(shutdownCtx)
	reg.Close()
	d.Wait()
	return serveErr
}

func openResults(cfg *appcfg.AppConfig) (results.Repository, error) {
	if cfg.DatabaseURL == "" {
		obslog.L().Info("result_repo_memory")
		return results.NewMemoryRepository(), nil
	}
	repo, err := results.NewPostgresRepository(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// openDaily picks the first configured backend: SQLite, then HTTP, then Redis, then an empty in-memory source.
func openDaily(cfg *appcfg.AppConfig, rdb *redis.Client) (daily.Source, func(), error) {
	switch {
	case cfg.DailySQLitePath != "":
		s, err := daily.OpenSQLite(cfg.DailySQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case cfg.DailyHTTPURL != "":
		return daily.NewHTTPSource(cfg.DailyHTTPURL, daily.WithRetry(cfg.DailyHTTPRetry)), func() {}, nil
	case rdb != nil:
		return daily.NewRedisSource(rdb), func() {}, nil
	default:
		return daily.NewMemorySource(), func() {}, nil
	}
}
