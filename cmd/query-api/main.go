package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"viewer-stats/internal/api"
	"viewer-stats/internal/badge"
	"viewer-stats/internal/ch"
	"viewer-stats/internal/config"
	"viewer-stats/internal/latency"
	"viewer-stats/internal/logger"
	"viewer-stats/internal/pg"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(os.Getenv("ENV")).Fatal("load config", zap.Error(err))
	}
	log := logger.Service(cfg.Env, "query-api")
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler := latency.New(latency.DefaultCapacity)
	db, err := pg.Connect(ctx, cfg.PostgresDSN, sampler)
	if err != nil {
		log.Fatal("postgres", zap.Error(err))
	}
	defer db.Close()

	// The channel series are served from the ClickHouse archive; without it
	// those endpoints answer 503 and the per-viewer reads keep working.
	var series api.SeriesReader
	if cfg.ClickHouseDSN != "" {
		client, err := ch.New(ctx, cfg.ClickHouseDSN)
		if err != nil {
			log.Warn("clickhouse unavailable, channel series disabled", zap.Error(err))
		} else {
			defer client.Close()
			series = client
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewQueryRouter(api.QueryDeps{
		Service: "query_api",
		Log:     log,
		Query:   api.NewQueryHandler(pg.NewStore(db), badge.NewEvaluator(cfg.Badges), series, log, cfg.StorageTimeout),
		Sampler: sampler,
		CORS:    cfg.CORSAllowOrigins,
		Ready:   db.Ready,
	})

	server := &http.Server{
		Addr:              cfg.QueryAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("starting query API", zap.String("addr", cfg.QueryAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("query api failed", zap.Error(err))
		}
	}()

	waitForSignal()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
