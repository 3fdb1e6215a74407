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

	"viewer-stats/internal/aggregate"
	"viewer-stats/internal/api"
	"viewer-stats/internal/auth"
	"viewer-stats/internal/config"
	"viewer-stats/internal/dedup"
	"viewer-stats/internal/httpx"
	ikafka "viewer-stats/internal/kafka"
	"viewer-stats/internal/latency"
	"viewer-stats/internal/logger"
	"viewer-stats/internal/pg"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(os.Getenv("ENV")).Fatal("load config", zap.Error(err))
	}
	log := logger.Service(cfg.Env, "ingest-api")
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.EventSubSecret == "" {
		log.Warn("EVENTSUB_SECRET is not set; webhook deliveries will be refused")
	}

	sampler := latency.New(latency.DefaultCapacity)
	db, err := pg.Connect(ctx, cfg.PostgresDSN, sampler)
	if err != nil {
		log.Fatal("postgres", zap.Error(err))
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal("ensure schema", zap.Error(err))
	}

	activityWriter := ikafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopicActivity)
	defer activityWriter.Close()
	notifyWriter := ikafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopicNotify)
	defer notifyWriter.Close()

	engine := aggregate.NewEngine(pg.NewStore(db), ikafka.NewActivitySink(activityWriter), log, cfg.StorageTimeout)
	gate := dedup.NewGate(engine, dedup.Config{
		Bucket:              cfg.HeartbeatInterval,
		MaxHeartbeatSeconds: cfg.MaxHeartbeatSeconds,
		ClockSkew:           cfg.WebhookClockSkew,
		MaxAge:              cfg.HeartbeatMaxAge,
	}, log)

	var replay api.ReplayFilter
	if cfg.RedisAddr != "" {
		rdb, err := auth.Connect(cfg.RedisAddr)
		if err != nil {
			log.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		replay = auth.NewReplayGuard(rdb, cfg.WebhookTolerance)
		log.Info("replay guard enabled", zap.String("redis_addr", cfg.RedisAddr))
	}

	limiter := httpx.NewRateLimiter(cfg.HeartbeatRatePerSec, cfg.HeartbeatBurst)
	go sweepLimiter(ctx, limiter, log)

	gin.SetMode(gin.ReleaseMode)
	router := api.NewIngestRouter(api.IngestDeps{
		Service:   "ingest_api",
		Log:       log,
		Verifier:  auth.NewVerifier(cfg.EventSubSecret, cfg.WebhookTolerance, cfg.WebhookClockSkew),
		Heartbeat: api.NewHeartbeatHandler(gate, cfg.HeartbeatInterval, log),
		Webhook:   api.NewWebhookHandler(ikafka.NewNotificationPublisher(notifyWriter), replay, log),
		Limiter:   limiter,
		Sampler:   sampler,
		CORS:      cfg.CORSAllowOrigins,
		Ready:     db.Ready,
	})

	server := &http.Server{
		Addr:              cfg.IngestAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("starting ingest API", zap.String("addr", cfg.IngestAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("ingest server failed", zap.Error(err))
		}
	}()

	graceful(server, log)
}

func sweepLimiter(ctx context.Context, rl *httpx.RateLimiter, log *zap.Logger) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := rl.Sweep(); n > 0 {
				log.Debug("rate limiter swept", zap.Int("removed", n))
			}
		}
	}
}

func graceful(server *http.Server, log *zap.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down ingest API")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
}
