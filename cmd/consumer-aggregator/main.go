package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"viewer-stats/internal/aggregate"
	"viewer-stats/internal/config"
	"viewer-stats/internal/dedup"
	ikafka "viewer-stats/internal/kafka"
	"viewer-stats/internal/latency"
	"viewer-stats/internal/logger"
	"viewer-stats/internal/pg"
	"viewer-stats/internal/pipeline"
)

var (
	msgsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aggregator_msgs_consumed_total",
		Help: "Total messages consumed from the notification topic",
	})
	errorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aggregator_errors_total",
		Help: "Number of fetch, apply and commit failures",
	})
	consumerLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aggregator_consumer_lag",
		Help: "Current consumer lag reported by kafka-go",
	})
)

const (
	minBackoff = 200 * time.Millisecond
	maxBackoff = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(os.Getenv("ENV")).Fatal("load config", zap.Error(err))
	}
	log := logger.Service(cfg.Env, "consumer-aggregator")
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.Connect(ctx, cfg.PostgresDSN, latency.New(latency.DefaultCapacity))
	if err != nil {
		log.Fatal("postgres", zap.Error(err))
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal("ensure schema", zap.Error(err))
	}

	reader := ikafka.NewReader(cfg.KafkaBrokers, cfg.KafkaTopicNotify, "aggregator-group")
	defer reader.Close()
	writer := ikafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopicActivity)
	defer writer.Close()

	engine := aggregate.NewEngine(pg.NewStore(db), ikafka.NewActivitySink(writer), log, cfg.StorageTimeout)
	gate := dedup.NewGate(engine, dedup.Config{
		Bucket:              cfg.HeartbeatInterval,
		MaxHeartbeatSeconds: cfg.MaxHeartbeatSeconds,
		ClockSkew:           cfg.WebhookClockSkew,
		MaxAge:              cfg.HeartbeatMaxAge,
	}, log)
	proc := pipeline.NewProcessor(gate, log)

	go serveMetrics(cfg.AggregatorMetricsAddr, log)
	go handleSignals(cancel)

	log.Info("aggregator consuming", zap.String("topic", cfg.KafkaTopicNotify))
	backoff := minBackoff
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			errorsTotal.Inc()
			log.Error("fetch notification", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		msgsConsumed.Inc()
		consumerLag.Set(float64(reader.Stats().Lag))

		// The offset is committed only after the unit is applied or
		// classified as permanently unprocessable.
		for {
			err = proc.Handle(ctx, m.Value)
			if err == nil || ctx.Err() != nil {
				break
			}
			errorsTotal.Inc()
			log.Warn("apply notification, retrying",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			if !sleep(ctx, backoff) {
				break
			}
			backoff = min(backoff*2, maxBackoff)
		}
		if ctx.Err() != nil {
			break
		}
		backoff = minBackoff

		if err := reader.CommitMessages(ctx, m); err != nil && !errors.Is(err, context.Canceled) {
			errorsTotal.Inc()
			log.Error("commit offset", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
	log.Info("aggregator shutdown complete")
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("metrics server failed", zap.Error(err))
	}
}
