package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"viewer-stats/internal/ch"
	"viewer-stats/internal/config"
	ikafka "viewer-stats/internal/kafka"
	"viewer-stats/internal/logger"
	"viewer-stats/internal/model"
	"viewer-stats/pkg/batcher"
)

var (
	batchSizeHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loader_batch_size",
		Help:    "Histogram of ClickHouse batch sizes",
		Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000},
	})
	insertDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loader_insert_duration_seconds",
		Help:    "Duration of ClickHouse insert operations",
		Buckets: prometheus.DefBuckets,
	})
	insertErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loader_insert_errors_total",
		Help: "Total ClickHouse insert failures",
	})
)

// pending pairs a decoded record with the message to commit once it is stored.
type pending struct {
	rec model.ActivityRecord
	msg kafkago.Message
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(os.Getenv("ENV")).Fatal("load config", zap.Error(err))
	}
	log := logger.Service(cfg.Env, "loader")
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := ch.New(ctx, cfg.ClickHouseDSN)
	if err != nil {
		log.Fatal("clickhouse", zap.Error(err))
	}
	defer client.Close()
	if err := client.EnsureSchema(ctx); err != nil {
		log.Fatal("ensure schema", zap.Error(err))
	}
	inserter := ch.NewGuardedInserter(client, ch.DefaultBreakerConfig(), log)

	reader := ikafka.NewReader(cfg.KafkaBrokers, cfg.KafkaTopicActivity, "loader-group")
	defer reader.Close()

	flush := func(ctx context.Context, batch []pending) error {
		records := make([]model.ActivityRecord, len(batch))
		msgs := make([]kafkago.Message, len(batch))
		for i, p := range batch {
			records[i], msgs[i] = p.rec, p.msg
		}
		if err := insertWithRetry(ctx, inserter, records); err != nil {
			return err
		}
		return reader.CommitMessages(ctx, msgs...)
	}
	b := batcher.New[pending](ctx, batcher.Options[pending]{
		MaxSize:  cfg.BatchSize,
		Interval: cfg.BatchInterval,
		Flush:    flush,
		OnError: func(err error, batch []pending) {
			// Uncommitted offsets are redelivered after restart.
			log.Error("flush failed, stopping loader", zap.Int("records", len(batch)), zap.Error(err))
			cancel()
		},
	})

	go serveMetrics(cfg.LoaderMetricsAddr, log)
	go handleSignals(cancel)

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error("fetch activity message", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		var rec model.ActivityRecord
		if err := json.Unmarshal(m.Value, &rec); err != nil {
			log.Warn("decode activity record", zap.Int64("offset", m.Offset), zap.Error(err))
			if err := reader.CommitMessages(ctx, m); err != nil {
				log.Error("commit skipped message", zap.Error(err))
			}
			continue
		}
		if err := b.Add(ctx, pending{rec: rec, msg: m}); err != nil {
			log.Error("batch flush failed", zap.Error(err))
			cancel()
			break
		}
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelClose()
	if err := b.Close(closeCtx); err != nil {
		log.Error("final flush", zap.Error(err))
	}
	log.Info("loader shutdown complete")
}

func insertWithRetry(ctx context.Context, ins ch.BatchInserter, records []model.ActivityRecord) error {
	const maxAttempts = 5
	backoff := 200 * time.Millisecond
	start := time.Now()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		insertCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := ins.InsertBatch(insertCtx, records)
		cancel()
		if err == nil {
			insertDuration.Observe(time.Since(start).Seconds())
			batchSizeHistogram.Observe(float64(len(records)))
			return nil
		}
		insertErrors.Inc()
		if attempt == maxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 5*time.Second {
			backoff = 5 * time.Second
		}
	}
	return nil
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("loader metrics server failed", zap.Error(err))
	}
}

func handleSignals(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}
