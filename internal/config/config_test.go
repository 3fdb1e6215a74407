package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "development", cfg.Env)
	require.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	require.Equal(t, "eventsub.notifications", cfg.KafkaTopicNotify)
	require.Equal(t, "activity.applied", cfg.KafkaTopicActivity)
	require.Equal(t, 10*time.Minute, cfg.WebhookTolerance)
	require.Equal(t, time.Minute, cfg.WebhookClockSkew)
	require.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	require.EqualValues(t, 300, cfg.MaxHeartbeatSeconds)
	require.Equal(t, 10*time.Minute, cfg.HeartbeatMaxAge)
	require.Equal(t, 3*time.Second, cfg.StorageTimeout)
	require.Equal(t, 800*time.Millisecond, cfg.BatchInterval)
	require.Equal(t, 10, cfg.HeartbeatBurst)
	require.Empty(t, cfg.EventSubSecret)
	require.Empty(t, cfg.RedisAddr)
	require.Nil(t, cfg.Badges)
}

func TestLoadOverrides(t *testing.T) {
	os.Clearenv()
	t.Setenv("ENV", "production")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("WEBHOOK_TOLERANCE", "5m")
	t.Setenv("MAX_HEARTBEAT_SECONDS", "120.5")
	t.Setenv("HEARTBEAT_MAX_AGE", "2m")
	t.Setenv("LOADER_BATCH_INTERVAL_MS", "250")
	t.Setenv("EVENTSUB_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "production", cfg.Env)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 5*time.Minute, cfg.WebhookTolerance)
	require.InDelta(t, 120.5, cfg.MaxHeartbeatSeconds, 1e-9)
	require.Equal(t, 2*time.Minute, cfg.HeartbeatMaxAge)
	require.Equal(t, 250*time.Millisecond, cfg.BatchInterval)
	require.Equal(t, "s3cret", cfg.EventSubSecret)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	os.Clearenv()
	t.Setenv("WEBHOOK_TOLERANCE", "ten minutes")
	t.Setenv("LOADER_BATCH_SIZE", "lots")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 10*time.Minute, cfg.WebhookTolerance)
	require.Equal(t, 1000, cfg.BatchSize)
}

func TestLoadBadgeCatalogue(t *testing.T) {
	os.Clearenv()
	path := filepath.Join(t.TempDir(), "badges.yml")
	require.NoError(t, os.WriteFile(path, []byte("badges:\n  - {id: hi, category: interaction, metric: messages, target: 1}\n"), 0o600))
	t.Setenv("BADGES_CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Badges, 1)

	t.Setenv("BADGES_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yml"))
	_, err = Load()
	require.Error(t, err)
}
