package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr)
	assert.Equal(t, 2*time.Minute, cfg.Torrent.MetadataTimeout)
	assert.Equal(t, 4, cfg.Orchestrator.Workers)
	assert.Less(t, cfg.Torrent.MetadataTimeout, cfg.Orchestrator.SubmitTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Orchestrator.StallWindow)
	assert.Equal(t, 10*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, 1, cfg.Reconcile.MaxConcurrentPolls)
	assert.Equal(t, "local", cfg.Storage.ColdBackend)
	assert.Equal(t, 5*time.Minute, cfg.Storage.OffloadDelay)
	assert.Equal(t, 5*time.Second, cfg.Stats.CacheTTL)
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TUNEFETCH_ORCHESTRATOR_STALLWINDOW", "90s")
	t.Setenv("TUNEFETCH_RECONCILE_MAXCONCURRENTPOLLS", "3")
	t.Setenv("TUNEFETCH_STORAGE_COLDBACKEND", "s3")
	t.Setenv("TUNEFETCH_STORAGE_BUCKET", "music")
	t.Setenv("TUNEFETCH_STATS_REDISADDR", "localhost:6379")
	t.Setenv("TUNEFETCH_LOG_FORMAT", "json")

	cfg, err := load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Orchestrator.StallWindow)
	assert.Equal(t, 3, cfg.Reconcile.MaxConcurrentPolls)
	assert.Equal(t, "music", cfg.Storage.Bucket)
	assert.Equal(t, "localhost:6379", cfg.Stats.RedisAddr)

	logger := cfg.NewLogger()
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("TUNEFETCH_STORAGE_COLDBACKEND", "s3")
	_, err := load(viper.New())
	assert.ErrorContains(t, err, "storage.bucket")

	t.Setenv("TUNEFETCH_STORAGE_COLDBACKEND", "tape")
	_, err = load(viper.New())
	assert.ErrorContains(t, err, "coldbackend")

	t.Setenv("TUNEFETCH_STORAGE_COLDBACKEND", "local")
	t.Setenv("TUNEFETCH_ORCHESTRATOR_IMPORTMAXATTEMPTS", "9")
	_, err = load(viper.New())
	assert.ErrorContains(t, err, "importmaxattempts")

	t.Setenv("TUNEFETCH_ORCHESTRATOR_IMPORTMAXATTEMPTS", "3")
	t.Setenv("TUNEFETCH_TORRENT_METADATATIMEOUT", "5m")
	_, err = load(viper.New())
	assert.ErrorContains(t, err, "metadatatimeout")

	t.Setenv("TUNEFETCH_TORRENT_METADATATIMEOUT", "2m")
	t.Setenv("TUNEFETCH_LOG_LEVEL", "chatty")
	_, err = load(viper.New())
	assert.ErrorContains(t, err, "log.level")
}
