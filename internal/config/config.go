package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr        string
		CORSOrigins []string
	}
	Database struct {
		Path string
	}
	Torrent struct {
		DataDir         string
		MetadataTimeout time.Duration
		ListenPort      int
		NoDHT           bool
		Seed            bool
		Trackers        []string
	}
	Library struct {
		BaseURL           string
		APIKey            string
		RootFolder        string
		QualityProfileID  int
		MetadataProfileID int
	}
	Indexer struct {
		BaseURL    string
		APIKey     string
		MinSeeders int
	}
	Orchestrator struct {
		Workers           int
		CallTimeout       time.Duration
		SubmitTimeout     time.Duration
		RetryBase         time.Duration
		RetryMaxAttempts  int
		ImportMaxAttempts int
		StallWindow       time.Duration
	}
	Reconcile struct {
		Interval           time.Duration
		MaxConcurrentPolls int
	}
	Storage struct {
		ProcessingDir    string
		ColdBackend      string
		ColdDir          string
		MinFreeBytes     uint64
		OffloadDelay     time.Duration
		SweepInterval    time.Duration
		RetryMaxAttempts int
		Bucket           string
		KeyPrefix        string
		Region           string
		Endpoint         string
	}
	AWS struct {
		Profile string
	}
	Stats struct {
		RedisAddr     string
		RedisPassword string
		RedisDB       int
		CacheTTL      time.Duration
	}
	Log struct {
		Level  string
		Format string
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()
	return load(viper.New())
}

func load(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix("TUNEFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// every key needs a default so AutomaticEnv can see it during Unmarshal
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("server.corsorigins", []string{"*"})
	v.SetDefault("database.path", "data/tunefetch.db")

	v.SetDefault("torrent.datadir", "data/downloads")
	v.SetDefault("torrent.metadatatimeout", 2*time.Minute)
	v.SetDefault("torrent.listenport", 0)
	v.SetDefault("torrent.nodht", false)
	v.SetDefault("torrent.seed", false)
	v.SetDefault("torrent.trackers", []string{})

	v.SetDefault("library.baseurl", "http://localhost:8686")
	v.SetDefault("library.apikey", "")
	v.SetDefault("library.rootfolder", "/music")
	v.SetDefault("library.qualityprofileid", 1)
	v.SetDefault("library.metadataprofileid", 1)

	v.SetDefault("indexer.baseurl", "http://localhost:9696")
	v.SetDefault("indexer.apikey", "")
	v.SetDefault("indexer.minseeders", 1)

	v.SetDefault("orchestrator.workers", 4)
	v.SetDefault("orchestrator.calltimeout", 20*time.Second)
	v.SetDefault("orchestrator.submittimeout", 3*time.Minute)
	v.SetDefault("orchestrator.retrybase", 5*time.Second)
	v.SetDefault("orchestrator.retrymaxattempts", 5)
	v.SetDefault("orchestrator.importmaxattempts", 3)
	v.SetDefault("orchestrator.stallwindow", 10*time.Minute)

	v.SetDefault("reconcile.interval", 10*time.Second)
	v.SetDefault("reconcile.maxconcurrentpolls", 1)

	v.SetDefault("storage.processingdir", "data/processing")
	v.SetDefault("storage.coldbackend", "local")
	v.SetDefault("storage.colddir", "data/library")
	v.SetDefault("storage.minfreebytes", uint64(512<<20))
	v.SetDefault("storage.offloaddelay", 5*time.Minute)
	v.SetDefault("storage.sweepinterval", time.Minute)
	v.SetDefault("storage.retrymaxattempts", 5)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "library")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")

	v.SetDefault("stats.redisaddr", "")
	v.SetDefault("stats.redispassword", "")
	v.SetDefault("stats.redisdb", 0)
	v.SetDefault("stats.cachettl", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func (c Config) Validate() error {
	switch c.Storage.ColdBackend {
	case "local":
		if strings.TrimSpace(c.Storage.ColdDir) == "" {
			return fmt.Errorf("storage.colddir is required for the local cold backend")
		}
	case "s3":
		if strings.TrimSpace(c.Storage.Bucket) == "" {
			return fmt.Errorf("storage.bucket is required for the s3 cold backend")
		}
	default:
		return fmt.Errorf("unknown storage.coldbackend %q", c.Storage.ColdBackend)
	}
	if c.Torrent.MetadataTimeout >= c.Orchestrator.SubmitTimeout {
		return fmt.Errorf("torrent.metadatatimeout (%s) must be shorter than orchestrator.submittimeout (%s)",
			c.Torrent.MetadataTimeout, c.Orchestrator.SubmitTimeout)
	}
	if c.Orchestrator.ImportMaxAttempts > c.Orchestrator.RetryMaxAttempts {
		return fmt.Errorf("orchestrator.importmaxattempts (%d) exceeds orchestrator.retrymaxattempts (%d)",
			c.Orchestrator.ImportMaxAttempts, c.Orchestrator.RetryMaxAttempts)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// NewLogger builds the process logger from the log section.
func (c Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if level, err := logrus.ParseLevel(c.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.Trim(strings.TrimSpace(line[idx+1:]), `"'`)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
