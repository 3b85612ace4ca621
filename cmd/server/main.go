package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"tunefetch/internal/adapters/lidarr"
	"tunefetch/internal/adapters/prowlarr"
	"tunefetch/internal/adapters/torrent"
	"tunefetch/internal/config"
	"tunefetch/internal/events"
	apphttp "tunefetch/internal/http"
	"tunefetch/internal/importer"
	"tunefetch/internal/orchestrator"
	"tunefetch/internal/reconcile"
	"tunefetch/internal/registry"
	"tunefetch/internal/repository/sqlite"
	"tunefetch/internal/retry"
	"tunefetch/internal/stats"
	"tunefetch/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	jobRepo := sqlite.NewJobRepository(db)
	if err := jobRepo.Init(ctx); err != nil {
		logger.Fatalf("init job repository: %v", err)
	}

	reg := registry.New(jobRepo, nil)
	if err := reg.Load(ctx); err != nil {
		logger.Fatalf("load jobs: %v", err)
	}

	bus := events.NewBus(128)

	client := torrent.New(torrent.Config{
		DataDir:         cfg.Torrent.DataDir,
		MetadataTimeout: cfg.Torrent.MetadataTimeout,
		Trackers:        cfg.Torrent.Trackers,
		ListenPort:      cfg.Torrent.ListenPort,
		NoDHT:           cfg.Torrent.NoDHT,
		Seed:            cfg.Torrent.Seed,
		Logger:          logger,
	})
	if err := client.Start(ctx); err != nil {
		logger.Fatalf("start torrent client: %v", err)
	}

	cold, objects, err := buildColdStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup cold storage: %v", err)
	}
	storageRetry := retry.Policy{Base: 30 * time.Second, Factor: 2, MaxAttempts: cfg.Storage.RetryMaxAttempts}
	tiers := storage.NewTierManager(storage.TierConfig{
		ProcessingDir: cfg.Storage.ProcessingDir,
		OffloadDelay:  cfg.Storage.OffloadDelay,
		SweepInterval: cfg.Storage.SweepInterval,
		Retry:         storageRetry,
		Logger:        logger,
	}, reg, cold, bus)

	orch := orchestrator.New(orchestrator.Config{
		Workers:           cfg.Orchestrator.Workers,
		Retry:             retry.Policy{Base: cfg.Orchestrator.RetryBase, Factor: 2, MaxAttempts: cfg.Orchestrator.RetryMaxAttempts},
		StorageRetry:      storageRetry,
		CallTimeout:       cfg.Orchestrator.CallTimeout,
		SubmitTimeout:     cfg.Orchestrator.SubmitTimeout,
		ImportMaxAttempts: cfg.Orchestrator.ImportMaxAttempts,
		StallWindow:       cfg.Orchestrator.StallWindow,
		Logger:            logger,
	}, orchestrator.Deps{
		Registry: reg,
		Library: lidarr.New(lidarr.Config{
			BaseURL:           cfg.Library.BaseURL,
			APIKey:            cfg.Library.APIKey,
			Timeout:           cfg.Orchestrator.CallTimeout,
			RootFolder:        cfg.Library.RootFolder,
			QualityProfileID:  cfg.Library.QualityProfileID,
			MetadataProfileID: cfg.Library.MetadataProfileID,
		}),
		Indexer: prowlarr.New(prowlarr.Config{
			BaseURL:    cfg.Indexer.BaseURL,
			APIKey:     cfg.Indexer.APIKey,
			Timeout:    cfg.Orchestrator.CallTimeout,
			MinSeeders: cfg.Indexer.MinSeeders,
		}),
		Client:   client,
		Importer: importer.New(importer.Config{Logger: logger}),
		Archiver: tiers,
		Bus:      bus,
	})

	if err := orch.Start(ctx); err != nil {
		logger.Fatalf("start orchestrator: %v", err)
	}
	if err := orch.ResumeJobs(ctx); err != nil {
		logger.Warnf("resume jobs: %v", err)
	}

	loop := reconcile.New(reconcile.Config{
		Interval:           cfg.Reconcile.Interval,
		MaxConcurrentPolls: cfg.Reconcile.MaxConcurrentPolls,
		CallTimeout:        cfg.Orchestrator.CallTimeout,
		Logger:             logger,
	}, reg, client, orch)
	loop.Start(ctx)
	tiers.Start(ctx)

	var statsCache stats.Cache
	if cfg.Stats.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Stats.RedisAddr,
			Password: cfg.Stats.RedisPassword,
			DB:       cfg.Stats.RedisDB,
		})
		defer rdb.Close()
		statsCache = stats.NewRedisCache(rdb, "")
		logger.Infof("sharing stats through redis at %s", cfg.Stats.RedisAddr)
	}
	aggregator := stats.New(stats.Config{CacheTTL: cfg.Stats.CacheTTL, Logger: logger}, reg, statsCache)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(orch, reg, aggregator, bus, objects, apphttp.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	loop.Stop()
	tiers.Stop()
	orch.Shutdown()
	client.Shutdown()

	logger.Info("bye")
}

func buildColdStore(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.ColdStore, storage.ObjectLister, error) {
	if cfg.Storage.ColdBackend == "local" {
		store := storage.NewLocalStore(cfg.Storage.ColdDir, cfg.Storage.MinFreeBytes)
		logger.Infof("cold library at %s", cfg.Storage.ColdDir)
		return store, store, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	store, err := storage.NewS3Store(client, storage.S3Config{
		Bucket:    cfg.Storage.Bucket,
		KeyPrefix: cfg.Storage.KeyPrefix,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return store, store, nil
}
