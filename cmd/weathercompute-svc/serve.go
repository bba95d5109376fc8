package main

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/redis/go-redis/v9"

	"weathercompute/internal/catalog"
	catalogmigrations "weathercompute/internal/catalog/migrations"
	"weathercompute/internal/httpapi"
	"weathercompute/internal/observability"
	"weathercompute/internal/service/streamline"
	"weathercompute/internal/service/vector"
	"weathercompute/internal/service/volume"
	"weathercompute/internal/workerpool"
	"weathercompute/pkg/audit"
	"weathercompute/pkg/cache"
	"weathercompute/pkg/config"
	"weathercompute/pkg/database"
	"weathercompute/pkg/dataset"
	"weathercompute/pkg/logger"
	"weathercompute/pkg/metrics"
	"weathercompute/pkg/model"
	"weathercompute/pkg/ratelimit"
	"weathercompute/pkg/server"
)

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	if cfg.Metrics.Enabled {
		m := metrics.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
		m.SetServiceInfo(cfg.App.Version, cfg.App.Environment)
	}

	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to catalog database: %w", err)
	}
	defer db.Close()

	if err := database.RunMigrations(ctx, db.Pool(), &cfg.Database, catalogmigrations.FS, "."); err != nil {
		return fmt.Errorf("run catalog migrations: %w", err)
	}

	resolver := catalog.NewAssetResolver(db, catalog.DataRoots{
		model.DataRootECMWF:        cfg.DataRoots.ECMWF,
		model.DataRootCLDAS:        cfg.DataRoots.CLDAS,
		model.DataRootTownForecast: cfg.DataRoots.TownForecast,
	})

	cacheBytes, cacheReady, closeCache, err := buildCacheBytes(cfg.Cache)
	if err != nil {
		return fmt.Errorf("build cache: %w", err)
	}
	defer closeCache()

	pool := workerpool.New(runtime.NumCPU())
	defer pool.Stop()

	source := dataset.Source{}

	vectorSvc := vector.New(resolver, source, cacheBytes, cfg.Vector.MaxPoints, pool)
	streamlineSvc := streamline.New(resolver, source, cacheBytes, cfg.Streamline.MaxSeeds, pool)
	// Cloud-density volume packs are assembled from a dedicated layer
	// directory under the CLDAS root rather than a catalog lookup, since
	// VolumePackService walks per-level slice files directly (spec §4.6).
	layerRoot := filepath.Join(cfg.DataRoots.CLDAS, "cloud_density")
	volumeSvc := volume.New(layerRoot, source, cacheBytes, cfg.Volume.MaxOutputBytes, cfg.Volume.MaxOutputBytes, pool)

	auditLogger, err := audit.New(&audit.Config{
		Enabled:         cfg.Audit.Enabled,
		Backend:         cfg.Audit.Backend,
		FilePath:        cfg.Audit.FilePath,
		BufferSize:      cfg.Audit.BufferSize,
		FlushPeriod:     cfg.Audit.FlushPeriod,
		ExcludeMethods:  cfg.Audit.ExcludeMethods,
		IncludeRequest:  cfg.Audit.IncludeRequest,
		IncludeResponse: cfg.Audit.IncludeResponse,
	})
	if err != nil {
		return fmt.Errorf("build audit logger: %w", err)
	}
	audit.SetGlobal(auditLogger)
	defer auditLogger.Close()

	rateLimiter, err := ratelimit.New(&ratelimit.Config{
		Requests:        cfg.RateLimit.Requests,
		Window:          cfg.RateLimit.Window,
		Strategy:        cfg.RateLimit.Strategy,
		Backend:         cfg.RateLimit.Backend,
		BurstSize:       cfg.RateLimit.BurstSize,
		CleanupInterval: cfg.RateLimit.CleanupInterval,
		RedisAddr:       cfg.RateLimit.RedisAddr,
	})
	if err != nil {
		return fmt.Errorf("build rate limiter: %w", err)
	}

	hooks := observability.New(auditLogger)

	router := httpapi.NewRouter(httpapi.Deps{
		Vector:        vectorSvc,
		Streamline:    streamlineSvc,
		Volume:        volumeSvc,
		Observability: hooks,
		RateLimiter:   rateLimiter,
		Editor:        cfg.Editor,
		VolumeLimits:  cfg.Volume,
		DB:            db,
		CacheReady:    cacheReady,
	})

	srv := server.NewWithOptions(cfg, router, &server.ServerOptions{
		RateLimiter: rateLimiter,
		AuditLogger: auditLogger,
	})
	return srv.Run()
}

// buildCacheBytes wires CacheBytes to Redis when configured, falling back
// to the per-process FileStore otherwise, per spec §9's "Redis-absent file
// cache" scenario.
func buildCacheBytes(cfg config.CacheConfig) (*cache.CacheBytes, func() error, func(), error) {
	bytesCfg := cache.Config{
		FreshTTL:     cfg.FreshTTL,
		StaleTTL:     cfg.StaleTTL,
		LockTTL:      cfg.LockTTL,
		WaitTimeout:  cfg.WaitTimeout,
		PollInterval: cfg.PollInterval,
		CooldownMin:  cfg.CooldownMin,
		CooldownMax:  cfg.CooldownMax,
	}

	if cfg.Enabled && cfg.Driver == cache.BackendRedis {
		store, err := cache.NewRedisCache(&cache.Options{
			RedisAddr:     cfg.Address(),
			RedisPassword: cfg.Password,
			RedisDB:       cfg.DB,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to redis cache: %w", err)
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Address(),
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		locker := cache.NewRedisLocker(client)
		cb := cache.NewRedisCacheBytes(store, locker, bytesCfg)
		ready := func() error { return client.Ping(context.Background()).Err() }
		closeFn := func() { _ = client.Close() }
		return cb, ready, closeFn, nil
	}

	dir := cfg.FileCacheDir
	if dir == "" {
		dir = "./data/cache"
	}
	store, err := cache.NewFileStore(dir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open file cache store: %w", err)
	}
	cb := cache.NewFileCacheBytes(store, bytesCfg)
	ready := func() error { return nil }
	closeFn := func() {}
	return cb, ready, closeFn, nil
}
