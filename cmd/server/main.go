package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignite/listing-import/internal/api"
	"github.com/ignite/listing-import/internal/config"
	"github.com/ignite/listing-import/internal/importer"
	"github.com/ignite/listing-import/internal/metrics"
	"github.com/ignite/listing-import/internal/pkg/distlock"
	"github.com/ignite/listing-import/internal/pkg/logger"
	"github.com/ignite/listing-import/internal/progress"
	"github.com/ignite/listing-import/internal/repository/memory"
	"github.com/ignite/listing-import/internal/repository/postgres"
	"github.com/ignite/listing-import/internal/storage"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

const sweepInterval = 5 * time.Minute

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use: %v", addr, err)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Lifetime())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func openRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetFormat(cfg.Logging.Format)
	logger.SetRedactPII(cfg.Logging.Redact())

	addr := cfg.Server.Addr()
	if err := checkPortAvailable(addr); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Repository
	var (
		db   *sql.DB
		repo importer.Repository
	)
	if cfg.Database.URL != "" {
		db, err = openDatabase(cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database at %s: %v", extractHost(cfg.Database.URL), err)
		}
		defer db.Close()
		repo = postgres.NewListingRepo(db)
		logger.Info("[Server] listing repository: postgres", "host", extractHost(cfg.Database.URL))
	} else {
		repo = memory.NewListingRepo()
		logger.Warn("[Server] DATABASE_URL not set, listings are kept in memory")
	}

	// Redis backs progress and the commit lock when configured.
	var (
		redisClient   *redis.Client
		progressStore progress.Store = progress.NewMemoryStore()
	)
	if cfg.Redis.Enabled() {
		redisClient, err = openRedis(cfg.Redis.URL)
		if err != nil {
			logger.Warn("[Server] redis unavailable, progress stays in process", "error", err)
		} else {
			defer redisClient.Close()
			progressStore = progress.NewRedisStore(redisClient, cfg.Redis.ProgressTTL())
			logger.Info("[Server] redis connected")
		}
	}
	locks := distlock.NewFactory(redisClient, db, cfg.Redis.LockTTL())

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	// Pipeline
	schema, err := cfg.Import.Schema()
	if err != nil {
		log.Fatalf("Invalid import schema: %v", err)
	}
	importerCfg, err := cfg.Import.ToImporterConfig()
	if err != nil {
		log.Fatalf("Invalid import config: %v", err)
	}
	pipeline := importer.New(repo, schema, importerCfg)

	m := metrics.New()
	pipeline.SetObserver(m)

	sessions := api.NewSessionManager(pipeline, store, cfg.Import.SessionTTL())
	sessions.SetGauge(m)
	go sessions.Run(ctx, sweepInterval)

	handlers := api.NewImportHandlers(api.HandlerDeps{
		Pipeline:         pipeline,
		Sessions:         sessions,
		Store:            store,
		Progress:         progressStore,
		Locks:            locks,
		MaxUploadBytes:   cfg.Server.MaxUploadBytes(),
		DefaultBatchSize: cfg.Import.DefaultBatchSize,
	})
	health := api.NewHealthChecker(db, redisClient, func(ctx context.Context) error {
		return storage.Probe(ctx, store)
	})

	server := api.NewServer(cfg.Server, api.RouteDeps{
		Imports:    handlers,
		Health:     health,
		Metrics:    m.Handler(),
		Instrument: m.Middleware,
	})

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("[Server] listening", "addr", addr, "storage", cfg.Storage.Type)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	logger.Info("[Server] shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("[Server] shutdown error", "error", err)
	}
	logger.Info("[Server] stopped")
}
