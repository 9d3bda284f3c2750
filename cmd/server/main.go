// Command server starts the StreamHub session coordinator.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"streamhub/internal/follow"
	"streamhub/internal/hub"
	"streamhub/internal/identity"
	"streamhub/internal/observability/logging"
	"streamhub/internal/observability/metrics"
	"streamhub/internal/server"
	"streamhub/internal/session"
	"streamhub/internal/storage"
	"streamhub/internal/transport"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	storageDriver := flag.String("storage-driver", "", "archive driver (json, sqlite, or postgres)")
	dataPath := flag.String("data", "", "path to JSON archive file")
	sqlitePath := flag.String("sqlite-path", "", "path to SQLite archive database")
	sqliteBusyTimeout := flag.Duration("sqlite-busy-timeout", 0, "SQLite busy timeout")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresConnectTimeout := flag.Duration("postgres-connect-timeout", 0, "timeout when establishing a Postgres connection")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	queueDriver := flag.String("queue-driver", "", "event queue driver (memory or redis)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the event queue")
	queueRedisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the event queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the event queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the event queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for archive events")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for archive events")
	queueRedisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the event queue")
	queueRedisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the event queue")
	queueRedisTLSCA := flag.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate for the event queue")
	queueRedisTLSCert := flag.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate for the event queue")
	queueRedisTLSKey := flag.String("queue-redis-tls-key", "", "path to Redis TLS client key for the event queue")
	queueRedisTLSServerName := flag.String("queue-redis-tls-server-name", "", "override Redis TLS server name for the event queue")
	queueRedisTLSSkipVerify := flag.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification for the event queue")
	bufferCapacity := flag.Int("frame-buffer", 0, "number of recent frames replayed to late joiners")
	sweepInterval := flag.Duration("sweep-interval", 0, "interval between stale session sweeps")
	sessionMaxAge := flag.Duration("session-max-age", 0, "age after which ended sessions are dropped from memory")
	archiveRetention := flag.Duration("archive-retention", 0, "age after which archived sessions are deleted (0 keeps forever)")
	heartbeatInterval := flag.Duration("heartbeat-interval", 0, "interval between WebSocket ping frames")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STREAMHUB_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STREAMHUB_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("STREAMHUB_ADDR"), ":8080")

	store, err := configureStorage(storageOptions{
		Driver:          firstNonEmpty(*storageDriver, os.Getenv("STREAMHUB_STORAGE_DRIVER"), "json"),
		DataPath:        firstNonEmpty(*dataPath, os.Getenv("STREAMHUB_DATA"), "data/archive.json"),
		SQLitePath:      firstNonEmpty(*sqlitePath, os.Getenv("STREAMHUB_SQLITE_PATH"), "data/archive.db"),
		SQLiteBusy:      resolveDuration(*sqliteBusyTimeout, "STREAMHUB_SQLITE_BUSY_TIMEOUT", 0),
		PostgresDSN:     firstNonEmpty(*postgresDSN, os.Getenv("STREAMHUB_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		MaxConns:        resolveInt(*postgresMaxConns, "STREAMHUB_POSTGRES_MAX_CONNS"),
		MinConns:        resolveInt(*postgresMinConns, "STREAMHUB_POSTGRES_MIN_CONNS"),
		MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "STREAMHUB_POSTGRES_MAX_CONN_LIFETIME", 0),
		MaxConnIdle:     resolveDuration(*postgresMaxConnIdle, "STREAMHUB_POSTGRES_MAX_CONN_IDLE", 0),
		ConnectTimeout:  resolveDuration(*postgresConnectTimeout, "STREAMHUB_POSTGRES_CONNECT_TIMEOUT", 0),
		AppName:         firstNonEmpty(*postgresAppName, os.Getenv("STREAMHUB_POSTGRES_APP_NAME")),
	})
	if err != nil {
		logger.Error("failed to open archive", "error", err)
		os.Exit(1)
	}

	queueCfg := hub.RedisQueueConfig{
		Addr:       firstNonEmpty(*queueRedisAddr, os.Getenv("STREAMHUB_QUEUE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("STREAMHUB_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*queueRedisUsername, os.Getenv("STREAMHUB_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*queueRedisPassword, os.Getenv("STREAMHUB_QUEUE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*queueRedisStream, os.Getenv("STREAMHUB_QUEUE_REDIS_STREAM")),
		Group:      firstNonEmpty(*queueRedisGroup, os.Getenv("STREAMHUB_QUEUE_REDIS_GROUP")),
		MasterName: firstNonEmpty(*queueRedisMasterName, os.Getenv("STREAMHUB_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*queueRedisPoolSize, "STREAMHUB_QUEUE_REDIS_POOL_SIZE"),
		TLS: hub.RedisTLSConfig{
			CAFile:             firstNonEmpty(*queueRedisTLSCA, os.Getenv("STREAMHUB_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*queueRedisTLSCert, os.Getenv("STREAMHUB_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*queueRedisTLSKey, os.Getenv("STREAMHUB_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*queueRedisTLSServerName, os.Getenv("STREAMHUB_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*queueRedisTLSSkipVerify, "STREAMHUB_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	queue, err := configureQueue(firstNonEmpty(*queueDriver, os.Getenv("STREAMHUB_QUEUE_DRIVER")), queueCfg, logger)
	if err != nil {
		logger.Error("failed to configure event queue", "error", err)
		os.Exit(1)
	}

	dispatcher := hub.NewDispatcher(logging.WithComponent(logger, "dispatcher"), recorder)
	coordinator := hub.NewCoordinator(hub.CoordinatorConfig{
		Identity:   identity.NewRegistry(),
		Follows:    follow.NewGraph(),
		Sessions:   session.NewRegistry(resolveInt(*bufferCapacity, "STREAMHUB_FRAME_BUFFER")),
		Dispatcher: dispatcher,
		Queue:      queue,
		Logger:     logging.WithComponent(logger, "hub"),
		Metrics:    recorder,
	})

	if err := restoreFromArchive(coordinator, store); err != nil {
		logger.Warn("archive restore failed", "error", err)
	}

	wsHandler := transport.NewHandler(transport.HandlerConfig{
		Coordinator:       coordinator,
		Logger:            logging.WithComponent(logger, "transport"),
		HeartbeatInterval: resolveDuration(*heartbeatInterval, "STREAMHUB_HEARTBEAT_INTERVAL", 30*time.Second),
	})

	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("STREAMHUB_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("STREAMHUB_TLS_KEY")),
	}
	srv, err := server.New(server.NewHandler(coordinator, store, logger), wsHandler, server.Config{
		Addr:    listenAddr,
		TLS:     tlsCfg,
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		storage.NewArchiveWorker(store, queue, logging.WithComponent(logger, "archive-worker")).Run(groupCtx)
		return nil
	})

	sweepEvery := resolveDuration(*sweepInterval, "STREAMHUB_SWEEP_INTERVAL", 15*time.Minute)
	maxAge := resolveDuration(*sessionMaxAge, "STREAMHUB_SESSION_MAX_AGE", time.Hour)
	retention := resolveDuration(*archiveRetention, "STREAMHUB_ARCHIVE_RETENTION", 0)
	group.Go(func() error {
		runSweeper(groupCtx, logging.WithComponent(logger, "sweeper"), coordinator, store, sweepEvery, maxAge, retention)
		return nil
	})

	group.Go(func() error {
		logger.Info("StreamHub listening", "addr", listenAddr)
		if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
			logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
		}
		return srv.Run(groupCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server error", "error", err)
	}

	if err := store.Close(); err != nil {
		logger.Warn("failed to close archive", "error", err)
	}

	logger.Info("server stopped")
}

type storageOptions struct {
	Driver          string
	DataPath        string
	SQLitePath      string
	SQLiteBusy      time.Duration
	PostgresDSN     string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	ConnectTimeout  time.Duration
	AppName         string
}

func configureStorage(opts storageOptions) (storage.Repository, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "json":
		return storage.NewJSONRepository(opts.DataPath)
	case "sqlite":
		return storage.NewSQLiteRepository(storage.SQLiteConfig{
			Path:        opts.SQLitePath,
			BusyTimeout: opts.SQLiteBusy,
		})
	case "postgres":
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		return storage.NewPostgresRepository(context.Background(), storage.PostgresConfig{
			DSN:             opts.PostgresDSN,
			MaxConnections:  int32(opts.MaxConns),
			MinConnections:  int32(opts.MinConns),
			MaxConnLifetime: opts.MaxConnLifetime,
			MaxConnIdleTime: opts.MaxConnIdle,
			ConnectTimeout:  opts.ConnectTimeout,
			ApplicationName: opts.AppName,
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", opts.Driver)
	}
}

func configureQueue(driver string, cfg hub.RedisQueueConfig, logger *slog.Logger) (hub.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the event queue")
		}
		cfg.Logger = logging.WithComponent(logger, "event-queue")
		return hub.NewRedisQueue(cfg)
	case "", "memory":
		return hub.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", driver)
	}
}

func restoreFromArchive(coordinator *hub.Coordinator, store storage.Repository) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	users, err := store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	follows, err := store.ListFollows(ctx)
	if err != nil {
		return fmt.Errorf("list follows: %w", err)
	}
	edges := make([]follow.Edge, 0, len(follows))
	for _, f := range follows {
		edges = append(edges, follow.Edge{
			Follower:  f.FollowerID,
			Followee:  f.FolloweeID,
			CreatedAt: f.CreatedAt,
		})
	}
	coordinator.Restore(users, edges)
	return nil
}

func runSweeper(ctx context.Context, logger *slog.Logger, coordinator *hub.Coordinator, store storage.Repository, interval, maxAge, retention time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := coordinator.SweepStale(maxAge); dropped > 0 {
				logger.Info("dropped stale sessions", "count", dropped)
			}
			if retention > 0 && store != nil {
				cutoff := time.Now().UTC().Add(-retention)
				deleteCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				removed, err := store.DeleteSessionsBefore(deleteCtx, cutoff)
				cancel()
				if err != nil {
					logger.Warn("archive retention sweep failed", "error", err)
				} else if removed > 0 {
					logger.Info("deleted expired archive sessions", "count", removed)
				}
			}
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
