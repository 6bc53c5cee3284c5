// Command server starts the vidgate ingest control plane HTTP service.
package main

import (
	"context"
	"flag"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"vidgate/internal/api"
	"vidgate/internal/bus"
	"vidgate/internal/fanout"
	"vidgate/internal/lifecycle"
	"vidgate/internal/objectstore"
	"vidgate/internal/observability/logging"
	"vidgate/internal/observability/metrics"
	"vidgate/internal/queue"
	"vidgate/internal/redisconn"
	"vidgate/internal/server"
	"vidgate/internal/serverutil"
	"vidgate/internal/storage"
	"vidgate/internal/upload"

	"github.com/redis/go-redis/v9"
)

func main() {
	addr := flag.String("addr", "", "listen address (host:port)")
	mode := flag.String("mode", "", "server mode (development or production)")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate")
	tlsKey := flag.String("tls-key", "", "path to TLS private key")

	storageDriver := flag.String("storage-driver", "", "metadata store driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "PostgreSQL connection string for the metadata store")

	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	objectPublicEndpoint := flag.String("object-public-endpoint", "", "public endpoint used in presigned and playback URLs")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	objectTimeout := flag.Duration("object-request-timeout", 0, "timeout for object storage requests")

	redisAddr := flag.String("redis-addr", "", "Redis address for the transcode queue and status bus")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisMasterName := flag.String("redis-master-name", "", "Redis sentinel master name")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS certificate verification")

	queueDriver := flag.String("queue-driver", "", "transcode queue driver (memory or redis)")
	queueStream := flag.String("queue-stream", "", "Redis stream key for transcode jobs")
	queueGroup := flag.String("queue-group", "", "Redis consumer group for transcode jobs")
	queueMaxAttempts := flag.Int("queue-max-attempts", 0, "delivery attempts before a job is dead-lettered")
	queueBackoffBase := flag.Duration("queue-backoff-base", 0, "base delay for exponential retry backoff")

	busDriver := flag.String("bus-driver", "", "status bus driver (memory or redis)")
	busStream := flag.String("bus-stream", "", "Redis stream key for status events")
	busGroup := flag.String("bus-group", "", "Redis consumer group for status events")
	busBuffer := flag.Int("bus-buffer", 0, "buffered events per subscription")

	maxFileSize := flag.Int64("max-file-size", 0, "maximum accepted file size in bytes")
	multipartThreshold := flag.Int64("multipart-threshold", 0, "size in bytes above which uploads go multipart")
	partSize := flag.Int64("part-size", 0, "multipart chunk size in bytes")
	maxParts := flag.Int("max-parts", 0, "maximum multipart part count")
	presignTTL := flag.Duration("presign-ttl", 0, "lifetime of presigned upload URLs")
	validationParallelism := flag.Int("validation-parallelism", 0, "concurrent part checksum verifications")
	validationWall := flag.Duration("validation-wall", 0, "wall clock budget for checksum validation")

	collectorCadence := flag.Duration("collector-cadence", 0, "interval between abandoned upload sweeps")
	abandonedTTL := flag.Duration("abandoned-ttl", 0, "age after which an incomplete upload is reclaimed")
	dispatchInterval := flag.Duration("dispatch-interval", 0, "outbox polling interval")
	dispatchBatch := flag.Int("dispatch-batch", 0, "outbox rows claimed per poll")
	wsQueueDepth := flag.Int("ws-queue-depth", 0, "buffered events per websocket subscriber")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit (0 disables)")
	globalBurst := flag.Int("rate-global-burst", 0, "global request burst allowance")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("VIDGATE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("VIDGATE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("VIDGATE_MODE"))
	listenAddr := firstNonEmpty(*addr, os.Getenv("VIDGATE_ADDR"), ":8080")

	ctx := context.Background()

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("VIDGATE_POSTGRES_DSN"))
	driver := resolveStorageDriver(firstNonEmpty(*storageDriver, os.Getenv("VIDGATE_STORAGE_DRIVER")), dsn)
	if serverMode == "production" && driver != "postgres" {
		logger.Error("production mode requires the postgres storage driver", "driver", driver)
		os.Exit(1)
	}

	var store storage.Store
	switch driver {
	case "memory":
		store = storage.NewMemory()
	case "postgres":
		if dsn == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		pg, err := storage.NewPostgres(ctx, dsn)
		if err != nil {
			logger.Error("failed to open metadata store", "error", err)
			os.Exit(1)
		}
		store = pg
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}

	objects, err := objectstore.New(objectstore.Config{
		Endpoint:       firstNonEmpty(*objectEndpoint, os.Getenv("VIDGATE_OBJECT_ENDPOINT")),
		PublicEndpoint: firstNonEmpty(*objectPublicEndpoint, os.Getenv("VIDGATE_OBJECT_PUBLIC_ENDPOINT")),
		Region:         firstNonEmpty(*objectRegion, os.Getenv("VIDGATE_OBJECT_REGION")),
		Bucket:         firstNonEmpty(*objectBucket, os.Getenv("VIDGATE_OBJECT_BUCKET")),
		AccessKey:      firstNonEmpty(*objectAccessKey, os.Getenv("VIDGATE_OBJECT_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(*objectSecretKey, os.Getenv("VIDGATE_OBJECT_SECRET_KEY")),
		UseSSL:         resolveBool(*objectUseSSL, "VIDGATE_OBJECT_USE_SSL", logger),
		RequestTimeout: resolveDuration(*objectTimeout, "VIDGATE_OBJECT_REQUEST_TIMEOUT", 0, logger),
	})
	if err != nil {
		logger.Error("failed to configure object storage", "error", err)
		os.Exit(1)
	}

	redisCfg := redisconn.Config{
		Addr:       firstNonEmpty(*redisAddr, os.Getenv("VIDGATE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("VIDGATE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*redisUsername, os.Getenv("VIDGATE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPassword, os.Getenv("VIDGATE_REDIS_PASSWORD")),
		MasterName: firstNonEmpty(*redisMasterName, os.Getenv("VIDGATE_REDIS_MASTER_NAME")),
		PoolSize:   resolveInt(*redisPoolSize, "VIDGATE_REDIS_POOL_SIZE", logger),
		TLS: redisconn.TLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("VIDGATE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("VIDGATE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("VIDGATE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("VIDGATE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "VIDGATE_REDIS_TLS_SKIP_VERIFY", logger),
		},
	}
	redisConfigured := redisCfg.Addr != "" || len(redisCfg.Addrs) > 0

	queueDriverValue := resolveTransportDriver(firstNonEmpty(*queueDriver, os.Getenv("VIDGATE_QUEUE_DRIVER")), redisConfigured)
	busDriverValue := resolveTransportDriver(firstNonEmpty(*busDriver, os.Getenv("VIDGATE_BUS_DRIVER")), redisConfigured)

	var redisClient redis.UniversalClient
	if queueDriverValue == "redis" || busDriverValue == "redis" {
		redisClient, err = redisconn.NewClient(redisCfg)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
	}

	maxAttempts := resolveInt(*queueMaxAttempts, "VIDGATE_QUEUE_ATTEMPTS", logger)
	if maxAttempts <= 0 {
		maxAttempts = 1
		if serverMode == "production" {
			maxAttempts = 3
		}
	}
	backoffBase := resolveDuration(*queueBackoffBase, "VIDGATE_QUEUE_BACKOFF_BASE", 5*time.Second, logger)

	var producer queue.Producer
	switch queueDriverValue {
	case "memory":
		if serverMode == "production" {
			logger.Warn("using in-memory transcode queue in production mode")
		}
		producer = queue.NewMemory(maxAttempts, backoffBase)
	case "redis":
		producer, err = queue.NewRedis(queue.RedisConfig{
			Client:      redisClient,
			Stream:      firstNonEmpty(*queueStream, os.Getenv("VIDGATE_QUEUE_STREAM")),
			Group:       firstNonEmpty(*queueGroup, os.Getenv("VIDGATE_QUEUE_GROUP")),
			MaxAttempts: maxAttempts,
			BackoffBase: backoffBase,
			Logger:      logging.WithComponent(logger, "queue"),
		})
		if err != nil {
			logger.Error("failed to configure transcode queue", "error", err)
			os.Exit(1)
		}
	default:
		logger.Error("unsupported queue driver", "driver", queueDriverValue)
		os.Exit(1)
	}

	busBufferValue := resolveInt(*busBuffer, "VIDGATE_BUS_BUFFER", logger)
	var statusBus bus.Bus
	switch busDriverValue {
	case "memory":
		statusBus = bus.NewMemory(busBufferValue)
	case "redis":
		statusBus, err = bus.NewRedis(bus.RedisConfig{
			Client: redisClient,
			Stream: firstNonEmpty(*busStream, os.Getenv("VIDGATE_BUS_STREAM")),
			Group:  firstNonEmpty(*busGroup, os.Getenv("VIDGATE_BUS_GROUP")),
			Buffer: busBufferValue,
			Logger: logging.WithComponent(logger, "bus"),
		})
		if err != nil {
			logger.Error("failed to configure status bus", "error", err)
			os.Exit(1)
		}
	default:
		logger.Error("unsupported bus driver", "driver", busDriverValue)
		os.Exit(1)
	}

	uploads, err := upload.NewManager(upload.Config{
		Store:                 store,
		Objects:               objects,
		Bus:                   statusBus,
		Logger:                logging.WithComponent(logger, "uploads"),
		Metrics:               recorder,
		MaxFileSize:           resolveInt64(*maxFileSize, "VIDGATE_MAX_FILE_SIZE", logger),
		MultipartThreshold:    resolveInt64(*multipartThreshold, "VIDGATE_MULTIPART_THRESHOLD", logger),
		PartSize:              resolveInt64(*partSize, "VIDGATE_MULTIPART_CHUNK_BYTES", logger),
		MaxParts:              resolveInt(*maxParts, "VIDGATE_MAX_MULTIPART_PARTS", logger),
		PresignTTL:            resolveDuration(*presignTTL, "VIDGATE_PRESIGN_TTL", 0, logger),
		ValidationParallelism: resolveInt(*validationParallelism, "VIDGATE_VALIDATION_PARALLELISM", logger),
		ValidationWall:        resolveDuration(*validationWall, "VIDGATE_VALIDATION_WALL", 0, logger),
	})
	if err != nil {
		logger.Error("failed to configure upload manager", "error", err)
		os.Exit(1)
	}

	controller, err := lifecycle.NewController(lifecycle.ControllerConfig{
		Store:   store,
		Objects: objects,
		Logger:  logging.WithComponent(logger, "lifecycle"),
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to configure lifecycle controller", "error", err)
		os.Exit(1)
	}

	dispatcher, err := lifecycle.NewDispatcher(lifecycle.DispatcherConfig{
		Store:    store,
		Producer: producer,
		Logger:   logging.WithComponent(logger, "dispatcher"),
		Metrics:  recorder,
		Interval: resolveDuration(*dispatchInterval, "VIDGATE_DISPATCH_INTERVAL", 0, logger),
		Batch:    resolveInt(*dispatchBatch, "VIDGATE_DISPATCH_BATCH", logger),
	})
	if err != nil {
		logger.Error("failed to configure outbox dispatcher", "error", err)
		os.Exit(1)
	}

	reconciler, err := lifecycle.NewReconciler(lifecycle.ReconcilerConfig{
		Store:   store,
		Bus:     statusBus,
		Objects: objects,
		Logger:  logging.WithComponent(logger, "reconciler"),
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to configure status reconciler", "error", err)
		os.Exit(1)
	}

	collector, err := lifecycle.NewCollector(lifecycle.CollectorConfig{
		Store:      store,
		Objects:    objects,
		Controller: controller,
		Logger:     logging.WithComponent(logger, "collector"),
		Metrics:    recorder,
		Cadence:    resolveDuration(*collectorCadence, "VIDGATE_COLLECTOR_CADENCE", 0, logger),
		TTL:        resolveDuration(*abandonedTTL, "VIDGATE_ABANDONED_TTL", 0, logger),
	})
	if err != nil {
		logger.Error("failed to configure abandoned upload collector", "error", err)
		os.Exit(1)
	}

	hub := fanout.NewHub(fanout.HubConfig{
		Bus:        statusBus,
		Logger:     logging.WithComponent(logger, "fanout"),
		Metrics:    recorder,
		QueueDepth: resolveInt(*wsQueueDepth, "VIDGATE_SUBSCRIBER_QUEUE_DEPTH", logger),
	})

	handler := api.NewHandler(uploads, controller, store, objects, logger)

	srv, err := server.New(handler, hub, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("VIDGATE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("VIDGATE_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:   resolveFloat(*globalRPS, "VIDGATE_RATE_GLOBAL_RPS", logger),
			GlobalBurst: resolveInt(*globalBurst, "VIDGATE_RATE_GLOBAL_BURST", logger),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	go dispatcher.Run(workerCtx)
	go reconciler.Run(workerCtx)
	go collector.Run(workerCtx)
	go hub.Run(workerCtx)

	logger.Info("vidgate API listening",
		"addr", listenAddr,
		"mode", serverMode,
		"storage_driver", driver,
		"queue_driver", queueDriverValue,
		"bus_driver", busDriverValue)

	runErr := serverutil.Run(ctx, serverutil.Config{
		Runner:  srv,
		Logger:  logger,
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	})

	workerCancel()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if closer, ok := producer.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close transcode queue", "error", err)
		}
	}
	if err := store.Close(closeCtx); err != nil {
		logger.Warn("failed to close metadata store", "error", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed to close redis client", "error", err)
		}
	}

	if runErr != nil {
		logger.Error("server error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func modeValue(flagValue, envValue string) string {
	mode := strings.ToLower(firstNonEmpty(flagValue, envValue))
	if mode == "" {
		return "development"
	}
	return mode
}

func resolveStorageDriver(explicit, dsn string) string {
	driver := strings.ToLower(explicit)
	if driver != "" {
		return driver
	}
	if dsn != "" {
		return "postgres"
	}
	return "memory"
}

func resolveTransportDriver(explicit string, redisConfigured bool) string {
	driver := strings.ToLower(explicit)
	if driver != "" {
		return driver
	}
	if redisConfigured {
		return "redis"
	}
	return "memory"
}

type envLogger interface {
	Warn(msg string, args ...any)
}

func resolveBool(flagValue bool, envName string, logger envLogger) bool {
	env, ok := os.LookupEnv(envName)
	if !ok {
		return flagValue
	}
	value, err := strconv.ParseBool(strings.TrimSpace(env))
	if err != nil {
		logger.Warn("invalid boolean environment value", "name", envName, "value", env, "error", err)
		return flagValue
	}
	return value
}

func resolveInt(flagValue int, envName string, logger envLogger) int {
	if flagValue != 0 {
		return flagValue
	}
	env := strings.TrimSpace(os.Getenv(envName))
	if env == "" {
		return flagValue
	}
	value, err := strconv.Atoi(env)
	if err != nil {
		logger.Warn("invalid integer environment value", "name", envName, "value", env, "error", err)
		return flagValue
	}
	return value
}

func resolveInt64(flagValue int64, envName string, logger envLogger) int64 {
	if flagValue != 0 {
		return flagValue
	}
	env := strings.TrimSpace(os.Getenv(envName))
	if env == "" {
		return flagValue
	}
	value, err := strconv.ParseInt(env, 10, 64)
	if err != nil {
		logger.Warn("invalid integer environment value", "name", envName, "value", env, "error", err)
		return flagValue
	}
	return value
}

func resolveFloat(flagValue float64, envName string, logger envLogger) float64 {
	if flagValue != 0 {
		return flagValue
	}
	env := strings.TrimSpace(os.Getenv(envName))
	if env == "" {
		return flagValue
	}
	value, err := strconv.ParseFloat(env, 64)
	if err != nil {
		logger.Warn("invalid float environment value", "name", envName, "value", env, "error", err)
		return flagValue
	}
	return value
}

func resolveDuration(flagValue time.Duration, envName string, fallback time.Duration, logger envLogger) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	env := strings.TrimSpace(os.Getenv(envName))
	if env == "" {
		return fallback
	}
	value, err := time.ParseDuration(env)
	if err != nil {
		logger.Warn("invalid duration environment value", "name", envName, "value", env, "error", err)
		return fallback
	}
	return value
}
