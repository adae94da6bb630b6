package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/devrev/pairdb/location-node/internal/central"
	"github.com/devrev/pairdb/location-node/internal/checkpoint"
	"github.com/devrev/pairdb/location-node/internal/cluster"
	"github.com/devrev/pairdb/location-node/internal/config"
	"github.com/devrev/pairdb/location-node/internal/content"
	"github.com/devrev/pairdb/location-node/internal/events"
	"github.com/devrev/pairdb/location-node/internal/globalstore"
	"github.com/devrev/pairdb/location-node/internal/gossip"
	"github.com/devrev/pairdb/location-node/internal/health"
	"github.com/devrev/pairdb/location-node/internal/index"
	"github.com/devrev/pairdb/location-node/internal/metrics"
	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/devrev/pairdb/location-node/internal/server"
	"github.com/devrev/pairdb/location-node/internal/service"
	"github.com/devrev/pairdb/location-node/internal/util/approxsort"
	"github.com/devrev/pairdb/location-node/internal/util/workerpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Location node failed", zap.Error(err))
	}
}

// run starts every component and blocks until ctx is cancelled
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("location", cfg.Server.Location),
		zap.String("events_backend", cfg.Events.Backend),
		zap.String("central_storage_backend", cfg.CentralStorage.Backend))

	for _, dir := range []string{cfg.Location.DataDir, cfg.Checkpoint.WorkDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	clock := clockwork.NewRealClock()
	location := model.MachineLocation(cfg.Server.Location)

	redisClient, err := globalstore.NewRedisClient(ctx, &redis.Options{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxRetries:   cfg.Redis.MaxRetries,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	if err != nil {
		return err
	}
	defer redisClient.Close()

	global := globalstore.NewRedisStore(redisClient, globalstore.Config{
		KeyPrefix:             cfg.Redis.KeyPrefix,
		RoleLeaseTTL:          cfg.Checkpoint.RoleLeaseTTL,
		InactiveMachineExpiry: cfg.Location.InactiveMachineExpiry,
		LocationEntryExpiry:   cfg.Location.LocationEntryExpiry,
	}, location, clock, logger.Named("global"))
	defer global.Close()

	db, err := index.Open(filepath.Join(cfg.Location.DataDir, "index"), logger.Named("index"))
	if err != nil {
		return err
	}
	defer db.Close()

	eventStore, eventFactory := newEvents(cfg, redisClient, db, clock, logger.Named("events"))
	defer eventStore.Close()

	storage, err := newCentralStorage(ctx, cfg, logger.Named("central"))
	if err != nil {
		return err
	}
	defer storage.Close()

	manager, err := checkpoint.NewManager(checkpoint.Config{
		Prefix:  cfg.Checkpoint.Prefix,
		WorkDir: cfg.Checkpoint.WorkDir,
	}, db, storage, global, clock, logger.Named("checkpoint"))
	if err != nil {
		return err
	}

	state := cluster.NewState(location, clock)
	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "location-store",
		MaxWorkers: max(4, cfg.Replication.Workers),
		QueueSize:  128,
		Logger:     logger.Named("pool"),
	})
	counters := metrics.NewCounters(location.String())

	deps := service.Dependencies{
		Cluster:      state,
		Index:        db,
		Events:       eventStore,
		EventFactory: eventFactory,
		Global:       global,
		Checkpoints:  manager,
		Counters:     counters,
		Pool:         pool,
		Clock:        clock,
	}
	var contentStore *content.DirectoryStore
	if cfg.Content.Directory != "" {
		contentStore, err = content.NewDirectoryStore(cfg.Content.Directory, logger.Named("content"))
		if err != nil {
			return err
		}
		contentStore.SetDiskGuard(content.NewDiskGuard(content.DiskGuardConfig{
			Dir:               cfg.Content.Directory,
			ThrottleThreshold: cfg.Content.ThrottleDiskPercent,
			RejectThreshold:   cfg.Content.RejectDiskPercent,
		}, clock, logger.Named("disk")))
		deps.Content = contentStore
		deps.Copier = content.NewHTTPCopier(contentStore, nil, logger.Named("copier"))
	}

	store, err := service.NewLocationStore(storeConfig(cfg), deps, logger.Named("store"))
	if err != nil {
		return err
	}
	if err := store.Startup(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := store.Shutdown(shutdownCtx); err != nil {
			logger.Error("Location store shutdown failed", zap.Error(err))
		}
		if err := pool.Stop(10 * time.Second); err != nil {
			logger.Warn("Worker pool did not drain", zap.Error(err))
		}
	}()

	grpcHealth := grpchealth.NewServer()
	grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		Location: location,
		DataDir:  cfg.Location.DataDir,
		OnReadinessChange: func(ready bool) {
			status := healthpb.HealthCheckResponse_NOT_SERVING
			if ready {
				status = healthpb.HealthCheckResponse_SERVING
			}
			grpcHealth.SetServingStatus("", status)
		},
	}, store, clock, logger.Named("health"))
	go checker.Start(ctx)

	adminDeps := server.AdminServerDeps{
		Store:    store,
		Gatherer: counters.Registry(),
		Probes:   checker,
	}
	if contentStore != nil {
		adminDeps.Content = contentStore
	}

	if cfg.Gossip.Enabled {
		gossipSvc := gossip.NewService(&gossip.Config{
			NodeName:        cfg.Server.NodeID,
			BindPort:        cfg.Gossip.BindPort,
			SeedNodes:       cfg.Gossip.SeedNodes,
			GossipInterval:  cfg.Gossip.GossipInterval,
			ProbeTimeout:    cfg.Gossip.ProbeTimeout,
			ProbeInterval:   cfg.Gossip.ProbeInterval,
			RefreshInterval: cfg.Checkpoint.HeartbeatInterval,
		}, state, checker.Status, logger.Named("gossip"))
		if err := gossipSvc.Start(); err != nil {
			logger.Error("Failed to start gossip, continuing without it", zap.Error(err))
		} else {
			defer gossipSvc.Shutdown()
			adminDeps.Peers = gossipSvc.Peers
		}
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	} else {
		adminDeps.Gatherer = nil
	}
	admin := server.NewAdminServer(&server.AdminServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		MetricsPath:  metricsPath,
	}, adminDeps, logger.Named("admin"))

	errCh := make(chan error, 2)
	go func() { errCh <- admin.Start() }()

	var grpcServer *grpc.Server
	if cfg.Server.GRPCPort > 0 {
		listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, grpcHealth)
		go func() { errCh <- grpcServer.Serve(listener) }()
	}

	logger.Info("Location node started",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int32("machine_id", int32(store.LocalMachineID())),
		zap.String("role", string(store.Role())))

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	logger.Info("Shutting down gracefully...")
	checker.SetReadiness(false)
	grpcHealth.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin server shutdown failed", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
		return serveErr
	}
	return nil
}

func newEvents(cfg *config.Config, client redis.UniversalClient, db *index.Database, clock clockwork.Clock, logger *zap.Logger) (events.Store, events.Factory) {
	handler := service.NewIndexEventHandler(db)
	if cfg.Events.Backend == "memory" {
		// single-process deployments only
		hub := events.NewMemoryHub(clock)
		return hub.NewStore(handler, logger), hub.Factory(logger)
	}
	redisCfg := events.RedisConfig{
		Stream:    cfg.Redis.KeyPrefix + ":" + cfg.Events.Stream,
		BatchSize: int64(cfg.Events.BatchSize),
		ReadBlock: cfg.Events.ReadBlock,
		MaxLen:    cfg.Events.MaxLen,
	}
	return events.NewRedisStore(client, redisCfg, handler, clock, logger), events.RedisFactory(client, redisCfg, logger)
}

func newCentralStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (central.Storage, error) {
	if cfg.CentralStorage.Backend == "postgres" {
		return central.NewPostgresStorage(ctx, cfg.Postgres.DSN(), cfg.Postgres.Table, logger)
	}
	return central.NewFileSystemStorage(cfg.CentralStorage.Directory, logger)
}

// storeConfig derives the location store configuration from the file config
func storeConfig(cfg *config.Config) service.LocationStoreConfig {
	markerFile := cfg.Reconcile.MarkerFile
	if markerFile == "" {
		markerFile = filepath.Join(cfg.Location.DataDir, "reconcile.marker")
	}
	return service.LocationStoreConfig{
		HeartbeatInterval:                       cfg.Checkpoint.HeartbeatInterval,
		CreateCheckpointInterval:                cfg.Checkpoint.CreateInterval,
		RestoreCheckpointInterval:               cfg.Checkpoint.RestoreInterval,
		RestoreCheckpointAgeThreshold:           cfg.Checkpoint.RestoreAgeThreshold,
		TouchFrequency:                          cfg.Location.TouchFrequency,
		RecentAddExpiry:                         cfg.Location.RecentAddExpiry,
		RecentRemoveExpiry:                      cfg.Location.RecentRemoveExpiry,
		SafeToLazilyUpdateMachineCountThreshold: cfg.Location.SafeToLazilyUpdateMachineCountThreshold,
		MachineStateRecomputeInterval:           cfg.Location.MachineStateRecomputeInterval,
		RecentInactiveMultiplier:                cfg.Location.RecentInactiveMultiplier,
		LocationEntryExpiry:                     cfg.Location.LocationEntryExpiry,
		GlobalBatchSize:                         cfg.Location.GlobalBatchSize,
		ReputationExpiry:                        cfg.Location.ReputationExpiry,
		Eviction: service.EvictionConfig{
			MinEvictionAge:  cfg.Eviction.MinEvictionAge,
			UseReplicaCount: cfg.Eviction.UseReplicaCount,
			UseSize:         cfg.Eviction.UseSize,
			DesiredReplicas: cfg.Eviction.DesiredReplicas,
			Sort: approxsort.Options{
				PoolSize:        cfg.Eviction.PoolSize,
				WindowSize:      cfg.Eviction.WindowSize,
				RemovalFraction: cfg.Eviction.RemovalFraction,
				DiscardFraction: cfg.Eviction.DiscardFraction,
			},
		},
		Reconcile: service.ReconcileConfig{
			Enabled:     cfg.Reconcile.Enabled,
			MaxDiffSize: cfg.Reconcile.MaxDiffSize,
			CycleDelay:  cfg.Reconcile.CycleDelay,
			MarkerFile:  markerFile,
		},
		Replication: service.ReplicationConfig{
			Enabled:           cfg.Replication.Enabled,
			Bins:              cfg.Replication.Bins,
			LocationsPerBin:   cfg.Replication.LocationsPerBin,
			DesiredReplicas:   cfg.Replication.DesiredReplicas,
			MaxCopiesPerCycle: cfg.Replication.MaxCopiesPerCycle,
			CopiesPerSecond:   cfg.Replication.CopiesPerSecond,
			Workers:           cfg.Replication.Workers,
		},
	}
}

// initLogger builds a production logger at the configured level
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format == "console" {
		zcfg.Encoding = "console"
	}
	return zcfg.Build()
}
