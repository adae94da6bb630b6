package service

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/location-node/internal/cluster"
	lerrors "github.com/devrev/pairdb/location-node/internal/errors"
	"github.com/devrev/pairdb/location-node/internal/events"
	"github.com/devrev/pairdb/location-node/internal/globalstore"
	"github.com/devrev/pairdb/location-node/internal/index"
	"github.com/devrev/pairdb/location-node/internal/content"
	"github.com/devrev/pairdb/location-node/internal/metrics"
	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/devrev/pairdb/location-node/internal/util/approxsort"
	"github.com/devrev/pairdb/location-node/internal/util/volatile"
	"github.com/devrev/pairdb/location-node/internal/util/workerpool"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// binManagerKey names the index entry holding the serialized bin manager
const binManagerKey = "ClusterState.BinManager"

// shutdownCallTimeout bounds the global store calls made while shutting down
const shutdownCallTimeout = 10 * time.Second

// LocalIndex is the part of the location index the store depends on
type LocalIndex interface {
	TryGetEntry(hash model.ShortHash) (model.ContentLocationEntry, bool, error)
	LocationAdded(machine model.MachineID, hashes []model.ShortHashWithSize, ts time.Time) error
	LocationRemoved(machine model.MachineID, hashes []model.ShortHash) error
	Touched(hashes []model.ShortHash, ts time.Time) error
	UpdateClusterState(state *cluster.State, write bool) error
	SetGlobalEntry(name string, value []byte) error
	TryGetGlobalEntry(name string) ([]byte, bool, error)
	EnumerateEntries(after *model.ShortHash) iter.Seq2[index.Entry, error]
	EnumerateSortedHashesWithSize(machine model.MachineID, after *model.ShortHash) iter.Seq2[model.ShortHashWithSize, error]
	SetInvalidationHandler(handler index.InvalidationHandler)
}

// CheckpointManager snapshots and restores the local index
type CheckpointManager interface {
	CreateCheckpoint(ctx context.Context, seq model.EventSequencePoint) (model.CheckpointInfo, error)
	RestoreCheckpoint(ctx context.Context, state model.CheckpointState) error
	Prefix() string
}

// EvictionConfig controls eviction candidate ordering
type EvictionConfig struct {
	MinEvictionAge  time.Duration
	UseReplicaCount bool
	UseSize         bool
	DesiredReplicas int
	Sort            approxsort.Options
}

// ReconcileConfig controls reconciliation
type ReconcileConfig struct {
	Enabled     bool
	MaxDiffSize int
	CycleDelay  time.Duration
	MarkerFile  string
}

// ReplicationConfig controls proactive replication
type ReplicationConfig struct {
	Enabled           bool
	Bins              int
	LocationsPerBin   int
	DesiredReplicas   int
	MaxCopiesPerCycle int
	CopiesPerSecond   float64
	Workers           int
}

// LocationStoreConfig holds location store configuration
type LocationStoreConfig struct {
	HeartbeatInterval             time.Duration
	CreateCheckpointInterval      time.Duration
	RestoreCheckpointInterval     time.Duration
	RestoreCheckpointAgeThreshold time.Duration

	TouchFrequency                          time.Duration
	RecentAddExpiry                         time.Duration
	RecentRemoveExpiry                      time.Duration
	SafeToLazilyUpdateMachineCountThreshold int
	MachineStateRecomputeInterval           time.Duration
	RecentInactiveMultiplier                int
	LocationEntryExpiry                     time.Duration
	GlobalBatchSize                         int
	ReputationExpiry                        time.Duration

	Eviction    EvictionConfig
	Reconcile   ReconcileConfig
	Replication ReplicationConfig
}

// DefaultLocationStoreConfig returns the defaults used when a field is unset
func DefaultLocationStoreConfig() LocationStoreConfig {
	return LocationStoreConfig{
		HeartbeatInterval:                       time.Minute,
		CreateCheckpointInterval:                10 * time.Minute,
		RestoreCheckpointInterval:               10 * time.Minute,
		RestoreCheckpointAgeThreshold:           0,
		TouchFrequency:                          10 * time.Minute,
		RecentAddExpiry:                         time.Minute,
		RecentRemoveExpiry:                      time.Minute,
		SafeToLazilyUpdateMachineCountThreshold: 3,
		MachineStateRecomputeInterval:           5 * time.Minute,
		RecentInactiveMultiplier:                5,
		LocationEntryExpiry:                     2 * time.Hour,
		GlobalBatchSize:                         500,
		ReputationExpiry:                        5 * time.Minute,
		Eviction: EvictionConfig{
			MinEvictionAge:  30 * time.Minute,
			UseReplicaCount: true,
			DesiredReplicas: 3,
			Sort:            approxsort.DefaultOptions(),
		},
		Reconcile: ReconcileConfig{
			Enabled:     true,
			MaxDiffSize: 10000,
			CycleDelay:  time.Second,
		},
		Replication: ReplicationConfig{
			Bins:              1024,
			LocationsPerBin:   3,
			DesiredReplicas:   3,
			MaxCopiesPerCycle: 100,
			CopiesPerSecond:   10,
			Workers:           4,
		},
	}
}

// Dependencies are the collaborators of a LocationStore
type Dependencies struct {
	Cluster      *cluster.State
	Index        LocalIndex
	Events       events.Store
	EventFactory events.Factory
	Global       globalstore.Store
	Checkpoints  CheckpointManager

	// Content and Copier are optional
	Content content.Store
	Copier  content.Copier

	Counters *metrics.Counters
	Pool     *workerpool.WorkerPool
	Clock    clockwork.Clock
}

// roleState is swapped atomically as a whole; it is only produced by the
// heartbeat
type roleState struct {
	role               model.Role
	lastCheckpointTime time.Time
	lastRestoreTime    time.Time
	restoreAttempted   bool
}

// LocationStore coordinates content locations for one machine: role
// arbitration, checkpoints, registration, bulk lookups, eviction ordering
// and reconciliation.
type LocationStore struct {
	cfg    LocationStoreConfig
	logger *zap.Logger
	clock  clockwork.Clock

	cluster      *cluster.State
	index        LocalIndex
	events       events.Store
	eventFactory events.Factory
	global       globalstore.Store
	checkpoints  CheckpointManager
	content      content.Store
	copier       content.Copier
	counters     *metrics.Counters
	pool         *workerpool.WorkerPool
	ownsPool     bool
	reputation   *cluster.ReputationTracker
	copyLimiter  *rate.Limiter

	recentlyAdded   *volatile.Set[model.ShortHash]
	recentlyRemoved *volatile.Set[model.ShortHash]
	recentlyTouched *volatile.Set[model.ShortHash]

	role          atomic.Pointer[roleState]
	// one slot; holding it means a heartbeat is running
	heartbeatGate chan struct{}

	restoreMu      sync.Mutex
	lastRestoredID string

	invalidationGate   atomic.Bool
	reconcileTriggered atomic.Bool

	tasksMu          sync.Mutex
	pendingHeartbeat *workerpool.Handle
	replication      *workerpool.Handle
	reconciliation   *workerpool.Handle
	refresh          *workerpool.Handle

	started     atomic.Bool
	initialized atomic.Bool
	initOnce    sync.Once
	initCh      chan struct{}

	shutdownOnce sync.Once
	stopCh       chan struct{}
	supervisorWG sync.WaitGroup
	cancel       context.CancelFunc

	// taskCtx is cancelled by Shutdown; background tasks run under it even
	// on a pool shared with other owners
	taskCtx    context.Context
	cancelTask context.CancelFunc
}

// NewLocationStore validates the configuration and wires the collaborators.
// Missing required collaborators fail fast.
func NewLocationStore(cfg LocationStoreConfig, deps Dependencies, logger *zap.Logger) (*LocationStore, error) {
	switch {
	case deps.Cluster == nil:
		return nil, lerrors.InvalidConfiguration("cluster", "is required")
	case deps.Index == nil:
		return nil, lerrors.InvalidConfiguration("index", "is required")
	case deps.Events == nil:
		return nil, lerrors.InvalidConfiguration("events", "is required")
	case deps.Global == nil:
		return nil, lerrors.InvalidConfiguration("global", "is required")
	case deps.Checkpoints == nil:
		return nil, lerrors.InvalidConfiguration("checkpoints", "is required")
	case cfg.HeartbeatInterval <= 0:
		return nil, lerrors.InvalidConfiguration("heartbeat_interval", "must be positive")
	case cfg.SafeToLazilyUpdateMachineCountThreshold < 1:
		return nil, lerrors.InvalidConfiguration("safe_to_lazily_update_machine_count_threshold", "must be at least 1")
	case cfg.Reconcile.Enabled && deps.Content != nil && cfg.Reconcile.MaxDiffSize <= 0:
		return nil, lerrors.InvalidConfiguration("reconcile.max_diff_size", "must be positive")
	case cfg.Reconcile.Enabled && deps.Content != nil && deps.EventFactory == nil:
		return nil, lerrors.InvalidConfiguration("event_factory", "is required for reconciliation")
	case cfg.Replication.Enabled && deps.Copier == nil:
		return nil, lerrors.InvalidConfiguration("copier", "is required for proactive replication")
	}

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	counters := deps.Counters
	if counters == nil {
		counters = metrics.NewCounters(deps.Cluster.LocalLocation().String())
	}
	pool, ownsPool := deps.Pool, false
	if pool == nil {
		pool = workerpool.NewWorkerPool(&workerpool.Config{Name: "location-store", MaxWorkers: 4, QueueSize: 64, Logger: logger})
		ownsPool = true
	}
	copiesPerSecond := rate.Limit(cfg.Replication.CopiesPerSecond)
	if cfg.Replication.CopiesPerSecond <= 0 {
		copiesPerSecond = rate.Inf
	}

	s := &LocationStore{
		cfg:             cfg,
		logger:          logger,
		clock:           clock,
		cluster:         deps.Cluster,
		index:           deps.Index,
		events:          deps.Events,
		eventFactory:    deps.EventFactory,
		global:          deps.Global,
		checkpoints:     deps.Checkpoints,
		content:         deps.Content,
		copier:          deps.Copier,
		counters:        counters,
		pool:            pool,
		ownsPool:        ownsPool,
		reputation:      cluster.NewReputationTracker(clock, cfg.ReputationExpiry),
		copyLimiter:     rate.NewLimiter(copiesPerSecond, 1),
		recentlyAdded:   volatile.NewSet[model.ShortHash](clock),
		recentlyRemoved: volatile.NewSet[model.ShortHash](clock),
		recentlyTouched: volatile.NewSet[model.ShortHash](clock),
		heartbeatGate:   make(chan struct{}, 1),
		initCh:          make(chan struct{}),
		stopCh:          make(chan struct{}),
	}
	s.taskCtx, s.cancelTask = context.WithCancel(context.Background())
	s.role.Store(&roleState{role: model.RoleUnknown})
	return s, nil
}

// submit queues a background task that Shutdown can cancel
func (s *LocationStore) submit(task workerpool.Task) (*workerpool.Handle, error) {
	fn := task.Fn
	task.Fn = func(poolCtx context.Context) error {
		ctx, cancel := context.WithCancel(poolCtx)
		defer cancel()
		stop := context.AfterFunc(s.taskCtx, cancel)
		defer stop()
		return fn(ctx)
	}
	return s.pool.Submit(task)
}

// Counters returns the counters of this store
func (s *LocationStore) Counters() *metrics.Counters {
	return s.counters
}

// Reputation returns the machine reputation tracker
func (s *LocationStore) Reputation() *cluster.ReputationTracker {
	return s.reputation
}

// Role returns the role committed by the last successful heartbeat
func (s *LocationStore) Role() model.Role {
	return s.role.Load().role
}

// LocalMachineID returns the id of this machine
func (s *LocationStore) LocalMachineID() model.MachineID {
	return s.cluster.LocalMachineID()
}

// IsInitialized reports whether the first heartbeat has succeeded
func (s *LocationStore) IsInitialized() bool {
	return s.initialized.Load()
}

func (s *LocationStore) markInitialized() {
	s.initOnce.Do(func() {
		s.initialized.Store(true)
		close(s.initCh)
		s.logger.Info("Location store initialized",
			zap.Int32("machine_id", int32(s.cluster.LocalMachineID())),
			zap.String("role", string(s.Role())))
	})
}

func (s *LocationStore) ensureInitialized(operation string) error {
	if !s.initialized.Load() {
		return lerrors.NotInitialized(operation)
	}
	return nil
}

// Startup registers the machine, loads persisted cluster state, runs the
// first heartbeat inline and starts the heartbeat supervisor. A failed first
// heartbeat is retried by the supervisor.
func (s *LocationStore) Startup(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	id, err := s.global.RegisterMachine(ctx)
	if err != nil {
		s.started.Store(false)
		return err
	}
	s.cluster.SetLocalMachineID(id)
	s.index.SetInvalidationHandler(s.onIndexInvalidated)

	if err := s.index.UpdateClusterState(s.cluster, false); err != nil {
		s.logger.Warn("Failed to load cluster state from index", zap.Error(err))
	}
	s.loadBinManager()

	if err := s.Heartbeat(ctx, HeartbeatOptions{}); err != nil {
		s.logger.Warn("Initial heartbeat failed, retrying on the next tick", zap.Error(err))
	}

	supervisorCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.supervisorWG.Add(1)
	go s.supervise(supervisorCtx)

	s.logger.Info("Location store started",
		zap.Int32("machine_id", int32(id)),
		zap.String("location", s.cluster.LocalLocation().String()),
		zap.Duration("heartbeat_interval", s.cfg.HeartbeatInterval))
	return nil
}

// WaitForInitialization blocks until the first heartbeat has succeeded
func (s *LocationStore) WaitForInitialization(ctx context.Context) error {
	select {
	case <-s.initCh:
		return nil
	case <-ctx.Done():
		return lerrors.Cancelled(ctx.Err())
	}
}

// Shutdown cancels background work and the supervisor, waits for them, stops
// event processing and releases the master role. The final global store
// calls get their own deadline so an exhausted ctx does not keep the role
// held until its lease expires.
func (s *LocationStore) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.stopCh)
		s.cancelTask()
		if s.cancel != nil {
			s.cancel()
		}
		s.supervisorWG.Wait()

		for _, h := range s.backgroundTasks() {
			if waitErr := h.Wait(ctx); waitErr != nil && ctx.Err() != nil {
				s.logger.Warn("Background task still running at shutdown", zap.String("task", h.Name()))
			}
		}
		if s.ownsPool {
			if stopErr := s.pool.Stop(10 * time.Second); stopErr != nil {
				s.logger.Warn("Worker pool did not stop cleanly", zap.Error(stopErr))
			}
		}

		finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownCallTimeout)
		defer cancel()
		if suspendErr := s.events.SuspendProcessing(finalCtx); suspendErr != nil {
			s.logger.Warn("Failed to suspend event processing", zap.Error(suspendErr))
		}
		if releaseErr := s.global.ReleaseRoleIfNecessary(finalCtx); releaseErr != nil {
			err = releaseErr
		}
		s.logger.Info("Location store stopped")
	})
	return err
}

func (s *LocationStore) isShuttingDown() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *LocationStore) backgroundTasks() []*workerpool.Handle {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	var out []*workerpool.Handle
	for _, h := range []*workerpool.Handle{s.pendingHeartbeat, s.replication, s.reconciliation, s.refresh} {
		if h != nil {
			out = append(out, h)
		}
	}
	return out
}

// supervise runs the heartbeat on a timer until shutdown
func (s *LocationStore) supervise(ctx context.Context) {
	defer s.supervisorWG.Done()
	for {
		timer := s.clock.NewTimer(s.cfg.HeartbeatInterval)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.Chan():
		}

		if err := s.Heartbeat(ctx, HeartbeatOptions{}); err != nil {
			if !lerrors.IsCancelled(err) {
				s.logger.Warn("Heartbeat failed", zap.Error(err))
			}
			continue
		}
		s.afterHeartbeat()
	}
}

// afterHeartbeat runs best-effort work that must not fail the heartbeat
func (s *LocationStore) afterHeartbeat() {
	if s.cfg.Replication.Enabled && !s.isShuttingDown() {
		s.TriggerProactiveReplication()
	}
}
