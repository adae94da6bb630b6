package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counter names a tracked quantity
type Counter string

const (
	// Heartbeat and role
	HeartbeatSucceeded Counter = "heartbeat_succeeded"
	HeartbeatFailed    Counter = "heartbeat_failed"
	HeartbeatSkipped   Counter = "heartbeat_skipped"
	RoleChanged        Counter = "role_changed"

	// Checkpoints
	CheckpointCreated        Counter = "checkpoint_created"
	CheckpointCreateSkipped  Counter = "checkpoint_create_skipped"
	CheckpointRestored       Counter = "checkpoint_restored"
	CheckpointRestoreSkipped Counter = "checkpoint_restore_skipped"
	CheckpointRestoreNoop    Counter = "checkpoint_restore_noop"
	IndexInvalidated         Counter = "index_invalidated"

	// Registration
	RegisterEagerGlobal               Counter = "register_eager_global"
	RegisterRecentInactiveEagerGlobal Counter = "register_recent_inactive_eager_global"
	RegisterRecentRemoveEagerGlobal   Counter = "register_recent_remove_eager_global"
	RegisterLazyEventOnly             Counter = "register_lazy_event_only"
	RegisterLazyTouchEventOnly        Counter = "register_lazy_touch_event_only"
	RegisterSkippedRecentAdd          Counter = "register_skipped_recent_add"
	RegisterSkippedRedundantAdd       Counter = "register_skipped_redundant_add"
	RegisterEventHashes               Counter = "register_event_hashes"
	RegisterGlobalHashes              Counter = "register_global_hashes"
	TrimmedHashes                     Counter = "trimmed_hashes"
	TouchedHashes                     Counter = "touched_hashes"

	// Bulk resolution
	GetBulkLocal          Counter = "get_bulk_local"
	GetBulkGlobal         Counter = "get_bulk_global"
	GetBulkMissing        Counter = "get_bulk_missing"
	GetBulkStaleTouched   Counter = "get_bulk_stale_touched"
	UnknownMachineSeen    Counter = "unknown_machine_seen"
	ClusterStateRefreshed Counter = "cluster_state_refreshed"

	// Eviction
	EvictionCandidates    Counter = "eviction_candidates"
	EvictionFilteredYoung Counter = "eviction_filtered_young"

	// Reconciliation
	ReconcileRuns    Counter = "reconcile_runs"
	ReconcileSkipped Counter = "reconcile_skipped"
	ReconcileCycles  Counter = "reconcile_cycles"
	ReconcileAdded   Counter = "reconcile_added"
	ReconcileRemoved Counter = "reconcile_removed"

	// Proactive replication
	ProactiveCopies       Counter = "proactive_copies"
	ProactiveCopyFailures Counter = "proactive_copy_failures"
	ProactiveCycleSkipped Counter = "proactive_cycle_skipped"
)

// Counters is an explicit counter set shared by one location store. Values are
// mirrored into a private prometheus registry for scraping.
type Counters struct {
	registry  *prometheus.Registry
	counts    *prometheus.CounterVec
	durations *prometheus.HistogramVec
	role      *prometheus.GaugeVec
	machines  *prometheus.GaugeVec

	values sync.Map // Counter -> *atomic.Int64
}

// NewCounters creates a counter set with its own registry
func NewCounters(machine string) *Counters {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	labels := prometheus.Labels{"machine": machine}

	return &Counters{
		registry: registry,
		counts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "location",
			Name:        "operations_total",
			Help:        "Total number of location store operations by counter",
			ConstLabels: labels,
		}, []string{"counter"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "location",
			Name:        "operation_duration_seconds",
			Help:        "Histogram of location store operation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"operation"}),
		role: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "location",
			Name:        "role",
			Help:        "Current cluster role (1 for the active role)",
			ConstLabels: labels,
		}, []string{"role"}),
		machines: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "cluster",
			Name:        "machines",
			Help:        "Number of known machines by state",
			ConstLabels: labels,
		}, []string{"state"}),
	}
}

// Registry exposes the registry for the metrics endpoint
func (c *Counters) Registry() *prometheus.Registry {
	return c.registry
}

// Add increments a counter by delta
func (c *Counters) Add(name Counter, delta int64) {
	if delta == 0 {
		return
	}
	v, _ := c.values.LoadOrStore(name, new(atomic.Int64))
	v.(*atomic.Int64).Add(delta)
	c.counts.WithLabelValues(string(name)).Add(float64(delta))
}

// Inc increments a counter by one
func (c *Counters) Inc(name Counter) {
	c.Add(name, 1)
}

// Get returns the current value of a counter
func (c *Counters) Get(name Counter) int64 {
	if v, ok := c.values.Load(name); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// ObserveDuration records how long an operation took
func (c *Counters) ObserveDuration(operation string, d time.Duration) {
	c.durations.WithLabelValues(operation).Observe(d.Seconds())
}

// SetRole records the active role
func (c *Counters) SetRole(active string, all ...string) {
	for _, r := range all {
		c.role.WithLabelValues(r).Set(0)
	}
	c.role.WithLabelValues(active).Set(1)
}

// UpdateClusterStats records membership sizes
func (c *Counters) UpdateClusterStats(active, inactive int) {
	c.machines.WithLabelValues("active").Set(float64(active))
	c.machines.WithLabelValues("inactive").Set(float64(inactive))
}

// Snapshot returns a point-in-time copy of all counters
func (c *Counters) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	c.values.Range(func(k, v any) bool {
		out[string(k.(Counter))] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

// Names returns the counters that have been touched, sorted
func (c *Counters) Names() []string {
	snapshot := c.Snapshot()
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
