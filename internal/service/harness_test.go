package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/location-node/internal/central"
	"github.com/devrev/pairdb/location-node/internal/checkpoint"
	"github.com/devrev/pairdb/location-node/internal/cluster"
	"github.com/devrev/pairdb/location-node/internal/content"
	"github.com/devrev/pairdb/location-node/internal/events"
	"github.com/devrev/pairdb/location-node/internal/globalstore"
	"github.com/devrev/pairdb/location-node/internal/index"
	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/devrev/pairdb/location-node/internal/util/approxsort"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// cluster wires several machines to one in-process global store, event hub
// and central storage
type testCluster struct {
	t       *testing.T
	ctx     context.Context
	clock   clockwork.FakeClock
	backend *globalstore.MemoryBackend
	hub     *events.MemoryHub
	storage central.Storage
}

type testMachine struct {
	location model.MachineLocation
	store    *LocationStore
	index    *index.Database
	global   *globalstore.MemoryStore
	events   *events.MemoryStore
	cluster  *cluster.State
	content  *content.MemoryStore
	dir      string
}

type machineOption func(*LocationStoreConfig, *Dependencies)

func withConfig(fn func(*LocationStoreConfig)) machineOption {
	return func(cfg *LocationStoreConfig, _ *Dependencies) { fn(cfg) }
}

func withContent(store *content.MemoryStore) machineOption {
	return func(_ *LocationStoreConfig, deps *Dependencies) { deps.Content = store }
}

func withCopier(copier content.Copier) machineOption {
	return func(_ *LocationStoreConfig, deps *Dependencies) { deps.Copier = copier }
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	clock := clockwork.NewFakeClock()
	storage, err := central.NewFileSystemStorage(filepath.Join(t.TempDir(), "central"), zap.NewNop())
	require.NoError(t, err)
	return &testCluster{
		t:       t,
		ctx:     context.Background(),
		clock:   clock,
		backend: globalstore.NewMemoryBackend(globalstore.Config{RoleLeaseTTL: time.Hour}, clock),
		hub:     events.NewMemoryHub(clock),
		storage: storage,
	}
}

func testConfig() LocationStoreConfig {
	cfg := DefaultLocationStoreConfig()
	// the supervisor stays idle unless a test advances this far
	cfg.HeartbeatInterval = 24 * time.Hour
	cfg.Reconcile.CycleDelay = 0
	cfg.Eviction.Sort = approxsort.Options{WindowSize: 1, RemovalFraction: 0.5}
	return cfg
}

// newMachine builds a machine without starting it
func (c *testCluster) newMachine(name string, opts ...machineOption) *testMachine {
	t := c.t
	t.Helper()
	dir := t.TempDir()
	location := model.MachineLocation("grpc://" + name + ":7089")
	logger := zap.NewNop()

	db, err := index.Open(filepath.Join(dir, "index"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	global := c.backend.Store(location)
	eventStore := c.hub.NewStore(NewIndexEventHandler(db), logger)
	manager, err := checkpoint.NewManager(checkpoint.Config{Prefix: "checkpoints", WorkDir: filepath.Join(dir, "work")},
		db, c.storage, global, c.clock, logger)
	require.NoError(t, err)

	state := cluster.NewState(location, c.clock)
	cfg := testConfig()
	deps := Dependencies{
		Cluster:      state,
		Index:        db,
		Events:       eventStore,
		EventFactory: c.hub.Factory(logger),
		Global:       global,
		Checkpoints:  manager,
		Clock:        c.clock,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	cfg.Reconcile.MarkerFile = filepath.Join(dir, "reconcile.marker")

	store, err := NewLocationStore(cfg, deps, logger)
	require.NoError(t, err)

	m := &testMachine{
		location: location,
		store:    store,
		index:    db,
		global:   global,
		events:   eventStore,
		cluster:  state,
		dir:      dir,
	}
	if cs, ok := deps.Content.(*content.MemoryStore); ok {
		m.content = cs
	}
	return m
}

// startMachine builds and starts a machine, shutting it down at test end
func (c *testCluster) startMachine(name string, opts ...machineOption) *testMachine {
	c.t.Helper()
	m := c.newMachine(name, opts...)
	require.NoError(c.t, m.store.Startup(c.ctx))
	require.True(c.t, m.store.IsInitialized())
	c.t.Cleanup(func() { _ = m.store.Shutdown(context.Background()) })
	return m
}

func (c *testCluster) eventsOfKind(kind events.Kind) []events.Event {
	var out []events.Event
	for _, e := range c.hub.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func hashOf(s string) model.ShortHash {
	return model.HashContent([]byte(s)).Short()
}

func withSize(h model.ShortHash, size int64) model.ShortHashWithSize {
	return model.ShortHashWithSize{Hash: h, Size: size}
}

// recordingCopier records proactive copies
type recordingCopier struct {
	mu     sync.Mutex
	copies map[model.ShortHash][]model.MachineLocation
	err    error
}

func newRecordingCopier() *recordingCopier {
	return &recordingCopier{copies: make(map[model.ShortHash][]model.MachineLocation)}
}

func (r *recordingCopier) CopyTo(ctx context.Context, hash model.ShortHashWithSize, target model.MachineLocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.copies[hash.Hash] = append(r.copies[hash.Hash], target)
	return nil
}

func (r *recordingCopier) targets(h model.ShortHash) []model.MachineLocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.MachineLocation(nil), r.copies[h]...)
}
