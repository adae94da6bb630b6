package service

import (
	"errors"
	"testing"
	"time"

	"github.com/devrev/pairdb/location-node/internal/metrics"
	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCheckpoint_SkipsWithoutProcessedEvents(t *testing.T) {
	c := newTestCluster(t)
	a := c.startMachine("a")

	require.NoError(t, a.store.CreateCheckpoint(c.ctx))
	assert.Equal(t, 0, a.global.Calls("RegisterCheckpoint"))
	assert.GreaterOrEqual(t, a.store.Counters().Get(metrics.CheckpointCreateSkipped), int64(1))
}

func TestCheckpoint_MasterToWorker(t *testing.T) {
	c := newTestCluster(t)
	a := c.startMachine("a")
	b := c.startMachine("b")
	h := hashOf("checkpointed")

	require.NoError(t, a.store.RegisterLocalLocation(c.ctx, []model.ShortHashWithSize{withSize(h, 3)}))
	require.NoError(t, a.store.CreateCheckpoint(c.ctx))
	assert.Equal(t, int64(1), a.store.Counters().Get(metrics.CheckpointCreated))

	state, err := b.global.GetCheckpointState(c.ctx)
	require.NoError(t, err)
	require.True(t, state.Available)
	seq, ok := a.events.LastProcessedSequencePoint()
	require.True(t, ok)
	assert.Equal(t, seq, state.SequencePoint)

	// the worker has not consumed the event, the checkpoint brings it in
	_, found, err := b.index.TryGetEntry(h)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, b.store.Heartbeat(c.ctx, HeartbeatOptions{ForceRestore: true}))
	entry, found, err := b.index.TryGetEntry(h)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, entry.Locations.Contains(a.store.LocalMachineID()))
	assert.Equal(t, state.CheckpointID, b.store.LastRestoredCheckpointID())
	assert.Equal(t, int64(1), b.store.Counters().Get(metrics.CheckpointRestored))

	// the same checkpoint is not applied twice
	require.NoError(t, b.store.RestoreCheckpoint(c.ctx, state, false))
	assert.Equal(t, int64(1), b.store.Counters().Get(metrics.CheckpointRestored))
	assert.Equal(t, int64(1), b.store.Counters().Get(metrics.CheckpointRestoreNoop))

	require.NoError(t, b.store.RestoreCheckpoint(c.ctx, state, true))
	assert.Equal(t, int64(2), b.store.Counters().Get(metrics.CheckpointRestored))

	result, err := b.store.GetBulk(c.ctx, []model.ShortHash{h}, OriginLocal)
	require.NoError(t, err)
	assert.Equal(t, []model.MachineLocation{a.location}, result.Entries[0].Locations())
}

func TestCheckpoint_WorkerRestoresOnInterval(t *testing.T) {
	c := newTestCluster(t)
	a := c.startMachine("a")
	b := c.startMachine("b")

	require.NoError(t, a.store.RegisterLocalLocation(c.ctx, []model.ShortHashWithSize{withSize(hashOf("x"), 1)}))
	require.NoError(t, a.store.CreateCheckpoint(c.ctx))

	require.NoError(t, b.store.Heartbeat(c.ctx, HeartbeatOptions{}))
	assert.Equal(t, int64(0), b.store.Counters().Get(metrics.CheckpointRestored), "the restore interval has not elapsed")

	c.clock.Advance(11 * time.Minute)
	require.NoError(t, b.store.Heartbeat(c.ctx, HeartbeatOptions{}))
	assert.Equal(t, int64(1), b.store.Counters().Get(metrics.CheckpointRestored))
}

func TestCheckpoint_MasterCreatesOnInterval(t *testing.T) {
	c := newTestCluster(t)
	a := c.startMachine("a")
	require.NoError(t, a.store.RegisterLocalLocation(c.ctx, []model.ShortHashWithSize{withSize(hashOf("y"), 1)}))

	c.clock.Advance(11 * time.Minute)
	require.NoError(t, a.store.Heartbeat(c.ctx, HeartbeatOptions{}))
	assert.Equal(t, int64(1), a.store.Counters().Get(metrics.CheckpointCreated))

	require.NoError(t, a.store.Heartbeat(c.ctx, HeartbeatOptions{}))
	assert.Equal(t, int64(1), a.store.Counters().Get(metrics.CheckpointCreated), "not again before the interval")
}

func TestCheckpoint_FirstRestoreSkippedWhenRecent(t *testing.T) {
	c := newTestCluster(t)
	a := c.startMachine("a")
	require.NoError(t, a.store.RegisterLocalLocation(c.ctx, []model.ShortHashWithSize{withSize(hashOf("z"), 1)}))
	require.NoError(t, a.store.CreateCheckpoint(c.ctx))

	b := c.startMachine("b", withConfig(func(cfg *LocationStoreConfig) {
		cfg.RestoreCheckpointAgeThreshold = time.Hour
	}))
	assert.Equal(t, int64(1), b.store.Counters().Get(metrics.CheckpointRestoreSkipped))
	assert.Equal(t, int64(0), b.store.Counters().Get(metrics.CheckpointRestored))

	// only the first restore may be skipped
	require.NoError(t, b.store.Heartbeat(c.ctx, HeartbeatOptions{ForceRestore: true}))
	assert.Equal(t, int64(1), b.store.Counters().Get(metrics.CheckpointRestored))

	c.clock.Advance(2 * time.Minute)
	e := c.startMachine("e", withConfig(func(cfg *LocationStoreConfig) {
		cfg.RestoreCheckpointAgeThreshold = time.Minute
	}))
	assert.Equal(t, int64(0), e.store.Counters().Get(metrics.CheckpointRestoreSkipped), "old checkpoints are restored")
	assert.Equal(t, int64(1), e.store.Counters().Get(metrics.CheckpointRestored))
}

func TestCheckpoint_IndexInvalidationForcesRestore(t *testing.T) {
	c := newTestCluster(t)
	a := c.startMachine("a")
	h := hashOf("survivor")
	require.NoError(t, a.store.RegisterLocalLocation(c.ctx, []model.ShortHashWithSize{withSize(h, 1)}))
	require.NoError(t, a.store.CreateCheckpoint(c.ctx))

	// hold the heartbeat so both signals arrive while the restore is pending
	a.store.heartbeatGate <- struct{}{}
	a.store.onIndexInvalidated(errors.New("checksum mismatch"))
	a.store.onIndexInvalidated(errors.New("checksum mismatch"))
	<-a.store.heartbeatGate

	a.store.tasksMu.Lock()
	pending := a.store.pendingHeartbeat
	a.store.tasksMu.Unlock()
	require.NotNil(t, pending)
	require.NoError(t, pending.Wait(c.ctx))

	counters := a.store.Counters()
	assert.Equal(t, int64(2), counters.Get(metrics.IndexInvalidated))
	assert.Equal(t, int64(1), counters.Get(metrics.CheckpointRestored), "concurrent signals collapse into one restore")
	assert.Equal(t, model.RoleMaster, a.store.Role())
	assert.True(t, a.events.IsProcessing(), "the master resumes consuming after the restore")

	_, found, err := a.index.TryGetEntry(h)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCheckpoint_BinManagerTravelsWithCheckpoint(t *testing.T) {
	c := newTestCluster(t)
	replication := withConfig(func(cfg *LocationStoreConfig) {
		cfg.Replication.Enabled = true
		cfg.Replication.Bins = 8
	})
	a := c.startMachine("a", replication, withCopier(newRecordingCopier()))
	b := c.startMachine("b", replication, withCopier(newRecordingCopier()))
	require.NoError(t, a.store.Heartbeat(c.ctx, HeartbeatOptions{}))

	bm := a.cluster.BinManager()
	require.NotNil(t, bm)
	assert.Len(t, bm.Machines(), 2)
	assert.Nil(t, b.cluster.BinManager(), "workers do not build assignments")

	require.NoError(t, a.store.RegisterLocalLocation(c.ctx, []model.ShortHashWithSize{withSize(hashOf("bin"), 1)}))
	require.NoError(t, a.store.CreateCheckpoint(c.ctx))
	require.NoError(t, b.store.Heartbeat(c.ctx, HeartbeatOptions{ForceRestore: true}))

	restored := b.cluster.BinManager()
	require.NotNil(t, restored)
	assert.Equal(t, bm.Machines(), restored.Machines())
	h := hashOf("anything")
	assert.Equal(t, bm.DesignatedLocations(h), restored.DesignatedLocations(h))
}
