package service

import (
	"testing"
	"time"

	"github.com/devrev/pairdb/location-node/internal/events"
	"github.com/devrev/pairdb/location-node/internal/metrics"
	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAction_Core(t *testing.T) {
	tests := []struct {
		action RegisterAction
		core   RegisterCoreAction
	}{
		{RegisterEagerGlobal, CoreActionGlobal},
		{RegisterRecentInactiveEagerGlobal, CoreActionGlobal},
		{RegisterRecentRemoveEagerGlobal, CoreActionGlobal},
		{RegisterLazyEventOnly, CoreActionEvents},
		{RegisterLazyTouchEventOnly, CoreActionEvents},
		{RegisterSkippedDueToRecentAdd, CoreActionSkip},
		{RegisterSkippedDueToRedundantAdd, CoreActionSkip},
	}
	for _, tt := range tests {
		t.Run(tt.action.String(), func(t *testing.T) {
			assert.Equal(t, tt.core, tt.action.Core())
		})
	}
}

func TestRegisterLocalLocation_Lifecycle(t *testing.T) {
	c := newTestCluster(t)
	a := c.startMachine("a")
	h := hashOf("artifact")
	hashes := []model.ShortHashWithSize{withSize(h, 42)}

	// unknown content goes to the global store
	require.NoError(t, a.store.RegisterLocalLocation(c.ctx, hashes))
	counters := a.store.Counters()
	assert.Equal(t, int64(1), counters.Get(metrics.RegisterEagerGlobal))
	assert.Equal(t, 1, a.global.Calls("RegisterLocations"))
	entries, err := a.global.GetBulk(c.ctx, []model.ShortHash{h})
	require.NoError(t, err)
	assert.True(t, entries[0].Locations.Contains(a.store.LocalMachineID()))
	assert.Len(t, c.eventsOfKind(events.KindAddLocation), 1, "global registrations are also published")

	// a repeat inside the recent-add window is dropped
	require.NoError(t, a.store.RegisterLocalLocation(c.ctx, hashes))
	assert.Equal(t, int64(1), counters.Get(metrics.RegisterSkippedRecentAdd))

	// after the recent-add window the index already lists this machine
	c.clock.Advance(2 * time.Minute)
	require.NoError(t, a.store.RegisterLocalLocation(c.ctx, hashes))
	assert.Equal(t, int64(1), counters.Get(metrics.RegisterSkippedRedundantAdd))
	assert.Equal(t, 1, a.global.Calls("RegisterLocations"))
	assert.Len(t, c.eventsOfKind(events.KindAddLocation), 1)

	// once the entry goes stale a lazy event refreshes it
	c.clock.Advance(11 * time.Minute)
	require.NoError(t, a.store.RegisterLocalLocation(c.ctx, hashes))
	assert.Equal(t, int64(1), counters.Get(metrics.RegisterLazyTouchEventOnly))
	assert.Equal(t, 1, a.global.Calls("RegisterLocations"))
	assert.Len(t, c.eventsOfKind(events.KindAddLocation), 2)
}

func TestGetRegisterAction(t *testing.T) {
	c := newTestCluster(t)
	a := c.startMachine("a")
	local := a.store.LocalMachineID()

	t.Run("unknown content is eager", func(t *testing.T) {
		assert.Equal(t, RegisterEagerGlobal, a.store.GetRegisterAction(hashOf("new"), c.clock.Now()))
	})

	t.Run("well replicated content is lazy", func(t *testing.T) {
		h := hashOf("replicated")
		for _, m := range []model.MachineID{local + 1, local + 2, local + 3} {
			require.NoError(t, a.index.LocationAdded(m, []model.ShortHashWithSize{withSize(h, 1)}, c.clock.Now()))
		}
		assert.Equal(t, RegisterLazyEventOnly, a.store.GetRegisterAction(h, c.clock.Now()))
	})

	t.Run("under replicated content is eager", func(t *testing.T) {
		h := hashOf("sparse")
		require.NoError(t, a.index.LocationAdded(local+1, []model.ShortHashWithSize{withSize(h, 1)}, c.clock.Now()))
		assert.Equal(t, RegisterEagerGlobal, a.store.GetRegisterAction(h, c.clock.Now()))
	})

	t.Run("recently removed content is eager", func(t *testing.T) {
		h := hashOf("removed")
		require.NoError(t, a.store.RegisterLocalLocation(c.ctx, []model.ShortHashWithSize{withSize(h, 1)}))
		require.NoError(t, a.store.TrimBulkLocal(c.ctx, []model.ShortHash{h}))
		assert.Equal(t, RegisterRecentRemoveEagerGlobal, a.store.GetRegisterAction(h, c.clock.Now()))

		require.NoError(t, a.store.RegisterLocalLocation(c.ctx, []model.ShortHashWithSize{withSize(h, 1)}))
		assert.Equal(t, RegisterSkippedDueToRecentAdd, a.store.GetRegisterAction(h, c.clock.Now()),
			"an eager registration clears the removal marker")
	})
}

func TestGetRegisterAction_RecentlyInactive(t *testing.T) {
	c := newTestCluster(t)
	a := c.startMachine("a")
	h := hashOf("content")
	require.NoError(t, a.store.RegisterLocalLocation(c.ctx, []model.ShortHashWithSize{withSize(h, 1)}))
	c.clock.Advance(2 * time.Minute)
	require.Equal(t, RegisterSkippedDueToRedundantAdd, a.store.GetRegisterAction(h, c.clock.Now()))

	a.cluster.MarkInactive(a.store.LocalMachineID())
	assert.Equal(t, RegisterRecentInactiveEagerGlobal, a.store.GetRegisterAction(h, c.clock.Now()))

	// the window is RecentInactiveMultiplier recompute intervals
	c.clock.Advance(24 * time.Minute)
	assert.Equal(t, RegisterRecentInactiveEagerGlobal, a.store.GetRegisterAction(h, c.clock.Now()))
	c.clock.Advance(2 * time.Minute)
	assert.NotEqual(t, RegisterRecentInactiveEagerGlobal, a.store.GetRegisterAction(h, c.clock.Now()))
}

func TestGetRegisterAction_Deterministic(t *testing.T) {
	c := newTestCluster(t)
	a := c.startMachine("a")
	now := c.clock.Now()
	for i := 0; i < 20; i++ {
		h := hashOf(string(rune('a' + i)))
		assert.Equal(t, a.store.GetRegisterAction(h, now), a.store.GetRegisterAction(h, now))
	}
}

func TestRegisterLocalLocation_BatchesGlobalWrites(t *testing.T) {
	c := newTestCluster(t)
	a := c.startMachine("a", withConfig(func(cfg *LocationStoreConfig) {
		cfg.GlobalBatchSize = 2
	}))

	var hashes []model.ShortHashWithSize
	for i := 0; i < 5; i++ {
		hashes = append(hashes, withSize(hashOf(string(rune('k'+i))), int64(i+1)))
	}
	require.NoError(t, a.store.RegisterLocalLocation(c.ctx, hashes))
	assert.Equal(t, 3, a.global.Calls("RegisterLocations"))
	assert.Equal(t, int64(5), a.store.Counters().Get(metrics.RegisterGlobalHashes))
	assert.Len(t, c.eventsOfKind(events.KindAddLocation), 1, "events are published as one batch")
}

func TestTrimBulkLocal(t *testing.T) {
	c := newTestCluster(t)
	a := c.startMachine("a")
	h := hashOf("trim")
	require.NoError(t, a.store.RegisterLocalLocation(c.ctx, []model.ShortHashWithSize{withSize(h, 7)}))

	require.NoError(t, a.store.TrimBulkLocal(c.ctx, []model.ShortHash{h}))
	_, found, err := a.index.TryGetEntry(h)
	require.NoError(t, err)
	assert.False(t, found)

	entries, err := a.global.GetBulk(c.ctx, []model.ShortHash{h})
	require.NoError(t, err)
	assert.True(t, entries[0].IsMissing())
	assert.Len(t, c.eventsOfKind(events.KindRemoveLocation), 1)
	assert.Equal(t, int64(1), a.store.Counters().Get(metrics.TrimmedHashes))
}

func TestTouchBulk(t *testing.T) {
	c := newTestCluster(t)
	a := c.startMachine("a")
	h := hashOf("touch")
	require.NoError(t, a.store.RegisterLocalLocation(c.ctx, []model.ShortHashWithSize{withSize(h, 1)}))

	c.clock.Advance(time.Hour)
	require.NoError(t, a.store.TouchBulk(c.ctx, []model.ShortHash{h}))
	require.NoError(t, a.store.TouchBulk(c.ctx, []model.ShortHash{h}))
	assert.Len(t, c.eventsOfKind(events.KindTouch), 1, "repeat touches inside the touch frequency are dropped")

	entry, found, err := a.index.TryGetEntry(h)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, c.clock.Now().Equal(entry.LastAccessTime))
}

func TestBatches(t *testing.T) {
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, batches([]int{1, 2, 3, 4, 5}, 2))
	assert.Equal(t, [][]int{{1, 2, 3}}, batches([]int{1, 2, 3}, 0))
	assert.Empty(t, batches([]int{}, 3))
}
