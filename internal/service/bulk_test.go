package service

import (
	"slices"
	"testing"
	"time"

	"github.com/devrev/pairdb/location-node/internal/cluster"
	lerrors "github.com/devrev/pairdb/location-node/internal/errors"
	"github.com/devrev/pairdb/location-node/internal/events"
	"github.com/devrev/pairdb/location-node/internal/metrics"
	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBulk_EmptyInputContactsNothing(t *testing.T) {
	c := newTestCluster(t)
	a := c.startMachine("a")
	published := c.hub.Len()

	for _, origin := range []Origin{OriginLocal, OriginGlobal} {
		result, err := a.store.GetBulk(c.ctx, nil, origin)
		require.NoError(t, err)
		assert.Empty(t, result.Entries)
	}
	assert.Equal(t, 0, a.global.Calls("GetBulk"))
	assert.Equal(t, published, c.hub.Len())
}

func TestGetBulk_Local(t *testing.T) {
	c := newTestCluster(t)
	a := c.startMachine("a")
	known := hashOf("known")
	missing := hashOf("missing")
	require.NoError(t, a.store.RegisterLocalLocation(c.ctx, []model.ShortHashWithSize{withSize(known, 9)}))

	result, err := a.store.GetBulk(c.ctx, []model.ShortHash{known, missing}, OriginLocal)
	require.NoError(t, err)
	require.Len(t, result.Entries, 2)
	assert.Equal(t, OriginLocal, result.Origin)

	assert.Equal(t, known, result.Entries[0].Hash)
	assert.Equal(t, int64(9), result.Entries[0].Entry.Size)
	assert.Equal(t, []model.MachineLocation{a.location}, result.Entries[0].Locations())

	assert.True(t, result.Entries[1].Entry.IsMissing())
	assert.Empty(t, result.Entries[1].Locations())
	assert.Empty(t, c.eventsOfKind(events.KindTouch), "fresh and missing entries are not touched")
	assert.Equal(t, int64(1), a.store.Counters().Get(metrics.GetBulkMissing))
	assert.Equal(t, 0, a.global.Calls("GetBulk"))
}

func TestGetBulk_LocalTouchesStaleEntriesOnce(t *testing.T) {
	c := newTestCluster(t)
	a := c.startMachine("a")
	h1, h2 := hashOf("one"), hashOf("two")
	require.NoError(t, a.store.RegisterLocalLocation(c.ctx, []model.ShortHashWithSize{withSize(h1, 1), withSize(h2, 2)}))

	c.clock.Advance(11 * time.Minute)
	_, err := a.store.GetBulk(c.ctx, []model.ShortHash{h1, h2, hashOf("absent")}, OriginLocal)
	require.NoError(t, err)

	touches := c.eventsOfKind(events.KindTouch)
	require.Len(t, touches, 1, "stale entries share one touch event")
	assert.ElementsMatch(t, []model.ShortHash{h1, h2}, touches[0].Hashes)

	_, err = a.store.GetBulk(c.ctx, []model.ShortHash{h1, h2}, OriginLocal)
	require.NoError(t, err)
	assert.Len(t, c.eventsOfKind(events.KindTouch), 1, "touched entries are fresh again")
}

func TestGetBulk_Global(t *testing.T) {
	c := newTestCluster(t)
	a := c.startMachine("a")
	b := c.startMachine("b")
	h := hashOf("shared")

	require.NoError(t, b.store.RegisterLocalLocation(c.ctx, []model.ShortHashWithSize{withSize(h, 5)}))
	require.NoError(t, a.store.Heartbeat(c.ctx, HeartbeatOptions{}))

	result, err := a.store.GetBulk(c.ctx, []model.ShortHash{h, hashOf("nothing")}, OriginGlobal)
	require.NoError(t, err)
	assert.Equal(t, []model.MachineLocation{b.location}, result.Entries[0].Locations())
	assert.True(t, result.Entries[1].Entry.IsMissing())
	assert.Equal(t, 1, a.global.Calls("GetBulk"))
	assert.Empty(t, c.eventsOfKind(events.KindTouch), "global lookups do not touch")
}

func TestGetBulk_UnknownMachineRefreshesClusterState(t *testing.T) {
	c := newTestCluster(t)
	a := c.startMachine("a")
	h := hashOf("elsewhere")

	// b registers after a's last heartbeat, so a has not seen b yet
	b := c.newMachine("b")
	id, err := b.global.RegisterMachine(c.ctx)
	require.NoError(t, err)
	require.NoError(t, b.global.RegisterLocations(c.ctx, id, []model.ShortHashWithSize{withSize(h, 1)}))
	require.NoError(t, b.global.UpdateClusterState(c.ctx, b.cluster))

	result, err := a.store.GetBulk(c.ctx, []model.ShortHash{h}, OriginGlobal)
	require.NoError(t, err)
	assert.Empty(t, result.Entries[0].Locations())
	assert.Equal(t, int64(1), a.store.Counters().Get(metrics.UnknownMachineSeen))

	require.NoError(t, a.store.WaitForClusterRefresh(c.ctx))
	loc, ok := a.cluster.Resolve(id)
	require.True(t, ok)
	assert.Equal(t, b.location, loc)

	result, err = a.store.GetBulk(c.ctx, []model.ShortHash{h}, OriginGlobal)
	require.NoError(t, err)
	assert.Equal(t, []model.MachineLocation{b.location}, result.Entries[0].Locations())
}

func TestGetBulk_SkipsInactiveMachines(t *testing.T) {
	c := newTestCluster(t)
	a := c.startMachine("a")
	b := c.startMachine("b")
	h := hashOf("shared")
	require.NoError(t, a.store.RegisterLocalLocation(c.ctx, []model.ShortHashWithSize{withSize(h, 1)}))
	require.NoError(t, b.store.RegisterLocalLocation(c.ctx, []model.ShortHashWithSize{withSize(h, 1)}))
	require.NoError(t, a.store.Heartbeat(c.ctx, HeartbeatOptions{}))

	a.cluster.MarkInactive(b.store.LocalMachineID())
	result, err := a.store.GetBulk(c.ctx, []model.ShortHash{h}, OriginLocal)
	require.NoError(t, err)
	assert.Equal(t, []model.MachineLocation{a.location}, result.Entries[0].Locations())
	assert.Equal(t, 2, result.Entries[0].Entry.ReplicaCount(), "the entry itself is unfiltered")
}

func TestContentLocations_Candidates(t *testing.T) {
	tracker := cluster.NewReputationTracker(clockwork.NewFakeClock(), time.Minute)
	locations := []model.MachineLocation{"grpc://a:1", "grpc://b:1", "grpc://c:1", "grpc://d:1"}
	tracker.Report("grpc://a:1", cluster.ReputationBad)

	badFirst := 0
	for i := 0; i < 200; i++ {
		cl := &ContentLocations{locations: locations, reputation: tracker}
		got := slices.Collect(cl.Candidates())
		assert.ElementsMatch(t, locations, got, "every location is yielded once")
		assert.Equal(t, got, slices.Collect(cl.Candidates()), "the order is fixed once drawn")
		if got[0] == "grpc://a:1" {
			badFirst++
		}
	}
	// a bad machine has weight 0.1 against 1.0 for each of three good ones
	assert.Less(t, badFirst, 40)
}

func TestContentLocations_PartialIteration(t *testing.T) {
	cl := &ContentLocations{locations: []model.MachineLocation{"grpc://a:1", "grpc://b:1", "grpc://c:1"}}
	for loc := range cl.Candidates() {
		assert.Contains(t, cl.Locations(), loc)
		break
	}
	assert.Len(t, cl.shuffled, 1, "only the consumed prefix is drawn")
}

func TestParseOrigin(t *testing.T) {
	o, err := ParseOrigin("global")
	require.NoError(t, err)
	assert.Equal(t, OriginGlobal, o)

	o, err = ParseOrigin("")
	require.NoError(t, err)
	assert.Equal(t, OriginLocal, o)

	_, err = ParseOrigin("remote")
	assert.Equal(t, lerrors.ErrCodeInvalidArgument, lerrors.GetCode(err))
}
