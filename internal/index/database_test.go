package index

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/devrev/pairdb/location-node/internal/cluster"
	lerrors "github.com/devrev/pairdb/location-node/internal/errors"
	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "index"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func hashOf(s string) model.ShortHash {
	return model.HashContent([]byte(s)).Short()
}

func collect(t *testing.T, db *Database, machine model.MachineID, after *model.ShortHash) []model.ShortHashWithSize {
	t.Helper()
	var out []model.ShortHashWithSize
	for h, err := range db.EnumerateSortedHashesWithSize(machine, after) {
		require.NoError(t, err)
		out = append(out, h)
	}
	return out
}

func TestDatabase_AddRemoveTouch(t *testing.T) {
	db := openTestDB(t)
	now := time.Unix(1700000000, 0)
	h := hashOf("a")

	_, found, err := db.TryGetEntry(h)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, db.LocationAdded(1, []model.ShortHashWithSize{{Hash: h, Size: 10}}, now))
	require.NoError(t, db.LocationAdded(2, []model.ShortHashWithSize{{Hash: h, Size: 10}}, now.Add(time.Minute)))

	entry, found, err := db.TryGetEntry(h)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []model.MachineID{1, 2}, entry.Locations.IDs())
	assert.Equal(t, int64(10), entry.Size)
	assert.True(t, entry.LastAccessTime.Equal(now.Add(time.Minute)))

	require.NoError(t, db.Touched([]model.ShortHash{h, hashOf("unknown")}, now.Add(time.Hour)))
	entry, _, err = db.TryGetEntry(h)
	require.NoError(t, err)
	assert.True(t, entry.LastAccessTime.Equal(now.Add(time.Hour)))
	_, found, err = db.TryGetEntry(hashOf("unknown"))
	require.NoError(t, err)
	assert.False(t, found, "touch never creates entries")

	require.NoError(t, db.LocationRemoved(1, []model.ShortHash{h}))
	require.NoError(t, db.LocationRemoved(2, []model.ShortHash{h}))
	_, found, err = db.TryGetEntry(h)
	require.NoError(t, err)
	assert.False(t, found, "empty entries are deleted")
}

func TestDatabase_DuplicateHashInOneBatch(t *testing.T) {
	db := openTestDB(t)
	h := hashOf("dup")
	now := time.Unix(1700000000, 0)

	require.NoError(t, db.LocationAdded(3, []model.ShortHashWithSize{{Hash: h, Size: 1}, {Hash: h, Size: 1}}, now))
	entry, found, err := db.TryGetEntry(h)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, entry.ReplicaCount())
}

func TestDatabase_EnumerateSortedHashesWithSize(t *testing.T) {
	db := openTestDB(t)
	now := time.Unix(1700000000, 0)

	var mine []model.ShortHashWithSize
	for i, name := range []string{"a", "b", "c", "d", "e"} {
		h := model.ShortHashWithSize{Hash: hashOf(name), Size: int64(i + 1)}
		require.NoError(t, db.LocationAdded(1, []model.ShortHashWithSize{h}, now))
		mine = append(mine, h)
	}
	require.NoError(t, db.LocationAdded(2, []model.ShortHashWithSize{{Hash: hashOf("other"), Size: 7}}, now))

	all := collect(t, db, 1, nil)
	require.Len(t, all, len(mine))
	for i := 1; i < len(all); i++ {
		assert.Negative(t, all[i-1].Hash.Compare(all[i].Hash), "hash order")
	}

	cursor := all[1].Hash
	rest := collect(t, db, 1, &cursor)
	assert.Equal(t, all[2:], rest, "cursor is exclusive")

	assert.Len(t, collect(t, db, 2, nil), 1)
	assert.Empty(t, collect(t, db, 9, nil))
}

func TestDatabase_GlobalEntriesAndClusterState(t *testing.T) {
	db := openTestDB(t)

	_, found, err := db.TryGetGlobalEntry("bins")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, db.SetGlobalEntry("bins", []byte{1, 2, 3}))
	value, found, err := db.TryGetGlobalEntry("bins")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte{1, 2, 3}, value)

	clock := clockwork.NewFakeClock()
	source := cluster.NewState("grpc://a:1", clock)
	source.SetLocalMachineID(0)
	source.AddMachine(4, "grpc://b:1")
	require.NoError(t, db.UpdateClusterState(source, true))

	target := cluster.NewState("grpc://c:1", clock)
	require.NoError(t, db.UpdateClusterState(target, false))
	loc, ok := target.Resolve(4)
	require.True(t, ok)
	assert.Equal(t, model.MachineLocation("grpc://b:1"), loc)
	assert.Equal(t, model.MachineID(4), target.MaxMachineID())
}

func TestDatabase_CheckpointAndRestore(t *testing.T) {
	db := openTestDB(t)
	now := time.Unix(1700000000, 0)
	kept := hashOf("kept")
	later := hashOf("later")

	require.NoError(t, db.LocationAdded(1, []model.ShortHashWithSize{{Hash: kept, Size: 5}}, now))
	snapshot := filepath.Join(t.TempDir(), "snap")
	require.NoError(t, db.Checkpoint(snapshot))

	require.NoError(t, db.LocationAdded(1, []model.ShortHashWithSize{{Hash: later, Size: 5}}, now))
	require.NoError(t, db.RestoreFrom(snapshot))

	_, found, err := db.TryGetEntry(kept)
	require.NoError(t, err)
	assert.True(t, found)
	_, found, err = db.TryGetEntry(later)
	require.NoError(t, err)
	assert.False(t, found, "restore discards writes made after the checkpoint")
}

func TestDatabase_CorruptionInvokesHandler(t *testing.T) {
	db := openTestDB(t)
	h := hashOf("bad")

	signalled := make(chan error, 1)
	db.SetInvalidationHandler(func(cause error) { signalled <- cause })

	require.NoError(t, db.db.Set(entryKey(h), []byte{0xc1, 0xff}, pebble.Sync))

	_, _, err := db.TryGetEntry(h)
	require.Error(t, err)
	assert.Equal(t, lerrors.ErrCodeCorruptedIndex, lerrors.GetCode(err))

	select {
	case cause := <-signalled:
		assert.Error(t, cause)
	case <-time.After(5 * time.Second):
		t.Fatal("invalidation handler was not called")
	}
}

func TestDatabase_DamagedEntryIsCorrupted(t *testing.T) {
	db := openTestDB(t)
	h := hashOf("flipped")
	require.NoError(t, db.LocationAdded(1, []model.ShortHashWithSize{{Hash: h, Size: 8}}, time.Now()))

	value, closer, err := db.db.Get(entryKey(h))
	require.NoError(t, err)
	damaged := append([]byte{}, value...)
	require.NoError(t, closer.Close())
	damaged[0] ^= 0x01
	require.NoError(t, db.db.Set(entryKey(h), damaged, pebble.Sync))

	_, _, err = db.TryGetEntry(h)
	assert.Equal(t, lerrors.ErrCodeCorruptedIndex, lerrors.GetCode(err))
}

func TestDatabase_FailedRestoreKeepsIndex(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, dir string)
	}{
		{
			name: "manifest missing",
			setup: func(t *testing.T, dir string) {
				require.NoError(t, os.MkdirAll(dir, 0755))
				require.NoError(t, os.WriteFile(filepath.Join(dir, "CURRENT"), []byte("MANIFEST-999999\n"), 0644))
			},
		},
		{
			name: "empty directory",
			setup: func(t *testing.T, dir string) {
				require.NoError(t, os.MkdirAll(dir, 0755))
			},
		},
		{
			name:  "directory missing",
			setup: func(*testing.T, string) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openTestDB(t)
			h := hashOf("survives")
			require.NoError(t, db.LocationAdded(1, []model.ShortHashWithSize{{Hash: h, Size: 3}}, time.Now()))

			damaged := filepath.Join(t.TempDir(), "damaged")
			tt.setup(t, damaged)

			err := db.RestoreFrom(damaged)
			assert.Equal(t, lerrors.ErrCodeCheckpointFailed, lerrors.GetCode(err))

			entry, found, err := db.TryGetEntry(h)
			require.NoError(t, err)
			require.True(t, found)
			assert.True(t, entry.Locations.Contains(1))

			// the index stays writable
			require.NoError(t, db.LocationAdded(2, []model.ShortHashWithSize{{Hash: h, Size: 3}}, time.Now()))
			_, err = os.Stat(db.dir + ".staging")
			assert.True(t, os.IsNotExist(err), "staging is cleaned up")
		})
	}
}

func TestDatabase_RestoreAfterFailedRestore(t *testing.T) {
	db := openTestDB(t)
	h := hashOf("from checkpoint")
	require.NoError(t, db.LocationAdded(1, []model.ShortHashWithSize{{Hash: h, Size: 1}}, time.Now()))
	snapshot := filepath.Join(t.TempDir(), "snap")
	require.NoError(t, db.Checkpoint(snapshot))
	require.NoError(t, db.LocationRemoved(1, []model.ShortHash{h}))

	assert.Error(t, db.RestoreFrom(filepath.Join(t.TempDir(), "absent")))
	require.NoError(t, db.RestoreFrom(snapshot))

	_, found, err := db.TryGetEntry(h)
	require.NoError(t, err)
	assert.True(t, found)
	_, err = os.Stat(db.dir + ".previous")
	assert.True(t, os.IsNotExist(err))
}
