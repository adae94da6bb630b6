package checkpoint

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/pairdb/location-node/internal/central"
	lerrors "github.com/devrev/pairdb/location-node/internal/errors"
	"github.com/devrev/pairdb/location-node/internal/globalstore"
	"github.com/devrev/pairdb/location-node/internal/index"
	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type fixture struct {
	db      *index.Database
	manager *Manager
	global  *globalstore.MemoryStore
	storage *central.FileSystemStorage
}

func newFixture(t *testing.T, storage *central.FileSystemStorage, global *globalstore.MemoryStore) *fixture {
	t.Helper()
	root := t.TempDir()
	db, err := index.Open(filepath.Join(root, "index"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	manager, err := NewManager(Config{WorkDir: filepath.Join(root, "work")}, db, storage, global, clockwork.NewFakeClock(), zap.NewNop())
	require.NoError(t, err)
	return &fixture{db: db, manager: manager, global: global, storage: storage}
}

func TestManager_CreateAndRestore(t *testing.T) {
	ctx := context.Background()
	storage, err := central.NewFileSystemStorage(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	backend := globalstore.NewMemoryBackend(globalstore.Config{}, clockwork.NewFakeClock())

	master := newFixture(t, storage, backend.Store("grpc://a:1"))
	worker := newFixture(t, storage, backend.Store("grpc://b:1"))

	h := model.HashContent([]byte("payload")).Short()
	require.NoError(t, master.db.LocationAdded(0, []model.ShortHashWithSize{{Hash: h, Size: 42}}, time.Unix(1700000000, 0)))

	seq := model.EventSequencePoint{Millis: 1700000000000, Seq: 3}
	info, err := master.manager.CreateCheckpoint(ctx, seq)
	require.NoError(t, err)
	assert.NotEmpty(t, info.CheckpointID)

	state, err := worker.global.GetCheckpointState(ctx)
	require.NoError(t, err)
	require.True(t, state.Available)
	assert.Equal(t, info.CheckpointID, state.CheckpointID)
	assert.Equal(t, seq, state.SequencePoint)

	require.NoError(t, worker.manager.RestoreCheckpoint(ctx, state))
	entry, found, err := worker.db.TryGetEntry(h)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(42), entry.Size)

	// work files are cleaned up
	files, err := os.ReadDir(worker.manager.cfg.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestManager_RestoreFailures(t *testing.T) {
	ctx := context.Background()
	storage, err := central.NewFileSystemStorage(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	backend := globalstore.NewMemoryBackend(globalstore.Config{}, clockwork.NewFakeClock())
	f := newFixture(t, storage, backend.Store("grpc://a:1"))

	err = f.manager.RestoreCheckpoint(ctx, model.CheckpointState{})
	assert.Equal(t, lerrors.ErrCodeInvalidArgument, lerrors.GetCode(err))

	err = f.manager.RestoreCheckpoint(ctx, model.CheckpointState{Available: true, CheckpointID: "missing"})
	assert.Equal(t, lerrors.ErrCodeCheckpointFailed, lerrors.GetCode(err))

	info, err := f.manager.CreateCheckpoint(ctx, model.EventSequencePoint{Millis: 5})
	require.NoError(t, err)
	err = f.manager.RestoreCheckpoint(ctx, model.CheckpointState{
		Available:     true,
		CheckpointID:  info.CheckpointID,
		SequencePoint: model.EventSequencePoint{Millis: 6},
	})
	assert.Equal(t, lerrors.ErrCodeCheckpointFailed, lerrors.GetCode(err), "manifest must match the registered sequence point")
}

// buildArchive packs a manifest and raw file bodies the way checkpoints are shipped
func buildArchive(t *testing.T, manifest Manifest, bodies map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(zw)

	data, err := yaml.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: manifestName, Mode: 0644, Size: int64(len(data))}))
	_, err = tw.Write(data)
	require.NoError(t, err)
	for name, body := range bodies {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(body))}))
		_, err = tw.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestManager_RestoreRejectsMismatchedFiles(t *testing.T) {
	ctx := context.Background()
	seq := model.EventSequencePoint{Millis: 9}
	body := []byte("sstable bytes")

	tests := []struct {
		name   string
		files  []ManifestFile
		bodies map[string][]byte
	}{
		{"truncated file", []ManifestFile{{Name: "000001.sst", Size: 4096}}, map[string][]byte{"000001.sst": body}},
		{"missing file", []ManifestFile{{Name: "000001.sst", Size: int64(len(body))}, {Name: "CURRENT", Size: 16}}, map[string][]byte{"000001.sst": body}},
		{"unlisted file", []ManifestFile{{Name: "000001.sst", Size: int64(len(body))}}, map[string][]byte{"000001.sst": body, "extra.log": body}},
		{"empty manifest", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, err := central.NewFileSystemStorage(t.TempDir(), zap.NewNop())
			require.NoError(t, err)
			backend := globalstore.NewMemoryBackend(globalstore.Config{}, clockwork.NewFakeClock())
			f := newFixture(t, storage, backend.Store("grpc://a:1"))

			h := model.HashContent([]byte("kept")).Short()
			require.NoError(t, f.db.LocationAdded(0, []model.ShortHashWithSize{{Hash: h, Size: 7}}, time.Unix(1700000000, 0)))

			id := "tampered"
			archive := buildArchive(t, Manifest{CheckpointID: id, SequencePoint: seq.String(), Files: tt.files}, tt.bodies)
			require.NoError(t, storage.Upload(ctx, f.manager.objectName(id), bytes.NewReader(archive)))

			err = f.manager.RestoreCheckpoint(ctx, model.CheckpointState{Available: true, CheckpointID: id, SequencePoint: seq})
			assert.Equal(t, lerrors.ErrCodeCheckpointFailed, lerrors.GetCode(err))

			entry, found, err := f.db.TryGetEntry(h)
			require.NoError(t, err)
			require.True(t, found, "the live index is untouched")
			assert.Equal(t, int64(7), entry.Size)
		})
	}
}

func TestNewManager_RequiresWorkDir(t *testing.T) {
	_, err := NewManager(Config{}, nil, nil, nil, nil, zap.NewNop())
	assert.Equal(t, lerrors.ErrCodeInvalidConfiguration, lerrors.GetCode(err))
}
