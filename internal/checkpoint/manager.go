package checkpoint

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/devrev/pairdb/location-node/internal/central"
	lerrors "github.com/devrev/pairdb/location-node/internal/errors"
	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const manifestName = "MANIFEST.yaml"

// Index is the part of the location index a checkpoint snapshots
type Index interface {
	Checkpoint(dir string) error
	RestoreFrom(dir string) error
}

// Registry records checkpoints cluster-wide
type Registry interface {
	RegisterCheckpoint(ctx context.Context, info model.CheckpointInfo) error
}

// Manifest describes the content of a checkpoint archive
type Manifest struct {
	CheckpointID  string         `yaml:"checkpoint_id"`
	SequencePoint string         `yaml:"sequence_point"`
	CreatedAt     time.Time      `yaml:"created_at"`
	Files         []ManifestFile `yaml:"files"`
}

// ManifestFile is one file of the index snapshot
type ManifestFile struct {
	Name string `yaml:"name"`
	Size int64  `yaml:"size"`
}

// Config holds checkpoint manager settings
type Config struct {
	Prefix  string
	WorkDir string
}

// Manager snapshots the location index into central storage and restores it
type Manager struct {
	cfg      Config
	index    Index
	storage  central.Storage
	registry Registry
	clock    clockwork.Clock
	logger   *zap.Logger
}

// NewManager creates a checkpoint manager
func NewManager(cfg Config, index Index, storage central.Storage, registry Registry, clock clockwork.Clock, logger *zap.Logger) (*Manager, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "checkpoints"
	}
	if cfg.WorkDir == "" {
		return nil, lerrors.InvalidConfiguration("checkpoint.work_dir", "is required")
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint work directory: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		cfg:      cfg,
		index:    index,
		storage:  storage,
		registry: registry,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Prefix is the name prefix of checkpoint objects
func (m *Manager) Prefix() string {
	return m.cfg.Prefix
}

func (m *Manager) objectName(id string) string {
	return path.Join(m.cfg.Prefix, id+".tar.zst")
}

// CreateCheckpoint snapshots the index, uploads it and registers it at seq
func (m *Manager) CreateCheckpoint(ctx context.Context, seq model.EventSequencePoint) (model.CheckpointInfo, error) {
	info := model.CheckpointInfo{
		CheckpointID:  uuid.NewString(),
		SequencePoint: seq,
		CreatedAt:     m.clock.Now(),
	}
	start := time.Now()

	snapshotDir := filepath.Join(m.cfg.WorkDir, "create-"+info.CheckpointID)
	defer os.RemoveAll(snapshotDir)
	if err := m.index.Checkpoint(snapshotDir); err != nil {
		return info, err
	}

	archivePath := snapshotDir + ".tar.zst"
	defer os.Remove(archivePath)
	if err := writeArchive(archivePath, snapshotDir, info); err != nil {
		return info, lerrors.CheckpointFailed("failed to archive checkpoint", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return info, lerrors.CheckpointFailed("failed to open checkpoint archive", err)
	}
	defer f.Close()
	if err := m.storage.Upload(ctx, m.objectName(info.CheckpointID), f); err != nil {
		return info, lerrors.CheckpointFailed("failed to upload checkpoint", err)
	}

	if err := m.registry.RegisterCheckpoint(ctx, info); err != nil {
		return info, err
	}

	m.logger.Info("Checkpoint created",
		zap.String("checkpoint_id", info.CheckpointID),
		zap.Stringer("sequence_point", seq),
		zap.Duration("duration", time.Since(start)))
	return info, nil
}

// RestoreCheckpoint downloads the checkpoint named by state and installs it
// as the index
func (m *Manager) RestoreCheckpoint(ctx context.Context, state model.CheckpointState) error {
	if !state.Available || state.CheckpointID == "" {
		return lerrors.InvalidArgument("no checkpoint available to restore", nil)
	}
	start := time.Now()

	archivePath := filepath.Join(m.cfg.WorkDir, "restore-"+state.CheckpointID+".tar.zst")
	defer os.Remove(archivePath)
	if err := m.download(ctx, state.CheckpointID, archivePath); err != nil {
		return err
	}

	restoreDir := filepath.Join(m.cfg.WorkDir, "restore-"+state.CheckpointID)
	defer os.RemoveAll(restoreDir)
	manifest, err := extractArchive(archivePath, restoreDir)
	if err != nil {
		return lerrors.CheckpointFailed("failed to extract checkpoint", err)
	}
	if manifest.CheckpointID != state.CheckpointID {
		return lerrors.CheckpointFailed(
			fmt.Sprintf("checkpoint archive holds %s, expected %s", manifest.CheckpointID, state.CheckpointID), nil)
	}
	if manifest.SequencePoint != state.SequencePoint.String() {
		return lerrors.CheckpointFailed(
			fmt.Sprintf("checkpoint sequence point %s does not match %s", manifest.SequencePoint, state.SequencePoint), nil)
	}

	if err := verifyFiles(restoreDir, manifest); err != nil {
		return lerrors.CheckpointFailed("checkpoint contents do not match its manifest", err).
			WithDetail("checkpoint_id", state.CheckpointID)
	}

	if err := m.index.RestoreFrom(restoreDir); err != nil {
		return err
	}

	m.logger.Info("Checkpoint restored",
		zap.String("checkpoint_id", state.CheckpointID),
		zap.Stringer("sequence_point", state.SequencePoint),
		zap.Int("files", len(manifest.Files)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (m *Manager) download(ctx context.Context, id, target string) error {
	f, err := os.Create(target)
	if err != nil {
		return lerrors.CheckpointFailed("failed to create checkpoint download", err)
	}
	defer f.Close()

	if err := m.storage.Download(ctx, m.objectName(id), f); err != nil {
		if errors.Is(err, central.ErrNotFound) {
			return lerrors.CheckpointFailed("checkpoint archive is missing", err).WithDetail("checkpoint_id", id)
		}
		return lerrors.Unavailable("failed to download checkpoint", err)
	}
	return nil
}

func writeArchive(target, dir string, info model.CheckpointInfo) (err error) {
	manifest := Manifest{
		CheckpointID:  info.CheckpointID,
		SequencePoint: info.SequencePoint.String(),
		CreatedAt:     info.CreatedAt.UTC(),
	}
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		manifest.Files = append(manifest.Files, ManifestFile{Name: filepath.ToSlash(rel), Size: fi.Size()})
		return nil
	})
	if err != nil {
		return err
	}
	manifestBytes, err := yaml.Marshal(&manifest)
	if err != nil {
		return err
	}

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)

	if err := tw.WriteHeader(&tar.Header{Name: manifestName, Mode: 0644, Size: int64(len(manifestBytes)), ModTime: manifest.CreatedAt}); err != nil {
		return err
	}
	if _, err := tw.Write(manifestBytes); err != nil {
		return err
	}
	for _, file := range manifest.Files {
		if err := appendFile(tw, filepath.Join(dir, filepath.FromSlash(file.Name)), file); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return zw.Close()
}

func appendFile(tw *tar.Writer, p string, file ManifestFile) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := tw.WriteHeader(&tar.Header{Name: file.Name, Mode: 0644, Size: file.Size}); err != nil {
		return err
	}
	_, err = io.CopyN(tw, f, file.Size)
	return err
}

func extractArchive(source, dir string) (Manifest, error) {
	var manifest Manifest
	f, err := os.Open(source)
	if err != nil {
		return manifest, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return manifest, err
	}
	defer zr.Close()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return manifest, err
	}

	tr := tar.NewReader(zr)
	seenManifest := false
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return manifest, err
		}

		if hdr.Name == manifestName {
			data, err := io.ReadAll(tr)
			if err != nil {
				return manifest, err
			}
			if err := yaml.Unmarshal(data, &manifest); err != nil {
				return manifest, fmt.Errorf("invalid checkpoint manifest: %w", err)
			}
			seenManifest = true
			continue
		}

		target := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return manifest, fmt.Errorf("archive entry %q escapes the restore directory", hdr.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return manifest, err
		}
		out, err := os.Create(target)
		if err != nil {
			return manifest, err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return manifest, err
		}
		if err := out.Close(); err != nil {
			return manifest, err
		}
	}

	if !seenManifest {
		return manifest, errors.New("checkpoint archive has no manifest")
	}
	return manifest, nil
}

// verifyFiles checks that dir holds exactly the files the manifest lists,
// each with its recorded size
func verifyFiles(dir string, manifest Manifest) error {
	if len(manifest.Files) == 0 {
		return errors.New("manifest lists no files")
	}
	expected := make(map[string]int64, len(manifest.Files))
	for _, file := range manifest.Files {
		expected[file.Name] = file.Size
	}
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p == dir {
				for name := range expected {
					if _, statErr := os.Stat(filepath.Join(dir, filepath.FromSlash(name))); statErr != nil {
						return fmt.Errorf("file %s: %w", name, statErr)
					}
				}
			}
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		size, ok := expected[name]
		if !ok {
			return fmt.Errorf("file %s is not listed in the manifest", name)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if fi.Size() != size {
			return fmt.Errorf("file %s has %d bytes, manifest records %d", name, fi.Size(), size)
		}
		return nil
	})
}
