package content

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lerrors "github.com/devrev/pairdb/location-node/internal/errors"
	"github.com/devrev/pairdb/location-node/internal/model"
	"go.uber.org/zap"
)

const tempPrefix = ".incoming-"

// DirectoryStore keeps content as flat files named by their hex short hash.
// The file modification time is the last access time.
type DirectoryStore struct {
	root   string
	guard  *DiskGuard
	logger *zap.Logger
}

var _ Store = (*DirectoryStore)(nil)

// NewDirectoryStore opens or creates a content directory
func NewDirectoryStore(root string, logger *zap.Logger) (*DirectoryStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create content directory: %w", err)
	}
	return &DirectoryStore{root: root, logger: logger}, nil
}

func (s *DirectoryStore) path(hash model.ShortHash) string {
	return filepath.Join(s.root, hash.String())
}

// SetDiskGuard makes CheckBeforeWrite consult guard
func (s *DirectoryStore) SetDiskGuard(guard *DiskGuard) {
	s.guard = guard
}

// CheckBeforeWrite reports whether content of size bytes may be stored.
// Without a guard every write is allowed.
func (s *DirectoryStore) CheckBeforeWrite(size int64) error {
	if s.guard == nil {
		return nil
	}
	return s.guard.CheckBeforeWrite(size)
}

// GetContentInfo lists content, most recently used first. Files whose name is
// not a hash are ignored.
func (s *DirectoryStore) GetContentInfo(ctx context.Context) ([]model.ContentInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list content directory: %w", err)
	}
	out := make([]model.ContentInfo, 0, len(entries))
	for i, entry := range entries {
		if i%1024 == 0 {
			if err := lerrors.FromContext(ctx); err != nil {
				return nil, err
			}
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		hash, err := model.ParseShortHash(entry.Name())
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed since the listing
			continue
		}
		out = append(out, model.ContentInfo{Hash: hash, Size: info.Size(), LastAccessTime: info.ModTime()})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAccessTime.Equal(out[j].LastAccessTime) {
			return out[i].LastAccessTime.After(out[j].LastAccessTime)
		}
		return out[i].Hash.Compare(out[j].Hash) < 0
	})
	return out, nil
}

// TryGetContentInfo looks up one hash
func (s *DirectoryStore) TryGetContentInfo(ctx context.Context, hash model.ShortHash) (model.ContentInfo, bool, error) {
	info, err := os.Stat(s.path(hash))
	if os.IsNotExist(err) {
		return model.ContentInfo{}, false, nil
	}
	if err != nil {
		return model.ContentInfo{}, false, err
	}
	return model.ContentInfo{Hash: hash, Size: info.Size(), LastAccessTime: info.ModTime()}, true, nil
}

// Open returns a reader over the content and its size
func (s *DirectoryStore) Open(hash model.ShortHash) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.path(hash))
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// Put stores content read from r, replacing any previous copy atomically
func (s *DirectoryStore) Put(ctx context.Context, hash model.ShortHash, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(s.root, tempPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write content %s: %w", hash, err)
	}
	if err := lerrors.FromContext(ctx); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), s.path(hash)); err != nil {
		return 0, fmt.Errorf("failed to install content %s: %w", hash, err)
	}
	s.logger.Debug("Stored content", zap.Stringer("hash", hash), zap.Int64("size", n))
	return n, nil
}

// Remove deletes content. Removing absent content is not an error.
func (s *DirectoryStore) Remove(hash model.ShortHash) error {
	if err := os.Remove(s.path(hash)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Touch bumps the access time of content
func (s *DirectoryStore) Touch(hash model.ShortHash, ts time.Time) error {
	return os.Chtimes(s.path(hash), ts, ts)
}
