package central

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// FileSystemStorage stores objects as files under a root directory, usually a
// shared mount
type FileSystemStorage struct {
	root   string
	logger *zap.Logger
}

var _ Storage = (*FileSystemStorage)(nil)

// NewFileSystemStorage creates the root directory if needed
func NewFileSystemStorage(root string, logger *zap.Logger) (*FileSystemStorage, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create central storage directory: %w", err)
	}
	return &FileSystemStorage{root: root, logger: logger}, nil
}

func (s *FileSystemStorage) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(s.root, clean), nil
}

// Upload writes r to name atomically
func (s *FileSystemStorage) Upload(ctx context.Context, name string, r io.Reader) error {
	target, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: r}); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write object %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync object %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close object %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to publish object %s: %w", name, err)
	}

	s.logger.Debug("Object uploaded", zap.String("name", name))
	return nil
}

// Download copies name into w
func (s *FileSystemStorage) Download(ctx context.Context, name string, w io.Writer) error {
	source, err := s.path(name)
	if err != nil {
		return err
	}
	f, err := os.Open(source)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("failed to open object %s: %w", name, err)
	}
	defer f.Close()

	if _, err := io.Copy(w, contextReader{ctx: ctx, r: f}); err != nil {
		return fmt.Errorf("failed to read object %s: %w", name, err)
	}
	return nil
}

// Delete removes name; deleting a missing object succeeds
func (s *FileSystemStorage) Delete(ctx context.Context, name string) error {
	target, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object %s: %w", name, err)
	}
	return nil
}

// Close is a no-op
func (s *FileSystemStorage) Close() error {
	return nil
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
