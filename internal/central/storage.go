package central

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a named object does not exist
var ErrNotFound = errors.New("central storage object not found")

// Storage holds checkpoint archives shared by every machine of the cluster
type Storage interface {
	Upload(ctx context.Context, name string, r io.Reader) error
	Download(ctx context.Context, name string, w io.Writer) error
	Delete(ctx context.Context, name string) error
	Close() error
}
