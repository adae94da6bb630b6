package globalstore

import (
	"context"
	"time"

	"github.com/devrev/pairdb/location-node/internal/cluster"
	"github.com/devrev/pairdb/location-node/internal/model"
)

// Store is the authoritative cluster-wide store. A Store value acts on
// behalf of one machine, identified by the location it was created with.
type Store interface {
	// RegisterMachine returns the id of the local machine, assigning one on
	// first contact
	RegisterMachine(ctx context.Context) (model.MachineID, error)

	// GetCheckpointState arbitrates the role of the local machine and reports
	// the latest registered checkpoint
	GetCheckpointState(ctx context.Context) (model.CheckpointState, error)
	RegisterCheckpoint(ctx context.Context, info model.CheckpointInfo) error
	ReleaseRoleIfNecessary(ctx context.Context) error

	// UpdateClusterState records a heartbeat for the local machine and merges
	// membership and inactivity into state
	UpdateClusterState(ctx context.Context, state *cluster.State) error

	RegisterLocations(ctx context.Context, machine model.MachineID, hashes []model.ShortHashWithSize) error
	RemoveLocations(ctx context.Context, machine model.MachineID, hashes []model.ShortHash) error
	GetBulk(ctx context.Context, hashes []model.ShortHash) ([]model.ContentLocationEntry, error)

	PutBlob(ctx context.Context, key string, data []byte) error
	GetBlob(ctx context.Context, key string) ([]byte, bool, error)

	Close() error
}

// Config holds global store timing
type Config struct {
	KeyPrefix             string
	RoleLeaseTTL          time.Duration
	InactiveMachineExpiry time.Duration
	LocationEntryExpiry   time.Duration
	BlobExpiry            time.Duration
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "loc"
	}
	if c.RoleLeaseTTL <= 0 {
		c.RoleLeaseTTL = 5 * time.Minute
	}
	if c.InactiveMachineExpiry <= 0 {
		c.InactiveMachineExpiry = 30 * time.Minute
	}
	return c
}
