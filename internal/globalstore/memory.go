package globalstore

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/location-node/internal/cluster"
	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/jonboulle/clockwork"
)

// MemoryBackend holds cluster-wide state in process. Each machine talks to it
// through its own MemoryStore.
type MemoryBackend struct {
	cfg   Config
	clock clockwork.Clock

	mu          sync.Mutex
	machines    map[model.MachineLocation]model.MachineID
	locations   map[model.MachineID]model.MachineLocation
	heartbeats  map[model.MachineID]time.Time
	master      model.MachineLocation
	leaseExpiry time.Time
	checkpoint  model.CheckpointInfo
	entries     map[model.ShortHash]model.ContentLocationEntry
	blobs       map[string][]byte
}

// NewMemoryBackend creates an empty in-process global store
func NewMemoryBackend(cfg Config, clock clockwork.Clock) *MemoryBackend {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryBackend{
		cfg:        cfg.withDefaults(),
		clock:      clock,
		machines:   make(map[model.MachineLocation]model.MachineID),
		locations:  make(map[model.MachineID]model.MachineLocation),
		heartbeats: make(map[model.MachineID]time.Time),
		entries:    make(map[model.ShortHash]model.ContentLocationEntry),
		blobs:      make(map[string][]byte),
	}
}

// Store returns the view of the backend for the machine at location
func (b *MemoryBackend) Store(location model.MachineLocation) *MemoryStore {
	return &MemoryStore{backend: b, location: location}
}

// Master returns the current lease holder, empty when none
func (b *MemoryBackend) Master() model.MachineLocation {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clock.Now().After(b.leaseExpiry) {
		return ""
	}
	return b.master
}

// MemoryStore is a Store backed by a MemoryBackend
type MemoryStore struct {
	backend  *MemoryBackend
	location model.MachineLocation

	// calls counts operations, used to assert collaborators were not contacted
	calls sync.Map

	stateErr atomic.Pointer[error]
}

// FailCheckpointState makes GetCheckpointState return err until cleared with nil
func (s *MemoryStore) FailCheckpointState(err error) {
	if err == nil {
		s.stateErr.Store(nil)
		return
	}
	s.stateErr.Store(&err)
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) count(op string) {
	v, _ := s.calls.LoadOrStore(op, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// Calls returns how many times op was invoked on this store
func (s *MemoryStore) Calls(op string) int {
	v, ok := s.calls.Load(op)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int64).Load())
}

// RegisterMachine assigns the next free id on first contact
func (s *MemoryStore) RegisterMachine(ctx context.Context) (model.MachineID, error) {
	s.count("RegisterMachine")
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.machines[s.location]; ok {
		return id, nil
	}
	id := model.MachineID(len(b.machines))
	b.machines[s.location] = id
	b.locations[id] = s.location
	return id, nil
}

// GetCheckpointState acquires or renews the master lease when free
func (s *MemoryStore) GetCheckpointState(ctx context.Context) (model.CheckpointState, error) {
	s.count("GetCheckpointState")
	if err := s.stateErr.Load(); err != nil {
		return model.CheckpointState{}, *err
	}
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	role := model.RoleWorker
	if b.master == s.location || b.master == "" || now.After(b.leaseExpiry) {
		b.master = s.location
		b.leaseExpiry = now.Add(b.cfg.RoleLeaseTTL)
		role = model.RoleMaster
	}

	return model.CheckpointState{
		Role:           role,
		CheckpointID:   b.checkpoint.CheckpointID,
		SequencePoint:  b.checkpoint.SequencePoint,
		CheckpointTime: b.checkpoint.CreatedAt,
		Available:      b.checkpoint.CheckpointID != "",
	}, nil
}

// RegisterCheckpoint records the latest checkpoint
func (s *MemoryStore) RegisterCheckpoint(ctx context.Context, info model.CheckpointInfo) error {
	s.count("RegisterCheckpoint")
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkpoint = info
	return nil
}

// ReleaseRoleIfNecessary gives up the master lease when held
func (s *MemoryStore) ReleaseRoleIfNecessary(ctx context.Context) error {
	s.count("ReleaseRoleIfNecessary")
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.master == s.location {
		b.master = ""
		b.leaseExpiry = time.Time{}
	}
	return nil
}

// UpdateClusterState heartbeats and merges membership into state
func (s *MemoryStore) UpdateClusterState(ctx context.Context, state *cluster.State) error {
	s.count("UpdateClusterState")
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if id, ok := b.machines[s.location]; ok {
		b.heartbeats[id] = now
	}

	var inactive []model.MachineID
	for id, loc := range b.locations {
		state.AddMachine(id, loc)
		if last, ok := b.heartbeats[id]; !ok || now.Sub(last) > b.cfg.InactiveMachineExpiry {
			inactive = append(inactive, id)
		}
	}
	state.SetInactiveMachines(model.NewMachineIDSet(inactive...))
	return nil
}

// RegisterLocations records machine as a holder of hashes
func (s *MemoryStore) RegisterLocations(ctx context.Context, machine model.MachineID, hashes []model.ShortHashWithSize) error {
	s.count("RegisterLocations")
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	for _, h := range hashes {
		current, ok := b.entries[h.Hash]
		if !ok {
			current = model.MissingEntry
		}
		b.entries[h.Hash] = current.WithLocation(machine, h.Size, now)
	}
	return nil
}

// RemoveLocations drops machine from hashes
func (s *MemoryStore) RemoveLocations(ctx context.Context, machine model.MachineID, hashes []model.ShortHash) error {
	s.count("RemoveLocations")
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range hashes {
		current, ok := b.entries[h]
		if !ok {
			continue
		}
		next := current.WithoutLocation(machine)
		if next.Locations.IsEmpty() {
			delete(b.entries, h)
			continue
		}
		b.entries[h] = next
	}
	return nil
}

// GetBulk returns one entry per hash, MissingEntry when unknown
func (s *MemoryStore) GetBulk(ctx context.Context, hashes []model.ShortHash) ([]model.ContentLocationEntry, error) {
	s.count("GetBulk")
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.ContentLocationEntry, len(hashes))
	for i, h := range hashes {
		entry, ok := b.entries[h]
		if !ok {
			entry = model.MissingEntry
		}
		out[i] = entry
	}
	return out, nil
}

// PutBlob stores a blob
func (s *MemoryStore) PutBlob(ctx context.Context, key string, data []byte) error {
	s.count("PutBlob")
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[key] = bytes.Clone(data)
	return nil
}

// GetBlob reads a blob
func (s *MemoryStore) GetBlob(ctx context.Context, key string) ([]byte, bool, error) {
	s.count("GetBlob")
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[key]
	return bytes.Clone(data), ok, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
