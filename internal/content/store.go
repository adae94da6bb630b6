package content

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/location-node/internal/model"
)

// Store is the physical content held by this machine
type Store interface {
	// GetContentInfo lists all content, most recently used first
	GetContentInfo(ctx context.Context) ([]model.ContentInfo, error)
	TryGetContentInfo(ctx context.Context, hash model.ShortHash) (model.ContentInfo, bool, error)
}

// Copier pushes local content to another machine, used for proactive
// replication
type Copier interface {
	CopyTo(ctx context.Context, hash model.ShortHashWithSize, target model.MachineLocation) error
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu    sync.RWMutex
	items map[model.ShortHash]model.ContentInfo
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding infos
func NewMemoryStore(infos ...model.ContentInfo) *MemoryStore {
	s := &MemoryStore{items: make(map[model.ShortHash]model.ContentInfo)}
	for _, info := range infos {
		s.items[info.Hash] = info
	}
	return s
}

// Put adds or replaces content
func (s *MemoryStore) Put(info model.ContentInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[info.Hash] = info
}

// Remove drops content
func (s *MemoryStore) Remove(hash model.ShortHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, hash)
}

// Touch bumps the access time of content
func (s *MemoryStore) Touch(hash model.ShortHash, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.items[hash]; ok {
		info.LastAccessTime = ts
		s.items[hash] = info
	}
}

// GetContentInfo lists content, most recently used first
func (s *MemoryStore) GetContentInfo(ctx context.Context) ([]model.ContentInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]model.ContentInfo, 0, len(s.items))
	for _, info := range s.items {
		out = append(out, info)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAccessTime.Equal(out[j].LastAccessTime) {
			return out[i].LastAccessTime.After(out[j].LastAccessTime)
		}
		return out[i].Hash.Compare(out[j].Hash) < 0
	})
	return out, nil
}

// TryGetContentInfo looks up one hash
func (s *MemoryStore) TryGetContentInfo(ctx context.Context, hash model.ShortHash) (model.ContentInfo, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.items[hash]
	return info, ok, nil
}
