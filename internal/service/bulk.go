package service

import (
	"context"
	"iter"
	"math/rand/v2"
	"sync"

	"github.com/devrev/pairdb/location-node/internal/cluster"
	lerrors "github.com/devrev/pairdb/location-node/internal/errors"
	"github.com/devrev/pairdb/location-node/internal/metrics"
	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/devrev/pairdb/location-node/internal/util/workerpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Origin selects where GetBulk resolves locations
type Origin int

const (
	OriginLocal Origin = iota
	OriginGlobal
)

func (o Origin) String() string {
	if o == OriginGlobal {
		return "global"
	}
	return "local"
}

// ParseOrigin accepts "local" and "global"
func ParseOrigin(s string) (Origin, error) {
	switch s {
	case "", "local":
		return OriginLocal, nil
	case "global":
		return OriginGlobal, nil
	default:
		return OriginLocal, lerrors.InvalidArgument("unknown origin "+s, nil)
	}
}

// ContentLocations is the resolved entry of one hash
type ContentLocations struct {
	Hash  model.ShortHash
	Entry model.ContentLocationEntry

	locations  []model.MachineLocation
	reputation *cluster.ReputationTracker

	mu       sync.Mutex
	shuffled []model.MachineLocation
}

// NewContentLocations builds a resolved entry. reputation may be nil, in
// which case every location is weighted equally.
func NewContentLocations(hash model.ShortHash, entry model.ContentLocationEntry, locations []model.MachineLocation, reputation *cluster.ReputationTracker) *ContentLocations {
	return &ContentLocations{Hash: hash, Entry: entry, locations: locations, reputation: reputation}
}

// Locations returns the resolved locations in machine id order
func (c *ContentLocations) Locations() []model.MachineLocation {
	return c.locations
}

// Candidates yields the locations in a random order biased toward machines
// with a good reputation. The order is drawn lazily and fixed on first use.
func (c *ContentLocations) Candidates() iter.Seq[model.MachineLocation] {
	return func(yield func(model.MachineLocation) bool) {
		for i := 0; ; i++ {
			loc, ok := c.candidate(i)
			if !ok || !yield(loc) {
				return
			}
		}
	}
}

func (c *ContentLocations) candidate(i int) (model.MachineLocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.shuffled) <= i {
		remaining := c.remaining()
		if len(remaining) == 0 {
			return "", false
		}
		c.shuffled = append(c.shuffled, c.pick(remaining))
	}
	return c.shuffled[i], true
}

func (c *ContentLocations) remaining() []model.MachineLocation {
	taken := make(map[model.MachineLocation]struct{}, len(c.shuffled))
	for _, loc := range c.shuffled {
		taken[loc] = struct{}{}
	}
	out := make([]model.MachineLocation, 0, len(c.locations)-len(c.shuffled))
	for _, loc := range c.locations {
		if _, ok := taken[loc]; !ok {
			out = append(out, loc)
		}
	}
	return out
}

// pick draws one location with probability proportional to its weight
func (c *ContentLocations) pick(from []model.MachineLocation) model.MachineLocation {
	weights := make([]float64, len(from))
	total := 0.0
	for i, loc := range from {
		w := cluster.ReputationGood.Weight()
		if c.reputation != nil {
			w = c.reputation.Reputation(loc).Weight()
		}
		weights[i] = w
		total += w
	}
	r := rand.Float64() * total
	for i, w := range weights {
		if r < w {
			return from[i]
		}
		r -= w
	}
	return from[len(from)-1]
}

// GetBulkResult holds one ContentLocations per requested hash, in order
type GetBulkResult struct {
	Origin  Origin
	Entries []*ContentLocations
}

// GetBulk resolves the locations of hashes from the local index or the
// global store. Stale local entries are touched with a single event.
func (s *LocationStore) GetBulk(ctx context.Context, hashes []model.ShortHash, origin Origin) (*GetBulkResult, error) {
	result := &GetBulkResult{Origin: origin}
	if len(hashes) == 0 {
		return result, nil
	}
	if err := s.ensureInitialized("GetBulk"); err != nil {
		return nil, err
	}
	start := s.clock.Now()

	var entries []model.ContentLocationEntry
	var err error
	if origin == OriginGlobal {
		s.counters.Inc(metrics.GetBulkGlobal)
		entries, err = s.getBulkGlobal(ctx, hashes)
	} else {
		s.counters.Inc(metrics.GetBulkLocal)
		entries, err = s.getBulkLocal(ctx, hashes)
	}
	if err != nil {
		return nil, err
	}

	unknown := false
	result.Entries = make([]*ContentLocations, len(hashes))
	for i, h := range hashes {
		entry := entries[i]
		if entry.IsMissing() {
			s.counters.Inc(metrics.GetBulkMissing)
		}
		locations, sawUnknown := s.resolveActive(entry.Locations)
		unknown = unknown || sawUnknown
		result.Entries[i] = &ContentLocations{
			Hash:       h,
			Entry:      entry,
			locations:  locations,
			reputation: s.reputation,
		}
	}
	if unknown {
		s.counters.Inc(metrics.UnknownMachineSeen)
		s.refreshClusterStateAsync()
	}

	s.counters.ObserveDuration("get_bulk_"+origin.String(), s.clock.Since(start))
	return result, nil
}

func (s *LocationStore) getBulkLocal(ctx context.Context, hashes []model.ShortHash) ([]model.ContentLocationEntry, error) {
	now := s.clock.Now()
	entries := make([]model.ContentLocationEntry, len(hashes))
	var stale []model.ShortHash
	for i, h := range hashes {
		entry, found, err := s.index.TryGetEntry(h)
		if err != nil {
			return nil, err
		}
		if !found {
			entries[i] = model.MissingEntry
			continue
		}
		entries[i] = entry
		if !entry.TouchedWithin(now, s.cfg.TouchFrequency) {
			stale = append(stale, h)
		}
	}

	if len(stale) > 0 {
		if err := s.events.Touch(ctx, s.cluster.LocalMachineID(), stale, now); err != nil {
			s.logger.Warn("Failed to touch stale entries", zap.Int("hashes", len(stale)), zap.Error(err))
		} else if err := s.index.Touched(stale, now); err != nil {
			s.logger.Warn("Failed to record touch in index", zap.Error(err))
		}
		s.counters.Add(metrics.GetBulkStaleTouched, int64(len(stale)))
	}
	return entries, nil
}

func (s *LocationStore) getBulkGlobal(ctx context.Context, hashes []model.ShortHash) ([]model.ContentLocationEntry, error) {
	chunks := batches(hashes, s.cfg.GlobalBatchSize)
	results := make([][]model.ContentLocationEntry, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, chunk := range chunks {
		g.Go(func() error {
			entries, err := s.global.GetBulk(gctx, chunk)
			if err != nil {
				return err
			}
			results[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, lerrors.Cancelled(ctx.Err())
		}
		return nil, lerrors.Unavailable("global lookup failed", err)
	}

	entries := make([]model.ContentLocationEntry, 0, len(hashes))
	for _, r := range results {
		entries = append(entries, r...)
	}
	return entries, nil
}

// resolveActive maps ids to locations, leaving out inactive machines
func (s *LocationStore) resolveActive(ids model.MachineIDSet) ([]model.MachineLocation, bool) {
	active := ids
	for _, id := range ids.IDs() {
		if s.cluster.IsInactive(id) {
			active = active.Remove(id)
		}
	}
	return s.cluster.ResolveSet(active)
}

// refreshClusterStateAsync reloads membership in the background, at most one
// refresh at a time
func (s *LocationStore) refreshClusterStateAsync() {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	if s.refresh != nil && !s.refresh.IsDone() {
		return
	}
	h, err := s.submit(workerpool.Task{
		Name: "cluster-refresh",
		Fn: func(ctx context.Context) error {
			if err := s.global.UpdateClusterState(ctx, s.cluster); err != nil {
				return err
			}
			s.counters.Inc(metrics.ClusterStateRefreshed)
			return nil
		},
	})
	if err != nil {
		s.logger.Warn("Failed to schedule cluster state refresh", zap.Error(err))
		return
	}
	s.refresh = h
}

// WaitForClusterRefresh waits for a pending cluster state refresh
func (s *LocationStore) WaitForClusterRefresh(ctx context.Context) error {
	s.tasksMu.Lock()
	h := s.refresh
	s.tasksMu.Unlock()
	if h == nil {
		return nil
	}
	return h.Wait(ctx)
}
