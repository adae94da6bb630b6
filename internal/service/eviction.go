package service

import (
	"iter"
	"math"
	"time"

	"github.com/devrev/pairdb/location-node/internal/metrics"
	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/devrev/pairdb/location-node/internal/util/approxsort"
	"go.uber.org/zap"
)

// GetHashesInEvictionOrder orders local content for eviction, most evictable
// first. infos must be ordered most recently used first. The result is lazy:
// consuming a prefix only examines part of infos.
func (s *LocationStore) GetHashesInEvictionOrder(infos []model.ContentInfo) (iter.Seq[model.ContentEvictionInfo], error) {
	if err := s.ensureInitialized("GetHashesInEvictionOrder"); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	less := func(a, b model.ContentEvictionInfo) bool { return a.EvictsBefore(b) }

	half := len(infos) / 2
	newest := approxsort.Sort(s.evictionInfos(infos[:half], now), less, s.cfg.Eviction.Sort)
	oldest := approxsort.Sort(s.evictionInfos(infos[half:], now), less, s.cfg.Eviction.Sort)
	merged := approxsort.Merge(oldest, newest, less)

	minAge := s.cfg.Eviction.MinEvictionAge
	return approxsort.Filter(merged, func(c model.ContentEvictionInfo) bool {
		if c.Age < minAge {
			s.counters.Inc(metrics.EvictionFilteredYoung)
			return false
		}
		s.counters.Inc(metrics.EvictionCandidates)
		return true
	}), nil
}

// evictionInfos lazily computes eviction info for infos
func (s *LocationStore) evictionInfos(infos []model.ContentInfo, now time.Time) iter.Seq[model.ContentEvictionInfo] {
	return func(yield func(model.ContentEvictionInfo) bool) {
		for _, info := range infos {
			if !yield(s.evictionInfo(info, now)) {
				return
			}
		}
	}
}

func (s *LocationStore) evictionInfo(info model.ContentInfo, now time.Time) model.ContentEvictionInfo {
	age := max(now.Sub(info.LastAccessTime), 0)

	replicas := 1
	if s.cfg.Eviction.UseReplicaCount {
		entry, found, err := s.index.TryGetEntry(info.Hash)
		if err != nil {
			s.logger.Debug("Index lookup failed during eviction", zap.Stringer("hash", info.Hash), zap.Error(err))
		} else if found {
			replicas = max(entry.ReplicaCount(), 1)
		}
	}

	return model.ContentEvictionInfo{
		Hash:         info.Hash,
		Size:         info.Size,
		Age:          age,
		EffectiveAge: s.effectiveAge(age, replicas, info.Size),
		ReplicaCount: replicas,
	}
}

// effectiveAge scales age up for well replicated and large content, and down
// for content with fewer replicas than desired
func (s *LocationStore) effectiveAge(age time.Duration, replicas int, size int64) time.Duration {
	factor := 1.0
	if s.cfg.Eviction.UseReplicaCount {
		desired := max(s.cfg.Eviction.DesiredReplicas, 1)
		factor *= float64(replicas) / float64(desired)
	}
	if s.cfg.Eviction.UseSize && size > 0 {
		factor *= 1 + math.Log10(1+float64(size)/(1<<20))
	}
	// never accessed content has a saturated age; keep the product in range
	scaled := float64(age) * factor
	if scaled >= math.MaxInt64 {
		return math.MaxInt64
	}
	return time.Duration(scaled)
}
