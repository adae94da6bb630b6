package service

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	lerrors "github.com/devrev/pairdb/location-node/internal/errors"
	"github.com/devrev/pairdb/location-node/internal/metrics"
	"github.com/devrev/pairdb/location-node/internal/model"
	"go.uber.org/zap"
)

// ReconcileOptions tunes one reconciliation run
type ReconcileOptions struct {
	// Force ignores the marker of a recent run
	Force bool
}

// ReconcileResult summarizes a reconciliation run
type ReconcileResult struct {
	Skipped bool
	Cycles  int
	Added   int
	Removed int
}

// Reconcile repairs divergence between the local content store and what the
// index records for this machine. Differences are emitted in bounded cycles.
func (s *LocationStore) Reconcile(ctx context.Context, opts ReconcileOptions) (ReconcileResult, error) {
	var result ReconcileResult
	if err := s.ensureInitialized("Reconcile"); err != nil {
		return result, err
	}
	if s.content == nil {
		return result, lerrors.InvalidConfiguration("content", "reconciliation requires a content store")
	}
	if !opts.Force && s.reconciledRecently() {
		s.counters.Inc(metrics.ReconcileSkipped)
		s.logger.Info("Skipping reconciliation, a recent run is recorded")
		result.Skipped = true
		return result, nil
	}

	start := s.clock.Now()
	s.counters.Inc(metrics.ReconcileRuns)
	local := s.cluster.LocalMachineID()
	maxDiff := s.cfg.Reconcile.MaxDiffSize

	var cursor *model.ShortHash
	for {
		if err := ctx.Err(); err != nil {
			return result, lerrors.Cancelled(err)
		}
		var delay <-chan time.Time
		if s.cfg.Reconcile.CycleDelay > 0 {
			delay = s.clock.After(s.cfg.Reconcile.CycleDelay)
		}

		cycle, err := s.reconcileCycle(ctx, local, cursor, maxDiff)
		if err != nil {
			s.logger.Warn("Reconciliation cycle failed", zap.Int("cycle", result.Cycles), zap.Error(err))
			return result, err
		}
		result.Cycles++
		result.Added += len(cycle.added)
		result.Removed += len(cycle.removed)
		s.counters.Inc(metrics.ReconcileCycles)
		s.counters.Add(metrics.ReconcileAdded, int64(len(cycle.added)))
		s.counters.Add(metrics.ReconcileRemoved, int64(len(cycle.removed)))

		if cycle.size() < maxDiff {
			break
		}
		cursor = cycle.last

		if delay != nil {
			select {
			case <-ctx.Done():
				return result, lerrors.Cancelled(ctx.Err())
			case <-delay:
			}
		}
	}

	if err := s.writeReconcileMarker(); err != nil {
		s.logger.Warn("Failed to write reconciliation marker", zap.Error(err))
	}
	s.counters.ObserveDuration("reconcile", s.clock.Since(start))
	s.logger.Info("Reconciliation completed",
		zap.Int("cycles", result.Cycles),
		zap.Int("added", result.Added),
		zap.Int("removed", result.Removed))
	return result, nil
}

type reconcileDiff struct {
	added   []model.ShortHashWithSize
	removed []model.ShortHash
	last    *model.ShortHash
}

func (d *reconcileDiff) size() int {
	return len(d.added) + len(d.removed)
}

func (d *reconcileDiff) addLeft(h model.ShortHashWithSize) {
	d.added = append(d.added, h)
	d.last = &h.Hash
}

func (d *reconcileDiff) addRight(h model.ShortHash) {
	d.removed = append(d.removed, h)
	d.last = &h
}

// reconcileCycle computes and emits at most maxDiff differences after cursor.
// Outbound events stay paused for the whole cycle.
func (s *LocationStore) reconcileCycle(ctx context.Context, local model.MachineID, cursor *model.ShortHash, maxDiff int) (*reconcileDiff, error) {
	resume := s.events.PauseSendingEvents()
	defer resume()

	infos, err := s.content.GetContentInfo(ctx)
	if err != nil {
		return nil, err
	}
	physical := make([]model.ShortHashWithSize, 0, len(infos))
	for _, info := range infos {
		if cursor != nil && info.Hash.Compare(*cursor) <= 0 {
			continue
		}
		physical = append(physical, model.ShortHashWithSize{Hash: info.Hash, Size: info.Size})
	}
	slices.SortFunc(physical, func(a, b model.ShortHashWithSize) int { return a.Hash.Compare(b.Hash) })

	diff, err := s.diffAgainstIndex(physical, s.index.EnumerateSortedHashesWithSize(local, cursor), maxDiff)
	if err != nil {
		return nil, err
	}
	if diff.size() == 0 {
		return diff, nil
	}

	store, err := s.eventFactory()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	emitErr := store.Reconcile(ctx, local, diff.added, diff.removed, now)
	if closeErr := store.Close(); closeErr != nil {
		s.logger.Debug("Failed to close reconciliation event store", zap.Error(closeErr))
	}
	if emitErr != nil {
		return nil, emitErr
	}

	if len(diff.added) > 0 {
		if err := s.index.LocationAdded(local, diff.added, now); err != nil {
			return nil, err
		}
	}
	if len(diff.removed) > 0 {
		if err := s.index.LocationRemoved(local, diff.removed); err != nil {
			return nil, err
		}
	}
	return diff, nil
}

// diffAgainstIndex merges the sorted physical list with the sorted indexed
// hashes. The index iteration is finished before returning so no index lock
// is held while events are emitted.
func (s *LocationStore) diffAgainstIndex(physical []model.ShortHashWithSize, indexed iter.Seq2[model.ShortHashWithSize, error], maxDiff int) (*reconcileDiff, error) {
	next, stop := iter.Pull2(indexed)
	defer stop()

	diff := &reconcileDiff{}
	right, err, ok := next()
	if err != nil {
		return nil, err
	}
	i := 0
	for diff.size() < maxDiff && (i < len(physical) || ok) {
		var cmp int
		switch {
		case i >= len(physical):
			cmp = 1
		case !ok:
			cmp = -1
		default:
			cmp = physical[i].Hash.Compare(right.Hash)
		}

		if cmp < 0 {
			diff.addLeft(physical[i])
			i++
			continue
		}
		if cmp > 0 {
			diff.addRight(right.Hash)
		} else {
			i++
		}
		if right, err, ok = next(); err != nil {
			return nil, err
		}
	}
	return diff, nil
}

// reconciledRecently reads the marker left by the last completed run
func (s *LocationStore) reconciledRecently() bool {
	path := s.cfg.Reconcile.MarkerFile
	if path == "" {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	prefix, stamp, found := strings.Cut(strings.TrimSpace(string(data)), "|")
	if !found || prefix != s.checkpoints.Prefix() {
		return false
	}
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return false
	}
	window := time.Duration(float64(s.cfg.LocationEntryExpiry) * 0.75)
	return s.clock.Since(at) < window
}

func (s *LocationStore) writeReconcileMarker() error {
	path := s.cfg.Reconcile.MarkerFile
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	marker := fmt.Sprintf("%s|%s", s.checkpoints.Prefix(), s.clock.Now().UTC().Format(time.RFC3339))
	return os.WriteFile(path, []byte(marker), 0644)
}
