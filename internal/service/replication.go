package service

import (
	"context"
	"sync/atomic"

	"github.com/devrev/pairdb/location-node/internal/cluster"
	lerrors "github.com/devrev/pairdb/location-node/internal/errors"
	"github.com/devrev/pairdb/location-node/internal/metrics"
	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/devrev/pairdb/location-node/internal/util/workerpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReplicationResult summarizes one proactive replication cycle
type ReplicationResult struct {
	Considered int
	Copied     int
	Failed     int
}

// TriggerProactiveReplication starts a replication cycle in the background
// unless the previous cycle is still running
func (s *LocationStore) TriggerProactiveReplication() *workerpool.Handle {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	if s.replication != nil && !s.replication.IsDone() {
		s.counters.Inc(metrics.ProactiveCycleSkipped)
		return s.replication
	}
	h, err := s.submit(workerpool.Task{
		Name: "proactive-replication",
		Fn: func(ctx context.Context) error {
			_, err := s.ReplicateProactively(ctx)
			return err
		},
	})
	if err != nil {
		s.logger.Warn("Failed to schedule proactive replication", zap.Error(err))
		return workerpool.CompletedHandle("proactive-replication", err)
	}
	s.replication = h
	return h
}

// ReplicateProactively pushes under-replicated local content to the machines
// its bin designates
func (s *LocationStore) ReplicateProactively(ctx context.Context) (ReplicationResult, error) {
	var result ReplicationResult
	if err := s.ensureInitialized("ReplicateProactively"); err != nil {
		return result, err
	}
	if s.copier == nil || s.content == nil {
		return result, lerrors.InvalidConfiguration("copier", "proactive replication requires a copier and a content store")
	}
	bm := s.cluster.BinManager()
	if bm == nil {
		s.logger.Debug("No bin assignment yet, skipping proactive replication")
		return result, nil
	}

	infos, err := s.content.GetContentInfo(ctx)
	if err != nil {
		return result, err
	}

	local := s.cluster.LocalMachineID()
	var copied, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.Replication.Workers, 1))

	for _, info := range infos {
		if result.Considered >= s.cfg.Replication.MaxCopiesPerCycle {
			break
		}
		entry, found, err := s.index.TryGetEntry(info.Hash)
		if err != nil || !found || entry.ReplicaCount() >= s.cfg.Replication.DesiredReplicas {
			continue
		}
		target, ok := s.replicationTarget(bm, info.Hash, entry, local)
		if !ok {
			continue
		}
		result.Considered++

		hash := model.ShortHashWithSize{Hash: info.Hash, Size: info.Size}
		g.Go(func() error {
			if err := s.copyLimiter.Wait(gctx); err != nil {
				return err
			}
			if err := s.copier.CopyTo(gctx, hash, target); err != nil {
				failed.Add(1)
				s.counters.Inc(metrics.ProactiveCopyFailures)
				s.reputation.Report(target, cluster.ReputationBad)
				s.logger.Debug("Proactive copy failed",
					zap.Stringer("hash", hash.Hash),
					zap.String("target", target.String()),
					zap.Error(err))
				return nil
			}
			copied.Add(1)
			s.counters.Inc(metrics.ProactiveCopies)
			return nil
		})
	}

	err = g.Wait()
	result.Copied = int(copied.Load())
	result.Failed = int(failed.Load())
	if err != nil {
		return result, lerrors.Cancelled(err)
	}
	if result.Considered > 0 {
		s.logger.Info("Proactive replication cycle completed",
			zap.Int("considered", result.Considered),
			zap.Int("copied", result.Copied),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

// replicationTarget picks the first designated machine that is active and
// does not hold the content yet
func (s *LocationStore) replicationTarget(bm *cluster.BinManager, hash model.ShortHash, entry model.ContentLocationEntry, local model.MachineID) (model.MachineLocation, bool) {
	for _, id := range bm.DesignatedLocations(hash) {
		if id == local || entry.Locations.Contains(id) || s.cluster.IsInactive(id) {
			continue
		}
		if loc, ok := s.cluster.Resolve(id); ok {
			return loc, true
		}
	}
	return "", false
}
