package service

import (
	"context"

	"github.com/devrev/pairdb/location-node/internal/cluster"
	"github.com/devrev/pairdb/location-node/internal/metrics"
	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/devrev/pairdb/location-node/internal/util/workerpool"
	"go.uber.org/zap"
)

// CreateCheckpoint snapshots the index at the last processed event and
// registers it. It succeeds without doing anything when no event has been
// processed yet.
func (s *LocationStore) CreateCheckpoint(ctx context.Context) error {
	_, err := s.createCheckpoint(ctx)
	return err
}

func (s *LocationStore) createCheckpoint(ctx context.Context) (bool, error) {
	seq, ok := s.events.LastProcessedSequencePoint()
	if !ok {
		s.counters.Inc(metrics.CheckpointCreateSkipped)
		s.logger.Debug("No processed events yet, skipping checkpoint")
		return false, nil
	}

	if bm := s.cluster.BinManager(); bm != nil {
		data, err := bm.Serialize()
		if err != nil {
			return false, err
		}
		if err := s.index.SetGlobalEntry(binManagerKey, data); err != nil {
			return false, err
		}
	}

	start := s.clock.Now()
	info, err := s.checkpoints.CreateCheckpoint(ctx, seq)
	if err != nil {
		s.logger.Error("Failed to create checkpoint", zap.Stringer("sequence_point", seq), zap.Error(err))
		return false, err
	}
	s.counters.Inc(metrics.CheckpointCreated)
	s.counters.ObserveDuration("create_checkpoint", s.clock.Since(start))
	s.logger.Info("Created checkpoint",
		zap.String("checkpoint_id", info.CheckpointID),
		zap.Stringer("sequence_point", seq))
	return true, nil
}

// RestoreCheckpoint installs the checkpoint named by state as the local
// index. Restoring the checkpoint already applied is a no-op unless force is
// set; an unavailable checkpoint is not an error.
func (s *LocationStore) RestoreCheckpoint(ctx context.Context, state model.CheckpointState, force bool) error {
	return s.restoreCheckpoint(ctx, state, force)
}

func (s *LocationStore) restoreCheckpoint(ctx context.Context, state model.CheckpointState, force bool) error {
	if !state.Available || state.CheckpointID == "" {
		s.logger.Debug("No checkpoint available to restore")
		return nil
	}

	s.restoreMu.Lock()
	defer s.restoreMu.Unlock()
	if !force && state.CheckpointID == s.lastRestoredID {
		s.counters.Inc(metrics.CheckpointRestoreNoop)
		return nil
	}

	// the consumer position no longer matches the index once it is replaced
	if s.events.IsProcessing() {
		if err := s.events.SuspendProcessing(ctx); err != nil {
			return err
		}
	}

	start := s.clock.Now()
	if err := s.checkpoints.RestoreCheckpoint(ctx, state); err != nil {
		s.logger.Error("Failed to restore checkpoint",
			zap.String("checkpoint_id", state.CheckpointID), zap.Error(err))
		return err
	}
	s.lastRestoredID = state.CheckpointID
	s.counters.Inc(metrics.CheckpointRestored)
	s.counters.ObserveDuration("restore_checkpoint", s.clock.Since(start))
	s.loadBinManager()

	s.logger.Info("Restored checkpoint",
		zap.String("checkpoint_id", state.CheckpointID),
		zap.Stringer("sequence_point", state.SequencePoint),
		zap.Bool("forced", force))

	s.triggerInitialReconciliation()
	return nil
}

// LastRestoredCheckpointID returns the id of the last applied checkpoint
func (s *LocationStore) LastRestoredCheckpointID() string {
	s.restoreMu.Lock()
	defer s.restoreMu.Unlock()
	return s.lastRestoredID
}

// loadBinManager installs the bin manager persisted in the index, if any
func (s *LocationStore) loadBinManager() {
	data, found, err := s.index.TryGetGlobalEntry(binManagerKey)
	if err != nil {
		s.logger.Warn("Failed to read bin manager", zap.Error(err))
		return
	}
	if !found {
		return
	}
	bm, err := cluster.DeserializeBinManager(data)
	if err != nil {
		s.logger.Warn("Failed to decode bin manager", zap.Error(err))
		return
	}
	s.cluster.SetBinManager(bm)
}

// refreshBinManager rebuilds bin assignments when the active set changed
func (s *LocationStore) refreshBinManager(active []model.MachineID) {
	if !s.cfg.Replication.Enabled {
		return
	}
	if bm := s.cluster.BinManager(); bm != nil && bm.HasMachines(active) {
		return
	}
	bm := cluster.NewBinManager(s.cfg.Replication.Bins, s.cfg.Replication.LocationsPerBin, active)
	s.cluster.SetBinManager(bm)
	s.logger.Info("Rebuilt bin manager", zap.Int("machines", len(active)), zap.Int("bins", bm.Bins()))
}

// triggerInitialReconciliation starts reconciliation after the first
// successful restore of this process
func (s *LocationStore) triggerInitialReconciliation() {
	if s.content == nil || !s.cfg.Reconcile.Enabled {
		return
	}
	if !s.reconcileTriggered.CompareAndSwap(false, true) {
		return
	}
	h, err := s.submit(workerpool.Task{
		Name: "reconcile",
		Fn: func(ctx context.Context) error {
			// the restore runs inside the first heartbeat
			if err := s.WaitForInitialization(ctx); err != nil {
				return err
			}
			_, err := s.Reconcile(ctx, ReconcileOptions{})
			return err
		},
	})
	if err != nil {
		s.reconcileTriggered.Store(false)
		s.logger.Warn("Failed to schedule reconciliation", zap.Error(err))
		return
	}
	s.tasksMu.Lock()
	s.reconciliation = h
	s.tasksMu.Unlock()
}
