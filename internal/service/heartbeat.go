package service

import (
	"context"
	"time"

	lerrors "github.com/devrev/pairdb/location-node/internal/errors"
	"github.com/devrev/pairdb/location-node/internal/metrics"
	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/devrev/pairdb/location-node/internal/util/workerpool"
	"go.uber.org/zap"
)

// HeartbeatOptions tunes a single heartbeat
type HeartbeatOptions struct {
	// ForceRestore restores the latest checkpoint even when it was already
	// applied
	ForceRestore bool

	// Wait blocks until a running heartbeat finishes instead of skipping
	Wait bool
}

// Heartbeat arbitrates the role, restores or creates checkpoints and
// refreshes cluster state. Overlapping calls are skipped unless Wait is set.
func (s *LocationStore) Heartbeat(ctx context.Context, opts HeartbeatOptions) error {
	select {
	case s.heartbeatGate <- struct{}{}:
	default:
		if !opts.Wait {
			s.counters.Inc(metrics.HeartbeatSkipped)
			return nil
		}
		select {
		case s.heartbeatGate <- struct{}{}:
		case <-ctx.Done():
			return lerrors.Cancelled(ctx.Err())
		}
	}
	defer func() { <-s.heartbeatGate }()

	start := s.clock.Now()
	err := s.processState(ctx, opts.ForceRestore)
	s.counters.ObserveDuration("heartbeat", s.clock.Since(start))
	if err != nil {
		s.counters.Inc(metrics.HeartbeatFailed)
		return err
	}
	s.counters.Inc(metrics.HeartbeatSucceeded)
	s.markInitialized()
	return nil
}

// processState runs one heartbeat; the new role snapshot is committed only
// once every step succeeded
func (s *LocationStore) processState(ctx context.Context, forceRestore bool) error {
	prev := s.role.Load()
	next := *prev

	state, err := s.global.GetCheckpointState(ctx)
	if err != nil {
		return lerrors.Unavailable("global store", err)
	}
	now := s.clock.Now()
	next.role = state.Role
	roleChanged := state.Role != prev.role

	shouldRestore := forceRestore || roleChanged ||
		(state.Role == model.RoleWorker && now.Sub(prev.lastRestoreTime) >= s.cfg.RestoreCheckpointInterval)
	if shouldRestore {
		if s.shouldSkipFirstRestore(prev, state, now) {
			s.counters.Inc(metrics.CheckpointRestoreSkipped)
			s.logger.Info("Skipping first checkpoint restore, checkpoint is recent",
				zap.String("checkpoint_id", state.CheckpointID),
				zap.Time("checkpoint_time", state.CheckpointTime))
		} else if err := s.restoreCheckpoint(ctx, state, forceRestore); err != nil {
			return err
		}
		next.restoreAttempted = true
		next.lastRestoreTime = now
	}

	if err := s.global.UpdateClusterState(ctx, s.cluster); err != nil {
		return lerrors.Unavailable("global store", err)
	}
	isMaster := state.Role == model.RoleMaster
	if err := s.index.UpdateClusterState(s.cluster, isMaster); err != nil {
		return err
	}
	active := s.cluster.ActiveMachines()
	s.counters.UpdateClusterStats(len(active), s.cluster.InactiveMachines().Count())

	if isMaster {
		s.refreshBinManager(active)
		if err := s.events.StartProcessing(ctx, state.SequencePoint); err != nil {
			return err
		}
		if state.CheckpointTime.After(next.lastCheckpointTime) {
			next.lastCheckpointTime = state.CheckpointTime
		}
		if now.Sub(next.lastCheckpointTime) >= s.cfg.CreateCheckpointInterval {
			created, err := s.createCheckpoint(ctx)
			if err != nil {
				return err
			}
			if created {
				next.lastCheckpointTime = now
			}
		}
	} else if err := s.events.SuspendProcessing(ctx); err != nil {
		return err
	}

	s.role.Store(&next)
	if roleChanged {
		s.counters.Inc(metrics.RoleChanged)
		s.counters.SetRole(string(state.Role), string(model.RoleMaster), string(model.RoleWorker), string(model.RoleUnknown))
		s.logger.Info("Role changed",
			zap.String("from", string(prev.role)),
			zap.String("to", string(state.Role)),
			zap.Int32("machine_id", int32(s.cluster.LocalMachineID())))
	}
	return nil
}

// shouldSkipFirstRestore lets a fresh process start from its persisted index
// when the latest checkpoint is recent enough
func (s *LocationStore) shouldSkipFirstRestore(prev *roleState, state model.CheckpointState, now time.Time) bool {
	if prev.restoreAttempted || !state.Available || s.cfg.RestoreCheckpointAgeThreshold <= 0 {
		return false
	}
	return now.Sub(state.CheckpointTime) < s.cfg.RestoreCheckpointAgeThreshold
}

// ProcessStateAsync runs a heartbeat in the background. At most one such
// heartbeat is pending at a time; a caller arriving while one is pending gets
// its handle.
func (s *LocationStore) ProcessStateAsync(opts HeartbeatOptions) *workerpool.Handle {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	if s.pendingHeartbeat != nil && !s.pendingHeartbeat.IsDone() {
		return s.pendingHeartbeat
	}
	h, err := s.submit(workerpool.Task{
		Name: "heartbeat",
		Fn: func(ctx context.Context) error {
			return s.Heartbeat(ctx, opts)
		},
	})
	if err != nil {
		s.logger.Warn("Failed to schedule heartbeat", zap.Error(err))
		return workerpool.CompletedHandle("heartbeat", err)
	}
	s.pendingHeartbeat = h
	return h
}

// onIndexInvalidated forces a restore when the index reports corruption.
// Concurrent signals collapse into one restore.
func (s *LocationStore) onIndexInvalidated(cause error) {
	s.counters.Inc(metrics.IndexInvalidated)
	if s.isShuttingDown() || !s.invalidationGate.CompareAndSwap(false, true) {
		return
	}
	s.logger.Error("Location index invalidated, restoring from checkpoint", zap.Error(cause))

	h, err := s.submit(workerpool.Task{
		Name: "index-invalidation",
		Fn: func(ctx context.Context) error {
			defer s.invalidationGate.Store(false)
			return s.Heartbeat(ctx, HeartbeatOptions{ForceRestore: true, Wait: true})
		},
	})
	if err != nil {
		s.invalidationGate.Store(false)
		s.logger.Warn("Failed to schedule restore after invalidation", zap.Error(err))
		return
	}
	s.tasksMu.Lock()
	s.pendingHeartbeat = h
	s.tasksMu.Unlock()
}
