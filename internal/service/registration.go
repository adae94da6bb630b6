package service

import (
	"context"
	"time"

	lerrors "github.com/devrev/pairdb/location-node/internal/errors"
	"github.com/devrev/pairdb/location-node/internal/metrics"
	"github.com/devrev/pairdb/location-node/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RegisterAction is how a single hash is registered
type RegisterAction int

const (
	RegisterEagerGlobal RegisterAction = iota
	RegisterRecentInactiveEagerGlobal
	RegisterRecentRemoveEagerGlobal
	RegisterLazyEventOnly
	RegisterLazyTouchEventOnly
	RegisterSkippedDueToRecentAdd
	RegisterSkippedDueToRedundantAdd
)

// RegisterCoreAction is what a RegisterAction does
type RegisterCoreAction int

const (
	CoreActionSkip RegisterCoreAction = iota
	CoreActionEvents
	CoreActionGlobal
)

func (a RegisterAction) String() string {
	switch a {
	case RegisterEagerGlobal:
		return "EagerGlobal"
	case RegisterRecentInactiveEagerGlobal:
		return "RecentInactiveEagerGlobal"
	case RegisterRecentRemoveEagerGlobal:
		return "RecentRemoveEagerGlobal"
	case RegisterLazyEventOnly:
		return "LazyEventOnly"
	case RegisterLazyTouchEventOnly:
		return "LazyTouchEventOnly"
	case RegisterSkippedDueToRecentAdd:
		return "SkippedDueToRecentAdd"
	case RegisterSkippedDueToRedundantAdd:
		return "SkippedDueToRedundantAdd"
	default:
		return "Unknown"
	}
}

// Core maps an action to skip, event-only or global registration
func (a RegisterAction) Core() RegisterCoreAction {
	switch a {
	case RegisterSkippedDueToRecentAdd, RegisterSkippedDueToRedundantAdd:
		return CoreActionSkip
	case RegisterLazyEventOnly, RegisterLazyTouchEventOnly:
		return CoreActionEvents
	default:
		return CoreActionGlobal
	}
}

func (a RegisterAction) counter() metrics.Counter {
	switch a {
	case RegisterRecentInactiveEagerGlobal:
		return metrics.RegisterRecentInactiveEagerGlobal
	case RegisterRecentRemoveEagerGlobal:
		return metrics.RegisterRecentRemoveEagerGlobal
	case RegisterLazyEventOnly:
		return metrics.RegisterLazyEventOnly
	case RegisterLazyTouchEventOnly:
		return metrics.RegisterLazyTouchEventOnly
	case RegisterSkippedDueToRecentAdd:
		return metrics.RegisterSkippedRecentAdd
	case RegisterSkippedDueToRedundantAdd:
		return metrics.RegisterSkippedRedundantAdd
	default:
		return metrics.RegisterEagerGlobal
	}
}

// GetRegisterAction decides how hash is registered by the local machine.
// The first matching rule wins.
func (s *LocationStore) GetRegisterAction(hash model.ShortHash, now time.Time) RegisterAction {
	if s.recentlyRemoved.Contains(hash) {
		return RegisterRecentRemoveEagerGlobal
	}

	// other machines may still be filtering this machine out of results
	if last := s.cluster.LastInactiveTime(); !last.IsZero() {
		window := time.Duration(s.cfg.RecentInactiveMultiplier) * s.cfg.MachineStateRecomputeInterval
		if now.Sub(last) < window {
			return RegisterRecentInactiveEagerGlobal
		}
	}

	if s.recentlyAdded.Contains(hash) {
		return RegisterSkippedDueToRecentAdd
	}

	entry, found, err := s.index.TryGetEntry(hash)
	if err != nil {
		s.logger.Debug("Index lookup failed during registration", zap.Stringer("hash", hash), zap.Error(err))
		return RegisterEagerGlobal
	}
	if !found {
		return RegisterEagerGlobal
	}
	if entry.Locations.Contains(s.cluster.LocalMachineID()) {
		if entry.TouchedWithin(now, s.cfg.TouchFrequency) {
			return RegisterSkippedDueToRedundantAdd
		}
		return RegisterLazyTouchEventOnly
	}
	if entry.ReplicaCount() >= s.cfg.SafeToLazilyUpdateMachineCountThreshold {
		return RegisterLazyEventOnly
	}
	return RegisterEagerGlobal
}

// RegisterLocalLocation records the local machine as a holder of hashes.
// Every non-skipped hash is published as an event; hashes that need it are
// also written to the global store.
func (s *LocationStore) RegisterLocalLocation(ctx context.Context, hashes []model.ShortHashWithSize) error {
	if err := s.ensureInitialized("RegisterLocalLocation"); err != nil {
		return err
	}
	if len(hashes) == 0 {
		return nil
	}
	start := s.clock.Now()
	now := start
	local := s.cluster.LocalMachineID()

	var eventHashes, globalHashes []model.ShortHashWithSize
	for _, h := range hashes {
		action := s.GetRegisterAction(h.Hash, now)
		s.counters.Inc(action.counter())
		switch action.Core() {
		case CoreActionSkip:
			continue
		case CoreActionGlobal:
			globalHashes = append(globalHashes, h)
		}
		eventHashes = append(eventHashes, h)
	}

	if len(globalHashes) > 0 {
		if err := s.registerGlobal(ctx, local, globalHashes); err != nil {
			s.logger.Warn("Failed to register locations globally",
				zap.Int("hashes", len(globalHashes)), zap.Error(err))
			return err
		}
		s.counters.Add(metrics.RegisterGlobalHashes, int64(len(globalHashes)))
	}

	if len(eventHashes) > 0 {
		if err := s.events.AddLocations(ctx, local, eventHashes, now); err != nil {
			s.logger.Warn("Failed to publish location events",
				zap.Int("hashes", len(eventHashes)), zap.Error(err))
			return err
		}
		if err := s.index.LocationAdded(local, eventHashes, now); err != nil {
			return err
		}
		s.counters.Add(metrics.RegisterEventHashes, int64(len(eventHashes)))
	}

	for _, h := range eventHashes {
		s.recentlyAdded.Add(h.Hash, s.cfg.RecentAddExpiry)
	}
	for _, h := range globalHashes {
		s.recentlyRemoved.Invalidate(h.Hash)
	}
	s.counters.ObserveDuration("register", s.clock.Since(start))
	return nil
}

// registerGlobal writes hashes to the global store in parallel batches
func (s *LocationStore) registerGlobal(ctx context.Context, machine model.MachineID, hashes []model.ShortHashWithSize) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, batch := range batches(hashes, s.cfg.GlobalBatchSize) {
		g.Go(func() error {
			return s.global.RegisterLocations(gctx, machine, batch)
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return lerrors.Cancelled(ctx.Err())
		}
		return lerrors.Unavailable("global store", err)
	}
	return nil
}

// TouchBulk bumps the access time of hashes held by the local machine.
// Hashes touched within the touch frequency are skipped.
func (s *LocationStore) TouchBulk(ctx context.Context, hashes []model.ShortHash) error {
	if err := s.ensureInitialized("TouchBulk"); err != nil {
		return err
	}
	var pending []model.ShortHash
	for _, h := range hashes {
		if s.recentlyTouched.Contains(h) {
			continue
		}
		pending = append(pending, h)
	}
	if len(pending) == 0 {
		return nil
	}

	now := s.clock.Now()
	if err := s.events.Touch(ctx, s.cluster.LocalMachineID(), pending, now); err != nil {
		return err
	}
	if err := s.index.Touched(pending, now); err != nil {
		return err
	}
	for _, h := range pending {
		s.recentlyTouched.Add(h, s.cfg.TouchFrequency)
	}
	s.counters.Add(metrics.TouchedHashes, int64(len(pending)))
	return nil
}

// TrimBulkLocal removes the local machine as a holder of hashes
func (s *LocationStore) TrimBulkLocal(ctx context.Context, hashes []model.ShortHash) error {
	if err := s.ensureInitialized("TrimBulkLocal"); err != nil {
		return err
	}
	if len(hashes) == 0 {
		return nil
	}
	now := s.clock.Now()
	local := s.cluster.LocalMachineID()

	if err := s.events.RemoveLocations(ctx, local, hashes, now); err != nil {
		return err
	}
	if err := s.index.LocationRemoved(local, hashes); err != nil {
		return err
	}
	for _, batch := range batches(hashes, s.cfg.GlobalBatchSize) {
		if err := s.global.RemoveLocations(ctx, local, batch); err != nil {
			s.logger.Warn("Failed to remove locations globally", zap.Int("hashes", len(batch)), zap.Error(err))
			return lerrors.Unavailable("global store", err)
		}
	}

	for _, h := range hashes {
		s.recentlyRemoved.Add(h, s.cfg.RecentRemoveExpiry)
		s.recentlyAdded.Invalidate(h)
		s.recentlyTouched.Invalidate(h)
	}
	s.counters.Add(metrics.TrimmedHashes, int64(len(hashes)))
	return nil
}

func batches[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
