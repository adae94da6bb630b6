package content

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	lerrors "github.com/devrev/pairdb/location-node/internal/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// DiskGuardConfig holds the usage thresholds, in percent of the filesystem
type DiskGuardConfig struct {
	Dir               string
	CheckInterval     time.Duration
	ThrottleThreshold float64
	RejectThreshold   float64
}

// DiskUsage is the last observed state of the filesystem
type DiskUsage struct {
	UsagePercent   float64
	AvailableBytes uint64
	Throttled      bool
	Rejecting      bool
	LastCheck      time.Time
}

// statFunc reports total and available bytes of the filesystem holding dir
type statFunc func(dir string) (total, available uint64, err error)

// DiskGuard refuses incoming content when the content filesystem fills up.
// Above the throttle threshold only writes smaller than a tenth of the free
// space pass; above the reject threshold nothing does.
type DiskGuard struct {
	cfg    DiskGuardConfig
	stat   statFunc
	clock  clockwork.Clock
	logger *zap.Logger

	mu    sync.Mutex
	usage DiskUsage
}

// NewDiskGuard creates a guard for cfg.Dir
func NewDiskGuard(cfg DiskGuardConfig, clock clockwork.Clock, logger *zap.Logger) *DiskGuard {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.ThrottleThreshold <= 0 {
		cfg.ThrottleThreshold = 90
	}
	if cfg.RejectThreshold <= 0 {
		cfg.RejectThreshold = 95
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DiskGuard{cfg: cfg, stat: statfs, clock: clock, logger: logger}
}

func statfs(dir string) (uint64, uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return st.Blocks * uint64(st.Bsize), st.Bavail * uint64(st.Bsize), nil
}

// CheckBeforeWrite returns an InsufficientDisk error when a write of size
// bytes must be refused. A size of zero or less means unknown.
func (g *DiskGuard) CheckBeforeWrite(size int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.usage.LastCheck.IsZero() || g.clock.Since(g.usage.LastCheck) > g.cfg.CheckInterval {
		if err := g.refreshLocked(); err != nil {
			// an unreadable filesystem fails the write itself
			g.logger.Warn("Disk usage check failed", zap.Error(err))
			return nil
		}
	}

	u := g.usage
	switch {
	case u.Rejecting:
		return lerrors.InsufficientDisk(fmt.Sprintf("disk usage at %.2f%%, refusing content", u.UsagePercent))
	case size > 0 && uint64(size) > u.AvailableBytes:
		return lerrors.InsufficientDisk(fmt.Sprintf("need %d bytes, have %d", size, u.AvailableBytes))
	case u.Throttled && size > 0 && uint64(size) > u.AvailableBytes/10:
		return lerrors.InsufficientDisk(fmt.Sprintf("disk usage at %.2f%%, large content throttled", u.UsagePercent))
	}
	return nil
}

// Usage returns the last observed usage, refreshing it first
func (g *DiskGuard) Usage() (DiskUsage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.refreshLocked()
	return g.usage, err
}

func (g *DiskGuard) refreshLocked() error {
	total, available, err := g.stat(g.cfg.Dir)
	if err != nil {
		return err
	}
	prev := g.usage
	next := DiskUsage{AvailableBytes: available, LastCheck: g.clock.Now()}
	if total > 0 {
		next.UsagePercent = float64(total-available) / float64(total) * 100
	}
	next.Rejecting = next.UsagePercent >= g.cfg.RejectThreshold
	next.Throttled = !next.Rejecting && next.UsagePercent >= g.cfg.ThrottleThreshold
	g.usage = next

	switch {
	case next.Rejecting && !prev.Rejecting:
		g.logger.Error("Content disk full, refusing incoming content",
			zap.Float64("usage_percent", next.UsagePercent),
			zap.Uint64("available_bytes", available))
	case !next.Rejecting && prev.Rejecting:
		g.logger.Info("Content disk accepting content again",
			zap.Float64("usage_percent", next.UsagePercent))
	case next.Throttled && !prev.Throttled:
		g.logger.Warn("Content disk usage high, throttling large content",
			zap.Float64("usage_percent", next.UsagePercent),
			zap.Float64("threshold", g.cfg.ThrottleThreshold))
	}
	return nil
}
