package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	statusHealthy  = "healthy"
	statusWarning  = "warning"
	statusCritical = "critical"
)

// StoreStatus is the view of the location store the checker needs
type StoreStatus interface {
	IsInitialized() bool
	Role() model.Role
	LocalMachineID() model.MachineID
}

// HealthChecker performs health checks for the location node
type HealthChecker struct {
	location model.MachineLocation
	dataDir  string
	store    StoreStatus
	clock    clockwork.Clock
	interval time.Duration
	onChange func(ready bool)
	logger   *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	Location model.MachineLocation
	DataDir  string
	Interval time.Duration

	// OnReadinessChange is called whenever readiness flips
	OnReadinessChange func(ready bool)
}

// NewHealthChecker creates a new health checker. The node is not ready until
// the first check passes.
func NewHealthChecker(cfg *HealthCheckConfig, store StoreStatus, clock clockwork.Clock, logger *zap.Logger) *HealthChecker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HealthChecker{
		location: cfg.Location,
		dataDir:  cfg.DataDir,
		store:    store,
		clock:    clock,
		interval: interval,
		onChange: cfg.OnReadinessChange,
		logger:   logger,
		checks:   make(map[string]CheckResult),
		status:   model.NodeStatusUnhealthy,
	}
}

// Start runs the checks until ctx is cancelled
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks()
	for {
		select {
		case <-ticker.Chan():
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks evaluates every check once and updates the overall status
func (h *HealthChecker) RunChecks() {
	checks := []func() CheckResult{
		h.checkStoreInitialized,
		h.checkRole,
		h.checkDataDirAccessible,
		h.checkDiskSpace,
	}
	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		results = append(results, check())
	}

	status := model.NodeStatusHealthy
	ready := true
	for _, r := range results {
		switch r.Status {
		case statusCritical:
			status = model.NodeStatusUnhealthy
			ready = false
		case statusWarning:
			if status == model.NodeStatusHealthy {
				status = model.NodeStatusDegraded
			}
		}
	}

	h.mu.Lock()
	changed := ready != h.readinessOK
	h.lastCheck = h.clock.Now()
	h.status = status
	h.readinessOK = ready
	for _, r := range results {
		h.checks[r.Name] = r
	}
	h.mu.Unlock()

	if changed {
		h.logger.Info("Readiness changed", zap.Bool("ready", ready), zap.String("status", string(status)))
		if h.onChange != nil {
			h.onChange(ready)
		}
	}
}

func (h *HealthChecker) result(name, status, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message, Timestamp: h.clock.Now()}
}

func (h *HealthChecker) checkStoreInitialized() CheckResult {
	if !h.store.IsInitialized() {
		return h.result("location_store", statusCritical, "Location store has not completed a heartbeat")
	}
	return h.result("location_store", statusHealthy, "Location store initialized")
}

func (h *HealthChecker) checkRole() CheckResult {
	role := h.store.Role()
	if role == model.RoleUnknown {
		return h.result("role", statusWarning, "Role not yet assigned")
	}
	return h.result("role", statusHealthy, fmt.Sprintf("Running as %s", role))
}

// checkDataDirAccessible checks the index directory exists and is writable
func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	const name = "data_dir_accessible"
	info, err := os.Stat(h.dataDir)
	if err != nil {
		return h.result(name, statusCritical, fmt.Sprintf("Data directory not accessible: %v", err))
	}
	if !info.IsDir() {
		return h.result(name, statusCritical, "Data path is not a directory")
	}

	probe := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", h.clock.Now().UnixNano()))
	f, err := os.Create(probe)
	if err != nil {
		return h.result(name, statusCritical, fmt.Sprintf("Cannot write to data directory: %v", err))
	}
	f.Close()
	os.Remove(probe)

	return h.result(name, statusHealthy, "Data directory is accessible and writable")
}

func (h *HealthChecker) checkDiskSpace() CheckResult {
	const name = "disk_space"
	var stat syscall.Statfs_t
	if err := syscall.Statfs(h.dataDir, &stat); err != nil {
		return h.result(name, statusCritical, fmt.Sprintf("Failed to stat filesystem: %v", err))
	}

	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return h.result(name, statusHealthy, "Filesystem reports no capacity")
	}
	used := total - stat.Bfree*uint64(stat.Bsize)
	usagePercent := float64(used) / float64(total) * 100

	switch {
	case usagePercent > 95:
		return h.result(name, statusCritical, fmt.Sprintf("Disk usage critical: %.2f%%", usagePercent))
	case usagePercent > 90:
		return h.result(name, statusWarning, fmt.Sprintf("Disk usage high: %.2f%%", usagePercent))
	}
	available := stat.Bavail * uint64(stat.Bsize)
	return h.result(name, statusHealthy,
		fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB", usagePercent, float64(available)/1024/1024/1024))
}

// IsReady returns whether the node can serve lookups
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// SetReadiness overrides readiness, used while draining on shutdown
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	changed := ready != h.readinessOK
	h.readinessOK = ready
	h.mu.Unlock()
	if changed && h.onChange != nil {
		h.onChange(ready)
	}
}

// Status returns the health this machine advertises to its peers
func (h *HealthChecker) Status() model.MachineHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return model.MachineHealth{
		MachineID: h.store.LocalMachineID(),
		Location:  h.location,
		Role:      h.store.Role(),
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
	}
}

// GetChecks returns a copy of the latest check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// LivenessHandler handles HTTP liveness probe requests. A process able to
// answer is live.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := h.Status()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy": true,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	status := h.Status()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":  ready,
		"status": status.Status,
		"role":   status.Role,
		"checks": h.GetChecks(),
	})
}
