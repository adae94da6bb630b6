package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	initialized atomic.Bool
	role        atomic.Value
}

func newFakeStore(initialized bool, role model.Role) *fakeStore {
	s := &fakeStore{}
	s.initialized.Store(initialized)
	s.role.Store(role)
	return s
}

func (s *fakeStore) IsInitialized() bool             { return s.initialized.Load() }
func (s *fakeStore) Role() model.Role                { return s.role.Load().(model.Role) }
func (s *fakeStore) LocalMachineID() model.MachineID { return 7 }

func newChecker(t *testing.T, store StoreStatus, dataDir string, onChange func(bool)) *HealthChecker {
	t.Helper()
	return NewHealthChecker(&HealthCheckConfig{
		Location:          "grpc://a:7089",
		DataDir:           dataDir,
		OnReadinessChange: onChange,
	}, store, clockwork.NewFakeClock(), zap.NewNop())
}

func TestHealthChecker_Status(t *testing.T) {
	tests := []struct {
		name        string
		initialized bool
		role        model.Role
		missingDir  bool
		wantStatus  model.NodeStatus
		wantReady   bool
	}{
		{name: "master", initialized: true, role: model.RoleMaster, wantStatus: model.NodeStatusHealthy, wantReady: true},
		{name: "worker", initialized: true, role: model.RoleWorker, wantStatus: model.NodeStatusHealthy, wantReady: true},
		{name: "role unknown", initialized: true, role: model.RoleUnknown, wantStatus: model.NodeStatusDegraded, wantReady: true},
		{name: "not initialized", initialized: false, role: model.RoleWorker, wantStatus: model.NodeStatusUnhealthy, wantReady: false},
		{name: "data dir missing", initialized: true, role: model.RoleWorker, missingDir: true, wantStatus: model.NodeStatusUnhealthy, wantReady: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.missingDir {
				dir = filepath.Join(dir, "absent")
			}
			h := newChecker(t, newFakeStore(tt.initialized, tt.role), dir, nil)
			h.RunChecks()

			status := h.Status()
			assert.Equal(t, tt.wantStatus, status.Status)
			assert.Equal(t, tt.wantReady, h.IsReady())
			assert.Equal(t, tt.role, status.Role)
			assert.Equal(t, model.MachineID(7), status.MachineID)
			assert.Len(t, h.GetChecks(), 4)
		})
	}
}

func TestHealthChecker_ReadinessCallback(t *testing.T) {
	store := newFakeStore(false, model.RoleUnknown)
	var flips []bool
	h := newChecker(t, store, t.TempDir(), func(ready bool) { flips = append(flips, ready) })

	h.RunChecks()
	assert.Empty(t, flips, "starts not ready")

	store.initialized.Store(true)
	store.role.Store(model.RoleWorker)
	h.RunChecks()
	h.RunChecks()
	assert.Equal(t, []bool{true}, flips)

	h.SetReadiness(false)
	assert.Equal(t, []bool{true, false}, flips)
}

func TestHealthChecker_Handlers(t *testing.T) {
	store := newFakeStore(false, model.RoleUnknown)
	h := newChecker(t, store, t.TempDir(), nil)
	h.RunChecks()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	store.initialized.Store(true)
	store.role.Store(model.RoleMaster)
	h.RunChecks()
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, "master", body["role"])
}
