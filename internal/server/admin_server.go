package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strconv"
	"time"

	"github.com/devrev/pairdb/location-node/internal/content"
	lerrors "github.com/devrev/pairdb/location-node/internal/errors"
	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/devrev/pairdb/location-node/internal/service"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 16 << 20

// LocationService is the part of the location store the admin API drives
type LocationService interface {
	RegisterLocalLocation(ctx context.Context, hashes []model.ShortHashWithSize) error
	TrimBulkLocal(ctx context.Context, hashes []model.ShortHash) error
	TouchBulk(ctx context.Context, hashes []model.ShortHash) error
	GetBulk(ctx context.Context, hashes []model.ShortHash, origin service.Origin) (*service.GetBulkResult, error)
	GetHashesInEvictionOrder(infos []model.ContentInfo) (iter.Seq[model.ContentEvictionInfo], error)
	Reconcile(ctx context.Context, opts service.ReconcileOptions) (service.ReconcileResult, error)
	Heartbeat(ctx context.Context, opts service.HeartbeatOptions) error
	CreateCheckpoint(ctx context.Context) error
	Role() model.Role
	LocalMachineID() model.MachineID
	IsInitialized() bool
	LastRestoredCheckpointID() string
}

// Probes serves the liveness and readiness endpoints
type Probes interface {
	LivenessHandler(w http.ResponseWriter, r *http.Request)
	ReadinessHandler(w http.ResponseWriter, r *http.Request)
}

// ContentReceiver stores content pushed by other machines
type ContentReceiver interface {
	CheckBeforeWrite(size int64) error
	Put(ctx context.Context, hash model.ShortHash, r io.Reader) (int64, error)
}

// AdminServerDeps are the collaborators behind the routes. Only Store is
// required.
type AdminServerDeps struct {
	Store    LocationService
	Gatherer prometheus.Gatherer
	Probes   Probes
	Peers    func() []model.MachineHealth
	Content  ContentReceiver
}

// AdminServerConfig holds configuration for the admin server
type AdminServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MetricsPath  string
}

// AdminServer exposes the location store, metrics and probes over HTTP
type AdminServer struct {
	router     *mux.Router
	httpServer *http.Server
	store      LocationService
	peers      func() []model.MachineHealth
	content    ContentReceiver
	logger     *zap.Logger
}

// NewAdminServer wires the routes
func NewAdminServer(cfg *AdminServerConfig, deps AdminServerDeps, logger *zap.Logger) *AdminServer {
	router := mux.NewRouter()
	s := &AdminServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		store:   deps.Store,
		peers:   deps.Peers,
		content: deps.Content,
		logger:  logger,
	}

	router.Use(Recovery(logger), RequestID, Logging(logger))

	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if deps.Gatherer != nil {
		router.Handle(metricsPath, promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if deps.Probes != nil {
		router.HandleFunc("/health/live", deps.Probes.LivenessHandler).Methods(http.MethodGet)
		router.HandleFunc("/health/ready", deps.Probes.ReadinessHandler).Methods(http.MethodGet)
	}

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/status", s.status).Methods(http.MethodGet)
	v1.HandleFunc("/peers", s.listPeers).Methods(http.MethodGet)

	locations := v1.PathPrefix("/locations").Subrouter()
	locations.HandleFunc("/register", s.register).Methods(http.MethodPost)
	locations.HandleFunc("/trim", s.trim).Methods(http.MethodPost)
	locations.HandleFunc("/touch", s.touch).Methods(http.MethodPost)
	locations.HandleFunc("/bulk", s.getBulk).Methods(http.MethodPost)

	if deps.Content != nil {
		v1.HandleFunc("/content/{hash}", s.receiveContent).Methods(http.MethodPut)
	}

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/heartbeat", s.heartbeat).Methods(http.MethodPost)
	admin.HandleFunc("/checkpoint", s.checkpoint).Methods(http.MethodPost)
	admin.HandleFunc("/reconcile", s.reconcile).Methods(http.MethodPost)
	admin.HandleFunc("/eviction-order", s.evictionOrder).Methods(http.MethodPost)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "endpoint not found")
	})
	return s
}

// Handler returns the router, used by tests
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping admin server")
	return s.httpServer.Shutdown(ctx)
}

type hashRequest struct {
	Hashes []hashWithSize `json:"hashes"`
}

type hashWithSize struct {
	Hash string `json:"hash"`
	Size int64  `json:"size,omitempty"`
}

type bulkRequest struct {
	Hashes []string `json:"hashes"`
	Origin string   `json:"origin"`
}

type bulkEntry struct {
	Hash           string    `json:"hash"`
	Size           int64     `json:"size"`
	Locations      []string  `json:"locations"`
	LastAccessTime time.Time `json:"last_access_time"`
}

type contentInfo struct {
	Hash           string    `json:"hash"`
	Size           int64     `json:"size"`
	LastAccessTime time.Time `json:"last_access_time"`
}

type evictionRequest struct {
	Content []contentInfo `json:"content"`
	Limit   int           `json:"limit"`
}

type evictionCandidate struct {
	Hash                string  `json:"hash"`
	Size                int64   `json:"size"`
	AgeSeconds          float64 `json:"age_seconds"`
	EffectiveAgeSeconds float64 `json:"effective_age_seconds"`
	ReplicaCount        int     `json:"replica_count"`
}

func (s *AdminServer) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"machine_id":               s.store.LocalMachineID(),
		"role":                     s.store.Role(),
		"initialized":              s.store.IsInitialized(),
		"last_restored_checkpoint": s.store.LastRestoredCheckpointID(),
	})
}

func (s *AdminServer) listPeers(w http.ResponseWriter, r *http.Request) {
	peers := []model.MachineHealth{}
	if s.peers != nil {
		peers = s.peers()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"peers": peers})
}

func (s *AdminServer) register(w http.ResponseWriter, r *http.Request) {
	var req hashRequest
	if !s.decode(w, r, &req) {
		return
	}
	hashes := make([]model.ShortHashWithSize, len(req.Hashes))
	for i, h := range req.Hashes {
		parsed, err := model.ParseShortHash(h.Hash)
		if err != nil {
			s.fail(w, r, lerrors.InvalidArgument("invalid hash", err))
			return
		}
		hashes[i] = model.ShortHashWithSize{Hash: parsed, Size: h.Size}
	}
	if err := s.store.RegisterLocalLocation(r.Context(), hashes); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"registered": len(hashes)})
}

func (s *AdminServer) trim(w http.ResponseWriter, r *http.Request) {
	hashes, ok := s.decodeHashes(w, r)
	if !ok {
		return
	}
	if err := s.store.TrimBulkLocal(r.Context(), hashes); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trimmed": len(hashes)})
}

func (s *AdminServer) touch(w http.ResponseWriter, r *http.Request) {
	hashes, ok := s.decodeHashes(w, r)
	if !ok {
		return
	}
	if err := s.store.TouchBulk(r.Context(), hashes); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"touched": len(hashes)})
}

func (s *AdminServer) getBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !s.decode(w, r, &req) {
		return
	}
	origin, err := service.ParseOrigin(req.Origin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	hashes, err := parseHashes(req.Hashes)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	result, err := s.store.GetBulk(r.Context(), hashes, origin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries := make([]bulkEntry, len(result.Entries))
	for i, e := range result.Entries {
		// candidates are returned in the order callers should try them
		locations := []string{}
		for loc := range e.Candidates() {
			locations = append(locations, loc.String())
		}
		entries[i] = bulkEntry{
			Hash:           e.Hash.String(),
			Size:           e.Entry.Size,
			Locations:      locations,
			LastAccessTime: e.Entry.LastAccessTime,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"origin":  result.Origin.String(),
		"entries": entries,
	})
}

// receiveContent stores content pushed by proactive replication and
// registers this machine as a location
func (s *AdminServer) receiveContent(w http.ResponseWriter, r *http.Request) {
	hash, err := model.ParseShortHash(mux.Vars(r)["hash"])
	if err != nil {
		s.fail(w, r, lerrors.InvalidArgument("invalid hash", err))
		return
	}
	var size int64
	if v := r.Header.Get(content.SizeHeader); v != "" {
		if size, err = strconv.ParseInt(v, 10, 64); err != nil {
			s.fail(w, r, lerrors.InvalidArgument("invalid content size", err))
			return
		}
	}
	if err := s.content.CheckBeforeWrite(size); err != nil {
		s.fail(w, r, err)
		return
	}
	body, err := content.DecodeBody(r)
	if err != nil {
		s.fail(w, r, lerrors.InvalidArgument("undecodable body", err))
		return
	}
	defer body.Close()

	size, err = s.content.Put(r.Context(), hash, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.RegisterLocalLocation(r.Context(), []model.ShortHashWithSize{{Hash: hash, Size: size}}); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hash": hash.String(), "size": size})
}

func (s *AdminServer) heartbeat(w http.ResponseWriter, r *http.Request) {
	opts := service.HeartbeatOptions{
		ForceRestore: r.URL.Query().Get("force_restore") == "true",
		Wait:         true,
	}
	if err := s.store.Heartbeat(r.Context(), opts); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"role": s.store.Role()})
}

func (s *AdminServer) checkpoint(w http.ResponseWriter, r *http.Request) {
	if s.store.Role() != model.RoleMaster {
		s.fail(w, r, lerrors.InvalidArgument("only the master creates checkpoints", nil))
		return
	}
	if err := s.store.CreateCheckpoint(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (s *AdminServer) reconcile(w http.ResponseWriter, r *http.Request) {
	opts := service.ReconcileOptions{Force: r.URL.Query().Get("force") == "true"}
	result, err := s.store.Reconcile(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"skipped": result.Skipped,
		"cycles":  result.Cycles,
		"added":   result.Added,
		"removed": result.Removed,
	})
}

func (s *AdminServer) evictionOrder(w http.ResponseWriter, r *http.Request) {
	var req evictionRequest
	if !s.decode(w, r, &req) {
		return
	}
	infos := make([]model.ContentInfo, len(req.Content))
	for i, c := range req.Content {
		h, err := model.ParseShortHash(c.Hash)
		if err != nil {
			s.fail(w, r, lerrors.InvalidArgument("invalid hash", err))
			return
		}
		infos[i] = model.ContentInfo{Hash: h, Size: c.Size, LastAccessTime: c.LastAccessTime}
	}

	seq, err := s.store.GetHashesInEvictionOrder(infos)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	candidates := []evictionCandidate{}
	for c := range seq {
		if req.Limit > 0 && len(candidates) >= req.Limit {
			break
		}
		candidates = append(candidates, evictionCandidate{
			Hash:                c.Hash.String(),
			Size:                c.Size,
			AgeSeconds:          c.Age.Seconds(),
			EffectiveAgeSeconds: c.EffectiveAge.Seconds(),
			ReplicaCount:        c.ReplicaCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"candidates": candidates})
}

func (s *AdminServer) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		s.fail(w, r, lerrors.InvalidArgument("malformed request body", err))
		return false
	}
	return true
}

func (s *AdminServer) decodeHashes(w http.ResponseWriter, r *http.Request) ([]model.ShortHash, bool) {
	var req hashRequest
	if !s.decode(w, r, &req) {
		return nil, false
	}
	raw := make([]string, len(req.Hashes))
	for i, h := range req.Hashes {
		raw[i] = h.Hash
	}
	hashes, err := parseHashes(raw)
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return hashes, true
}

func parseHashes(raw []string) ([]model.ShortHash, error) {
	hashes := make([]model.ShortHash, len(raw))
	for i, h := range raw {
		parsed, err := model.ParseShortHash(h)
		if err != nil {
			return nil, lerrors.InvalidArgument("invalid hash", err)
		}
		hashes[i] = parsed
	}
	return hashes, nil
}

func (s *AdminServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := lerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, r, status, err.Error())
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"status":     "error",
		"message":    message,
		"request_id": r.Header.Get("X-Request-ID"),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
