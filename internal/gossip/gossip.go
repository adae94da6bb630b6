package gossip

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/location-node/internal/cluster"
	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Config holds gossip protocol configuration
type Config struct {
	NodeName        string
	BindAddr        string
	BindPort        int
	SeedNodes       []string
	GossipInterval  time.Duration
	ProbeTimeout    time.Duration
	ProbeInterval   time.Duration
	RefreshInterval time.Duration
}

// HealthSource returns the health this machine advertises
type HealthSource func() model.MachineHealth

// Service propagates machine health between heartbeats. Peers that leave or
// report themselves unhealthy are marked inactive in the cluster state until
// the next heartbeat replaces the inactive set.
type Service struct {
	config     *Config
	memberlist *memberlist.Memberlist
	cluster    *cluster.State
	health     HealthSource
	logger     *zap.Logger

	mu    sync.RWMutex
	peers map[string]model.MachineHealth

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService creates a gossip service; Start joins the cluster
func NewService(cfg *Config, state *cluster.State, health HealthSource, logger *zap.Logger) *Service {
	return &Service{
		config:  cfg,
		cluster: state,
		health:  health,
		logger:  logger,
		peers:   make(map[string]model.MachineHealth),
		stopCh:  make(chan struct{}),
	}
}

// Start creates the memberlist and joins the seed nodes
func (s *Service) Start() error {
	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = s.config.NodeName
	if s.config.BindAddr != "" {
		mlConfig.BindAddr = s.config.BindAddr
		mlConfig.AdvertiseAddr = s.config.BindAddr
	}
	mlConfig.BindPort = s.config.BindPort
	mlConfig.AdvertisePort = s.config.BindPort
	if s.config.GossipInterval > 0 {
		mlConfig.GossipInterval = s.config.GossipInterval
	}
	if s.config.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = s.config.ProbeTimeout
	}
	if s.config.ProbeInterval > 0 {
		mlConfig.ProbeInterval = s.config.ProbeInterval
	}
	mlConfig.Delegate = s
	mlConfig.Events = &eventDelegate{service: s}
	mlConfig.Logger = zap.NewStdLog(s.logger.Named("memberlist"))

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	if len(s.config.SeedNodes) > 0 {
		if _, err := ml.Join(s.config.SeedNodes); err != nil {
			s.logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	if s.config.RefreshInterval > 0 {
		s.wg.Add(1)
		go s.refreshLoop()
	}
	s.logger.Info("Gossip started",
		zap.String("node", s.config.NodeName),
		zap.String("addr", ml.LocalNode().Address()))
	return nil
}

func (s *Service) refreshLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.memberlist.UpdateNode(s.config.RefreshInterval); err != nil {
				s.logger.Debug("Failed to broadcast health", zap.Error(err))
			}
		case <-s.stopCh:
			return
		}
	}
}

// LocalAddress is the address peers use to join this node
func (s *Service) LocalAddress() string {
	if s.memberlist == nil {
		return ""
	}
	return s.memberlist.LocalNode().Address()
}

// Join adds seed addresses after start
func (s *Service) Join(addrs ...string) (int, error) {
	return s.memberlist.Join(addrs)
}

// Peers returns the last health seen from each live peer, by node name
func (s *Service) Peers() []model.MachineHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.peers))
	for name := range s.peers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]model.MachineHealth, len(names))
	for i, name := range names {
		out[i] = s.peers[name]
	}
	return out
}

// Shutdown leaves the cluster and stops gossiping
func (s *Service) Shutdown() error {
	close(s.stopCh)
	s.wg.Wait()
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// NodeMeta implements memberlist.Delegate
func (s *Service) NodeMeta(limit int) []byte {
	data, err := json.Marshal(s.health())
	if err != nil || len(data) > limit {
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *Service) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *Service) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *Service) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *Service) MergeRemoteState(buf []byte, join bool) {}

// observe applies a membership change to the cluster state
func (s *Service) observe(node *memberlist.Node, left bool) {
	if node.Name == s.config.NodeName {
		return
	}

	var health model.MachineHealth
	if len(node.Meta) > 0 {
		if err := json.Unmarshal(node.Meta, &health); err != nil {
			s.logger.Warn("Failed to decode peer health", zap.String("node", node.Name), zap.Error(err))
			return
		}
	}

	s.mu.Lock()
	if left {
		delete(s.peers, node.Name)
	} else {
		s.peers[node.Name] = health
	}
	s.mu.Unlock()

	id := health.MachineID
	if id == model.InvalidMachineID || !health.Location.Valid() {
		return
	}
	if known, ok := s.cluster.MachineID(health.Location); !ok {
		s.cluster.AddMachine(id, health.Location)
	} else {
		id = known
	}

	if left || health.Status == model.NodeStatusUnhealthy {
		s.cluster.MarkInactive(id)
		s.logger.Info("Peer marked inactive",
			zap.String("node", node.Name),
			zap.Int32("machine_id", int32(id)),
			zap.Bool("left", left))
		return
	}
	s.cluster.MarkActive(id)
}

// eventDelegate handles memberlist events
type eventDelegate struct {
	service *Service
}

// NotifyJoin is called when a node joins
func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined", zap.String("node", node.Name), zap.String("addr", node.Address()))
	d.service.observe(node, false)
}

// NotifyLeave is called when a node leaves
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left", zap.String("node", node.Name))
	d.service.observe(node, true)
}

// NotifyUpdate is called when a node's metadata changes
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.observe(node, false)
}
