package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the complete configuration for the location node
type Config struct {
	Server         ServerConfig         `mapstructure:"server" yaml:"server"`
	Redis          RedisConfig          `mapstructure:"redis" yaml:"redis"`
	Postgres       PostgresConfig       `mapstructure:"postgres" yaml:"postgres"`
	CentralStorage CentralStorageConfig `mapstructure:"central_storage" yaml:"central_storage"`
	Events         EventsConfig         `mapstructure:"events" yaml:"events"`
	Checkpoint     CheckpointConfig     `mapstructure:"checkpoint" yaml:"checkpoint"`
	Location       LocationConfig       `mapstructure:"location" yaml:"location"`
	Eviction       EvictionConfig       `mapstructure:"eviction" yaml:"eviction"`
	Reconcile      ReconcileConfig      `mapstructure:"reconcile" yaml:"reconcile"`
	Replication    ReplicationConfig    `mapstructure:"replication" yaml:"replication"`
	Content        ContentConfig        `mapstructure:"content" yaml:"content"`
	Gossip         GossipConfig         `mapstructure:"gossip" yaml:"gossip"`
	Metrics        MetricsConfig        `mapstructure:"metrics" yaml:"metrics"`
	Logging        LoggingConfig        `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `mapstructure:"node_id" yaml:"node_id"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	GRPCPort        int           `mapstructure:"grpc_port" yaml:"grpc_port"`
	Location        string        `mapstructure:"location" yaml:"location"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// RedisConfig holds the global store and event stream connection
type RedisConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	Password     string `mapstructure:"password" yaml:"password"`
	DB           int    `mapstructure:"db" yaml:"db"`
	MaxRetries   int    `mapstructure:"max_retries" yaml:"max_retries"`
	PoolSize     int    `mapstructure:"pool_size" yaml:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns" yaml:"min_idle_conns"`
	KeyPrefix    string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// Addr returns the host:port pair
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// PostgresConfig holds the central storage database connection
type PostgresConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	Database        string        `mapstructure:"database" yaml:"database"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Table           string        `mapstructure:"table" yaml:"table"`
	MaxConnections  int           `mapstructure:"max_connections" yaml:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections" yaml:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// DSN returns the connection string
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?pool_max_conns=%d&pool_min_conns=%d",
		p.User, p.Password, p.Host, p.Port, p.Database, p.MaxConnections, p.MinConnections)
}

// CentralStorageConfig selects where checkpoint archives live
type CentralStorageConfig struct {
	Backend   string `mapstructure:"backend" yaml:"backend"` // filesystem or postgres
	Directory string `mapstructure:"directory" yaml:"directory"`
}

// EventsConfig holds event propagation configuration
type EventsConfig struct {
	Backend   string        `mapstructure:"backend" yaml:"backend"` // redis or memory
	Stream    string        `mapstructure:"stream" yaml:"stream"`
	BatchSize int           `mapstructure:"batch_size" yaml:"batch_size"`
	ReadBlock time.Duration `mapstructure:"read_block" yaml:"read_block"`
	MaxLen    int64         `mapstructure:"max_len" yaml:"max_len"`
}

// CheckpointConfig holds heartbeat and checkpoint timing
type CheckpointConfig struct {
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	CreateInterval      time.Duration `mapstructure:"create_interval" yaml:"create_interval"`
	RestoreInterval     time.Duration `mapstructure:"restore_interval" yaml:"restore_interval"`
	RestoreAgeThreshold time.Duration `mapstructure:"restore_age_threshold" yaml:"restore_age_threshold"`
	RoleLeaseTTL        time.Duration `mapstructure:"role_lease_ttl" yaml:"role_lease_ttl"`
	Prefix              string        `mapstructure:"prefix" yaml:"prefix"`
	WorkDir             string        `mapstructure:"work_dir" yaml:"work_dir"`
}

// LocationConfig holds index and registration heuristic settings
type LocationConfig struct {
	DataDir                                 string        `mapstructure:"data_dir" yaml:"data_dir"`
	TouchFrequency                          time.Duration `mapstructure:"touch_frequency" yaml:"touch_frequency"`
	RecentAddExpiry                         time.Duration `mapstructure:"recent_add_expiry" yaml:"recent_add_expiry"`
	RecentRemoveExpiry                      time.Duration `mapstructure:"recent_remove_expiry" yaml:"recent_remove_expiry"`
	SafeToLazilyUpdateMachineCountThreshold int           `mapstructure:"safe_to_lazily_update_machine_count_threshold" yaml:"safe_to_lazily_update_machine_count_threshold"`
	MachineStateRecomputeInterval           time.Duration `mapstructure:"machine_state_recompute_interval" yaml:"machine_state_recompute_interval"`
	RecentInactiveMultiplier                int           `mapstructure:"recent_inactive_multiplier" yaml:"recent_inactive_multiplier"`
	InactiveMachineExpiry                   time.Duration `mapstructure:"inactive_machine_expiry" yaml:"inactive_machine_expiry"`
	LocationEntryExpiry                     time.Duration `mapstructure:"location_entry_expiry" yaml:"location_entry_expiry"`
	GlobalBatchSize                         int           `mapstructure:"global_batch_size" yaml:"global_batch_size"`
	ReputationExpiry                        time.Duration `mapstructure:"reputation_expiry" yaml:"reputation_expiry"`
}

// EvictionConfig holds eviction ordering settings
type EvictionConfig struct {
	MinEvictionAge  time.Duration `mapstructure:"min_eviction_age" yaml:"min_eviction_age"`
	UseReplicaCount bool          `mapstructure:"use_replica_count" yaml:"use_replica_count"`
	UseSize         bool          `mapstructure:"use_size" yaml:"use_size"`
	DesiredReplicas int           `mapstructure:"desired_replicas" yaml:"desired_replicas"`
	PoolSize        int           `mapstructure:"pool_size" yaml:"pool_size"`
	WindowSize      int           `mapstructure:"window_size" yaml:"window_size"`
	RemovalFraction float64       `mapstructure:"removal_fraction" yaml:"removal_fraction"`
	DiscardFraction float64       `mapstructure:"discard_fraction" yaml:"discard_fraction"`
}

// ReconcileConfig holds reconciliation settings
type ReconcileConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxDiffSize int           `mapstructure:"max_diff_size" yaml:"max_diff_size"`
	CycleDelay  time.Duration `mapstructure:"cycle_delay" yaml:"cycle_delay"`
	MarkerFile  string        `mapstructure:"marker_file" yaml:"marker_file"`
}

// ReplicationConfig holds proactive replication settings
type ReplicationConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	Bins              int     `mapstructure:"bins" yaml:"bins"`
	LocationsPerBin   int     `mapstructure:"locations_per_bin" yaml:"locations_per_bin"`
	DesiredReplicas   int     `mapstructure:"desired_replicas" yaml:"desired_replicas"`
	MaxCopiesPerCycle int     `mapstructure:"max_copies_per_cycle" yaml:"max_copies_per_cycle"`
	CopiesPerSecond   float64 `mapstructure:"copies_per_second" yaml:"copies_per_second"`
	Workers           int     `mapstructure:"workers" yaml:"workers"`
}

// ContentConfig points at the local content directory. Without one the node
// only tracks locations and skips reconciliation and eviction ordering by
// content.
type ContentConfig struct {
	Directory           string  `mapstructure:"directory" yaml:"directory"`
	ThrottleDiskPercent float64 `mapstructure:"throttle_disk_percent" yaml:"throttle_disk_percent"`
	RejectDiskPercent   float64 `mapstructure:"reject_disk_percent" yaml:"reject_disk_percent"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	BindPort       int           `mapstructure:"bind_port" yaml:"bind_port"`
	SeedNodes      []string      `mapstructure:"seed_nodes" yaml:"seed_nodes"`
	GossipInterval time.Duration `mapstructure:"gossip_interval" yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			GRPCPort:        50053,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			MaxRetries:   3,
			PoolSize:     100,
			MinIdleConns: 10,
			KeyPrefix:    "loc",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "pairdb_locations",
			User:            "locationd",
			Table:           "checkpoint_blobs",
			MaxConnections:  10,
			MinConnections:  1,
			ConnMaxLifetime: 30 * time.Minute,
		},
		CentralStorage: CentralStorageConfig{
			Backend:   "filesystem",
			Directory: "/var/lib/pairdb/central",
		},
		Events: EventsConfig{
			Backend:   "redis",
			Stream:    "location-events",
			BatchSize: 256,
			ReadBlock: time.Second,
			MaxLen:    1_000_000,
		},
		Checkpoint: CheckpointConfig{
			HeartbeatInterval:   time.Minute,
			CreateInterval:      10 * time.Minute,
			RestoreInterval:     10 * time.Minute,
			RestoreAgeThreshold: time.Hour,
			RoleLeaseTTL:        5 * time.Minute,
			Prefix:              "checkpoints",
			WorkDir:             "/var/lib/pairdb/checkpoints",
		},
		Location: LocationConfig{
			DataDir:                                 "/var/lib/pairdb/index",
			TouchFrequency:                          10 * time.Minute,
			RecentAddExpiry:                         time.Minute,
			RecentRemoveExpiry:                      time.Minute,
			SafeToLazilyUpdateMachineCountThreshold: 3,
			MachineStateRecomputeInterval:           5 * time.Minute,
			RecentInactiveMultiplier:                5,
			InactiveMachineExpiry:                   30 * time.Minute,
			LocationEntryExpiry:                     2 * time.Hour,
			GlobalBatchSize:                         500,
			ReputationExpiry:                        5 * time.Minute,
		},
		Eviction: EvictionConfig{
			MinEvictionAge:  30 * time.Minute,
			UseReplicaCount: true,
			UseSize:         false,
			DesiredReplicas: 3,
			PoolSize:        5000,
			WindowSize:      500,
			RemovalFraction: 0.05,
			DiscardFraction: 0,
		},
		Reconcile: ReconcileConfig{
			Enabled:     true,
			MaxDiffSize: 10000,
			CycleDelay:  time.Second,
			MarkerFile:  "/var/lib/pairdb/reconcile.marker",
		},
		Replication: ReplicationConfig{
			Enabled:           false,
			Bins:              1024,
			LocationsPerBin:   3,
			DesiredReplicas:   3,
			MaxCopiesPerCycle: 100,
			CopiesPerSecond:   10,
			Workers:           4,
		},
		Content: ContentConfig{
			ThrottleDiskPercent: 90,
			RejectDiskPercent:   95,
		},
		Gossip: GossipConfig{
			Enabled:        false,
			BindPort:       7946,
			GossipInterval: 200 * time.Millisecond,
			ProbeTimeout:   500 * time.Millisecond,
			ProbeInterval:  time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	if c.Server.Location == "" {
		return errors.New("server.location is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return errors.New("server.grpc_port must be between 0 and 65535")
	}
	if c.Redis.Host == "" {
		return errors.New("redis.host is required")
	}
	switch c.CentralStorage.Backend {
	case "filesystem":
		if c.CentralStorage.Directory == "" {
			return errors.New("central_storage.directory is required for the filesystem backend")
		}
	case "postgres":
		if c.Postgres.Host == "" || c.Postgres.Database == "" {
			return errors.New("postgres.host and postgres.database are required for the postgres backend")
		}
	default:
		return fmt.Errorf("central_storage.backend must be one of: filesystem, postgres (got %q)", c.CentralStorage.Backend)
	}
	switch c.Events.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("events.backend must be one of: redis, memory (got %q)", c.Events.Backend)
	}
	if c.Checkpoint.HeartbeatInterval <= 0 {
		return errors.New("checkpoint.heartbeat_interval must be positive")
	}
	if c.Checkpoint.RoleLeaseTTL <= c.Checkpoint.HeartbeatInterval {
		return errors.New("checkpoint.role_lease_ttl must exceed checkpoint.heartbeat_interval")
	}
	if c.Location.DataDir == "" {
		return errors.New("location.data_dir is required")
	}
	if c.Location.SafeToLazilyUpdateMachineCountThreshold < 1 {
		return errors.New("location.safe_to_lazily_update_machine_count_threshold must be at least 1")
	}
	if c.Location.RecentInactiveMultiplier < 0 {
		return errors.New("location.recent_inactive_multiplier must not be negative")
	}
	if c.Eviction.RemovalFraction < 0 || c.Eviction.RemovalFraction > 1 {
		return errors.New("eviction.removal_fraction must be between 0 and 1")
	}
	if c.Eviction.DiscardFraction < 0 || c.Eviction.DiscardFraction >= 1 {
		return errors.New("eviction.discard_fraction must be in [0, 1)")
	}
	if c.Reconcile.Enabled && c.Reconcile.MaxDiffSize <= 0 {
		return errors.New("reconcile.max_diff_size must be positive")
	}
	if c.Replication.Enabled && c.Replication.LocationsPerBin <= 0 {
		return errors.New("replication.locations_per_bin must be positive")
	}
	if c.Replication.Enabled && c.Content.Directory == "" {
		return errors.New("replication requires content.directory")
	}
	if c.Content.RejectDiskPercent < c.Content.ThrottleDiskPercent || c.Content.RejectDiskPercent > 100 {
		return errors.New("content.reject_disk_percent must be between throttle_disk_percent and 100")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}
