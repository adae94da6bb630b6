package globalstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/devrev/pairdb/location-node/internal/cluster"
	lerrors "github.com/devrev/pairdb/location-node/internal/errors"
	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// renewScript extends the lease only while we still hold it
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only while we still hold it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore implements Store on redis. Locations are bitmaps indexed by
// machine id so concurrent registrations from different machines never
// conflict.
type RedisStore struct {
	client   redis.UniversalClient
	cfg      Config
	location model.MachineLocation
	clock    clockwork.Clock
	logger   *zap.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store acting for the machine at location
func NewRedisStore(client redis.UniversalClient, cfg Config, location model.MachineLocation, clock clockwork.Clock, logger *zap.Logger) *RedisStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisStore{
		client:   client,
		cfg:      cfg.withDefaults(),
		location: location,
		clock:    clock,
		logger:   logger,
	}
}

// NewRedisClient connects to redis and verifies the connection
func NewRedisClient(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) key(parts ...string) string {
	k := s.cfg.KeyPrefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) locationKey(hash model.ShortHash) string {
	return s.key("loc", hash.String())
}

func (s *RedisStore) metaKey(hash model.ShortHash) string {
	return s.key("meta", hash.String())
}

func unavailable(op string, err error) error {
	return lerrors.Unavailable("global store "+op+" failed", err)
}

// RegisterMachine assigns a dense id with INCR on first contact
func (s *RedisStore) RegisterMachine(ctx context.Context) (model.MachineID, error) {
	machinesKey := s.key("machines")

	existing, err := s.client.HGet(ctx, machinesKey, s.location.String()).Result()
	if err == nil {
		return parseMachineID(existing)
	}
	if !errors.Is(err, redis.Nil) {
		return model.InvalidMachineID, unavailable("machine lookup", err)
	}

	next, err := s.client.Incr(ctx, s.key("machine_seq")).Result()
	if err != nil {
		return model.InvalidMachineID, unavailable("machine id allocation", err)
	}
	candidate := strconv.FormatInt(next-1, 10)

	won, err := s.client.HSetNX(ctx, machinesKey, s.location.String(), candidate).Result()
	if err != nil {
		return model.InvalidMachineID, unavailable("machine registration", err)
	}
	if !won {
		// a concurrent registration for the same location got there first
		existing, err := s.client.HGet(ctx, machinesKey, s.location.String()).Result()
		if err != nil {
			return model.InvalidMachineID, unavailable("machine lookup", err)
		}
		return parseMachineID(existing)
	}
	if err := s.client.HSet(ctx, s.key("machine_ids"), candidate, s.location.String()).Err(); err != nil {
		return model.InvalidMachineID, unavailable("machine registration", err)
	}

	s.logger.Info("Machine registered",
		zap.String("location", s.location.String()),
		zap.String("machine_id", candidate))
	return parseMachineID(candidate)
}

func parseMachineID(raw string) (model.MachineID, error) {
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return model.InvalidMachineID, lerrors.InternalError("invalid machine id in global store", err)
	}
	return model.MachineID(id), nil
}

// GetCheckpointState takes or renews the master lease and reads the latest
// checkpoint
func (s *RedisStore) GetCheckpointState(ctx context.Context) (model.CheckpointState, error) {
	masterKey := s.key("master")
	ttl := s.cfg.RoleLeaseTTL

	role := model.RoleWorker
	acquired, err := s.client.SetNX(ctx, masterKey, s.location.String(), ttl).Result()
	if err != nil {
		return model.CheckpointState{}, unavailable("role lease", err)
	}
	if acquired {
		role = model.RoleMaster
	} else {
		renewed, err := renewScript.Run(ctx, s.client, []string{masterKey}, s.location.String(), ttl.Milliseconds()).Int()
		if err != nil {
			return model.CheckpointState{}, unavailable("role lease renewal", err)
		}
		if renewed == 1 {
			role = model.RoleMaster
		}
	}

	fields, err := s.client.HGetAll(ctx, s.key("checkpoint")).Result()
	if err != nil {
		return model.CheckpointState{}, unavailable("checkpoint state", err)
	}

	state := model.CheckpointState{Role: role}
	if id := fields["id"]; id != "" {
		seq, err := model.ParseEventSequencePoint(fields["seq"])
		if err != nil {
			return model.CheckpointState{}, lerrors.InternalError("invalid checkpoint sequence point", err)
		}
		millis, _ := strconv.ParseInt(fields["time"], 10, 64)
		state.CheckpointID = id
		state.SequencePoint = seq
		state.CheckpointTime = time.UnixMilli(millis)
		state.Available = true
	}
	return state, nil
}

// RegisterCheckpoint records the latest checkpoint
func (s *RedisStore) RegisterCheckpoint(ctx context.Context, info model.CheckpointInfo) error {
	err := s.client.HSet(ctx, s.key("checkpoint"),
		"id", info.CheckpointID,
		"seq", info.SequencePoint.String(),
		"time", strconv.FormatInt(info.CreatedAt.UnixMilli(), 10),
	).Err()
	if err != nil {
		return unavailable("checkpoint registration", err)
	}
	return nil
}

// ReleaseRoleIfNecessary drops the master lease when we hold it
func (s *RedisStore) ReleaseRoleIfNecessary(ctx context.Context) error {
	released, err := releaseScript.Run(ctx, s.client, []string{s.key("master")}, s.location.String()).Int()
	if err != nil {
		return unavailable("role release", err)
	}
	if released == 1 {
		s.logger.Info("Master role released", zap.String("location", s.location.String()))
	}
	return nil
}

// UpdateClusterState heartbeats and merges membership into state
func (s *RedisStore) UpdateClusterState(ctx context.Context, state *cluster.State) error {
	now := s.clock.Now()
	heartbeatsKey := s.key("heartbeats")

	if id := state.LocalMachineID(); id != model.InvalidMachineID {
		if err := s.client.HSet(ctx, heartbeatsKey, strconv.Itoa(int(id)), now.UnixMilli()).Err(); err != nil {
			return unavailable("heartbeat", err)
		}
	}

	var machines, heartbeats *redis.MapStringStringCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		machines = p.HGetAll(ctx, s.key("machine_ids"))
		heartbeats = p.HGetAll(ctx, heartbeatsKey)
		return nil
	})
	if err != nil {
		return unavailable("cluster state", err)
	}

	beats := heartbeats.Val()
	var inactive []model.MachineID
	for rawID, loc := range machines.Val() {
		id, err := parseMachineID(rawID)
		if err != nil {
			s.logger.Warn("Skipping malformed machine id", zap.String("id", rawID))
			continue
		}
		state.AddMachine(id, model.MachineLocation(loc))

		millis, err := strconv.ParseInt(beats[rawID], 10, 64)
		if err != nil || now.Sub(time.UnixMilli(millis)) > s.cfg.InactiveMachineExpiry {
			inactive = append(inactive, id)
		}
	}
	state.SetInactiveMachines(model.NewMachineIDSet(inactive...))
	return nil
}

// RegisterLocations sets the machine bit of every hash
func (s *RedisStore) RegisterLocations(ctx context.Context, machine model.MachineID, hashes []model.ShortHashWithSize) error {
	if len(hashes) == 0 {
		return nil
	}
	now := s.clock.Now().UnixMilli()
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, h := range hashes {
			locKey, metaKey := s.locationKey(h.Hash), s.metaKey(h.Hash)
			p.SetBit(ctx, locKey, int64(machine), 1)
			p.HSetNX(ctx, metaKey, "size", h.Size)
			p.HSetNX(ctx, metaKey, "created", now)
			p.HSet(ctx, metaKey, "access", now)
			if s.cfg.LocationEntryExpiry > 0 {
				p.PExpire(ctx, locKey, s.cfg.LocationEntryExpiry)
				p.PExpire(ctx, metaKey, s.cfg.LocationEntryExpiry)
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("location registration", err)
	}
	return nil
}

// RemoveLocations clears the machine bit of every hash
func (s *RedisStore) RemoveLocations(ctx context.Context, machine model.MachineID, hashes []model.ShortHash) error {
	if len(hashes) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, h := range hashes {
			p.SetBit(ctx, s.locationKey(h), int64(machine), 0)
		}
		return nil
	})
	if err != nil {
		return unavailable("location removal", err)
	}
	return nil
}

// GetBulk reads the bitmap and metadata of every hash in one round trip
func (s *RedisStore) GetBulk(ctx context.Context, hashes []model.ShortHash) ([]model.ContentLocationEntry, error) {
	if len(hashes) == 0 {
		return nil, nil
	}

	bitmaps := make([]*redis.StringCmd, len(hashes))
	metas := make([]*redis.SliceCmd, len(hashes))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, h := range hashes {
			bitmaps[i] = p.Get(ctx, s.locationKey(h))
			metas[i] = p.HMGet(ctx, s.metaKey(h), "size", "access", "created")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("bulk lookup", err)
	}

	out := make([]model.ContentLocationEntry, len(hashes))
	for i := range hashes {
		raw, err := bitmaps[i].Bytes()
		if err != nil {
			out[i] = model.MissingEntry
			continue
		}
		set := model.MachineIDSetFromBitmap(raw)
		if set.IsEmpty() {
			out[i] = model.MissingEntry
			continue
		}
		meta := metas[i].Val()
		out[i] = model.ContentLocationEntry{
			Locations:      set,
			Size:           metaInt(meta, 0, -1),
			LastAccessTime: time.UnixMilli(metaInt(meta, 1, 0)),
			CreationTime:   time.UnixMilli(metaInt(meta, 2, 0)),
		}
	}
	return out, nil
}

func metaInt(values []interface{}, i int, fallback int64) int64 {
	if i >= len(values) {
		return fallback
	}
	raw, ok := values[i].(string)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

// PutBlob stores a blob
func (s *RedisStore) PutBlob(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.key("blob", key), data, s.cfg.BlobExpiry).Err(); err != nil {
		return unavailable("blob write", err)
	}
	return nil
}

// GetBlob reads a blob
func (s *RedisStore) GetBlob(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.key("blob", key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("blob read", err)
	}
	return data, true, nil
}

// Close is a no-op; the client is owned by the caller
func (s *RedisStore) Close() error {
	return nil
}
