package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const payloadField = "e"

// RedisConfig holds redis stream settings
type RedisConfig struct {
	Stream    string
	BatchSize int64
	ReadBlock time.Duration
	MaxLen    int64
}

// RedisStore publishes events to a redis stream and consumes it with XREAD.
// Stream ids double as sequence points.
type RedisStore struct {
	client  redis.UniversalClient
	cfg     RedisConfig
	handler Handler
	logger  *zap.Logger
	clock   clockwork.Clock
	gate    sendGate

	mu            sync.Mutex
	cancel        context.CancelFunc
	done          chan struct{}
	lastProcessed model.EventSequencePoint
	hasProcessed  bool
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a stream-backed store. handler may be nil for
// send-only stores.
func NewRedisStore(client redis.UniversalClient, cfg RedisConfig, handler Handler, clock clockwork.Clock, logger *zap.Logger) *RedisStore {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.ReadBlock <= 0 {
		cfg.ReadBlock = time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisStore{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		clock:   clock,
	}
}

// RedisFactory returns a Factory creating send-only stores on the stream
func RedisFactory(client redis.UniversalClient, cfg RedisConfig, logger *zap.Logger) Factory {
	return func() (Store, error) {
		return NewRedisStore(client, cfg, nil, nil, logger), nil
	}
}

func (s *RedisStore) send(ctx context.Context, e Event) error {
	exit := s.gate.enter()
	defer exit()

	payload, err := Encode(e)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.cfg.Stream,
		Values: map[string]interface{}{payloadField: payload},
	}
	if s.cfg.MaxLen > 0 {
		args.MaxLen = s.cfg.MaxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", e.Kind, err)
	}
	return nil
}

// AddLocations publishes an add event
func (s *RedisStore) AddLocations(ctx context.Context, machine model.MachineID, hashes []model.ShortHashWithSize, ts time.Time) error {
	if len(hashes) == 0 {
		return nil
	}
	return s.send(ctx, newAdd(machine, hashes, ts))
}

// RemoveLocations publishes a remove event
func (s *RedisStore) RemoveLocations(ctx context.Context, machine model.MachineID, hashes []model.ShortHash, ts time.Time) error {
	if len(hashes) == 0 {
		return nil
	}
	return s.send(ctx, newRemove(machine, hashes, ts))
}

// Touch publishes a touch event
func (s *RedisStore) Touch(ctx context.Context, machine model.MachineID, hashes []model.ShortHash, ts time.Time) error {
	if len(hashes) == 0 {
		return nil
	}
	return s.send(ctx, newTouch(machine, hashes, ts))
}

// Reconcile publishes a reconcile event
func (s *RedisStore) Reconcile(ctx context.Context, machine model.MachineID, added []model.ShortHashWithSize, removed []model.ShortHash, ts time.Time) error {
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	return s.send(ctx, newReconcile(machine, added, removed, ts))
}

// StartProcessing starts a consumer goroutine reading after from
func (s *RedisStore) StartProcessing(ctx context.Context, from model.EventSequencePoint) error {
	if s.handler == nil {
		return errors.New("event store has no handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	s.lastProcessed = from
	s.hasProcessed = !from.IsZero()
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.consume(loopCtx, from, s.done)

	s.logger.Info("Event processing started",
		zap.String("stream", s.cfg.Stream),
		zap.Stringer("from", from))
	return nil
}

func (s *RedisStore) consume(ctx context.Context, from model.EventSequencePoint, done chan struct{}) {
	defer close(done)
	cursor := from.String()
	backoff := 100 * time.Millisecond

	for ctx.Err() == nil {
		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.cfg.Stream, cursor},
			Count:   s.cfg.BatchSize,
			Block:   s.cfg.ReadBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("Failed to read event stream", zap.String("stream", s.cfg.Stream), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(backoff):
			}
			backoff = min(2*backoff, 5*time.Second)
			continue
		}
		backoff = 100 * time.Millisecond

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				s.apply(ctx, msg)
				cursor = msg.ID
			}
		}
	}
}

func (s *RedisStore) apply(ctx context.Context, msg redis.XMessage) {
	point, err := model.ParseEventSequencePoint(msg.ID)
	if err != nil {
		s.logger.Warn("Skipping event with unparseable id", zap.String("id", msg.ID), zap.Error(err))
		return
	}

	raw, _ := msg.Values[payloadField].(string)
	e, err := Decode([]byte(raw))
	if err != nil {
		s.logger.Warn("Skipping undecodable event", zap.String("id", msg.ID), zap.Error(err))
	} else {
		e.Sequence = point
		if err := Apply(ctx, s.handler, e); err != nil {
			s.logger.Warn("Failed to apply location event",
				zap.Stringer("kind", e.Kind),
				zap.String("id", msg.ID),
				zap.Error(err))
		}
	}

	s.mu.Lock()
	s.lastProcessed = point
	s.hasProcessed = true
	s.mu.Unlock()
}

// SuspendProcessing stops the consumer and waits for it to exit
func (s *RedisStore) SuspendProcessing(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		s.logger.Info("Event processing suspended", zap.String("stream", s.cfg.Stream))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsProcessing reports whether the consumer is running
func (s *RedisStore) IsProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// PauseSendingEvents holds outbound events until resumed
func (s *RedisStore) PauseSendingEvents() func() {
	return s.gate.pause()
}

// LastProcessedSequencePoint returns the id of the last applied message
func (s *RedisStore) LastProcessedSequencePoint() (model.EventSequencePoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProcessed, s.hasProcessed
}

// Close stops processing. The client is owned by the caller.
func (s *RedisStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.SuspendProcessing(ctx)
}
