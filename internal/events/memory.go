package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// MemoryHub is an in-process event stream shared by the stores it creates.
// Delivery is synchronous: a publish returns after every processing store
// has applied the event.
type MemoryHub struct {
	clock clockwork.Clock

	mu     sync.Mutex
	log    []Event
	last   model.EventSequencePoint
	stores map[*MemoryStore]struct{}
}

// NewMemoryHub creates an empty hub
func NewMemoryHub(clock clockwork.Clock) *MemoryHub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryHub{
		clock:  clock,
		stores: make(map[*MemoryStore]struct{}),
	}
}

// NewStore creates a store attached to the hub. handler may be nil for
// send-only stores.
func (h *MemoryHub) NewStore(handler Handler, logger *zap.Logger) *MemoryStore {
	s := &MemoryStore{hub: h, handler: handler, logger: logger}
	h.mu.Lock()
	h.stores[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Factory returns a Factory creating send-only stores on this hub
func (h *MemoryHub) Factory(logger *zap.Logger) Factory {
	return func() (Store, error) {
		return h.NewStore(nil, logger), nil
	}
}

// Len returns the number of events published so far
func (h *MemoryHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.log)
}

// Events returns a copy of the published events
func (h *MemoryHub) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.log...)
}

func (h *MemoryHub) publish(ctx context.Context, e Event) {
	h.mu.Lock()
	next := model.EventSequencePoint{Millis: h.clock.Now().UnixMilli()}
	if next.Millis <= h.last.Millis {
		next = model.EventSequencePoint{Millis: h.last.Millis, Seq: h.last.Seq + 1}
	}
	e.Sequence = next
	h.last = next
	h.log = append(h.log, e)

	consumers := make([]*MemoryStore, 0, len(h.stores))
	for s := range h.stores {
		consumers = append(consumers, s)
	}
	h.mu.Unlock()

	for _, s := range consumers {
		s.catchUp(ctx)
	}
}

// after returns the events strictly after from
func (h *MemoryHub) after(from model.EventSequencePoint) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := sort.Search(len(h.log), func(i int) bool {
		return h.log[i].Sequence.Compare(from) > 0
	})
	return append([]Event(nil), h.log[i:]...)
}

func (h *MemoryHub) detach(s *MemoryStore) {
	h.mu.Lock()
	delete(h.stores, s)
	h.mu.Unlock()
}

// MemoryStore is a Store backed by a MemoryHub
type MemoryStore struct {
	hub     *MemoryHub
	handler Handler
	logger  *zap.Logger
	gate    sendGate

	// deliverMu serializes consumption so events apply in stream order
	deliverMu     sync.Mutex
	processing    bool
	lastProcessed model.EventSequencePoint
	hasProcessed  bool
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) send(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	exit := s.gate.enter()
	defer exit()
	s.hub.publish(ctx, e)
	return nil
}

// AddLocations publishes an add event
func (s *MemoryStore) AddLocations(ctx context.Context, machine model.MachineID, hashes []model.ShortHashWithSize, ts time.Time) error {
	if len(hashes) == 0 {
		return nil
	}
	return s.send(ctx, newAdd(machine, hashes, ts))
}

// RemoveLocations publishes a remove event
func (s *MemoryStore) RemoveLocations(ctx context.Context, machine model.MachineID, hashes []model.ShortHash, ts time.Time) error {
	if len(hashes) == 0 {
		return nil
	}
	return s.send(ctx, newRemove(machine, hashes, ts))
}

// Touch publishes a touch event
func (s *MemoryStore) Touch(ctx context.Context, machine model.MachineID, hashes []model.ShortHash, ts time.Time) error {
	if len(hashes) == 0 {
		return nil
	}
	return s.send(ctx, newTouch(machine, hashes, ts))
}

// Reconcile publishes a reconcile event
func (s *MemoryStore) Reconcile(ctx context.Context, machine model.MachineID, added []model.ShortHashWithSize, removed []model.ShortHash, ts time.Time) error {
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	return s.send(ctx, newReconcile(machine, added, removed, ts))
}

// StartProcessing replays events after from and keeps consuming
func (s *MemoryStore) StartProcessing(ctx context.Context, from model.EventSequencePoint) error {
	s.deliverMu.Lock()
	if s.processing {
		s.deliverMu.Unlock()
		return nil
	}
	s.processing = true
	s.lastProcessed = from
	s.hasProcessed = !from.IsZero()
	s.deliverMu.Unlock()

	s.catchUp(ctx)
	return nil
}

// SuspendProcessing stops consumption
func (s *MemoryStore) SuspendProcessing(ctx context.Context) error {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.processing = false
	return nil
}

// IsProcessing reports whether events are being consumed
func (s *MemoryStore) IsProcessing() bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	return s.processing
}

func (s *MemoryStore) catchUp(ctx context.Context) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if !s.processing || s.handler == nil {
		return
	}
	for _, e := range s.hub.after(s.lastProcessed) {
		if err := Apply(ctx, s.handler, e); err != nil {
			s.logger.Warn("Failed to apply location event",
				zap.Stringer("kind", e.Kind),
				zap.Stringer("sequence", e.Sequence),
				zap.Error(err))
		}
		s.lastProcessed = e.Sequence
		s.hasProcessed = true
	}
}

// PauseSendingEvents holds outbound events until resumed
func (s *MemoryStore) PauseSendingEvents() func() {
	return s.gate.pause()
}

// LastProcessedSequencePoint returns the last applied position
func (s *MemoryStore) LastProcessedSequencePoint() (model.EventSequencePoint, bool) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	return s.lastProcessed, s.hasProcessed
}

// Close detaches the store from the hub
func (s *MemoryStore) Close() error {
	s.hub.detach(s)
	return nil
}
