package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/location-node/internal/model"
)

// Handler applies consumed events to local state
type Handler interface {
	LocationAdded(ctx context.Context, machine model.MachineID, hashes []model.ShortHashWithSize, ts time.Time) error
	LocationRemoved(ctx context.Context, machine model.MachineID, hashes []model.ShortHash) error
	Touched(ctx context.Context, machine model.MachineID, hashes []model.ShortHash, ts time.Time) error
}

// Store publishes location events and, while processing, consumes the
// stream into a Handler
type Store interface {
	AddLocations(ctx context.Context, machine model.MachineID, hashes []model.ShortHashWithSize, ts time.Time) error
	RemoveLocations(ctx context.Context, machine model.MachineID, hashes []model.ShortHash, ts time.Time) error
	Touch(ctx context.Context, machine model.MachineID, hashes []model.ShortHash, ts time.Time) error
	Reconcile(ctx context.Context, machine model.MachineID, added []model.ShortHashWithSize, removed []model.ShortHash, ts time.Time) error

	// StartProcessing consumes events after from. Calling it while already
	// processing is a no-op.
	StartProcessing(ctx context.Context, from model.EventSequencePoint) error
	SuspendProcessing(ctx context.Context) error
	IsProcessing() bool

	// PauseSendingEvents blocks outbound events until the returned resume
	// function is called
	PauseSendingEvents() (resume func())

	// LastProcessedSequencePoint is the position of the last applied event
	LastProcessedSequencePoint() (model.EventSequencePoint, bool)

	Close() error
}

// Factory creates short-lived send-only stores
type Factory func() (Store, error)

// Apply dispatches one event to a handler
func Apply(ctx context.Context, h Handler, e Event) error {
	switch e.Kind {
	case KindAddLocation:
		return h.LocationAdded(ctx, e.Machine, e.Added, e.Timestamp)
	case KindRemoveLocation:
		return h.LocationRemoved(ctx, e.Machine, e.Hashes)
	case KindTouch:
		return h.Touched(ctx, e.Machine, e.Hashes, e.Timestamp)
	case KindReconcile:
		if len(e.Added) > 0 {
			if err := h.LocationAdded(ctx, e.Machine, e.Added, e.Timestamp); err != nil {
				return err
			}
		}
		if len(e.Hashes) > 0 {
			return h.LocationRemoved(ctx, e.Machine, e.Hashes)
		}
		return nil
	default:
		return fmt.Errorf("unknown event kind %d", e.Kind)
	}
}

// sendGate lets PauseSendingEvents wait out in-flight sends and hold new ones
type sendGate struct {
	mu sync.RWMutex
}

func (g *sendGate) enter() func() {
	g.mu.RLock()
	return g.mu.RUnlock
}

func (g *sendGate) pause() func() {
	g.mu.Lock()
	var once sync.Once
	return func() { once.Do(g.mu.Unlock) }
}

func newAdd(machine model.MachineID, hashes []model.ShortHashWithSize, ts time.Time) Event {
	return Event{Kind: KindAddLocation, Machine: machine, Added: hashes, Timestamp: ts}
}

func newRemove(machine model.MachineID, hashes []model.ShortHash, ts time.Time) Event {
	return Event{Kind: KindRemoveLocation, Machine: machine, Hashes: hashes, Timestamp: ts}
}

func newTouch(machine model.MachineID, hashes []model.ShortHash, ts time.Time) Event {
	return Event{Kind: KindTouch, Machine: machine, Hashes: hashes, Timestamp: ts}
}

func newReconcile(machine model.MachineID, added []model.ShortHashWithSize, removed []model.ShortHash, ts time.Time) Event {
	return Event{Kind: KindReconcile, Machine: machine, Added: added, Hashes: removed, Timestamp: ts}
}
