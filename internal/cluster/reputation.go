package cluster

import (
	"sync"
	"time"

	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/jonboulle/clockwork"
)

// Reputation is the outcome of the last interaction with a machine
type Reputation int

const (
	ReputationGood Reputation = iota
	ReputationMissing
	ReputationTimeout
	ReputationBad
)

func (r Reputation) String() string {
	switch r {
	case ReputationGood:
		return "good"
	case ReputationMissing:
		return "missing"
	case ReputationTimeout:
		return "timeout"
	case ReputationBad:
		return "bad"
	default:
		return "unknown"
	}
}

// Weight is the relative chance a machine with this reputation is tried first
func (r Reputation) Weight() float64 {
	switch r {
	case ReputationGood:
		return 1.0
	case ReputationMissing:
		return 0.5
	case ReputationTimeout:
		return 0.25
	default:
		return 0.1
	}
}

type reputationEntry struct {
	reputation Reputation
	expiresAt  time.Time
}

// ReputationTracker remembers recent per-machine outcomes. Reports expire
// and fall back to ReputationGood.
type ReputationTracker struct {
	mu      sync.RWMutex
	clock   clockwork.Clock
	expiry  time.Duration
	entries map[model.MachineLocation]reputationEntry
}

// NewReputationTracker creates a tracker whose reports live for expiry
func NewReputationTracker(clock clockwork.Clock, expiry time.Duration) *ReputationTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ReputationTracker{
		clock:   clock,
		expiry:  expiry,
		entries: make(map[model.MachineLocation]reputationEntry),
	}
}

// Report records the outcome of talking to location
func (t *ReputationTracker) Report(location model.MachineLocation, reputation Reputation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if reputation == ReputationGood {
		delete(t.entries, location)
		return
	}
	t.entries[location] = reputationEntry{
		reputation: reputation,
		expiresAt:  t.clock.Now().Add(t.expiry),
	}
}

// Reputation returns the current reputation of location
func (t *ReputationTracker) Reputation(location model.MachineLocation) Reputation {
	t.mu.RLock()
	entry, ok := t.entries[location]
	t.mu.RUnlock()
	if !ok || !t.clock.Now().Before(entry.expiresAt) {
		return ReputationGood
	}
	return entry.reputation
}
