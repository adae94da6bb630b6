package cluster

import (
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/jonboulle/clockwork"
)

// Snapshot is a point-in-time copy of the membership table
type Snapshot struct {
	Machines     map[model.MachineID]model.MachineLocation
	Inactive     model.MachineIDSet
	MaxMachineID model.MachineID
}

// State is the membership table of the cluster as seen by one machine:
// machine id to location mapping, active/inactive tracking and the bin manager
// used for proactive replication hints.
type State struct {
	mu    sync.RWMutex
	clock clockwork.Clock

	localID       model.MachineID
	localLocation model.MachineLocation

	byID       map[model.MachineID]model.MachineLocation
	byLocation map[model.MachineLocation]model.MachineID
	maxID      model.MachineID

	inactive         map[model.MachineID]struct{}
	lastInactiveTime time.Time

	binManager *BinManager
}

// NewState creates an empty membership table for the machine at localLocation
func NewState(localLocation model.MachineLocation, clock clockwork.Clock) *State {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &State{
		clock:         clock,
		localID:       model.InvalidMachineID,
		localLocation: localLocation,
		byID:          make(map[model.MachineID]model.MachineLocation),
		byLocation:    make(map[model.MachineLocation]model.MachineID),
		maxID:         model.InvalidMachineID,
		inactive:      make(map[model.MachineID]struct{}),
	}
}

// SetLocalMachineID records the id assigned to this machine by the global store
func (s *State) SetLocalMachineID(id model.MachineID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localID = id
	s.addLocked(id, s.localLocation)
}

// LocalMachineID returns this machine's id, or InvalidMachineID before registration
func (s *State) LocalMachineID() model.MachineID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localID
}

// LocalLocation returns this machine's location
func (s *State) LocalLocation() model.MachineLocation {
	return s.localLocation
}

// AddMachine records a machine. Known ids keep their first location.
func (s *State) AddMachine(id model.MachineID, location model.MachineLocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(id, location)
}

func (s *State) addLocked(id model.MachineID, location model.MachineLocation) {
	if id < 0 || !location.Valid() {
		return
	}
	if _, ok := s.byID[id]; !ok {
		s.byID[id] = location
		s.byLocation[location] = id
	}
	if id > s.maxID {
		s.maxID = id
	}
}

// Resolve maps a machine id to its location
func (s *State) Resolve(id model.MachineID) (model.MachineLocation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.byID[id]
	return loc, ok
}

// ResolveSet maps every member of ids to a location. unknown is true when at
// least one id is not yet in the table.
func (s *State) ResolveSet(ids model.MachineIDSet) (locations []model.MachineLocation, unknown bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range ids.IDs() {
		loc, ok := s.byID[id]
		if !ok {
			unknown = true
			continue
		}
		locations = append(locations, loc)
	}
	return locations, unknown
}

// MachineID maps a location back to its id
func (s *State) MachineID(location model.MachineLocation) (model.MachineID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byLocation[location]
	return id, ok
}

// MaxMachineID returns the highest id ever seen. It never decreases.
func (s *State) MaxMachineID() model.MachineID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxID
}

// MarkInactive flags a machine as inactive
func (s *State) MarkInactive(id model.MachineID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markInactiveLocked(id)
}

func (s *State) markInactiveLocked(id model.MachineID) {
	s.inactive[id] = struct{}{}
	if id == s.localID {
		s.lastInactiveTime = s.clock.Now()
	}
}

// MarkActive clears the inactive flag of a machine
func (s *State) MarkActive(id model.MachineID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inactive, id)
}

// SetInactiveMachines replaces the inactive set
func (s *State) SetInactiveMachines(ids model.MachineIDSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inactive = make(map[model.MachineID]struct{}, ids.Count())
	for _, id := range ids.IDs() {
		s.markInactiveLocked(id)
	}
}

// IsInactive reports whether a machine is flagged inactive
func (s *State) IsInactive(id model.MachineID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inactive[id]
	return ok
}

// InactiveMachines returns the inactive set
func (s *State) InactiveMachines() model.MachineIDSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]model.MachineID, 0, len(s.inactive))
	for id := range s.inactive {
		ids = append(ids, id)
	}
	return model.NewMachineIDSet(ids...)
}

// ActiveMachines lists known machines that are not inactive, ascending
func (s *State) ActiveMachines() []model.MachineID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]model.MachineID, 0, len(s.byID))
	for id := range s.byID {
		if _, inactive := s.inactive[id]; !inactive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LastInactiveTime is the last time this machine was observed as inactive
func (s *State) LastInactiveTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastInactiveTime
}

// Snapshot copies the membership table
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	machines := make(map[model.MachineID]model.MachineLocation, len(s.byID))
	for id, loc := range s.byID {
		machines[id] = loc
	}
	ids := make([]model.MachineID, 0, len(s.inactive))
	for id := range s.inactive {
		ids = append(ids, id)
	}
	return Snapshot{
		Machines:     machines,
		Inactive:     model.NewMachineIDSet(ids...),
		MaxMachineID: s.maxID,
	}
}

// BinManager returns the current bin manager, nil until one is built
func (s *State) BinManager() *BinManager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.binManager
}

// SetBinManager installs a bin manager
func (s *State) SetBinManager(bm *BinManager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binManager = bm
}
