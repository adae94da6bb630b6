package model

import "time"

// ContentLocationEntry holds the machines known to have a piece of content
// plus its size and access metadata
type ContentLocationEntry struct {
	Locations      MachineIDSet
	Size           int64
	LastAccessTime time.Time
	CreationTime   time.Time
	missing        bool
}

// MissingEntry is returned for hashes with no known locations
var MissingEntry = ContentLocationEntry{Size: -1, missing: true}

// IsMissing reports whether this is the MissingEntry sentinel
func (e ContentLocationEntry) IsMissing() bool {
	return e.missing
}

// ReplicaCount returns the number of machines holding the content
func (e ContentLocationEntry) ReplicaCount() int {
	return e.Locations.Count()
}

// TouchedWithin reports whether the entry was accessed within d of now
func (e ContentLocationEntry) TouchedWithin(now time.Time, d time.Duration) bool {
	return !e.missing && now.Sub(e.LastAccessTime) < d
}

// NewEntry creates an entry for content first observed on a machine
func NewEntry(machine MachineID, size int64, now time.Time) ContentLocationEntry {
	return ContentLocationEntry{
		Locations:      NewMachineIDSet(machine),
		Size:           size,
		LastAccessTime: now,
		CreationTime:   now,
	}
}

// WithLocation records machine as a holder and bumps the access time.
// Size is kept once known.
func (e ContentLocationEntry) WithLocation(machine MachineID, size int64, now time.Time) ContentLocationEntry {
	if e.missing {
		return NewEntry(machine, size, now)
	}
	e.Locations = e.Locations.Add(machine)
	if e.Size <= 0 && size > 0 {
		e.Size = size
	}
	if now.After(e.LastAccessTime) {
		e.LastAccessTime = now
	}
	return e
}

// WithoutLocation drops machine from the location set
func (e ContentLocationEntry) WithoutLocation(machine MachineID) ContentLocationEntry {
	if e.missing {
		return e
	}
	e.Locations = e.Locations.Remove(machine)
	return e
}

// Touch bumps the last access time
func (e ContentLocationEntry) Touch(now time.Time) ContentLocationEntry {
	if !e.missing && now.After(e.LastAccessTime) {
		e.LastAccessTime = now
	}
	return e
}

// ResolvedEntry is a location entry whose machine ids have been mapped to
// machine locations
type ResolvedEntry struct {
	Hash      ShortHash
	Entry     ContentLocationEntry
	Locations []MachineLocation
}
