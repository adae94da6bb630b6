package model

import (
	"fmt"
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// MachineID is a small dense index into cluster membership
type MachineID int32

// InvalidMachineID marks an unassigned machine
const InvalidMachineID MachineID = -1

// MachineLocation is the address other machines use to reach a machine
type MachineLocation string

func (l MachineLocation) String() string {
	return string(l)
}

// Valid reports whether the location is usable
func (l MachineLocation) Valid() bool {
	return strings.TrimSpace(string(l)) != ""
}

// MachineIDSet is an immutable set of machine ids backed by a bitset.
// Add and Remove return new sets and leave the receiver untouched.
type MachineIDSet struct {
	bits *bitset.BitSet
}

// NewMachineIDSet creates a set containing the given ids
func NewMachineIDSet(ids ...MachineID) MachineIDSet {
	b := bitset.New(0)
	for _, id := range ids {
		if id >= 0 {
			b.Set(uint(id))
		}
	}
	return MachineIDSet{bits: b}
}

// MachineIDSetFromWords rebuilds a set from its serialized words
func MachineIDSetFromWords(words []uint64) MachineIDSet {
	if len(words) == 0 {
		return MachineIDSet{}
	}
	w := make([]uint64, len(words))
	copy(w, words)
	return MachineIDSet{bits: bitset.From(w)}
}

// MachineIDSetFromBitmap decodes a big-endian bitmap where bit 0 is the
// most significant bit of the first byte.
func MachineIDSetFromBitmap(bitmap []byte) MachineIDSet {
	b := bitset.New(uint(len(bitmap) * 8))
	for i, octet := range bitmap {
		if octet == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if octet&(0x80>>bit) != 0 {
				b.Set(uint(i*8 + bit))
			}
		}
	}
	return MachineIDSet{bits: b}
}

// Words returns the serialized form of the set
func (s MachineIDSet) Words() []uint64 {
	if s.bits == nil {
		return nil
	}
	words := s.bits.Bytes()
	// trim trailing zero words so equal sets serialize identically
	n := len(words)
	for n > 0 && words[n-1] == 0 {
		n--
	}
	out := make([]uint64, n)
	copy(out, words[:n])
	return out
}

// Contains reports whether id is in the set
func (s MachineIDSet) Contains(id MachineID) bool {
	if s.bits == nil || id < 0 {
		return false
	}
	return s.bits.Test(uint(id))
}

// Count returns the number of machines in the set
func (s MachineIDSet) Count() int {
	if s.bits == nil {
		return 0
	}
	return int(s.bits.Count())
}

// IsEmpty reports whether the set has no members
func (s MachineIDSet) IsEmpty() bool {
	return s.Count() == 0
}

// Add returns a copy of the set with id added
func (s MachineIDSet) Add(id MachineID) MachineIDSet {
	if id < 0 || s.Contains(id) {
		return s
	}
	b := s.clone()
	b.Set(uint(id))
	return MachineIDSet{bits: b}
}

// Remove returns a copy of the set with id removed
func (s MachineIDSet) Remove(id MachineID) MachineIDSet {
	if !s.Contains(id) {
		return s
	}
	b := s.clone()
	b.Clear(uint(id))
	return MachineIDSet{bits: b}
}

// IDs lists the members in ascending order
func (s MachineIDSet) IDs() []MachineID {
	if s.bits == nil {
		return nil
	}
	ids := make([]MachineID, 0, s.bits.Count())
	for i, ok := s.bits.NextSet(0); ok; i, ok = s.bits.NextSet(i + 1) {
		ids = append(ids, MachineID(i))
	}
	return ids
}

func (s MachineIDSet) clone() *bitset.BitSet {
	if s.bits == nil {
		return bitset.New(0)
	}
	return s.bits.Clone()
}

func (s MachineIDSet) String() string {
	ids := s.IDs()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
