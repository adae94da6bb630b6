package cluster

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"slices"
	"sort"

	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/hashicorp/go-msgpack/codec"
)

// BinManager splits the hash space into a fixed number of bins and assigns
// each bin the machines that should hold its content. Assignment uses
// rendezvous hashing so a membership change only moves the bins whose top
// machines changed.
type BinManager struct {
	bins            int
	locationsPerBin int
	machines        []model.MachineID
	assignments     [][]model.MachineID
}

type binManagerWire struct {
	Bins            int       `codec:"b"`
	LocationsPerBin int       `codec:"l"`
	Machines        []int32   `codec:"m"`
	Assignments     [][]int32 `codec:"a"`
}

// NewBinManager builds the assignment for the given machines
func NewBinManager(bins, locationsPerBin int, machines []model.MachineID) *BinManager {
	if bins <= 0 {
		bins = 1
	}
	if locationsPerBin <= 0 {
		locationsPerBin = 1
	}
	sorted := slices.Clone(machines)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	bm := &BinManager{
		bins:            bins,
		locationsPerBin: locationsPerBin,
		machines:        sorted,
		assignments:     make([][]model.MachineID, bins),
	}
	for bin := 0; bin < bins; bin++ {
		bm.assignments[bin] = bm.rank(bin)
	}
	return bm
}

// rank returns the top machines for a bin by rendezvous score
func (b *BinManager) rank(bin int) []model.MachineID {
	type scored struct {
		id    model.MachineID
		score uint64
	}
	scores := make([]scored, len(b.machines))
	var buf [8]byte
	for i, id := range b.machines {
		binary.BigEndian.PutUint32(buf[:4], uint32(bin))
		binary.BigEndian.PutUint32(buf[4:], uint32(id))
		sum := sha256.Sum256(buf[:])
		scores[i] = scored{id: id, score: binary.BigEndian.Uint64(sum[:8])}
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].id < scores[j].id
	})

	n := min(b.locationsPerBin, len(scores))
	out := make([]model.MachineID, n)
	for i := 0; i < n; i++ {
		out[i] = scores[i].id
	}
	return out
}

// Bins returns the number of bins
func (b *BinManager) Bins() int {
	return b.bins
}

// Machines returns the machines the assignment was built for
func (b *BinManager) Machines() []model.MachineID {
	return slices.Clone(b.machines)
}

// HasMachines reports whether the assignment was built for exactly these machines
func (b *BinManager) HasMachines(machines []model.MachineID) bool {
	sorted := slices.Clone(machines)
	slices.Sort(sorted)
	return slices.Equal(slices.Compact(sorted), b.machines)
}

// Bin returns the bin of a hash
func (b *BinManager) Bin(hash model.ShortHash) int {
	return int(binary.BigEndian.Uint32(hash[:4]) % uint32(b.bins))
}

// DesignatedLocations returns the machines that should hold hash
func (b *BinManager) DesignatedLocations(hash model.ShortHash) []model.MachineID {
	return slices.Clone(b.assignments[b.Bin(hash)])
}

// Serialize encodes the bin manager for storage in the index
func (b *BinManager) Serialize() ([]byte, error) {
	wire := binManagerWire{
		Bins:            b.bins,
		LocationsPerBin: b.locationsPerBin,
		Machines:        toInt32(b.machines),
		Assignments:     make([][]int32, len(b.assignments)),
	}
	for i, a := range b.assignments {
		wire.Assignments[i] = toInt32(a)
	}

	var out []byte
	var mh codec.MsgpackHandle
	if err := codec.NewEncoderBytes(&out, &mh).Encode(&wire); err != nil {
		return nil, fmt.Errorf("failed to encode bin manager: %w", err)
	}
	return out, nil
}

// DeserializeBinManager decodes the output of Serialize
func DeserializeBinManager(data []byte) (*BinManager, error) {
	var wire binManagerWire
	var mh codec.MsgpackHandle
	if err := codec.NewDecoderBytes(data, &mh).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode bin manager: %w", err)
	}
	if wire.Bins <= 0 || len(wire.Assignments) != wire.Bins {
		return nil, fmt.Errorf("invalid bin manager: %d bins, %d assignments", wire.Bins, len(wire.Assignments))
	}

	bm := &BinManager{
		bins:            wire.Bins,
		locationsPerBin: wire.LocationsPerBin,
		machines:        fromInt32(wire.Machines),
		assignments:     make([][]model.MachineID, wire.Bins),
	}
	for i, a := range wire.Assignments {
		bm.assignments[i] = fromInt32(a)
	}
	return bm, nil
}

func toInt32(ids []model.MachineID) []int32 {
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out
}

func fromInt32(ids []int32) []model.MachineID {
	out := make([]model.MachineID, len(ids))
	for i, id := range ids {
		out[i] = model.MachineID(id)
	}
	return out
}
