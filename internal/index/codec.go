package index

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/devrev/pairdb/location-node/internal/util"
	"github.com/hashicorp/go-msgpack/codec"
)

// Key layout:
//
//	e/<short hash>   location entry
//	m/<machine id>   machine location
//	g/<name>         opaque global entry
var (
	entryPrefix   = []byte("e/")
	machinePrefix = []byte("m/")
	globalPrefix  = []byte("g/")
)

var msgpackHandle codec.MsgpackHandle

type entryWire struct {
	Locations []uint64 `codec:"l"`
	Size      int64    `codec:"s"`
	Access    int64    `codec:"a"`
	Created   int64    `codec:"c"`
}

func entryKey(hash model.ShortHash) []byte {
	key := make([]byte, 0, len(entryPrefix)+model.ShortHashLength)
	key = append(key, entryPrefix...)
	return append(key, hash[:]...)
}

func machineKey(id model.MachineID) []byte {
	key := make([]byte, len(machinePrefix)+4)
	copy(key, machinePrefix)
	binary.BigEndian.PutUint32(key[len(machinePrefix):], uint32(id))
	return key
}

func globalKey(name string) []byte {
	return append(append([]byte{}, globalPrefix...), name...)
}

// prefixEnd returns the smallest key greater than every key with prefix
func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	end[len(end)-1]++
	return end
}

func encodeEntry(e model.ContentLocationEntry) ([]byte, error) {
	wire := entryWire{
		Locations: e.Locations.Words(),
		Size:      e.Size,
		Access:    e.LastAccessTime.UnixNano(),
		Created:   e.CreationTime.UnixNano(),
	}
	var out []byte
	if err := codec.NewEncoderBytes(&out, &msgpackHandle).Encode(&wire); err != nil {
		return nil, fmt.Errorf("failed to encode entry: %w", err)
	}
	return util.AppendChecksum(out), nil
}

// decodeEntry fails on a damaged value so the caller can report corruption
func decodeEntry(data []byte) (model.ContentLocationEntry, error) {
	payload, err := util.StripChecksum(data)
	if err != nil {
		return model.MissingEntry, fmt.Errorf("failed to verify entry: %w", err)
	}
	var wire entryWire
	if err := codec.NewDecoderBytes(payload, &msgpackHandle).Decode(&wire); err != nil {
		return model.MissingEntry, fmt.Errorf("failed to decode entry: %w", err)
	}
	return model.ContentLocationEntry{
		Locations:      model.MachineIDSetFromWords(wire.Locations),
		Size:           wire.Size,
		LastAccessTime: time.Unix(0, wire.Access),
		CreationTime:   time.Unix(0, wire.Created),
	}, nil
}
