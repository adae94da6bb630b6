package events

import (
	"fmt"
	"time"

	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/hashicorp/go-msgpack/codec"
)

// Kind identifies what a location event changes
type Kind uint8

const (
	KindAddLocation Kind = iota + 1
	KindRemoveLocation
	KindTouch
	KindReconcile
)

func (k Kind) String() string {
	switch k {
	case KindAddLocation:
		return "add"
	case KindRemoveLocation:
		return "remove"
	case KindTouch:
		return "touch"
	case KindReconcile:
		return "reconcile"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Event is one entry of the location event stream. Added carries hashes with
// sizes for add and reconcile events; Hashes carries the plain hashes of
// remove, touch and the removed half of reconcile events.
type Event struct {
	Kind      Kind
	Machine   model.MachineID
	Added     []model.ShortHashWithSize
	Hashes    []model.ShortHash
	Timestamp time.Time
	Sequence  model.EventSequencePoint
}

type eventWire struct {
	Kind    uint8   `codec:"k"`
	Machine int32   `codec:"m"`
	Added   []byte  `codec:"a"`
	Sizes   []int64 `codec:"s"`
	Hashes  []byte  `codec:"h"`
	Time    int64   `codec:"t"`
}

var msgpackHandle codec.MsgpackHandle

// Encode serializes an event. The sequence point is assigned by the stream
// and not part of the payload.
func Encode(e Event) ([]byte, error) {
	wire := eventWire{
		Kind:    uint8(e.Kind),
		Machine: int32(e.Machine),
		Added:   make([]byte, 0, len(e.Added)*model.ShortHashLength),
		Sizes:   make([]int64, 0, len(e.Added)),
		Hashes:  make([]byte, 0, len(e.Hashes)*model.ShortHashLength),
		Time:    e.Timestamp.UnixNano(),
	}
	for _, h := range e.Added {
		wire.Added = append(wire.Added, h.Hash[:]...)
		wire.Sizes = append(wire.Sizes, h.Size)
	}
	for _, h := range e.Hashes {
		wire.Hashes = append(wire.Hashes, h[:]...)
	}

	var out []byte
	if err := codec.NewEncoderBytes(&out, &msgpackHandle).Encode(&wire); err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", e.Kind, err)
	}
	return out, nil
}

// Decode parses the output of Encode
func Decode(data []byte) (Event, error) {
	var wire eventWire
	if err := codec.NewDecoderBytes(data, &msgpackHandle).Decode(&wire); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if len(wire.Added) != len(wire.Sizes)*model.ShortHashLength || len(wire.Hashes)%model.ShortHashLength != 0 {
		return Event{}, fmt.Errorf("malformed event payload: %d added bytes, %d sizes, %d hash bytes",
			len(wire.Added), len(wire.Sizes), len(wire.Hashes))
	}

	e := Event{
		Kind:      Kind(wire.Kind),
		Machine:   model.MachineID(wire.Machine),
		Timestamp: time.Unix(0, wire.Time),
	}
	for i, size := range wire.Sizes {
		var h model.ShortHash
		copy(h[:], wire.Added[i*model.ShortHashLength:])
		e.Added = append(e.Added, model.ShortHashWithSize{Hash: h, Size: size})
	}
	for i := 0; i < len(wire.Hashes); i += model.ShortHashLength {
		var h model.ShortHash
		copy(h[:], wire.Hashes[i:])
		e.Hashes = append(e.Hashes, h)
	}
	return e, nil
}
