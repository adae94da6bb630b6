package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingHandler struct {
	mu      sync.Mutex
	added   map[model.ShortHash][]model.MachineID
	removed []model.ShortHash
	touched []model.ShortHash
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{added: make(map[model.ShortHash][]model.MachineID)}
}

func (h *recordingHandler) LocationAdded(_ context.Context, machine model.MachineID, hashes []model.ShortHashWithSize, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, hs := range hashes {
		h.added[hs.Hash] = append(h.added[hs.Hash], machine)
	}
	return nil
}

func (h *recordingHandler) LocationRemoved(_ context.Context, _ model.MachineID, hashes []model.ShortHash) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, hashes...)
	return nil
}

func (h *recordingHandler) Touched(_ context.Context, _ model.MachineID, hashes []model.ShortHash, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.touched = append(h.touched, hashes...)
	return nil
}

func hashOf(s string) model.ShortHash {
	return model.HashContent([]byte(s)).Short()
}

func TestEventCodec(t *testing.T) {
	e := Event{
		Kind:      KindReconcile,
		Machine:   7,
		Added:     []model.ShortHashWithSize{{Hash: hashOf("a"), Size: 10}, {Hash: hashOf("b"), Size: 20}},
		Hashes:    []model.ShortHash{hashOf("c")},
		Timestamp: time.Unix(1700000000, 42),
	}
	data, err := Encode(e)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, e.Kind, decoded.Kind)
	assert.Equal(t, e.Machine, decoded.Machine)
	assert.Equal(t, e.Added, decoded.Added)
	assert.Equal(t, e.Hashes, decoded.Hashes)
	assert.True(t, e.Timestamp.Equal(decoded.Timestamp))

	_, err = Decode([]byte{0xc1})
	assert.Error(t, err)
}

func TestMemoryHub_ProcessingAndReplay(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub(clockwork.NewFakeClock())
	sender := hub.NewStore(nil, zap.NewNop())
	handler := newRecordingHandler()
	consumer := hub.NewStore(handler, zap.NewNop())

	_, ok := consumer.LastProcessedSequencePoint()
	assert.False(t, ok)

	ts := time.Unix(1700000000, 0)
	require.NoError(t, sender.AddLocations(ctx, 1, []model.ShortHashWithSize{{Hash: hashOf("a"), Size: 1}}, ts))
	assert.Empty(t, handler.added, "nothing is consumed before processing starts")

	require.NoError(t, consumer.StartProcessing(ctx, model.EventSequencePoint{}))
	assert.Equal(t, []model.MachineID{1}, handler.added[hashOf("a")], "replay from the start")
	first, ok := consumer.LastProcessedSequencePoint()
	require.True(t, ok)

	require.NoError(t, sender.Reconcile(ctx, 2, []model.ShortHashWithSize{{Hash: hashOf("b"), Size: 1}}, []model.ShortHash{hashOf("c")}, ts))
	require.NoError(t, sender.Touch(ctx, 2, []model.ShortHash{hashOf("b")}, ts))
	assert.Equal(t, []model.MachineID{2}, handler.added[hashOf("b")])
	assert.Equal(t, []model.ShortHash{hashOf("c")}, handler.removed)
	assert.Equal(t, []model.ShortHash{hashOf("b")}, handler.touched)

	latest, _ := consumer.LastProcessedSequencePoint()
	assert.Equal(t, 1, latest.Compare(first), "sequence points increase")

	require.NoError(t, consumer.SuspendProcessing(ctx))
	assert.False(t, consumer.IsProcessing())
	require.NoError(t, sender.RemoveLocations(ctx, 1, []model.ShortHash{hashOf("a")}, ts))
	assert.Len(t, handler.removed, 1, "suspended stores do not consume")

	// resuming from the recorded point only replays what was missed
	require.NoError(t, consumer.StartProcessing(ctx, latest))
	assert.Len(t, handler.removed, 2)
	assert.Len(t, handler.added[hashOf("a")], 1)
}

func TestMemoryStore_PauseSendingEvents(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub(clockwork.NewRealClock())
	store := hub.NewStore(nil, zap.NewNop())

	resume := store.PauseSendingEvents()
	sent := make(chan struct{})
	go func() {
		_ = store.Touch(ctx, 1, []model.ShortHash{hashOf("a")}, time.Now())
		close(sent)
	}()

	select {
	case <-sent:
		t.Fatal("send completed while paused")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, hub.Len())

	// another store on the same hub is unaffected
	other := hub.NewStore(nil, zap.NewNop())
	require.NoError(t, other.Touch(ctx, 1, []model.ShortHash{hashOf("b")}, time.Now()))

	resume()
	resume()
	<-sent
	assert.Equal(t, 2, hub.Len())
}

func TestMemoryStore_EmptyBatchesAreNotPublished(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub(nil)
	store := hub.NewStore(nil, zap.NewNop())

	require.NoError(t, store.AddLocations(ctx, 1, nil, time.Now()))
	require.NoError(t, store.Reconcile(ctx, 1, nil, nil, time.Now()))
	assert.Equal(t, 0, hub.Len())
}
