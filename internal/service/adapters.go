package service

import (
	"context"
	"time"

	"github.com/devrev/pairdb/location-node/internal/events"
	"github.com/devrev/pairdb/location-node/internal/model"
)

// locationWriter is the slice of the index that consumed events mutate
type locationWriter interface {
	LocationAdded(machine model.MachineID, hashes []model.ShortHashWithSize, ts time.Time) error
	LocationRemoved(machine model.MachineID, hashes []model.ShortHash) error
	Touched(hashes []model.ShortHash, ts time.Time) error
}

// IndexEventHandler applies consumed location events to the local index
type IndexEventHandler struct {
	index locationWriter
}

var _ events.Handler = (*IndexEventHandler)(nil)

// NewIndexEventHandler binds an event handler to index
func NewIndexEventHandler(index locationWriter) *IndexEventHandler {
	return &IndexEventHandler{index: index}
}

// LocationAdded records machine as a holder of hashes
func (h *IndexEventHandler) LocationAdded(ctx context.Context, machine model.MachineID, hashes []model.ShortHashWithSize, ts time.Time) error {
	return h.index.LocationAdded(machine, hashes, ts)
}

// LocationRemoved drops machine from hashes
func (h *IndexEventHandler) LocationRemoved(ctx context.Context, machine model.MachineID, hashes []model.ShortHash) error {
	return h.index.LocationRemoved(machine, hashes)
}

// Touched bumps the access time of hashes
func (h *IndexEventHandler) Touched(ctx context.Context, machine model.MachineID, hashes []model.ShortHash, ts time.Time) error {
	return h.index.Touched(hashes, ts)
}
