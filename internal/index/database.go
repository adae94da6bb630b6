package index

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/devrev/pairdb/location-node/internal/cluster"
	lerrors "github.com/devrev/pairdb/location-node/internal/errors"
	"github.com/devrev/pairdb/location-node/internal/model"
	"go.uber.org/zap"
)

// InvalidationHandler is told when the index can no longer be trusted
type InvalidationHandler func(cause error)

// Entry is a location entry together with its hash
type Entry struct {
	Hash  model.ShortHash
	Entry model.ContentLocationEntry
}

// Database is the local content location index backed by pebble
type Database struct {
	dir    string
	logger *zap.Logger

	// mu guards db against being swapped out by RestoreFrom
	mu sync.RWMutex
	db *pebble.DB

	// writeMu serializes read-modify-write batches
	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onInvalid InvalidationHandler
}

// Open opens or creates the index in dir
func Open(dir string, logger *zap.Logger) (*Database, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open index at %s: %w", dir, err)
	}

	logger.Info("Location index opened", zap.String("dir", dir))
	return &Database{dir: dir, logger: logger, db: db}, nil
}

// SetInvalidationHandler registers the callback invoked on corruption
func (d *Database) SetInvalidationHandler(handler InvalidationHandler) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.onInvalid = handler
}

// corrupted reports a decode failure and wraps it
func (d *Database) corrupted(key []byte, cause error) error {
	d.logger.Error("Location index entry is corrupted",
		zap.Binary("key", key),
		zap.Error(cause))

	d.handlerMu.RLock()
	handler := d.onInvalid
	d.handlerMu.RUnlock()
	if handler != nil {
		// the handler restores the index and needs the write lock we may hold
		go handler(cause)
	}
	return lerrors.CorruptedIndex("location index entry is corrupted", cause)
}

// TryGetEntry returns the entry of hash, or false when absent
func (d *Database) TryGetEntry(hash model.ShortHash) (model.ContentLocationEntry, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getEntry(d.db, hash)
}

type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func (d *Database) getEntry(r reader, hash model.ShortHash) (model.ContentLocationEntry, bool, error) {
	key := entryKey(hash)
	value, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return model.MissingEntry, false, nil
	}
	if err != nil {
		return model.MissingEntry, false, lerrors.Unavailable("failed to read location index", err)
	}
	defer closer.Close()

	entry, err := decodeEntry(value)
	if err != nil {
		return model.MissingEntry, false, d.corrupted(key, err)
	}
	return entry, true, nil
}

// update applies fn to the entries of hashes in one batch. fn returning a
// missing entry or an empty location set deletes the entry.
func (d *Database) update(hashes []model.ShortHash, fn func(model.ContentLocationEntry, bool, int) model.ContentLocationEntry) error {
	if len(hashes) == 0 {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	batch := d.db.NewIndexedBatch()
	defer batch.Close()

	for i, hash := range hashes {
		current, found, err := d.getEntry(batch, hash)
		if err != nil {
			return err
		}
		next := fn(current, found, i)
		key := entryKey(hash)
		if next.IsMissing() || next.Locations.IsEmpty() {
			if found {
				if err := batch.Delete(key, nil); err != nil {
					return lerrors.Unavailable("failed to delete location entry", err)
				}
			}
			continue
		}
		value, err := encodeEntry(next)
		if err != nil {
			return lerrors.InternalError("failed to encode location entry", err)
		}
		if err := batch.Set(key, value, nil); err != nil {
			return lerrors.Unavailable("failed to write location entry", err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return lerrors.Unavailable("failed to commit location batch", err)
	}
	return nil
}

// LocationAdded records machine as a holder of every hash
func (d *Database) LocationAdded(machine model.MachineID, hashes []model.ShortHashWithSize, ts time.Time) error {
	keys := make([]model.ShortHash, len(hashes))
	for i, h := range hashes {
		keys[i] = h.Hash
	}
	return d.update(keys, func(current model.ContentLocationEntry, _ bool, i int) model.ContentLocationEntry {
		return current.WithLocation(machine, hashes[i].Size, ts)
	})
}

// LocationRemoved drops machine from every hash; empty entries are deleted
func (d *Database) LocationRemoved(machine model.MachineID, hashes []model.ShortHash) error {
	return d.update(hashes, func(current model.ContentLocationEntry, _ bool, _ int) model.ContentLocationEntry {
		return current.WithoutLocation(machine)
	})
}

// Touched bumps the access time of every known hash
func (d *Database) Touched(hashes []model.ShortHash, ts time.Time) error {
	return d.update(hashes, func(current model.ContentLocationEntry, found bool, _ int) model.ContentLocationEntry {
		if !found {
			return model.MissingEntry
		}
		return current.Touch(ts)
	})
}

// SetGlobalEntry stores an opaque value under name
func (d *Database) SetGlobalEntry(name string, value []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.db.Set(globalKey(name), value, pebble.Sync); err != nil {
		return lerrors.Unavailable("failed to write global entry", err).WithDetail("name", name)
	}
	return nil
}

// TryGetGlobalEntry reads a value stored by SetGlobalEntry
func (d *Database) TryGetGlobalEntry(name string) ([]byte, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	value, closer, err := d.db.Get(globalKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, lerrors.Unavailable("failed to read global entry", err).WithDetail("name", name)
	}
	defer closer.Close()
	return bytes.Clone(value), true, nil
}

// UpdateClusterState persists the machines of state when write is set, and
// otherwise loads the machines known to the index into state.
func (d *Database) UpdateClusterState(state *cluster.State, write bool) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if write {
		batch := d.db.NewBatch()
		defer batch.Close()
		for id, loc := range state.Snapshot().Machines {
			if err := batch.Set(machineKey(id), []byte(loc), nil); err != nil {
				return lerrors.Unavailable("failed to write machine table", err)
			}
		}
		if err := batch.Commit(pebble.Sync); err != nil {
			return lerrors.Unavailable("failed to commit machine table", err)
		}
		return nil
	}

	it, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: machinePrefix,
		UpperBound: prefixEnd(machinePrefix),
	})
	if err != nil {
		return lerrors.Unavailable("failed to read machine table", err)
	}
	defer it.Close()

	for ok := it.First(); ok; ok = it.Next() {
		key := it.Key()
		if len(key) != len(machinePrefix)+4 {
			continue
		}
		id := model.MachineID(binary.BigEndian.Uint32(key[len(machinePrefix):]))
		state.AddMachine(id, model.MachineLocation(string(it.Value())))
	}
	return it.Error()
}

// EnumerateEntries yields entries in hash order, strictly after the cursor
// when one is given. The index stays readable-locked until iteration ends.
func (d *Database) EnumerateEntries(after *model.ShortHash) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		d.mu.RLock()
		defer d.mu.RUnlock()

		lower := entryPrefix
		if after != nil {
			lower = entryKey(*after)
		}
		it, err := d.db.NewIter(&pebble.IterOptions{
			LowerBound: lower,
			UpperBound: prefixEnd(entryPrefix),
		})
		if err != nil {
			yield(Entry{}, lerrors.Unavailable("failed to enumerate location index", err))
			return
		}
		defer it.Close()

		for ok := it.First(); ok; ok = it.Next() {
			key := it.Key()
			hash, valid := model.ShortHashFromBytes(key[len(entryPrefix):])
			if !valid {
				continue
			}
			if after != nil && hash == *after {
				continue
			}
			entry, err := decodeEntry(it.Value())
			if err != nil {
				yield(Entry{}, d.corrupted(bytes.Clone(key), err))
				return
			}
			if !yield(Entry{Hash: hash, Entry: entry}, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(Entry{}, lerrors.Unavailable("failed to enumerate location index", err))
		}
	}
}

// EnumerateSortedHashesWithSize yields the hashes machine holds, in hash
// order, strictly after the cursor when one is given.
func (d *Database) EnumerateSortedHashesWithSize(machine model.MachineID, after *model.ShortHash) iter.Seq2[model.ShortHashWithSize, error] {
	return func(yield func(model.ShortHashWithSize, error) bool) {
		for e, err := range d.EnumerateEntries(after) {
			if err != nil {
				yield(model.ShortHashWithSize{}, err)
				return
			}
			if !e.Entry.Locations.Contains(machine) {
				continue
			}
			if !yield(model.ShortHashWithSize{Hash: e.Hash, Size: e.Entry.Size}, nil) {
				return
			}
		}
	}
}

// Checkpoint writes a consistent copy of the index into dir
func (d *Database) Checkpoint(dir string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.db.Checkpoint(dir, pebble.WithFlushedWAL()); err != nil {
		return lerrors.CheckpointFailed("failed to checkpoint location index", err)
	}
	return nil
}

// RestoreFrom replaces the index with the checkpoint in dir. The source
// directory is consumed. The checkpoint is opened in a staging directory
// first; when anything fails before the swap the current index stays in use,
// and a failed swap reinstates it.
func (d *Database) RestoreFrom(dir string) error {
	staging := d.dir + ".staging"
	previous := d.dir + ".previous"
	if err := os.RemoveAll(staging); err != nil {
		return lerrors.CheckpointFailed("failed to clear staging directory", err)
	}
	if err := os.Rename(dir, staging); err != nil {
		// cross-device layouts need a copy
		if err := copyTree(dir, staging); err != nil {
			_ = os.RemoveAll(staging)
			return lerrors.CheckpointFailed("failed to stage checkpoint", err)
		}
		_ = os.RemoveAll(dir)
	}
	staged, err := pebble.Open(staging, &pebble.Options{ErrorIfNotExists: true})
	if err != nil {
		_ = os.RemoveAll(staging)
		return lerrors.CheckpointFailed("checkpoint does not open as a location index", err)
	}
	if err := staged.Close(); err != nil {
		_ = os.RemoveAll(staging)
		return lerrors.CheckpointFailed("failed to close staged checkpoint", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.db.Close(); err != nil {
		d.logger.Warn("Failed to close location index before restore", zap.Error(err))
	}
	if err := os.RemoveAll(previous); err != nil {
		return d.reinstate(staging, "", lerrors.CheckpointFailed("failed to clear previous index", err))
	}
	if err := os.Rename(d.dir, previous); err != nil {
		return d.reinstate(staging, "", lerrors.CheckpointFailed("failed to move current index aside", err))
	}
	if err := os.Rename(staging, d.dir); err != nil {
		return d.reinstate(staging, previous, lerrors.CheckpointFailed("failed to install checkpoint", err))
	}
	db, err := pebble.Open(d.dir, &pebble.Options{ErrorIfNotExists: true})
	if err != nil {
		return d.reinstate("", previous, lerrors.CheckpointFailed("failed to open restored index", err))
	}
	d.db = db
	if err := os.RemoveAll(previous); err != nil {
		d.logger.Warn("Failed to remove previous location index", zap.Error(err))
	}

	d.logger.Info("Location index restored", zap.String("dir", d.dir))
	return nil
}

// reinstate puts the previous index back after a failed swap and reopens it.
// It must be called with mu held and the live handle closed. The returned
// error is cause unless the previous index cannot be reopened either.
func (d *Database) reinstate(staging, previous string, cause error) error {
	if staging != "" {
		_ = os.RemoveAll(staging)
	}
	if previous != "" {
		_ = os.RemoveAll(d.dir)
		if err := os.Rename(previous, d.dir); err != nil {
			d.logger.Error("Failed to reinstate previous location index", zap.Error(err))
		}
	}
	db, err := pebble.Open(d.dir, &pebble.Options{})
	if err != nil {
		d.logger.Error("Failed to reopen previous location index", zap.Error(err))
		return lerrors.CorruptedIndex("location index unavailable after failed restore", errors.Join(cause, err))
	}
	d.db = db
	d.logger.Warn("Restore failed, kept previous location index", zap.Error(cause))
	return cause
}

// Close closes the index
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if entry.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
