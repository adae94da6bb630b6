// Package approxsort orders large streams approximately with bounded memory.
package approxsort

import (
	"iter"
	"sort"
)

// Options tunes the approximate sort
type Options struct {
	// PoolSize is the number of buffered items required before any are emitted.
	// A non-positive value buffers the whole input and sorts it exactly.
	PoolSize int
	// WindowSize is how many items are read between emissions
	WindowSize int
	// RemovalFraction of the sorted pool is emitted after each window
	RemovalFraction float64
	// DiscardFraction of the sorted pool tail is dropped after each window
	DiscardFraction float64
}

// DefaultOptions returns the tuning used for eviction ordering
func DefaultOptions() Options {
	return Options{
		PoolSize:        5000,
		WindowSize:      500,
		RemovalFraction: 0.05,
		DiscardFraction: 0,
	}
}

// Sort returns seq ordered approximately by less. Items are pulled from seq
// lazily; at most PoolSize+WindowSize items are held at once.
func Sort[T any](seq iter.Seq[T], less func(a, b T) bool, opts Options) iter.Seq[T] {
	return func(yield func(T) bool) {
		windowSize := opts.WindowSize
		if windowSize <= 0 {
			windowSize = 1
		}

		pool := make([]T, 0, max(opts.PoolSize, 0)+windowSize)
		sortPool := func() {
			sort.SliceStable(pool, func(i, j int) bool { return less(pool[i], pool[j]) })
		}

		// emit yields the best part of the pool and trims the worst part
		emit := func() bool {
			sortPool()
			remove := int(float64(len(pool)) * opts.RemovalFraction)
			if remove < 1 {
				remove = 1
			}
			if remove > len(pool) {
				remove = len(pool)
			}
			for _, item := range pool[:remove] {
				if !yield(item) {
					return false
				}
			}
			n := copy(pool, pool[remove:])
			pool = pool[:n]

			discard := int(float64(len(pool)) * opts.DiscardFraction)
			pool = pool[:len(pool)-discard]
			return true
		}

		read := 0
		for item := range seq {
			pool = append(pool, item)
			read++
			if opts.PoolSize > 0 && read >= windowSize && len(pool) >= opts.PoolSize {
				read = 0
				if !emit() {
					return
				}
			}
		}

		sortPool()
		for _, item := range pool {
			if !yield(item) {
				return
			}
		}
	}
}

// Merge interleaves two sequences, each assumed ordered by less
func Merge[T any](a, b iter.Seq[T], less func(x, y T) bool) iter.Seq[T] {
	return func(yield func(T) bool) {
		nextA, stopA := iter.Pull(a)
		defer stopA()
		nextB, stopB := iter.Pull(b)
		defer stopB()

		x, okA := nextA()
		y, okB := nextB()
		for okA || okB {
			if okA && (!okB || !less(y, x)) {
				if !yield(x) {
					return
				}
				x, okA = nextA()
			} else {
				if !yield(y) {
					return
				}
				y, okB = nextB()
			}
		}
	}
}

// Filter yields the items of seq for which keep returns true
func Filter[T any](seq iter.Seq[T], keep func(T) bool) iter.Seq[T] {
	return func(yield func(T) bool) {
		for item := range seq {
			if keep(item) && !yield(item) {
				return
			}
		}
	}
}
