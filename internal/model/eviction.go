package model

import "time"

// ContentEvictionInfo describes a candidate for eviction
type ContentEvictionInfo struct {
	Hash         ShortHash
	Size         int64
	Age          time.Duration
	EffectiveAge time.Duration
	ReplicaCount int
}

// EvictsBefore reports whether c is less valuable than other: larger
// effective age first, then larger size.
func (c ContentEvictionInfo) EvictsBefore(other ContentEvictionInfo) bool {
	if c.EffectiveAge != other.EffectiveAge {
		return c.EffectiveAge > other.EffectiveAge
	}
	if c.Size != other.Size {
		return c.Size > other.Size
	}
	return c.Hash.Compare(other.Hash) < 0
}
