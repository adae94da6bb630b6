package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	// ContentHashLength is the size of a full content digest
	ContentHashLength = 32
	// ShortHashLength is the size of the truncated digest used as index key
	ShortHashLength = 12
)

// ContentHash is a full content digest
type ContentHash [ContentHashLength]byte

// ShortHash is a truncated ContentHash. Distinct contents may collide.
type ShortHash [ShortHashLength]byte

// HashContent computes the ContentHash of a byte slice
func HashContent(data []byte) ContentHash {
	return ContentHash(sha256.Sum256(data))
}

// Short truncates the hash
func (h ContentHash) Short() ShortHash {
	var s ShortHash
	copy(s[:], h[:ShortHashLength])
	return s
}

func (h ContentHash) String() string {
	return hex.EncodeToString(h[:])
}

func (h ShortHash) String() string {
	return hex.EncodeToString(h[:])
}

// Compare orders short hashes bytewise
func (h ShortHash) Compare(other ShortHash) int {
	return bytes.Compare(h[:], other[:])
}

// ParseShortHash parses a hex string. A full-length content hash is truncated.
func ParseShortHash(s string) (ShortHash, error) {
	var h ShortHash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(raw) != ShortHashLength && len(raw) != ContentHashLength {
		return h, fmt.Errorf("invalid hash %q: length %d", s, len(raw))
	}
	copy(h[:], raw[:ShortHashLength])
	return h, nil
}

// ShortHashFromBytes builds a ShortHash from an index key
func ShortHashFromBytes(b []byte) (ShortHash, bool) {
	var h ShortHash
	if len(b) != ShortHashLength {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

// ShortHashWithSize pairs a hash with its content size
type ShortHashWithSize struct {
	Hash ShortHash
	Size int64
}

// ContentInfo describes content physically held by the local content store
type ContentInfo struct {
	Hash           ShortHash
	Size           int64
	LastAccessTime time.Time
}
