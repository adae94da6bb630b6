package util

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// ChecksumSize is the length of the trailer added by AppendChecksum
const ChecksumSize = 4

// ErrChecksumMismatch is returned for framed data whose trailer does not match
var ErrChecksumMismatch = errors.New("checksum mismatch")

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum returns the CRC32C of data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// AppendChecksum appends the little endian checksum of data to data.
// The input slice may be reused.
func AppendChecksum(data []byte) []byte {
	return binary.LittleEndian.AppendUint32(data, ComputeChecksum(data))
}

// StripChecksum verifies the trailer written by AppendChecksum and returns the
// payload without it. The payload aliases framed.
func StripChecksum(framed []byte) ([]byte, error) {
	if len(framed) < ChecksumSize {
		return nil, ErrChecksumMismatch
	}
	n := len(framed) - ChecksumSize
	payload := framed[:n]
	if binary.LittleEndian.Uint32(framed[n:]) != ComputeChecksum(payload) {
		return nil, ErrChecksumMismatch
	}
	return payload, nil
}
