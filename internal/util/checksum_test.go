package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
		{"large", make([]byte, 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			framed := AppendChecksum(append([]byte{}, tt.data...))
			assert.Len(t, framed, len(tt.data)+ChecksumSize)

			payload, err := StripChecksum(framed)
			require.NoError(t, err)
			assert.Equal(t, tt.data, payload)
		})
	}
}

func TestChecksum_DetectsDamage(t *testing.T) {
	framed := AppendChecksum([]byte("location entry"))

	flipped := append([]byte{}, framed...)
	flipped[3] ^= 0x10
	_, err := StripChecksum(flipped)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	_, err = StripChecksum(framed[:len(framed)-1])
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	_, err = StripChecksum([]byte{0x01})
	assert.ErrorIs(t, err, ErrChecksumMismatch, "shorter than the trailer")
}

func TestComputeChecksum_Deterministic(t *testing.T) {
	data := []byte("test data for checksum validation")
	assert.Equal(t, ComputeChecksum(data), ComputeChecksum(data))
	assert.NotEqual(t, ComputeChecksum(data), ComputeChecksum([]byte("other data")))
}
