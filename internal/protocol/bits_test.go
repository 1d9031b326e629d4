package protocol

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"testing"
)

// referenceAlign reads bits one at a time, LSB first, as a cross-check for AlignBits
func referenceAlign(src []byte, bitOffset, bitLength int) []byte {
	out := make([]byte, AlignedLen(bitLength))
	for i := range out {
		var b byte
		for j := 0; j < 8; j++ {
			k := bitOffset + 8*i + j
			bit := (src[k/8] >> uint(k%8)) & 1
			b |= bit << uint(j)
		}
		out[i] = b
	}
	return out
}

func TestAlignBitsByteAligned(t *testing.T) {
	src := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02}

	for _, bitLength := range []int{8, 16, 24, 48} {
		got, err := AlignBits(src, 0, bitLength)
		if err != nil {
			t.Fatalf("AlignBits(%d bits) failed: %v", bitLength, err)
		}
		if !bytes.Equal(got, src[:bitLength/8]) {
			t.Errorf("AlignBits(%d bits) = %x, want %x", bitLength, got, src[:bitLength/8])
		}
	}
}

func TestAlignBitsNibbleOffset(t *testing.T) {
	src := []byte{0x12, 0x34, 0x56, 0x78, 0x9A}

	got, err := AlignBits(src, 4, 32)
	if err != nil {
		t.Fatalf("AlignBits failed: %v", err)
	}

	for i := range got {
		want := src[i]>>4 | src[i+1]<<4
		if got[i] != want {
			t.Errorf("byte %d: got 0x%02x, want 0x%02x", i, got[i], want)
		}
	}
}

func TestAlignBitsAllOffsets(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	src := make([]byte, 64)
	rng.Read(src)

	for bitOffset := 0; bitOffset < 24; bitOffset++ {
		for _, bitLength := range []int{1, 7, 8, 9, 63, 64, 200} {
			if RequiredBytes(bitOffset, bitLength) > len(src) {
				continue
			}
			got, err := AlignBits(src, bitOffset, bitLength)
			if err != nil {
				t.Fatalf("offset %d length %d: unexpected error %v", bitOffset, bitLength, err)
			}
			want := referenceAlign(src, bitOffset, bitLength)
			if !bytes.Equal(got, want) {
				t.Errorf("offset %d length %d: got %x, want %x", bitOffset, bitLength, got, want)
			}
		}
	}
}

func TestAlignBitsOutputLength(t *testing.T) {
	src := make([]byte, 16)
	tests := []struct {
		bitLength int
		want      int
	}{
		{0, 0},
		{1, 1},
		{8, 1},
		{9, 2},
		{17, 3},
		{64, 8},
	}

	for _, tt := range tests {
		got, err := AlignBits(src, 3, tt.bitLength)
		if err != nil {
			t.Fatalf("length %d: %v", tt.bitLength, err)
		}
		if len(got) != tt.want {
			t.Errorf("length %d: got %d bytes, want %d", tt.bitLength, len(got), tt.want)
		}
	}
}

func TestRequiredBytes(t *testing.T) {
	tests := []struct {
		name      string
		bitOffset int
		bitLength int
		want      int
	}{
		{"empty", 5, 0, 0},
		{"aligned", 0, 32, 4},
		{"aligned with skip", 16, 32, 6},
		{"unaligned needs slack", 1, 32, 5},
		{"unaligned partial byte", 4, 12, 3},
		{"offset inside later byte", 13, 8, 3},
		{"negative offset", -1, 8, -1},
		{"negative length", 0, -8, -1},
		{"overflowing length", 0, math.MaxInt, -1},
		{"offset near max int", math.MaxInt, 8, math.MaxInt/8 + 2},
		{"largest aligned length", 0, math.MaxInt - 7, math.MaxInt / 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RequiredBytes(tt.bitOffset, tt.bitLength); got != tt.want {
				t.Errorf("RequiredBytes(%d, %d) = %d, want %d", tt.bitOffset, tt.bitLength, got, tt.want)
			}
		})
	}
}

func TestAlignBitsErrors(t *testing.T) {
	src := []byte{0x01, 0x02, 0x03, 0x04}

	tests := []struct {
		name      string
		bitOffset int
		bitLength int
		wantErr   error
	}{
		{"negative offset", -1, 8, ErrInvalidBitRange},
		{"negative length", 0, -8, ErrInvalidBitRange},
		{"aligned overrun", 8, 32, ErrShortBuffer},
		{"missing slack byte", 1, 32, ErrShortBuffer},
		{"overflowing length", 0, math.MaxInt, ErrInvalidBitRange},
		{"offset near max int", math.MaxInt, 8, ErrShortBuffer},
		{"huge unaligned range", math.MaxInt - 7, math.MaxInt - 7, ErrShortBuffer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AlignBits(src, tt.bitOffset, tt.bitLength)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	// The same unaligned range fits once the slack byte is present
	if _, err := AlignBits(append(src, 0x05), 1, 32); err != nil {
		t.Errorf("Expected success with slack byte, got %v", err)
	}
}
