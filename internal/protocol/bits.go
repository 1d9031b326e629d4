package protocol

import (
	"errors"
	"math"
)

var (
	// ErrInvalidBitRange is returned for negative bit offsets or lengths and
	// for ranges whose byte span does not fit in an int.
	ErrInvalidBitRange = errors.New("invalid bit range")

	// ErrShortBuffer is returned when the source does not hold every byte
	// the extraction reads, including the trailing slack byte.
	ErrShortBuffer = errors.New("source buffer too short for bit range")
)

// AlignedLen returns the number of bytes produced for bitLength bits.
func AlignedLen(bitLength int) int {
	if bitLength <= 0 {
		return 0
	}

	n := bitLength / 8
	if bitLength%8 != 0 {
		n++
	}
	return n
}

// RequiredBytes returns how many source bytes AlignBits reads for the range.
// When bitOffset is not byte aligned every output byte straddles two source
// bytes, so the last output byte reads one byte past its own position.
// It returns -1 for negative ranges and ranges too large to address.
func RequiredBytes(bitOffset, bitLength int) int {
	if bitOffset < 0 || bitLength < 0 || bitLength > math.MaxInt-7 {
		return -1
	}

	n := AlignedLen(bitLength)
	if n == 0 {
		return 0
	}

	last := bitOffset/8 + n - 1
	if bitOffset%8 != 0 {
		return last + 2
	}
	return last + 1
}

// AlignBits copies bitLength bits starting at bitOffset out of src into a
// byte-aligned buffer of AlignedLen(bitLength) bytes. Bits are taken LSB-first:
// output byte i is the 8-bit window starting at absolute bit bitOffset+8*i.
func AlignBits(src []byte, bitOffset, bitLength int) ([]byte, error) {
	required := RequiredBytes(bitOffset, bitLength)
	if required < 0 {
		return nil, ErrInvalidBitRange
	}
	if len(src) < required {
		return nil, ErrShortBuffer
	}

	out := make([]byte, AlignedLen(bitLength))
	for i := range out {
		cursor := bitOffset + 8*i
		idx := cursor / 8
		shift := uint(cursor % 8)

		if shift == 0 {
			out[i] = src[idx]
			continue
		}
		out[i] = src[idx]>>shift | src[idx+1]<<(8-shift)
	}

	return out, nil
}
