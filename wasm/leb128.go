package wasm

import (
	"errors"

	"github.com/wippyai/i64shim/internal/binary"
)

// Canonical unsigned LEB128 codec for 32-bit values. Section lengths, entry
// counts, type indices, function indices and body sizes all use it.

// MaxU32Size is the longest encoding of a uint32.
const MaxU32Size = 5

// Codec errors returned by DecodeU32.
var (
	ErrTruncated    = errors.New("leb128: truncated")
	ErrOverflow     = errors.New("leb128: overflow")
	ErrNonCanonical = errors.New("leb128: non-canonical encoding")
)

// DecodeU32 decodes a canonical unsigned LEB128 value from the start of b and
// returns the value together with the number of bytes it occupies.
func DecodeU32(b []byte) (uint32, int, error) {
	var result uint32
	for i := 0; i < MaxU32Size; i++ {
		if i >= len(b) {
			return 0, 0, ErrTruncated
		}
		c := b[i]
		if i == MaxU32Size-1 && c > 0x0f {
			return 0, 0, ErrOverflow
		}
		result |= uint32(c&0x7f) << (7 * uint(i))
		if c&0x80 == 0 {
			if i > 0 && c == 0 {
				return 0, 0, ErrNonCanonical
			}
			return result, i + 1, nil
		}
	}
	return 0, 0, ErrOverflow
}

// SizeU32 returns the length of the canonical encoding of v.
func SizeU32(v uint32) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendU32 appends the canonical encoding of v to dst.
func AppendU32(dst []byte, v uint32) []byte {
	return binary.AppendU64(dst, uint64(v))
}

// EncodeU32 encodes v as canonical unsigned LEB128.
func EncodeU32(v uint32) []byte {
	return AppendU32(make([]byte, 0, SizeU32(v)), v)
}
