// Package numeric scans firmware images for typed scalar values and encodes
// replacement values in the same layout.
package numeric

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Kind names a scalar layout.
type Kind string

const (
	U8  Kind = "u8"
	I8  Kind = "i8"
	U16 Kind = "u16"
	I16 Kind = "i16"
	U32 Kind = "u32"
	I32 Kind = "i32"
	U64 Kind = "u64"
	I64 Kind = "i64"
	F32 Kind = "f32"
	F64 Kind = "f64"
)

// Endian is the byte order of a scalar.
type Endian string

const (
	Little Endian = "le"
	Big    Endian = "be"
)

// ParseKind accepts the persisted kind names, case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if k.Size() == 0 {
		return "", fmt.Errorf("unsupported numeric kind %q", s)
	}
	return k, nil
}

// ParseEndian accepts "le"/"be" and the long forms. Empty means little-endian.
func ParseEndian(s string) (Endian, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "le", "little", "little-endian":
		return Little, nil
	case "be", "big", "big-endian":
		return Big, nil
	}
	return "", fmt.Errorf("unsupported endianness %q", s)
}

// Size returns the width in bytes, or 0 for an unknown kind.
func (k Kind) Size() int {
	switch k {
	case U8, I8:
		return 1
	case U16, I16:
		return 2
	case U32, I32, F32:
		return 4
	case U64, I64, F64:
		return 8
	}
	return 0
}

// IsFloat reports whether k is an IEEE-754 kind.
func (k Kind) IsFloat() bool {
	return k == F32 || k == F64
}

// IsSigned reports whether k is a signed integer kind.
func (k Kind) IsSigned() bool {
	switch k {
	case I8, I16, I32, I64:
		return true
	}
	return false
}

// intRange returns the inclusive bounds of an integer kind. Unsigned upper
// bounds are returned separately so u64 is not truncated.
func (k Kind) intRange() (minS int64, maxS int64, maxU uint64) {
	switch k {
	case U8:
		return 0, 0, math.MaxUint8
	case U16:
		return 0, 0, math.MaxUint16
	case U32:
		return 0, 0, math.MaxUint32
	case U64:
		return 0, 0, math.MaxUint64
	case I8:
		return math.MinInt8, math.MaxInt8, 0
	case I16:
		return math.MinInt16, math.MaxInt16, 0
	case I32:
		return math.MinInt32, math.MaxInt32, 0
	case I64:
		return math.MinInt64, math.MaxInt64, 0
	}
	return 0, 0, 0
}

func (e Endian) order() binary.ByteOrder {
	if e == Big {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// decodeUnsigned reads the raw bits of an integer kind at off.
func decodeUnsigned(buf []byte, off int, k Kind, order binary.ByteOrder) uint64 {
	switch k.Size() {
	case 1:
		return uint64(buf[off])
	case 2:
		return uint64(order.Uint16(buf[off:]))
	case 4:
		return uint64(order.Uint32(buf[off:]))
	default:
		return order.Uint64(buf[off:])
	}
}

func decodeSigned(buf []byte, off int, k Kind, order binary.ByteOrder) int64 {
	raw := decodeUnsigned(buf, off, k, order)
	switch k.Size() {
	case 1:
		return int64(int8(raw))
	case 2:
		return int64(int16(raw))
	case 4:
		return int64(int32(raw))
	default:
		return int64(raw)
	}
}

func decodeFloat(buf []byte, off int, k Kind, order binary.ByteOrder) float64 {
	if k == F32 {
		return float64(math.Float32frombits(order.Uint32(buf[off:])))
	}
	return math.Float64frombits(order.Uint64(buf[off:]))
}

// Decode reads the value of kind k at off as float64. It is meant for display
// and diagnostics; matching uses exact integer arithmetic.
func Decode(buf []byte, off int, k Kind, e Endian) (float64, error) {
	n := k.Size()
	if n == 0 {
		return 0, fmt.Errorf("unsupported numeric kind %q", k)
	}
	if off < 0 || off+n > len(buf) {
		return 0, fmt.Errorf("offset %d with width %d outside buffer of %d bytes", off, n, len(buf))
	}
	order := e.order()
	switch {
	case k.IsFloat():
		return decodeFloat(buf, off, k, order), nil
	case k.IsSigned():
		return float64(decodeSigned(buf, off, k, order)), nil
	default:
		return float64(decodeUnsigned(buf, off, k, order)), nil
	}
}
