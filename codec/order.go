// Package codec holds the byte-level encodings shared by every storage layer:
// order-preserving key encodings, varints and the page checksum primitive.
//
// Order-preserving encodings satisfy bytes.Compare(Enc(a), Enc(b)) ==
// cmp.Compare(a, b). Variable-length encodings are additionally prefix-free,
// so an encoded key can be followed by more bytes without changing the order
// of the keys it was built from.
package codec

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	ErrTruncated    = errors.New("codec: input truncated")
	ErrNaN          = errors.New("codec: NaN is not orderable")
	ErrUnterminated = errors.New("codec: missing terminator")
	ErrBadEscape    = errors.New("codec: invalid escape sequence")
)

const signBit = 1 << 63

// AppendUint64 appends v in big-endian order.
func AppendUint64(dst []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, v)
}

// Uint64 decodes a big-endian uint64 and returns the remaining bytes.
func Uint64(src []byte) (uint64, []byte, error) {
	if len(src) < 8 {
		return 0, src, ErrTruncated
	}
	return binary.BigEndian.Uint64(src), src[8:], nil
}

// AppendInt64 appends v with the sign bit flipped so negative values sort
// before positive ones.
func AppendInt64(dst []byte, v int64) []byte {
	return AppendUint64(dst, uint64(v)^signBit)
}

func Int64(src []byte) (int64, []byte, error) {
	u, rest, err := Uint64(src)
	if err != nil {
		return 0, src, err
	}
	return int64(u ^ signBit), rest, nil
}

// AppendFloat64 appends an order-preserving image of v. NaN has no place in a
// total order and is rejected. Negative zero encodes as zero, so the two
// compare equal as keys and decode as +0.
func AppendFloat64(dst []byte, v float64) ([]byte, error) {
	if math.IsNaN(v) {
		return dst, ErrNaN
	}
	if v == 0 {
		v = 0
	}
	bits := math.Float64bits(v)
	if bits&signBit != 0 {
		bits = ^bits
	} else {
		bits ^= signBit
	}
	return AppendUint64(dst, bits), nil
}

func Float64(src []byte) (float64, []byte, error) {
	bits, rest, err := Uint64(src)
	if err != nil {
		return 0, src, err
	}
	if bits&signBit != 0 {
		bits ^= signBit
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits), rest, nil
}

// Escaped byte strings: 0x00 is written as 0x00 0xFF and the string ends with
// 0x00 0x01. The terminator sorts below every escaped byte, so a string sorts
// before all of its extensions.
const (
	escByte   = 0x00
	escEscape = 0xFF
	escEnd    = 0x01
)

// AppendBytes appends the escaped, terminated image of b.
func AppendBytes(dst, b []byte) []byte {
	for _, c := range b {
		if c == escByte {
			dst = append(dst, escByte, escEscape)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, escByte, escEnd)
}

// Bytes decodes a value written by AppendBytes and returns the remaining
// input. The result never aliases src.
func Bytes(src []byte) ([]byte, []byte, error) {
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); i++ {
		c := src[i]
		if c != escByte {
			out = append(out, c)
			continue
		}
		if i+1 >= len(src) {
			return nil, src, ErrUnterminated
		}
		switch src[i+1] {
		case escEscape:
			out = append(out, escByte)
			i++
		case escEnd:
			return out, src[i+2:], nil
		default:
			return nil, src, ErrBadEscape
		}
	}
	return nil, src, ErrUnterminated
}

func AppendString(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == escByte {
			dst = append(dst, escByte, escEscape)
			continue
		}
		dst = append(dst, s[i])
	}
	return append(dst, escByte, escEnd)
}

func String(src []byte) (string, []byte, error) {
	b, rest, err := Bytes(src)
	if err != nil {
		return "", src, err
	}
	return string(b), rest, nil
}
