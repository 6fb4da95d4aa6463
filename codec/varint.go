package codec

import (
	"encoding/binary"
	"errors"
)

var ErrVarintOverflow = errors.New("codec: varint overflows 64 bits")

// AppendUvarint appends v as an unsigned LEB128 varint.
func AppendUvarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// Uvarint decodes an unsigned varint and returns the remaining bytes.
func Uvarint(src []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(src)
	switch {
	case n == 0:
		return 0, src, ErrTruncated
	case n < 0:
		return 0, src, ErrVarintOverflow
	}
	return v, src[n:], nil
}

// AppendVarint appends v ZigZag-encoded, so small magnitudes of either sign
// stay short.
func AppendVarint(dst []byte, v int64) []byte {
	return AppendUvarint(dst, ZigZag(v))
}

func Varint(src []byte) (int64, []byte, error) {
	u, rest, err := Uvarint(src)
	if err != nil {
		return 0, src, err
	}
	return UnZigZag(u), rest, nil
}

func ZigZag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func UnZigZag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}
