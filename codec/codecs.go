package codec

import (
	"errors"
	"fmt"
)

var ErrTrailingBytes = errors.New("codec: trailing bytes after key")

// KeyCodec maps K onto an order-preserving, prefix-free byte encoding.
// Trees compare keys only through their encoded bytes.
type KeyCodec[K any] interface {
	AppendKey(dst []byte, k K) ([]byte, error)
	DecodeKey(src []byte) (K, error)
}

// ValueCodec maps V onto bytes. No ordering is required.
type ValueCodec[V any] interface {
	AppendValue(dst []byte, v V) ([]byte, error)
	DecodeValue(src []byte) (V, error)
}

func whole[T any](v T, rest []byte, err error) (T, error) {
	if err != nil {
		return v, err
	}
	if len(rest) != 0 {
		var zero T
		return zero, fmt.Errorf("%w: %d", ErrTrailingBytes, len(rest))
	}
	return v, nil
}

type Uint64Key struct{}

func (Uint64Key) AppendKey(dst []byte, k uint64) ([]byte, error) { return AppendUint64(dst, k), nil }
func (Uint64Key) DecodeKey(src []byte) (uint64, error) { return whole(Uint64(src)) }

type Int64Key struct{}

func (Int64Key) AppendKey(dst []byte, k int64) ([]byte, error) { return AppendInt64(dst, k), nil }
func (Int64Key) DecodeKey(src []byte) (int64, error) { return whole(Int64(src)) }

type Float64Key struct{}

func (Float64Key) AppendKey(dst []byte, k float64) ([]byte, error) { return AppendFloat64(dst, k) }
func (Float64Key) DecodeKey(src []byte) (float64, error) { return whole(Float64(src)) }

type StringKey struct{}

func (StringKey) AppendKey(dst []byte, k string) ([]byte, error) { return AppendString(dst, k), nil }
func (StringKey) DecodeKey(src []byte) (string, error) { return whole(String(src)) }

type BytesKey struct{}

func (BytesKey) AppendKey(dst []byte, k []byte) ([]byte, error) { return AppendBytes(dst, k), nil }
func (BytesKey) DecodeKey(src []byte) ([]byte, error) { return whole(Bytes(src)) }

// BytesValue stores values verbatim. Decoded values are copies.
type BytesValue struct{}

func (BytesValue) AppendValue(dst []byte, v []byte) ([]byte, error) { return append(dst, v...), nil }
func (BytesValue) DecodeValue(src []byte) ([]byte, error) {
	return append([]byte(nil), src...), nil
}

type StringValue struct{}

func (StringValue) AppendValue(dst []byte, v string) ([]byte, error) { return append(dst, v...), nil }
func (StringValue) DecodeValue(src []byte) (string, error) { return string(src), nil }

// Uint64Value stores v as an unsigned varint.
type Uint64Value struct{}

func (Uint64Value) AppendValue(dst []byte, v uint64) ([]byte, error) {
	return AppendUvarint(dst, v), nil
}
func (Uint64Value) DecodeValue(src []byte) (uint64, error) { return whole(Uvarint(src)) }

// Int64Value stores v as a ZigZag varint.
type Int64Value struct{}

func (Int64Value) AppendValue(dst []byte, v int64) ([]byte, error) {
	return AppendVarint(dst, v), nil
}
func (Int64Value) DecodeValue(src []byte) (int64, error) { return whole(Varint(src)) }
