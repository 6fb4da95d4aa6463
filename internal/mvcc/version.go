package mvcc

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/alexhholmes/graphstore/internal/base"
	"github.com/alexhholmes/graphstore/internal/btree"
)

// Infinity is the end of a version that has not been superseded.
const Infinity base.LSN = 0

// HeaderSize is the length of the header in front of every versioned
// value.
//
// ┌──────────────────────────────────────────────┐
// │ [0:8]    begin commit id                     │
// │ [8:16]   end commit id (0 = ∞)               │
// │ [16:18]  flags                               │
// │ [18:20]  payload length                      │
// └──────────────────────────────────────────────┘
//
// A payload of longPayload bytes or more stores longPayload as its length
// and is sized by the stored value instead.
const HeaderSize = 20

const longPayload = math.MaxUint16

// suffixSize is the length of the be64(^begin) suffix of a versioned key.
const suffixSize = 8

// Header is the visibility interval of one version.
type Header struct {
	Begin      base.LSN
	End        base.LSN
	Flags      uint16
	PayloadLen int
}

// Visible reports whether the version is visible to a reader pinned at
// snapshot.
func (h Header) Visible(snapshot base.LSN) bool {
	return h.Begin <= snapshot && (h.End == Infinity || snapshot < h.End)
}

// Live reports whether no later version or delete has ended this one.
func (h Header) Live() bool { return h.End == Infinity }

// Append encodes h followed by payload.
func (h Header) Append(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, h.Begin)
	dst = binary.BigEndian.AppendUint64(dst, h.End)
	dst = binary.BigEndian.AppendUint16(dst, h.Flags)
	dst = binary.BigEndian.AppendUint16(dst, uint16(min(len(payload), longPayload)))
	return append(dst, payload...)
}

// DecodeHeader splits a stored value into its header and payload.
func DecodeHeader(src []byte) (Header, []byte, error) {
	if len(src) < HeaderSize {
		return Header{}, nil, base.Corrupt(base.NoPage, "version header truncated: %d bytes", len(src))
	}
	h := Header{
		Begin:      binary.BigEndian.Uint64(src[0:]),
		End:        binary.BigEndian.Uint64(src[8:]),
		Flags:      binary.BigEndian.Uint16(src[16:]),
		PayloadLen: int(binary.BigEndian.Uint16(src[18:])),
	}
	payload := src[HeaderSize:]
	if h.PayloadLen == longPayload && len(payload) >= longPayload {
		h.PayloadLen = len(payload)
	}
	if h.PayloadLen != len(payload) {
		return Header{}, nil, base.Mismatch(base.NoPage, "version payload length", h.PayloadLen, len(payload))
	}
	if h.End != Infinity && h.End < h.Begin {
		return Header{}, nil, base.Corrupt(base.NoPage, "version ends at %d before it begins at %d", h.End, h.Begin)
	}
	return h, payload, nil
}

// AppendKey appends the tree key of the version of key that begins at
// begin. Versions of one key sort together, newest first.
func AppendKey(dst, key []byte, begin base.LSN) []byte {
	dst = append(dst, key...)
	return binary.BigEndian.AppendUint64(dst, ^begin)
}

// SplitKey is the inverse of AppendKey.
func SplitKey(k []byte) ([]byte, base.LSN, error) {
	if len(k) < suffixSize {
		return nil, 0, base.Corrupt(base.NoPage, "versioned key of %d bytes", len(k))
	}
	n := len(k) - suffixSize
	return k[:n], ^binary.BigEndian.Uint64(k[n:]), nil
}

// newestKey is the smallest tree key any version of key can have.
func newestKey(key []byte) []byte {
	return AppendKey(make([]byte, 0, len(key)+suffixSize), key, math.MaxUint64)
}

func checkPayload(value []byte) error {
	if len(value) > btree.MaxValueLen-HeaderSize {
		return fmt.Errorf("%w: %w: %d bytes, max %d", base.ErrInvalidArgument, btree.ErrValueTooLarge, len(value), btree.MaxValueLen-HeaderSize)
	}
	return nil
}
