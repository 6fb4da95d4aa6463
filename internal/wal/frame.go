package wal

import (
	"encoding/binary"

	"github.com/alexhholmes/graphstore/codec"
	"github.com/alexhholmes/graphstore/internal/base"
)

// WAL file header (big-endian):
// ┌─────────────────────────────────────────┐
// │ [0:4]   magic "GSWL"                    │
// │ [4:6]   format version                  │
// │ [6:8]   reserved                        │
// │ [8:12]  page size                       │
// │ [12:20] database salt                   │
// │ [20:28] start LSN                       │
// │ [28:32] crc32 of bytes [0:28]           │
// └─────────────────────────────────────────┘
//
// Frame (page size + 32 bytes):
// ┌─────────────────────────────────────────┐
// │ [0:8]   LSN                             │
// │ [8:16]  page id, bit 63 = commit flag   │
// │ [16:24] rolling checksum of prior frame │
// │ [24:28] crc32 of the page image         │
// │ [28:32] crc32 of bytes [0:28]           │
// │ [32:]   full page image                 │
// └─────────────────────────────────────────┘
const (
	HeaderSize      = 32
	FrameHeaderSize = 32

	commitFlag = uint64(1) << 63
)

// Magic identifies a WAL file ("GSWL").
var Magic = [4]byte{'G', 'S', 'W', 'L'}

// Header is the decoded WAL file header.
type Header struct {
	PageSize uint32
	Salt     uint64
	StartLSN base.LSN
}

func encodeHeader(buf []byte, h Header) {
	clear(buf[:HeaderSize])
	copy(buf[0:4], Magic[:])
	binary.BigEndian.PutUint16(buf[4:6], base.FormatVersion)
	binary.BigEndian.PutUint32(buf[8:12], h.PageSize)
	binary.BigEndian.PutUint64(buf[12:20], h.Salt)
	binary.BigEndian.PutUint64(buf[20:28], h.StartLSN)
	binary.BigEndian.PutUint32(buf[28:32], codec.CRC32(buf[0:28]))
}

// decodeHeader reports ok=false for a torn or foreign header, which the
// caller treats as an empty log.
func decodeHeader(buf []byte) (Header, bool) {
	if len(buf) < HeaderSize || [4]byte(buf[0:4]) != Magic {
		return Header{}, false
	}
	if binary.BigEndian.Uint32(buf[28:32]) != codec.CRC32(buf[0:28]) {
		return Header{}, false
	}
	if binary.BigEndian.Uint16(buf[4:6]) != base.FormatVersion {
		return Header{}, false
	}
	return Header{
		PageSize: binary.BigEndian.Uint32(buf[8:12]),
		Salt:     binary.BigEndian.Uint64(buf[12:20]),
		StartLSN: binary.BigEndian.Uint64(buf[20:28]),
	}, true
}

// frameHeader is the decoded fixed part of a frame.
type frameHeader struct {
	lsn        base.LSN
	pageID     base.PageID
	commit     bool
	prev       uint64
	payloadCRC uint32
}

func encodeFrame(buf []byte, fh frameHeader, page []byte) {
	id := uint64(fh.pageID)
	if fh.commit {
		id |= commitFlag
	}
	binary.BigEndian.PutUint64(buf[0:8], fh.lsn)
	binary.BigEndian.PutUint64(buf[8:16], id)
	binary.BigEndian.PutUint64(buf[16:24], fh.prev)
	binary.BigEndian.PutUint32(buf[24:28], codec.CRC32(page))
	binary.BigEndian.PutUint32(buf[28:32], codec.CRC32(buf[0:28]))
	copy(buf[FrameHeaderSize:], page)
}

// decodeFrameHeader checks the header checksum only.
func decodeFrameHeader(buf []byte) (frameHeader, bool) {
	if binary.BigEndian.Uint32(buf[28:32]) != codec.CRC32(buf[0:28]) {
		return frameHeader{}, false
	}
	id := binary.BigEndian.Uint64(buf[8:16])
	return frameHeader{
		lsn:        binary.BigEndian.Uint64(buf[0:8]),
		pageID:     base.PageID(id &^ commitFlag),
		commit:     id&commitFlag != 0,
		prev:       binary.BigEndian.Uint64(buf[16:24]),
		payloadCRC: binary.BigEndian.Uint32(buf[24:28]),
	}, true
}

// chainNext folds one encoded frame into the rolling checksum.
func chainNext(prev uint64, frame []byte) uint64 {
	var p [8]byte
	binary.BigEndian.PutUint64(p[:], prev)
	sum := codec.CRC32(p[:], frame[0:24], frame[FrameHeaderSize:])
	return uint64(len(frame))<<32 | uint64(sum)
}
