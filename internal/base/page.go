package base

import (
	"encoding/binary"
	"math/bits"

	"github.com/alexhholmes/graphstore/codec"
)

type PageID uint64

// LSN is a log sequence number. Every frame of one commit carries the same
// LSN, and commit ids are LSNs.
type LSN = uint64

// MetaPageID is the singleton meta page. It is never allocated or freed.
const MetaPageID PageID = 0

type PageKind uint8

const (
	KindMeta          PageKind = 1
	KindFreeList      PageKind = 2
	KindBTreeLeaf     PageKind = 3
	KindBTreeInternal PageKind = 4
	KindOverflow      PageKind = 5
)

func (k PageKind) String() string {
	switch k {
	case KindMeta:
		return "meta"
	case KindFreeList:
		return "freelist"
	case KindBTreeLeaf:
		return "btree-leaf"
	case KindBTreeInternal:
		return "btree-internal"
	case KindOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

const (
	DefaultPageSize = 8192
	MinPageSize     = 512
	MaxPageSize     = 65536

	FormatVersion uint16 = 1

	// PageHeaderSize is the fixed header at the start of every page.
	PageHeaderSize = 32
)

// PageMagic identifies a page of this format ("GSPG").
var PageMagic = [4]byte{'G', 'S', 'P', 'G'}

// Page header layout (big-endian):
// ┌────────────────────────────────────────────────────────────┐
// │ [0:4]   magic "GSPG"                                       │
// │ [4:6]   format version                                     │
// │ [6]     page kind                                          │
// │ [7]     reserved (zero)                                    │
// │ [8:12]  page size                                          │
// │ [12:20] page id                                            │
// │ [20:28] database salt                                      │
// │ [28:32] crc32(be(page id) | be(salt) | page, crc zeroed)   │
// ├────────────────────────────────────────────────────────────┤
// │ payload (page size - 32 bytes), layout owned by the kind   │
// └────────────────────────────────────────────────────────────┘
const (
	offMagic    = 0
	offVersion  = 4
	offKind     = 6
	offReserved = 7
	offPageSize = 8
	offPageID   = 12
	offSalt     = 20
	offCRC      = 28
)

// Header is the decoded fixed page header.
type Header struct {
	Version  uint16
	Kind     PageKind
	PageSize uint32
	PageID   PageID
	Salt     uint64
	CRC      uint32
}

// ValidPageSize reports whether n is a supported page size.
func ValidPageSize(n int) bool {
	return n >= MinPageSize && n <= MaxPageSize && bits.OnesCount(uint(n)) == 1
}

// InitPage zeroes buf and writes a header for a fresh page. The checksum is
// left zero until Seal.
func InitPage(buf []byte, kind PageKind, id PageID, salt uint64) {
	clear(buf)
	copy(buf[offMagic:], PageMagic[:])
	binary.BigEndian.PutUint16(buf[offVersion:], FormatVersion)
	buf[offKind] = byte(kind)
	binary.BigEndian.PutUint32(buf[offPageSize:], uint32(len(buf)))
	binary.BigEndian.PutUint64(buf[offPageID:], uint64(id))
	binary.BigEndian.PutUint64(buf[offSalt:], salt)
}

// ReadHeader decodes the header without validating it.
func ReadHeader(buf []byte) Header {
	return Header{
		Version:  binary.BigEndian.Uint16(buf[offVersion:]),
		Kind:     PageKind(buf[offKind]),
		PageSize: binary.BigEndian.Uint32(buf[offPageSize:]),
		PageID:   PageID(binary.BigEndian.Uint64(buf[offPageID:])),
		Salt:     binary.BigEndian.Uint64(buf[offSalt:]),
		CRC:      binary.BigEndian.Uint32(buf[offCRC:]),
	}
}

// Kind returns the page kind tag of buf.
func Kind(buf []byte) PageKind {
	return PageKind(buf[offKind])
}

// Payload returns the bytes after the page header.
func Payload(buf []byte) []byte {
	return buf[PageHeaderSize:]
}

// Checksum computes the page checksum of buf as if its crc field were zero.
func Checksum(buf []byte, id PageID, salt uint64) uint32 {
	var zero [4]byte
	return codec.SeededCRC32(uint64(id), salt, buf[:offCRC], zero[:], buf[offCRC+4:])
}

// Seal stamps the page id, salt and checksum into buf. Call it after every
// mutation and before the image leaves the writer.
func Seal(buf []byte, id PageID, salt uint64) {
	binary.BigEndian.PutUint64(buf[offPageID:], uint64(id))
	binary.BigEndian.PutUint64(buf[offSalt:], salt)
	binary.BigEndian.PutUint32(buf[offCRC:], Checksum(buf, id, salt))
}

// Verify checks that buf is a well-formed image of page id for the database
// identified by salt.
func Verify(buf []byte, id PageID, salt uint64) error {
	if len(buf) < PageHeaderSize {
		return Mismatch(id, "page length", PageHeaderSize, len(buf))
	}
	if [4]byte(buf[offMagic:offMagic+4]) != PageMagic {
		return Mismatch(id, "magic", PageMagic, [4]byte(buf[offMagic:offMagic+4]))
	}
	h := ReadHeader(buf)
	if h.Version != FormatVersion {
		return Mismatch(id, "format version", FormatVersion, h.Version)
	}
	if buf[offReserved] != 0 {
		return Mismatch(id, "reserved byte", 0, buf[offReserved])
	}
	if int(h.PageSize) != len(buf) {
		return Mismatch(id, "page size", len(buf), h.PageSize)
	}
	if h.PageID != id {
		return Mismatch(id, "page id", id, h.PageID)
	}
	if h.Salt != salt {
		return Mismatch(id, "salt", salt, h.Salt)
	}
	if h.Kind < KindMeta || h.Kind > KindOverflow {
		return Corrupt(id, "unknown page kind %d", h.Kind)
	}
	if sum := Checksum(buf, id, salt); sum != h.CRC {
		return Mismatch(id, "checksum", sum, h.CRC)
	}
	return nil
}
