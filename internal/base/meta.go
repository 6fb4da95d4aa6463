package base

import (
	"encoding/binary"
)

// MaxRoots is the number of B+Tree root slots recorded in the meta page.
const MaxRoots = 16

// RootKind tags a root slot so maintenance tasks can find the trees they
// care about without knowing their codecs.
type RootKind uint8

const (
	RootUnused    RootKind = 0
	RootPlain     RootKind = 1
	RootVersioned RootKind = 2
)

// Root is one entry of the meta root table.
type Root struct {
	Page PageID
	Kind RootKind
}

// Meta page payload layout (big-endian, offsets after the page header):
// ┌──────────────────────────────────────────────┐
// │ [0:8]    salt                                │
// │ [8:12]   page size                           │
// │ [12:14]  format version                      │
// │ [14:16]  reserved                            │
// │ [16:24]  free-list head page                 │
// │ [24:32]  next unused page id                 │
// │ [32:40]  last checkpoint LSN                 │
// │ [40:48]  reserved                            │
// │ [48:304] root table, 16 x (page u64, kind u8,│
// │          7 reserved)                         │
// └──────────────────────────────────────────────┘
const (
	metaOffSalt          = 0
	metaOffPageSize      = 8
	metaOffVersion       = 12
	metaOffFreeHead      = 16
	metaOffNextPage      = 24
	metaOffCheckpointLSN = 32
	metaOffRoots         = 48
	metaRootSize         = 16

	// MetaPayloadSize is the number of payload bytes used by the meta page.
	MetaPayloadSize = metaOffRoots + MaxRoots*metaRootSize
)

// Meta is the decoded meta page.
type Meta struct {
	Salt          uint64
	PageSize      uint32
	FormatVersion uint16
	FreeHead      PageID
	NextPage      PageID
	CheckpointLSN LSN
	Roots         [MaxRoots]Root
}

// NewMeta returns the meta of an empty database.
func NewMeta(pageSize int, salt uint64) Meta {
	return Meta{
		Salt:          salt,
		PageSize:      uint32(pageSize),
		FormatVersion: FormatVersion,
		NextPage:      1,
	}
}

// Encode writes m into a full page buffer and seals it.
func (m *Meta) Encode(buf []byte) {
	InitPage(buf, KindMeta, MetaPageID, m.Salt)
	p := Payload(buf)
	binary.BigEndian.PutUint64(p[metaOffSalt:], m.Salt)
	binary.BigEndian.PutUint32(p[metaOffPageSize:], m.PageSize)
	binary.BigEndian.PutUint16(p[metaOffVersion:], m.FormatVersion)
	binary.BigEndian.PutUint64(p[metaOffFreeHead:], uint64(m.FreeHead))
	binary.BigEndian.PutUint64(p[metaOffNextPage:], uint64(m.NextPage))
	binary.BigEndian.PutUint64(p[metaOffCheckpointLSN:], m.CheckpointLSN)
	for i, r := range m.Roots {
		off := metaOffRoots + i*metaRootSize
		binary.BigEndian.PutUint64(p[off:], uint64(r.Page))
		p[off+8] = byte(r.Kind)
	}
	Seal(buf, MetaPageID, m.Salt)
}

// DecodeMeta parses and validates a meta page image. The salt recorded in
// the payload seeds the checksum check.
func DecodeMeta(buf []byte) (Meta, error) {
	if len(buf) < PageHeaderSize+MetaPayloadSize {
		return Meta{}, Mismatch(MetaPageID, "meta page length", PageHeaderSize+MetaPayloadSize, len(buf))
	}
	p := Payload(buf)
	m := Meta{
		Salt:          binary.BigEndian.Uint64(p[metaOffSalt:]),
		PageSize:      binary.BigEndian.Uint32(p[metaOffPageSize:]),
		FormatVersion: binary.BigEndian.Uint16(p[metaOffVersion:]),
		FreeHead:      PageID(binary.BigEndian.Uint64(p[metaOffFreeHead:])),
		NextPage:      PageID(binary.BigEndian.Uint64(p[metaOffNextPage:])),
		CheckpointLSN: binary.BigEndian.Uint64(p[metaOffCheckpointLSN:]),
	}
	if err := Verify(buf, MetaPageID, m.Salt); err != nil {
		return Meta{}, err
	}
	if Kind(buf) != KindMeta {
		return Meta{}, Mismatch(MetaPageID, "page kind", KindMeta, Kind(buf))
	}
	if int(m.PageSize) != len(buf) {
		return Meta{}, Mismatch(MetaPageID, "meta page size", len(buf), m.PageSize)
	}
	if m.FormatVersion != FormatVersion {
		return Meta{}, Mismatch(MetaPageID, "meta format version", FormatVersion, m.FormatVersion)
	}
	if m.NextPage == 0 {
		return Meta{}, Corrupt(MetaPageID, "next page id is zero")
	}
	if m.FreeHead >= m.NextPage {
		return Meta{}, Corrupt(MetaPageID, "free-list head %d beyond next page %d", m.FreeHead, m.NextPage)
	}
	for i := range m.Roots {
		off := metaOffRoots + i*metaRootSize
		r := Root{
			Page: PageID(binary.BigEndian.Uint64(p[off:])),
			Kind: RootKind(p[off+8]),
		}
		if r.Kind > RootVersioned {
			return Meta{}, Corrupt(MetaPageID, "root slot %d has unknown kind %d", i, r.Kind)
		}
		if r.Page >= m.NextPage {
			return Meta{}, Corrupt(MetaPageID, "root slot %d page %d beyond next page %d", i, r.Page, m.NextPage)
		}
		m.Roots[i] = r
	}
	return m, nil
}

// PeekPageSize reads the page size recorded in a meta page header so the
// caller can read the rest of page 0.
func PeekPageSize(hdr []byte) (int, error) {
	if len(hdr) < PageHeaderSize {
		return 0, Mismatch(MetaPageID, "header length", PageHeaderSize, len(hdr))
	}
	if [4]byte(hdr[:4]) != PageMagic {
		return 0, Mismatch(MetaPageID, "magic", PageMagic, [4]byte(hdr[:4]))
	}
	n := int(ReadHeader(hdr).PageSize)
	if !ValidPageSize(n) {
		return 0, Mismatch(MetaPageID, "page size", "power of two in [512, 65536]", n)
	}
	return n, nil
}
