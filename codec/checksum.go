package codec

import (
	"encoding/binary"
	"hash/crc32"
)

var ieeeTable = crc32.MakeTable(crc32.IEEE)

// CRC32 is the table-driven checksum used for pages and WAL frames.
func CRC32(parts ...[]byte) uint32 {
	var sum uint32
	for _, p := range parts {
		sum = crc32.Update(sum, ieeeTable, p)
	}
	return sum
}

// SeededCRC32 folds seed into the checksum ahead of parts. Pages seed with
// (page id, salt) so an image written at the wrong offset fails verification.
func SeededCRC32(seed1, seed2 uint64, parts ...[]byte) uint32 {
	var hdr [16]byte
	binary.BigEndian.PutUint64(hdr[0:8], seed1)
	binary.BigEndian.PutUint64(hdr[8:16], seed2)
	sum := crc32.Update(0, ieeeTable, hdr[:])
	for _, p := range parts {
		sum = crc32.Update(sum, ieeeTable, p)
	}
	return sum
}
