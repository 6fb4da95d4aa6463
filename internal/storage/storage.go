package storage

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/alexhholmes/graphstore/internal/base"
)

// Storage performs page-granular I/O on the main database file. It is safe
// for concurrent use; callers serialize writes to the same page.
type Storage struct {
	file     *os.File
	pageSize int

	// Stats counters
	reads   atomic.Uint64
	writes  atomic.Uint64
	read    atomic.Uint64
	written atomic.Uint64
	syncs   atomic.Uint64
}

// Open opens or creates the database file at path.
func Open(path string) (*Storage, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	return &Storage{file: file}, nil
}

// SetPageSize fixes the page size once it is known from the meta page.
func (s *Storage) SetPageSize(n int) {
	s.pageSize = n
}

func (s *Storage) PageSize() int {
	return s.pageSize
}

// ReadAt reads raw bytes, used to peek the meta header before the page size
// is known.
func (s *Storage) ReadAt(buf []byte, off int64) error {
	s.reads.Add(1)
	n, err := s.file.ReadAt(buf, off)
	s.read.Add(uint64(n))
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("read at %d: %w", off, err)
	}
	return nil
}

// ReadPage reads page id into buf, which must be exactly one page long. A
// page beyond the end of the file is reported as corruption because every
// allocated page is written before the meta page that accounts for it.
func (s *Storage) ReadPage(id base.PageID, buf []byte) error {
	if len(buf) != s.pageSize {
		return fmt.Errorf("read page %d: buffer is %d bytes, page size %d", id, len(buf), s.pageSize)
	}
	offset := int64(id) * int64(s.pageSize)

	s.reads.Add(1)
	n, err := s.file.ReadAt(buf, offset)
	s.read.Add(uint64(n))
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	if err == io.EOF {
		return base.Mismatch(id, "short read", s.pageSize, n)
	}
	if err != nil {
		return fmt.Errorf("read page %d: %w", id, err)
	}
	return nil
}

// WritePage writes one page image at its slot.
func (s *Storage) WritePage(id base.PageID, buf []byte) error {
	if len(buf) != s.pageSize {
		return fmt.Errorf("write page %d: buffer is %d bytes, page size %d", id, len(buf), s.pageSize)
	}
	return s.WriteRun(id, buf)
}

// WriteRun writes contiguous pages starting at id in one call.
func (s *Storage) WriteRun(id base.PageID, data []byte) error {
	if len(data)%s.pageSize != 0 {
		return fmt.Errorf("data size %d is not a multiple of page size %d", len(data), s.pageSize)
	}
	offset := int64(id) * int64(s.pageSize)
	s.writes.Add(1)

	n, err := s.file.WriteAt(data, offset)
	s.written.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("write page %d: %w", id, err)
	}
	if n != len(data) {
		return fmt.Errorf("short write: wrote %d bytes, expected %d", n, len(data))
	}
	return nil
}

// Sync flushes written pages to stable storage.
func (s *Storage) Sync() error {
	s.syncs.Add(1)
	return Datasync(s.file)
}

// Size returns the file length in bytes.
func (s *Storage) Size() (int64, error) {
	info, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Empty returns whether the file is empty
func (s *Storage) Empty() (bool, error) {
	size, err := s.Size()
	return size == 0, err
}

// Close closes the file
func (s *Storage) Close() error {
	return s.file.Close()
}

// Stats holds I/O statistics
type Stats struct {
	Reads   uint64
	Writes  uint64
	Read    uint64
	Written uint64
	Syncs   uint64
}

// Stats returns I/O statistics
func (s *Storage) Stats() Stats {
	return Stats{
		Reads:   s.reads.Load(),
		Writes:  s.writes.Load(),
		Read:    s.read.Load(),
		Written: s.written.Load(),
		Syncs:   s.syncs.Load(),
	}
}
