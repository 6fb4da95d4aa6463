package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexhholmes/graphstore/codec"
	"github.com/alexhholmes/graphstore/internal/base"
	"github.com/alexhholmes/graphstore/internal/storage"
)

// SyncMode controls when a commit's frames are fsynced.
type SyncMode int

const (
	// SyncFull fsyncs inside every commit before it returns.
	// - No committed data is lost on power failure
	// - One fsync per commit
	SyncFull SyncMode = iota

	// SyncNormal hands commits to a background committer that covers a batch
	// of back-to-back commits with one fsync. Commit still returns only after
	// the fsync covering it completes.
	SyncNormal

	// SyncOff never fsyncs. Testing and bulk loads only.
	SyncOff
)

func (m SyncMode) String() string {
	switch m {
	case SyncFull:
		return "full"
	case SyncNormal:
		return "normal"
	case SyncOff:
		return "off"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// Options configures a WAL.
type Options struct {
	PageSize int
	Salt     uint64
	StartLSN base.LSN // Start LSN for a new or torn log (checkpoint LSN + 1)
	SyncMode SyncMode

	// Group commit limits, SyncNormal only
	MaxBatchCommits int
	MaxBatchFrames  int
	MaxBatchWait    time.Duration

	// OnSync observes every fsync that published commits.
	OnSync func(commits, frames int, elapsed time.Duration)
}

// Page is one dirty page handed to Append.
type Page struct {
	ID   base.PageID
	Data []byte
}

// WAL is the append-only log of full page images. It owns the commit
// protocol: frames are appended under the writer lock, and a commit becomes
// visible to new readers once the fsync covering it completes.
type WAL struct {
	file      *os.File
	opts      Options
	frameSize int64
	index     *Index

	mu         sync.Mutex // Guards the append state below
	startLSN   base.LSN
	end        int64    // Offset past the last complete commit
	tail       int64    // File size seen at the last scan
	chain      uint64   // Rolling checksum at end
	last       base.LSN // Last appended (or scanned) commit
	needHeader bool     // Header missing or torn, write it before appending
	err        error    // Sticky fsync failure

	syncMu  sync.Mutex
	durable atomic.Uint64 // Highest LSN covered by an fsync or found on disk

	reqC  chan *request
	stopC chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	// Stats
	appended atomic.Uint64
	commits  atomic.Uint64
	syncs    atomic.Uint64
	batches  atomic.Uint64
}

// Recovered summarizes the scan done by Open.
type Recovered struct {
	Commits   int
	Frames    int
	TailBytes int64 // Bytes past the last complete commit
}

// Open opens or creates the log at path and indexes every complete commit
// in it. A header that does not belong to this database is an
// invalid-argument error; a torn header is an empty log.
func Open(path string, opts Options) (*WAL, Recovered, error) {
	if !base.ValidPageSize(opts.PageSize) {
		return nil, Recovered{}, base.ErrInvalidPageSize
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, Recovered{}, err
	}
	w := &WAL{
		file:      file,
		opts:      opts,
		frameSize: int64(opts.PageSize + FrameHeaderSize),
		index:     newIndex(),
		reqC:      make(chan *request),
		stopC:     make(chan struct{}),
	}
	if w.opts.MaxBatchCommits <= 0 {
		w.opts.MaxBatchCommits = 32
	}
	if w.opts.MaxBatchFrames <= 0 {
		w.opts.MaxBatchFrames = 512
	}
	if w.opts.MaxBatchWait <= 0 {
		w.opts.MaxBatchWait = 2 * time.Millisecond
	}

	w.mu.Lock()
	rec, err := w.loadLocked()
	w.mu.Unlock()
	if err != nil {
		file.Close()
		return nil, Recovered{}, err
	}

	if opts.SyncMode == SyncNormal {
		w.wg.Add(1)
		go w.runCommitter()
	}
	return w, rec, nil
}

// loadLocked reads the header and indexes the whole log.
func (w *WAL) loadLocked() (Recovered, error) {
	size, err := w.size()
	if err != nil {
		return Recovered{}, err
	}
	var buf [HeaderSize]byte
	h, ok := Header{}, false
	if size >= HeaderSize {
		if _, err := w.file.ReadAt(buf[:], 0); err != nil {
			return Recovered{}, fmt.Errorf("read wal header: %w", err)
		}
		h, ok = decodeHeader(buf[:])
	}
	w.index.reset()
	w.end, w.tail, w.chain = HeaderSize, size, 0
	if !ok {
		w.needHeader = true
		w.setStartLocked(w.opts.StartLSN)
		return Recovered{TailBytes: max(size-HeaderSize, 0)}, nil
	}
	if err := w.checkHeader(h); err != nil {
		return Recovered{}, err
	}
	w.needHeader = false
	w.setStartLocked(h.StartLSN)
	return w.scanLocked(size)
}

func (w *WAL) checkHeader(h Header) error {
	if int(h.PageSize) != w.opts.PageSize {
		return base.Invalid("wal page size %d does not match database page size %d", h.PageSize, w.opts.PageSize)
	}
	if h.Salt != w.opts.Salt {
		return base.Invalid("wal salt %#x does not match database salt %#x", h.Salt, w.opts.Salt)
	}
	return nil
}

func (w *WAL) setStartLocked(start base.LSN) {
	w.startLSN = start
	w.last = start - 1
	w.durable.Store(w.last)
}

// scanLocked validates frames from w.end and indexes every complete commit.
// The first invalid frame ends the log; a group without its commit frame is
// dropped.
func (w *WAL) scanLocked(size int64) (Recovered, error) {
	var rec Recovered
	r := bufio.NewReaderSize(io.NewSectionReader(w.file, w.end, size-w.end), 1<<20)
	buf := make([]byte, w.frameSize)

	off := w.end
	chain := w.chain
	var group []Frame
	var groupLSN base.LSN
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return rec, fmt.Errorf("read wal frame at %d: %w", off, err)
		}
		fh, ok := decodeFrameHeader(buf)
		if !ok || fh.prev != chain {
			break
		}
		if len(group) > 0 {
			if fh.lsn != groupLSN {
				break
			}
		} else if fh.lsn <= w.last || fh.lsn < w.startLSN {
			break
		}
		page := buf[FrameHeaderSize:]
		if fh.payloadCRC != codec.CRC32(page) {
			break
		}
		if base.Verify(page, fh.pageID, w.opts.Salt) != nil {
			break
		}

		chain = chainNext(chain, buf)
		group = append(group, Frame{PageID: fh.pageID, LSN: fh.lsn, Offset: off})
		groupLSN = fh.lsn
		off += w.frameSize

		if fh.commit {
			w.index.add(group)
			rec.Commits++
			rec.Frames += len(group)
			w.end, w.chain, w.last = off, chain, fh.lsn
			group = group[:0]
		}
	}
	w.tail = size
	rec.TailBytes = size - w.end
	if rec.Commits > 0 {
		w.publish(w.last)
	}
	return rec, nil
}

// Refresh picks up commits appended by other processes since the last scan.
// It reports reset when the log was checkpointed and restarted underneath
// this handle; the caller must then reload the meta page and drop cached
// page versions. The caller holds the shared reader lock.
func (w *WAL) Refresh() (reset bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	size, err := w.size()
	if err != nil {
		return false, err
	}
	var buf [HeaderSize]byte
	h, ok := Header{}, false
	if size >= HeaderSize {
		if _, err := w.file.ReadAt(buf[:], 0); err != nil {
			return false, fmt.Errorf("read wal header: %w", err)
		}
		h, ok = decodeHeader(buf[:])
	}
	if !ok {
		if w.needHeader && w.end == HeaderSize {
			return false, nil
		}
		w.index.reset()
		w.end, w.tail, w.chain = HeaderSize, size, 0
		w.needHeader = true
		return true, nil
	}
	if err := w.checkHeader(h); err != nil {
		return false, err
	}
	if h.StartLSN != w.startLSN || size < w.end || w.needHeader {
		w.index.reset()
		w.end, w.chain = HeaderSize, 0
		w.needHeader = false
		w.setStartLocked(h.StartLSN)
		reset = true
	}
	if size == w.end && !reset {
		return false, nil
	}
	_, err = w.scanLocked(size)
	return reset, err
}

// Rebase sets the start LSN of a log whose header is missing or torn, once
// the caller has read the checkpoint LSN from the meta page.
func (w *WAL) Rebase(start base.LSN) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.needHeader && w.end == HeaderSize {
		w.setStartLocked(start)
	}
}

// Append logs one commit. Frames are written in the given order and the
// last one carries the commit flag. The caller holds the writer lock.
func (w *WAL) Append(lsn base.LSN, pages []Page) error {
	if len(pages) == 0 {
		return base.Invalid("empty commit")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	if lsn <= w.last {
		return base.Invalid("commit lsn %d not above last lsn %d", lsn, w.last)
	}
	if w.needHeader {
		if err := w.writeHeaderLocked(); err != nil {
			return err
		}
	}
	if w.tail > w.end {
		// Drop a torn tail so a later scan cannot splice it onto this commit.
		if err := w.file.Truncate(w.end); err != nil {
			return fmt.Errorf("truncate wal tail: %w", err)
		}
		w.tail = w.end
	}

	buf := make([]byte, int64(len(pages))*w.frameSize)
	frames := make([]Frame, len(pages))
	chain := w.chain
	for i, p := range pages {
		if len(p.Data) != w.opts.PageSize {
			return base.Invalid("page %d image is %d bytes, page size %d", p.ID, len(p.Data), w.opts.PageSize)
		}
		fr := buf[int64(i)*w.frameSize : int64(i+1)*w.frameSize]
		encodeFrame(fr, frameHeader{
			lsn:    lsn,
			pageID: p.ID,
			commit: i == len(pages)-1,
			prev:   chain,
		}, p.Data)
		chain = chainNext(chain, fr)
		frames[i] = Frame{PageID: p.ID, LSN: lsn, Offset: w.end + int64(i)*w.frameSize}
	}

	if _, err := w.file.WriteAt(buf, w.end); err != nil {
		return fmt.Errorf("append wal commit %d: %w", lsn, err)
	}
	w.index.add(frames)
	w.end += int64(len(buf))
	w.tail = w.end
	w.chain = chain
	w.last = lsn

	w.appended.Add(uint64(len(pages)))
	w.commits.Add(1)
	if w.opts.SyncMode == SyncOff {
		w.publish(lsn)
	}
	return nil
}

func (w *WAL) writeHeaderLocked() error {
	var buf [HeaderSize]byte
	encodeHeader(buf[:], Header{
		PageSize: uint32(w.opts.PageSize),
		Salt:     w.opts.Salt,
		StartLSN: w.startLSN,
	})
	if err := w.file.Truncate(HeaderSize); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	if _, err := w.file.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("write wal header: %w", err)
	}
	w.needHeader = false
	w.end, w.tail, w.chain = HeaderSize, HeaderSize, 0
	return nil
}

// WaitDurable blocks until commit lsn is durable under the sync mode and
// visible to new readers.
func (w *WAL) WaitDurable(lsn base.LSN, frames int) error {
	if w.durable.Load() >= lsn {
		return nil
	}
	switch w.opts.SyncMode {
	case SyncOff:
		return nil
	case SyncNormal:
		r := &request{lsn: lsn, frames: frames, done: make(chan error, 1)}
		select {
		case w.reqC <- r:
			return <-r.done
		case <-w.stopC:
			return w.Sync()
		}
	default:
		start := time.Now()
		err := w.Sync()
		if w.opts.OnSync != nil && err == nil {
			w.opts.OnSync(1, frames, time.Since(start))
		}
		return err
	}
}

// Sync fsyncs everything appended so far and publishes it.
func (w *WAL) Sync() error {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	w.mu.Lock()
	target, failed := w.last, w.err
	w.mu.Unlock()
	if failed != nil {
		return failed
	}
	if target <= w.durable.Load() {
		return nil
	}

	w.syncs.Add(1)
	if err := storage.Datasync(w.file); err != nil {
		// The state of unsynced frames is unknown after a failed fsync.
		// Refuse further commits until the database is reopened.
		err = fmt.Errorf("wal fsync: %w", err)
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		return err
	}
	w.publish(target)
	return nil
}

func (w *WAL) publish(lsn base.LSN) {
	for {
		cur := w.durable.Load()
		if lsn <= cur || w.durable.CompareAndSwap(cur, lsn) {
			return
		}
	}
}

// Reset empties the log after a checkpoint made every frame redundant. The
// next commit gets an LSN of at least start. The caller holds the
// checkpoint, writer and exclusive reader locks.
func (w *WAL) Reset(start base.LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.setStartLocked(start)
	if err := w.writeHeaderLocked(); err != nil {
		return err
	}
	if err := storage.Datasync(w.file); err != nil {
		return fmt.Errorf("wal fsync: %w", err)
	}
	w.index.reset()
	return nil
}

// ReadPage reads the page image of the frame at off into buf.
func (w *WAL) ReadPage(off int64, buf []byte) error {
	n, err := w.file.ReadAt(buf[:w.opts.PageSize], off+FrameHeaderSize)
	if err == io.EOF && n == w.opts.PageSize {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("read wal frame at %d: %w", off, err)
	}
	return nil
}

// Index returns the page index of the log.
func (w *WAL) Index() *Index { return w.index }

// Durable returns the highest LSN visible to new readers.
func (w *WAL) Durable() base.LSN { return w.durable.Load() }

// Last returns the LSN of the last appended commit.
func (w *WAL) Last() base.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// StartLSN returns the first LSN the current log may hold.
func (w *WAL) StartLSN() base.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.startLSN
}

// Size returns the length of the valid log in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.end
}

func (w *WAL) size() (int64, error) {
	info, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Close stops the committer and closes the file. Pending commits are synced
// first unless the sync mode is SyncOff.
func (w *WAL) Close() error {
	w.once.Do(func() { close(w.stopC) })
	w.wg.Wait()

	var err error
	if w.opts.SyncMode != SyncOff {
		err = w.Sync()
	}
	return errors.Join(err, w.file.Close())
}

// Stats holds WAL counters.
type Stats struct {
	Frames   uint64 // Frames appended by this handle
	Commits  uint64
	Syncs    uint64
	Batches  uint64 // Group-commit batches
	Bytes    int64
	Indexed  int
	Durable  base.LSN
	StartLSN base.LSN
}

func (w *WAL) Stats() Stats {
	w.mu.Lock()
	bytes, start := w.end, w.startLSN
	w.mu.Unlock()
	return Stats{
		Frames:   w.appended.Load(),
		Commits:  w.commits.Load(),
		Syncs:    w.syncs.Load(),
		Batches:  w.batches.Load(),
		Bytes:    bytes,
		Indexed:  w.index.Len(),
		Durable:  w.durable.Load(),
		StartLSN: start,
	}
}
