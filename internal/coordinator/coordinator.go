package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// Byte offsets of the advisory lock ranges in the lock file. Each range is
// one byte long.
const (
	ReaderByte     = 0 // Shared while any reader of a process is active
	WriterByte     = 1 // Exclusive, held for the life of a write transaction
	CheckpointByte = 2 // Exclusive, held while a checkpoint runs
)

// PollInterval is the time between reattempting a contended lock.
const PollInterval = 500 * time.Microsecond

var errBusy = errors.New("lock busy")

// Coordinator enforces single-writer, multi-reader and checkpoint exclusion
// within this process and, through byte-range locks on the lock file,
// across processes. One Coordinator owns one open file description, so the
// in-process counters decide when the file locks are taken and dropped.
type Coordinator struct {
	file *os.File

	mu         sync.Mutex
	readers    int  // Active readers in this process
	checkpoint bool // Checkpoint in progress in this process

	writerC chan struct{} // Capacity 1, in-process writer slot
}

// Open opens or creates the lock file at path. The file stays empty.
func Open(path string) (*Coordinator, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		file:    file,
		writerC: make(chan struct{}, 1),
	}, nil
}

// AcquireReader registers a reader, waiting while a checkpoint holds the
// reader range.
func (c *Coordinator) AcquireReader(ctx context.Context) error {
	ok, err := c.TryReader()
	if ok || err != nil {
		return err
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if ok, err := c.TryReader(); ok || err != nil {
				return err
			}
		}
	}
}

// TryReader registers a reader unless a checkpoint is running.
func (c *Coordinator) TryReader() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.checkpoint {
		return false, nil
	}
	if c.readers == 0 {
		if err := tryLock(c.file, lockShared, ReaderByte); err == errBusy {
			return false, nil
		} else if err != nil {
			return false, fmt.Errorf("lock reader range: %w", err)
		}
	}
	c.readers++
	return true, nil
}

// ReleaseReader unregisters a reader. The last reader out drops the shared
// file lock.
func (c *Coordinator) ReleaseReader() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readers == 0 {
		return fmt.Errorf("release reader: no active reader")
	}
	c.readers--
	if c.readers == 0 {
		return unlock(c.file, ReaderByte)
	}
	return nil
}

// AcquireWriter blocks until this caller is the only writer across all
// processes, or ctx is done.
func (c *Coordinator) AcquireWriter(ctx context.Context) error {
	select {
	case c.writerC <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	err := tryLock(c.file, lockExclusive, WriterByte)
	if err == nil {
		return nil
	}
	if err != errBusy {
		<-c.writerC
		return fmt.Errorf("lock writer range: %w", err)
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-c.writerC
			return ctx.Err()
		case <-ticker.C:
			err := tryLock(c.file, lockExclusive, WriterByte)
			if err == nil {
				return nil
			}
			if err != errBusy {
				<-c.writerC
				return fmt.Errorf("lock writer range: %w", err)
			}
		}
	}
}

// TryWriter takes the writer lock if it is free right now.
func (c *Coordinator) TryWriter() (bool, error) {
	select {
	case c.writerC <- struct{}{}:
	default:
		return false, nil
	}
	if err := tryLock(c.file, lockExclusive, WriterByte); err != nil {
		<-c.writerC
		if err == errBusy {
			return false, nil
		}
		return false, fmt.Errorf("lock writer range: %w", err)
	}
	return true, nil
}

func (c *Coordinator) ReleaseWriter() error {
	err := unlock(c.file, WriterByte)
	<-c.writerC
	return err
}

// TryCheckpoint takes the checkpoint lock and the reader range exclusively.
// It fails without waiting when a checkpoint runs elsewhere or any reader in
// any process is active. The caller holds the writer lock.
func (c *Coordinator) TryCheckpoint() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.checkpoint || c.readers > 0 {
		return false, nil
	}
	if err := tryLock(c.file, lockExclusive, CheckpointByte); err == errBusy {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("lock checkpoint range: %w", err)
	}
	if err := tryLock(c.file, lockExclusive, ReaderByte); err != nil {
		_ = unlock(c.file, CheckpointByte)
		if err == errBusy {
			return false, nil
		}
		return false, fmt.Errorf("lock reader range: %w", err)
	}
	c.checkpoint = true
	return true, nil
}

func (c *Coordinator) ReleaseCheckpoint() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.checkpoint {
		return fmt.Errorf("release checkpoint: not held")
	}
	c.checkpoint = false
	return errors.Join(unlock(c.file, ReaderByte), unlock(c.file, CheckpointByte))
}

// Readers returns the number of active readers in this process.
func (c *Coordinator) Readers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readers
}

// Close closes the lock file, which drops every lock it holds.
func (c *Coordinator) Close() error {
	unlockAll(c.file)
	return c.file.Close()
}
