// Package block implements the VirtIO block device: the BlockBackend
// storage capability and the VirtioBlock front end that drives it through
// a virtqueue.
package block

import (
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// SectorSize is the fixed sector size every backend and front end in this
// package operates on.
const SectorSize = 512

// Mode controls how a FileBackend treats writes.
type Mode int

const (
	// ModeRW passes reads and writes straight through to the backing
	// file.
	ModeRW Mode = iota
	// ModeRO rejects every write with an I/O error; the backing file is
	// never modified.
	ModeRO
)

// Backend is the storage capability a VirtioBlock front end reads and
// writes through. Read and Write return 0 if the operation has already
// completed synchronously (cb has already been called with the result
// before the return), or a positive dispatch id
// if the operation was handed to a worker and cb will be invoked exactly
// once, later, with a result code (0 success, negative on failure).
type Backend interface {
	SectorCount() uint64
	Read(sector uint64, buf []byte, cb func(result int)) int
	Write(sector uint64, buf []byte, cb func(result int)) int
	Flush(cb func(result int)) int
}

// FileBackend is a Backend over an os.File-like random-access file,
// dispatching every read/write onto a bounded worker pool so completions
// always arrive through cb, modeling a backend whose I/O genuinely runs
// on another thread and must be marshaled back onto the device's single
// dispatch path.
type FileBackend struct {
	mu          sync.Mutex
	file        io.ReaderAt
	writer      io.WriterAt
	syncer      interface{ Sync() error }
	mode        Mode
	sectorCount uint64

	group *errgroup.Group
}

// NewFileBackend wraps file, whose length must already be a multiple of
// SectorSize, as a Backend. writer and syncer may be nil when mode is
// ModeRO.
func NewFileBackend(file io.ReaderAt, writer io.WriterAt, syncer interface{ Sync() error }, size int64, mode Mode) *FileBackend {
	g := &errgroup.Group{}
	g.SetLimit(4)
	return &FileBackend{
		file:        file,
		writer:      writer,
		syncer:      syncer,
		mode:        mode,
		sectorCount: uint64(size) / SectorSize,
		group:       g,
	}
}

// SectorCount implements Backend.
func (b *FileBackend) SectorCount() uint64 { return b.sectorCount }

// Read implements Backend.
func (b *FileBackend) Read(sector uint64, buf []byte, cb func(result int)) int {
	b.group.Go(func() error {
		_, err := b.file.ReadAt(buf, int64(sector)*SectorSize)
		if err != nil && err != io.EOF {
			cb(-1)
		} else {
			cb(0)
		}
		return nil
	})
	return 1
}

// Write implements Backend.
func (b *FileBackend) Write(sector uint64, buf []byte, cb func(result int)) int {
	if b.mode == ModeRO {
		b.group.Go(func() error {
			cb(-1)
			return nil
		})
		return 1
	}
	b.group.Go(func() error {
		b.mu.Lock()
		_, err := b.writer.WriteAt(buf, int64(sector)*SectorSize)
		b.mu.Unlock()
		if err != nil {
			cb(-1)
		} else {
			cb(0)
		}
		return nil
	})
	return 1
}

// Flush implements Backend.
func (b *FileBackend) Flush(cb func(result int)) int {
	b.group.Go(func() error {
		if b.mode == ModeRO || b.syncer == nil {
			cb(0)
			return nil
		}
		if err := b.syncer.Sync(); err != nil {
			cb(-1)
		} else {
			cb(0)
		}
		return nil
	})
	return 1
}
