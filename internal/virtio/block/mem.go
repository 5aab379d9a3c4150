package block

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"
)

// MemBackend is an entirely in-memory Backend, useful for tests and for
// small disk images preloaded wholesale at startup.
type MemBackend struct {
	data []byte
	mode Mode
}

// NewMemBackend allocates a zero-filled backend of size bytes, which must
// be a multiple of SectorSize.
func NewMemBackend(size int64, mode Mode) *MemBackend {
	return &MemBackend{data: make([]byte, size), mode: mode}
}

// LoadFile copies the full contents of r into a new MemBackend, reporting
// progress on stderr with a progress bar whatever the image size. This
// is the one place in this package where I/O runs synchronously on the
// caller's goroutine: a one-shot startup step, not device traffic.
func LoadFile(r io.Reader, size int64, mode Mode) (*MemBackend, error) {
	b := NewMemBackend(size, mode)
	bar := progressbar.DefaultBytes(size, "loading disk image")
	sw := &sliceWriter{buf: b.data}
	if _, err := io.Copy(io.MultiWriter(sw, bar), io.LimitReader(r, size)); err != nil {
		return nil, fmt.Errorf("block: load disk image: %w", err)
	}
	return b, nil
}

// sliceWriter adapts a fixed byte slice to io.Writer, advancing an
// internal offset on each call. Used only by LoadFile's io.Copy above.
type sliceWriter struct {
	buf []byte
	off int
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.off:], p)
	w.off += n
	return n, nil
}

// SectorCount implements Backend.
func (b *MemBackend) SectorCount() uint64 { return uint64(len(b.data)) / SectorSize }

// Read implements Backend. MemBackend I/O is always fast enough to
// complete synchronously.
func (b *MemBackend) Read(sector uint64, buf []byte, cb func(result int)) int {
	off := sector * SectorSize
	if off+uint64(len(buf)) > uint64(len(b.data)) {
		cb(-1)
		return 0
	}
	copy(buf, b.data[off:])
	cb(0)
	return 0
}

// Write implements Backend.
func (b *MemBackend) Write(sector uint64, buf []byte, cb func(result int)) int {
	if b.mode == ModeRO {
		cb(-1)
		return 0
	}
	off := sector * SectorSize
	if off+uint64(len(buf)) > uint64(len(b.data)) {
		cb(-1)
		return 0
	}
	copy(b.data[off:], buf)
	cb(0)
	return 0
}

// Flush implements Backend.
func (b *MemBackend) Flush(cb func(result int)) int {
	cb(0)
	return 0
}
