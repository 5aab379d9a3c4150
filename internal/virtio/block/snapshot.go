package block

import "sync"

// SnapshotBackend wraps another Backend with a copy-on-write, in-memory
// overlay keyed by sector index. Reads prefer the overlay, sector by
// sector: data from the wrapped backend is returned only for sectors that
// haven't been overlaid (see Read for when it is consulted). Writes only ever touch the overlay, leaving the
// wrapped backend's underlying file untouched. Writes beyond the wrapped
// backend's sector count are rejected, matching a real block device that
// can't grow past its declared capacity.
type SnapshotBackend struct {
	under Backend

	mu      sync.Mutex
	overlay map[uint64][]byte
}

// NewSnapshotBackend wraps under with a fresh, empty overlay.
func NewSnapshotBackend(under Backend) *SnapshotBackend {
	return &SnapshotBackend{under: under, overlay: make(map[uint64][]byte)}
}

// SectorCount implements Backend.
func (s *SnapshotBackend) SectorCount() uint64 { return s.under.SectorCount() }

// Read implements Backend. If every sector spanned by buf is present in
// the overlay, it's assembled from the overlay alone with no access to
// the wrapped backend. Otherwise the full range is read from the wrapped
// backend and overlaid sectors are patched in afterward, so a read
// spanning both overlaid and non-overlaid sectors returns the correct
// mix for each.
func (s *SnapshotBackend) Read(sector uint64, buf []byte, cb func(result int)) int {
	s.mu.Lock()
	if s.overlayCoversLocked(sector, len(buf)) {
		s.copyFromOverlayLocked(buf, sector)
		s.mu.Unlock()
		cb(0)
		return 0
	}
	s.mu.Unlock()

	return s.under.Read(sector, buf, func(result int) {
		if result >= 0 {
			s.mu.Lock()
			s.copyFromOverlayLocked(buf, sector)
			s.mu.Unlock()
		}
		cb(result)
	})
}

// Write implements Backend, storing the write in the overlay one sector
// at a time. The underlying backend is never modified.
func (s *SnapshotBackend) Write(sector uint64, buf []byte, cb func(result int)) int {
	numSectors := uint64((len(buf) + SectorSize - 1) / SectorSize)
	if sector+numSectors > s.under.SectorCount() {
		cb(-1)
		return 0
	}

	s.mu.Lock()
	off := 0
	sec := sector
	for off < len(buf) {
		n := SectorSize
		if n > len(buf)-off {
			n = len(buf) - off
		}
		stored := make([]byte, SectorSize)
		copy(stored, buf[off:off+n])
		s.overlay[sec] = stored
		off += n
		sec++
	}
	s.mu.Unlock()

	cb(0)
	return 0
}

// Flush implements Backend. The overlay is purely in-memory, so flush is
// always a synchronous no-op success.
func (s *SnapshotBackend) Flush(cb func(result int)) int {
	cb(0)
	return 0
}

// overlayCoversLocked reports whether every sector spanned by a buffer
// of length n starting at sector has an overlay entry. Caller holds mu.
func (s *SnapshotBackend) overlayCoversLocked(sector uint64, n int) bool {
	numSectors := (n + SectorSize - 1) / SectorSize
	for i := 0; i < numSectors; i++ {
		if _, ok := s.overlay[sector+uint64(i)]; !ok {
			return false
		}
	}
	return true
}

// copyFromOverlayLocked patches every sector of buf that has an overlay
// entry, leaving sectors without one untouched. Caller holds mu.
func (s *SnapshotBackend) copyFromOverlayLocked(buf []byte, sector uint64) {
	off := 0
	sec := sector
	for off < len(buf) {
		n := SectorSize
		if n > len(buf)-off {
			n = len(buf) - off
		}
		if data, ok := s.overlay[sec]; ok {
			copy(buf[off:off+n], data[:n])
		}
		off += n
		sec++
	}
}
