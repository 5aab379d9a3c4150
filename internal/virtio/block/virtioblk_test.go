package block

import (
	"encoding/binary"
	"testing"

	"github.com/rvmmio/virtio-devices/internal/bus"
	"github.com/rvmmio/virtio-devices/internal/virtio"
)

type testMem []byte

func (m testMem) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m[off:]), nil
}

func (m testMem) WriteAt(p []byte, off int64) (int, error) {
	return copy(m[off:], p), nil
}

func putDesc(mem testMem, descAddr uint64, idx uint16, addr uint64, length uint32, flags uint16, next uint16) {
	off := descAddr + uint64(idx)*16
	binary.LittleEndian.PutUint64(mem[off:off+8], addr)
	binary.LittleEndian.PutUint32(mem[off+8:off+12], length)
	binary.LittleEndian.PutUint16(mem[off+12:off+14], flags)
	binary.LittleEndian.PutUint16(mem[off+14:off+16], next)
}

// setupQueue wires up a ready, single-entry-chain-capable queue at fixed
// offsets and returns it along with the memory backing it.
func setupQueue(t *testing.T, blk *VirtioBlock) (testMem, *virtio.Queue) {
	t.Helper()
	mem := make(testMem, 1<<20)
	const (
		descAddr  = 0x0
		availAddr = 0x1000
		usedAddr  = 0x2000
	)
	q := blk.Core.Queue(0)
	q.DescAddr = descAddr
	q.AvailAddr = availAddr
	q.UsedAddr = usedAddr
	q.Num = 16
	q.Ready = true
	blk.Core.Mem = mem
	return mem, q
}

func pushAvail(mem testMem, q *virtio.Queue, head uint16) {
	idx := q.LastAvailIdx
	slot := uint64(idx % uint16(q.Num))
	binary.LittleEndian.PutUint16(mem[q.AvailAddr+4+slot*2:], head)
	binary.LittleEndian.PutUint16(mem[q.AvailAddr+2:], idx+1)
}

// A read request (type IN) on sector 0 of a 1MiB backend returns 512
// bytes of data plus a trailing OK status byte, with the used entry
// reporting length 513.
func TestVirtioBlockReadScenario(t *testing.T) {
	backend := NewMemBackend(1<<20, ModeRW)
	for i := 0; i < SectorSize; i++ {
		backend.data[i] = byte(i)
	}

	blk := New(nil, bus.NoopIrqLine(), backend)
	mem, q := setupQueue(t, blk)

	const hdrAddr = 0x10000
	const dataAddr = 0x11000
	const statusAddr = 0x12000

	binary.LittleEndian.PutUint32(mem[hdrAddr:], ReqIn)
	binary.LittleEndian.PutUint32(mem[hdrAddr+4:], 0)
	binary.LittleEndian.PutUint64(mem[hdrAddr+8:], 0)

	putDesc(mem, q.DescAddr, 0, hdrAddr, reqHeaderSize, virtio.DescFlagNext, 1)
	putDesc(mem, q.DescAddr, 1, dataAddr, SectorSize, virtio.DescFlagNext|virtio.DescFlagWrite, 2)
	putDesc(mem, q.DescAddr, 2, statusAddr, 1, virtio.DescFlagWrite, 0)

	pushAvail(mem, q, 0)
	blk.Core.Store(virtio.RegQueueSel, 4, le32(0))
	blk.Core.Store(virtio.RegQueueNotify, 4, le32(0))
	blk.Pump(0)

	gotIdx := binary.LittleEndian.Uint16(mem[q.UsedAddr+2:])
	if gotIdx != 1 {
		t.Fatalf("used.idx = %d, want 1", gotIdx)
	}
	gotHead := binary.LittleEndian.Uint32(mem[q.UsedAddr+4:])
	gotLen := binary.LittleEndian.Uint32(mem[q.UsedAddr+8:])
	if gotHead != 0 || gotLen != 513 {
		t.Fatalf("used entry = (%d,%d), want (0,513)", gotHead, gotLen)
	}
	if mem[statusAddr] != StatusOK {
		t.Fatalf("status byte = %d, want %d", mem[statusAddr], StatusOK)
	}
	for i := 0; i < SectorSize; i++ {
		if mem[dataAddr+uint64(i)] != byte(i) {
			t.Fatalf("data byte %d = %d, want %d", i, mem[dataAddr+uint64(i)], byte(i))
		}
	}
}

// A write request (type OUT) to sector 5 writes through to an RW-mode
// backend and completes with an OK status byte.
func TestVirtioBlockWriteScenario(t *testing.T) {
	backend := NewMemBackend(1<<20, ModeRW)
	blk := New(nil, bus.NoopIrqLine(), backend)
	mem, q := setupQueue(t, blk)

	const hdrAddr = 0x10000
	const dataAddr = 0x11000
	const statusAddr = 0x12000

	binary.LittleEndian.PutUint32(mem[hdrAddr:], ReqOut)
	binary.LittleEndian.PutUint32(mem[hdrAddr+4:], 0)
	binary.LittleEndian.PutUint64(mem[hdrAddr+8:], 5)
	for i := 0; i < SectorSize; i++ {
		mem[dataAddr+uint64(i)] = 0xaa
	}

	putDesc(mem, q.DescAddr, 0, hdrAddr, reqHeaderSize, virtio.DescFlagNext, 1)
	putDesc(mem, q.DescAddr, 1, dataAddr, SectorSize, virtio.DescFlagNext, 2)
	putDesc(mem, q.DescAddr, 2, statusAddr, 1, virtio.DescFlagWrite, 0)

	pushAvail(mem, q, 0)
	blk.Core.Store(virtio.RegQueueSel, 4, le32(0))
	blk.Core.Store(virtio.RegQueueNotify, 4, le32(0))
	blk.Pump(0)

	if mem[statusAddr] != StatusOK {
		t.Fatalf("status byte = %d, want %d", mem[statusAddr], StatusOK)
	}
	off := 5 * SectorSize
	for i := 0; i < SectorSize; i++ {
		if backend.data[off+i] != 0xaa {
			t.Fatalf("backend byte %d = %d, want 0xaa", off+i, backend.data[off+i])
		}
	}
}

func le32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}
