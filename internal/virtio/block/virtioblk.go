package block

import (
	"encoding/binary"
	"log/slog"

	"github.com/rvmmio/virtio-devices/internal/bus"
	"github.com/rvmmio/virtio-devices/internal/virtio"
)

// DeviceID is the VirtIO device type number for block devices.
const DeviceID = 2

// Request types understood by VirtioBlock. GetID is answered here
// because a real block driver probes for it at boot.
const (
	ReqIn    = 0
	ReqOut   = 1
	ReqFlush = 4
	// ReqFlushAlt mirrors ReqFlush; some drivers emit either value.
	ReqFlushAlt = 5
	ReqGetID    = 8
)

// Status bytes written into the request's trailing status descriptor.
const (
	StatusOK     = 0
	StatusIOErr  = 1
	StatusUnsupp = 2
)

const reqHeaderSize = 16

// VirtioBlock is the VirtIO block device front end. It keeps
// exactly one request in flight at a time: RecvRequest refuses new work
// while reqInProgress is set, and the engine re-kicks the queue once that
// request's completion has been published.
type VirtioBlock struct {
	Core    *virtio.Core
	Backend Backend

	reqInProgress bool

	completions chan completion
}

type completion struct {
	head uint16
	// writeOffset is where, within the chain's write-direction byte
	// stream, payload should be written.
	writeOffset int
	payload     []byte
	consumed    uint32
}

// New constructs a VirtioBlock bound to backend, wiring it to a fresh
// virtio.Core via mem/irq. The returned Core's Load/Store implement
// bus.MmioDevice and should be mapped into the device's MMIO window by
// the host.
func New(mem bus.GuestMemory, irq bus.IrqLine, backend Backend) *VirtioBlock {
	b := &VirtioBlock{
		Backend:     backend,
		completions: make(chan completion, 8),
	}
	b.Core = virtio.NewCore(DeviceID, 8, mem, irq, b, b.readConfig)
	return b
}

func (b *VirtioBlock) readConfig(offset uint32, out []byte) {
	var cfg [8]byte
	binary.LittleEndian.PutUint64(cfg[:], b.Backend.SectorCount())
	if int(offset) < len(cfg) {
		n := copy(out, cfg[offset:])
		for i := n; i < len(out); i++ {
			out[i] = 0
		}
	}
}

// ConfigWrite implements virtio.DeviceOps. The block config space
// (capacity) is read-only from the driver's perspective.
func (b *VirtioBlock) ConfigWrite(uint32, []byte) {}

// Load implements bus.MmioDevice by forwarding to the device's MMIO
// register file.
func (b *VirtioBlock) Load(addr uint64, length int, out []byte) bool {
	return b.Core.Load(addr, length, out)
}

// Store implements bus.MmioDevice by forwarding to the device's MMIO
// register file.
func (b *VirtioBlock) Store(addr uint64, length int, in []byte) bool {
	return b.Core.Store(addr, length, in)
}

// RecvRequest implements virtio.DeviceOps.
func (b *VirtioBlock) RecvRequest(qIdx int, head uint16, readSize, writeSize int) int {
	if b.reqInProgress {
		return -1
	}

	q := b.Core.Queue(qIdx)
	var hdr [reqHeaderSize]byte
	if _, err := virtio.MemcpyToFromQueue(b.Core.Mem, q, head, 0, hdr[:], false); err != nil {
		slog.Warn("virtio-blk: malformed request header", "head", head, "err", err)
		b.Core.RaiseUsed(qIdx, head, 0)
		return 0
	}
	reqType := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	b.reqInProgress = true

	switch reqType {
	case ReqIn:
		b.handleIn(qIdx, head, sector, writeSize)
	case ReqOut:
		b.handleOut(qIdx, head, sector, readSize)
	case ReqFlush, ReqFlushAlt:
		b.handleFlush(qIdx, head)
	case ReqGetID:
		b.handleGetID(qIdx, head)
	default:
		b.complete(qIdx, completion{head: head, payload: []byte{StatusUnsupp}, consumed: 1})
	}
	return 0
}

func (b *VirtioBlock) handleIn(qIdx int, head uint16, sector uint64, writeSize int) {
	dataLen := writeSize - 1
	if dataLen < 0 {
		dataLen = 0
	}
	buf := make([]byte, dataLen)
	ret := b.Backend.Read(sector, buf, func(result int) {
		c := completion{head: head, writeOffset: 0, consumed: uint32(writeSize)}
		if result < 0 {
			c.writeOffset = dataLen
			c.payload = []byte{StatusIOErr}
		} else {
			c.payload = append(append([]byte{}, buf...), StatusOK)
		}
		b.completions <- c
	})
	if ret == 0 {
		b.drainOne(qIdx)
	}
}

func (b *VirtioBlock) handleOut(qIdx int, head uint16, sector uint64, readSize int) {
	dataLen := readSize - reqHeaderSize
	if dataLen < 0 {
		dataLen = 0
	}
	buf := make([]byte, dataLen)
	if _, err := virtio.MemcpyToFromQueue(b.Core.Mem, b.Core.Queue(qIdx), head, reqHeaderSize, buf, false); err != nil {
		slog.Warn("virtio-blk: malformed write request", "head", head, "err", err)
		b.complete(qIdx, completion{head: head, payload: []byte{StatusIOErr}, consumed: 1})
		return
	}
	ret := b.Backend.Write(sector, buf, func(result int) {
		status := byte(StatusOK)
		if result < 0 {
			status = StatusIOErr
		}
		b.completions <- completion{head: head, payload: []byte{status}, consumed: 1}
	})
	if ret == 0 {
		b.drainOne(qIdx)
	}
}

func (b *VirtioBlock) handleFlush(qIdx int, head uint16) {
	ret := b.Backend.Flush(func(result int) {
		status := byte(StatusOK)
		if result < 0 {
			status = StatusIOErr
		}
		b.completions <- completion{head: head, payload: []byte{status}, consumed: 1}
	})
	if ret == 0 {
		b.drainOne(qIdx)
	}
}

func (b *VirtioBlock) handleGetID(qIdx int, head uint16) {
	const idLen = 20
	id := make([]byte, idLen+1)
	copy(id, []byte("rvmmio-block-device"))
	id[idLen] = StatusOK
	b.complete(qIdx, completion{head: head, writeOffset: 0, payload: id, consumed: uint32(idLen + 1)})
}

// complete finalizes a request synchronously, as if its completion had
// just been drained from the channel.
func (b *VirtioBlock) complete(qIdx int, c completion) {
	b.finish(qIdx, c)
}

// drainOne blocks for exactly one completion and finishes it. Called
// right after dispatching a backend op that completed synchronously (ret
// == 0), so the corresponding completion is already queued or arrives
// immediately.
func (b *VirtioBlock) drainOne(qIdx int) {
	c := <-b.completions
	b.finish(qIdx, c)
}

// Pump drains every completion currently queued for qIdx and finalizes
// it: writes the payload into the guest, publishes the used-ring entry,
// and re-kicks the queue in case the driver queued more heads while this
// device was busy. The host calls this from its own single dispatch
// thread, never from inside a backend's worker goroutine, so completions
// are always delivered on the same thread as MMIO handlers.
func (b *VirtioBlock) Pump(qIdx int) {
	for {
		select {
		case c := <-b.completions:
			b.finish(qIdx, c)
		default:
			return
		}
	}
}

func (b *VirtioBlock) finish(qIdx int, c completion) {
	q := b.Core.Queue(qIdx)
	if len(c.payload) > 0 {
		if _, err := virtio.MemcpyToFromQueue(b.Core.Mem, q, c.head, c.writeOffset, c.payload, true); err != nil {
			slog.Warn("virtio-blk: failed writing completion payload", "head", c.head, "err", err)
		}
	}
	b.reqInProgress = false
	b.Core.RaiseUsed(qIdx, c.head, c.consumed)
	b.Core.Renotify(qIdx)
}
