package virtio

import (
	"encoding/binary"
	"log/slog"

	"github.com/rvmmio/virtio-devices/internal/bus"
)

// DeviceOps is the capability a concrete device (VirtioBlock, ...)
// implements on top of VirtioCore. VirtioCore owns register-file
// mechanics; DeviceOps carries everything device-specific.
type DeviceOps interface {
	// RecvRequest is invoked once per available descriptor chain head on
	// queue qIdx. It must behave like virtio.RecvFunc: negative return
	// means busy (retry later), >=0 means the head was consumed or handed
	// off for async completion.
	RecvRequest(qIdx int, head uint16, readSize, writeSize int) int

	// ConfigWrite is invoked when the driver writes into the device's
	// config space (offset relative to RegConfigBase). Devices whose
	// config space is read-only can ignore the write.
	ConfigWrite(offset uint32, data []byte)
}

// Core implements the VirtIO MMIO register file around a
// fixed array of MaxQueue Queues and a device-specific config space. It
// holds no algorithmic logic of its own beyond register decode/encode;
// the virtqueue algorithms live in queue.go and are invoked from here.
type Core struct {
	DeviceID   uint32
	VendorID   uint32
	Features   uint64
	ConfigSize int

	Mem bus.GuestMemory
	Irq bus.IrqLine
	Ops DeviceOps

	queues            [MaxQueue]Queue
	queueSel          uint32
	featuresSel       uint32
	driverFeaturesSel uint32
	driverFeat        uint64
	status            uint32
	intStatus         uint32
	configGen         uint32

	configRead func(offset uint32, out []byte)
}

// NewCore constructs a Core for a device with the given identity and
// config space size. ConfigRead, if non-nil, is called to fill config
// space reads; a nil ConfigRead always reads zero.
func NewCore(deviceID uint32, configSize int, mem bus.GuestMemory, irq bus.IrqLine, ops DeviceOps, configRead func(offset uint32, out []byte)) *Core {
	if irq == nil {
		irq = bus.NoopIrqLine()
	}
	return &Core{
		DeviceID:   deviceID,
		VendorID:   vendorIDDefault,
		ConfigSize: configSize,
		Mem:        mem,
		Irq:        irq,
		Ops:        ops,
		configRead: configRead,
	}
}

// Queue returns the queue state for slot idx, for use by the owning
// device's RecvRequest/completion paths. idx must be < MaxQueue.
func (c *Core) Queue(idx int) *Queue { return &c.queues[idx] }

// Status returns the current device status bitmap.
func (c *Core) Status() uint32 { return c.status }

// Load implements bus.MmioDevice. The 32-bit register file below
// RegConfigBase only defines 4-byte accesses; the config window above it
// accepts byte, halfword, word, and doubleword reads, matching a real
// driver probing a u64 capacity field with one 8-byte load.
func (c *Core) Load(addr uint64, length int, out []byte) bool {
	if addr >= RegConfigBase {
		off := addr - RegConfigBase
		if int(off) < c.ConfigSize && isValidWidth(length) {
			if c.configRead != nil {
				c.configRead(uint32(off), out[:length])
			} else {
				for i := 0; i < length; i++ {
					out[i] = 0
				}
			}
			return true
		}
		for i := range out {
			out[i] = 0
		}
		return true
	}

	if length != 4 {
		for i := range out {
			out[i] = 0
		}
		return true
	}
	var v uint32
	switch addr {
	case RegMagicValue:
		v = magicValue
	case RegVersion:
		v = mmioVersion
	case RegDeviceID:
		v = c.DeviceID
	case RegVendorID:
		v = c.VendorID
	case RegDeviceFeatures:
		switch c.featuresSel {
		case 0:
			v = uint32(c.Features)
		case 1:
			v = uint32(c.Features >> 32)
		default:
			v = 0
		}
	case RegQueueNumMax:
		v = MaxQueueNum
	case RegQueueReady:
		if c.queues[c.queueSel].Ready {
			v = 1
		}
	case RegInterruptStatus:
		v = c.intStatus
	case RegStatus:
		v = c.status
	case RegConfigGeneration:
		v = c.configGen
	default:
		v = 0
	}
	binary.LittleEndian.PutUint32(out, v)
	return true
}

// isValidWidth reports whether n is one of the access widths the VirtIO
// MMIO transport defines (byte, halfword, word, doubleword).
func isValidWidth(n int) bool {
	return n == 1 || n == 2 || n == 4 || n == 8
}

// Store implements bus.MmioDevice. As with Load, the config window above
// RegConfigBase accepts any of the defined access widths; the register
// file below it is 32-bit only.
func (c *Core) Store(addr uint64, length int, in []byte) bool {
	if addr >= RegConfigBase {
		off := addr - RegConfigBase
		if int(off) < c.ConfigSize && isValidWidth(length) {
			if c.Ops != nil {
				c.Ops.ConfigWrite(uint32(off), in[:length])
			}
			c.configGen++
			c.intStatus |= IntConfigChange
			c.Irq.Raise(true)
			return true
		}
		slog.Warn("virtio: store to unknown mmio offset", "addr", addr)
		return true
	}

	if length != 4 {
		// Only the 32-bit register file is defined below the config
		// window; narrower/wider accesses there are silently ignored.
		return true
	}
	v := binary.LittleEndian.Uint32(in)
	switch addr {
	case RegDeviceFeaturesSel:
		c.featuresSel = v
	case RegDriverFeatures:
		switch c.driverFeaturesSel {
		case 0:
			c.driverFeat = c.driverFeat&^0xffffffff | uint64(v)
		case 1:
			c.driverFeat = c.driverFeat&0xffffffff | uint64(v)<<32
		}
	case RegDriverFeaturesSel:
		c.driverFeaturesSel = v
	case RegQueueSel:
		if v >= MaxQueue {
			v = MaxQueue - 1
		}
		c.queueSel = v
	case RegQueueNum:
		if v > 0 && v&(v-1) == 0 {
			c.queues[c.queueSel].Num = v
		}
	case RegQueueReady:
		c.queues[c.queueSel].Ready = v&1 != 0
	case RegQueueNotify:
		if int(v) < MaxQueue {
			c.queueNotify(int(v))
		}
	case RegInterruptAck:
		c.intStatus &^= v
		if c.intStatus == 0 {
			c.Irq.Raise(false)
		}
	case RegStatus:
		if v == 0 {
			c.reset()
		} else {
			c.status = v
		}
	case RegQueueDescLow:
		setLow(&c.queues[c.queueSel].DescAddr, v)
	case RegQueueDescHigh:
		setHigh(&c.queues[c.queueSel].DescAddr, v)
	case RegQueueAvailLow:
		setLow(&c.queues[c.queueSel].AvailAddr, v)
	case RegQueueAvailHigh:
		setHigh(&c.queues[c.queueSel].AvailAddr, v)
	case RegQueueUsedLow:
		setLow(&c.queues[c.queueSel].UsedAddr, v)
	case RegQueueUsedHigh:
		setHigh(&c.queues[c.queueSel].UsedAddr, v)
	default:
		slog.Warn("virtio: store to unknown mmio offset", "addr", addr)
	}
	return true
}

func setLow(addr *uint64, v uint32) {
	*addr = *addr&^0xffffffff | uint64(v)
}

func setHigh(addr *uint64, v uint32) {
	*addr = *addr&0xffffffff | uint64(v)<<32
}

// reset implements the write-0-to-STATUS full reset: all queue state is
// cleared and the interrupt line is lowered.
func (c *Core) reset() {
	for i := range c.queues {
		c.queues[i].Reset()
	}
	c.status = 0
	c.intStatus = 0
	c.queueSel = 0
	c.featuresSel = 0
	c.driverFeat = 0
	c.Irq.Raise(false)
}

// queueNotify drives the avail-ring poll loop for queue qIdx, forwarding
// each discovered chain head to Ops.RecvRequest.
func (c *Core) queueNotify(qIdx int) {
	q := &c.queues[qIdx]
	if !q.Ready || c.Ops == nil {
		return
	}
	err := PollAvail(c.Mem, q, func(head uint16, readSize, writeSize int) int {
		return c.Ops.RecvRequest(qIdx, head, readSize, writeSize)
	})
	if err != nil {
		slog.Error("virtio: queue notify failed", "queue", qIdx, "err", err)
	}
}

// RaiseUsed publishes a used-ring entry for queue qIdx and raises the
// interrupt line. Devices call this from both synchronous RecvRequest
// returns and asynchronous completion callbacks. It is a no-op if the
// queue is no longer ready (e.g. the driver reset the device while an
// async request was in flight).
func (c *Core) RaiseUsed(qIdx int, head uint16, length uint32) {
	q := &c.queues[qIdx]
	if !q.Ready {
		return
	}
	if err := ConsumeUsed(c.Mem, q, head, length); err != nil {
		slog.Error("virtio: used ring publish failed", "queue", qIdx, "err", err)
		return
	}
	c.intStatus |= IntUsedRing
	c.Irq.Raise(true)
}

// Renotify re-runs the avail-ring poll loop for qIdx. Devices call this
// after completing a request that left them busy, in case the driver
// queued more heads while the device was occupied.
func (c *Core) Renotify(qIdx int) {
	c.queueNotify(qIdx)
}
