package virtio

import (
	"encoding/binary"
	"testing"

	"github.com/rvmmio/virtio-devices/internal/bus"
)

// memory is a flat byte slice GuestMemory for tests.
type memory []byte

func (m memory) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m[off:]), nil
}

func (m memory) WriteAt(p []byte, off int64) (int, error) {
	return copy(m[off:], p), nil
}

type noopOps struct{}

func (noopOps) RecvRequest(int, uint16, int, int) int { return 0 }
func (noopOps) ConfigWrite(uint32, []byte)            {}

func load32(c *Core, addr uint64) uint32 {
	var buf [4]byte
	c.Load(addr, 4, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func store32(c *Core, addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	c.Store(addr, 4, buf[:])
}

// Identification registers read back the fixed VirtIO MMIO identity.
func TestCoreIdentification(t *testing.T) {
	mem := make(memory, 4096)
	c := NewCore(2, 8, mem, nil, noopOps{}, nil)

	if got := load32(c, RegMagicValue); got != magicValue {
		t.Errorf("magic = 0x%x, want 0x%x", got, magicValue)
	}
	if got := load32(c, RegVersion); got != mmioVersion {
		t.Errorf("version = %d, want %d", got, mmioVersion)
	}
	if got := load32(c, RegDeviceID); got != 2 {
		t.Errorf("device id = %d, want 2", got)
	}
	if got := load32(c, RegVendorID); got != vendorIDDefault {
		t.Errorf("vendor id = 0x%x, want 0x%x", got, vendorIDDefault)
	}
	if got := load32(c, RegQueueNumMax); got != MaxQueueNum {
		t.Errorf("queue num max = %d, want %d", got, MaxQueueNum)
	}
}

// Invariant: writing 0 to STATUS resets all queue state and lowers IRQ.
func TestCoreStatusResetClearsQueues(t *testing.T) {
	mem := make(memory, 4096)
	var irqLevel bool
	irq := bus.IrqLineFunc(func(level bool) { irqLevel = level })
	c := NewCore(2, 8, mem, irq, noopOps{}, nil)

	store32(c, RegQueueSel, 0)
	store32(c, RegQueueNum, 16)
	store32(c, RegQueueReady, 1)
	store32(c, RegStatus, StatusAcknowledge|StatusDriver)

	if !c.queues[0].Ready {
		t.Fatal("queue should be ready before reset")
	}

	store32(c, RegStatus, 0)

	if c.queues[0].Ready {
		t.Error("queue still ready after status reset")
	}
	if c.queues[0].Num != 0 {
		t.Error("queue num not cleared after reset")
	}
	if c.status != 0 {
		t.Error("status not cleared after reset")
	}
	if irqLevel {
		t.Error("irq should be lowered on reset")
	}
}

// Invariant: QUEUE_NUM is ignored unless it's a nonzero power of two.
func TestCoreQueueNumMustBePowerOfTwo(t *testing.T) {
	mem := make(memory, 4096)
	c := NewCore(2, 8, mem, nil, noopOps{}, nil)

	store32(c, RegQueueSel, 0)
	store32(c, RegQueueNum, 3)
	if c.queues[0].Num != 0 {
		t.Errorf("non-power-of-two QUEUE_NUM accepted: %d", c.queues[0].Num)
	}

	store32(c, RegQueueNum, 16)
	if c.queues[0].Num != 16 {
		t.Errorf("power-of-two QUEUE_NUM rejected: %d", c.queues[0].Num)
	}
}

// After a used-ring publication, INTERRUPT_STATUS bit 0 is set and the
// IRQ line is high; writing that bit back to INTERRUPT_ACK clears it and
// lowers the line.
func TestCoreInterruptAck(t *testing.T) {
	mem := make(memory, 1<<16)
	var irqLevel bool
	irq := bus.IrqLineFunc(func(level bool) { irqLevel = level })
	c := NewCore(2, 8, mem, irq, noopOps{}, nil)

	store32(c, RegQueueSel, 0)
	store32(c, RegQueueNum, 16)
	store32(c, RegQueueDescLow, 0)
	store32(c, RegQueueAvailLow, 0x1000)
	store32(c, RegQueueUsedLow, 0x2000)
	store32(c, RegQueueReady, 1)

	c.RaiseUsed(0, 0, 513)

	if got := load32(c, RegInterruptStatus); got != IntUsedRing {
		t.Errorf("interrupt status = %d, want %d", got, IntUsedRing)
	}
	if !irqLevel {
		t.Error("irq should be high after RaiseUsed")
	}

	store32(c, RegInterruptAck, IntUsedRing)

	if got := load32(c, RegInterruptStatus); got != 0 {
		t.Errorf("interrupt status after ack = %d, want 0", got)
	}
	if irqLevel {
		t.Error("irq should be low after ack")
	}
}

// A driver write into config space bumps CONFIG_GENERATION and raises
// INTERRUPT_STATUS.config_change, notifying the driver its config space
// changed underneath it.
func TestCoreConfigWriteRaisesConfigChangeInterrupt(t *testing.T) {
	mem := make(memory, 4096)
	var irqLevel bool
	irq := bus.IrqLineFunc(func(level bool) { irqLevel = level })

	var written []byte
	ops := configWriteOps{fn: func(off uint32, data []byte) { written = append([]byte{}, data...) }}
	c := NewCore(2, 8, mem, irq, ops, nil)

	genBefore := load32(c, RegConfigGeneration)

	store32(c, RegConfigBase, 0xdeadbeef)

	if !irqLevel {
		t.Error("irq should be high after a config-space write")
	}
	if got := load32(c, RegInterruptStatus); got&IntConfigChange == 0 {
		t.Errorf("interrupt status = %d, want IntConfigChange set", got)
	}
	if got := load32(c, RegConfigGeneration); got != genBefore+1 {
		t.Errorf("config generation = %d, want %d", got, genBefore+1)
	}
	if len(written) != 4 || binary.LittleEndian.Uint32(written) != 0xdeadbeef {
		t.Errorf("ConfigWrite saw %v, want the written word", written)
	}
}

type configWriteOps struct {
	fn func(offset uint32, data []byte)
}

func (configWriteOps) RecvRequest(int, uint16, int, int) int { return 0 }
func (o configWriteOps) ConfigWrite(offset uint32, data []byte) {
	if o.fn != nil {
		o.fn(offset, data)
	}
}

// Only 32-bit MMIO accesses are defined; other widths are accepted but
// ignored rather than rejected outright.
func TestCoreNonWordWidthIgnored(t *testing.T) {
	mem := make(memory, 4096)
	c := NewCore(2, 8, mem, nil, noopOps{}, nil)

	store32(c, RegQueueSel, 0)
	before := c.queues[0].Num
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], 16)
	if ok := c.Store(RegQueueNum, 2, b[:]); !ok {
		t.Error("2-byte store should still report success")
	}
	if c.queues[0].Num != before {
		t.Error("2-byte store should not have modified queue num")
	}
}
