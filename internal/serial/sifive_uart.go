// Package serial implements the SiFive UART MMIO device.
package serial

import (
	"encoding/binary"
	"io"
	"log/slog"

	"github.com/rvmmio/virtio-devices/internal/bus"
)

// MMIO register offsets within the UART's 0x1000-byte window.
const (
	regTXFIFO = 0x00
	regRXFIFO = 0x04
	regTXCTRL = 0x08
	regRXCTRL = 0x0c
	regIE     = 0x10
	regIP     = 0x14
	regDIV    = 0x18
)

// Window is the size of the UART's MMIO region.
const Window = 0x1000

// rxFIFOSize bounds the software receive FIFO; bytes polled from the host
// beyond this capacity are dropped rather than blocking the tick loop.
const rxFIFOSize = 8

const rxFIFOEmpty = 0x8000_0000

// ipTX and ipRX are the bit positions of IP/IE: transmit-ready and
// receive-pending.
const (
	ipTX = 1 << 0
	ipRX = 1 << 1
)

// SifiveUart models a single SiFive UART0 instance. Output bytes are
// written straight to Out; input bytes are supplied by the host by
// calling Tick, which polls In non-blockingly, matching the original
// device's per-tick stdin poll.
type SifiveUart struct {
	Out io.Writer
	In  NonBlockingReader
	Irq bus.IrqLine

	rxFIFO []byte
	txctrl uint32
	rxctrl uint32
	ie     uint32
	div    uint32
}

// NonBlockingReader reads at most one byte without blocking, returning
// ok=false if nothing is currently available. A real terminal-backed
// implementation wraps a raw-mode fd in a non-blocking read; tests supply
// one backed by a plain queue.
type NonBlockingReader interface {
	ReadByte() (b byte, ok bool)
}

// New constructs a SifiveUart writing to out and polling in for input.
// irq may be nil, in which case interrupt levels are discarded.
func New(out io.Writer, in NonBlockingReader, irq bus.IrqLine) *SifiveUart {
	if irq == nil {
		irq = bus.NoopIrqLine()
	}
	return &SifiveUart{Out: out, In: in, Irq: irq}
}

// Tick polls for one byte of host input and, if present, appends it to
// the software receive FIFO (dropping it if the FIFO is full), then
// recomputes interrupt state. The host calls this once per simulated
// time step.
func (u *SifiveUart) Tick() {
	if u.In == nil {
		return
	}
	if b, ok := u.In.ReadByte(); ok {
		if len(u.rxFIFO) < rxFIFOSize {
			u.rxFIFO = append(u.rxFIFO, b)
		}
	}
	u.updateInterrupts()
}

func (u *SifiveUart) updateInterrupts() {
	u.Irq.Raise(u.interruptPending())
}

func (u *SifiveUart) ip() uint32 {
	ip := uint32(ipTX)
	if len(u.rxFIFO) > 0 {
		ip |= ipRX
	}
	return ip
}

func (u *SifiveUart) interruptPending() bool {
	return u.ie&u.ip() != 0
}

// Load implements bus.MmioDevice.
func (u *SifiveUart) Load(addr uint64, length int, out []byte) bool {
	if addr >= Window {
		return false
	}
	if length != 4 {
		for i := range out {
			out[i] = 0
		}
		return true
	}
	var v uint32
	switch addr {
	case regTXFIFO:
		v = 0
	case regRXFIFO:
		if len(u.rxFIFO) > 0 {
			v = uint32(u.rxFIFO[0])
			u.rxFIFO = u.rxFIFO[1:]
			u.updateInterrupts()
		} else {
			v = rxFIFOEmpty
		}
	case regTXCTRL:
		v = u.txctrl
	case regRXCTRL:
		v = u.rxctrl
	case regIE:
		v = u.ie
	case regIP:
		v = u.ip()
	case regDIV:
		v = u.div
	default:
		slog.Warn("sifive uart: load from unknown offset", "addr", addr)
		v = 0
	}
	binary.LittleEndian.PutUint32(out, v)
	return true
}

// Store implements bus.MmioDevice.
func (u *SifiveUart) Store(addr uint64, length int, in []byte) bool {
	if addr >= Window {
		return false
	}
	if length != 4 {
		return true
	}
	v := binary.LittleEndian.Uint32(in)
	switch addr {
	case regTXFIFO:
		if u.Out != nil {
			u.Out.Write([]byte{byte(v)})
		}
	case regRXFIFO:
		// Read-only; writes are ignored.
	case regTXCTRL:
		u.txctrl = v
	case regRXCTRL:
		u.rxctrl = v
	case regIE:
		u.ie = v
		u.updateInterrupts()
	case regIP:
		// IP is computed, not stored; writes are ignored.
	case regDIV:
		u.div = v
	default:
		slog.Warn("sifive uart: store to unknown offset", "addr", addr)
	}
	return true
}
