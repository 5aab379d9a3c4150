package serial

import (
	"fmt"
	"os"

	"github.com/rvmmio/virtio-devices/internal/bus"
	"github.com/rvmmio/virtio-devices/internal/fdt"
	"github.com/rvmmio/virtio-devices/internal/registry"
)

// Compatible is the device-tree compatible string SifiveUart registers
// under, grounded on original_source/sifive_uart.cc's REGISTER_DEVICE
// invocation.
const Compatible = "sifive,uart0"

func init() {
	registry.Register(registry.Factory{
		Compatible:  Compatible,
		ParseFDT:    parseFDT,
		GenerateDTS: generateDTS,
	})
}

// parseFDT implements registry.ParseFDTFunc. The UART has no recognized
// CLI arguments; it always drives the host's stdin/stdout. Stdin is put
// into raw mode so keystrokes reach the guest one byte at a time; if
// stdin isn't a terminal (e.g. piped input in tests or CI), the device
// falls back to polling no input at all rather than failing to start.
func parseFDT(_ fdt.Node, _ registry.Args, _ bus.GuestMemory, irq bus.IrqLine) (bus.MmioDevice, error) {
	in, _, err := NewTerminalReader(int(os.Stdin.Fd()))
	if err != nil {
		return New(os.Stdout, nil, irq), nil
	}
	return New(os.Stdout, in, irq), nil
}

// generateDTS implements registry.GenerateDTSFunc.
func generateDTS(base uint64, irqCell uint32) fdt.Node {
	return fdt.Node{
		Name: fmt.Sprintf("uart@%x", base),
		Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{Compatible}},
			"reg":        {U32: []uint32{uint32(base >> 32), uint32(base), 0, Window}},
			"interrupts": {U32: []uint32{irqCell}},
		},
	}
}
