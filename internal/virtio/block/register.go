package block

import (
	"fmt"
	"os"

	"github.com/rvmmio/virtio-devices/internal/bus"
	"github.com/rvmmio/virtio-devices/internal/fdt"
	"github.com/rvmmio/virtio-devices/internal/registry"
)

// Compatible is the device-tree compatible string VirtioBlock registers
// under.
const Compatible = "virtio,mmio"

func init() {
	registry.Register(registry.Factory{
		Compatible:  Compatible,
		ParseFDT:    parseFDT,
		GenerateDTS: generateDTS,
	})
}

// parseFDT implements registry.ParseFDTFunc. It recognizes the CLI
// passthrough keys img=<path> (required) and
// mode={ro|rw|snapshot|mem} (default rw), grounded on original_source's
// virtioblk_parse_from_fdt argument handling. mode=mem preloads the
// whole image into memory at startup rather than keeping it backed by
// the open file, for small images where avoiding per-request file I/O
// is worth the one-time load cost.
func parseFDT(_ fdt.Node, args registry.Args, mem bus.GuestMemory, irq bus.IrqLine) (bus.MmioDevice, error) {
	path, err := args.Require(Compatible, "img")
	if err != nil {
		return nil, err
	}
	modeStr := args.GetDefault("mode", "rw")

	if modeStr == "mem" {
		backend, err := loadMemBackend(path)
		if err != nil {
			return nil, err
		}
		return New(mem, irq, backend), nil
	}

	var flag int
	var blockMode Mode
	switch modeStr {
	case "ro":
		flag, blockMode = os.O_RDONLY, ModeRO
	case "rw":
		flag, blockMode = os.O_RDWR, ModeRW
	case "snapshot":
		flag, blockMode = os.O_RDONLY, ModeRO
	default:
		return nil, fmt.Errorf("%s: unrecognized mode %q", Compatible, modeStr)
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: opening %q: %w", Compatible, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%s: stat %q: %w", Compatible, path, err)
	}

	var backend Backend = NewFileBackend(f, f, f, info.Size(), blockMode)
	if modeStr == "snapshot" {
		backend = NewSnapshotBackend(backend)
	}

	return New(mem, irq, backend), nil
}

func loadMemBackend(path string) (*MemBackend, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: opening %q: %w", Compatible, path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%s: stat %q: %w", Compatible, path, err)
	}
	backend, err := LoadFile(f, info.Size(), ModeRW)
	if err != nil {
		return nil, fmt.Errorf("%s: preloading %q: %w", Compatible, path, err)
	}
	return backend, nil
}

// generateDTS implements registry.GenerateDTSFunc.
func generateDTS(base uint64, irqCell uint32) fdt.Node {
	return fdt.Node{
		Name: fmt.Sprintf("virtio_mmio@%x", base),
		Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{Compatible}},
			"reg":        {U32: []uint32{uint32(base >> 32), uint32(base), 0, 0x200}},
			"interrupts": {U32: []uint32{irqCell}},
		},
	}
}
