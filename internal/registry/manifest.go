package registry

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/rvmmio/virtio-devices/internal/bus"
	"github.com/rvmmio/virtio-devices/internal/fdt"
)

// manifestNode synthesizes the minimal FDT node a ParseFDTFunc expects
// (reg, interrupts) from a manifest entry, so the same constructors serve
// both discovery paths.
func manifestNode(e ManifestEntry) fdt.Node {
	return fdt.Node{
		Name: e.Compatible,
		Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{e.Compatible}},
			"reg":        {U32: []uint32{uint32(e.Base >> 32), uint32(e.Base)}},
			"interrupts": {U32: []uint32{e.Irq}},
		},
	}
}

// ManifestEntry describes one device to attach, as an alternative to FDT
// discovery for hosts that don't build a full device tree.
type ManifestEntry struct {
	Compatible string   `yaml:"compatible"`
	Base       uint64   `yaml:"base"`
	Irq        uint32   `yaml:"irq"`
	Args       []string `yaml:"args"`
}

// Manifest is a flat list of devices to attach at startup.
type Manifest struct {
	Devices []ManifestEntry `yaml:"devices"`
}

// LoadManifest decodes a device manifest from r.
func LoadManifest(r io.Reader) (Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("registry: decode manifest: %w", err)
	}
	return m, nil
}

// Attach constructs every device named in m, resolving each entry's
// interrupt line via resolveIrq and passing its "args" through as
// key=value CLI-style arguments.
func (m Manifest) Attach(mem bus.GuestMemory, resolveIrq IrqResolver) ([]bus.MmioDevice, error) {
	devices := make([]bus.MmioDevice, 0, len(m.Devices))
	for _, entry := range m.Devices {
		f, ok := Lookup(entry.Compatible)
		if !ok {
			return nil, fmt.Errorf("registry: no device registered for %q", entry.Compatible)
		}
		irq := bus.NoopIrqLine()
		if resolveIrq != nil {
			irq = resolveIrq(entry.Irq)
		}
		dev, err := f.ParseFDT(manifestNode(entry), ParseArgs(entry.Args), mem, irq)
		if err != nil {
			return nil, fmt.Errorf("registry: constructing %q: %w", entry.Compatible, err)
		}
		devices = append(devices, dev)
	}
	return devices, nil
}
