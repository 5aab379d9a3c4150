// Package registry implements a process-global device registry: a
// table mapping a device-tree compatible string to a pair
// of constructors, one that builds a device from a discovered FDT node
// plus CLI-style key=value arguments, and one that generates the DTS node
// describing the device when none was supplied.
package registry

import (
	"fmt"
	"strings"

	"github.com/rvmmio/virtio-devices/internal/bus"
	"github.com/rvmmio/virtio-devices/internal/fdt"
)

// Args is the parsed form of a device's CLI-style key=value argument
// list. Unrecognized keys are ignored by convention; a missing required
// key is the constructor's responsibility to report.
type Args map[string]string

// ParseArgs splits a list of "key=value" strings into Args. Entries
// without an '=' are ignored.
func ParseArgs(kv []string) Args {
	args := make(Args, len(kv))
	for _, s := range kv {
		k, v, ok := strings.Cut(s, "=")
		if !ok {
			continue
		}
		args[k] = v
	}
	return args
}

// Require returns args[key], or an error naming the device and key if
// it's missing.
func (a Args) Require(device, key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", fmt.Errorf("%s: missing required argument %q", device, key)
	}
	return v, nil
}

// GetDefault returns args[key], or def if key is absent.
func (a Args) GetDefault(key, def string) string {
	if v, ok := a[key]; ok {
		return v
	}
	return def
}

// ParseFDTFunc constructs a device given its discovered FDT node
// (carrying reg/interrupts) and CLI passthrough args, wired to guest
// memory and an interrupt line already resolved from the node's
// "interrupts" cell.
type ParseFDTFunc func(node fdt.Node, args Args, mem bus.GuestMemory, irq bus.IrqLine) (bus.MmioDevice, error)

// GenerateDTSFunc returns the DTS node describing a device instance at
// the given base address and interrupt line, for hosts that need to
// synthesize a tree rather than discover one.
type GenerateDTSFunc func(base uint64, irq uint32) fdt.Node

// Factory is the constructor pair a device registers under its
// compatible string.
type Factory struct {
	Compatible  string
	ParseFDT    ParseFDTFunc
	GenerateDTS GenerateDTSFunc
}

var factories = map[string]Factory{}

// Register adds f to the process-global registry, keyed by
// f.Compatible. Registering the same compatible string twice panics;
// registration happens once per device package at program init.
func Register(f Factory) {
	if _, exists := factories[f.Compatible]; exists {
		panic(fmt.Sprintf("registry: duplicate registration for %q", f.Compatible))
	}
	factories[f.Compatible] = f
}

// Lookup returns the factory registered for compat, if any.
func Lookup(compat string) (Factory, bool) {
	f, ok := factories[compat]
	return f, ok
}

// IrqResolver maps a device-tree "interrupts" cell to a bus.IrqLine,
// e.g. by looking up the corresponding PLIC input. It is supplied by the
// host, which owns the interrupt controller.
type IrqResolver func(cell uint32) bus.IrqLine

// Discover walks root depth-first and, for every node whose "compatible"
// property matches a registered factory, invokes ParseFDT with the node,
// mem unchanged, and an IrqLine resolved from the node's first
// "interrupts" cell (a no-op line if there is none or resolveIrq is nil).
// Properties are accepted both in their typed form (Strings/U32) and as
// raw wire bytes, as Parse returns them. extraArgs supplies CLI-style key=value arguments keyed by
// compatible string, for devices that need more than the tree provides
// (e.g. virtio,mmio's block backend img=/mode=).
func Discover(root fdt.Node, mem bus.GuestMemory, resolveIrq IrqResolver, extraArgs map[string]Args) ([]bus.MmioDevice, error) {
	var devices []bus.MmioDevice
	if err := discoverNode(root, mem, resolveIrq, extraArgs, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func discoverNode(n fdt.Node, mem bus.GuestMemory, resolveIrq IrqResolver, extraArgs map[string]Args, out *[]bus.MmioDevice) error {
	if prop, ok := n.Properties["compatible"]; ok {
		compats := prop.Strings
		if len(compats) == 0 {
			compats = fdt.SplitCStrings(prop.Bytes)
		}
		for _, compat := range compats {
			f, ok := Lookup(compat)
			if !ok {
				continue
			}
			irq := bus.NoopIrqLine()
			if irqProp, ok := n.Properties["interrupts"]; ok {
				cells := irqProp.U32
				if len(cells) == 0 {
					cells, _ = fdt.U32Cells(irqProp)
				}
				if len(cells) > 0 && resolveIrq != nil {
					irq = resolveIrq(cells[0])
				}
			}
			dev, err := f.ParseFDT(n, extraArgs[compat], mem, irq)
			if err != nil {
				return fmt.Errorf("registry: constructing %q: %w", compat, err)
			}
			*out = append(*out, dev)
			break
		}
	}
	for _, child := range n.Children {
		if err := discoverNode(child, mem, resolveIrq, extraArgs, out); err != nil {
			return err
		}
	}
	return nil
}
