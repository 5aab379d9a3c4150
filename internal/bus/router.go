package bus

import "sort"

// region is one device's claim on the MMIO address space.
type region struct {
	base, size uint64
	dev        MmioDevice
}

// Router dispatches MMIO loads/stores to whichever registered device
// claims the target address, grounded on the dispatcher idiom in
// c35s-hype/virtio/mmio/bus.go. It is the minimal stand-in for a full
// simulator bus, just enough to exercise MmioDevice end to end.
type Router struct {
	regions []region
}

// Map registers dev as owning [base, base+size).
func (r *Router) Map(base, size uint64, dev MmioDevice) {
	r.regions = append(r.regions, region{base: base, size: size, dev: dev})
	sort.Slice(r.regions, func(i, j int) bool { return r.regions[i].base < r.regions[j].base })
}

func (r *Router) find(addr uint64) *region {
	for i := range r.regions {
		reg := &r.regions[i]
		if addr >= reg.base && addr < reg.base+reg.size {
			return reg
		}
	}
	return nil
}

// Load dispatches to the device mapped at addr. It returns false (a bus
// error the caller should surface to the guest) if no device claims addr
// or the access fails CheckAccess.
func (r *Router) Load(addr uint64, length int, out []byte) bool {
	reg := r.find(addr)
	if reg == nil {
		return false
	}
	if err := CheckAccess(addr-reg.base, length, reg.size); err != nil {
		return false
	}
	return reg.dev.Load(addr-reg.base, length, out)
}

// Store dispatches to the device mapped at addr, with the same bus-fault
// semantics as Load.
func (r *Router) Store(addr uint64, length int, in []byte) bool {
	reg := r.find(addr)
	if reg == nil {
		return false
	}
	if err := CheckAccess(addr-reg.base, length, reg.size); err != nil {
		return false
	}
	return reg.dev.Store(addr-reg.base, length, in)
}
