package bus

import "testing"

type fakeDevice struct {
	loaded, stored bool
}

func (f *fakeDevice) Load(addr uint64, length int, out []byte) bool {
	f.loaded = true
	return true
}

func (f *fakeDevice) Store(addr uint64, length int, in []byte) bool {
	f.stored = true
	return true
}

func TestRouterDispatchesToMappedDevice(t *testing.T) {
	var r Router
	dev := &fakeDevice{}
	r.Map(0x1000, 0x100, dev)

	buf := make([]byte, 4)
	if !r.Load(0x1004, 4, buf) {
		t.Fatal("Load should succeed for mapped address")
	}
	if !dev.loaded {
		t.Error("device was not dispatched to")
	}
}

func TestRouterRejectsUnmappedAddress(t *testing.T) {
	var r Router
	if r.Load(0x9999, 4, make([]byte, 4)) {
		t.Error("Load should fail for an address with no mapped device")
	}
}

func TestRouterRejectsBadWidth(t *testing.T) {
	var r Router
	dev := &fakeDevice{}
	r.Map(0x1000, 0x100, dev)
	if r.Store(0x1000, 3, make([]byte, 3)) {
		t.Error("Store with an unsupported width should be rejected at the bus")
	}
	if dev.stored {
		t.Error("device should not have been reached")
	}
}
