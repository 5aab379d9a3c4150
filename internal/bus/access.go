package bus

import "golang.org/x/sys/unix"

// ErrBadWidth and ErrOutOfWindow classify the two ways an MMIO access can
// be rejected before it ever reaches a device's Load/Store, mirroring the
// errno-style sentinel errors a host-side bus dispatcher reports to its
// caller. MmioDevice.Load/Store themselves stay boolean: a device
// tolerates bad width by zero-filling/ignoring rather than failing, but
// a dispatcher sitting in front of many devices wants a typed reason to
// log or translate into a bus fault for the guest.
var (
	ErrBadWidth    = unix.EINVAL
	ErrOutOfWindow = unix.EPERM
)

// CheckAccess validates addr/length against a device's MMIO window before
// a host dispatcher calls Load or Store, returning ErrBadWidth or
// ErrOutOfWindow if the access should be rejected outright rather than
// forwarded to the device.
func CheckAccess(addr uint64, length int, windowSize uint64) error {
	if length != 1 && length != 2 && length != 4 && length != 8 {
		return ErrBadWidth
	}
	if addr >= windowSize {
		return ErrOutOfWindow
	}
	return nil
}
