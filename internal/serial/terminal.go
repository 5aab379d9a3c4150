package serial

import (
	"os"

	"golang.org/x/term"
)

// TerminalReader is a NonBlockingReader backed by a real host file
// descriptor put into raw mode, so keystrokes arrive one byte at a time
// instead of being line-buffered by the host terminal driver. It relies
// on the fd having been set non-blocking by the caller; ReadByte treats
// any read error (including EAGAIN) as "nothing available" rather than
// propagating it, since this device has no way to report host I/O errors
// back through the UART register file.
type TerminalReader struct {
	f *os.File
}

// NewTerminalReader puts fd into raw mode and returns a reader over it.
// The caller is responsible for restoring the terminal state (via the
// returned term.State, if further control is needed) on shutdown.
func NewTerminalReader(fd int) (*TerminalReader, *term.State, error) {
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, nil, err
	}
	return &TerminalReader{f: os.NewFile(uintptr(fd), "uart-stdin")}, state, nil
}

// ReadByte implements NonBlockingReader.
func (r *TerminalReader) ReadByte() (byte, bool) {
	var buf [1]byte
	n, err := r.f.Read(buf[:])
	if err != nil || n == 0 {
		return 0, false
	}
	return buf[0], true
}
