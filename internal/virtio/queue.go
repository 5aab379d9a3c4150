package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/rvmmio/virtio-devices/internal/bus"
)

// Queue holds the state VirtioCore owns for a single virtqueue slot. It
// carries no behavior of its own; the algorithms that operate on it live
// in the engine functions below (ReadDescriptor, MemcpyToFromQueue,
// DescRWSize, PollAvail, ConsumeUsed), each taking the queue and a
// GuestMemory explicitly rather than hanging off a method receiver.
type Queue struct {
	Ready        bool
	Num          uint32
	LastAvailIdx uint16
	DescAddr     uint64
	AvailAddr    uint64
	UsedAddr     uint64

	// ManualRecv marks queues whose front end drives completion out of
	// band instead of via the avail-ring poll loop (reserved for
	// networking front ends; honored as a no-op by PollAvail here since
	// no networking device is implemented).
	ManualRecv bool

	usedIdx uint16
}

// Descriptor is the 16-byte wire representation of one virtqueue
// descriptor entry.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// ReadDescriptor reads descriptor index idx from q's descriptor table.
func ReadDescriptor(mem bus.GuestMemory, q *Queue, idx uint16) (Descriptor, error) {
	var buf [descSize]byte
	off := q.DescAddr + uint64(idx)*descSize
	if _, err := mem.ReadAt(buf[:], int64(off)); err != nil {
		return Descriptor{}, fmt.Errorf("virtio: read descriptor %d: %w", idx, err)
	}
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// pageSize bounds how large a single guest-memory copy within
// MemcpyToFromQueue is allowed to be before it's split; the engine never
// assumes a copy spanning a page boundary is atomic on the host side.
const pageSize = 4096

// MemcpyToFromQueue copies buf to (toQueue=true) or from (toQueue=false)
// the descriptor chain starting at head, beginning offset bytes into the
// chain's data stream. It returns the number of bytes copied and an error
// if the chain is malformed: the direction of descriptors encountered
// doesn't match toQueue for the full requested length, or the chain ends
// (no NEXT flag) before offset+len(buf) bytes have been accounted for.
func MemcpyToFromQueue(mem bus.GuestMemory, q *Queue, head uint16, offset int, buf []byte, toQueue bool) (int, error) {
	remaining := offset
	copied := 0
	idx := head
	visited := 0
	foundDirection := false

	for {
		if visited > int(q.Num)+1 {
			return copied, fmt.Errorf("virtio: descriptor chain loop at head %d", head)
		}
		visited++

		d, err := ReadDescriptor(mem, q, idx)
		if err != nil {
			return copied, err
		}
		descWrite := d.Flags&DescFlagWrite != 0

		if !foundDirection {
			if descWrite != toQueue {
				// Not yet reached a descriptor of the target direction;
				// it belongs to an earlier part of the chain (e.g. a
				// read-only request header preceding writable data).
				if d.Flags&DescFlagNext == 0 {
					return copied, fmt.Errorf("virtio: descriptor chain exhausted at head %d without reaching a %s descriptor", head, directionName(toQueue))
				}
				idx = d.Next
				continue
			}
			foundDirection = true
		} else if descWrite != toQueue {
			if copied < len(buf) {
				return copied, fmt.Errorf("virtio: descriptor chain direction mismatch at head %d", head)
			}
			return copied, nil
		}

		segLen := int(d.Len)
		if remaining >= segLen {
			remaining -= segLen
		} else {
			start := remaining
			n := segLen - start
			if n > len(buf)-copied {
				n = len(buf) - copied
			}
			if n > 0 {
				if err := copyGuest(mem, d.Addr+uint64(start), buf[copied:copied+n], toQueue); err != nil {
					return copied, err
				}
				copied += n
			}
			remaining = 0
			if copied == len(buf) {
				return copied, nil
			}
		}

		if d.Flags&DescFlagNext == 0 {
			if copied < len(buf) {
				return copied, fmt.Errorf("virtio: descriptor chain exhausted at head %d with %d bytes remaining", head, len(buf)-copied)
			}
			return copied, nil
		}
		idx = d.Next
	}
}

func directionName(toQueue bool) string {
	if toQueue {
		return "writable"
	}
	return "readable"
}

// copyGuest moves n bytes between guest address addr and buf, splitting
// the access at page boundaries.
func copyGuest(mem bus.GuestMemory, addr uint64, buf []byte, toGuest bool) error {
	off := 0
	for off < len(buf) {
		spaceInPage := pageSize - int((addr+uint64(off))%pageSize)
		n := len(buf) - off
		if n > spaceInPage {
			n = spaceInPage
		}
		var err error
		if toGuest {
			_, err = mem.WriteAt(buf[off:off+n], int64(addr)+int64(off))
		} else {
			_, err = mem.ReadAt(buf[off:off+n], int64(addr)+int64(off))
		}
		if err != nil {
			return fmt.Errorf("virtio: guest memory access at 0x%x: %w", addr+uint64(off), err)
		}
		off += n
	}
	return nil
}

// DescRWSize walks the descriptor chain starting at head once, returning
// the total number of readable (driver-to-device) and writable
// (device-to-driver) bytes. A chain is malformed if a read-flagged
// descriptor follows a write-flagged one; DescRWSize reports that as an
// error.
func DescRWSize(mem bus.GuestMemory, q *Queue, head uint16) (readSize, writeSize int, err error) {
	idx := head
	seenWrite := false
	visited := 0
	for {
		if visited > int(q.Num)+1 {
			return 0, 0, fmt.Errorf("virtio: descriptor chain loop at head %d", head)
		}
		visited++

		d, rerr := ReadDescriptor(mem, q, idx)
		if rerr != nil {
			return 0, 0, rerr
		}
		write := d.Flags&DescFlagWrite != 0
		if write {
			seenWrite = true
			writeSize += int(d.Len)
		} else {
			if seenWrite {
				return 0, 0, fmt.Errorf("virtio: malformed descriptor chain at head %d: read descriptor follows write descriptor", head)
			}
			readSize += int(d.Len)
		}
		if d.Flags&DescFlagIndirect != 0 {
			return 0, 0, fmt.Errorf("virtio: indirect descriptors not implemented (head %d)", head)
		}
		if d.Flags&DescFlagNext == 0 {
			return readSize, writeSize, nil
		}
		idx = d.Next
	}
}

// RecvFunc is invoked once per available descriptor chain head discovered
// by PollAvail. It returns a negative value to stop the poll loop without
// advancing past head (the device is busy and will be re-kicked), or a
// value >= 0 to advance past head; 0 means the chain was consumed
// synchronously or handed off for asynchronous completion.
type RecvFunc func(head uint16, readSize, writeSize int) int

// PollAvail walks the available ring from q.LastAvailIdx to the driver's
// current avail.idx, invoking recv for each head it finds. The first
// time recv returns a negative value it stops early, without advancing
// LastAvailIdx past that head.
func PollAvail(mem bus.GuestMemory, q *Queue, recv RecvFunc) error {
	if q.ManualRecv {
		return nil
	}

	var idxBuf [2]byte
	if _, err := mem.ReadAt(idxBuf[:], int64(q.AvailAddr+2)); err != nil {
		return fmt.Errorf("virtio: read avail.idx: %w", err)
	}
	availIdx := binary.LittleEndian.Uint16(idxBuf[:])

	for i := q.LastAvailIdx; i != availIdx; i++ {
		slot := uint64(i % uint16(q.Num))
		var headBuf [2]byte
		if _, err := mem.ReadAt(headBuf[:], int64(q.AvailAddr+4+slot*2)); err != nil {
			return fmt.Errorf("virtio: read avail ring entry: %w", err)
		}
		head := binary.LittleEndian.Uint16(headBuf[:])

		readSize, writeSize, err := DescRWSize(mem, q, head)
		if err != nil {
			readSize, writeSize = 0, 0
		}

		// LastAvailIdx advances before recv is called, not after: recv may
		// (and for a synchronous device completion, does) re-enter
		// PollAvail through a Renotify call made while still inside this
		// callback. Advancing first means that re-entrant poll sees head
		// as already consumed instead of re-offering it.
		q.LastAvailIdx = i + 1
		ret := recv(head, readSize, writeSize)
		if ret < 0 {
			q.LastAvailIdx = i
			return nil
		}
	}
	return nil
}

// ConsumeUsed publishes a used-ring entry (head, len) to the queue's used
// ring, writing the entry before incrementing used.idx so an observer
// never sees an incremented index with stale entry data. The caller is
// responsible for checking q.Ready before calling this: after a reset
// the queue may no longer be ready even though an in-flight async
// request still has a completion pending.
func ConsumeUsed(mem bus.GuestMemory, q *Queue, head uint16, length uint32) error {
	slot := uint64(q.usedIdx % uint16(q.Num))
	var entry [8]byte
	binary.LittleEndian.PutUint32(entry[0:4], uint32(head))
	binary.LittleEndian.PutUint32(entry[4:8], length)
	if _, err := mem.WriteAt(entry[:], int64(q.UsedAddr+4+slot*8)); err != nil {
		return fmt.Errorf("virtio: write used entry: %w", err)
	}

	q.usedIdx++
	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], q.usedIdx)
	if _, err := mem.WriteAt(idxBuf[:], int64(q.UsedAddr+2)); err != nil {
		return fmt.Errorf("virtio: write used.idx: %w", err)
	}
	return nil
}

// Reset clears all per-queue state, as required by a write of 0 to the
// STATUS register.
func (q *Queue) Reset() {
	*q = Queue{}
}
