package vfio

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Nativu5/vfio-broker/pkg/retry"
)

// Window is a BAR mapped into this process. Register accesses are atomic
// so they are neither torn nor reordered with respect to each other; the
// device is the concurrent party. Offsets must be naturally aligned.
type Window struct {
	Index int
	mem   []byte
}

func mapWindow(fd int, index int, offset int64, size int) (*Window, error) {
	mem, err := unix.Mmap(fd, offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap region %d: %w", index, err)
	}
	return &Window{Index: index, mem: mem}, nil
}

// Len returns the size of the window in bytes.
func (w *Window) Len() int { return len(w.mem) }

// Bytes exposes the raw mapping for bulk copies.
func (w *Window) Bytes() []byte { return w.mem }

func (w *Window) addr(off, width int) unsafe.Pointer {
	if off < 0 || off+width > len(w.mem) {
		panic(fmt.Sprintf("vfio: register access [%#x,+%d) outside %d-byte window", off, width, len(w.mem)))
	}
	if off%width != 0 {
		panic(fmt.Sprintf("vfio: unaligned %d-byte register access at %#x", width, off))
	}
	return unsafe.Pointer(&w.mem[off])
}

// Read32 loads a 32-bit register.
func (w *Window) Read32(off int) uint32 {
	return atomic.LoadUint32((*uint32)(w.addr(off, 4)))
}

// Write32 stores a 32-bit register.
func (w *Window) Write32(off int, v uint32) {
	atomic.StoreUint32((*uint32)(w.addr(off, 4)), v)
}

// Read64 loads a 64-bit register.
func (w *Window) Read64(off int) uint64 {
	return atomic.LoadUint64((*uint64)(w.addr(off, 8)))
}

// Write64 stores a 64-bit register.
func (w *Window) Write64(off int, v uint64) {
	atomic.StoreUint64((*uint64)(w.addr(off, 8)), v)
}

// Poll waits until the 32-bit register at off, masked with mask, equals
// want. It returns retry.ErrUnresponsive after timeout.
func (w *Window) Poll(ctx context.Context, off int, mask, want uint32, timeout time.Duration) error {
	return retry.Until(ctx, timeout, func() (bool, error) {
		return w.Read32(off)&mask == want, nil
	})
}

func (w *Window) unmap() error {
	if w.mem == nil {
		return nil
	}
	err := unix.Munmap(w.mem)
	w.mem = nil
	return err
}
