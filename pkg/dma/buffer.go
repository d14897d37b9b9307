package dma

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kind selects how the memory behind a mapping is obtained.
type Kind int

const (
	// KindHeap is anonymous private memory.
	KindHeap Kind = iota
	// KindShared is a memfd mapped shared; the memfd can be passed to
	// another process.
	KindShared
	// KindHugePage is anonymous memory backed by huge pages.
	KindHugePage
	// KindPhysical is physically contiguous memory from a PhysAllocator.
	// It is the only kind usable without an IOMMU.
	KindPhysical
)

func (k Kind) String() string {
	switch k {
	case KindHeap:
		return "heap"
	case KindShared:
		return "shared"
	case KindHugePage:
		return "hugepage"
	case KindPhysical:
		return "physical"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind parses the names printed by Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindHeap, KindShared, KindHugePage, KindPhysical} {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown buffer kind %q: use heap, shared, hugepage or physical", s)
}

// HugePageSize is the huge page size used for KindHugePage and the
// physical allocator.
const HugePageSize = 2 << 20

// buffer is the memory behind one mapping.
type buffer struct {
	kind  Kind
	mem   []byte
	memfd *os.File
	phys  uint64
}

func (b *buffer) addr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&b.mem[0])))
}

func allocBuffer(kind Kind, size uint64) (*buffer, error) {
	switch kind {
	case KindHeap:
		mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
		}
		return &buffer{kind: kind, mem: mem}, nil

	case KindShared:
		fd, err := unix.MemfdCreate("vfio-dma", unix.MFD_CLOEXEC)
		if err != nil {
			return nil, fmt.Errorf("memfd_create: %w", err)
		}
		f := os.NewFile(uintptr(fd), "vfio-dma")
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("ftruncate memfd: %w", err)
		}
		mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("mmap memfd: %w", err)
		}
		return &buffer{kind: kind, mem: mem, memfd: f}, nil

	case KindHugePage:
		size = roundUp(size, HugePageSize)
		mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_HUGETLB|unix.MAP_POPULATE)
		if err != nil {
			return nil, fmt.Errorf("mmap %d bytes of huge pages: %w", size, err)
		}
		return &buffer{kind: kind, mem: mem}, nil
	}
	return nil, fmt.Errorf("cannot allocate %s buffer directly", kind)
}

// free releases a buffer this package allocated. Physical buffers belong
// to their PhysAllocator.
func (b *buffer) free() error {
	if b.kind == KindPhysical || b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	if b.memfd != nil {
		if cerr := b.memfd.Close(); err == nil {
			err = cerr
		}
		b.memfd = nil
	}
	return err
}

func roundUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
