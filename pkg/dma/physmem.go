package dma

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// PhysAllocator hands out physically contiguous memory. Memory is only
// returned all at once.
type PhysAllocator interface {
	// Alloc returns size bytes mapped into the process and their
	// physical address.
	Alloc(size uint64) (mem []byte, phys uint64, err error)
	// ReleaseAll frees every allocation.
	ReleaseAll() error
}

// ErrNoPFN means the kernel hid page frame numbers, which it does for
// processes without CAP_SYS_ADMIN.
var ErrNoPFN = errors.New("pagemap hides page frame numbers (CAP_SYS_ADMIN required)")

var pagemapPath = "/proc/self/pagemap"

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

// HugePagePhysAllocator carves allocations out of locked huge pages.
// A huge page is physically contiguous, so a request must fit one page.
type HugePagePhysAllocator struct {
	pages  [][]byte
	cur    []byte
	curOff uint64
}

// NewHugePagePhysAllocator returns an allocator with no pages reserved.
func NewHugePagePhysAllocator() *HugePagePhysAllocator {
	return &HugePagePhysAllocator{}
}

func (a *HugePagePhysAllocator) Alloc(size uint64) ([]byte, uint64, error) {
	if size == 0 || size > HugePageSize {
		return nil, 0, fmt.Errorf("physical allocation of %d bytes does not fit a %d-byte huge page", size, HugePageSize)
	}
	if a.cur == nil || a.curOff+size > HugePageSize {
		page, err := unix.Mmap(-1, 0, HugePageSize, unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_HUGETLB|unix.MAP_POPULATE|unix.MAP_LOCKED)
		if err != nil {
			return nil, 0, fmt.Errorf("mmap huge page: %w", err)
		}
		a.pages = append(a.pages, page)
		a.cur, a.curOff = page, 0
	}

	mem := a.cur[a.curOff : a.curOff+size : a.curOff+size]
	phys, err := virtToPhys(uintptr(unsafe.Pointer(&mem[0])))
	if err != nil {
		return nil, 0, err
	}
	a.curOff = roundUp(a.curOff+size, uint64(os.Getpagesize()))
	log.Debugf("dma: physical chunk of %d bytes at %#x", size, phys)
	return mem, phys, nil
}

func (a *HugePagePhysAllocator) ReleaseAll() error {
	var errs []error
	for _, p := range a.pages {
		if err := unix.Munmap(p); err != nil {
			errs = append(errs, err)
		}
	}
	log.Debugf("dma: released %d huge page(s)", len(a.pages))
	a.pages, a.cur, a.curOff = nil, nil, 0
	return errors.Join(errs...)
}

func virtToPhys(vaddr uintptr) (uint64, error) {
	f, err := os.Open(pagemapPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return translate(f, vaddr, uint64(os.Getpagesize()))
}

// translate looks vaddr up in a pagemap file.
func translate(pagemap io.ReaderAt, vaddr uintptr, pageSize uint64) (uint64, error) {
	var entry [8]byte
	if _, err := pagemap.ReadAt(entry[:], int64(uint64(vaddr)/pageSize*8)); err != nil {
		return 0, fmt.Errorf("read pagemap entry for %#x: %w", vaddr, err)
	}
	e := binary.LittleEndian.Uint64(entry[:])
	if e&pagemapPresent == 0 {
		return 0, fmt.Errorf("page at %#x is not present", vaddr)
	}
	pfn := e & pagemapPFNMask
	if pfn == 0 {
		return 0, ErrNoPFN
	}
	return pfn*pageSize + uint64(vaddr)%pageSize, nil
}
