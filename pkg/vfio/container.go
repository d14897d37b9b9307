package vfio

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"os"
	"unsafe"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/vfio-broker/pkg/iova"
	"github.com/Nativu5/vfio-broker/pkg/sysfs"
	"github.com/Nativu5/vfio-broker/pkg/types"
)

// IOVAAllocator hands out IOVA space of one container. In direct mode and
// inside the broker it is a local tracker; broker clients reserve through
// the broker so every container keeps a single tracker.
type IOVAAllocator interface {
	AllocateIOVA(dma types.DMACapability, size uint64) (iova.Region, bool, error)
	FreeIOVA(r iova.Region) error
}

// trackerAllocator serves IOVA from a local tracker under a fixed policy.
type trackerAllocator struct {
	tracker *iova.Tracker
	policy  iova.Policy
}

func (a *trackerAllocator) AllocateIOVA(dma types.DMACapability, size uint64) (iova.Region, bool, error) {
	r, ok := a.tracker.AllocateFor(dma, size, a.policy)
	return r, ok, nil
}

func (a *trackerAllocator) FreeIOVA(r iova.Region) error {
	return a.tracker.Free(r)
}

// Container is an open /dev/vfio/vfio: one IOMMU address space shared by
// every group attached to it.
type Container struct {
	file      *os.File
	mode      IOMMUMode
	pageSizes uint64
	ranges    []iova.Range
	tracker   *iova.Tracker
	alloc     IOVAAllocator
	groups    []*Group
}

// openContainer opens the container control file and checks the API
// version. No IOMMU type is selected until the first group is attached.
func openContainer() (*Container, error) {
	f, err := os.OpenFile(sysfs.ContainerPath(), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open VFIO container: %w", err)
	}
	v, err := ioctl(f, vfioGetAPIVersion, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	if v != apiVersion {
		f.Close()
		return nil, fmt.Errorf("%w: kernel %d, want %d", ErrAPIVersion, v, apiVersion)
	}
	return &Container{file: f}, nil
}

// AdoptContainer wraps a container descriptor received from the broker.
// The tracker stays with the process that set the IOMMU type, so the
// adopted container serves no IOVA until given an allocator with
// WithAllocator.
func AdoptContainer(f *os.File, mode IOMMUMode) (*Container, error) {
	c := &Container{file: f, mode: mode}
	if mode == ModeNoIOMMU {
		return c, nil
	}
	if err := c.queryInfo(); err != nil {
		return nil, err
	}
	return c, nil
}

// WithAllocator returns a view of c that reserves IOVA through alloc.
// The view shares the descriptor and the groups; close c, not the view.
func (c *Container) WithAllocator(alloc IOVAAllocator) *Container {
	v := *c
	v.alloc = alloc
	return &v
}

// setIOMMU selects the first IOMMU type the container supports and seeds
// the tracker from the ranges the IOMMU reports.
func (c *Container) setIOMMU(policy iova.Policy) error {
	for _, m := range modePreference {
		ok, err := ioctl(c.file, vfioCheckExtension, uintptr(m))
		if err != nil {
			return err
		}
		if ok == 0 {
			continue
		}
		if _, err := ioctl(c.file, vfioSetIOMMU, uintptr(m)); err != nil {
			return err
		}
		c.mode = m
		break
	}
	if c.mode == ModeNone {
		return ErrNoIOMMUType
	}
	if c.mode == ModeNoIOMMU {
		log.Warnf("VFIO container running without IOMMU protection")
		return nil
	}
	if err := c.queryInfo(); err != nil {
		return err
	}
	c.tracker = iova.NewTracker()
	if err := c.tracker.Seed(c.ranges); err != nil {
		return err
	}
	c.alloc = &trackerAllocator{tracker: c.tracker, policy: policy}
	log.Infof("VFIO container uses %s, page sizes %#x, %d IOVA range(s)", c.mode, c.pageSizes, len(c.ranges))
	return nil
}

func (c *Container) queryInfo() error {
	buf := make([]byte, unsafe.Sizeof(iommuType1Info{}))
	binary.NativeEndian.PutUint32(buf, uint32(len(buf)))
	if _, err := ioctlPtr(c.file, vfioIOMMUGetInfo, unsafe.Pointer(&buf[0])); err != nil {
		return err
	}
	if argsz := binary.NativeEndian.Uint32(buf); int(argsz) > len(buf) {
		buf = make([]byte, argsz)
		binary.NativeEndian.PutUint32(buf, argsz)
		if _, err := ioctlPtr(c.file, vfioIOMMUGetInfo, unsafe.Pointer(&buf[0])); err != nil {
			return err
		}
	}
	pageSizes, ranges, err := parseIOMMUInfo(buf)
	if err != nil {
		return err
	}
	c.pageSizes, c.ranges = pageSizes, ranges
	return nil
}

// parseIOMMUInfo decodes a vfio_iommu_type1_info buffer including its
// capability chain. Without an IOVA range capability the whole 64-bit
// space is reported as usable.
func parseIOMMUInfo(buf []byte) (uint64, []iova.Range, error) {
	const hdrSize = 24
	if len(buf) < hdrSize {
		return 0, nil, fmt.Errorf("iommu info: short buffer (%d bytes)", len(buf))
	}
	ne := binary.NativeEndian
	flags := ne.Uint32(buf[4:])
	var pageSizes uint64
	if flags&iommuInfoPgSizes != 0 {
		pageSizes = ne.Uint64(buf[8:])
	}
	var ranges []iova.Range
	if flags&iommuInfoCaps != 0 {
		for off := ne.Uint32(buf[16:]); off != 0; {
			if int(off)+8 > len(buf) {
				return 0, nil, fmt.Errorf("iommu info: capability at %d outside buffer", off)
			}
			id := ne.Uint16(buf[off:])
			next := ne.Uint32(buf[off+4:])
			if id == iommuCapIOVARange {
				r, err := parseIOVARanges(buf, int(off)+8)
				if err != nil {
					return 0, nil, err
				}
				ranges = append(ranges, r...)
			}
			if next != 0 && next <= off {
				return 0, nil, fmt.Errorf("iommu info: capability chain loops at %d", off)
			}
			off = next
		}
	}
	if len(ranges) == 0 {
		ranges = []iova.Range{{Start: 0, End: math.MaxUint64}}
	}
	return pageSizes, ranges, nil
}

func parseIOVARanges(buf []byte, off int) ([]iova.Range, error) {
	ne := binary.NativeEndian
	if off+8 > len(buf) {
		return nil, fmt.Errorf("iommu info: truncated IOVA range capability")
	}
	n := int(ne.Uint32(buf[off:]))
	off += 8
	if off+n*16 > len(buf) {
		return nil, fmt.Errorf("iommu info: %d IOVA ranges do not fit the buffer", n)
	}
	ranges := make([]iova.Range, 0, n)
	for i := 0; i < n; i++ {
		ranges = append(ranges, iova.Range{
			Start: ne.Uint64(buf[off:]),
			End:   ne.Uint64(buf[off+8:]),
		})
		off += 16
	}
	return ranges, nil
}

// Mode returns the IOMMU type of the container.
func (c *Container) Mode() IOMMUMode { return c.mode }

// File returns the container descriptor.
func (c *Container) File() *os.File { return c.file }

// NoIOMMU reports whether DMA addresses are physical addresses.
func (c *Container) NoIOMMU() bool { return c.mode == ModeNoIOMMU }

// PageSizes returns the bitmap of IOMMU page sizes.
func (c *Container) PageSizes() uint64 { return c.pageSizes }

// MinPageSize returns the smallest IOMMU page size, or the host page size
// when the container does no translation.
func (c *Container) MinPageSize() uint64 {
	if c.mode == ModeNoIOMMU || c.pageSizes == 0 {
		return uint64(os.Getpagesize())
	}
	return 1 << bits.TrailingZeros64(c.pageSizes)
}

// Ranges returns the IOVA ranges the IOMMU accepts.
func (c *Container) Ranges() []iova.Range { return c.ranges }

// Tracker returns the container's IOVA tracker, nil for adopted or
// No-IOMMU containers.
func (c *Container) Tracker() *iova.Tracker { return c.tracker }

// Groups returns the groups attached to the container.
func (c *Container) Groups() []*Group { return c.groups }

// GroupNumbers returns the IOMMU group numbers attached to the container.
func (c *Container) GroupNumbers() []int {
	nums := make([]int, 0, len(c.groups))
	for _, g := range c.groups {
		nums = append(nums, g.Number)
	}
	return nums
}

// AllocateIOVA reserves size bytes of IOVA for a device of the given
// capability. ok is false when no free region fits.
func (c *Container) AllocateIOVA(dma types.DMACapability, size uint64) (iova.Region, bool, error) {
	if c.alloc == nil {
		return iova.Region{}, false, fmt.Errorf("container in %s mode has no IOVA allocator", c.mode)
	}
	return c.alloc.AllocateIOVA(dma, size)
}

// FreeIOVA returns a reservation made by AllocateIOVA.
func (c *Container) FreeIOVA(r iova.Region) error {
	if c.alloc == nil {
		return fmt.Errorf("container in %s mode has no IOVA allocator", c.mode)
	}
	return c.alloc.FreeIOVA(r)
}

// MapDMA registers [vaddr, vaddr+size) of this process at iova.
func (c *Container) MapDMA(vaddr, iova, size uint64, perm DMAPerm) error {
	m := dmaMap{
		argsz: uint32(unsafe.Sizeof(dmaMap{})),
		flags: uint32(perm),
		vaddr: vaddr,
		iova:  iova,
		size:  size,
	}
	_, err := ioctlPtr(c.file, vfioIOMMUMapDMA, unsafe.Pointer(&m))
	return err
}

// UnmapDMA removes the mapping at [iova, iova+size).
func (c *Container) UnmapDMA(iova, size uint64) error {
	u := dmaUnmap{
		argsz: uint32(unsafe.Sizeof(dmaUnmap{})),
		iova:  iova,
		size:  size,
	}
	_, err := ioctlPtr(c.file, vfioIOMMUUnmapDMA, unsafe.Pointer(&u))
	return err
}

// Close closes the container descriptor. Groups must be closed first.
func (c *Container) Close() error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}
