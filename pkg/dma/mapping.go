// Package dma allocates buffers a device can reach by DMA.
//
// A Manager reserves IOVA space from the device's container, obtains the
// memory and registers the translation with the IOMMU. Without an IOMMU
// the device sees physical addresses, so only physically contiguous
// buffers can be handed out and their physical address doubles as IOVA.
package dma

import (
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/vfio-broker/pkg/iova"
	"github.com/Nativu5/vfio-broker/pkg/types"
	"github.com/Nativu5/vfio-broker/pkg/vfio"
)

var (
	// ErrNoSpace means the container has no IOVA range large enough.
	ErrNoSpace = errors.New("no IOVA space left")
	// ErrMappingFull means a sub-allocation does not fit the mapping.
	ErrMappingFull = errors.New("mapping full")
	// ErrFreed is returned when a mapping is freed twice.
	ErrFreed = errors.New("mapping already freed")
)

// chunkAlign is the boundary AlignNext rounds the cursor to.
const chunkAlign = 64

// Mapper is the container side of a mapping. *vfio.Container implements
// it.
type Mapper interface {
	NoIOMMU() bool
	MinPageSize() uint64
	MapDMA(vaddr, iova, size uint64, perm vfio.DMAPerm) error
	UnmapDMA(iova, size uint64) error
	AllocateIOVA(dma types.DMACapability, size uint64) (iova.Region, bool, error)
	FreeIOVA(r iova.Region) error
}

// Mapping is a buffer registered for DMA.
type Mapping struct {
	Kind Kind
	Perm vfio.DMAPerm

	buf    *buffer
	iova   uint64
	size   uint64
	region iova.Region
	mapper Mapper
	cursor uint64
	freed  bool
}

// Chunk is a piece of a mapping handed out by SubAllocate.
type Chunk struct {
	Bytes []byte
	IOVA  uint64
}

// Bytes returns the whole buffer.
func (m *Mapping) Bytes() []byte { return m.buf.mem[:m.size] }

// IOVA returns the device-visible address of the buffer.
func (m *Mapping) IOVA() uint64 { return m.iova }

// Size returns the mapped size, a multiple of the container page size.
func (m *Mapping) Size() uint64 { return m.size }

// Phys returns the physical address of KindPhysical buffers, 0 otherwise.
func (m *Mapping) Phys() uint64 { return m.buf.phys }

// File returns the memfd behind a KindShared mapping, nil otherwise.
func (m *Mapping) File() *os.File { return m.buf.memfd }

// Offset returns the sub-allocation cursor.
func (m *Mapping) Offset() uint64 { return m.cursor }

// SubAllocate hands out the next size bytes of the mapping.
func (m *Mapping) SubAllocate(size uint64) (Chunk, error) {
	if size > m.size-m.cursor {
		return Chunk{}, fmt.Errorf("%w: %d bytes requested, %d left", ErrMappingFull, size, m.size-m.cursor)
	}
	off := m.cursor
	m.cursor += size
	return Chunk{Bytes: m.buf.mem[off:m.cursor:m.cursor], IOVA: m.iova + off}, nil
}

// AlignNext moves the cursor to the next 64-byte boundary.
func (m *Mapping) AlignNext() {
	m.cursor = min(roundUp(m.cursor, chunkAlign), m.size)
}

// Manager creates and frees mappings. It counts live physical mappings
// because the physical allocator can only release everything at once.
type Manager struct {
	phys     PhysAllocator
	physLive int
}

// NewManager returns a Manager. phys may be nil when KindPhysical is
// never requested.
func NewManager(phys PhysAllocator) *Manager {
	return &Manager{phys: phys}
}

// AllocateFor maps a buffer for d through its container.
func (mgr *Manager) AllocateFor(d *vfio.Device, size uint64, perm vfio.DMAPerm, kind Kind) (*Mapping, error) {
	c := d.Container()
	if c == nil {
		return nil, fmt.Errorf("%s has no container", d.Address)
	}
	return mgr.Allocate(c, d.DMA(), size, perm, kind)
}

// Allocate reserves IOVA, obtains a buffer of the given kind and maps it.
// The size is rounded up to the container's page size. On failure every
// resource acquired so far is released.
func (mgr *Manager) Allocate(m Mapper, dma types.DMACapability, size uint64, perm vfio.DMAPerm, kind Kind) (*Mapping, error) {
	if size == 0 {
		return nil, fmt.Errorf("zero-sized DMA mapping")
	}
	if m.NoIOMMU() && kind != KindPhysical {
		return nil, fmt.Errorf("%s buffers need an IOMMU; use %s", kind, KindPhysical)
	}
	size = roundUp(size, m.MinPageSize())

	mp := &Mapping{Kind: kind, Perm: perm, size: size, mapper: m}
	if !m.NoIOMMU() {
		r, ok, err := m.AllocateIOVA(dma, size)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %d bytes for %s-bit DMA", ErrNoSpace, size, dma)
		}
		mp.region, mp.iova = r, r.Start
	}

	buf, err := mgr.allocBuffer(kind, size)
	if err != nil {
		mgr.releaseIOVA(mp)
		return nil, err
	}
	mp.buf = buf

	if m.NoIOMMU() {
		mp.iova = buf.phys
	} else if err := m.MapDMA(buf.addr(), mp.iova, size, perm); err != nil {
		mgr.releaseBuffer(buf)
		mgr.releaseIOVA(mp)
		return nil, fmt.Errorf("map %d bytes at IOVA %#x: %w", size, mp.iova, err)
	}

	log.WithFields(log.Fields{"kind": kind, "iova": fmt.Sprintf("%#x", mp.iova)}).Debugf("dma: mapped %d bytes", size)
	return mp, nil
}

func (mgr *Manager) allocBuffer(kind Kind, size uint64) (*buffer, error) {
	if kind != KindPhysical {
		return allocBuffer(kind, size)
	}
	if mgr.phys == nil {
		return nil, fmt.Errorf("no physical allocator configured")
	}
	mem, phys, err := mgr.phys.Alloc(size)
	if err != nil {
		if mgr.physLive == 0 {
			mgr.phys.ReleaseAll()
		}
		return nil, err
	}
	mgr.physLive++
	return &buffer{kind: KindPhysical, mem: mem, phys: phys}, nil
}

func (mgr *Manager) releaseBuffer(b *buffer) error {
	if b.kind != KindPhysical {
		return b.free()
	}
	mgr.physLive--
	if mgr.physLive == 0 {
		return mgr.phys.ReleaseAll()
	}
	return nil
}

func (mgr *Manager) releaseIOVA(mp *Mapping) error {
	if mp.mapper.NoIOMMU() {
		return nil
	}
	return mp.mapper.FreeIOVA(mp.region)
}

// Free unmaps the buffer, returns its IOVA and releases the memory.
// When the unmap fails the IOMMU may still translate the range, so the
// reservation and the buffer are kept and Free may be retried.
func (mgr *Manager) Free(mp *Mapping) error {
	if mp.freed {
		return ErrFreed
	}
	if !mp.mapper.NoIOMMU() {
		if err := mp.mapper.UnmapDMA(mp.iova, mp.size); err != nil {
			return fmt.Errorf("unmap IOVA %#x: %w", mp.iova, err)
		}
	}
	mp.freed = true

	var errs []error
	if err := mgr.releaseIOVA(mp); err != nil {
		errs = append(errs, err)
	}
	if err := mgr.releaseBuffer(mp.buf); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PhysicalInUse returns the number of live KindPhysical mappings.
func (mgr *Manager) PhysicalInUse() int { return mgr.physLive }
