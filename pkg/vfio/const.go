package vfio

import (
	"fmt"
	"unsafe"
)

// apiVersion is the only VFIO API version this package speaks.
const apiVersion = 0

// IOMMUMode is the address-translation type selected for a container.
// The values are the kernel's VFIO_*_IOMMU extension numbers.
type IOMMUMode uint32

const (
	// ModeNone means no IOMMU type has been selected yet.
	ModeNone IOMMUMode = 0
	// ModeType1 is VFIO_TYPE1_IOMMU.
	ModeType1 IOMMUMode = 1
	// ModeType1v2 is VFIO_TYPE1v2_IOMMU.
	ModeType1v2 IOMMUMode = 3
	// ModeNoIOMMU is VFIO_NOIOMMU_IOMMU: no translation, IOVA equals the
	// physical address.
	ModeNoIOMMU IOMMUMode = 8
)

func (m IOMMUMode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeType1:
		return "type1"
	case ModeType1v2:
		return "type1v2"
	case ModeNoIOMMU:
		return "noiommu"
	}
	return fmt.Sprintf("IOMMUMode(%d)", uint32(m))
}

// modePreference is the order in which IOMMU types are tried.
var modePreference = []IOMMUMode{ModeType1v2, ModeType1, ModeNoIOMMU}

// ioctlKind is a VFIO ioctl request number: _IO(';', 100 + n).
type ioctlKind uintptr

const (
	// container ioctls
	vfioGetAPIVersion ioctlKind = iota + 0x3b64
	vfioCheckExtension
	vfioSetIOMMU
	// group ioctls
	vfioGroupGetStatus
	vfioGroupSetContainer
	vfioGroupUnsetContainer
	vfioGroupGetDeviceFD
	// device ioctls
	vfioDeviceGetInfo
	vfioDeviceGetRegionInfo
	vfioDeviceGetIRQInfo
	vfioDeviceSetIRQs
	vfioDeviceReset
	vfioFirstDriverIoctl
)

const (
	// type1 IOMMU driver ioctls, issued on the container
	vfioIOMMUGetInfo ioctlKind = iota + vfioFirstDriverIoctl
	vfioIOMMUMapDMA
	vfioIOMMUUnmapDMA
)

var ioctlNames = map[ioctlKind]string{
	vfioGetAPIVersion:       "VFIO_GET_API_VERSION",
	vfioCheckExtension:      "VFIO_CHECK_EXTENSION",
	vfioSetIOMMU:            "VFIO_SET_IOMMU",
	vfioGroupGetStatus:      "VFIO_GROUP_GET_STATUS",
	vfioGroupSetContainer:   "VFIO_GROUP_SET_CONTAINER",
	vfioGroupUnsetContainer: "VFIO_GROUP_UNSET_CONTAINER",
	vfioGroupGetDeviceFD:    "VFIO_GROUP_GET_DEVICE_FD",
	vfioDeviceGetInfo:       "VFIO_DEVICE_GET_INFO",
	vfioDeviceGetRegionInfo: "VFIO_DEVICE_GET_REGION_INFO",
	vfioDeviceGetIRQInfo:    "VFIO_DEVICE_GET_IRQ_INFO",
	vfioDeviceSetIRQs:       "VFIO_DEVICE_SET_IRQS",
	vfioDeviceReset:         "VFIO_DEVICE_RESET",
	vfioIOMMUGetInfo:        "VFIO_IOMMU_GET_INFO",
	vfioIOMMUMapDMA:         "VFIO_IOMMU_MAP_DMA",
	vfioIOMMUUnmapDMA:       "VFIO_IOMMU_UNMAP_DMA",
}

func (k ioctlKind) String() string {
	if name, ok := ioctlNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ioctl(%#x)", uintptr(k))
}

// group status flags
const (
	groupFlagsViable       = 1 << 0
	groupFlagsContainerSet = 1 << 1
)

// device info flags
const (
	deviceFlagsReset = 1 << 0
	deviceFlagsPCI   = 1 << 1
)

// region info flags
const (
	regionInfoFlagRead  = 1 << 0
	regionInfoFlagWrite = 1 << 1
	regionInfoFlagMmap  = 1 << 2
	regionInfoFlagCaps  = 1 << 3
)

// iommu info flags and capabilities
const (
	iommuInfoPgSizes = 1 << 0
	iommuInfoCaps    = 1 << 1

	iommuCapIOVARange = 1
)

// PCI region indexes.
const (
	BAR0RegionIndex = iota
	BAR1RegionIndex
	BAR2RegionIndex
	BAR3RegionIndex
	BAR4RegionIndex
	BAR5RegionIndex
	ROMRegionIndex
	ConfigRegionIndex
	VGARegionIndex
)

// PCI config space registers used here.
const (
	pciVendorID       = 0x00
	pciCommand        = 0x04
	pciCommandMaster  = 0x04
	pciVendorNotReady = 0xffff
)

// DMAPerm is the access a device gets to a DMA mapping.
type DMAPerm uint32

const (
	// DMARead lets the device read the buffer.
	DMARead DMAPerm = 1 << 0
	// DMAWrite lets the device write the buffer.
	DMAWrite DMAPerm = 1 << 1
	// DMAReadWrite is DMARead|DMAWrite.
	DMAReadWrite = DMARead | DMAWrite
)

type groupStatus struct {
	argsz uint32
	flags uint32
}

type deviceInfo struct {
	argsz      uint32
	flags      uint32
	numRegions uint32
	numIRQs    uint32
}

type regionInfo struct {
	argsz     uint32
	flags     uint32
	index     uint32
	capOffset uint32
	size      uint64
	offset    uint64
}

type iommuType1Info struct {
	argsz       uint32
	flags       uint32
	iovaPgSizes uint64
	capOffset   uint32
	_           uint32
}

type dmaMap struct {
	argsz uint32
	flags uint32
	vaddr uint64
	iova  uint64
	size  uint64
}

type dmaUnmap struct {
	argsz uint32
	flags uint32
	iova  uint64
	size  uint64
}

// Compile-time size assertions against <linux/vfio.h>.
var (
	_ [8]byte  = [unsafe.Sizeof(groupStatus{})]byte{}
	_ [16]byte = [unsafe.Sizeof(deviceInfo{})]byte{}
	_ [32]byte = [unsafe.Sizeof(regionInfo{})]byte{}
	_ [24]byte = [unsafe.Sizeof(iommuType1Info{})]byte{}
	_ [32]byte = [unsafe.Sizeof(dmaMap{})]byte{}
	_ [24]byte = [unsafe.Sizeof(dmaUnmap{})]byte{}
)
