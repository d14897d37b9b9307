package vfio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Nativu5/vfio-broker/pkg/retry"
	"github.com/Nativu5/vfio-broker/pkg/types"
)

// Region describes one device region (BAR, ROM, config space).
type Region struct {
	Index  int
	Flags  uint32
	Size   uint64
	Offset uint64
}

// Readable reports whether the region supports read.
func (r Region) Readable() bool { return r.Flags&regionInfoFlagRead != 0 }

// Writable reports whether the region supports write.
func (r Region) Writable() bool { return r.Flags&regionInfoFlagWrite != 0 }

// Mappable reports whether the region can be mmap'ed.
func (r Region) Mappable() bool { return r.Size > 0 && r.Flags&regionInfoFlagMmap != 0 }

// Device is a PCI function managed through VFIO. The descriptor is only
// held while the device is in use; the group and container outlive it.
type Device struct {
	Address  types.PCIAddress
	Identity types.Identity

	group        *Group
	container    *Container
	resetTimeout time.Duration

	file    *os.File
	dma     types.DMACapability
	flags   uint32
	regions []Region
	windows map[int]*Window
}

func newDevice(addr types.PCIAddress, id types.Identity, g *Group, resetTimeout time.Duration) *Device {
	return &Device{
		Address:      addr,
		Identity:     id,
		group:        g,
		container:    g.container,
		resetTimeout: resetTimeout,
	}
}

// AdoptDevice wraps a device descriptor received from the broker.
func AdoptDevice(addr types.PCIAddress, f *os.File, c *Container, dma types.DMACapability, resetTimeout time.Duration) (*Device, error) {
	d := &Device{
		Address:      addr,
		container:    c,
		resetTimeout: resetTimeout,
		file:         f,
		dma:          dma,
	}
	if err := d.queryInfo(); err != nil {
		return nil, err
	}
	if id, err := d.readIdentity(); err == nil {
		d.Identity = id
	}
	return d, nil
}

// Open obtains the device descriptor if the device is closed and enables
// bus mastering when dma is not DMANone. On an already open device the
// capability is merged: a 32-bit request narrows it for every sharer.
// A failed Open leaves the device as it found it.
func (d *Device) Open(dma types.DMACapability) error {
	wasOpen, prev := d.file != nil, d.dma
	if !wasOpen {
		if d.group == nil {
			return ErrClosed
		}
		f, err := d.group.deviceFile(d.Address)
		if err != nil {
			if d.group.NoIOMMU && errors.Is(err, unix.EPERM) {
				exe, _ := os.Executable()
				log.Errorf("no-IOMMU device %s needs CAP_SYS_RAWIO, try: setcap cap_sys_rawio+ep %s", d.Address, exe)
				return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
			}
			return fmt.Errorf("get device fd for %s: %w", d.Address, err)
		}
		d.file = f
		if err := d.queryInfo(); err != nil {
			d.Close()
			return err
		}
		log.WithFields(log.Fields{"device": d.Address, "group": d.group.Number}).
			Debugf("opened, %d region(s), flags %#x", len(d.regions), d.flags)
	}

	d.dma = d.dma.Merge(dma)
	if d.dma == types.DMANone {
		return nil
	}
	if err := d.SetBusMaster(true); err != nil {
		if wasOpen {
			d.dma = prev
		} else {
			d.Close()
		}
		return fmt.Errorf("enable bus master on %s: %w", d.Address, err)
	}
	return nil
}

func (d *Device) queryInfo() error {
	info := deviceInfo{argsz: uint32(unsafe.Sizeof(deviceInfo{}))}
	if _, err := ioctlPtr(d.file, vfioDeviceGetInfo, unsafe.Pointer(&info)); err != nil {
		return err
	}
	d.flags = info.flags
	if info.flags&deviceFlagsPCI == 0 {
		return fmt.Errorf("%s is not a PCI device (flags %#x)", d.Address, info.flags)
	}

	d.regions = make([]Region, info.numRegions)
	for i := range d.regions {
		ri := regionInfo{argsz: uint32(unsafe.Sizeof(regionInfo{})), index: uint32(i)}
		d.regions[i].Index = i
		if _, err := ioctlPtr(d.file, vfioDeviceGetRegionInfo, unsafe.Pointer(&ri)); err != nil {
			// VGA and absent BARs legitimately fail
			continue
		}
		d.regions[i].Flags = ri.flags
		d.regions[i].Size = ri.size
		d.regions[i].Offset = ri.offset
	}
	return nil
}

func (d *Device) readIdentity() (types.Identity, error) {
	var id types.Identity
	for _, f := range []struct {
		off int64
		dst *uint16
	}{{0x00, &id.Vendor}, {0x02, &id.Device}, {0x2c, &id.SubsystemVendor}, {0x2e, &id.SubsystemDevice}} {
		v, err := d.ReadConfig(f.off, 2)
		if err != nil {
			return types.Identity{}, err
		}
		*f.dst = uint16(v)
	}
	return id, nil
}

// IsOpen reports whether the device descriptor is held.
func (d *Device) IsOpen() bool { return d.file != nil }

// File returns the device descriptor, nil while closed.
func (d *Device) File() *os.File { return d.file }

// DMA returns the effective DMA capability.
func (d *Device) DMA() types.DMACapability { return d.dma }

// Group returns the device's group, nil for adopted devices.
func (d *Device) Group() *Group { return d.group }

// Container returns the container the device's group is attached to.
func (d *Device) Container() *Container { return d.container }

// Regions returns the region descriptors queried at open.
func (d *Device) Regions() []Region { return d.regions }

// CanReset reports whether the kernel offers a reset for the device.
func (d *Device) CanReset() bool { return d.flags&deviceFlagsReset != 0 }

// MapRegion maps a BAR into the process. Repeated calls return the same
// window. It returns nil, nil when the region is absent or not mappable.
func (d *Device) MapRegion(index int) (*Window, error) {
	if d.file == nil {
		return nil, ErrClosed
	}
	if w, ok := d.windows[index]; ok {
		return w, nil
	}
	if index < 0 || index >= len(d.regions) || !d.regions[index].Mappable() {
		return nil, nil
	}
	r := d.regions[index]
	w, err := mapWindow(int(d.file.Fd()), index, int64(r.Offset), int(r.Size))
	if err != nil {
		return nil, err
	}
	if d.windows == nil {
		d.windows = make(map[int]*Window)
	}
	d.windows[index] = w
	return w, nil
}

func (d *Device) configRegion(off int64, width int) (Region, error) {
	switch width {
	case 1, 2, 4:
	default:
		return Region{}, fmt.Errorf("invalid config access width %d", width)
	}
	if d.file == nil {
		return Region{}, ErrClosed
	}
	if len(d.regions) <= ConfigRegionIndex || d.regions[ConfigRegionIndex].Size == 0 {
		return Region{}, fmt.Errorf("%s has no config region", d.Address)
	}
	r := d.regions[ConfigRegionIndex]
	if off < 0 || uint64(off)+uint64(width) > r.Size {
		return Region{}, fmt.Errorf("config access [%#x,+%d) outside %d-byte config space", off, width, r.Size)
	}
	return r, nil
}

// ReadConfig reads width (1, 2 or 4) bytes of config space at off.
func (d *Device) ReadConfig(off int64, width int) (uint32, error) {
	r, err := d.configRegion(off, width)
	if err != nil {
		return 0, err
	}
	var buf [4]byte
	if _, err := unix.Pread(int(d.file.Fd()), buf[:width], int64(r.Offset)+off); err != nil {
		return 0, fmt.Errorf("read config %#x of %s: %w", off, d.Address, err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteConfig writes the low width bytes of v to config space at off.
func (d *Device) WriteConfig(off int64, width int, v uint32) error {
	r, err := d.configRegion(off, width)
	if err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if _, err := unix.Pwrite(int(d.file.Fd()), buf[:width], int64(r.Offset)+off); err != nil {
		return fmt.Errorf("write config %#x of %s: %w", off, d.Address, err)
	}
	return nil
}

// SetBusMaster sets or clears the Bus Master Enable bit.
func (d *Device) SetBusMaster(on bool) error {
	cmd, err := d.ReadConfig(pciCommand, 2)
	if err != nil {
		return err
	}
	want := cmd &^ pciCommandMaster
	if on {
		want |= pciCommandMaster
	}
	if want == cmd {
		return nil
	}
	return d.WriteConfig(pciCommand, 2, want)
}

// Reset issues a function reset and waits until the device answers
// config reads again. Devices without reset support are left alone.
func (d *Device) Reset(ctx context.Context) error {
	if d.file == nil {
		return ErrClosed
	}
	if !d.CanReset() {
		log.WithField("device", d.Address).Warn("device does not support reset, skipping")
		return nil
	}
	if _, err := ioctl(d.file, vfioDeviceReset, 0); err != nil {
		return err
	}
	err := retry.Until(ctx, d.resetTimeout, func() (bool, error) {
		v, err := d.ReadConfig(pciVendorID, 2)
		if err != nil {
			return false, err
		}
		return v != pciVendorNotReady, nil
	})
	if err != nil {
		return fmt.Errorf("reset %s: %w", d.Address, err)
	}
	if d.dma != types.DMANone {
		return d.SetBusMaster(true)
	}
	return nil
}

// Close unmaps every window and releases the descriptor. The group and
// container stay open.
func (d *Device) Close() error {
	var firstErr error
	for idx, w := range d.windows {
		if err := w.unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.windows, idx)
	}
	if d.file != nil {
		if err := d.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.file = nil
	}
	d.dma = types.DMANone
	return firstErr
}
