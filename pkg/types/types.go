// Package types defines shared data types for the vfio-broker tool.
// They carry device identity and DMA requirements between the sysfs
// scanner, the VFIO handle layer, the DMA mapper and the broker.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// PCIAddress is a PCI Domain:Bus:Device.Function location
// (e.g. "0000:17:00.0").
type PCIAddress struct {
	Domain   uint16
	Bus      uint8
	Device   uint8
	Function uint8
}

// ParsePCIAddress parses a BDF string. The domain may be omitted
// ("17:00.0"), in which case it defaults to 0000.
func ParsePCIAddress(s string) (PCIAddress, error) {
	var addr PCIAddress

	parts := strings.Split(strings.TrimSpace(s), ":")
	switch len(parts) {
	case 2:
		parts = append([]string{"0000"}, parts...)
	case 3:
	default:
		return addr, fmt.Errorf("invalid PCI address %q: expected [dddd:]bb:dd.f", s)
	}

	devFn := strings.Split(parts[2], ".")
	if len(devFn) != 2 {
		return addr, fmt.Errorf("invalid PCI address %q: missing function", s)
	}

	domain, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return addr, fmt.Errorf("invalid PCI domain in %q: %w", s, err)
	}
	bus, err := strconv.ParseUint(parts[1], 16, 8)
	if err != nil {
		return addr, fmt.Errorf("invalid PCI bus in %q: %w", s, err)
	}
	dev, err := strconv.ParseUint(devFn[0], 16, 8)
	if err != nil || dev > 0x1f {
		return addr, fmt.Errorf("invalid PCI device in %q", s)
	}
	fn, err := strconv.ParseUint(devFn[1], 16, 8)
	if err != nil || fn > 7 {
		return addr, fmt.Errorf("invalid PCI function in %q", s)
	}

	addr = PCIAddress{
		Domain:   uint16(domain),
		Bus:      uint8(bus),
		Device:   uint8(dev),
		Function: uint8(fn),
	}
	return addr, nil
}

// MustParsePCIAddress is like ParsePCIAddress but panics on error.
// It is intended for tests and constant tables.
func MustParsePCIAddress(s string) PCIAddress {
	addr, err := ParsePCIAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// String returns the canonical sysfs form of the address.
func (a PCIAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Device, a.Function)
}

// Identity is the PCI identity of a device as reported by config space.
type Identity struct {
	Vendor          uint16
	Device          uint16
	SubsystemVendor uint16
	SubsystemDevice uint16
}

func (id Identity) String() string {
	return fmt.Sprintf("%04x:%04x (%04x:%04x)", id.Vendor, id.Device, id.SubsystemVendor, id.SubsystemDevice)
}

// DMACapability describes how far a device's DMA engine can address.
type DMACapability uint8

const (
	// DMANone means the device does not master the bus.
	DMANone DMACapability = iota
	// DMA32 means the device can only generate 32-bit addresses.
	DMA32
	// DMA64 means the device can address the full 64-bit space.
	DMA64
)

// String implements fmt.Stringer.
func (c DMACapability) String() string {
	switch c {
	case DMANone:
		return "none"
	case DMA32:
		return "32"
	case DMA64:
		return "64"
	default:
		return fmt.Sprintf("DMACapability(%d)", uint8(c))
	}
}

// Valid reports whether c is one of the defined capabilities.
func (c DMACapability) Valid() bool { return c <= DMA64 }

// ParseDMACapability accepts "none", "32" and "64" (as written in config
// files and on the command line).
func ParseDMACapability(s string) (DMACapability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return DMANone, nil
	case "32", "32bit", "32-bit":
		return DMA32, nil
	case "64", "64bit", "64-bit":
		return DMA64, nil
	}
	return DMANone, fmt.Errorf("invalid DMA capability %q: use none, 32 or 64", s)
}

// Merge returns the capability a shared device must honour when a new
// user asks for other. A 32-bit requirement always wins because the
// device's engine must then stay below 4 GiB for every sharer.
func (c DMACapability) Merge(other DMACapability) DMACapability {
	switch {
	case c == DMA32 || other == DMA32:
		return DMA32
	case c == DMA64 || other == DMA64:
		return DMA64
	default:
		return DMANone
	}
}

// PCIDevice represents a PCI device found in sysfs together with the
// VFIO-relevant attributes needed to open it.
type PCIDevice struct {
	// Address is the PCI Bus-Device-Function address.
	Address PCIAddress
	// Identity holds vendor/device/subsystem ids.
	Identity Identity
	// Driver is the kernel driver bound to this device (e.g. "vfio-pci").
	// Empty when unbound.
	Driver string
	// IOMMUGroup is the group number, or -1 when no group is assigned.
	IOMMUGroup int
	// NoIOMMU is set when the group is exposed as /dev/vfio/noiommu-N.
	NoIOMMU bool
	// DMA is the DMA capability required by the matching filter.
	DMA DMACapability
}

// CapacityError reports that a bounded collection is full.
type CapacityError struct {
	// Resource names the collection (e.g. "clients", "devices").
	Resource string
	// Limit is the configured capacity.
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s capacity exceeded (limit %d)", e.Resource, e.Limit)
}
