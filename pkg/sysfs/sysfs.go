// Package sysfs reads PCI and IOMMU topology from sysfs and /dev/vfio.
// It resolves bus addresses into identities, drivers and IOMMU groups so
// the VFIO layer knows which group file to open for a device.
package sysfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Mellanox/rdmamap"
	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/vfio-broker/pkg/types"
	"github.com/Nativu5/vfio-broker/pkg/utils"
)

// VFIODriver is the kernel driver a device must be bound to.
const VFIODriver = "vfio-pci"

var (
	sysBusPci            = "/sys/bus/pci/devices"
	sysKernelIommuGroups = "/sys/kernel/iommu_groups"
	sysModule            = "/sys/module"
	devVFIO              = "/dev/vfio"
)

// ErrNoIOMMUGroup is returned for a device without an iommu_group link;
// such a device cannot be managed through VFIO at all.
var ErrNoIOMMUGroup = errors.New("no IOMMU group assigned")

// UseRoot rebases every sysfs and /dev/vfio path under root and returns
// a function restoring the previous paths. It exists for tests that build
// a fake tree in a temporary directory.
func UseRoot(root string) (restore func()) {
	old := [...]string{sysBusPci, sysKernelIommuGroups, sysModule, devVFIO}
	sysBusPci = filepath.Join(root, "sys/bus/pci/devices")
	sysKernelIommuGroups = filepath.Join(root, "sys/kernel/iommu_groups")
	sysModule = filepath.Join(root, "sys/module")
	devVFIO = filepath.Join(root, "dev/vfio")
	return func() {
		sysBusPci, sysKernelIommuGroups, sysModule, devVFIO = old[0], old[1], old[2], old[3]
	}
}

// DevVFIO returns the directory holding VFIO control files.
func DevVFIO() string {
	return devVFIO
}

// ContainerPath returns the path of the VFIO container control file.
func ContainerPath() string {
	return filepath.Join(devVFIO, "vfio")
}

// GroupPath returns the control file of an IOMMU group.
func GroupPath(group int, noIOMMU bool) string {
	if noIOMMU {
		return filepath.Join(devVFIO, fmt.Sprintf("noiommu-%d", group))
	}
	return filepath.Join(devVFIO, strconv.Itoa(group))
}

// ───────────────────────────────────────────
//  per-device attributes
// ───────────────────────────────────────────

// GetIOMMUGroup returns the IOMMU group number of a PCI device by
// reading the /sys/bus/pci/devices/<addr>/iommu_group symlink.
func GetIOMMUGroup(addr types.PCIAddress) (int, error) {
	link := filepath.Join(sysBusPci, addr.String(), "iommu_group")
	target, err := os.Readlink(link)
	if err != nil {
		if os.IsNotExist(err) {
			return -1, fmt.Errorf("PCI device %s: %w", addr, ErrNoIOMMUGroup)
		}
		return -1, fmt.Errorf("cannot read iommu_group link for %s: %w", addr, err)
	}
	n, err := strconv.Atoi(filepath.Base(target))
	if err != nil {
		return -1, fmt.Errorf("invalid IOMMU group %q for %s: %w", filepath.Base(target), addr, err)
	}
	return n, nil
}

// GetPCIDevDriver returns the kernel driver currently bound to a PCI device.
func GetPCIDevDriver(addr types.PCIAddress) (string, error) {
	driverLink := filepath.Join(sysBusPci, addr.String(), "driver")
	driverInfo, err := os.Readlink(driverLink)
	if err != nil {
		return "", fmt.Errorf("cannot read driver symlink for PCI device %s: %w", addr, err)
	}
	return filepath.Base(driverInfo), nil
}

// GetIdentity reads vendor, device and subsystem ids of a PCI device.
func GetIdentity(addr types.PCIAddress) (types.Identity, error) {
	var (
		id  types.Identity
		err error
	)
	dir := filepath.Join(sysBusPci, addr.String())
	fields := []struct {
		attr string
		dst  *uint16
	}{
		{"vendor", &id.Vendor},
		{"device", &id.Device},
		{"subsystem_vendor", &id.SubsystemVendor},
		{"subsystem_device", &id.SubsystemDevice},
	}
	for _, f := range fields {
		if *f.dst, err = readHexAttr(filepath.Join(dir, f.attr)); err != nil {
			return types.Identity{}, fmt.Errorf("PCI device %s: %w", addr, err)
		}
	}
	return id, nil
}

// GetNetNames returns the network interface names associated with a PCI
// device by listing /sys/bus/pci/devices/<addr>/net/. A device bound to
// vfio-pci has none.
func GetNetNames(addr types.PCIAddress) ([]string, error) {
	netDir := filepath.Join(sysBusPci, addr.String(), "net")
	entries, err := os.ReadDir(netDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read net directory %s: %w", netDir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// GetRdmaDevices returns the RDMA devices the kernel RDMA stack exposes
// for a PCI device. A device handed to VFIO has none.
func GetRdmaDevices(addr types.PCIAddress) []string {
	return rdmamap.GetRdmaDevicesForPcidev(addr.String())
}

// readHexAttr reads a sysfs attribute holding a 16-bit hex id.
func readHexAttr(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return utils.ParseHexID(string(data))
}

// ───────────────────────────────────────────
//  IOMMU groups
// ───────────────────────────────────────────

// Group is a VFIO group control file found under /dev/vfio.
type Group struct {
	Number  int
	NoIOMMU bool
	Path    string
}

// ListVFIOGroups returns every group bound to VFIO, i.e. every
// /dev/vfio/<N> and /dev/vfio/noiommu-<N> file, ordered by number.
func ListVFIOGroups() ([]Group, error) {
	entries, err := os.ReadDir(devVFIO)
	if err != nil {
		return nil, fmt.Errorf("cannot read VFIO directory %s: %w", devVFIO, err)
	}

	var groups []Group
	for _, e := range entries {
		name := e.Name()
		noIOMMU := strings.HasPrefix(name, "noiommu-")
		n, err := strconv.Atoi(strings.TrimPrefix(name, "noiommu-"))
		if err != nil {
			continue // /dev/vfio/vfio, /dev/vfio/devices
		}
		groups = append(groups, Group{Number: n, NoIOMMU: noIOMMU, Path: filepath.Join(devVFIO, name)})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Number < groups[j].Number })
	return groups, nil
}

// IsNoIOMMUGroup reports whether the group is exposed in no-IOMMU mode.
func IsNoIOMMUGroup(group int) bool {
	_, err := os.Stat(GroupPath(group, true))
	return err == nil
}

// GroupDevices lists the PCI addresses in an IOMMU group.
func GroupDevices(group int) ([]types.PCIAddress, error) {
	dir := filepath.Join(sysKernelIommuGroups, strconv.Itoa(group), "devices")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot list devices of IOMMU group %d: %w", group, err)
	}

	addrs := make([]types.PCIAddress, 0, len(entries))
	for _, e := range entries {
		addr, err := types.ParsePCIAddress(e.Name())
		if err != nil {
			log.Debugf("skipping non-PCI member %q of IOMMU group %d", e.Name(), group)
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// ───────────────────────────────────────────
//  device scanning
// ───────────────────────────────────────────

// DescribeDevice collects identity, driver and group of one PCI device.
// A missing group is reported as IOMMUGroup -1, not as an error.
func DescribeDevice(addr types.PCIAddress) (types.PCIDevice, error) {
	id, err := GetIdentity(addr)
	if err != nil {
		return types.PCIDevice{}, err
	}
	dev := types.PCIDevice{Address: addr, Identity: id, IOMMUGroup: -1}

	// Best-effort: an unbound device has no driver link
	if driver, err := GetPCIDevDriver(addr); err == nil {
		dev.Driver = driver
	}
	if group, err := GetIOMMUGroup(addr); err == nil {
		dev.IOMMUGroup = group
		dev.NoIOMMU = IsNoIOMMUGroup(group)
	}
	return dev, nil
}

// ScanDevices enumerates /sys/bus/pci/devices and returns the devices
// matching filters and locations, each tagged with the DMA capability of
// the filter that matched.
func ScanDevices(filters types.FilterSet, locations types.LocationFilter) ([]types.PCIDevice, error) {
	entries, err := os.ReadDir(sysBusPci)
	if err != nil {
		return nil, fmt.Errorf("cannot read PCI bus directory %s: %w", sysBusPci, err)
	}

	var devices []types.PCIDevice
	for _, entry := range entries {
		addr, err := types.ParsePCIAddress(entry.Name())
		if err != nil {
			continue
		}
		if !locations.Allows(addr) {
			continue
		}
		dev, err := DescribeDevice(addr)
		if err != nil {
			log.Debugf("skipping %s: %v", addr, err)
			continue
		}
		f, ok := filters.Match(dev.Identity)
		if !ok {
			continue
		}
		dev.DMA = f.DMA
		devices = append(devices, dev)
	}
	return devices, nil
}

// ───────────────────────────────────────────
//  kernel state
// ───────────────────────────────────────────

// ModuleLoaded reports whether a kernel module appears under /sys/module.
func ModuleLoaded(name string) bool {
	_, err := os.Stat(filepath.Join(sysModule, strings.ReplaceAll(name, "-", "_")))
	return err == nil
}

// NoIOMMUModeEnabled reports whether vfio was loaded with
// enable_unsafe_noiommu_mode=1.
func NoIOMMUModeEnabled() bool {
	data, err := os.ReadFile(filepath.Join(sysModule, "vfio", "parameters", "enable_unsafe_noiommu_mode"))
	if err != nil {
		return false
	}
	switch strings.TrimSpace(string(data)) {
	case "Y", "y", "1":
		return true
	}
	return false
}

// IOMMUGroupsPresent reports whether the kernel created any IOMMU groups,
// i.e. whether an IOMMU is enabled at all.
func IOMMUGroupsPresent() bool {
	entries, err := os.ReadDir(sysKernelIommuGroups)
	return err == nil && len(entries) > 0
}
