// Package sysfstest builds fake sysfs and /dev/vfio trees for tests.
package sysfstest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/Nativu5/vfio-broker/pkg/sysfs"
	"github.com/Nativu5/vfio-broker/pkg/types"
)

// Tree is a fake filesystem root. Creating one points package sysfs at it
// until the test ends.
type Tree struct {
	t    *testing.T
	Root string
}

// New creates an empty tree under t.TempDir() and activates it.
func New(t *testing.T) *Tree {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"sys/bus/pci/devices", "sys/kernel/iommu_groups", "sys/module", "dev/vfio"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			t.Fatal(err)
		}
	}
	t.Cleanup(sysfs.UseRoot(root))
	return &Tree{t: t, Root: root}
}

// Device describes a fake PCI device.
type Device struct {
	Address  string
	Identity types.Identity
	Driver   string
	// Group is the IOMMU group; a negative value leaves the device
	// without an iommu_group link.
	Group   int
	NoIOMMU bool
}

// AddDevice creates the sysfs entries for d and, when d is bound to
// vfio-pci, its /dev/vfio group file.
func (tr *Tree) AddDevice(d Device) {
	tr.t.Helper()
	dir := filepath.Join(tr.Root, "sys/bus/pci/devices", d.Address)
	tr.mkdir(dir)
	tr.write(filepath.Join(dir, "vendor"), fmt.Sprintf("0x%04x\n", d.Identity.Vendor))
	tr.write(filepath.Join(dir, "device"), fmt.Sprintf("0x%04x\n", d.Identity.Device))
	tr.write(filepath.Join(dir, "subsystem_vendor"), fmt.Sprintf("0x%04x\n", d.Identity.SubsystemVendor))
	tr.write(filepath.Join(dir, "subsystem_device"), fmt.Sprintf("0x%04x\n", d.Identity.SubsystemDevice))

	if d.Driver != "" {
		drvDir := filepath.Join(tr.Root, "sys/bus/pci/drivers", d.Driver)
		tr.mkdir(drvDir)
		tr.symlink(drvDir, filepath.Join(dir, "driver"))
	}

	if d.Group >= 0 {
		groupDir := filepath.Join(tr.Root, "sys/kernel/iommu_groups", strconv.Itoa(d.Group))
		tr.mkdir(filepath.Join(groupDir, "devices"))
		tr.symlink(groupDir, filepath.Join(dir, "iommu_group"))
		tr.symlink(dir, filepath.Join(groupDir, "devices", d.Address))
		if d.Driver == sysfs.VFIODriver {
			tr.AddVFIOGroup(d.Group, d.NoIOMMU)
		}
	}
}

// AddVFIOGroup creates a group control file under dev/vfio.
func (tr *Tree) AddVFIOGroup(group int, noIOMMU bool) string {
	tr.t.Helper()
	path := sysfs.GroupPath(group, noIOMMU)
	if _, err := os.Stat(path); err == nil {
		return path
	}
	tr.write(path, "")
	return path
}

// AddNetDev gives a device a network interface, as a kernel NIC driver
// would.
func (tr *Tree) AddNetDev(address, name string) {
	tr.t.Helper()
	tr.mkdir(filepath.Join(tr.Root, "sys/bus/pci/devices", address, "net", name))
}

// AddContainer creates the /dev/vfio/vfio control file.
func (tr *Tree) AddContainer() {
	tr.t.Helper()
	tr.write(sysfs.ContainerPath(), "")
}

// LoadModule marks a kernel module as loaded.
func (tr *Tree) LoadModule(name string) {
	tr.t.Helper()
	tr.mkdir(filepath.Join(tr.Root, "sys/module", name))
}

// SetModuleParam writes a module parameter file.
func (tr *Tree) SetModuleParam(module, param, value string) {
	tr.t.Helper()
	dir := filepath.Join(tr.Root, "sys/module", module, "parameters")
	tr.mkdir(dir)
	tr.write(filepath.Join(dir, param), value+"\n")
}

func (tr *Tree) mkdir(dir string) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		tr.t.Fatal(err)
	}
}

func (tr *Tree) write(path, content string) {
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		tr.t.Fatal(err)
	}
}

func (tr *Tree) symlink(target, link string) {
	if _, err := os.Lstat(link); err == nil {
		return
	}
	if err := os.Symlink(target, link); err != nil {
		tr.t.Fatal(err)
	}
}
