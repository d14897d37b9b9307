package sysfs_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Nativu5/vfio-broker/pkg/sysfs"
	"github.com/Nativu5/vfio-broker/pkg/sysfs/sysfstest"
	"github.com/Nativu5/vfio-broker/pkg/types"
)

var (
	xilinx  = types.Identity{Vendor: 0x10ee, Device: 0x7024, SubsystemVendor: 0x0002, SubsystemDevice: 0x0001}
	xilinx2 = types.Identity{Vendor: 0x10ee, Device: 0x7024, SubsystemVendor: 0x0002, SubsystemDevice: 0x0002}
	nic     = types.Identity{Vendor: 0x15b3, Device: 0x1017, SubsystemVendor: 0x15b3, SubsystemDevice: 0x0007}
)

func fakeHost(t *testing.T) *sysfstest.Tree {
	tr := sysfstest.New(t)
	tr.AddDevice(sysfstest.Device{Address: "0000:17:00.0", Identity: xilinx, Driver: sysfs.VFIODriver, Group: 12})
	tr.AddDevice(sysfstest.Device{Address: "0000:41:00.0", Identity: xilinx2, Driver: sysfs.VFIODriver, Group: 30})
	tr.AddDevice(sysfstest.Device{Address: "0000:86:00.0", Identity: nic, Driver: "mlx5_core", Group: 40})
	tr.AddDevice(sysfstest.Device{Address: "0000:00:1f.0", Identity: types.Identity{Vendor: 0x8086, Device: 0xa1c8}, Group: -1})
	tr.AddDevice(sysfstest.Device{Address: "0000:b3:00.0", Identity: xilinx, Driver: sysfs.VFIODriver, Group: 3, NoIOMMU: true})
	return tr
}

func TestGetIOMMUGroup(t *testing.T) {
	fakeHost(t)

	n, err := sysfs.GetIOMMUGroup(types.MustParsePCIAddress("0000:17:00.0"))
	if err != nil {
		t.Fatalf("GetIOMMUGroup failed: %v", err)
	}
	if n != 12 {
		t.Errorf("group = %d, want 12", n)
	}

	_, err = sysfs.GetIOMMUGroup(types.MustParsePCIAddress("0000:00:1f.0"))
	if !errors.Is(err, sysfs.ErrNoIOMMUGroup) {
		t.Errorf("error = %v, want ErrNoIOMMUGroup", err)
	}
}

func TestGetIdentity(t *testing.T) {
	fakeHost(t)

	id, err := sysfs.GetIdentity(types.MustParsePCIAddress("0000:41:00.0"))
	if err != nil {
		t.Fatalf("GetIdentity failed: %v", err)
	}
	if id != xilinx2 {
		t.Errorf("identity = %v, want %v", id, xilinx2)
	}

	if _, err := sysfs.GetIdentity(types.MustParsePCIAddress("0000:ff:1f.7")); err == nil {
		t.Error("expected error for missing device")
	}
}

func TestGetPCIDevDriver(t *testing.T) {
	fakeHost(t)

	drv, err := sysfs.GetPCIDevDriver(types.MustParsePCIAddress("0000:86:00.0"))
	if err != nil {
		t.Fatalf("GetPCIDevDriver failed: %v", err)
	}
	if drv != "mlx5_core" {
		t.Errorf("driver = %q, want mlx5_core", drv)
	}
	if _, err := sysfs.GetPCIDevDriver(types.MustParsePCIAddress("0000:00:1f.0")); err == nil {
		t.Error("expected error for unbound device")
	}
}

func TestListVFIOGroups(t *testing.T) {
	tr := fakeHost(t)
	// The container node is not a group.
	if err := os.WriteFile(filepath.Join(tr.Root, "dev/vfio/vfio"), nil, 0666); err != nil {
		t.Fatal(err)
	}

	groups, err := sysfs.ListVFIOGroups()
	if err != nil {
		t.Fatalf("ListVFIOGroups failed: %v", err)
	}
	want := []sysfs.Group{
		{Number: 3, NoIOMMU: true, Path: sysfs.GroupPath(3, true)},
		{Number: 12, Path: sysfs.GroupPath(12, false)},
		{Number: 30, Path: sysfs.GroupPath(30, false)},
	}
	if diff := cmp.Diff(want, groups); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}
	if !sysfs.IsNoIOMMUGroup(3) || sysfs.IsNoIOMMUGroup(12) {
		t.Error("IsNoIOMMUGroup misreports group mode")
	}
}

func TestGroupDevices(t *testing.T) {
	tr := fakeHost(t)
	tr.AddDevice(sysfstest.Device{Address: "0000:17:00.1", Identity: xilinx, Driver: sysfs.VFIODriver, Group: 12})

	addrs, err := sysfs.GroupDevices(12)
	if err != nil {
		t.Fatalf("GroupDevices failed: %v", err)
	}
	want := []types.PCIAddress{
		types.MustParsePCIAddress("0000:17:00.0"),
		types.MustParsePCIAddress("0000:17:00.1"),
	}
	if diff := cmp.Diff(want, addrs); diff != "" {
		t.Errorf("group members mismatch (-want +got):\n%s", diff)
	}

	if _, err := sysfs.GroupDevices(99); err == nil {
		t.Error("expected error for unknown group")
	}
}

func TestDescribeDevice(t *testing.T) {
	fakeHost(t)

	dev, err := sysfs.DescribeDevice(types.MustParsePCIAddress("0000:b3:00.0"))
	if err != nil {
		t.Fatalf("DescribeDevice failed: %v", err)
	}
	if dev.IOMMUGroup != 3 || !dev.NoIOMMU || dev.Driver != sysfs.VFIODriver {
		t.Errorf("unexpected description: %+v", dev)
	}

	dev, err = sysfs.DescribeDevice(types.MustParsePCIAddress("0000:00:1f.0"))
	if err != nil {
		t.Fatalf("DescribeDevice failed: %v", err)
	}
	if dev.IOMMUGroup != -1 || dev.Driver != "" {
		t.Errorf("ungrouped device described as %+v", dev)
	}
}

func TestScanDevices(t *testing.T) {
	fakeHost(t)

	filters := types.FilterSet{
		{Vendor: 0x10ee, Device: types.AnyID, SubsystemVendor: 0x0002, SubsystemDevice: 0x0001, DMA: types.DMA64},
	}

	devs, err := sysfs.ScanDevices(filters, nil)
	if err != nil {
		t.Fatalf("ScanDevices failed: %v", err)
	}
	var got []string
	for _, d := range devs {
		got = append(got, d.Address.String())
		if d.DMA != types.DMA64 {
			t.Errorf("%s: DMA = %s, want 64", d.Address, d.DMA)
		}
	}
	if diff := cmp.Diff([]string{"0000:17:00.0", "0000:b3:00.0"}, got); diff != "" {
		t.Errorf("matched devices mismatch (-want +got):\n%s", diff)
	}

	// A location filter narrows identical boards down to one.
	devs, err = sysfs.ScanDevices(filters, types.LocationFilter{types.MustParsePCIAddress("0000:b3:00.0")})
	if err != nil {
		t.Fatalf("ScanDevices failed: %v", err)
	}
	if len(devs) != 1 || devs[0].Address.String() != "0000:b3:00.0" {
		t.Errorf("location filter result = %+v", devs)
	}
}

func TestModuleState(t *testing.T) {
	tr := fakeHost(t)
	tr.LoadModule("vfio_pci")

	if !sysfs.ModuleLoaded("vfio-pci") {
		t.Error("vfio-pci should be reported as loaded")
	}
	if sysfs.ModuleLoaded("vfio_iommu_type1") {
		t.Error("vfio_iommu_type1 should not be loaded")
	}

	if sysfs.NoIOMMUModeEnabled() {
		t.Error("no-IOMMU mode should default to disabled")
	}
	tr.SetModuleParam("vfio", "enable_unsafe_noiommu_mode", "Y")
	if !sysfs.NoIOMMUModeEnabled() {
		t.Error("no-IOMMU mode should be enabled")
	}
	if !sysfs.IOMMUGroupsPresent() {
		t.Error("fake host has IOMMU groups")
	}
}
