// Package doctor provides VFIO environment diagnostics.
// It checks kernel modules, IOMMU availability, driver binding, group
// viability and access, and whether a kernel driver still owns a device.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/moby/sys/capability"
	"github.com/olekukonko/tablewriter"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/Nativu5/vfio-broker/pkg/sysfs"
	"github.com/Nativu5/vfio-broker/pkg/types"
)

// Severity levels for diagnostic checks.
type Severity string

const (
	Pass Severity = "PASS"
	Warn Severity = "WARN"
	Fail Severity = "FAIL"
)

// requiredKernelModules lists the kernel modules that must be loaded
// for VFIO passthrough to work.
var requiredKernelModules = []string{"vfio", "vfio_pci"}

// iommuModule is the IOMMU backend; it is absent in no-IOMMU setups.
const iommuModule = "vfio_iommu_type1"

// CheckResult represents one diagnostic check outcome.
type CheckResult struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Device   string   `json:"device,omitempty"`
}

// Report holds all diagnostic results for a device or the whole host.
type Report struct {
	Results []CheckResult `json:"results"`
	HasWarn bool          `json:"-"`
	HasFail bool          `json:"-"`
}

// add appends a result and updates summary flags.
func (r *Report) add(cr CheckResult) {
	r.Results = append(r.Results, cr)
	switch cr.Severity {
	case Warn:
		r.HasWarn = true
	case Fail:
		r.HasFail = true
	}
}

// filtered returns results, optionally excluding PASS entries.
func (r *Report) filtered(showPass bool) []CheckResult {
	if showPass {
		return r.Results
	}
	var out []CheckResult
	for _, cr := range r.Results {
		if cr.Severity != Pass {
			out = append(out, cr)
		}
	}
	return out
}

// DiagnoseHost runs the checks that do not depend on a device.
func DiagnoseHost() *Report {
	report := &Report{}
	checkKernelModules(report)
	checkIOMMU(report)
	checkContainer(report)
	return report
}

// checkKernelModules verifies that the VFIO kernel modules are loaded.
func checkKernelModules(report *Report) {
	var missing []string
	for _, mod := range requiredKernelModules {
		if !sysfs.ModuleLoaded(mod) {
			missing = append(missing, mod)
		}
	}
	if len(missing) > 0 {
		report.add(CheckResult{
			Check:    "kernel_modules",
			Severity: Fail,
			Message:  fmt.Sprintf("Missing kernel modules: %s (modprobe vfio-pci)", strings.Join(missing, ", ")),
		})
		return
	}
	report.add(CheckResult{
		Check:    "kernel_modules",
		Severity: Pass,
		Message:  fmt.Sprintf("All required kernel modules loaded: %s", strings.Join(requiredKernelModules, ", ")),
	})
}

// checkIOMMU tells apart a working IOMMU, the unsafe no-IOMMU mode and
// a host where VFIO cannot work at all.
func checkIOMMU(report *Report) {
	switch {
	case sysfs.IOMMUGroupsPresent() && sysfs.ModuleLoaded(iommuModule):
		report.add(CheckResult{
			Check:    "iommu",
			Severity: Pass,
			Message:  "IOMMU enabled, type1 backend loaded",
		})
	case sysfs.IOMMUGroupsPresent():
		report.add(CheckResult{
			Check:    "iommu",
			Severity: Warn,
			Message:  fmt.Sprintf("IOMMU groups present but %s is not loaded", iommuModule),
		})
	case sysfs.NoIOMMUModeEnabled():
		report.add(CheckResult{
			Check:    "iommu",
			Severity: Warn,
			Message:  "No IOMMU: running in unsafe no-IOMMU mode, devices can DMA anywhere",
		})
	default:
		report.add(CheckResult{
			Check:    "iommu",
			Severity: Fail,
			Message:  "No IOMMU groups; enable intel_iommu=on / amd_iommu=on or vfio enable_unsafe_noiommu_mode=1",
		})
	}
}

func checkContainer(report *Report) {
	path := sysfs.ContainerPath()
	if err := unix.Access(path, unix.R_OK|unix.W_OK); err != nil {
		report.add(CheckResult{
			Check:    "vfio_container",
			Severity: Fail,
			Message:  fmt.Sprintf("Cannot access %s: %v", path, err),
		})
		return
	}
	report.add(CheckResult{
		Check:    "vfio_container",
		Severity: Pass,
		Message:  fmt.Sprintf("%s is accessible", path),
	})
}

// DiagnoseDevice runs all checks on a single PCI device.
func DiagnoseDevice(dev types.PCIDevice) *Report {
	report := &Report{}
	addr := dev.Address.String()

	// 1. Driver binding
	if dev.Driver == sysfs.VFIODriver {
		report.add(CheckResult{
			Check:    "driver",
			Severity: Pass,
			Message:  fmt.Sprintf("Bound to %s", sysfs.VFIODriver),
			Device:   addr,
		})
	} else {
		driver := dev.Driver
		if driver == "" {
			driver = "no driver"
		}
		report.add(CheckResult{
			Check:    "driver",
			Severity: Fail,
			Message:  fmt.Sprintf("Bound to %s, not %s (driverctl set-override %s %s)", driver, sysfs.VFIODriver, addr, sysfs.VFIODriver),
			Device:   addr,
		})
	}

	// 2. IOMMU group, its viability and access
	if dev.IOMMUGroup < 0 {
		report.add(CheckResult{
			Check:    "iommu_group",
			Severity: Fail,
			Message:  "No IOMMU group assigned",
			Device:   addr,
		})
	} else {
		report.add(CheckResult{
			Check:    "iommu_group",
			Severity: Pass,
			Message:  fmt.Sprintf("IOMMU group %d", dev.IOMMUGroup),
			Device:   addr,
		})
		checkGroupViable(report, dev)
		checkGroupAccess(report, dev)
	}

	// 3. Leftover kernel ownership
	checkKernelOwnership(report, dev)

	if dev.NoIOMMU {
		report.add(CheckResult{
			Check:    "noiommu",
			Severity: Warn,
			Message:  "No-IOMMU group: opening the device needs CAP_SYS_RAWIO and DMA is unprotected",
			Device:   addr,
		})
		checkRawIO(report, dev)
	}
	return report
}

// hasRawIO reports whether this process holds CAP_SYS_RAWIO. Tests replace it.
var hasRawIO = func() (bool, error) {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return false, err
	}
	if err := caps.Load(); err != nil {
		return false, err
	}
	return caps.Get(capability.EFFECTIVE, capability.CAP_SYS_RAWIO), nil
}

// checkRawIO verifies the capability the kernel demands before it hands
// out a no-IOMMU device fd.
func checkRawIO(report *Report, dev types.PCIDevice) {
	addr := dev.Address.String()
	ok, err := hasRawIO()
	switch {
	case err != nil:
		report.add(CheckResult{
			Check:    "cap_sys_rawio",
			Severity: Warn,
			Message:  fmt.Sprintf("Cannot read process capabilities: %v", err),
			Device:   addr,
		})
	case ok:
		report.add(CheckResult{
			Check:    "cap_sys_rawio",
			Severity: Pass,
			Message:  "CAP_SYS_RAWIO is effective",
			Device:   addr,
		})
	default:
		exe, _ := os.Executable()
		report.add(CheckResult{
			Check:    "cap_sys_rawio",
			Severity: Fail,
			Message:  fmt.Sprintf("CAP_SYS_RAWIO missing (setcap cap_sys_rawio+ep %s)", exe),
			Device:   addr,
		})
	}
}

// checkGroupViable verifies every member of the group is bound to vfio-pci.
func checkGroupViable(report *Report, dev types.PCIDevice) {
	addr := dev.Address.String()
	members, err := sysfs.GroupDevices(dev.IOMMUGroup)
	if err != nil {
		report.add(CheckResult{
			Check:    "group_viable",
			Severity: Warn,
			Message:  fmt.Sprintf("Cannot list group members: %v", err),
			Device:   addr,
		})
		return
	}
	var offenders []string
	for _, m := range members {
		driver, err := sysfs.GetPCIDevDriver(m)
		if err != nil || driver != sysfs.VFIODriver {
			offenders = append(offenders, m.String())
		}
	}
	if len(offenders) > 0 {
		report.add(CheckResult{
			Check:    "group_viable",
			Severity: Fail,
			Message:  fmt.Sprintf("Group %d members not bound to %s: %s", dev.IOMMUGroup, sysfs.VFIODriver, strings.Join(offenders, ", ")),
			Device:   addr,
		})
		return
	}
	report.add(CheckResult{
		Check:    "group_viable",
		Severity: Pass,
		Message:  fmt.Sprintf("All %d member(s) of group %d bound to %s", len(members), dev.IOMMUGroup, sysfs.VFIODriver),
		Device:   addr,
	})
}

// checkGroupAccess verifies the group control file can be opened.
func checkGroupAccess(report *Report, dev types.PCIDevice) {
	addr := dev.Address.String()
	path := sysfs.GroupPath(dev.IOMMUGroup, dev.NoIOMMU)
	err := unix.Access(path, unix.R_OK|unix.W_OK)
	switch {
	case err == nil:
		report.add(CheckResult{
			Check:    "group_access",
			Severity: Pass,
			Message:  fmt.Sprintf("%s is accessible", path),
			Device:   addr,
		})
	case errors.Is(err, unix.ENOENT):
		report.add(CheckResult{
			Check:    "group_access",
			Severity: Fail,
			Message:  fmt.Sprintf("%s does not exist; group not bound to VFIO", path),
			Device:   addr,
		})
	default:
		report.add(CheckResult{
			Check:    "group_access",
			Severity: Fail,
			Message:  fmt.Sprintf("Cannot open %s: %v", path, err),
			Device:   addr,
		})
	}
}

// checkKernelOwnership flags devices whose network or RDMA side is still
// driven by the kernel.
func checkKernelOwnership(report *Report, dev types.PCIDevice) {
	addr := dev.Address.String()
	owned := false

	names, _ := sysfs.GetNetNames(dev.Address)
	for _, name := range names {
		owned = true
		msg := fmt.Sprintf("Network interface %s still present", name)
		if link, err := netlink.LinkByName(name); err == nil {
			attrs := link.Attrs()
			msg = fmt.Sprintf("Network interface %s still present (%s, MTU %d)", name, attrs.OperState, attrs.MTU)
		}
		report.add(CheckResult{
			Check:    "kernel_ownership",
			Severity: Warn,
			Message:  msg,
			Device:   addr,
		})
	}

	if rdmaDevs := sysfs.GetRdmaDevices(dev.Address); len(rdmaDevs) > 0 {
		owned = true
		report.add(CheckResult{
			Check:    "kernel_ownership",
			Severity: Warn,
			Message:  fmt.Sprintf("RDMA device(s) still registered: %s", strings.Join(rdmaDevs, ", ")),
			Device:   addr,
		})
	}

	if !owned {
		report.add(CheckResult{
			Check:    "kernel_ownership",
			Severity: Pass,
			Message:  "No kernel network or RDMA interfaces attached",
			Device:   addr,
		})
	}
}

// PrintTable renders the diagnostic report as a table.
// When showPass is false, only WARN/FAIL results are shown.
func PrintTable(w io.Writer, report *Report, showPass bool) {
	results := report.filtered(showPass)
	if len(results) == 0 {
		fmt.Fprintln(w, "All checks passed.")
		return
	}
	table := tablewriter.NewTable(w)
	table.Header("STATUS", "CHECK", "DEVICE", "MESSAGE")
	for _, r := range results {
		marker := "✓"
		switch r.Severity {
		case Warn:
			marker = "!"
		case Fail:
			marker = "✗"
		}
		dev := r.Device
		if dev == "" {
			dev = "(host)"
		}
		status := fmt.Sprintf("%s %s", marker, r.Severity)
		table.Append(status, r.Check, dev, r.Message)
	}
	table.Render()
}

// PrintJSON renders the diagnostic report as JSON.
// When showPass is false, only WARN/FAIL results are included.
func PrintJSON(w io.Writer, report *Report, showPass bool) error {
	results := report.filtered(showPass)
	if results == nil {
		results = []CheckResult{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// MergeReports combines multiple per-device reports into one.
func MergeReports(reports ...*Report) *Report {
	merged := &Report{}
	for _, r := range reports {
		for _, cr := range r.Results {
			merged.add(cr)
		}
	}
	return merged
}
