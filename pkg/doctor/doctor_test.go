package doctor

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/Nativu5/vfio-broker/pkg/sysfs"
	"github.com/Nativu5/vfio-broker/pkg/sysfs/sysfstest"
	"github.com/Nativu5/vfio-broker/pkg/types"
)

// helpers

const (
	healthyAddr  = "0000:ee:00.0"
	siblingAddr  = "0000:ee:00.1"
	nicAddr      = "0000:ee:01.0"
	orphanAddr   = "0000:ee:02.0"
	noIOMMUAddr  = "0000:ee:03.0"
	healthyGroup = 12
)

var fpga = types.Identity{Vendor: 0x10ee, Device: 0x7024}

func fakeHost(t *testing.T) *sysfstest.Tree {
	tr := sysfstest.New(t)
	tr.AddDevice(sysfstest.Device{Address: healthyAddr, Identity: fpga, Driver: sysfs.VFIODriver, Group: healthyGroup})
	tr.AddDevice(sysfstest.Device{Address: nicAddr, Identity: fpga, Driver: "mlx5_core", Group: 40})
	tr.AddDevice(sysfstest.Device{Address: orphanAddr, Identity: fpga, Group: -1})
	tr.AddDevice(sysfstest.Device{Address: noIOMMUAddr, Identity: fpga, Driver: sysfs.VFIODriver, Group: 3, NoIOMMU: true})
	return tr
}

func describe(t *testing.T, addr string) types.PCIDevice {
	t.Helper()
	dev, err := sysfs.DescribeDevice(types.MustParsePCIAddress(addr))
	if err != nil {
		t.Fatalf("DescribeDevice(%s): %v", addr, err)
	}
	return dev
}

func findCheck(report *Report, check string) (CheckResult, bool) {
	for _, cr := range report.Results {
		if cr.Check == check {
			return cr, true
		}
	}
	return CheckResult{}, false
}

func expectSeverity(t *testing.T, report *Report, check string, want Severity) {
	t.Helper()
	cr, ok := findCheck(report, check)
	if !ok {
		t.Errorf("expected %s check in report", check)
		return
	}
	if cr.Severity != want {
		t.Errorf("%s severity = %s, want %s (%s)", check, cr.Severity, want, cr.Message)
	}
}

// DiagnoseDevice tests

func TestDiagnoseDevice_FullyHealthy(t *testing.T) {
	fakeHost(t)
	report := DiagnoseDevice(describe(t, healthyAddr))

	for _, check := range []string{"driver", "iommu_group", "group_viable", "group_access", "kernel_ownership"} {
		expectSeverity(t, report, check, Pass)
	}
	if report.HasFail || report.HasWarn {
		t.Errorf("healthy device should not warn or fail: %+v", report.Results)
	}
}

func TestDiagnoseDevice_GroupNotViable(t *testing.T) {
	tr := fakeHost(t)
	tr.AddDevice(sysfstest.Device{Address: siblingAddr, Identity: fpga, Driver: "xhci_hcd", Group: healthyGroup})

	report := DiagnoseDevice(describe(t, healthyAddr))
	expectSeverity(t, report, "group_viable", Fail)
	cr, _ := findCheck(report, "group_viable")
	if !strings.Contains(cr.Message, siblingAddr) {
		t.Errorf("message should name the offending sibling: %q", cr.Message)
	}
}

func TestDiagnoseDevice_KernelDriver(t *testing.T) {
	tr := fakeHost(t)
	tr.AddNetDev(nicAddr, "enp238s1f0")

	report := DiagnoseDevice(describe(t, nicAddr))
	expectSeverity(t, report, "driver", Fail)
	expectSeverity(t, report, "group_access", Fail)
	expectSeverity(t, report, "kernel_ownership", Warn)
	if !report.HasFail {
		t.Error("report should have HasFail")
	}
}

func TestDiagnoseDevice_NoGroup(t *testing.T) {
	fakeHost(t)
	report := DiagnoseDevice(describe(t, orphanAddr))

	expectSeverity(t, report, "iommu_group", Fail)
	expectSeverity(t, report, "driver", Fail)
	if _, ok := findCheck(report, "group_access"); ok {
		t.Error("group_access should be skipped without a group")
	}
}

func TestDiagnoseDevice_NoIOMMU(t *testing.T) {
	fakeHost(t)
	report := DiagnoseDevice(describe(t, noIOMMUAddr))

	expectSeverity(t, report, "group_access", Pass)
	expectSeverity(t, report, "noiommu", Warn)
	if _, ok := findCheck(report, "cap_sys_rawio"); !ok {
		t.Error("expected cap_sys_rawio check for a no-IOMMU device")
	}
}

func TestDiagnoseDevice_RawIO(t *testing.T) {
	fakeHost(t)
	defer func(orig func() (bool, error)) { hasRawIO = orig }(hasRawIO)

	tests := []struct {
		name string
		has  bool
		err  error
		want Severity
	}{
		{"present", true, nil, Pass},
		{"missing", false, nil, Fail},
		{"unreadable", false, errors.New("no /proc"), Warn},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hasRawIO = func() (bool, error) { return tc.has, tc.err }
			report := DiagnoseDevice(describe(t, noIOMMUAddr))
			expectSeverity(t, report, "cap_sys_rawio", tc.want)
		})
	}

	hasRawIO = func() (bool, error) { t.Fatal("checked for an IOMMU-backed device"); return false, nil }
	DiagnoseDevice(describe(t, healthyAddr))
}

func TestDiagnoseDevice_RawIOMissingRemediation(t *testing.T) {
	fakeHost(t)
	defer func(orig func() (bool, error)) { hasRawIO = orig }(hasRawIO)
	hasRawIO = func() (bool, error) { return false, nil }

	cr, _ := findCheck(DiagnoseDevice(describe(t, noIOMMUAddr)), "cap_sys_rawio")
	if !strings.Contains(cr.Message, "setcap cap_sys_rawio+ep") {
		t.Errorf("message should carry the setcap remediation, got %q", cr.Message)
	}
}

// DiagnoseHost tests

func TestDiagnoseHost_Healthy(t *testing.T) {
	tr := fakeHost(t)
	tr.LoadModule("vfio")
	tr.LoadModule("vfio_pci")
	tr.LoadModule("vfio_iommu_type1")
	tr.AddContainer()

	report := DiagnoseHost()
	for _, check := range []string{"kernel_modules", "iommu", "vfio_container"} {
		expectSeverity(t, report, check, Pass)
	}
}

func TestDiagnoseHost_Empty(t *testing.T) {
	sysfstest.New(t)
	report := DiagnoseHost()
	for _, check := range []string{"kernel_modules", "iommu", "vfio_container"} {
		expectSeverity(t, report, check, Fail)
	}
}

func TestDiagnoseHost_NoIOMMUMode(t *testing.T) {
	tr := sysfstest.New(t)
	tr.LoadModule("vfio_pci")
	tr.SetModuleParam("vfio", "enable_unsafe_noiommu_mode", "Y")

	report := DiagnoseHost()
	expectSeverity(t, report, "kernel_modules", Pass)
	expectSeverity(t, report, "iommu", Warn)
}

// MergeReports tests

func TestMergeReports(t *testing.T) {
	r1 := &Report{}
	r1.add(CheckResult{Check: "a", Severity: Pass, Message: "ok"})

	r2 := &Report{}
	r2.add(CheckResult{Check: "b", Severity: Warn, Message: "warn"})

	merged := MergeReports(r1, r2)

	if len(merged.Results) != 2 {
		t.Errorf("expected 2 results, got %d", len(merged.Results))
	}
	if !merged.HasWarn {
		t.Error("merged should have HasWarn=true")
	}
	if merged.HasFail {
		t.Error("merged should not have HasFail")
	}
}

func TestMergeReports_WithFail(t *testing.T) {
	r1 := &Report{}
	r1.add(CheckResult{Check: "a", Severity: Pass})
	r2 := &Report{}
	r2.add(CheckResult{Check: "b", Severity: Fail})

	merged := MergeReports(r1, r2)
	if !merged.HasFail {
		t.Error("merged should have HasFail=true")
	}
}

// Strict exit code logic

func TestStrictExitCodeLogic(t *testing.T) {
	tests := []struct {
		name        string
		hasWarn     bool
		hasFail     bool
		strict      bool
		wantNonZero bool
	}{
		{"all_pass_no_strict", false, false, false, false},
		{"all_pass_strict", false, false, true, false},
		{"warn_no_strict", true, false, false, false},
		{"warn_strict", true, false, true, true},
		{"fail_no_strict", false, true, false, true},
		{"fail_strict", false, true, true, true},
		{"warn_and_fail_strict", true, true, true, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			report := &Report{HasWarn: tc.hasWarn, HasFail: tc.hasFail}
			shouldExitNonZero := report.HasFail || (tc.strict && report.HasWarn)
			if shouldExitNonZero != tc.wantNonZero {
				t.Errorf("strict=%v, hasWarn=%v, hasFail=%v: shouldExit=%v, want %v",
					tc.strict, tc.hasWarn, tc.hasFail, shouldExitNonZero, tc.wantNonZero)
			}
		})
	}
}

// Output tests

func TestPrintTable_Output(t *testing.T) {
	report := &Report{}
	report.add(CheckResult{Check: "test_check", Severity: Pass, Message: "all good", Device: "0000:17:00.0"})
	report.add(CheckResult{Check: "test_warn", Severity: Warn, Message: "heads up", Device: "0000:17:00.0"})

	// With showPass=true, both entries visible
	var buf bytes.Buffer
	PrintTable(&buf, report, true)
	output := buf.String()
	if !strings.Contains(output, "PASS") {
		t.Error("table with showPass=true should contain PASS")
	}
	if !strings.Contains(output, "WARN") {
		t.Error("table with showPass=true should contain WARN")
	}

	// With showPass=false, only WARN visible
	buf.Reset()
	PrintTable(&buf, report, false)
	output = buf.String()
	if strings.Contains(output, "PASS") {
		t.Error("table with showPass=false should not contain PASS")
	}
	if !strings.Contains(output, "WARN") {
		t.Error("table with showPass=false should still contain WARN")
	}
}

func TestPrintTable_AllPass_NoShowPass(t *testing.T) {
	report := &Report{}
	report.add(CheckResult{Check: "ok", Severity: Pass, Message: "fine"})

	var buf bytes.Buffer
	PrintTable(&buf, report, false)
	output := buf.String()
	if !strings.Contains(output, "All checks passed.") {
		t.Errorf("expected 'All checks passed.' message, got: %q", output)
	}
}

func TestPrintJSON_Output(t *testing.T) {
	report := &Report{}
	report.add(CheckResult{Check: "test", Severity: Pass, Message: "ok", Device: "0000:17:00.0"})

	var buf bytes.Buffer
	if err := PrintJSON(&buf, report, true); err != nil {
		t.Fatalf("PrintJSON failed: %v", err)
	}

	var results []CheckResult
	if err := json.Unmarshal(buf.Bytes(), &results); err != nil {
		t.Fatalf("JSON output is not valid: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result, got %d", len(results))
	}

	// With showPass=false, PASS should be excluded
	buf.Reset()
	if err := PrintJSON(&buf, report, false); err != nil {
		t.Fatalf("PrintJSON failed: %v", err)
	}
	var filtered []CheckResult
	if err := json.Unmarshal(buf.Bytes(), &filtered); err != nil {
		t.Fatalf("JSON output is not valid: %v", err)
	}
	if len(filtered) != 0 {
		t.Errorf("expected 0 results with showPass=false, got %d", len(filtered))
	}
}

// Severity values

func TestSeverityValues(t *testing.T) {
	if string(Pass) != "PASS" {
		t.Errorf("Pass = %q, want PASS", Pass)
	}
	if string(Warn) != "WARN" {
		t.Errorf("Warn = %q, want WARN", Warn)
	}
	if string(Fail) != "FAIL" {
		t.Errorf("Fail = %q, want FAIL", Fail)
	}
}
