// Package discover provides output formatting for the discover subcommand.
package discover

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/Nativu5/vfio-broker/pkg/sysfs"
	"github.com/Nativu5/vfio-broker/pkg/types"
)

// Ready reports whether a device can be opened through VFIO as is.
func Ready(dev types.PCIDevice) bool {
	return dev.Driver == sysfs.VFIODriver && dev.IOMMUGroup >= 0
}

func groupString(dev types.PCIDevice) string {
	switch {
	case dev.IOMMUGroup < 0:
		return "(none)"
	case dev.NoIOMMU:
		return "noiommu-" + strconv.Itoa(dev.IOMMUGroup)
	}
	return strconv.Itoa(dev.IOMMUGroup)
}

// PrintTable renders discovered PCI devices as a human-readable table.
func PrintTable(w io.Writer, devices []types.PCIDevice) {
	table := tablewriter.NewTable(w)
	table.Header("PCI ADDRESS", "VENDOR:DEVICE", "SUBSYSTEM", "DRIVER", "IOMMU GROUP", "DMA", "READY")
	for _, dev := range devices {
		driver := dev.Driver
		if driver == "" {
			driver = "(unbound)"
		}
		ready := "no"
		if Ready(dev) {
			ready = "yes"
		}
		table.Append(
			dev.Address.String(),
			fmt.Sprintf("%04x:%04x", dev.Identity.Vendor, dev.Identity.Device),
			fmt.Sprintf("%04x:%04x", dev.Identity.SubsystemVendor, dev.Identity.SubsystemDevice),
			driver,
			groupString(dev),
			dev.DMA.String(),
			ready,
		)
	}
	table.Render()
}

// DeviceJSON is the JSON representation of a discovered PCI device.
type DeviceJSON struct {
	PciAddress      string `json:"pci_address"`
	Vendor          string `json:"vendor"`
	Device          string `json:"device"`
	SubsystemVendor string `json:"subsystem_vendor"`
	SubsystemDevice string `json:"subsystem_device"`
	Driver          string `json:"driver,omitempty"`
	IOMMUGroup      *int   `json:"iommu_group,omitempty"`
	NoIOMMU         bool   `json:"noiommu,omitempty"`
	DMA             string `json:"dma"`
	Ready           bool   `json:"ready"`
}

// PrintJSON renders discovered PCI devices as JSON.
func PrintJSON(w io.Writer, devices []types.PCIDevice) error {
	out := make([]DeviceJSON, 0, len(devices))
	for _, dev := range devices {
		d := DeviceJSON{
			PciAddress:      dev.Address.String(),
			Vendor:          fmt.Sprintf("%04x", dev.Identity.Vendor),
			Device:          fmt.Sprintf("%04x", dev.Identity.Device),
			SubsystemVendor: fmt.Sprintf("%04x", dev.Identity.SubsystemVendor),
			SubsystemDevice: fmt.Sprintf("%04x", dev.Identity.SubsystemDevice),
			Driver:          dev.Driver,
			NoIOMMU:         dev.NoIOMMU,
			DMA:             dev.DMA.String(),
			Ready:           Ready(dev),
		}
		if dev.IOMMUGroup >= 0 {
			group := dev.IOMMUGroup
			d.IOMMUGroup = &group
		}
		out = append(out, d)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
