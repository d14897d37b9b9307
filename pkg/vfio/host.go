// Package vfio opens PCI devices through the kernel VFIO framework.
//
// A Host owns every container, group and device of the process. Groups
// are attached to the first container that accepts them so that devices
// share one IOVA space whenever the IOMMU allows it.
package vfio

import (
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/vfio-broker/pkg/config"
	"github.com/Nativu5/vfio-broker/pkg/sysfs"
	"github.com/Nativu5/vfio-broker/pkg/types"
)

// Host is the set of VFIO objects owned by this process. It is not safe
// for concurrent use.
type Host struct {
	cfg        config.Config
	containers []*Container
	groups     map[int]*Group
	devices    map[types.PCIAddress]*Device
	order      []types.PCIAddress
}

// NewHost returns an empty Host using cfg for limits, IOVA policy and
// reset timeout.
func NewHost(cfg config.Config) *Host {
	return &Host{
		cfg:     cfg,
		groups:  make(map[int]*Group),
		devices: make(map[types.PCIAddress]*Device),
	}
}

// Open attaches the device's group and opens the device with the given
// DMA capability.
func (h *Host) Open(addr types.PCIAddress, dma types.DMACapability) (*Device, error) {
	d, err := h.Attach(addr)
	if err != nil {
		return nil, err
	}
	if err := d.Open(dma); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"device": addr, "dma": d.DMA()}).Info("device opened")
	return d, nil
}

// Attach registers the device and makes sure its group is open and
// attached to a container. The device itself stays closed.
func (h *Host) Attach(addr types.PCIAddress) (*Device, error) {
	if d, ok := h.devices[addr]; ok {
		return d, nil
	}
	if len(h.devices) >= h.cfg.MaxDevices {
		return nil, &types.CapacityError{Resource: "devices", Limit: h.cfg.MaxDevices}
	}

	n, err := sysfs.GetIOMMUGroup(addr)
	if err != nil {
		return nil, err
	}
	g, err := h.group(n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", addr, err)
	}

	id, err := sysfs.GetIdentity(addr)
	if err != nil {
		log.WithField("device", addr).Debugf("identity unavailable: %v", err)
	}
	d := newDevice(addr, id, g, h.cfg.Timeout())
	h.devices[addr] = d
	h.order = append(h.order, addr)
	return d, nil
}

// AttachGroup opens group n and attaches every PCI device in it.
func (h *Host) AttachGroup(n int) ([]*Device, error) {
	addrs, err := sysfs.GroupDevices(n)
	if err != nil {
		return nil, err
	}
	if _, err := h.group(n); err != nil {
		return nil, err
	}
	devs := make([]*Device, 0, len(addrs))
	for _, addr := range addrs {
		d, err := h.Attach(addr)
		if err != nil {
			return devs, err
		}
		devs = append(devs, d)
	}
	return devs, nil
}

// OpenAll opens the scanned devices with their filter-assigned DMA
// capability. Devices that cannot be set up are skipped with a warning;
// only running out of capacity stops.
func (h *Host) OpenAll(found []types.PCIDevice) ([]*Device, error) {
	var opened []*Device
	for _, pd := range found {
		d, err := h.Open(pd.Address, pd.DMA)
		if err != nil {
			var capErr *types.CapacityError
			if errors.As(err, &capErr) {
				return opened, err
			}
			log.WithField("device", pd.Address).Warnf("skipping device: %v", err)
			continue
		}
		opened = append(opened, d)
	}
	return opened, nil
}

func (h *Host) group(n int) (*Group, error) {
	if g, ok := h.groups[n]; ok {
		return g, nil
	}
	noIOMMU := sysfs.IsNoIOMMUGroup(n)
	g, err := openGroup(sysfs.Group{Number: n, NoIOMMU: noIOMMU, Path: sysfs.GroupPath(n, noIOMMU)})
	if err != nil {
		return nil, err
	}
	if err := h.attachGroup(g); err != nil {
		g.Close()
		return nil, err
	}
	h.groups[n] = g
	return g, nil
}

// attachGroup tries every existing container before creating a new one.
func (h *Host) attachGroup(g *Group) error {
	for _, c := range h.containers {
		if c.NoIOMMU() != g.NoIOMMU {
			continue
		}
		err := g.attach(c)
		if err == nil {
			return nil
		}
		log.WithField("group", g.Number).Debugf("container rejected group: %v", err)
	}

	c, err := openContainer()
	if err != nil {
		return err
	}
	if err := g.attach(c); err != nil {
		c.Close()
		return err
	}
	if err := c.setIOMMU(h.cfg.Policy()); err != nil {
		g.Close()
		c.Close()
		return err
	}
	h.containers = append(h.containers, c)
	return nil
}

// Device returns a registered device.
func (h *Host) Device(addr types.PCIAddress) (*Device, bool) {
	d, ok := h.devices[addr]
	return d, ok
}

// Devices returns registered devices in registration order.
func (h *Host) Devices() []*Device {
	devs := make([]*Device, 0, len(h.order))
	for _, addr := range h.order {
		devs = append(devs, h.devices[addr])
	}
	return devs
}

// Groups returns the open groups ordered by number.
func (h *Host) Groups() []*Group {
	groups := make([]*Group, 0, len(h.groups))
	for _, g := range h.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Number < groups[j].Number })
	return groups
}

// Containers returns the open containers.
func (h *Host) Containers() []*Container {
	return h.containers
}

// Close releases devices, then groups, then containers.
func (h *Host) Close() error {
	var errs []error
	for _, d := range h.Devices() {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", d.Address, err))
		}
	}
	for _, g := range h.Groups() {
		if err := g.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close group %d: %w", g.Number, err))
		}
	}
	for _, c := range h.containers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.devices = make(map[types.PCIAddress]*Device)
	h.groups = make(map[int]*Group)
	h.order, h.containers = nil, nil
	return errors.Join(errs...)
}
