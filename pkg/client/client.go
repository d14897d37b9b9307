// Package client talks to a running vfio-broker.
package client

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/vfio-broker/pkg/broker"
	"github.com/Nativu5/vfio-broker/pkg/iova"
	"github.com/Nativu5/vfio-broker/pkg/ipc"
	"github.com/Nativu5/vfio-broker/pkg/types"
	"github.com/Nativu5/vfio-broker/pkg/vfio"
)

// ErrRefused means the broker answered a request with failure.
var ErrRefused = errors.New("request refused by broker")

// Grant is what the broker hands out for one device.
type Grant struct {
	Address   types.PCIAddress
	DMA       types.DMACapability
	Mode      vfio.IOMMUMode
	Groups    []int
	Device    *os.File
	Container *os.File
}

// Client is a connection to the broker. Closing it releases every device
// and IOVA reservation the broker holds for this client.
type Client struct {
	conn         *ipc.Conn
	resetTimeout time.Duration
	containers   map[string]*vfio.Container
}

// Dial connects to the broker listening on the abstract name.
func Dial(name string, resetTimeout time.Duration) (*Client, error) {
	conn, err := ipc.Dial(name)
	if err != nil {
		return nil, fmt.Errorf("is the broker running? %w", err)
	}
	return newClient(conn, resetTimeout), nil
}

func newClient(conn *ipc.Conn, resetTimeout time.Duration) *Client {
	return &Client{conn: conn, resetTimeout: resetTimeout, containers: make(map[string]*vfio.Container)}
}

func (c *Client) call(kind broker.Kind, req any, replyKind broker.Kind, reply any) ([]*os.File, error) {
	msg, err := broker.Encode(kind, req)
	if err != nil {
		return nil, err
	}
	if err := c.conn.Send(msg); err != nil {
		return nil, err
	}
	buf := make([]byte, broker.MaxMessageSize)
	n, files, err := c.conn.Recv(buf)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", replyKind, err)
	}
	if err := broker.Decode(buf[:n], replyKind, reply); err != nil {
		closeFiles(files)
		return nil, err
	}
	return files, nil
}

// OpenDevice asks the broker for the device descriptor and, with
// wantContainer, the container descriptor.
func (c *Client) OpenDevice(addr types.PCIAddress, dma types.DMACapability, wantContainer bool) (*Grant, error) {
	var reply broker.OpenReply
	files, err := c.call(broker.KindOpenDevice,
		&broker.OpenRequest{Address: addr, DMA: dma, WantContainer: wantContainer},
		broker.KindOpenDeviceReply, &reply)
	if err != nil {
		return nil, err
	}
	if !reply.OK {
		closeFiles(files)
		return nil, fmt.Errorf("open %s: %w", addr, ErrRefused)
	}
	want := 1
	if reply.HasContainer {
		want = 2
	}
	if len(files) != want {
		closeFiles(files)
		return nil, fmt.Errorf("open %s: got %d descriptors, want %d", addr, len(files), want)
	}

	g := &Grant{
		Address: addr,
		DMA:     reply.DMA,
		Mode:    vfio.IOMMUMode(reply.Mode),
		Groups:  reply.GroupNumbers(),
		Device:  files[0],
	}
	if reply.HasContainer {
		g.Container = files[1]
	}
	log.WithFields(log.Fields{"device": addr, "mode": g.Mode, "groups": g.Groups}).Debug("client: device granted")
	return g, nil
}

// ReserveIOVA reserves size bytes in the container of an opened device.
// ok is false when the broker has no space or refuses.
func (c *Client) ReserveIOVA(addr types.PCIAddress, size uint64) (iova.Region, bool, error) {
	var reply broker.ReserveReply
	if _, err := c.call(broker.KindReserveIOVA, &broker.ReserveRequest{Address: addr, Size: size},
		broker.KindReserveIOVAReply, &reply); err != nil {
		return iova.Region{}, false, err
	}
	if !reply.OK {
		return iova.Region{}, false, nil
	}
	return iova.Region{Start: reply.Start, End: reply.End, Allocated: true}, true, nil
}

// ReleaseIOVA returns a range obtained from ReserveIOVA.
func (c *Client) ReleaseIOVA(addr types.PCIAddress, r iova.Region) error {
	var reply broker.ReleaseReply
	if _, err := c.call(broker.KindReleaseIOVA, &broker.ReleaseRequest{Address: addr, Start: r.Start, End: r.End},
		broker.KindReleaseIOVAReply, &reply); err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("release %s: %w", r, ErrRefused)
	}
	return nil
}

// deviceAllocator routes IOVA requests to the broker on behalf of one
// device. The broker sizes the reservation by that device's capability
// merged over all of its sharers, so dma is not sent.
type deviceAllocator struct {
	c    *Client
	addr types.PCIAddress
}

func (a deviceAllocator) AllocateIOVA(_ types.DMACapability, size uint64) (iova.Region, bool, error) {
	return a.c.ReserveIOVA(a.addr, size)
}

func (a deviceAllocator) FreeIOVA(r iova.Region) error {
	return a.c.ReleaseIOVA(a.addr, r)
}

// Open obtains a device and wraps it, together with its container, in
// vfio handles usable with the dma package.
func (c *Client) Open(addr types.PCIAddress, dma types.DMACapability) (*vfio.Device, error) {
	g, err := c.OpenDevice(addr, dma, true)
	if err != nil {
		return nil, err
	}
	ctr, err := c.containerFor(g)
	if err != nil {
		g.Device.Close()
		return nil, err
	}
	d, err := vfio.AdoptDevice(addr, g.Device, ctr, g.DMA, c.resetTimeout)
	if err != nil {
		g.Device.Close()
		return nil, err
	}
	return d, nil
}

// containerFor returns the container of a grant. Devices sharing a
// container share one descriptor, but each gets its own view so IOVA is
// reserved for the device that is being mapped.
func (c *Client) containerFor(g *Grant) (*vfio.Container, error) {
	key := groupKey(g.Groups)
	base, ok := c.containers[key]
	if ok {
		g.Container.Close()
	} else {
		var err error
		base, err = vfio.AdoptContainer(g.Container, g.Mode)
		if err != nil {
			g.Container.Close()
			return nil, err
		}
		c.containers[key] = base
	}
	return base.WithAllocator(deviceAllocator{c: c, addr: g.Address}), nil
}

func groupKey(groups []int) string {
	parts := make([]string, len(groups))
	for i, g := range groups {
		parts[i] = strconv.Itoa(g)
	}
	return strings.Join(parts, ",")
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	for _, ctr := range c.containers {
		ctr.Close()
	}
	c.containers = nil
	return c.conn.Close()
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
