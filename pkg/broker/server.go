// Package broker shares VFIO devices between processes.
//
// The broker opens every VFIO group on the host once and serves device
// and container descriptors to client processes over an abstract
// SEQPACKET socket. One goroutine owns all state and multiplexes the
// listener and every client with poll(2), so nothing is locked. Clients
// sharing a container reserve IOVA through the broker, which keeps the
// container's only tracker.
package broker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Nativu5/vfio-broker/pkg/config"
	"github.com/Nativu5/vfio-broker/pkg/iova"
	"github.com/Nativu5/vfio-broker/pkg/ipc"
	"github.com/Nativu5/vfio-broker/pkg/sysfs"
	"github.com/Nativu5/vfio-broker/pkg/types"
	"github.com/Nativu5/vfio-broker/pkg/vfio"
)

var (
	// ErrNoGroups means no IOMMU group is bound to vfio.
	ErrNoGroups = errors.New("no VFIO groups found")
	// ErrTopologyMismatch means fewer groups or devices were opened than
	// sysfs lists.
	ErrTopologyMismatch = errors.New("opened groups or devices differ from sysfs")
)

// Device is a broker-managed device handle.
type Device interface {
	Open(dma types.DMACapability) error
	Close() error
	IsOpen() bool
	File() *os.File
	DMA() types.DMACapability
}

// Container is the container a device belongs to.
type Container interface {
	Mode() vfio.IOMMUMode
	File() *os.File
	GroupNumbers() []int
	AllocateIOVA(dma types.DMACapability, size uint64) (iova.Region, bool, error)
	FreeIOVA(r iova.Region) error
	UnmapDMA(iova, size uint64) error
}

type entry struct {
	addr      types.PCIAddress
	dev       Device
	container Container
	refs      int
}

type reservation struct {
	addr      types.PCIAddress
	container Container
	region    iova.Region
}

type client struct {
	id           int
	conn         *ipc.Conn
	devices      map[types.PCIAddress]bool
	reservations []reservation
}

// Server is the broker. It is driven by Serve on a single goroutine;
// only Shutdown may be called from elsewhere.
type Server struct {
	cfg      config.Config
	host     *vfio.Host
	listener *ipc.Listener
	wakeFD   int
	devices  map[types.PCIAddress]*entry
	clients  []*client
	nextID   int
}

// New opens every VFIO group and probes every device in it. The devices
// are closed again afterwards; they are reopened on client demand.
func New(cfg config.Config) (*Server, error) {
	groups, err := sysfs.ListVFIOGroups()
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, ErrNoGroups
	}

	host := vfio.NewHost(cfg)
	expected := 0
	for _, g := range groups {
		addrs, err := sysfs.GroupDevices(g.Number)
		if err != nil {
			host.Close()
			return nil, err
		}
		expected += len(addrs)

		devs, err := host.AttachGroup(g.Number)
		if err != nil {
			host.Close()
			return nil, fmt.Errorf("group %d: %w", g.Number, err)
		}
		for _, d := range devs {
			if err := probe(d); err != nil {
				host.Close()
				return nil, err
			}
		}
	}
	if len(host.Groups()) != len(groups) || len(host.Devices()) != expected {
		err := fmt.Errorf("%w: %d/%d groups, %d/%d devices", ErrTopologyMismatch,
			len(host.Groups()), len(groups), len(host.Devices()), expected)
		host.Close()
		return nil, err
	}

	s := newServer(cfg)
	s.host = host
	for _, d := range host.Devices() {
		s.add(d.Address, d, d.Container())
	}
	log.Infof("broker: %d group(s), %d device(s), %d container(s)", len(groups), expected, len(host.Containers()))
	return s, nil
}

func probe(d *vfio.Device) error {
	if err := d.Open(types.DMANone); err != nil {
		return fmt.Errorf("probe %s: %w", d.Address, err)
	}
	return d.Close()
}

func newServer(cfg config.Config) *Server {
	return &Server{
		cfg:     cfg,
		wakeFD:  -1,
		devices: make(map[types.PCIAddress]*entry),
	}
}

func (s *Server) add(addr types.PCIAddress, d Device, c Container) {
	s.devices[addr] = &entry{addr: addr, dev: d, container: c}
}

// Start binds the socket. It fails when another broker holds the name.
func (s *Server) Start() error {
	wake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return os.NewSyscallError("eventfd", err)
	}
	l, err := ipc.Listen(s.cfg.SocketName)
	if err != nil {
		unix.Close(wake)
		return err
	}
	s.wakeFD, s.listener = wake, l
	log.Infof("broker: listening on @%s", s.cfg.SocketName)
	return nil
}

// Serve runs the event loop until Shutdown, then closes every client and
// device.
func (s *Server) Serve() error {
	defer s.teardown()
	for {
		stop, err := s.step(-1)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
}

// Shutdown makes Serve return. It is safe to call from any goroutine.
func (s *Server) Shutdown() error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, err := unix.Write(s.wakeFD, one[:])
	return err
}

// step waits up to timeout milliseconds (-1: forever) and handles every
// ready endpoint.
func (s *Server) step(timeout int) (bool, error) {
	polled := slices.Clone(s.clients)
	pfds := make([]unix.PollFd, 0, 2+len(polled))
	pfds = append(pfds,
		unix.PollFd{Fd: int32(s.wakeFD), Events: unix.POLLIN},
		unix.PollFd{Fd: int32(s.listener.FD()), Events: unix.POLLIN})
	for _, c := range polled {
		pfds = append(pfds, unix.PollFd{Fd: int32(c.conn.FD()), Events: unix.POLLIN})
	}

	if _, err := unix.Poll(pfds, timeout); err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, os.NewSyscallError("poll", err)
	}

	if pfds[0].Revents != 0 {
		log.Info("broker: shutdown requested")
		return true, nil
	}
	if pfds[1].Revents&unix.POLLIN != 0 {
		s.accept()
	}
	for i, c := range polled {
		if pfds[2+i].Revents == 0 {
			continue
		}
		if err := s.handle(c); err != nil {
			log.WithField("client", c.id).Infof("broker: disconnecting client: %v", err)
			s.drop(c)
		}
	}
	return false, nil
}

func (s *Server) accept() {
	conn, err := s.listener.Accept()
	if err != nil {
		log.Warnf("broker: accept: %v", err)
		return
	}
	if len(s.clients) >= s.cfg.MaxClients {
		log.Warnf("broker: rejecting client: %v", &types.CapacityError{Resource: "clients", Limit: s.cfg.MaxClients})
		conn.Close()
		return
	}
	s.nextID++
	c := &client{id: s.nextID, conn: conn, devices: make(map[types.PCIAddress]bool)}
	s.clients = append(s.clients, c)
	log.WithField("client", c.id).Debug("broker: client connected")
}

// handle serves one request. An error tears the client down.
func (s *Server) handle(c *client) error {
	buf := make([]byte, MaxMessageSize)
	n, files, err := c.conn.Recv(buf)
	for _, f := range files {
		f.Close()
	}
	if err != nil {
		return err
	}
	msg := buf[:n]

	kind, err := PeekKind(msg)
	if err != nil {
		return err
	}
	switch kind {
	case KindOpenDevice:
		var req OpenRequest
		if err := Decode(msg, kind, &req); err != nil {
			return err
		}
		if !req.DMA.Valid() {
			return fmt.Errorf("%w: %s", ErrMalformed, req.DMA)
		}
		reply, files := s.openDevice(c, req)
		return s.reply(c, KindOpenDeviceReply, &reply, files...)

	case KindReserveIOVA:
		var req ReserveRequest
		if err := Decode(msg, kind, &req); err != nil {
			return err
		}
		reply := s.reserveIOVA(c, req)
		return s.reply(c, KindReserveIOVAReply, &reply)

	case KindReleaseIOVA:
		var req ReleaseRequest
		if err := Decode(msg, kind, &req); err != nil {
			return err
		}
		reply := s.releaseIOVA(c, req)
		return s.reply(c, KindReleaseIOVAReply, &reply)
	}
	return fmt.Errorf("%w: unexpected %s", ErrMalformed, kind)
}

func (s *Server) reply(c *client, kind Kind, body any, files ...*os.File) error {
	msg, err := Encode(kind, body)
	if err != nil {
		return err
	}
	return c.conn.Send(msg, files...)
}

func (s *Server) openDevice(c *client, req OpenRequest) (OpenReply, []*os.File) {
	logger := log.WithFields(log.Fields{"client": c.id, "device": req.Address})
	e, ok := s.devices[req.Address]
	if !ok {
		logger.Warn("broker: open of unknown device")
		return OpenReply{}, nil
	}
	if err := e.dev.Open(req.DMA); err != nil {
		logger.Warnf("broker: open failed: %v", err)
		return OpenReply{}, nil
	}
	if !c.devices[req.Address] {
		c.devices[req.Address] = true
		e.refs++
	}

	reply := OpenReply{OK: true, DMA: e.dev.DMA(), Mode: uint32(e.container.Mode())}
	reply.SetGroups(e.container.GroupNumbers())
	files := []*os.File{e.dev.File()}
	if req.WantContainer {
		reply.HasContainer = true
		files = append(files, e.container.File())
	}
	logger.Debugf("broker: device opened (dma %s, %d user(s))", e.dev.DMA(), e.refs)
	return reply, files
}

func (s *Server) reserveIOVA(c *client, req ReserveRequest) ReserveReply {
	logger := log.WithFields(log.Fields{"client": c.id, "device": req.Address})
	e, ok := s.devices[req.Address]
	if !ok || !c.devices[req.Address] {
		logger.Warn("broker: IOVA request for a device the client has not opened")
		return ReserveReply{}
	}
	r, ok, err := e.container.AllocateIOVA(e.dev.DMA(), req.Size)
	if err != nil || !ok {
		logger.Warnf("broker: no IOVA space for %d bytes (err %v)", req.Size, err)
		return ReserveReply{}
	}
	c.reservations = append(c.reservations, reservation{addr: req.Address, container: e.container, region: r})
	return ReserveReply{OK: true, Start: r.Start, End: r.End}
}

func (s *Server) releaseIOVA(c *client, req ReleaseRequest) ReleaseReply {
	e, ok := s.devices[req.Address]
	if !ok {
		return ReleaseReply{}
	}
	for i, res := range c.reservations {
		if res.container != e.container || res.region.Start != req.Start || res.region.End != req.End {
			continue
		}
		if err := res.container.FreeIOVA(res.region); err != nil {
			log.WithField("client", c.id).Errorf("broker: free %s: %v", res.region, err)
			return ReleaseReply{}
		}
		c.reservations = slices.Delete(c.reservations, i, i+1)
		return ReleaseReply{OK: true}
	}
	log.WithField("client", c.id).Warnf("broker: release of unknown IOVA range [%#x-%#x]", req.Start, req.End)
	return ReleaseReply{}
}

// drop releases everything the client holds and closes devices nobody
// uses any more. A client may die between mapping and unmapping, and the
// broker's container descriptor keeps such mappings alive, so every
// reservation is unmapped before it returns to the tracker.
func (s *Server) drop(c *client) {
	logger := log.WithField("client", c.id)
	for _, res := range c.reservations {
		if err := res.container.UnmapDMA(res.region.Start, res.region.Size()); err != nil && !errors.Is(err, unix.ENOENT) {
			logger.Errorf("broker: unmap %s: %v, leaking the range", res.region, err)
			continue
		}
		if err := res.container.FreeIOVA(res.region); err != nil {
			logger.Errorf("broker: free %s: %v", res.region, err)
		}
	}
	c.reservations = nil

	for addr := range c.devices {
		e := s.devices[addr]
		e.refs--
		if e.refs > 0 {
			continue
		}
		if err := e.dev.Close(); err != nil {
			log.WithField("device", addr).Warnf("broker: close: %v", err)
		}
		log.WithField("device", addr).Debug("broker: device closed, no users left")
	}
	c.devices = nil

	c.conn.Close()
	s.clients = slices.DeleteFunc(s.clients, func(o *client) bool { return o == c })
}

func (s *Server) teardown() {
	for len(s.clients) > 0 {
		s.drop(s.clients[0])
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if s.host != nil {
		if err := s.host.Close(); err != nil {
			log.Warnf("broker: %v", err)
		}
	} else {
		for _, e := range s.devices {
			e.dev.Close()
		}
	}
	if s.wakeFD >= 0 {
		unix.Close(s.wakeFD)
		s.wakeFD = -1
	}
}

// Devices returns the addresses the broker serves.
func (s *Server) Devices() []types.PCIAddress {
	addrs := make([]types.PCIAddress, 0, len(s.devices))
	for addr := range s.devices {
		addrs = append(addrs, addr)
	}
	slices.SortFunc(addrs, func(a, b types.PCIAddress) int { return strings.Compare(a.String(), b.String()) })
	return addrs
}
