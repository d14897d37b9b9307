package broker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Nativu5/vfio-broker/pkg/config"
	"github.com/Nativu5/vfio-broker/pkg/iova"
	"github.com/Nativu5/vfio-broker/pkg/ipc"
	"github.com/Nativu5/vfio-broker/pkg/sysfs"
	"github.com/Nativu5/vfio-broker/pkg/sysfs/sysfstest"
	"github.com/Nativu5/vfio-broker/pkg/types"
	"github.com/Nativu5/vfio-broker/pkg/vfio"
)

type fakeDevice struct {
	file     *os.File
	open     bool
	dma      types.DMACapability
	opens    int
	closes   int
	failOpen error
}

// Open fails like vfio.Device.Open: the device is left as it was.
func (d *fakeDevice) Open(dma types.DMACapability) error {
	if d.failOpen != nil {
		return d.failOpen
	}
	if !d.open {
		d.opens++
	}
	d.open = true
	d.dma = d.dma.Merge(dma)
	return nil
}

func (d *fakeDevice) Close() error {
	if d.open {
		d.closes++
	}
	d.open = false
	d.dma = types.DMANone
	return nil
}

func (d *fakeDevice) IsOpen() bool             { return d.open }
func (d *fakeDevice) File() *os.File           { return d.file }
func (d *fakeDevice) DMA() types.DMACapability { return d.dma }

type fakeContainer struct {
	file      *os.File
	groups    []int
	tracker   *iova.Tracker
	unmapped  []iova.Range
	failUnmap error
}

func (c *fakeContainer) Mode() vfio.IOMMUMode { return vfio.ModeType1v2 }
func (c *fakeContainer) File() *os.File       { return c.file }
func (c *fakeContainer) GroupNumbers() []int  { return c.groups }

func (c *fakeContainer) AllocateIOVA(dma types.DMACapability, size uint64) (iova.Region, bool, error) {
	r, ok := c.tracker.AllocateFor(dma, size, iova.DefaultPolicy())
	return r, ok, nil
}

func (c *fakeContainer) FreeIOVA(r iova.Region) error { return c.tracker.Free(r) }

func (c *fakeContainer) UnmapDMA(start, size uint64) error {
	if c.failUnmap != nil {
		return c.failUnmap
	}
	c.unmapped = append(c.unmapped, iova.Range{Start: start, End: start + size - 1})
	return nil
}

var (
	addrA = types.MustParsePCIAddress("0000:17:00.0")
	addrB = types.MustParsePCIAddress("0000:41:00.0")
)

var fullSpace = iova.Range{Start: 0, End: 1<<40 - 1}

type fixture struct {
	s         *Server
	devA      *fakeDevice
	devB      *fakeDevice
	container *fakeContainer
}

func tempFile(t *testing.T, name string) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func newFixture(t *testing.T, maxClients int) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.SocketName = fmt.Sprintf("vfio-broker-test-%d-%s", os.Getpid(), t.Name())
	cfg.MaxClients = maxClients

	tr := iova.NewTracker()
	if err := tr.Seed([]iova.Range{fullSpace}); err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		s:         newServer(cfg),
		devA:      &fakeDevice{file: tempFile(t, "devA")},
		devB:      &fakeDevice{file: tempFile(t, "devB")},
		container: &fakeContainer{file: tempFile(t, "container"), groups: []int{12, 30}, tracker: tr},
	}
	f.s.add(addrA, f.devA, f.container)
	f.s.add(addrB, f.devB, f.container)
	if err := f.s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(f.s.teardown)
	return f
}

func (f *fixture) step(t *testing.T) {
	t.Helper()
	stop, err := f.s.step(1000)
	if err != nil || stop {
		t.Fatalf("step = %v, %v", stop, err)
	}
}

func (f *fixture) dial(t *testing.T) *ipc.Conn {
	t.Helper()
	c, err := ipc.Dial(f.s.cfg.SocketName)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	f.step(t)
	return c
}

func (f *fixture) call(t *testing.T, c *ipc.Conn, kind Kind, req any, replyKind Kind, reply any) []*os.File {
	t.Helper()
	msg, err := Encode(kind, req)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Send(msg); err != nil {
		t.Fatal(err)
	}
	f.step(t)
	buf := make([]byte, MaxMessageSize)
	n, files, err := c.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	t.Cleanup(func() {
		for _, f := range files {
			f.Close()
		}
	})
	if err := Decode(buf[:n], replyKind, reply); err != nil {
		t.Fatal(err)
	}
	return files
}

func (f *fixture) open(t *testing.T, c *ipc.Conn, addr types.PCIAddress, dma types.DMACapability, wantContainer bool) (OpenReply, []*os.File) {
	t.Helper()
	var reply OpenReply
	files := f.call(t, c, KindOpenDevice, &OpenRequest{Address: addr, DMA: dma, WantContainer: wantContainer}, KindOpenDeviceReply, &reply)
	return reply, files
}

func (f *fixture) disconnect(t *testing.T, c *ipc.Conn) {
	t.Helper()
	c.Close()
	f.step(t)
}

func TestOpenDeviceSharedRefcount(t *testing.T) {
	f := newFixture(t, 4)
	a := f.dial(t)
	b := f.dial(t)

	reply, files := f.open(t, a, addrA, types.DMA64, false)
	if !reply.OK || len(files) != 1 || reply.HasContainer {
		t.Fatalf("open by a: ok=%v files=%d container=%v", reply.OK, len(files), reply.HasContainer)
	}
	if diff := cmp.Diff([]int{12, 30}, reply.GroupNumbers()); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}
	if vfio.IOMMUMode(reply.Mode) != vfio.ModeType1v2 {
		t.Errorf("mode = %d", reply.Mode)
	}

	reply, files = f.open(t, b, addrA, types.DMA32, true)
	if !reply.OK || len(files) != 2 || !reply.HasContainer {
		t.Fatalf("open by b: ok=%v files=%d container=%v", reply.OK, len(files), reply.HasContainer)
	}
	if reply.DMA != types.DMA32 {
		t.Errorf("shared device DMA = %v, want 32", reply.DMA)
	}
	if f.devA.opens != 1 {
		t.Errorf("device opened %d times, want 1", f.devA.opens)
	}

	f.disconnect(t, a)
	if !f.devA.open {
		t.Fatal("device closed while b still uses it")
	}
	f.disconnect(t, b)
	if f.devA.open || f.devA.closes != 1 {
		t.Errorf("device after last user left: open=%v closes=%d", f.devA.open, f.devA.closes)
	}
	if f.devB.opens != 0 {
		t.Error("unrelated device was opened")
	}
}

func TestOpenTwiceBySameClient(t *testing.T) {
	f := newFixture(t, 4)
	a := f.dial(t)

	f.open(t, a, addrA, types.DMA64, false)
	f.open(t, a, addrA, types.DMA64, false)
	if e := f.s.devices[addrA]; e.refs != 1 {
		t.Errorf("refs = %d, want 1", e.refs)
	}
	f.disconnect(t, a)
	if f.devA.open {
		t.Error("device left open")
	}
}

func TestOpenUnknownDevice(t *testing.T) {
	f := newFixture(t, 4)
	a := f.dial(t)

	reply, files := f.open(t, a, types.MustParsePCIAddress("0000:99:00.0"), types.DMA64, true)
	if reply.OK || len(files) != 0 {
		t.Errorf("unknown device: ok=%v files=%d", reply.OK, len(files))
	}
	if len(f.s.clients) != 1 {
		t.Error("client dropped after a failed open")
	}
}

func TestMalformedMessageDropsClient(t *testing.T) {
	unknownKind, err := Encode(Kind(99), &ReleaseReply{})
	if err != nil {
		t.Fatal(err)
	}
	shortBody, err := Encode(KindOpenDevice, &ReleaseReply{})
	if err != nil {
		t.Fatal(err)
	}

	badDMA, err := Encode(KindOpenDevice, &OpenRequest{Address: addrA, DMA: types.DMACapability(9)})
	if err != nil {
		t.Fatal(err)
	}

	for name, msg := range map[string][]byte{
		"short":        {1, 2, 3},
		"unknown kind": unknownKind,
		"wrong size":   shortBody,
		"bad dma":      badDMA,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 4)
			a := f.dial(t)
			f.open(t, a, addrA, types.DMA64, false)

			if err := a.Send(msg); err != nil {
				t.Fatal(err)
			}
			f.step(t)
			if len(f.s.clients) != 0 {
				t.Fatal("client survived a malformed message")
			}
			if f.devA.open {
				t.Error("device of dropped client left open")
			}
			if _, _, err := a.Recv(make([]byte, MaxMessageSize)); err != io.EOF {
				t.Errorf("Recv on dropped connection = %v, want EOF", err)
			}
		})
	}
}

func TestClientCapacity(t *testing.T) {
	f := newFixture(t, 1)
	a, err := ipc.Dial(f.s.cfg.SocketName)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := ipc.Dial(f.s.cfg.SocketName)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	f.step(t)
	f.step(t)
	if len(f.s.clients) != 1 {
		t.Fatalf("%d clients connected, limit 1", len(f.s.clients))
	}
	if _, _, err := b.Recv(make([]byte, MaxMessageSize)); err != io.EOF {
		t.Errorf("Recv on rejected connection = %v, want EOF", err)
	}
}

func TestIOVAReserveRelease(t *testing.T) {
	f := newFixture(t, 4)
	a := f.dial(t)

	var rr ReserveReply
	f.call(t, a, KindReserveIOVA, &ReserveRequest{Address: addrA, Size: 0x1000}, KindReserveIOVAReply, &rr)
	if rr.OK {
		t.Fatal("IOVA reserved for a device the client has not opened")
	}

	f.open(t, a, addrA, types.DMA64, true)
	f.call(t, a, KindReserveIOVA, &ReserveRequest{Address: addrA, Size: 0x1000}, KindReserveIOVAReply, &rr)
	if !rr.OK || rr.Start != 1<<32 || rr.End != 1<<32+0xfff {
		t.Fatalf("reserve = %+v", rr)
	}

	var rel ReleaseReply
	f.call(t, a, KindReleaseIOVA, &ReleaseRequest{Address: addrA, Start: rr.Start, End: rr.End}, KindReleaseIOVAReply, &rel)
	if !rel.OK {
		t.Fatal("release failed")
	}
	f.call(t, a, KindReleaseIOVA, &ReleaseRequest{Address: addrA, Start: rr.Start, End: rr.End}, KindReleaseIOVAReply, &rel)
	if rel.OK {
		t.Error("double release accepted")
	}

	f.call(t, a, KindReserveIOVA, &ReserveRequest{Address: addrA, Size: 0x2000}, KindReserveIOVAReply, &rr)
	if !rr.OK {
		t.Fatal("second reserve failed")
	}
	f.disconnect(t, a)
	want := []iova.Region{{Start: fullSpace.Start, End: fullSpace.End}}
	if diff := cmp.Diff(want, f.container.tracker.Regions()); diff != "" {
		t.Errorf("reservations of a gone client not freed (-want +got):\n%s", diff)
	}
}

func TestIOVAUsesSharedCapability(t *testing.T) {
	f := newFixture(t, 4)
	a := f.dial(t)
	b := f.dial(t)
	f.open(t, a, addrA, types.DMA64, false)
	f.open(t, b, addrA, types.DMA32, false)

	var rr ReserveReply
	f.call(t, a, KindReserveIOVA, &ReserveRequest{Address: addrA, Size: 0x1000}, KindReserveIOVAReply, &rr)
	if !rr.OK || rr.End > iova.Limit32 {
		t.Errorf("reserve for a 32-bit-shared device = %+v", rr)
	}
}

func TestIOVAUsesRequestingDevice(t *testing.T) {
	f := newFixture(t, 4)
	a := f.dial(t)
	f.open(t, a, addrA, types.DMA64, true)
	f.open(t, a, addrB, types.DMA32, true)

	var rr ReserveReply
	f.call(t, a, KindReserveIOVA, &ReserveRequest{Address: addrB, Size: 0x1000}, KindReserveIOVAReply, &rr)
	if !rr.OK || rr.End > iova.Limit32 {
		t.Errorf("reserve for the 32-bit device = %+v, want below 4 GiB", rr)
	}
	f.call(t, a, KindReserveIOVA, &ReserveRequest{Address: addrA, Size: 0x1000}, KindReserveIOVAReply, &rr)
	if !rr.OK || rr.Start != 1<<32 {
		t.Errorf("reserve for the 64-bit device = %+v, want 0x100000000", rr)
	}
}

func TestDisconnectUnmapsReservations(t *testing.T) {
	f := newFixture(t, 4)
	a := f.dial(t)
	f.open(t, a, addrA, types.DMA64, true)

	var rr ReserveReply
	f.call(t, a, KindReserveIOVA, &ReserveRequest{Address: addrA, Size: 0x2000}, KindReserveIOVAReply, &rr)
	if !rr.OK {
		t.Fatal("reserve failed")
	}
	f.disconnect(t, a)

	if diff := cmp.Diff([]iova.Range{{Start: rr.Start, End: rr.End}}, f.container.unmapped); diff != "" {
		t.Errorf("unmaps mismatch (-want +got):\n%s", diff)
	}
	want := []iova.Region{{Start: fullSpace.Start, End: fullSpace.End}}
	if diff := cmp.Diff(want, f.container.tracker.Regions()); diff != "" {
		t.Errorf("reservation not freed (-want +got):\n%s", diff)
	}
}

func TestDisconnectKeepsRangeWhenUnmapFails(t *testing.T) {
	f := newFixture(t, 4)
	a := f.dial(t)
	f.open(t, a, addrA, types.DMA64, true)

	var rr ReserveReply
	f.call(t, a, KindReserveIOVA, &ReserveRequest{Address: addrA, Size: 0x1000}, KindReserveIOVAReply, &rr)
	if !rr.OK {
		t.Fatal("reserve failed")
	}
	f.container.failUnmap = errors.New("EBUSY")
	f.disconnect(t, a)

	b := f.dial(t)
	f.open(t, b, addrA, types.DMA64, true)
	var next ReserveReply
	f.call(t, b, KindReserveIOVA, &ReserveRequest{Address: addrA, Size: 0x1000}, KindReserveIOVAReply, &next)
	if !next.OK || next.Start == rr.Start {
		t.Errorf("range still mapped in the IOMMU was handed out again: %+v", next)
	}
}

func TestFailedOpenKeepsRefcount(t *testing.T) {
	f := newFixture(t, 4)
	a := f.dial(t)
	b := f.dial(t)

	f.open(t, a, addrA, types.DMA64, false)
	f.devA.failOpen = errors.New("bus master")
	if reply, files := f.open(t, b, addrA, types.DMA32, false); reply.OK || len(files) != 0 {
		t.Fatalf("failed open answered ok=%v files=%d", reply.OK, len(files))
	}
	if e := f.s.devices[addrA]; e.refs != 1 || f.devA.dma != types.DMA64 {
		t.Errorf("after failed open refs=%d dma=%v, want 1 and 64", e.refs, f.devA.dma)
	}

	f.disconnect(t, b)
	if !f.devA.open {
		t.Fatal("device closed by a client whose open failed")
	}
	f.disconnect(t, a)
	if f.devA.open {
		t.Error("device left open after its last user left")
	}

	c := f.dial(t)
	f.devB.failOpen = errors.New("no fd")
	if reply, _ := f.open(t, c, addrB, types.DMA64, false); reply.OK {
		t.Fatal("failed first open answered ok")
	}
	if e := f.s.devices[addrB]; e.refs != 0 || f.devB.open {
		t.Errorf("after failed first open refs=%d open=%v", e.refs, f.devB.open)
	}
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, 4)
	a := f.dial(t)
	f.open(t, a, addrA, types.DMA64, false)

	done := make(chan error, 1)
	go func() { done <- f.s.Serve() }()
	if err := f.s.Shutdown(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
	if f.devA.open || len(f.s.clients) != 0 {
		t.Error("Serve left clients or devices open")
	}
	if _, err := ipc.Dial(f.s.cfg.SocketName); err == nil {
		t.Error("socket still accepting after Serve returned")
	}
}

func TestSecondBrokerCannotBind(t *testing.T) {
	f := newFixture(t, 4)
	other := newServer(f.s.cfg)
	if err := other.Start(); err == nil {
		other.teardown()
		t.Fatal("second broker bound the same name")
	}
}

func TestNewWithoutGroups(t *testing.T) {
	sysfstest.New(t)
	if _, err := New(config.Default()); !errors.Is(err, ErrNoGroups) {
		t.Errorf("New = %v, want ErrNoGroups", err)
	}
}

func TestNewFailsOnUnopenableGroup(t *testing.T) {
	tr := sysfstest.New(t)
	tr.AddDevice(sysfstest.Device{Address: "0000:17:00.0", Driver: sysfs.VFIODriver, Group: 12})
	if _, err := New(config.Default()); err == nil {
		t.Error("New succeeded with a group that is not a VFIO device")
	}
}

func TestProto(t *testing.T) {
	var in OpenReply
	in.OK, in.DMA, in.Mode = true, types.DMA32, uint32(vfio.ModeNoIOMMU)
	in.SetGroups([]int{3, 7})
	msg, err := Encode(KindOpenDeviceReply, &in)
	if err != nil {
		t.Fatal(err)
	}
	if k, _ := PeekKind(msg); k != KindOpenDeviceReply {
		t.Errorf("PeekKind = %v", k)
	}
	var out OpenReply
	if err := Decode(msg, KindOpenDeviceReply, &out); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("reply mismatch (-want +got):\n%s", diff)
	}

	if err := Decode(msg, KindReserveIOVAReply, &ReserveReply{}); !errors.Is(err, ErrMalformed) {
		t.Errorf("wrong kind: %v", err)
	}
	if err := Decode(msg[:len(msg)-1], KindOpenDeviceReply, &out); !errors.Is(err, ErrMalformed) {
		t.Errorf("short body: %v", err)
	}

	many := make([]int, MaxGroups+10)
	in.SetGroups(many)
	if len(in.GroupNumbers()) != MaxGroups {
		t.Errorf("SetGroups kept %d groups", len(in.GroupNumbers()))
	}
	if got := Kind(42).String(); got != "Kind(42)" {
		t.Errorf("Kind(42).String() = %q", got)
	}
}
