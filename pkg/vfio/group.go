package vfio

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Nativu5/vfio-broker/pkg/sysfs"
	"github.com/Nativu5/vfio-broker/pkg/types"
)

// Group is an open IOMMU group control file. Every device in the group
// shares its container and therefore its IOVA space.
type Group struct {
	Number  int
	NoIOMMU bool
	Path    string

	file      *os.File
	container *Container
}

// checkAccess distinguishes a group that is not bound to vfio from one
// this process may not open.
func checkAccess(path string) error {
	err := unix.Access(path, unix.R_OK|unix.W_OK)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ENOENT):
		return fmt.Errorf("%w: %s does not exist", ErrNotBound, path)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, path)
	default:
		return fmt.Errorf("cannot access %s: %w", path, err)
	}
}

func openGroup(sg sysfs.Group) (*Group, error) {
	if err := checkAccess(sg.Path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(sg.Path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("open VFIO group %d: %w", sg.Number, err)
	}
	g := &Group{Number: sg.Number, NoIOMMU: sg.NoIOMMU, Path: sg.Path, file: f}

	flags, err := g.status()
	if err != nil {
		f.Close()
		return nil, err
	}
	if flags&groupFlagsViable == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: group %d has devices not bound to %s", ErrGroupNotViable, sg.Number, sysfs.VFIODriver)
	}
	return g, nil
}

func (g *Group) status() (uint32, error) {
	st := groupStatus{argsz: uint32(unsafe.Sizeof(groupStatus{}))}
	if _, err := ioctlPtr(g.file, vfioGroupGetStatus, unsafe.Pointer(&st)); err != nil {
		return 0, err
	}
	return st.flags, nil
}

// attach binds the group to c. The kernel refuses when the group's
// IOMMU domain cannot be shared with the groups already in c.
func (g *Group) attach(c *Container) error {
	fd := int32(c.file.Fd())
	if _, err := ioctlPtr(g.file, vfioGroupSetContainer, unsafe.Pointer(&fd)); err != nil {
		return err
	}
	g.container = c
	c.groups = append(c.groups, g)
	log.WithFields(log.Fields{"group": g.Number}).Debugf("attached to container (%d group(s))", len(c.groups))
	return nil
}

// deviceFile returns a fresh descriptor for one device of the group.
func (g *Group) deviceFile(addr types.PCIAddress) (*os.File, error) {
	name, err := unix.BytePtrFromString(addr.String())
	if err != nil {
		return nil, err
	}
	fd, err := ioctlPtr(g.file, vfioGroupGetDeviceFD, unsafe.Pointer(name))
	if err != nil {
		return nil, err
	}
	return os.NewFile(fd, "vfio-device-"+addr.String()), nil
}

// Container returns the container the group is attached to.
func (g *Group) Container() *Container { return g.container }

// File returns the group descriptor.
func (g *Group) File() *os.File { return g.file }

// Close closes the group descriptor, detaching it from its container.
func (g *Group) Close() error {
	if g.file == nil {
		return nil
	}
	err := g.file.Close()
	g.file = nil
	return err
}
