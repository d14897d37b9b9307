package vfio

import (
	"errors"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Nativu5/vfio-broker/pkg/sysfs"
)

var (
	// ErrNoGroup means the device has no IOMMU group and cannot be
	// passed through at all.
	ErrNoGroup = sysfs.ErrNoIOMMUGroup
	// ErrNotBound means the group has no /dev/vfio control file because
	// its devices are not bound to vfio-pci.
	ErrNotBound = errors.New("IOMMU group not bound to vfio")
	// ErrPermissionDenied means the group control file is not readable
	// and writable by this process.
	ErrPermissionDenied = errors.New("permission denied on VFIO group")
	// ErrGroupNotViable means some device in the group is not bound to
	// vfio-pci.
	ErrGroupNotViable = errors.New("VFIO group not viable")
	// ErrAPIVersion means the kernel speaks a different VFIO API.
	ErrAPIVersion = errors.New("VFIO API version mismatch")
	// ErrNoIOMMUType means the container supports none of the IOMMU types.
	ErrNoIOMMUType = errors.New("no supported IOMMU type")
	// ErrClosed is returned for operations on a closed device.
	ErrClosed = errors.New("device handle closed")
)

func ioctl(f *os.File, kind ioctlKind, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(kind), arg)
	if errno != 0 {
		return 0, os.NewSyscallError("ioctl "+kind.String(), errno)
	}
	return r, nil
}

func ioctlPtr(f *os.File, kind ioctlKind, arg unsafe.Pointer) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(kind), uintptr(arg))
	if errno != 0 {
		return 0, os.NewSyscallError("ioctl "+kind.String(), errno)
	}
	return r, nil
}
