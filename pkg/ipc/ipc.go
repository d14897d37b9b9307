// Package ipc carries broker messages over abstract AF_UNIX
// SOCK_SEQPACKET sockets. Every Send is delivered as one message, and
// open files can ride along as SCM_RIGHTS.
package ipc

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// MaxFiles is the most descriptors a single message may carry.
const MaxFiles = 4

const backlog = 16

var (
	// ErrTruncated means a message did not fit the receive buffer.
	ErrTruncated = errors.New("message truncated")
	// ErrTooManyFiles means the peer attached more than MaxFiles
	// descriptors.
	ErrTooManyFiles = errors.New("too many descriptors in message")
)

// abstract turns a name into an abstract socket address. x/sys/unix
// maps the leading '@' to the NUL byte.
func abstract(name string) *unix.SockaddrUnix {
	return &unix.SockaddrUnix{Name: "@" + name}
}

// Listener is a bound, listening socket.
type Listener struct {
	fd   int
	name string
}

// Listen binds the abstract name. Only one process can hold a name, so
// a second Listen fails with EADDRINUSE.
func Listen(name string) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	if err := unix.Bind(fd, abstract(name)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind @%s: %w", name, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}
	return &Listener{fd: fd, name: name}, nil
}

// FD returns the descriptor for readiness polling.
func (l *Listener) FD() int { return l.fd }

// Name returns the abstract name without the '@'.
func (l *Listener) Name() string { return l.name }

// Accept waits for the next connection.
func (l *Listener) Accept() (*Conn, error) {
	for {
		fd, _, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, os.NewSyscallError("accept4", err)
		}
		return &Conn{fd: fd}, nil
	}
}

// Close stops listening and releases the name.
func (l *Listener) Close() error {
	if l.fd < 0 {
		return nil
	}
	err := unix.Close(l.fd)
	l.fd = -1
	return err
}

// Conn is one end of a connection.
type Conn struct {
	fd int
}

// Dial connects to a listener bound to name.
func Dial(name string) (*Conn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	if err := unix.Connect(fd, abstract(name)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect @%s: %w", name, err)
	}
	return &Conn{fd: fd}, nil
}

// Pair returns two connected ends.
func Pair() (*Conn, *Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	return &Conn{fd: fds[0]}, &Conn{fd: fds[1]}, nil
}

// FD returns the descriptor for readiness polling.
func (c *Conn) FD() int { return c.fd }

// Send writes msg as one message, passing files along. The caller keeps
// ownership of files.
func (c *Conn) Send(msg []byte, files ...*os.File) error {
	if len(files) > MaxFiles {
		return ErrTooManyFiles
	}
	var oob []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}
	for {
		err := unix.Sendmsg(c.fd, msg, oob, nil, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return os.NewSyscallError("sendmsg", err)
		}
		return nil
	}
}

// Recv reads one message into buf and returns its length with any files
// that came with it. A closed peer yields io.EOF.
func (c *Conn) Recv(buf []byte) (int, []*os.File, error) {
	oob := make([]byte, unix.CmsgSpace(MaxFiles*4))
	var (
		n, oobn, flags int
		err            error
	)
	for {
		n, oobn, flags, _, err = unix.Recvmsg(c.fd, buf, oob, unix.MSG_CMSG_CLOEXEC)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return 0, nil, os.NewSyscallError("recvmsg", err)
	}

	files, ferr := parseRights(oob[:oobn])
	switch {
	case ferr != nil:
		closeAll(files)
		return 0, nil, ferr
	case flags&unix.MSG_CTRUNC != 0:
		closeAll(files)
		return 0, nil, ErrTooManyFiles
	case flags&unix.MSG_TRUNC != 0:
		closeAll(files)
		return 0, nil, ErrTruncated
	case n == 0 && len(files) == 0:
		return 0, nil, io.EOF
	}
	return n, files, nil
}

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, os.NewSyscallError("parse control message", err)
	}
	var files []*os.File
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			files = append(files, os.NewFile(uintptr(fd), "ipc-fd"))
		}
	}
	return files, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// Close closes the connection.
func (c *Conn) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
