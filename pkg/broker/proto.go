package broker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Nativu5/vfio-broker/pkg/types"
)

// Kind tags every message.
type Kind uint32

const (
	KindOpenDevice Kind = iota + 1
	KindOpenDeviceReply
	KindReserveIOVA
	KindReserveIOVAReply
	KindReleaseIOVA
	KindReleaseIOVAReply
)

func (k Kind) String() string {
	switch k {
	case KindOpenDevice:
		return "open-device"
	case KindOpenDeviceReply:
		return "open-device-reply"
	case KindReserveIOVA:
		return "reserve-iova"
	case KindReserveIOVAReply:
		return "reserve-iova-reply"
	case KindReleaseIOVA:
		return "release-iova"
	case KindReleaseIOVAReply:
		return "release-iova-reply"
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

// MaxGroups is the most group numbers an open-device reply carries.
const MaxGroups = 64

// MaxMessageSize bounds every message on the wire.
const MaxMessageSize = 512

// ErrMalformed is returned for messages that do not decode.
var ErrMalformed = errors.New("malformed message")

// OpenRequest asks the broker for a device descriptor.
type OpenRequest struct {
	Address       types.PCIAddress
	DMA           types.DMACapability
	WantContainer bool
}

// OpenReply answers an OpenRequest. On success the device descriptor
// and, if requested, the container descriptor follow as SCM_RIGHTS in
// that order.
type OpenReply struct {
	OK           bool
	HasContainer bool
	DMA          types.DMACapability
	Mode         uint32
	NumGroups    uint32
	Groups       [MaxGroups]int32
}

// GroupNumbers returns the valid prefix of Groups.
func (r *OpenReply) GroupNumbers() []int {
	n := min(int(r.NumGroups), MaxGroups)
	nums := make([]int, n)
	for i := range nums {
		nums[i] = int(r.Groups[i])
	}
	return nums
}

// SetGroups fills Groups and NumGroups, keeping at most MaxGroups.
func (r *OpenReply) SetGroups(nums []int) {
	n := min(len(nums), MaxGroups)
	for i := 0; i < n; i++ {
		r.Groups[i] = int32(nums[i])
	}
	r.NumGroups = uint32(n)
}

// ReserveRequest asks for IOVA space in the container of an opened
// device.
type ReserveRequest struct {
	Address types.PCIAddress
	Size    uint64
}

// ReserveReply carries the reserved inclusive range.
type ReserveReply struct {
	OK    bool
	Start uint64
	End   uint64
}

// ReleaseRequest returns a range obtained with ReserveRequest.
type ReleaseRequest struct {
	Address types.PCIAddress
	Start   uint64
	End     uint64
}

// ReleaseReply acknowledges a ReleaseRequest.
type ReleaseReply struct {
	OK bool
}

// Encode lays out kind followed by body in little-endian byte order.
func Encode(kind Kind, body any) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(kind)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, body); err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	if buf.Len() > MaxMessageSize {
		return nil, fmt.Errorf("encode %s: %d bytes exceed %d", kind, buf.Len(), MaxMessageSize)
	}
	return buf.Bytes(), nil
}

// PeekKind returns the kind of an encoded message.
func PeekKind(msg []byte) (Kind, error) {
	if len(msg) < 4 {
		return 0, fmt.Errorf("%w: %d-byte message", ErrMalformed, len(msg))
	}
	return Kind(binary.LittleEndian.Uint32(msg)), nil
}

// Decode checks that msg is a want message of exactly the right size and
// fills body.
func Decode(msg []byte, want Kind, body any) error {
	kind, err := PeekKind(msg)
	if err != nil {
		return err
	}
	if kind != want {
		return fmt.Errorf("%w: got %s, want %s", ErrMalformed, kind, want)
	}
	if size := binary.Size(body); size != len(msg)-4 {
		return fmt.Errorf("%w: %s body is %d bytes, want %d", ErrMalformed, kind, len(msg)-4, size)
	}
	return binary.Read(bytes.NewReader(msg[4:]), binary.LittleEndian, body)
}
