package types

import "fmt"

// AnyID is the wildcard value for a Filter id field.
const AnyID = ^uint32(0)

// Filter selects devices by PCI identity. Every id field is either an
// exact 16-bit value or AnyID.
type Filter struct {
	Vendor          uint32
	Device          uint32
	SubsystemVendor uint32
	SubsystemDevice uint32
	// DMA is the capability a matching device is opened with.
	DMA DMACapability
}

// Matches reports whether id satisfies every field of the filter.
func (f Filter) Matches(id Identity) bool {
	return matchID(f.Vendor, id.Vendor) &&
		matchID(f.Device, id.Device) &&
		matchID(f.SubsystemVendor, id.SubsystemVendor) &&
		matchID(f.SubsystemDevice, id.SubsystemDevice)
}

func (f Filter) String() string {
	return fmt.Sprintf("%s:%s (%s:%s) dma=%s",
		idString(f.Vendor), idString(f.Device),
		idString(f.SubsystemVendor), idString(f.SubsystemDevice), f.DMA)
}

func matchID(want uint32, got uint16) bool {
	return want == AnyID || want == uint32(got)
}

func idString(v uint32) string {
	if v == AnyID {
		return "*"
	}
	return fmt.Sprintf("%04x", v)
}

// FilterSet is a list of filters combined with OR.
type FilterSet []Filter

// Match returns the first filter matching id.
func (s FilterSet) Match(id Identity) (Filter, bool) {
	for _, f := range s {
		if f.Matches(id) {
			return f, true
		}
	}
	return Filter{}, false
}

// LocationFilter restricts matches to exact bus addresses. An empty
// filter admits every address.
type LocationFilter []PCIAddress

// Allows reports whether addr passes the filter.
func (l LocationFilter) Allows(addr PCIAddress) bool {
	if len(l) == 0 {
		return true
	}
	for _, a := range l {
		if a == addr {
			return true
		}
	}
	return false
}
