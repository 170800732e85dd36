package nat

import (
	"fmt"
	"net"
	"time"
)

// Family identifies the IP address family of a NAT binding.
type Family string

const (
	FamilyV4 Family = "ipv4"
	FamilyV6 Family = "ipv6"
)

// String returns the family name used in logs and metric labels.
func (f Family) String() string {
	return string(f)
}

// FamilyOf determines the address family of an IP address.
func FamilyOf(ip net.IP) Family {
	if ip.To4() != nil {
		return FamilyV4
	}
	return FamilyV6
}

// PublicEndpoint is the externally visible (address, port) pair the NAT has
// assigned to a local socket, as observed by a single probe.
// It is immutable once constructed; change detection compares address and port.
type PublicEndpoint struct {
	Addr       net.IP
	Port       uint16
	Family     Family
	ObservedAt time.Time
}

// Equal reports whether two endpoints denote the same public (address, port).
// ObservedAt is ignored: a re-observation of the same binding is not a change.
func (e PublicEndpoint) Equal(other PublicEndpoint) bool {
	return e.Port == other.Port && e.Addr.Equal(other.Addr)
}

// String returns a human-readable representation of the endpoint.
func (e PublicEndpoint) String() string {
	if e.Family == FamilyV6 {
		return fmt.Sprintf("[%s]:%d", e.Addr, e.Port)
	}
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// BindingEvent is emitted by the Monitor exactly once per detected binding
// change. Previous is nil on the first-ever detection for a family.
type BindingEvent struct {
	Family   Family
	Previous *PublicEndpoint
	Current  PublicEndpoint
}
