package aresolv

// Family selects which address families a lookup may return.
type Family uint8

const (
	FamilyUnspec Family = iota
	FamilyIPv4
	FamilyIPv6
)

// SockType is the socket type hint for a lookup. It decides which service
// registry the port lookup consults.
type SockType uint8

const (
	SockStream SockType = iota + 1
	SockDatagram
)

// network returns the network name used for service/port lookups.
func (s SockType) network() string {
	if s == SockDatagram {
		return "udp"
	}
	return "tcp"
}

// Flags modify lookup behavior.
type Flags uint8

// FlagPassive requests a wildcard bindable address when the host is empty,
// like AI_PASSIVE.
const FlagPassive Flags = 1 << 0

// Policy is the per-request lookup configuration. The zero SockType behaves
// like SockStream.
type Policy struct {
	Family   Family
	SockType SockType
	Protocol uint8
	Flags    Flags
}

// DefaultPolicy matches the worker's historical hard-coded hints: IPv4 only,
// stream sockets, wildcard-bindable, any protocol.
var DefaultPolicy = Policy{
	Family:   FamilyIPv4,
	SockType: SockStream,
	Flags:    FlagPassive,
}
