package aresolv

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// AddressRecord is one resolved address. Addr holds the raw platform socket
// address (sockaddr_in or sockaddr_in6) ready to be handed to a connect or
// bind. The record is a plain value owned by the caller.
type AddressRecord struct {
	Family   uint32
	SockType uint32
	Protocol uint32
	Flags    uint32
	Addr     []byte
}

// IP returns the address encoded in the record, or nil if the record does
// not hold a well-formed socket address.
func (r *AddressRecord) IP() net.IP {
	ip, _, err := unpackSockaddr(r.Addr)
	if err != nil {
		return nil
	}
	return ip
}

// Port returns the port encoded in the record, or 0.
func (r *AddressRecord) Port() int {
	_, port, err := unpackSockaddr(r.Addr)
	if err != nil {
		return 0
	}
	return port
}

func (r *AddressRecord) String() string {
	ip, port, err := unpackSockaddr(r.Addr)
	if err != nil {
		return fmt.Sprintf("invalid address record (%d bytes)", len(r.Addr))
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port))
}

// packSockaddr encodes ip and port as raw sockaddr_in or sockaddr_in6 bytes.
// The family field is host byte order, the port network byte order.
func packSockaddr(ip net.IP, port int) (uint32, []byte, error) {
	if ip4 := ip.To4(); ip4 != nil {
		b := make([]byte, unix.SizeofSockaddrInet4)
		binary.LittleEndian.PutUint16(b[0:2], unix.AF_INET)
		binary.BigEndian.PutUint16(b[2:4], uint16(port))
		copy(b[4:8], ip4)
		return unix.AF_INET, b, nil
	}
	if ip16 := ip.To16(); ip16 != nil {
		b := make([]byte, unix.SizeofSockaddrInet6)
		binary.LittleEndian.PutUint16(b[0:2], unix.AF_INET6)
		binary.BigEndian.PutUint16(b[2:4], uint16(port))
		copy(b[8:24], ip16)
		return unix.AF_INET6, b, nil
	}
	return 0, nil, fmt.Errorf("cannot encode address %v", ip)
}

func unpackSockaddr(b []byte) (net.IP, int, error) {
	if len(b) < 2 {
		return nil, 0, fmt.Errorf("socket address too short (%d bytes)", len(b))
	}

	switch binary.LittleEndian.Uint16(b[0:2]) {
	case unix.AF_INET:
		if len(b) < unix.SizeofSockaddrInet4 {
			return nil, 0, fmt.Errorf("sockaddr_in too short (%d bytes)", len(b))
		}
		ip := make(net.IP, net.IPv4len)
		copy(ip, b[4:8])
		return ip, int(binary.BigEndian.Uint16(b[2:4])), nil
	case unix.AF_INET6:
		if len(b) < unix.SizeofSockaddrInet6 {
			return nil, 0, fmt.Errorf("sockaddr_in6 too short (%d bytes)", len(b))
		}
		ip := make(net.IP, net.IPv6len)
		copy(ip, b[8:24])
		return ip, int(binary.BigEndian.Uint16(b[2:4])), nil
	}

	return nil, 0, fmt.Errorf("unsupported address family %d", binary.LittleEndian.Uint16(b[0:2]))
}
