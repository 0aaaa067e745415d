package proto

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// AddrType tags an Address. Values follow SOCKS5 ATYP numbering.
type AddrType uint8

const (
	AddrIPv4   AddrType = 1
	AddrDomain AddrType = 3
	AddrIPv6   AddrType = 4
)

// MaxDomainLen is the longest domain name representable in a SOCKS5 request.
const MaxDomainLen = 255

// Address is a destination: an IPv4 or IPv6 address, or a domain name, plus a port.
// Exactly one of IP and Name is meaningful, selected by Type.
type Address struct {
	Type AddrType
	IP   netip.Addr
	Name string
	Port uint16
}

func IPv4Address(ip [4]byte, port uint16) Address {
	return Address{Type: AddrIPv4, IP: netip.AddrFrom4(ip), Port: port}
}

func IPv6Address(ip [16]byte, port uint16) Address {
	return Address{Type: AddrIPv6, IP: netip.AddrFrom16(ip), Port: port}
}

func DomainAddress(name string, port uint16) Address {
	return Address{Type: AddrDomain, Name: name, Port: port}
}

// AddressFromAddrPort maps an IPv4 (or 4in6) address to AddrIPv4 and anything else to AddrIPv6.
func AddressFromAddrPort(ap netip.AddrPort) Address {
	ip := ap.Addr()
	if ip.Is4() || ip.Is4In6() {
		return IPv4Address(ip.Unmap().As4(), ap.Port())
	}
	return IPv6Address(ip.As16(), ap.Port())
}

// Validate checks the invariants of the tagged union.
func (a Address) Validate() error {
	switch a.Type {
	case AddrIPv4:
		if !a.IP.Is4() {
			return fmt.Errorf("%w: ipv4 address %v", ErrMalformedPayload, a.IP)
		}
	case AddrIPv6:
		if !a.IP.Is6() {
			return fmt.Errorf("%w: ipv6 address %v", ErrMalformedPayload, a.IP)
		}
	case AddrDomain:
		if a.Name == "" || len(a.Name) > MaxDomainLen {
			return fmt.Errorf("%w: domain length %d", ErrMalformedPayload, len(a.Name))
		}
	default:
		return fmt.Errorf("%w: address type %d", ErrMalformedPayload, a.Type)
	}
	return nil
}

// Host returns the IP literal or the domain name.
func (a Address) Host() string {
	if a.Type == AddrDomain {
		return a.Name
	}
	return a.IP.String()
}

// String is suitable for net.Dial.
func (a Address) String() string {
	return net.JoinHostPort(a.Host(), strconv.Itoa(int(a.Port)))
}

func (a Address) Encode(w *Writer) {
	if err := a.Validate(); err != nil {
		w.Fail(err)
		return
	}
	w.Uint8(uint8(a.Type))
	switch a.Type {
	case AddrIPv4:
		b := a.IP.As4()
		w.Raw(b[:])
	case AddrIPv6:
		b := a.IP.As16()
		w.Raw(b[:])
	case AddrDomain:
		w.String(a.Name)
	}
	w.Uint16(a.Port)
}

func (a *Address) Decode(r *Reader) error {
	a.Type = AddrType(r.Uint8())
	switch a.Type {
	case AddrIPv4:
		if b := r.Raw(4); b != nil {
			a.IP = netip.AddrFrom4([4]byte(b))
		}
	case AddrIPv6:
		if b := r.Raw(16); b != nil {
			a.IP = netip.AddrFrom16([16]byte(b))
		}
	case AddrDomain:
		a.Name = r.String()
	default:
		if r.Err() == nil {
			r.Fail(fmt.Errorf("%w: address type %d", ErrMalformedPayload, a.Type))
		}
		return r.Err()
	}
	a.Port = r.Uint16()
	if r.Err() != nil {
		return r.Err()
	}
	return a.Validate()
}
