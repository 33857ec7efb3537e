package network

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// LastUsableAddress returns B + 2^(32-P) - 2 for an IPv4 subnet B/P, the
// address the lab bridge takes for itself.
func LastUsableAddress(cidr string) (string, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSubnet, err)
	}
	if !prefix.Addr().Is4() {
		return "", fmt.Errorf("%w: %s is not IPv4", ErrInvalidSubnet, cidr)
	}
	bits := prefix.Bits()
	if bits > 30 {
		return "", fmt.Errorf("%w: /%d has no usable host range", ErrInvalidSubnet, bits)
	}
	base := prefix.Masked().Addr().As4()
	n := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	n += uint32(1)<<(32-bits) - 2
	last := netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
	return last.String(), nil
}

// PrefixLength accepts a netmask as a prefix length ("24") or in dotted form
// ("255.255.255.0").
func PrefixLength(netmask string) (int, error) {
	netmask = strings.TrimPrefix(strings.TrimSpace(netmask), "/")
	if n, err := strconv.Atoi(netmask); err == nil {
		if n < 0 || n > 32 {
			return 0, fmt.Errorf("%w: prefix length %d", ErrInvalidSubnet, n)
		}
		return n, nil
	}
	mask, err := netip.ParseAddr(netmask)
	if err != nil || !mask.Is4() {
		return 0, fmt.Errorf("%w: netmask %q", ErrInvalidSubnet, netmask)
	}
	b := mask.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	ones := 0
	for v&0x80000000 != 0 {
		ones++
		v <<= 1
	}
	if v != 0 {
		return 0, fmt.Errorf("%w: non-contiguous netmask %q", ErrInvalidSubnet, netmask)
	}
	return ones, nil
}

// SubnetCIDR joins an address and netmask into masked CIDR notation.
func SubnetCIDR(addr, netmask string) (string, error) {
	bits, err := PrefixLength(netmask)
	if err != nil {
		return "", err
	}
	ip, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil || !ip.Is4() {
		return "", fmt.Errorf("%w: address %q", ErrInvalidSubnet, addr)
	}
	prefix, err := ip.Prefix(bits)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSubnet, err)
	}
	return prefix.String(), nil
}
