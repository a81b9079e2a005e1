package xnetip

import (
	"encoding/binary"
	"net/netip"
)

// V4ToUint32 returns the raw big-endian value of an IPv4 address.
//
// Non-IPv4 addresses map to zero.
func V4ToUint32(addr netip.Addr) uint32 {
	if !addr.Is4() && !addr.Is4In6() {
		return 0
	}
	b := addr.Unmap().As4()
	return binary.BigEndian.Uint32(b[:])
}

// V4FromUint32 is the inverse of V4ToUint32.
func V4FromUint32(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// CompareV4Desc orders IPv4 addresses by their raw value, highest first.
//
// Suitable for slices.SortStableFunc.
func CompareV4Desc(a, b netip.Addr) int {
	va, vb := V4ToUint32(a), V4ToUint32(b)
	switch {
	case va > vb:
		return -1
	case va < vb:
		return 1
	default:
		return 0
	}
}

// RangeWithin reports whether the whole [first, last] range lies inside the
// prefix.
func RangeWithin(prefix netip.Prefix, first, last netip.Addr) bool {
	network := prefix.Masked()
	return network.Contains(first) && network.Contains(last)
}
