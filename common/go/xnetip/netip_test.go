package xnetip

import (
	"net/netip"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestV4Uint32RoundTrip(t *testing.T) {
	tests := []struct {
		addr     string
		expected uint32
	}{
		{"0.0.0.0", 0},
		{"10.0.0.1", 0x0a000001},
		{"192.168.1.254", 0xc0a801fe},
		{"255.255.255.255", 0xffffffff},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			addr := netip.MustParseAddr(tt.addr)
			require.Equal(t, tt.expected, V4ToUint32(addr))
			require.Equal(t, addr, V4FromUint32(tt.expected))
		})
	}
}

func TestV4ToUint32IgnoresIPv6(t *testing.T) {
	require.Zero(t, V4ToUint32(netip.MustParseAddr("2001:db8::1")))
	require.Equal(t, uint32(0x0a000001), V4ToUint32(netip.MustParseAddr("::ffff:10.0.0.1")))
}

func TestCompareV4Desc(t *testing.T) {
	addrs := []netip.Addr{
		netip.MustParseAddr("10.0.0.5"),
		netip.MustParseAddr("10.0.0.9"),
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("9.255.255.255"),
	}
	slices.SortStableFunc(addrs, CompareV4Desc)

	require.Equal(t, []netip.Addr{
		netip.MustParseAddr("10.0.0.9"),
		netip.MustParseAddr("10.0.0.5"),
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("9.255.255.255"),
	}, addrs)
}

func TestRangeWithin(t *testing.T) {
	prefix := netip.MustParsePrefix("203.0.113.1/24")

	require.True(t, RangeWithin(prefix, netip.MustParseAddr("203.0.113.10"), netip.MustParseAddr("203.0.113.20")))
	require.False(t, RangeWithin(prefix, netip.MustParseAddr("203.0.113.10"), netip.MustParseAddr("203.0.114.1")))
}
