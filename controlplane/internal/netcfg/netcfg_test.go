package netcfg

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

var (
	_ Configurator = Noop{}
	_ Configurator = (*Netlink)(nil)
)

func TestVLANName(t *testing.T) {
	require.Equal(t, "v7.100", vlanName(7, 100))
	// Fits IFNAMSIZ for the largest index and VLAN.
	require.LessOrEqual(t, len(vlanName(1<<20, 4094)), unix.IFNAMSIZ-1)
}

func TestIPNet(t *testing.T) {
	n := ipNet(netip.MustParsePrefix("192.0.2.10/24"))
	require.Equal(t, "192.0.2.10/24", n.String())

	host := ipNet(netip.PrefixFrom(netip.MustParseAddr("192.0.2.10"), 32))
	require.Equal(t, "192.0.2.10/32", host.String())
}

func TestPolicyRoute(t *testing.T) {
	cfg := DefaultConfig()
	route := PolicyRoute{
		Bridge:  "web",
		Table:   cfg.Table(3),
		Source:  netip.MustParseAddr("192.0.2.10"),
		Nexthop: netip.MustParseAddr("192.0.2.1"),
	}
	require.Equal(t, 1003, route.Table)
	require.Equal(t, "from 192.0.2.10 via 192.0.2.1 dev web table 1003", route.String())

	m := NewNetlink(cfg)
	rule := m.rule(route)
	require.Equal(t, "192.0.2.10/32", rule.Src.String())
	require.Equal(t, 1003, rule.Table)
	require.Equal(t, cfg.RulePriority, rule.Priority)
}

func TestErrorClasses(t *testing.T) {
	require.True(t, isExists(fmt.Errorf("add: %w", unix.EEXIST)))
	require.True(t, isGone(unix.EADDRNOTAVAIL))
	require.True(t, isNotFound(netlink.LinkNotFoundError{}))
	require.False(t, isNotFound(unix.EPERM))
}

func TestNoop(t *testing.T) {
	var cfg Noop
	require.NoError(t, cfg.CreateBridge("web", 1500))
	require.NoError(t, cfg.AddAlias("web", netip.MustParsePrefix("192.0.2.10/24")))

	_, err := cfg.SourceFor(netip.MustParseAddr("198.51.100.1"))
	require.Error(t, err)
}
