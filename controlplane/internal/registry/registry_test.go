package registry

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dove-platform/dgw/common/go/xerror"
	"github.com/dove-platform/dgw/controlplane/internal/dataplane"
)

func newTestRegistry(t *testing.T, tweak ...func(*Config)) (*Registry, *dataplane.Recorder) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.RetryBudget = 4
	cfg.RetryInitialInterval = time.Microsecond
	cfg.RetryMaxInterval = 10 * time.Microsecond
	for _, fn := range tweak {
		fn(cfg)
	}

	dpc := dataplane.NewRecorder(nil)
	reg, err := New(cfg, dpc)
	require.NoError(t, err)
	return reg, dpc
}

func TestCreateDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	before, err := reg.List(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, reg.Create(ctx, "br0", TypeNone))
	require.Equal(t, 1, reg.Len())

	entry, err := reg.Get(ctx, "br0")
	require.NoError(t, err)
	require.Equal(t, 1, entry.Slot(), "slot 0 is reserved")
	entry.Release()

	require.NoError(t, reg.Delete(ctx, "br0"))

	after, err := reg.List(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.False(t, reg.Exists("br0"))
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	reg, dpc := newTestRegistry(t)

	require.ErrorIs(t, reg.Create(ctx, "", TypeNone), xerror.ErrConfiguration)
	require.ErrorIs(t, reg.Create(ctx, "a-very-long-bridge-name", TypeNone), xerror.ErrConfiguration)
	require.ErrorIs(t, reg.Create(ctx, "br0", ServiceType(7)), xerror.ErrConfiguration)

	require.NoError(t, reg.Create(ctx, "br0", TypeExternal))
	require.ErrorIs(t, reg.Create(ctx, "br0", TypeNone), xerror.ErrConfiguration)

	types := dataplane.Filter[dataplane.ServiceType](dpc.Commands())
	require.Equal(t, []dataplane.ServiceType{{Service: "br0", Type: uint8(TypeExternal)}}, types)
}

func TestCreateFull(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, func(c *Config) { c.Limits.Services = 3 })

	require.NoError(t, reg.Create(ctx, "br0", TypeNone))
	require.NoError(t, reg.Create(ctx, "br1", TypeNone))
	require.ErrorIs(t, reg.Create(ctx, "br2", TypeNone), xerror.ErrFull)

	require.NoError(t, reg.Delete(ctx, "br0"))
	require.NoError(t, reg.Create(ctx, "br2", TypeNone))

	entry, err := reg.Get(ctx, "br2")
	require.NoError(t, err)
	defer entry.Release()
	require.Equal(t, 1, entry.Slot())
}

func TestDeleteWithDependencies(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	require.NoError(t, reg.Create(ctx, "br0", TypeNone))
	require.NoError(t, reg.UpdateInterfaceIP(ctx, "br0", InterfaceIP{
		Address: netip.MustParsePrefix("192.0.2.1/24"),
	}))
	require.NoError(t, reg.UpdateMAC(ctx, "br0", MAC{0x02, 0, 0, 0, 0, 1}))

	require.ErrorIs(t, reg.Delete(ctx, "br0"), xerror.ErrDependency)

	_, err := reg.DeleteInterfaceIP(ctx, "br0", netip.MustParseAddr("192.0.2.1"))
	require.NoError(t, err)
	require.NoError(t, reg.Delete(ctx, "br0"), "MACs do not block deletion")
	require.ErrorIs(t, reg.Delete(ctx, "br0"), xerror.ErrNotFound)
}

func TestConcurrentGet(t *testing.T) {
	ctx := context.Background()
	busy := atomic.Int32{}

	cfg := DefaultConfig()
	cfg.RetryBudget = 3
	cfg.RetryInitialInterval = time.Microsecond
	cfg.RetryMaxInterval = time.Microsecond
	reg, err := New(cfg, dataplane.NewRecorder(nil), WithBusyHook(func() { busy.Add(1) }))
	require.NoError(t, err)
	require.NoError(t, reg.Create(ctx, "br0", TypeNone))

	var wg sync.WaitGroup
	results := make([]error, 2)
	entries := make([]*Entry, 2)
	start := make(chan struct{})
	for idx := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			entries[idx], results[idx] = reg.TryGet("br0")
		}()
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for idx, err := range results {
		if err == nil {
			succeeded++
			defer entries[idx].Release()
		} else {
			require.ErrorIs(t, err, xerror.ErrBusy)
		}
	}
	require.Equal(t, 1, succeeded)

	_, err = reg.Get(ctx, "br0")
	require.ErrorIs(t, err, xerror.ErrBusy)
	require.EqualValues(t, 3, busy.Load())
}

func TestGetReleasedEntry(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	require.NoError(t, reg.Create(ctx, "br0", TypeNone))

	entry, err := reg.TryGet("br0")
	require.NoError(t, err)

	go func() {
		time.Sleep(time.Millisecond)
		entry.Release()
	}()

	reg.cfg.RetryBudget = 1000
	reg.cfg.RetryMaxInterval = time.Millisecond
	got, err := reg.Get(ctx, "br0")
	require.NoError(t, err)
	got.Release()

	_, err = reg.Get(ctx, "missing")
	require.ErrorIs(t, err, xerror.ErrNotFound)
}

func TestUpdateDuplicateAndFull(t *testing.T) {
	ctx := context.Background()
	reg, dpc := newTestRegistry(t, func(c *Config) { c.Limits.InternalVIPs = 2 })
	require.NoError(t, reg.Create(ctx, "br0", TypeNone))

	vip := func(ip string) InternalVIP {
		return InternalVIP{IP: netip.MustParseAddr(ip), PortMin: 80, PortMax: 80, Domain: 7}
	}

	require.NoError(t, reg.UpdateInternalVIP(ctx, "br0", vip("10.1.0.1")))
	require.ErrorIs(t, reg.UpdateInternalVIP(ctx, "br0", vip("10.1.0.1")), xerror.ErrExists)
	require.NoError(t, reg.UpdateInternalVIP(ctx, "br0", vip("10.1.0.2")))
	require.ErrorIs(t, reg.UpdateInternalVIP(ctx, "br0", vip("10.1.0.3")), xerror.ErrFull)
	require.ErrorIs(t, reg.UpdateInternalVIP(ctx, "br1", vip("10.1.0.3")), xerror.ErrNotFound)

	removed, err := reg.DeleteInternalVIP(ctx, "br0", InternalVIP{IP: netip.MustParseAddr("10.1.0.1"), PortMin: 80, PortMax: 80})
	require.NoError(t, err)
	require.Equal(t, vip("10.1.0.1"), removed)
	require.NoError(t, reg.UpdateInternalVIP(ctx, "br0", vip("10.1.0.3")))

	entry, err := reg.Get(ctx, "br0")
	require.NoError(t, err)
	require.Equal(t, []InternalVIP{vip("10.1.0.3"), vip("10.1.0.2")}, entry.InternalVIPs(), "freed slot is reused first")
	entry.Release()

	cmds := dataplane.Filter[dataplane.InternalVIP](dpc.Commands())
	require.Len(t, cmds, 4)
	require.True(t, cmds[2].Remove)
}

func TestDomainVLANConflict(t *testing.T) {
	ctx := context.Background()
	reg, dpc := newTestRegistry(t)
	require.NoError(t, reg.Create(ctx, "br0", TypeNone))

	require.NoError(t, reg.UpdateDomainVLAN(ctx, "br0", DomainVLAN{Domain: 42, VLAN: 100}))
	require.ErrorIs(t, reg.UpdateDomainVLAN(ctx, "br0", DomainVLAN{Domain: 42, VLAN: 100}), xerror.ErrExists)
	require.ErrorIs(t, reg.UpdateDomainVLAN(ctx, "br0", DomainVLAN{Domain: 42, VLAN: 200}), xerror.ErrConfiguration)
	require.ErrorIs(t, reg.UpdateDomainVLAN(ctx, "br0", DomainVLAN{Domain: InvalidDomain, VLAN: 200}), xerror.ErrConfiguration)
	require.ErrorIs(t, reg.UpdateDomainVLAN(ctx, "br0", DomainVLAN{Domain: 43, VLAN: 4095}), xerror.ErrConfiguration)

	removed, err := reg.DeleteDomainVLAN(ctx, "br0", 42)
	require.NoError(t, err)
	require.Equal(t, uint16(100), removed.VLAN)

	_, err = reg.DeleteDomainVLAN(ctx, "br0", 42)
	require.ErrorIs(t, err, xerror.ErrNotFound)

	require.Equal(t, []dataplane.DomainVLAN{
		{Service: "br0", Domain: 42, VLAN: 100},
		{Service: "br0", Domain: 42},
	}, dataplane.Filter[dataplane.DomainVLAN](dpc.Commands()))
}

func TestDeleteInterfaceIPDependencies(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	require.NoError(t, reg.Create(ctx, "br0", TypeNone))

	require.NoError(t, reg.UpdateInterfaceIP(ctx, "br0", InterfaceIP{Address: netip.MustParsePrefix("203.0.113.1/24")}))
	require.NoError(t, reg.UpdateExternalVIP(ctx, "br0", ExternalVIP{
		IP:      netip.MustParseAddr("203.0.113.10"),
		PortMin: 2000,
		PortMax: 2100,
		Domain:  42,
	}))
	require.NoError(t, reg.UpdateInterfaceIP(ctx, "br0", InterfaceIP{Address: netip.MustParsePrefix("198.51.100.1/24")}))
	require.NoError(t, reg.UpdateForwardRule(ctx, "br0", ForwardRule{
		Domain:     42,
		Protocol:   6,
		MatchIP:    netip.MustParseAddr("203.0.113.20"),
		MatchPort:  443,
		MappedIP:   netip.MustParseAddr("10.0.0.20"),
		MappedPort: 8443,
		PIPMin:     netip.MustParseAddr("198.51.100.10"),
		PIPMax:     netip.MustParseAddr("198.51.100.20"),
	}))

	_, err := reg.DeleteInterfaceIP(ctx, "br0", netip.MustParseAddr("203.0.113.1"))
	require.ErrorIs(t, err, xerror.ErrDependency)
	_, err = reg.DeleteInterfaceIP(ctx, "br0", netip.MustParseAddr("198.51.100.1"))
	require.ErrorIs(t, err, xerror.ErrDependency)

	// A second address in the same network takes over the VIP.
	require.NoError(t, reg.UpdateInterfaceIP(ctx, "br0", InterfaceIP{Address: netip.MustParsePrefix("203.0.113.2/24")}))
	_, err = reg.DeleteInterfaceIP(ctx, "br0", netip.MustParseAddr("203.0.113.1"))
	require.NoError(t, err)

	_, err = reg.DeleteForwardRule(ctx, "br0", ForwardRule{
		Protocol:  6,
		MatchIP:   netip.MustParseAddr("203.0.113.20"),
		MatchPort: 443,
	})
	require.NoError(t, err)
	_, err = reg.DeleteInterfaceIP(ctx, "br0", netip.MustParseAddr("198.51.100.1"))
	require.NoError(t, err)
}

func TestDataplaneFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	reg, dpc := newTestRegistry(t)
	require.NoError(t, reg.Create(ctx, "br0", TypeNone))

	ifip := InterfaceIP{Address: netip.MustParsePrefix("192.0.2.1/24")}
	dpc.FailWith(func(dataplane.Command) error { return xerror.ErrTransport })
	require.ErrorIs(t, reg.UpdateInterfaceIP(ctx, "br0", ifip), xerror.ErrTransport)

	dpc.FailWith(nil)
	require.NoError(t, reg.UpdateInterfaceIP(ctx, "br0", ifip))

	dpc.FailWith(func(dataplane.Command) error { return errors.New("boom") })
	_, err := reg.DeleteInterfaceIP(ctx, "br0", ifip.Address.Addr())
	require.Error(t, err)

	views, err := reg.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, []InterfaceIP{ifip}, views[0].InterfaceIPs)
}

func TestListFilterAndLookups(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	for _, name := range []string{"br0", "br1", "ext0"} {
		require.NoError(t, reg.Create(ctx, name, TypeNone))
	}
	mac := MAC{0x02, 0, 0, 0, 0, 9}
	require.NoError(t, reg.UpdateMAC(ctx, "br0", mac))
	require.NoError(t, reg.UpdateMAC(ctx, "br1", mac))
	require.NoError(t, reg.UpdateInterfaceIP(ctx, "br1", InterfaceIP{Address: netip.MustParsePrefix("192.0.2.7/24")}))
	require.NoError(t, reg.UpdateVNIDSubnet(ctx, "ext0", VNIDSubnet{
		VNID:   5000,
		Subnet: netip.MustParsePrefix("10.20.0.0/16"),
		Mode:   SubnetShared,
	}))

	views, err := reg.List(ctx, func(name string) bool { return name != "ext0" })
	require.NoError(t, err)
	require.Len(t, views, 2)
	require.Equal(t, "br0", views[0].Name)
	require.Equal(t, "br1", views[1].Name)

	macs, err := reg.BridgeMACs(ctx)
	require.NoError(t, err)
	require.Equal(t, []MAC{mac}, macs)

	local, err := reg.IsLocalIP(ctx, netip.MustParseAddr("192.0.2.7"))
	require.NoError(t, err)
	require.True(t, local)
	local, err = reg.IsLocalIP(ctx, netip.MustParseAddr("192.0.2.8"))
	require.NoError(t, err)
	require.False(t, local)

	subnets, err := reg.VNIDSubnets(ctx)
	require.NoError(t, err)
	require.Len(t, subnets, 1)
	require.Equal(t, SubnetShared, subnets[0].Mode)

	reg.Reset()
	require.Zero(t, reg.Len())
}

func TestParseTypes(t *testing.T) {
	typ, err := ParseServiceType("ExtVlan")
	require.NoError(t, err)
	require.Equal(t, TypeExtVlan, typ)
	require.Equal(t, TypeExternal|TypeVlan, typ)

	_, err = ParseServiceType("bogus")
	require.ErrorIs(t, err, xerror.ErrConfiguration)

	mac, err := ParseMAC("02:00:00:00:00:0a")
	require.NoError(t, err)
	require.Equal(t, "02:00:00:00:00:0a", mac.String())

	_, err = ParseMAC("02:00:00:00:00:00:00:0a")
	require.Error(t, err)
}
