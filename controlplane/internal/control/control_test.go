package control

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/dove-platform/dgw/common/go/xerror"
	"github.com/dove-platform/dgw/controlplane/internal/dataplane"
	"github.com/dove-platform/dgw/controlplane/internal/dps"
	"github.com/dove-platform/dgw/controlplane/internal/ha"
	"github.com/dove-platform/dgw/controlplane/internal/netcfg"
	"github.com/dove-platform/dgw/controlplane/internal/node"
	"github.com/dove-platform/dgw/controlplane/internal/persist"
	"github.com/dove-platform/dgw/controlplane/internal/registry"
	"github.com/dove-platform/dgw/controlplane/internal/tunnel"
)

// fakeNet keeps the host configuration in memory.
type fakeNet struct {
	mu      sync.Mutex
	bridges map[string]uint16
	vlans   map[string]uint16
	aliases map[string]netip.Prefix
	routes  map[netcfg.PolicyRoute]struct{}
	fail    map[string]error
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		bridges: map[string]uint16{},
		vlans:   map[string]uint16{},
		aliases: map[string]netip.Prefix{},
		routes:  map[netcfg.PolicyRoute]struct{}{},
		fail:    map[string]error{},
	}
}

func (m *fakeNet) failOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = err
}

func (m *fakeNet) CreateBridge(name string, mtu uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["CreateBridge"]; err != nil {
		return err
	}
	m.bridges[name] = mtu
	return nil
}

func (m *fakeNet) DestroyBridge(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bridges, name)
	return nil
}

func (m *fakeNet) AddVLAN(bridge string, vlan uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vlans[fmt.Sprintf("%s.%d", bridge, vlan)] = vlan
	return nil
}

func (m *fakeNet) RemoveVLAN(bridge string, vlan uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vlans, fmt.Sprintf("%s.%d", bridge, vlan))
	return nil
}

func (m *fakeNet) AddAlias(bridge string, addr netip.Prefix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["AddAlias"]; err != nil {
		return err
	}
	m.aliases[bridge+"/"+addr.Addr().String()] = addr
	return nil
}

func (m *fakeNet) RemoveAlias(bridge string, addr netip.Prefix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.aliases, bridge+"/"+addr.Addr().String())
	return nil
}

func (m *fakeNet) AddPolicyRoute(route netcfg.PolicyRoute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["AddPolicyRoute"]; err != nil {
		return err
	}
	m.routes[route] = struct{}{}
	return nil
}

func (m *fakeNet) RemovePolicyRoute(route netcfg.PolicyRoute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, route)
	return nil
}

func (m *fakeNet) SourceFor(netip.Addr) (netip.Addr, error) {
	return netip.MustParseAddr("192.0.2.100"), nil
}

type fixture struct {
	ctrl      *Controller
	net       *fakeNet
	dpc       *dataplane.Recorder
	transport *dps.MemoryTransport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dpc := dataplane.NewRecorder(nil)
	reg, err := registry.New(registry.DefaultConfig(), dpc)
	require.NoError(t, err)

	n := node.New(&node.Config{
		OverlayIP:    netip.MustParseAddr("10.1.0.1"),
		SharedDomain: node.DefaultSharedDomain,
		Enabled:      true,
	}, nil)

	dpsCfg := dps.DefaultConfig()
	dpsCfg.Server = netip.MustParseAddrPort("198.51.100.7:9902")
	transport := dps.NewMemoryTransport()
	client := dps.NewClient(dpsCfg, transport, reg, dpc, n)

	tunnels := tunnel.NewManager(reg, dpc, client, n)
	supervisor := ha.NewSupervisor(ha.DefaultConfig(), reg, n)

	fnet := newFakeNet()
	ctrl := New(Components{
		Node:      n,
		Registry:  reg,
		Tunnels:   tunnels,
		DPS:       client,
		HA:        supervisor,
		Net:       fnet,
		Dataplane: dpc,
		Store:     persist.NewStore(filepath.Join(t.TempDir(), "snapshot.yaml")),
	})

	return &fixture{
		ctrl:      ctrl,
		net:       fnet,
		dpc:       dpc,
		transport: transport,
	}
}

func tunnelUpdates(sent []dps.Sent) []string {
	out := []string{}
	for _, s := range sent {
		if update, ok := s.Env.Body.(*dps.TunnelUpdate); ok {
			op := "register"
			if update.Deregister {
				op = "deregister"
			}
			out = append(out, fmt.Sprintf("%s %d %s", op, s.Env.VNID, update.Role))
		}
	}
	return out
}

var (
	webIP = registry.InterfaceIP{
		Address: netip.MustParsePrefix("203.0.113.1/24"),
		Nexthop: netip.MustParseAddr("203.0.113.254"),
	}
	webVIP = registry.ExternalVIP{
		IP:      netip.MustParseAddr("203.0.113.10"),
		PortMin: 2000,
		PortMax: 2100,
		Domain:  42,
	}
)

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.ctrl.CreateService(ctx, "web", registry.TypeNone))
	require.Contains(t, f.net.bridges, "web")

	require.NoError(t, f.ctrl.AddInterfaceIP(ctx, "web", webIP))
	require.Equal(t, webIP.Address, f.net.aliases["web/203.0.113.1"])
	require.Contains(t, f.net.routes, netcfg.PolicyRoute{
		Bridge:  "web",
		Table:   netcfg.DefaultConfig().Table(1),
		Source:  webIP.Address.Addr(),
		Nexthop: webIP.Nexthop,
	})

	err := f.ctrl.AddInterfaceIP(ctx, "web", webIP)
	require.ErrorIs(t, err, xerror.ErrExists)

	err = f.ctrl.DeleteService(ctx, "web")
	require.ErrorIs(t, err, xerror.ErrDependency)

	require.NoError(t, f.ctrl.SetServiceAttributes(ctx, "web", 9000, true))
	require.Equal(t, uint16(9000), f.net.bridges["web"])

	require.NoError(t, f.ctrl.DeleteInterfaceIP(ctx, "web", webIP.Address.Addr()))
	require.Empty(t, f.net.aliases)
	require.Empty(t, f.net.routes)

	require.NoError(t, f.ctrl.DeleteService(ctx, "web"))
	require.NotContains(t, f.net.bridges, "web")
	require.Equal(t, 0, f.ctrl.Registry.Len())
}

func TestCreateServiceBridgeFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.net.failOn("CreateBridge", errors.New("operation not permitted"))

	require.Error(t, f.ctrl.CreateService(ctx, "web", registry.TypeNone))
	require.False(t, f.ctrl.Registry.Exists("web"))
}

func TestInterfaceIPHostFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.ctrl.CreateService(ctx, "web", registry.TypeNone))

	f.net.failOn("AddPolicyRoute", errors.New("network is unreachable"))
	require.Error(t, f.ctrl.AddInterfaceIP(ctx, "web", webIP))
	require.Empty(t, f.net.aliases, "alias is rolled back")

	view, err := f.ctrl.ShowService(ctx, "web")
	require.NoError(t, err)
	require.Empty(t, view.InterfaceIPs)
	require.Empty(t, dataplane.Filter[dataplane.InterfaceIP](f.dpc.Commands()))
}

func TestInterfaceIPConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.ctrl.CreateService(ctx, "web", registry.TypeNone))
	require.NoError(t, f.ctrl.AddInterfaceIP(ctx, "web", webIP))

	other := webIP
	other.Address = netip.MustParsePrefix("203.0.113.1/25")
	err := f.ctrl.AddInterfaceIP(ctx, "web", other)
	require.ErrorIs(t, err, xerror.ErrConfiguration)
	require.Equal(t, webIP.Address, f.net.aliases["web/203.0.113.1"], "existing alias is untouched")
}

func TestExternalVIPRegistersTunnel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.ctrl.CreateService(ctx, "web", registry.TypeNone))
	require.NoError(t, f.ctrl.AddInterfaceIP(ctx, "web", webIP))

	require.NoError(t, f.ctrl.AddExternalVIP(ctx, "web", webVIP))
	require.Equal(t, []string{"register 42 external"}, tunnelUpdates(f.transport.Take()))
	require.Equal(t, []tunnel.Key{{VNID: 42, Role: dps.RoleExternal}}, f.ctrl.Status().Tunnels)

	view, err := f.ctrl.ShowService(ctx, "web")
	require.NoError(t, err)
	require.Equal(t, registry.TypeExternal, view.Type)

	require.NoError(t, f.ctrl.DeleteExternalVIP(ctx, "web", webVIP))
	require.Equal(t, []string{"deregister 42 external"}, tunnelUpdates(f.transport.Take()))
	require.Empty(t, f.ctrl.Status().Tunnels)
}

func TestRecordCreatesServiceOnFirstReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.ctrl.AddExternalVIP(ctx, "web", webVIP))
	require.True(t, f.ctrl.Registry.Exists("web"))
	require.Contains(t, f.net.bridges, "web")
	require.Equal(t, []string{"register 42 external"}, tunnelUpdates(f.transport.Take()))

	view, err := f.ctrl.ShowService(ctx, "web")
	require.NoError(t, err)
	require.Equal(t, registry.TypeExternal, view.Type)
	require.Equal(t, []registry.ExternalVIP{webVIP}, view.ExternalVIPs)

	require.NoError(t, f.ctrl.AddMAC(ctx, "web", registry.MAC{0x02, 0, 0, 0, 0, 0x01}))
	require.Equal(t, 1, f.ctrl.Registry.Len())

	f.net.failOn("CreateBridge", errors.New("operation not permitted"))
	require.Error(t, f.ctrl.AddMAC(ctx, "db", registry.MAC{0x02, 0, 0, 0, 0, 0x02}))
	require.False(t, f.ctrl.Registry.Exists("db"))

	err = f.ctrl.DeleteExternalVIP(ctx, "db", webVIP)
	require.ErrorIs(t, err, xerror.ErrNotFound)
}

func TestDomainVLAN(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.ctrl.CreateService(ctx, "web", registry.TypeNone))

	require.NoError(t, f.ctrl.AddDomainVLAN(ctx, "web", registry.DomainVLAN{Domain: 42, VLAN: 100}))
	require.NoError(t, f.ctrl.AddDomainVLAN(ctx, "web", registry.DomainVLAN{Domain: 43, VLAN: 100}))
	require.Contains(t, f.net.vlans, "web.100")

	require.NoError(t, f.ctrl.DeleteDomainVLAN(ctx, "web", 42))
	require.Contains(t, f.net.vlans, "web.100", "still used by domain 43")

	require.NoError(t, f.ctrl.DeleteDomainVLAN(ctx, "web", 43))
	require.NotContains(t, f.net.vlans, "web.100")

	err := f.ctrl.DeleteDomainVLAN(ctx, "web", 43)
	require.ErrorIs(t, err, xerror.ErrNotFound)
}

func TestListServices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, name := range []string{"web1", "web2", "db"} {
		require.NoError(t, f.ctrl.CreateService(ctx, name, registry.TypeNone))
	}

	names := func(views []registry.View) []string {
		out := []string{}
		for _, v := range views {
			out = append(out, v.Name)
		}
		slices.Sort(out)
		return out
	}

	views, err := f.ctrl.ListServices(ctx, "web*")
	require.NoError(t, err)
	require.Equal(t, []string{"web1", "web2"}, names(views))

	views, err = f.ctrl.ListServices(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"db", "web1", "web2"}, names(views))

	_, err = f.ctrl.ListServices(ctx, "[")
	require.ErrorIs(t, err, xerror.ErrConfiguration)
}

func TestNodeSettings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.ctrl.SetOverlayPort(ctx, 8472))
	require.Equal(t, uint16(8472), f.ctrl.Node.OverlayPort())
	require.Equal(t,
		[]dataplane.OverlayPort{{Port: 8472}},
		dataplane.Filter[dataplane.OverlayPort](f.dpc.Commands()),
	)
	require.ErrorIs(t, f.ctrl.SetOverlayPort(ctx, 0), xerror.ErrConfiguration)

	require.NoError(t, f.ctrl.ResetStats(ctx))
	require.Len(t, dataplane.Filter[dataplane.ResetStats](f.dpc.Commands()), 1)

	require.NoError(t, f.ctrl.SetPeer(ctx, netip.MustParseAddr("10.1.0.2")))
	status := f.ctrl.Status()
	require.NotNil(t, status.Peer)
	require.Equal(t, ha.StateInactive, status.Peer.State)
}

func TestOverlayIPChangeReregisters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.ctrl.CreateService(ctx, "web", registry.TypeNone))
	require.NoError(t, f.ctrl.AddInterfaceIP(ctx, "web", webIP))
	require.NoError(t, f.ctrl.AddExternalVIP(ctx, "web", webVIP))
	f.transport.Take()

	require.NoError(t, f.ctrl.SetOverlayIP(ctx, netip.MustParseAddr("10.1.0.9")))

	sent := f.transport.Take()
	require.Equal(t, []string{"deregister 42 external", "register 42 external"}, tunnelUpdates(sent))
	require.Equal(t, netip.MustParseAddr("10.1.0.1"), sent[0].Env.Body.(*dps.TunnelUpdate).OverlayIP)
	require.Equal(t, netip.MustParseAddr("10.1.0.9"), sent[1].Env.Body.(*dps.TunnelUpdate).OverlayIP)

	require.NoError(t, f.ctrl.SetOverlayIP(ctx, netip.MustParseAddr("10.1.0.9")))
	require.Empty(t, f.transport.Take())
}

func TestPeerDownResyncsTunnels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.ctrl.CreateService(ctx, "web", registry.TypeNone))
	require.NoError(t, f.ctrl.AddDomainVLAN(ctx, "web", registry.DomainVLAN{Domain: 7, VLAN: 70}))
	f.transport.Take()

	f.ctrl.HandlePeerEvent(ctx, ha.EventPeerUp, netip.MustParseAddr("10.1.0.2"))
	require.Empty(t, f.transport.Take())

	f.ctrl.HandlePeerEvent(ctx, ha.EventPeerDown, netip.MustParseAddr("10.1.0.2"))
	require.Equal(t, []string{"register 7 vlan"}, tunnelUpdates(f.transport.Take()))
}

var equateAddrs = cmpopts.EquateComparable(netip.Addr{}, netip.Prefix{}, netip.AddrPort{})

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.ctrl.CreateService(ctx, "web", registry.TypeNone))
	require.NoError(t, f.ctrl.AddDomain(ctx, "web", 42))
	require.NoError(t, f.ctrl.AddMAC(ctx, "web", registry.MAC{0x02, 0, 0, 0, 0, 0x01}))
	require.NoError(t, f.ctrl.AddInterfaceIP(ctx, "web", webIP))
	require.NoError(t, f.ctrl.AddExternalVIP(ctx, "web", webVIP))
	require.NoError(t, f.ctrl.AddDomainVLAN(ctx, "web", registry.DomainVLAN{Domain: 43, VLAN: 100}))
	require.NoError(t, f.ctrl.AddForwardRule(ctx, "web", registry.ForwardRule{
		Domain:     42,
		Protocol:   6,
		MatchIP:    netip.MustParseAddr("203.0.113.20"),
		MatchPort:  80,
		MappedIP:   netip.MustParseAddr("10.42.0.5"),
		MappedPort: 8080,
		PIPMin:     netip.MustParseAddr("203.0.113.1"),
		PIPMax:     netip.MustParseAddr("203.0.113.1"),
	}))
	require.NoError(t, f.ctrl.AddVNIDSubnet(ctx, "web", registry.VNIDSubnet{
		VNID:   42,
		Subnet: netip.MustParsePrefix("10.42.0.0/16"),
		Mode:   registry.SubnetDedicated,
	}))
	require.NoError(t, f.ctrl.Save(ctx))

	expected, err := f.ctrl.Snapshot(ctx)
	require.NoError(t, err)

	loaded, err := f.ctrl.Store.Load()
	require.NoError(t, err)
	if diff := cmp.Diff(expected, loaded, equateAddrs, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("saved snapshot mismatch (-want +got):\n%s", diff)
	}

	// Applying the empty snapshot tears everything down.
	require.NoError(t, f.ctrl.Apply(ctx, &persist.Snapshot{OverlayIP: netip.MustParseAddr("10.1.0.1")}))
	require.Equal(t, 0, f.ctrl.Registry.Len())
	require.Empty(t, f.net.bridges)
	require.Empty(t, f.net.aliases)
	require.Empty(t, f.net.routes)
	require.Empty(t, f.net.vlans)
	require.Empty(t, f.ctrl.Status().Tunnels)

	// Applying the saved snapshot rebuilds the same state.
	require.NoError(t, f.ctrl.Apply(ctx, loaded))
	actual, err := f.ctrl.Snapshot(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(expected, actual, equateAddrs, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("applied snapshot mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []tunnel.Key{
		{VNID: 42, Role: dps.RoleExternal},
		{VNID: 43, Role: dps.RoleVLAN},
	}, f.ctrl.Status().Tunnels)
}

func TestSaveWithoutStore(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Store = nil

	require.ErrorIs(t, f.ctrl.Save(context.Background()), xerror.ErrConfiguration)
}
