package persist

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/dove-platform/dgw/controlplane/internal/registry"
)

var equateAddrs = cmpopts.EquateComparable(netip.Addr{}, netip.Prefix{}, netip.AddrPort{})

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		Enabled:   true,
		DPSServer: netip.MustParseAddrPort("198.51.100.7:9902"),
		OverlayIP: netip.MustParseAddr("10.1.0.1"),
		HAPeer:    netip.MustParseAddr("10.1.0.2"),
		Services: []registry.View{
			{
				Name:    "web",
				Type:    registry.TypeExternal,
				MTU:     1500,
				Enabled: true,
				Domains: []uint32{42},
				MACs:    []registry.MAC{{0x02, 0, 0, 0, 0, 0x01}},
				InterfaceIPs: []registry.InterfaceIP{
					{Address: netip.MustParsePrefix("203.0.113.1/24"), Nexthop: netip.MustParseAddr("203.0.113.254")},
					{Address: netip.MustParsePrefix("203.0.113.2/24")},
				},
				ExternalVIPs: []registry.ExternalVIP{
					{IP: netip.MustParseAddr("203.0.113.10"), PortMin: 2000, PortMax: 2100, Domain: 42},
				},
				VNIDSubnets: []registry.VNIDSubnet{
					{VNID: 42, Subnet: netip.MustParsePrefix("10.42.0.0/16"), Mode: registry.SubnetShared},
				},
			},
		},
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.yaml")
	store := NewStore(path)

	expected := sampleSnapshot()
	require.NoError(t, store.Save(expected))
	require.True(t, store.Exists())

	actual, err := NewStore(path).Load()
	require.NoError(t, err)
	if diff := cmp.Diff(expected, actual, equateAddrs); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files are left behind")
}

func TestLoadMissing(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent.yaml"))
	require.False(t, store.Exists())

	snapshot, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, &Snapshot{}, snapshot)
}

func TestDecode(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		snapshot, err := Decode(nil)
		require.NoError(t, err)
		require.False(t, snapshot.Enabled)
	})

	t.Run("UnknownField", func(t *testing.T) {
		_, err := Decode([]byte("enabled: true\nbogus: 1\n"))
		require.Error(t, err)
	})

	t.Run("BadType", func(t *testing.T) {
		_, err := Decode([]byte("services:\n  - name: web\n    type: sideways\n"))
		require.Error(t, err)
	})

	t.Run("Handwritten", func(t *testing.T) {
		snapshot, err := Decode([]byte(`
enabled: true
overlay_ip: 10.1.0.1
services:
  - name: web
    type: extvlan
    domain_vlans:
      - domain: 42
        vlan: 100
`))
		require.NoError(t, err)
		require.Equal(t, netip.MustParseAddr("10.1.0.1"), snapshot.OverlayIP)
		require.Len(t, snapshot.Services, 1)
		require.Equal(t, registry.TypeExtVlan, snapshot.Services[0].Type)
		require.Equal(t, []registry.DomainVLAN{{Domain: 42, VLAN: 100}}, snapshot.Services[0].DomainVLANs)
	})
}

func TestWatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "snapshot.yaml")
	store := NewStore(path)
	require.NoError(t, store.Save(&Snapshot{}))

	changes := make(chan *Snapshot, 16)
	watcher := NewWatcher(store, func(ctx context.Context, snapshot *Snapshot) {
		changes <- snapshot
	})

	done := make(chan error, 1)
	go func() {
		done <- watcher.Run(ctx)
	}()

	external := func(overlay string) {
		data := []byte("enabled: true\noverlay_ip: " + overlay + "\n")
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}

	// The watch may not be installed yet, so keep editing until noticed.
	var first *Snapshot
	require.Eventually(t, func() bool {
		external("10.1.0.1")
		select {
		case first = <-changes:
			return true
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, netip.MustParseAddr("10.1.0.1"), first.OverlayIP)

	// Own writes are not reported.
	require.NoError(t, store.Save(sampleSnapshot()))
	external("10.1.0.9")

	select {
	case next := <-changes:
		for next.OverlayIP == netip.MustParseAddr("10.1.0.1") {
			// Late events of the polling edits above.
			next = <-changes
		}
		require.Equal(t, netip.MustParseAddr("10.1.0.9"), next.OverlayIP)
	case <-time.After(5 * time.Second):
		t.Fatal("external edit was not reported")
	}

	cancel()
	require.NoError(t, <-done)
}
