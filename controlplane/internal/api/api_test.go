package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dove-platform/dgw/common/go/xerror"
	"github.com/dove-platform/dgw/controlplane/internal/control"
	"github.com/dove-platform/dgw/controlplane/internal/dataplane"
	"github.com/dove-platform/dgw/controlplane/internal/dps"
	"github.com/dove-platform/dgw/controlplane/internal/ha"
	"github.com/dove-platform/dgw/controlplane/internal/node"
	"github.com/dove-platform/dgw/controlplane/internal/registry"
	"github.com/dove-platform/dgw/controlplane/internal/tunnel"
)

func newController(t *testing.T, level *zap.AtomicLevel) *control.Controller {
	t.Helper()

	dpc := dataplane.NewRecorder(nil)
	reg, err := registry.New(registry.DefaultConfig(), dpc)
	require.NoError(t, err)

	n := node.New(&node.Config{
		OverlayIP:    netip.MustParseAddr("10.1.0.1"),
		SharedDomain: node.DefaultSharedDomain,
		Enabled:      true,
	}, level)

	dpsCfg := dps.DefaultConfig()
	dpsCfg.Server = netip.MustParseAddrPort("198.51.100.7:9902")
	client := dps.NewClient(dpsCfg, dps.NewMemoryTransport(), reg, dpc, n)

	return control.New(control.Components{
		Node:      n,
		Registry:  reg,
		Tunnels:   tunnel.NewManager(reg, dpc, client, n),
		DPS:       client,
		HA:        ha.NewSupervisor(ha.DefaultConfig(), reg, n),
		Dataplane: dpc,
	})
}

// serve runs the API on a loopback listener and returns a client for it.
func serve(t *testing.T, ctrl *control.Controller) *Client {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewServer(&Config{Endpoint: listener.Addr().String()}, ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return server.Serve(ctx, listener)
	})

	client, err := Dial(listener.Addr().String())
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		cancel()
		require.NoError(t, wg.Wait())
	})
	return client
}

func TestServiceOverGRPC(t *testing.T) {
	ctx := context.Background()
	client := serve(t, newController(t, nil))

	for _, name := range []string{"web", "db"} {
		req := &CreateServiceRequest{Name: name, Type: registry.TypeNone}
		require.NoError(t, client.Call(ctx, "CreateService", req, &Empty{}))
	}

	ifIP := &Mutation[registry.InterfaceIP]{
		Service: "web",
		Record:  registry.InterfaceIP{Address: netip.MustParsePrefix("203.0.113.1/24")},
	}
	require.NoError(t, client.Call(ctx, "InterfaceIP", ifIP, &Empty{}))

	var view registry.View
	require.NoError(t, client.Call(ctx, "ShowService", &ServiceRequest{Name: "web"}, &view))
	require.Equal(t, []registry.InterfaceIP{ifIP.Record}, view.InterfaceIPs)

	var list ListServicesResponse
	require.NoError(t, client.Call(ctx, "ListServices", &ListServicesRequest{Pattern: "w*"}, &list))
	require.Len(t, list.Services, 1)
	require.Equal(t, "web", list.Services[0].Name)

	err := client.Call(ctx, "DeleteService", &ServiceRequest{Name: "web"}, &Empty{})
	require.Equal(t, codes.FailedPrecondition, status.Code(err))

	ifIP.Remove = true
	require.NoError(t, client.Call(ctx, "InterfaceIP", ifIP, &Empty{}))
	require.NoError(t, client.Call(ctx, "DeleteService", &ServiceRequest{Name: "web"}, &Empty{}))

	err = client.Call(ctx, "DeleteService", &ServiceRequest{Name: "web"}, &Empty{})
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestNodeOverGRPC(t *testing.T) {
	ctx := context.Background()
	client := serve(t, newController(t, nil))

	require.NoError(t, client.Call(ctx, "SetOverlayPort", &OverlayPortRequest{Port: 8472}, &Empty{}))
	err := client.Call(ctx, "SetOverlayPort", &OverlayPortRequest{Port: 0}, &Empty{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	require.NoError(t, client.Call(ctx, "SetPeer", &AddrRequest{IP: netip.MustParseAddr("10.1.0.2")}, &Empty{}))

	var st control.Status
	require.NoError(t, client.Call(ctx, "Status", &Empty{}, &st))
	require.Equal(t, uint16(8472), st.OverlayPort)
	require.Equal(t, netip.MustParseAddr("10.1.0.1"), st.OverlayIP)
	require.NotNil(t, st.Peer)
	require.Equal(t, netip.MustParseAddr("10.1.0.2"), st.Peer.IP)

	err = client.Call(ctx, "Save", &Empty{}, &Empty{})
	require.Equal(t, codes.InvalidArgument, status.Code(err), "no snapshot store configured")

	var version VersionResponse
	require.NoError(t, client.Call(ctx, "Version", &Empty{}, &version))
	require.NotEmpty(t, version.Version)
}

func TestUpdateLogLevel(t *testing.T) {
	ctx := context.Background()

	client := serve(t, newController(t, nil))
	err := client.Call(ctx, "UpdateLogLevel", &LogLevelRequest{Level: "debug"}, &Empty{})
	require.Equal(t, codes.Unimplemented, status.Code(err))

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	client = serve(t, newController(t, &level))
	require.NoError(t, client.Call(ctx, "UpdateLogLevel", &LogLevelRequest{Level: "debug"}, &Empty{}))
	require.Equal(t, zapcore.DebugLevel, level.Level())

	err = client.Call(ctx, "UpdateLogLevel", &LogLevelRequest{Level: "verbose"}, &Empty{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{nil, codes.OK},
		{fmt.Errorf("bad type: %w", xerror.ErrConfiguration), codes.InvalidArgument},
		{xerror.ErrBusy, codes.Unavailable},
		{xerror.ErrNotFound, codes.NotFound},
		{xerror.ErrFull, codes.ResourceExhausted},
		{xerror.ErrExists, codes.AlreadyExists},
		{xerror.ErrTransport, codes.Unavailable},
		{xerror.ErrProtocol, codes.Internal},
		{xerror.ErrDependency, codes.FailedPrecondition},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{status.Error(codes.Unimplemented, "nope"), codes.Unimplemented},
		{errors.New("disk on fire"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			require.Equal(t, tt.code, status.Code(statusError(tt.err)))
		})
	}
}

func TestStructMapping(t *testing.T) {
	in := &Mutation[registry.ExtSharedVNID]{
		Service: "web",
		Record:  registry.ExtSharedVNID{VNID: 0xffffffff, Tenant: 7},
		Remove:  true,
	}
	msg, err := toStruct(in)
	require.NoError(t, err)
	require.Equal(t, "web", msg.GetFields()["service"].GetStringValue())

	out := &Mutation[registry.ExtSharedVNID]{}
	require.NoError(t, fromStruct(msg, out))
	require.Equal(t, in, out)

	_, err = toStruct(42)
	require.Error(t, err)

	msg, err = structpb.NewStruct(map[string]any{"ip": "not-an-address"})
	require.NoError(t, err)
	require.Error(t, fromStruct(msg, &AddrRequest{}))
}
