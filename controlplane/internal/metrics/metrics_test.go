package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dove-platform/dgw/controlplane/internal/dps"
	"github.com/dove-platform/dgw/controlplane/internal/ha"
)

var _ dps.Observer = (*Metrics)(nil)

func TestObserver(t *testing.T) {
	m := New()

	m.Sent(dps.MsgPolicyRequest)
	m.Sent(dps.MsgPolicyRequest)
	m.Replied(dps.MsgPolicyReply, "denied")
	m.Pending(3)
	m.Stale(true)

	require.Equal(t, 2.0, testutil.ToFloat64(m.dpsRequests.WithLabelValues(dps.MsgPolicyRequest.String())))
	require.Equal(t, 1.0, testutil.ToFloat64(m.dpsReplies.WithLabelValues(dps.MsgPolicyReply.String(), "denied")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.dpsPending))
	require.Equal(t, 1.0, testutil.ToFloat64(m.dpsStale))

	m.Stale(false)
	require.Equal(t, 0.0, testutil.ToFloat64(m.dpsStale))
}

func TestPeerAndRegistry(t *testing.T) {
	m := New()

	m.PeerState(ha.StateActive)
	m.PeerEvent(ha.EventPeerUp)
	m.PeerEvent(ha.EventPeerDown)
	m.PeerEvent(ha.EventPeerDown)
	m.RegistryBusy()
	m.Tunnels(4)

	require.Equal(t, 2.0, testutil.ToFloat64(m.haState))
	require.Equal(t, 2.0, testutil.ToFloat64(m.haEvents.WithLabelValues("peer-down")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.registryBusy))
	require.Equal(t, 4.0, testutil.ToFloat64(m.tunnels))
}

func TestServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := New()
	m.Tunnels(7)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewServer(listener.Addr().String(), m, zap.NewNop().Sugar())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, listener)
	}()

	resp, err := http.Get("http://" + listener.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "dgw_tunnel_registered 7")

	cancel()
	require.NoError(t, <-done)
}
