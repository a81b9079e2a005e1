package control

import (
	"context"
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"github.com/dove-platform/dgw/common/go/xerror"
	"github.com/dove-platform/dgw/controlplane/internal/dataplane"
	"github.com/dove-platform/dgw/controlplane/internal/dps"
	"github.com/dove-platform/dgw/controlplane/internal/ha"
	"github.com/dove-platform/dgw/controlplane/internal/tunnel"
)

// SetOverlayIP changes the overlay address. Registrations made with the
// previous address are dropped and every referenced tunnel is registered
// again with the new one.
func (m *Controller) SetOverlayIP(ctx context.Context, ip netip.Addr) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.setOverlayIP(ctx, ip)
}

func (m *Controller) setOverlayIP(ctx context.Context, ip netip.Addr) error {
	if ip.IsValid() && !ip.Is4() {
		return fmt.Errorf("%w: overlay IP must be IPv4, got %s", xerror.ErrConfiguration, ip)
	}
	if m.Node.OverlayIP() == ip {
		return nil
	}

	m.Tunnels.DeregisterAll(ctx)
	m.Node.SetOverlayIP(ip)
	m.log.Infow("overlay IP changed", zap.Stringer("overlay_ip", ip))

	if err := m.Tunnels.Resync(ctx); err != nil {
		m.log.Warnw("failed to resync tunnels", zap.Error(err))
	}
	return nil
}

func (m *Controller) SetDMCIP(ctx context.Context, ip netip.Addr) error {
	m.Node.SetDMCIP(ip)
	m.log.Infow("DMC IP changed", zap.Stringer("dmc_ip", ip))
	return nil
}

// SetOverlayPort changes the overlay UDP port and pushes it to the data
// plane.
func (m *Controller) SetOverlayPort(ctx context.Context, port uint16) error {
	if port == 0 {
		return fmt.Errorf("%w: overlay port must be non-zero", xerror.ErrConfiguration)
	}
	if err := m.Dataplane.Submit(ctx, dataplane.OverlayPort{Port: port}); err != nil {
		return fmt.Errorf("failed to push overlay port: %w", err)
	}

	m.Node.SetOverlayPort(port)
	m.log.Infow("overlay port changed", zap.Uint16("port", port))
	return nil
}

// SetDPSServer retargets the DPS client and registers every tunnel with the
// new server.
func (m *Controller) SetDPSServer(ctx context.Context, addr netip.AddrPort) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !addr.IsValid() {
		return fmt.Errorf("%w: invalid DPS address", xerror.ErrConfiguration)
	}
	m.DPS.SetServer(addr)
	if err := m.Tunnels.Resync(ctx); err != nil {
		m.log.Warnw("failed to resync tunnels", zap.Error(err))
	}
	return nil
}

// SetPeer replaces the HA peer. An invalid address removes it.
func (m *Controller) SetPeer(ctx context.Context, ip netip.Addr) error {
	if ip.IsValid() && !ip.Is4() {
		return fmt.Errorf("%w: HA peer must be IPv4, got %s", xerror.ErrConfiguration, ip)
	}

	m.HA.SetPeer(ip)
	state := ha.StateUnknown
	if status, ok := m.HA.Peer(); ok {
		state = status.State
	}
	m.peers.PeerState(state)
	return nil
}

func (m *Controller) SetEnabled(ctx context.Context, enabled bool) error {
	m.Node.SetEnabled(enabled)
	m.log.Infow("gateway state changed", zap.Bool("enabled", enabled))
	return nil
}

// ResetStats clears the data plane counters.
func (m *Controller) ResetStats(ctx context.Context) error {
	return m.Dataplane.Submit(ctx, dataplane.ResetStats{})
}

// Resolve asks the DPS for the location of ip in domain.
func (m *Controller) Resolve(ctx context.Context, domain uint32, ip netip.Addr) error {
	return m.DPS.Resolve(ctx, domain, ip)
}

// RequestBroadcastList asks the DPS for the flood list of the VNID.
func (m *Controller) RequestBroadcastList(ctx context.Context, vnid uint32) error {
	return m.DPS.RequestBroadcastList(ctx, vnid)
}

// RequestGatewayList asks the DPS for the gateways of the VNID.
func (m *Controller) RequestGatewayList(ctx context.Context, vnid uint32, role dps.Role) error {
	return m.DPS.RequestGatewayList(ctx, vnid, role)
}

// Status is a summary of the gateway state.
type Status struct {
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	OverlayIP   netip.Addr        `json:"overlay_ip,omitzero" yaml:"overlay_ip"`
	DMCIP       netip.Addr        `json:"dmc_ip,omitzero" yaml:"dmc_ip"`
	OverlayPort uint16            `json:"overlay_port" yaml:"overlay_port"`
	DPSServer   netip.AddrPort    `json:"dps_server,omitzero" yaml:"dps_server"`
	DPSStale    bool              `json:"dps_stale" yaml:"dps_stale"`
	DPSPending  int               `json:"dps_pending" yaml:"dps_pending"`
	Peer        *ha.PeerStatus    `json:"peer,omitempty" yaml:"peer,omitempty"`
	Services    int               `json:"services" yaml:"services"`
	Tunnels     []tunnel.Key      `json:"tunnels" yaml:"tunnels"`
	Gateways    []dps.GatewayList `json:"gateways,omitempty" yaml:"gateways,omitempty"`
}

// Status returns the current gateway state.
func (m *Controller) Status() Status {
	status := Status{
		Enabled:     m.Node.Enabled(),
		OverlayIP:   m.Node.OverlayIP(),
		DMCIP:       m.Node.DMCIP(),
		OverlayPort: m.Node.OverlayPort(),
		DPSServer:   m.DPS.Server(),
		DPSStale:    m.DPS.Stale(),
		DPSPending:  m.DPS.Pending(),
		Services:    m.Registry.Len(),
		Tunnels:     m.Tunnels.Registered(),
		Gateways:    m.DPS.GatewayLists(),
	}
	if peer, ok := m.HA.Peer(); ok {
		status.Peer = &peer
	}
	return status
}
