package dps

import (
	"context"
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"github.com/dove-platform/dgw/common/go/xerror"
	"github.com/dove-platform/dgw/controlplane/internal/dataplane"
	"github.com/dove-platform/dgw/controlplane/internal/registry"
)

// RegisterTunnel registers the overlay tunnel of the gateway for a VNID.
func (m *Client) RegisterTunnel(ctx context.Context, info TunnelInfo) error {
	body := &TunnelUpdate{Role: info.Role, OverlayIP: info.OverlayIP}
	return m.query(ctx, info.VNID, body, &request{expect: MsgAck})
}

// DeregisterTunnel withdraws a tunnel registration.
func (m *Client) DeregisterTunnel(ctx context.Context, info TunnelInfo) error {
	body := &TunnelUpdate{Deregister: true, Role: info.Role, OverlayIP: info.OverlayIP}
	return m.query(ctx, info.VNID, body, &request{expect: MsgAck})
}

// AnnounceEndpoint tells the policy service about an endpoint served by
// this gateway.
//
// Endpoints whose MAC is owned by an active HA peer are left to the peer.
func (m *Client) AnnounceEndpoint(ctx context.Context, op UpdateOp, vnid uint32, ip netip.Addr, mac registry.MAC) error {
	if m.peerOwns(mac) {
		m.log.Debugw("skipping endpoint owned by HA peer",
			zap.Stringer("op", op),
			zap.Stringer("ip", ip),
			zap.Stringer("mac", mac),
		)
		return nil
	}

	body := &EndpointUpdate{
		Op:        op,
		IP:        ip,
		MAC:       mac,
		OverlayIP: m.node.OverlayIP(),
	}
	return m.query(ctx, vnid, body, &request{expect: MsgAck})
}

// RequestBroadcastList asks for the flood list of a VNID. The reply is
// pushed to the data plane.
func (m *Client) RequestBroadcastList(ctx context.Context, vnid uint32) error {
	return m.query(ctx, vnid, &BcastListRequest{}, &request{expect: MsgBcastListReply})
}

// RequestGatewayList asks for the gateways of a role serving a VNID. The
// reply is cached and reported by GatewayLists.
func (m *Client) RequestGatewayList(ctx context.Context, vnid uint32, role Role) error {
	return m.query(ctx, vnid, &GatewayListRequest{Role: role}, &request{expect: MsgGatewayListReply})
}

// JoinMulticast joins the group as a receiver or as a sender.
func (m *Client) JoinMulticast(ctx context.Context, vnid uint32, group netip.Addr, sender bool) error {
	op := McastReceiverJoin
	if sender {
		op = McastSenderJoin
	}
	return m.multicast(ctx, vnid, group, op)
}

// LeaveMulticast is the inverse of JoinMulticast.
func (m *Client) LeaveMulticast(ctx context.Context, vnid uint32, group netip.Addr, sender bool) error {
	op := McastReceiverLeave
	if sender {
		op = McastSenderLeave
	}
	return m.multicast(ctx, vnid, group, op)
}

func (m *Client) multicast(ctx context.Context, vnid uint32, group netip.Addr, op McastOp) error {
	if !group.Is4() || !group.IsMulticast() {
		return fmt.Errorf("%w: %s is not an IPv4 multicast group", xerror.ErrConfiguration, group)
	}

	body := &MulticastUpdate{Op: op, Group: group, OverlayIP: m.node.OverlayIP()}
	return m.query(ctx, vnid, body, &request{expect: MsgAck})
}

func (m *Client) handleBcastListReply(ctx context.Context, req *request, env Envelope) error {
	reply := env.Body.(*BcastListReply)
	return m.dpc.Submit(ctx, dataplane.VNIDInfo{VNID: env.VNID, FloodTunnels: reply.Tunnels})
}

func (m *Client) handleGatewayListReply(ctx context.Context, req *request, env Envelope) error {
	reply := env.Body.(*GatewayListReply)

	m.mu.Lock()
	m.gateways[gatewayKey{vnid: env.VNID, role: reply.Role}] = reply.Gateways
	m.mu.Unlock()

	m.log.Infow("updated gateway list",
		zap.Uint32("vnid", env.VNID),
		zap.Stringer("role", reply.Role),
		zap.Int("count", len(reply.Gateways)),
	)
	return nil
}

// handleAddrResolve answers for addresses in the subnets this gateway
// serves.
func (m *Client) handleAddrResolve(ctx context.Context, from netip.AddrPort, env Envelope) error {
	ip := env.Body.(*AddrResolve).IP

	served, ok, err := m.dir.ServingSubnet(ctx, env.VNID, ip)
	if err != nil {
		return err
	}
	if !ok {
		m.log.Debugw("not serving resolved address", zap.Uint32("vnid", env.VNID), zap.Stringer("ip", ip))
		return nil
	}
	if served.MAC.IsZero() {
		return fmt.Errorf("bridge %q serving %s has no MAC address", served.Service, ip)
	}

	return m.AnnounceEndpoint(ctx, EndpointAdd, env.VNID, ip, served.MAC)
}

func (m *Client) handlePolicyInvalidate(ctx context.Context, from netip.AddrPort, env Envelope) error {
	msg := env.Body.(*PolicyInvalidate)
	m.log.Infow("policy invalidated", zap.Uint32("src_vnid", msg.SrcVNID), zap.Uint32("dst_vnid", msg.DstVNID))
	return m.dpc.Submit(ctx, dataplane.InvalidatePolicy{SrcVNID: msg.SrcVNID, DstVNID: msg.DstVNID})
}

func (m *Client) peerOwns(mac registry.MAC) bool {
	return m.peers != nil && m.peers.PeerOwnsMAC(mac)
}
