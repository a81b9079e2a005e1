package dps

import (
	"context"
	"fmt"
	"net/netip"
	"slices"

	"github.com/gaissmai/cidrtree"
	"go.uber.org/zap"

	"github.com/dove-platform/dgw/common/go/xerror"
	"github.com/dove-platform/dgw/common/go/xnetip"
	"github.com/dove-platform/dgw/controlplane/internal/dataplane"
	"github.com/dove-platform/dgw/controlplane/internal/registry"
)

// Resolve asks where ip of the given domain lives and programs the answer
// into the data plane once it arrives.
//
// Local addresses are programmed immediately as a self route. Addresses of
// the shared domain are looked up in the shared VNID subnets first.
func (m *Client) Resolve(ctx context.Context, domain uint32, ip netip.Addr) error {
	if !ip.Is4() {
		return fmt.Errorf("%w: %s is not IPv4", xerror.ErrConfiguration, ip)
	}

	local, err := m.dir.IsLocalIP(ctx, ip)
	if err != nil {
		return err
	}
	if local {
		return m.programSelf(ctx, domain, ip)
	}

	if domain == m.node.SharedDomain() {
		vnid, err := m.sharedVNID(ctx, ip)
		if err != nil {
			return err
		}

		req := &request{srcVNID: domain, domain: domain, shared: true, expect: MsgEndpointLocReply}
		return m.query(ctx, vnid, &EndpointLocRequest{DestIP: ip}, req)
	}

	req := &request{srcVNID: domain, domain: domain, expect: MsgPolicyReply}
	return m.query(ctx, domain, &PolicyRequest{DestIP: ip}, req)
}

// sharedVNID returns the VNID of the longest shared subnet containing ip.
func (m *Client) sharedVNID(ctx context.Context, ip netip.Addr) (uint32, error) {
	subnets, err := m.dir.VNIDSubnets(ctx)
	if err != nil {
		return 0, err
	}

	prefixes := make([]netip.Prefix, 0, len(subnets))
	vnids := map[netip.Prefix]uint32{}
	for _, subnet := range subnets {
		if subnet.Mode != registry.SubnetShared {
			continue
		}
		network := subnet.Network()
		if _, ok := vnids[network]; !ok {
			prefixes = append(prefixes, network)
			vnids[network] = subnet.VNID
		}
	}

	tree := cidrtree.New(prefixes...)
	network, ok := tree.Lookup(ip)
	if !ok {
		return 0, fmt.Errorf("%w: no shared subnet contains %s", xerror.ErrNotFound, ip)
	}
	return vnids[network], nil
}

func (m *Client) programSelf(ctx context.Context, domain uint32, ip netip.Addr) error {
	overlayIP := m.node.OverlayIP()
	cmd := dataplane.ProgramLocation{
		Domain:   domain,
		DestVNID: domain,
		DestIP:   ip,
		TunnelIP: overlayIP,
		SourceIP: overlayIP,
		Self:     true,
		Port:     m.node.OverlayPort(),
	}

	m.log.Debugw("programming self route", zap.Uint32("domain", domain), zap.Stringer("ip", ip))
	return m.dpc.Submit(ctx, cmd)
}

func (m *Client) handleEndpointLocReply(ctx context.Context, req *request, env Envelope) error {
	reply := env.Body.(*EndpointLocReply)
	return m.program(ctx, req.domain, reply.Location)
}

func (m *Client) handlePolicyReply(ctx context.Context, req *request, env Envelope) error {
	reply := env.Body.(*PolicyReply)
	if !reply.Permitted(req.srcVNID, reply.Location.DestVNID) {
		return fmt.Errorf("%w: %d -> %d", errDenied, req.srcVNID, reply.Location.DestVNID)
	}
	return m.program(ctx, req.domain, reply.Location)
}

// program installs one location per candidate tunnel endpoint, highest
// endpoint address first.
func (m *Client) program(ctx context.Context, domain uint32, loc Location) error {
	if len(loc.Tunnels) > MaxTunnels {
		return fmt.Errorf("%w: %d tunnel endpoints exceed the maximum of %d", xerror.ErrProtocol, len(loc.Tunnels), MaxTunnels)
	}

	tunnels := slices.Clone(loc.Tunnels)
	if len(tunnels) > 1 {
		slices.SortStableFunc(tunnels, xnetip.CompareV4Desc)
	}

	local, err := m.dir.InterfaceAddrs(ctx)
	if err != nil {
		return err
	}
	overlayIP := m.node.OverlayIP()
	port := m.node.OverlayPort()

	for idx, tunnelIP := range tunnels {
		self := tunnelIP == overlayIP || slices.Contains(local, tunnelIP)

		sourceIP, err := m.sourceFor(tunnelIP)
		if err != nil {
			return err
		}
		header, err := dataplane.EncapHeader(sourceIP, tunnelIP, loc.DestVNID, port)
		if err != nil {
			return err
		}

		cmd := dataplane.ProgramLocation{
			Index:    uint8(idx),
			Domain:   domain,
			DestVNID: loc.DestVNID,
			DestIP:   loc.DestIP,
			DestMAC:  loc.DestMAC,
			TunnelIP: tunnelIP,
			SourceIP: sourceIP,
			Self:     self,
			Port:     port,
			Header:   header,
		}
		if err := m.dpc.Submit(ctx, cmd); err != nil {
			return fmt.Errorf("failed to program location %d: %w", idx, err)
		}
	}

	m.log.Debugw("programmed location",
		zap.Uint32("domain", domain),
		zap.Uint32("dest_vnid", loc.DestVNID),
		zap.Stringer("dest_ip", loc.DestIP),
		zap.Int("candidates", len(tunnels)),
	)
	return nil
}

// sourceFor returns the overlay IP, or the OS route source towards dst when
// no overlay IP is configured.
func (m *Client) sourceFor(dst netip.Addr) (netip.Addr, error) {
	if overlayIP := m.node.OverlayIP(); overlayIP.IsValid() {
		return overlayIP, nil
	}
	if m.routes == nil {
		return netip.Addr{}, fmt.Errorf("%w: no overlay IP and no route source", xerror.ErrConfiguration)
	}

	src, err := m.routes.SourceFor(dst)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to find source address towards %s: %w", dst, err)
	}
	return src, nil
}
