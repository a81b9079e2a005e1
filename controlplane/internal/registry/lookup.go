package registry

import (
	"context"
	"net/netip"
)

// InterfaceAddrs returns the interface addresses of every entry.
func (m *Registry) InterfaceAddrs(ctx context.Context) ([]netip.Addr, error) {
	var out []netip.Addr
	err := m.Each(ctx, func(e *Entry) error {
		for _, ip := range e.ifIPs.values() {
			out = append(out, ip.Address.Addr())
		}
		return nil
	})
	return out, err
}

// IsLocalIP reports whether addr is configured on any bridge.
func (m *Registry) IsLocalIP(ctx context.Context, addr netip.Addr) (bool, error) {
	found := false
	err := m.Each(ctx, func(e *Entry) error {
		if e.ifIPs.contains(func(ip InterfaceIP) bool { return ip.Address.Addr() == addr }) {
			found = true
		}
		return nil
	})
	return found, err
}

// VNIDSubnets returns the VNID subnets of every entry.
func (m *Registry) VNIDSubnets(ctx context.Context) ([]VNIDSubnet, error) {
	var out []VNIDSubnet
	err := m.Each(ctx, func(e *Entry) error {
		out = append(out, e.vnidSubnets.values()...)
		return nil
	})
	return out, err
}

// BridgeMACs returns the deduplicated MAC addresses of every bridge.
func (m *Registry) BridgeMACs(ctx context.Context) ([]MAC, error) {
	var out []MAC
	seen := map[MAC]struct{}{}
	err := m.Each(ctx, func(e *Entry) error {
		for _, mac := range e.macs.values() {
			if _, ok := seen[mac]; ok {
				continue
			}
			seen[mac] = struct{}{}
			out = append(out, mac)
		}
		return nil
	})
	return out, err
}

// Served is a VNID subnet together with the bridge serving it.
type Served struct {
	Service string
	Subnet  VNIDSubnet
	// MAC is the first MAC address of the bridge, zero if it has none.
	MAC MAC
}

// ServingSubnet finds the longest subnet containing ip that is either
// declared for vnid or shared.
func (m *Registry) ServingSubnet(ctx context.Context, vnid uint32, ip netip.Addr) (Served, bool, error) {
	var best Served
	found := false
	err := m.Each(ctx, func(e *Entry) error {
		for _, subnet := range e.vnidSubnets.values() {
			if subnet.VNID != vnid && subnet.Mode != SubnetShared {
				continue
			}
			if !subnet.Network().Contains(ip) {
				continue
			}
			if found && subnet.Subnet.Bits() <= best.Subnet.Subnet.Bits() {
				continue
			}

			best = Served{Service: e.name, Subnet: subnet}
			if macs := e.macs.values(); len(macs) > 0 {
				best.MAC = macs[0]
			}
			found = true
		}
		return nil
	})
	return best, found, err
}
