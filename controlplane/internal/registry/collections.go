package registry

import (
	"context"
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"github.com/dove-platform/dgw/common/go/xerror"
	"github.com/dove-platform/dgw/controlplane/internal/dataplane"
)

// insert adds v to the collection picked from the named entry and pushes
// the command built by cmd, rolling the slot back if the push fails.
func insert[T record[T]](
	ctx context.Context,
	m *Registry,
	name string,
	pick func(*Entry) *slots[T],
	v T,
	cmd func(e *Entry, v T) dataplane.Command,
) error {
	return m.Update(ctx, name, func(e *Entry) error {
		s := pick(e)
		idx, err := s.insert(v)
		if err != nil {
			return err
		}

		if cmd != nil {
			if err := m.dpc.Submit(ctx, cmd(e, v)); err != nil {
				s.restore(idx, s.free)
				return fmt.Errorf("failed to push %T: %w", v, err)
			}
		}

		m.log.Debugw("added record", zap.String("service", name), zap.Any("record", v))
		return nil
	})
}

// remove frees the slot keyed like key, after check approves it, and pushes
// the command built by cmd.
func remove[T record[T]](
	ctx context.Context,
	m *Registry,
	name string,
	pick func(*Entry) *slots[T],
	key T,
	check func(e *Entry, v T) error,
	cmd func(e *Entry, v T) dataplane.Command,
) (T, error) {
	var removed T
	err := m.Update(ctx, name, func(e *Entry) error {
		s := pick(e)
		idx := s.index(key)
		if idx < 0 {
			return fmt.Errorf("%w: %v in service %q", xerror.ErrNotFound, key, name)
		}
		v := s.items[idx]

		if check != nil {
			if err := check(e, v); err != nil {
				return err
			}
		}

		s.restore(idx, s.free)
		if cmd != nil {
			if err := m.dpc.Submit(ctx, cmd(e, v)); err != nil {
				s.restore(idx, v)
				return fmt.Errorf("failed to push %T removal: %w", v, err)
			}
		}

		removed = v
		m.log.Debugw("removed record", zap.String("service", name), zap.Any("record", v))
		return nil
	})
	return removed, err
}

func (m *Registry) UpdateDomain(ctx context.Context, name string, domain uint32) error {
	return insert(ctx, m, name, func(e *Entry) *slots[domainID] { return &e.domains }, domainID(domain), nil)
}

func (m *Registry) DeleteDomain(ctx context.Context, name string, domain uint32) error {
	_, err := remove(ctx, m, name, func(e *Entry) *slots[domainID] { return &e.domains }, domainID(domain), nil, nil)
	return err
}

func (m *Registry) UpdateMAC(ctx context.Context, name string, mac MAC) error {
	return insert(ctx, m, name, func(e *Entry) *slots[MAC] { return &e.macs }, mac, nil)
}

func (m *Registry) DeleteMAC(ctx context.Context, name string, mac MAC) error {
	_, err := remove(ctx, m, name, func(e *Entry) *slots[MAC] { return &e.macs }, mac, nil, nil)
	return err
}

func pickDomainVLANs(e *Entry) *slots[DomainVLAN] { return &e.domainVLANs }

// UpdateDomainVLAN maps a domain to a VLAN.
func (m *Registry) UpdateDomainVLAN(ctx context.Context, name string, v DomainVLAN) error {
	return insert(ctx, m, name, pickDomainVLANs, v, func(e *Entry, v DomainVLAN) dataplane.Command {
		return dataplane.DomainVLAN{Service: e.name, Domain: v.Domain, VLAN: v.VLAN}
	})
}

// DeleteDomainVLAN unmaps the domain and returns the removed mapping.
func (m *Registry) DeleteDomainVLAN(ctx context.Context, name string, domain uint32) (DomainVLAN, error) {
	return remove(ctx, m, name, pickDomainVLANs, DomainVLAN{Domain: domain}, nil, func(e *Entry, v DomainVLAN) dataplane.Command {
		return dataplane.DomainVLAN{Service: e.name, Domain: v.Domain}
	})
}

func pickInterfaceIPs(e *Entry) *slots[InterfaceIP] { return &e.ifIPs }

func interfaceIPCommand(remove bool) func(*Entry, InterfaceIP) dataplane.Command {
	return func(e *Entry, v InterfaceIP) dataplane.Command {
		return dataplane.InterfaceIP{
			Service: e.name,
			Address: v.Address,
			Nexthop: v.Nexthop,
			VLAN:    v.VLAN,
			Remove:  remove,
		}
	}
}

func (m *Registry) UpdateInterfaceIP(ctx context.Context, name string, v InterfaceIP) error {
	return insert(ctx, m, name, pickInterfaceIPs, v, interfaceIPCommand(false))
}

// DeleteInterfaceIP removes the interface address.
//
// Fails with ErrDependency while an external VIP or a forwarding rule PIP
// pool lies in its network and no other interface address covers it.
func (m *Registry) DeleteInterfaceIP(ctx context.Context, name string, addr netip.Addr) (InterfaceIP, error) {
	key := InterfaceIP{Address: netip.PrefixFrom(addr, addr.BitLen())}
	return remove(ctx, m, name, pickInterfaceIPs, key, checkInterfaceIPUnused, interfaceIPCommand(true))
}

func checkInterfaceIPUnused(e *Entry, v InterfaceIP) error {
	others := make([]InterfaceIP, 0, e.ifIPs.len())
	for _, ip := range e.ifIPs.values() {
		if !ip.sameKey(v) {
			others = append(others, ip)
		}
	}

	covered := func(fn func(InterfaceIP) bool) bool {
		for _, ip := range others {
			if fn(ip) {
				return true
			}
		}
		return false
	}

	for _, vip := range e.extVIPs.values() {
		if v.covers(vip.IP) && !covered(func(ip InterfaceIP) bool { return ip.covers(vip.IP) }) {
			return fmt.Errorf("%w: external VIP %s is in the network of %s", xerror.ErrDependency, vip.IP, v.Address)
		}
	}
	for _, rule := range e.fwdRules.values() {
		if !rule.PIPMin.IsValid() {
			continue
		}
		if v.coversRange(rule.PIPMin, rule.PIPMax) &&
			!covered(func(ip InterfaceIP) bool { return ip.coversRange(rule.PIPMin, rule.PIPMax) }) {
			return fmt.Errorf("%w: PIP pool %s-%s is in the network of %s", xerror.ErrDependency, rule.PIPMin, rule.PIPMax, v.Address)
		}
	}

	return nil
}

func pickExternalVIPs(e *Entry) *slots[ExternalVIP] { return &e.extVIPs }

func externalVIPCommand(remove bool) func(*Entry, ExternalVIP) dataplane.Command {
	return func(e *Entry, v ExternalVIP) dataplane.Command {
		return dataplane.ExternalVIP{
			Service:      e.name,
			IP:           v.IP,
			PortMin:      v.PortMin,
			PortMax:      v.PortMax,
			Domain:       v.Domain,
			TenantID:     v.TenantID,
			ExtMcastVNID: v.ExtMcastVNID,
			Remove:       remove,
		}
	}
}

func (m *Registry) UpdateExternalVIP(ctx context.Context, name string, v ExternalVIP) error {
	return insert(ctx, m, name, pickExternalVIPs, v, externalVIPCommand(false))
}

// DeleteExternalVIP removes the VIP keyed by address and port range and
// returns the removed record.
func (m *Registry) DeleteExternalVIP(ctx context.Context, name string, key ExternalVIP) (ExternalVIP, error) {
	return remove(ctx, m, name, pickExternalVIPs, key, nil, externalVIPCommand(true))
}

func pickInternalVIPs(e *Entry) *slots[InternalVIP] { return &e.intVIPs }

func internalVIPCommand(remove bool) func(*Entry, InternalVIP) dataplane.Command {
	return func(e *Entry, v InternalVIP) dataplane.Command {
		return dataplane.InternalVIP{
			Service: e.name,
			IP:      v.IP,
			PortMin: v.PortMin,
			PortMax: v.PortMax,
			Domain:  v.Domain,
			Remove:  remove,
		}
	}
}

func (m *Registry) UpdateInternalVIP(ctx context.Context, name string, v InternalVIP) error {
	return insert(ctx, m, name, pickInternalVIPs, v, internalVIPCommand(false))
}

func (m *Registry) DeleteInternalVIP(ctx context.Context, name string, key InternalVIP) (InternalVIP, error) {
	return remove(ctx, m, name, pickInternalVIPs, key, nil, internalVIPCommand(true))
}

func pickForwardRules(e *Entry) *slots[ForwardRule] { return &e.fwdRules }

func forwardRuleCommand(remove bool) func(*Entry, ForwardRule) dataplane.Command {
	return func(e *Entry, v ForwardRule) dataplane.Command {
		return dataplane.ForwardRule{
			Service:    e.name,
			Domain:     v.Domain,
			Protocol:   v.Protocol,
			MatchIP:    v.MatchIP,
			MatchPort:  v.MatchPort,
			MappedIP:   v.MappedIP,
			MappedPort: v.MappedPort,
			PIPMin:     v.PIPMin,
			PIPMax:     v.PIPMax,
			Remove:     remove,
		}
	}
}

func (m *Registry) UpdateForwardRule(ctx context.Context, name string, v ForwardRule) error {
	return insert(ctx, m, name, pickForwardRules, v, forwardRuleCommand(false))
}

// DeleteForwardRule removes the rule keyed by protocol, match address and
// match port.
func (m *Registry) DeleteForwardRule(ctx context.Context, name string, key ForwardRule) (ForwardRule, error) {
	return remove(ctx, m, name, pickForwardRules, key, nil, forwardRuleCommand(true))
}

func pickVNIDSubnets(e *Entry) *slots[VNIDSubnet] { return &e.vnidSubnets }

func vnidSubnetCommand(remove bool) func(*Entry, VNIDSubnet) dataplane.Command {
	return func(_ *Entry, v VNIDSubnet) dataplane.Command {
		return dataplane.VNIDSubnet{
			VNID:    v.VNID,
			Subnet:  v.Subnet,
			Nexthop: v.Nexthop,
			Shared:  v.Mode == SubnetShared,
			Remove:  remove,
		}
	}
}

func (m *Registry) UpdateVNIDSubnet(ctx context.Context, name string, v VNIDSubnet) error {
	return insert(ctx, m, name, pickVNIDSubnets, v, vnidSubnetCommand(false))
}

// DeleteVNIDSubnet removes the subnet keyed by VNID and network.
func (m *Registry) DeleteVNIDSubnet(ctx context.Context, name string, key VNIDSubnet) (VNIDSubnet, error) {
	return remove(ctx, m, name, pickVNIDSubnets, key, nil, vnidSubnetCommand(true))
}

func pickExtMcast(e *Entry) *slots[ExtMcastVNID] { return &e.extMcast }

func (m *Registry) UpdateExtMcastVNID(ctx context.Context, name string, v ExtMcastVNID) error {
	return insert(ctx, m, name, pickExtMcast, v, nil)
}

func (m *Registry) DeleteExtMcastVNID(ctx context.Context, name string, key ExtMcastVNID) (ExtMcastVNID, error) {
	return remove(ctx, m, name, pickExtMcast, key, nil, nil)
}

func pickExtShared(e *Entry) *slots[ExtSharedVNID] { return &e.extShared }

func (m *Registry) UpdateExtSharedVNID(ctx context.Context, name string, v ExtSharedVNID) error {
	return insert(ctx, m, name, pickExtShared, v, nil)
}

func (m *Registry) DeleteExtSharedVNID(ctx context.Context, name string, key ExtSharedVNID) (ExtSharedVNID, error) {
	return remove(ctx, m, name, pickExtShared, key, nil, nil)
}
