package control

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"github.com/dove-platform/dgw/common/go/xerror"
	"github.com/dove-platform/dgw/controlplane/internal/netcfg"
	"github.com/dove-platform/dgw/controlplane/internal/registry"
)

// CreateService creates the service entry and its bridge.
func (m *Controller) CreateService(ctx context.Context, name string, typ registry.ServiceType) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.createService(ctx, name, typ)
}

func (m *Controller) createService(ctx context.Context, name string, typ registry.ServiceType) error {
	if err := m.Registry.Create(ctx, name, typ); err != nil {
		return err
	}

	if err := m.Net.CreateBridge(name, 0); err != nil {
		if rerr := m.Registry.Delete(ctx, name); rerr != nil {
			m.log.Warnw("failed to roll back service", zap.String("service", name), zap.Error(rerr))
		}
		return fmt.Errorf("failed to create bridge for %q: %w", name, err)
	}
	return nil
}

// ensureService creates a service of type none, bridge included, the first
// time a record refers to it.
func (m *Controller) ensureService(ctx context.Context, name string) error {
	if m.Registry.Exists(name) {
		return nil
	}

	err := m.createService(ctx, name, registry.TypeNone)
	switch {
	case err == nil:
		m.log.Infow("created service on first reference", zap.String("service", name))
		return nil
	case errors.Is(err, xerror.ErrConfiguration) && m.Registry.Exists(name):
		// Created concurrently.
		return nil
	default:
		return err
	}
}

// DeleteService deletes a service without remaining addresses, VIPs or
// rules, then destroys its bridge.
func (m *Controller) DeleteService(ctx context.Context, name string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.deleteService(ctx, name)
}

func (m *Controller) deleteService(ctx context.Context, name string) error {
	if err := m.Registry.Delete(ctx, name); err != nil {
		return err
	}
	if err := m.Net.DestroyBridge(name); err != nil {
		return fmt.Errorf("failed to destroy bridge of %q: %w", name, err)
	}
	return nil
}

// SetServiceAttributes updates the MTU and the enabled flag, applying a
// non-zero MTU to the bridge as well.
func (m *Controller) SetServiceAttributes(ctx context.Context, name string, mtu uint16, enabled bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if mtu != 0 {
		if !m.Registry.Exists(name) {
			return fmt.Errorf("%w: service %q", xerror.ErrNotFound, name)
		}
		if err := m.Net.CreateBridge(name, mtu); err != nil {
			return fmt.Errorf("failed to set MTU of %q: %w", name, err)
		}
	}
	return m.Registry.SetAttributes(ctx, name, mtu, enabled)
}

// ListServices returns the services whose name matches the glob pattern.
// An empty pattern matches everything.
func (m *Controller) ListServices(ctx context.Context, pattern string) ([]registry.View, error) {
	filter := func(string) bool { return true }
	if pattern != "" {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid service pattern %q: %v", xerror.ErrConfiguration, pattern, err)
		}
		filter = g.Match
	}

	return m.Registry.List(ctx, filter)
}

// ShowService returns a single service.
func (m *Controller) ShowService(ctx context.Context, name string) (registry.View, error) {
	entry, err := m.Registry.Get(ctx, name)
	if err != nil {
		return registry.View{}, err
	}
	defer entry.Release()

	return entry.View(), nil
}

func (m *Controller) slotOf(ctx context.Context, name string) (int, error) {
	entry, err := m.Registry.Get(ctx, name)
	if err != nil {
		return 0, err
	}
	defer entry.Release()

	return entry.Slot(), nil
}

func (m *Controller) policyRoute(name string, slot int, v registry.InterfaceIP) netcfg.PolicyRoute {
	return netcfg.PolicyRoute{
		Bridge:  name,
		Table:   m.NetConfig.Table(slot),
		Source:  v.Address.Addr(),
		Nexthop: v.Nexthop,
	}
}

// AddInterfaceIP configures the address alias and its policy route on the
// bridge, then records the address. Host configuration failures abort the
// operation.
func (m *Controller) AddInterfaceIP(ctx context.Context, name string, v registry.InterfaceIP) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.ensureService(ctx, name); err != nil {
		return err
	}
	return m.addInterfaceIP(ctx, name, v)
}

func (m *Controller) addInterfaceIP(ctx context.Context, name string, v registry.InterfaceIP) error {
	entry, err := m.Registry.Get(ctx, name)
	if err != nil {
		return err
	}
	slot := entry.Slot()
	for _, existing := range entry.InterfaceIPs() {
		if existing.Address.Addr() != v.Address.Addr() {
			continue
		}
		entry.Release()
		if existing == v {
			return fmt.Errorf("%w: %s on %q", xerror.ErrExists, v.Address, name)
		}
		return fmt.Errorf("%w: %s is configured on %q as %s", xerror.ErrConfiguration, v.Address.Addr(), name, existing.Address)
	}
	entry.Release()

	if err := m.Net.AddAlias(name, v.Address); err != nil {
		return fmt.Errorf("failed to configure %s on %q: %w", v.Address, name, err)
	}
	route := m.policyRoute(name, slot, v)
	if v.Nexthop.IsValid() {
		if err := m.Net.AddPolicyRoute(route); err != nil {
			m.undoAlias(name, v.Address)
			return fmt.Errorf("failed to configure policy route %s: %w", route, err)
		}
	}

	if err := m.Registry.UpdateInterfaceIP(ctx, name, v); err != nil {
		if v.Nexthop.IsValid() {
			if rerr := m.Net.RemovePolicyRoute(route); rerr != nil {
				m.log.Warnw("failed to roll back policy route", zap.Stringer("route", route), zap.Error(rerr))
			}
		}
		m.undoAlias(name, v.Address)
		return err
	}
	return nil
}

func (m *Controller) undoAlias(name string, addr netip.Prefix) {
	if err := m.Net.RemoveAlias(name, addr); err != nil {
		m.log.Warnw("failed to roll back address alias",
			zap.String("service", name),
			zap.Stringer("addr", addr),
			zap.Error(err),
		)
	}
}

// DeleteInterfaceIP removes the address from the service and the host.
func (m *Controller) DeleteInterfaceIP(ctx context.Context, name string, addr netip.Addr) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.deleteInterfaceIP(ctx, name, addr)
}

func (m *Controller) deleteInterfaceIP(ctx context.Context, name string, addr netip.Addr) error {
	slot, err := m.slotOf(ctx, name)
	if err != nil {
		return err
	}

	v, err := m.Registry.DeleteInterfaceIP(ctx, name, addr)
	if err != nil {
		return err
	}

	var errs []error
	if v.Nexthop.IsValid() {
		if err := m.Net.RemovePolicyRoute(m.policyRoute(name, slot, v)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.Net.RemoveAlias(name, v.Address); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to unconfigure %s on %q: %w", v.Address, name, err)
	}
	return nil
}

// AddDomainVLAN creates the VLAN sub-interface and maps the domain onto it.
func (m *Controller) AddDomainVLAN(ctx context.Context, name string, v registry.DomainVLAN) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.ensureService(ctx, name); err != nil {
		return err
	}
	return m.addDomainVLAN(ctx, name, v)
}

func (m *Controller) addDomainVLAN(ctx context.Context, name string, v registry.DomainVLAN) error {
	if !m.Registry.Exists(name) {
		return fmt.Errorf("%w: service %q", xerror.ErrNotFound, name)
	}
	if err := m.Net.AddVLAN(name, v.VLAN); err != nil {
		return fmt.Errorf("failed to create VLAN %d on %q: %w", v.VLAN, name, err)
	}

	if err := m.Tunnels.AddDomainVLAN(ctx, name, v); err != nil {
		if !errors.Is(err, xerror.ErrExists) && !m.vlanInUse(ctx, name, v.VLAN) {
			if rerr := m.Net.RemoveVLAN(name, v.VLAN); rerr != nil {
				m.log.Warnw("failed to roll back VLAN", zap.String("service", name), zap.Error(rerr))
			}
		}
		return err
	}
	return nil
}

// DeleteDomainVLAN unmaps the domain and removes the VLAN sub-interface
// unless another domain still uses it.
func (m *Controller) DeleteDomainVLAN(ctx context.Context, name string, domain uint32) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.deleteDomainVLAN(ctx, name, domain)
}

func (m *Controller) deleteDomainVLAN(ctx context.Context, name string, domain uint32) error {
	entry, err := m.Registry.Get(ctx, name)
	if err != nil {
		return err
	}
	vlan, ok := entry.VLANOf(domain)
	entry.Release()
	if !ok {
		return fmt.Errorf("%w: domain %d has no VLAN on %q", xerror.ErrNotFound, domain, name)
	}

	if err := m.Tunnels.DeleteDomainVLAN(ctx, name, domain); err != nil {
		return err
	}
	if m.vlanInUse(ctx, name, vlan) {
		return nil
	}
	if err := m.Net.RemoveVLAN(name, vlan); err != nil {
		return fmt.Errorf("failed to remove VLAN %d from %q: %w", vlan, name, err)
	}
	return nil
}

func (m *Controller) vlanInUse(ctx context.Context, name string, vlan uint16) bool {
	entry, err := m.Registry.Get(ctx, name)
	if err != nil {
		return false
	}
	defer entry.Release()

	for _, v := range entry.DomainVLANs() {
		if v.VLAN == vlan {
			return true
		}
	}
	return false
}

func (m *Controller) AddMAC(ctx context.Context, name string, mac registry.MAC) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.ensureService(ctx, name); err != nil {
		return err
	}
	return m.Registry.UpdateMAC(ctx, name, mac)
}

func (m *Controller) DeleteMAC(ctx context.Context, name string, mac registry.MAC) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Registry.DeleteMAC(ctx, name, mac)
}

func (m *Controller) AddDomain(ctx context.Context, name string, domain uint32) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.ensureService(ctx, name); err != nil {
		return err
	}
	return m.Registry.UpdateDomain(ctx, name, domain)
}

func (m *Controller) DeleteDomain(ctx context.Context, name string, domain uint32) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Registry.DeleteDomain(ctx, name, domain)
}

func (m *Controller) AddInternalVIP(ctx context.Context, name string, v registry.InternalVIP) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.ensureService(ctx, name); err != nil {
		return err
	}
	return m.Registry.UpdateInternalVIP(ctx, name, v)
}

func (m *Controller) DeleteInternalVIP(ctx context.Context, name string, key registry.InternalVIP) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, err := m.Registry.DeleteInternalVIP(ctx, name, key)
	return err
}

func (m *Controller) AddForwardRule(ctx context.Context, name string, v registry.ForwardRule) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.ensureService(ctx, name); err != nil {
		return err
	}
	return m.Registry.UpdateForwardRule(ctx, name, v)
}

func (m *Controller) DeleteForwardRule(ctx context.Context, name string, key registry.ForwardRule) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, err := m.Registry.DeleteForwardRule(ctx, name, key)
	return err
}

func (m *Controller) AddExternalVIP(ctx context.Context, name string, v registry.ExternalVIP) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.ensureService(ctx, name); err != nil {
		return err
	}
	return m.Tunnels.AddExternalVIP(ctx, name, v)
}

func (m *Controller) DeleteExternalVIP(ctx context.Context, name string, key registry.ExternalVIP) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Tunnels.DeleteExternalVIP(ctx, name, key)
}

func (m *Controller) AddVNIDSubnet(ctx context.Context, name string, v registry.VNIDSubnet) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.ensureService(ctx, name); err != nil {
		return err
	}
	return m.Tunnels.AddVNIDSubnet(ctx, name, v)
}

func (m *Controller) DeleteVNIDSubnet(ctx context.Context, name string, key registry.VNIDSubnet) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Tunnels.DeleteVNIDSubnet(ctx, name, key)
}

func (m *Controller) AddExtSharedVNID(ctx context.Context, name string, v registry.ExtSharedVNID) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.ensureService(ctx, name); err != nil {
		return err
	}
	return m.Tunnels.AddExtSharedVNID(ctx, name, v)
}

func (m *Controller) DeleteExtSharedVNID(ctx context.Context, name string, key registry.ExtSharedVNID) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Tunnels.DeleteExtSharedVNID(ctx, name, key)
}

// AddExtMcastVNID records the multicast VNID and joins its group with the
// DPS. A failed join only marks the session stale.
func (m *Controller) AddExtMcastVNID(ctx context.Context, name string, v registry.ExtMcastVNID) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.ensureService(ctx, name); err != nil {
		return err
	}
	if err := m.Tunnels.AddExtMcastVNID(ctx, name, v); err != nil {
		return err
	}
	if err := m.DPS.JoinMulticast(ctx, v.VNID, v.IP, v.Master); err != nil {
		m.log.Warnw("failed to join multicast group", zap.Uint32("vnid", v.VNID), zap.Stringer("group", v.IP), zap.Error(err))
	}
	return nil
}

func (m *Controller) DeleteExtMcastVNID(ctx context.Context, name string, key registry.ExtMcastVNID) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.Tunnels.DeleteExtMcastVNID(ctx, name, key); err != nil {
		return err
	}
	if err := m.DPS.LeaveMulticast(ctx, key.VNID, key.IP, key.Master); err != nil {
		m.log.Warnw("failed to leave multicast group", zap.Uint32("vnid", key.VNID), zap.Stringer("group", key.IP), zap.Error(err))
	}
	return nil
}
