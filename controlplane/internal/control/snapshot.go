package control

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dove-platform/dgw/common/go/xerror"
	"github.com/dove-platform/dgw/controlplane/internal/persist"
	"github.com/dove-platform/dgw/controlplane/internal/registry"
)

// Snapshot captures the runtime configuration.
func (m *Controller) Snapshot(ctx context.Context) (*persist.Snapshot, error) {
	services, err := m.Registry.List(ctx, nil)
	if err != nil {
		return nil, err
	}

	snapshot := &persist.Snapshot{
		Enabled:     m.Node.Enabled(),
		DPSServer:   m.DPS.Server(),
		OverlayIP:   m.Node.OverlayIP(),
		DMCIP:       m.Node.DMCIP(),
		OverlayPort: m.Node.OverlayPort(),
		Services:    services,
	}
	if peer, ok := m.HA.Peer(); ok {
		snapshot.HAPeer = peer.IP
	}
	return snapshot, nil
}

// Save writes the runtime configuration into the snapshot store.
func (m *Controller) Save(ctx context.Context) error {
	if m.Store == nil {
		return fmt.Errorf("%w: no snapshot store configured", xerror.ErrConfiguration)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot, err := m.Snapshot(ctx)
	if err != nil {
		return err
	}
	return m.Store.Save(snapshot)
}

// Apply replaces the whole runtime configuration with the snapshot: every
// service is torn down, the registry is reset and the snapshot is
// recreated.
//
// Application continues past failing records; the returned error joins all
// of them.
func (m *Controller) Apply(ctx context.Context, snapshot *persist.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log.Infow("applying snapshot", zap.Int("services", len(snapshot.Services)))

	var errs []error
	if err := m.teardown(ctx); err != nil {
		errs = append(errs, err)
	}
	m.Tunnels.DeregisterAll(ctx)
	m.Registry.Reset()

	m.Node.SetEnabled(snapshot.Enabled)
	m.Node.SetDMCIP(snapshot.DMCIP)
	if snapshot.OverlayPort != 0 {
		if err := m.SetOverlayPort(ctx, snapshot.OverlayPort); err != nil {
			errs = append(errs, err)
		}
	}
	// Tunnels are registered while services are recreated, so the node
	// addressing goes first.
	if err := m.setOverlayIP(ctx, snapshot.OverlayIP); err != nil {
		errs = append(errs, err)
	}
	if snapshot.DPSServer.IsValid() {
		m.DPS.SetServer(snapshot.DPSServer)
	}
	if err := m.SetPeer(ctx, snapshot.HAPeer); err != nil {
		errs = append(errs, err)
	}

	for _, view := range snapshot.Services {
		if err := m.applyService(ctx, view); err != nil {
			errs = append(errs, fmt.Errorf("service %q: %w", view.Name, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		m.log.Warnw("snapshot applied with errors", zap.Error(err))
		return err
	}
	m.log.Infow("snapshot applied")
	return nil
}

// Reload is the snapshot watcher callback.
func (m *Controller) Reload(ctx context.Context, snapshot *persist.Snapshot) {
	if err := m.Apply(ctx, snapshot); err != nil {
		m.log.Warnw("failed to reload snapshot", zap.Error(err))
	}
}

// applyService recreates a service, adding records in dependency order.
func (m *Controller) applyService(ctx context.Context, view registry.View) error {
	if err := m.createService(ctx, view.Name, view.Type); err != nil {
		return err
	}
	if view.MTU != 0 {
		if err := m.Net.CreateBridge(view.Name, view.MTU); err != nil {
			return err
		}
	}
	if err := m.Registry.SetAttributes(ctx, view.Name, view.MTU, view.Enabled); err != nil {
		return err
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, domain := range view.Domains {
		collect(m.Registry.UpdateDomain(ctx, view.Name, domain))
	}
	for _, mac := range view.MACs {
		collect(m.Registry.UpdateMAC(ctx, view.Name, mac))
	}
	for _, v := range view.InterfaceIPs {
		collect(m.addInterfaceIP(ctx, view.Name, v))
	}
	for _, v := range view.DomainVLANs {
		collect(m.addDomainVLAN(ctx, view.Name, v))
	}
	for _, v := range view.InternalVIPs {
		collect(m.Registry.UpdateInternalVIP(ctx, view.Name, v))
	}
	for _, v := range view.ExternalVIPs {
		collect(m.Tunnels.AddExternalVIP(ctx, view.Name, v))
	}
	for _, v := range view.ForwardRules {
		collect(m.Registry.UpdateForwardRule(ctx, view.Name, v))
	}
	for _, v := range view.VNIDSubnets {
		collect(m.Tunnels.AddVNIDSubnet(ctx, view.Name, v))
	}
	for _, v := range view.ExtSharedVNIDs {
		collect(m.Tunnels.AddExtSharedVNID(ctx, view.Name, v))
	}
	for _, v := range view.ExtMcastVNIDs {
		collect(m.Tunnels.AddExtMcastVNID(ctx, view.Name, v))
	}
	return errors.Join(errs...)
}

// teardown removes every service through the regular deletion paths, so
// that the data plane and the host drop their state as well.
func (m *Controller) teardown(ctx context.Context) error {
	services, err := m.Registry.List(ctx, nil)
	if err != nil {
		return err
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, view := range services {
		name := view.Name
		for _, v := range view.ForwardRules {
			_, err := m.Registry.DeleteForwardRule(ctx, name, v)
			collect(err)
		}
		for _, v := range view.InternalVIPs {
			_, err := m.Registry.DeleteInternalVIP(ctx, name, v)
			collect(err)
		}
		for _, v := range view.ExternalVIPs {
			collect(m.Tunnels.DeleteExternalVIP(ctx, name, v))
		}
		for _, v := range view.InterfaceIPs {
			collect(m.deleteInterfaceIP(ctx, name, v.Address.Addr()))
		}
		for _, v := range view.DomainVLANs {
			collect(m.deleteDomainVLAN(ctx, name, v.Domain))
		}
		for _, v := range view.VNIDSubnets {
			collect(m.Tunnels.DeleteVNIDSubnet(ctx, name, v))
		}
		for _, v := range view.ExtSharedVNIDs {
			collect(m.Tunnels.DeleteExtSharedVNID(ctx, name, v))
		}
		for _, v := range view.ExtMcastVNIDs {
			collect(m.Tunnels.DeleteExtMcastVNID(ctx, name, v))
		}
		collect(m.deleteService(ctx, name))
	}
	return errors.Join(errs...)
}
