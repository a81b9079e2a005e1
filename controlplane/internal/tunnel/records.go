package tunnel

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dove-platform/dgw/controlplane/internal/dps"
	"github.com/dove-platform/dgw/controlplane/internal/registry"
)

func (m *Manager) AddExternalVIP(ctx context.Context, name string, v registry.ExternalVIP) error {
	if err := m.registry.UpdateExternalVIP(ctx, name, v); err != nil {
		return err
	}
	return m.added(ctx, name, Key{VNID: v.Domain, Role: dps.RoleExternal}, func(ctx context.Context) error {
		_, err := m.registry.DeleteExternalVIP(ctx, name, v)
		return err
	})
}

func (m *Manager) DeleteExternalVIP(ctx context.Context, name string, key registry.ExternalVIP) error {
	v, err := m.registry.DeleteExternalVIP(ctx, name, key)
	if err != nil {
		return err
	}
	return m.removed(ctx, name, Key{VNID: v.Domain, Role: dps.RoleExternal}, func(ctx context.Context) error {
		return m.registry.UpdateExternalVIP(ctx, name, v)
	})
}

func (m *Manager) AddDomainVLAN(ctx context.Context, name string, v registry.DomainVLAN) error {
	if err := m.registry.UpdateDomainVLAN(ctx, name, v); err != nil {
		return err
	}
	return m.added(ctx, name, Key{VNID: v.Domain, Role: dps.RoleVLAN}, func(ctx context.Context) error {
		_, err := m.registry.DeleteDomainVLAN(ctx, name, v.Domain)
		return err
	})
}

func (m *Manager) DeleteDomainVLAN(ctx context.Context, name string, domain uint32) error {
	v, err := m.registry.DeleteDomainVLAN(ctx, name, domain)
	if err != nil {
		return err
	}
	return m.removed(ctx, name, Key{VNID: v.Domain, Role: dps.RoleVLAN}, func(ctx context.Context) error {
		return m.registry.UpdateDomainVLAN(ctx, name, v)
	})
}

func (m *Manager) AddVNIDSubnet(ctx context.Context, name string, v registry.VNIDSubnet) error {
	if err := m.registry.UpdateVNIDSubnet(ctx, name, v); err != nil {
		return err
	}
	return m.added(ctx, name, Key{VNID: v.VNID, Role: dps.RoleExternal}, func(ctx context.Context) error {
		_, err := m.registry.DeleteVNIDSubnet(ctx, name, v)
		return err
	})
}

func (m *Manager) DeleteVNIDSubnet(ctx context.Context, name string, key registry.VNIDSubnet) error {
	v, err := m.registry.DeleteVNIDSubnet(ctx, name, key)
	if err != nil {
		return err
	}
	return m.removed(ctx, name, Key{VNID: v.VNID, Role: dps.RoleExternal}, func(ctx context.Context) error {
		return m.registry.UpdateVNIDSubnet(ctx, name, v)
	})
}

func (m *Manager) AddExtSharedVNID(ctx context.Context, name string, v registry.ExtSharedVNID) error {
	if err := m.registry.UpdateExtSharedVNID(ctx, name, v); err != nil {
		return err
	}
	return m.added(ctx, name, Key{VNID: v.VNID, Role: dps.RoleExternal}, func(ctx context.Context) error {
		_, err := m.registry.DeleteExtSharedVNID(ctx, name, v)
		return err
	})
}

func (m *Manager) DeleteExtSharedVNID(ctx context.Context, name string, key registry.ExtSharedVNID) error {
	v, err := m.registry.DeleteExtSharedVNID(ctx, name, key)
	if err != nil {
		return err
	}
	return m.removed(ctx, name, Key{VNID: v.VNID, Role: dps.RoleExternal}, func(ctx context.Context) error {
		return m.registry.UpdateExtSharedVNID(ctx, name, v)
	})
}

func (m *Manager) AddExtMcastVNID(ctx context.Context, name string, v registry.ExtMcastVNID) error {
	if err := m.registry.UpdateExtMcastVNID(ctx, name, v); err != nil {
		return err
	}
	return m.added(ctx, name, Key{VNID: v.VNID, Role: dps.RoleExternal}, func(ctx context.Context) error {
		_, err := m.registry.DeleteExtMcastVNID(ctx, name, v)
		return err
	})
}

func (m *Manager) DeleteExtMcastVNID(ctx context.Context, name string, key registry.ExtMcastVNID) error {
	v, err := m.registry.DeleteExtMcastVNID(ctx, name, key)
	if err != nil {
		return err
	}
	return m.removed(ctx, name, Key{VNID: v.VNID, Role: dps.RoleExternal}, func(ctx context.Context) error {
		return m.registry.UpdateExtMcastVNID(ctx, name, v)
	})
}

// added finishes a reference insert.
//
// When the new service type cannot be pushed the record is taken back out
// through undo. A record that cannot be undone stays and gets its tunnel
// registered like any other. A failed registration marks the policy session
// stale and is repeated by the next resync, so it does not fail the mutation.
func (m *Manager) added(ctx context.Context, name string, key Key, undo func(context.Context) error) error {
	var err error
	if terr := m.recomputeType(ctx, name); terr != nil {
		err = fmt.Errorf("failed to update type of service %q: %w", name, terr)
		uerr := m.undo(ctx, name, undo)
		if uerr == nil {
			return err
		}
		err = errors.Join(err, uerr)
	}
	_ = m.Register(ctx, key.VNID, key.Role)
	return err
}

// removed finishes a reference delete, restoring the record through undo
// when the new service type cannot be pushed.
func (m *Manager) removed(ctx context.Context, name string, key Key, undo func(context.Context) error) error {
	var err error
	if terr := m.recomputeType(ctx, name); terr != nil {
		err = fmt.Errorf("failed to update type of service %q: %w", name, terr)
		uerr := m.undo(ctx, name, undo)
		if uerr == nil {
			return err
		}
		err = errors.Join(err, uerr)
	}
	if derr := m.Deregister(ctx, key.VNID, key.Role); derr != nil {
		m.log.Warnw("tunnel left registered", zap.Any("tunnel", key), zap.Error(derr))
	}
	return err
}

func (m *Manager) undo(ctx context.Context, name string, undo func(context.Context) error) error {
	if err := undo(ctx); err != nil {
		m.log.Errorw("failed to roll back service record", zap.String("service", name), zap.Error(err))
		return err
	}
	return nil
}
