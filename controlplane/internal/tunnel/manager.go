// Package tunnel keeps overlay tunnel registrations in sync with the
// service entries that reference them.
package tunnel

import (
	"context"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/dove-platform/dgw/controlplane/internal/dataplane"
	"github.com/dove-platform/dgw/controlplane/internal/dps"
	"github.com/dove-platform/dgw/controlplane/internal/node"
	"github.com/dove-platform/dgw/controlplane/internal/registry"
)

// Registrar registers overlay tunnels with the policy service.
type Registrar interface {
	RegisterTunnel(ctx context.Context, info dps.TunnelInfo) error
	DeregisterTunnel(ctx context.Context, info dps.TunnelInfo) error
}

// Key identifies a registered tunnel.
type Key struct {
	VNID uint32   `json:"vnid" yaml:"vnid"`
	Role dps.Role `json:"role" yaml:"role"`
}

type options struct {
	Log          *zap.SugaredLogger
	OnRegistered func(count int)
}

func newOptions() *options {
	return &options{
		Log:          zap.NewNop().Sugar(),
		OnRegistered: func(int) {},
	}
}

// Option configures the Manager.
type Option func(*options)

// WithLog sets the logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithRegisteredHook sets a callback receiving the number of registered
// tunnels after every change.
func WithRegisteredHook(fn func(count int)) Option {
	return func(o *options) {
		o.OnRegistered = fn
	}
}

// Manager mutates tunnel-referencing records of the registry and keeps
// exactly one registration per (VNID, role) pair while any reference to it
// exists.
type Manager struct {
	registry  *registry.Registry
	dpc       dataplane.Controller
	registrar Registrar
	node      *node.Node

	// mu serializes registration decisions.
	mu         sync.Mutex
	registered mapset.Set[Key]

	onRegistered func(int)
	log          *zap.SugaredLogger
}

// NewManager creates a new tunnel manager.
func NewManager(
	reg *registry.Registry,
	dpc dataplane.Controller,
	registrar Registrar,
	node *node.Node,
	options ...Option,
) *Manager {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Manager{
		registry:     reg,
		dpc:          dpc,
		registrar:    registrar,
		node:         node,
		registered:   mapset.NewThreadUnsafeSet[Key](),
		onRegistered: opts.OnRegistered,
		log:          opts.Log.Named("tunnel"),
	}
}

// Registered returns the registered tunnels ordered by VNID and role.
func (m *Manager) Registered() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.registered.ToSlice()
	slices.SortFunc(keys, func(a, b Key) int {
		if a.VNID != b.VNID {
			if a.VNID < b.VNID {
				return -1
			}
			return 1
		}
		return int(a.Role) - int(b.Role)
	})
	return keys
}

// Register registers the tunnel unless it is registered already or no
// overlay IP is configured.
func (m *Manager) Register(ctx context.Context, vnid uint32, role dps.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.register(ctx, Key{VNID: vnid, Role: role}, false)
}

// Deregister drops the tunnel registration once no service entry
// references the pair any more.
//
// Deregistering a pair that is not registered sends nothing.
func (m *Manager) Deregister(ctx context.Context, vnid uint32, role dps.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key{VNID: vnid, Role: role}
	if !m.registered.Contains(key) {
		return nil
	}

	refs, err := m.references(ctx)
	if err != nil {
		return err
	}
	if refs.Contains(key) {
		m.log.Debugw("tunnel still referenced", zap.Uint32("vnid", vnid), zap.Stringer("role", role))
		return nil
	}

	return m.deregister(ctx, key)
}

// deregister withdraws a registration. The key stays registered until the
// policy service has been told, so that a later resync retries it.
func (m *Manager) deregister(ctx context.Context, key Key) error {
	info := dps.TunnelInfo{Role: key.Role, VNID: key.VNID, OverlayIP: m.node.OverlayIP()}
	if err := m.registrar.DeregisterTunnel(ctx, info); err != nil {
		m.log.Warnw("failed to deregister tunnel",
			zap.Uint32("vnid", key.VNID),
			zap.Stringer("role", key.Role),
			zap.Error(err),
		)
		return err
	}

	m.registered.Remove(key)
	m.onRegistered(m.registered.Cardinality())
	m.log.Infow("deregistered tunnel", zap.Uint32("vnid", key.VNID), zap.Stringer("role", key.Role))
	return nil
}

// Resync registers every referenced (VNID, role) pair, including the ones
// believed to be registered already, and withdraws registrations left over
// from failed deregistrations.
func (m *Manager) Resync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	refs, err := m.references(ctx)
	if err != nil {
		return err
	}

	keys := refs.ToSlice()
	stale := m.registered.Difference(refs).ToSlice()
	m.log.Infow("resyncing tunnels", zap.Int("count", len(keys)), zap.Int("stale", len(stale)))

	var lastErr error
	for _, key := range stale {
		if err := m.deregister(ctx, key); err != nil {
			lastErr = err
		}
	}
	for _, key := range keys {
		if err := m.register(ctx, key, true); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// DeregisterAll drops every registration, used before the registry is
// wiped.
func (m *Manager) DeregisterAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	overlayIP := m.node.OverlayIP()
	for _, key := range m.registered.ToSlice() {
		info := dps.TunnelInfo{Role: key.Role, VNID: key.VNID, OverlayIP: overlayIP}
		if err := m.registrar.DeregisterTunnel(ctx, info); err != nil {
			m.log.Warnw("failed to deregister tunnel", zap.Any("tunnel", key), zap.Error(err))
		}
	}
	m.registered.Clear()
	m.onRegistered(0)
}

func (m *Manager) register(ctx context.Context, key Key, force bool) error {
	overlayIP := m.node.OverlayIP()
	if !overlayIP.IsValid() {
		m.log.Debugw("no overlay IP, postponing tunnel registration", zap.Any("tunnel", key))
		return nil
	}
	if !force && m.registered.Contains(key) {
		return nil
	}

	info := dps.TunnelInfo{Role: key.Role, VNID: key.VNID, OverlayIP: overlayIP}
	if err := m.registrar.RegisterTunnel(ctx, info); err != nil {
		m.log.Warnw("failed to register tunnel",
			zap.Uint32("vnid", key.VNID),
			zap.Stringer("role", key.Role),
			zap.Error(err),
		)
		return err
	}

	m.registered.Add(key)
	m.onRegistered(m.registered.Cardinality())
	m.log.Infow("registered tunnel",
		zap.Uint32("vnid", key.VNID),
		zap.Stringer("role", key.Role),
		zap.Stringer("overlay_ip", overlayIP),
	)
	return nil
}

// references scans the four referencing collections of every entry.
func (m *Manager) references(ctx context.Context) (mapset.Set[Key], error) {
	refs := mapset.NewThreadUnsafeSet[Key]()
	err := m.registry.Each(ctx, func(e *registry.Entry) error {
		refs.Append(entryReferences(e)...)
		return nil
	})
	return refs, err
}

func entryReferences(e *registry.Entry) []Key {
	var keys []Key
	for _, vip := range e.ExternalVIPs() {
		keys = append(keys, Key{VNID: vip.Domain, Role: dps.RoleExternal})
	}
	for _, v := range e.DomainVLANs() {
		keys = append(keys, Key{VNID: v.Domain, Role: dps.RoleVLAN})
	}
	for _, v := range e.VNIDSubnets() {
		keys = append(keys, Key{VNID: v.VNID, Role: dps.RoleExternal})
	}
	for _, v := range e.ExtSharedVNIDs() {
		keys = append(keys, Key{VNID: v.VNID, Role: dps.RoleExternal})
	}
	for _, v := range e.ExtMcastVNIDs() {
		keys = append(keys, Key{VNID: v.VNID, Role: dps.RoleExternal})
	}
	return keys
}

// aggregateType derives the service type from what the entry references.
func aggregateType(e *registry.Entry) registry.ServiceType {
	typ := registry.TypeNone
	if e.HasExternalRefs() {
		typ |= registry.TypeExternal
	}
	if e.HasVLANRefs() {
		typ |= registry.TypeVlan
	}
	return typ
}

// recomputeType pushes the aggregate type of the entry when it changed.
func (m *Manager) recomputeType(ctx context.Context, name string) error {
	return m.registry.Update(ctx, name, func(e *registry.Entry) error {
		typ := aggregateType(e)
		if typ == e.Type() {
			return nil
		}

		cmd := dataplane.ServiceType{Service: name, Type: uint8(typ)}
		if err := m.dpc.Submit(ctx, cmd); err != nil {
			return err
		}

		m.log.Infow("service type changed",
			zap.String("service", name),
			zap.Stringer("from", e.Type()),
			zap.Stringer("to", typ),
		)
		e.SetType(typ)
		return nil
	})
}
