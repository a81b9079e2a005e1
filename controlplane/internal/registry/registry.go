package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/dove-platform/dgw/common/go/xerror"
	"github.com/dove-platform/dgw/controlplane/internal/dataplane"
)

// Limits are the capacities of the service table and of every per-entry
// collection.
type Limits struct {
	// Services is the size of the service table including the reserved
	// slot 0.
	Services       int `yaml:"services"`
	Domains        int `yaml:"domains"`
	DomainVLANs    int `yaml:"domain_vlans"`
	MACs           int `yaml:"macs"`
	InterfaceIPs   int `yaml:"interface_ips"`
	ExternalVIPs   int `yaml:"external_vips"`
	InternalVIPs   int `yaml:"internal_vips"`
	ForwardRules   int `yaml:"forward_rules"`
	VNIDSubnets    int `yaml:"vnid_subnets"`
	ExtMcastVNIDs  int `yaml:"ext_mcast_vnids"`
	ExtSharedVNIDs int `yaml:"ext_shared_vnids"`
}

// Config is the registry configuration.
type Config struct {
	Limits Limits `yaml:"limits"`
	// RetryBudget is the number of lock attempts made before giving up with
	// ErrBusy.
	RetryBudget uint `yaml:"retry_budget"`
	// RetryInitialInterval is the first backoff delay between attempts.
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	// RetryMaxInterval caps the backoff delay.
	RetryMaxInterval time.Duration `yaml:"retry_max_interval"`
}

func DefaultConfig() *Config {
	return &Config{
		Limits: Limits{
			Services:       8,
			Domains:        64,
			DomainVLANs:    64,
			MACs:           16,
			InterfaceIPs:   64,
			ExternalVIPs:   64,
			InternalVIPs:   64,
			ForwardRules:   128,
			VNIDSubnets:    128,
			ExtMcastVNIDs:  64,
			ExtSharedVNIDs: 64,
		},
		RetryBudget:          256,
		RetryInitialInterval: 50 * time.Microsecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}
}

// Validate checks that every capacity is usable.
func (m *Config) Validate() error {
	if m.Limits.Services < 2 {
		return fmt.Errorf("%w: service table needs at least 2 slots", xerror.ErrConfiguration)
	}
	for name, v := range map[string]int{
		"domains":          m.Limits.Domains,
		"domain_vlans":     m.Limits.DomainVLANs,
		"macs":             m.Limits.MACs,
		"interface_ips":    m.Limits.InterfaceIPs,
		"external_vips":    m.Limits.ExternalVIPs,
		"internal_vips":    m.Limits.InternalVIPs,
		"forward_rules":    m.Limits.ForwardRules,
		"vnid_subnets":     m.Limits.VNIDSubnets,
		"ext_mcast_vnids":  m.Limits.ExtMcastVNIDs,
		"ext_shared_vnids": m.Limits.ExtSharedVNIDs,
	} {
		if v <= 0 {
			return fmt.Errorf("%w: limit %q must be positive", xerror.ErrConfiguration, name)
		}
	}
	if m.RetryBudget == 0 {
		return fmt.Errorf("%w: retry budget must be positive", xerror.ErrConfiguration)
	}
	return nil
}

type options struct {
	Log    *zap.SugaredLogger
	OnBusy func()
}

func newOptions() *options {
	return &options{
		Log:    zap.NewNop().Sugar(),
		OnBusy: func() {},
	}
}

// Option configures the registry.
type Option func(*options)

// WithLog sets the logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithBusyHook sets a callback invoked every time a lock attempt observes
// contention.
func WithBusyHook(fn func()) Option {
	return func(o *options) {
		o.OnBusy = fn
	}
}

// Registry is the bounded directory of service entries.
//
// The directory lock guards the slot table and the name index. Entry fields
// are guarded by the entry's own lock, which is only ever taken without
// blocking.
type Registry struct {
	mu      sync.RWMutex
	table   []*Entry
	byName  map[string]*Entry
	cfg     Config
	dpc     dataplane.Controller
	onBusy  func()
	log     *zap.SugaredLogger
}

// New creates an empty registry that pushes data plane state into dpc.
func New(cfg *Config, dpc dataplane.Controller, options ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	m := &Registry{
		cfg:    *cfg,
		dpc:    dpc,
		onBusy: opts.OnBusy,
		log:    opts.Log.Named("registry"),
	}
	m.Reset()

	return m, nil
}

// Reset wipes every entry.
func (m *Registry) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.table = make([]*Entry, m.cfg.Limits.Services)
	m.byName = map[string]*Entry{}
	m.log.Infow("service table reset", zap.Int("capacity", m.cfg.Limits.Services-1))
}

// TryGet returns the named entry with its lock held, or ErrBusy if somebody
// else holds it.
func (m *Registry) TryGet(name string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: service %q", xerror.ErrNotFound, name)
	}
	if !entry.mu.TryLock() {
		return nil, fmt.Errorf("%w: service %q", xerror.ErrBusy, name)
	}
	return entry, nil
}

// Get is TryGet retried with exponential backoff within the retry budget.
//
// The caller must Release the returned entry.
func (m *Registry) Get(ctx context.Context, name string) (*Entry, error) {
	return retry(ctx, m, func() (*Entry, error) {
		return m.TryGet(name)
	})
}

// Update runs fn with the named entry locked.
func (m *Registry) Update(ctx context.Context, name string, fn func(*Entry) error) error {
	entry, err := m.Get(ctx, name)
	if err != nil {
		return err
	}
	defer entry.Release()

	return fn(entry)
}

// Each runs fn for every entry in slot order while holding the directory
// read lock for the whole iteration.
func (m *Registry) Each(ctx context.Context, fn func(*Entry) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, entry := range m.table {
		if entry == nil {
			continue
		}

		_, err := retry(ctx, m, func() (*Entry, error) {
			if !entry.mu.TryLock() {
				return nil, fmt.Errorf("%w: service %q", xerror.ErrBusy, entry.name)
			}
			return entry, nil
		})
		if err != nil {
			return err
		}

		err = fn(entry)
		entry.Release()
		if err != nil {
			return err
		}
	}

	return nil
}

// List returns detached views of the entries accepted by filter, or of all
// entries when filter is nil.
func (m *Registry) List(ctx context.Context, filter func(name string) bool) ([]View, error) {
	views := []View{}
	err := m.Each(ctx, func(e *Entry) error {
		if filter == nil || filter(e.name) {
			views = append(views, e.View())
		}
		return nil
	})
	return views, err
}

// Len returns the number of entries.
func (m *Registry) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.byName)
}

// Create adds an entry with the given name and type into the first free
// slot.
func (m *Registry) Create(ctx context.Context, name string, typ ServiceType) error {
	if err := validateName(name); err != nil {
		return err
	}
	if typ > TypeExtVlan {
		return fmt.Errorf("%w: invalid service type %d", xerror.ErrConfiguration, typ)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byName[name]; ok {
		return fmt.Errorf("%w: service %q already exists", xerror.ErrConfiguration, name)
	}

	slot := -1
	// Slot 0 is never handed out.
	for idx := 1; idx < len(m.table); idx++ {
		if m.table[idx] == nil {
			slot = idx
			break
		}
	}
	if slot < 0 {
		return fmt.Errorf("%w: service table holds %d entries", xerror.ErrFull, len(m.table)-1)
	}

	entry := newEntry(name, slot, typ, &m.cfg.Limits)
	if typ != TypeNone {
		cmd := dataplane.ServiceType{Service: name, Type: uint8(typ)}
		if err := m.dpc.Submit(ctx, cmd); err != nil {
			return fmt.Errorf("failed to push service type: %w", err)
		}
	}

	m.table[slot] = entry
	m.byName[name] = entry
	m.log.Infow("created service",
		zap.String("name", name),
		zap.Int("slot", slot),
		zap.Stringer("type", typ),
	)
	return nil
}

// Exists reports whether an entry with the given name exists.
func (m *Registry) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.byName[name]
	return ok
}

// Delete removes an entry that has no records other than domains and MACs
// left.
func (m *Registry) Delete(ctx context.Context, name string) error {
	_, err := retry(ctx, m, func() (*Entry, error) {
		return nil, m.tryDelete(name)
	})
	return err
}

func (m *Registry) tryDelete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("%w: service %q", xerror.ErrNotFound, name)
	}
	if !entry.mu.TryLock() {
		return fmt.Errorf("%w: service %q", xerror.ErrBusy, name)
	}
	defer entry.mu.Unlock()

	if !entry.childless() {
		return fmt.Errorf("%w: service %q still has child records", xerror.ErrDependency, name)
	}

	m.table[entry.slot] = nil
	delete(m.byName, name)
	m.log.Infow("deleted service", zap.String("name", name), zap.Int("slot", entry.slot))
	return nil
}

// SetAttributes updates the MTU and the enabled flag.
func (m *Registry) SetAttributes(ctx context.Context, name string, mtu uint16, enabled bool) error {
	return m.Update(ctx, name, func(e *Entry) error {
		e.mtu = mtu
		e.enabled = enabled
		return nil
	})
}

// retry runs fn until it stops failing with ErrBusy, the retry budget is
// exhausted or ctx is done.
func retry[T any](ctx context.Context, m *Registry, fn func() (T, error)) (T, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     m.cfg.RetryInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         m.cfg.RetryMaxInterval,
	}
	b.Reset()

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if errors.Is(err, xerror.ErrBusy) {
			m.onBusy()
			return v, err
		}
		return v, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(m.cfg.RetryBudget),
		backoff.WithMaxElapsedTime(0),
	)
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty service name", xerror.ErrConfiguration)
	}
	if len(name) >= dataplane.NameSize {
		return fmt.Errorf("%w: service name %q is longer than %d bytes", xerror.ErrConfiguration, name, dataplane.NameSize-1)
	}
	if strings.ContainsAny(name, "/: \t\n") {
		return fmt.Errorf("%w: service name %q has forbidden characters", xerror.ErrConfiguration, name)
	}
	return nil
}
