package dgw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dove-platform/dgw/common/go/xcmd"
	"github.com/dove-platform/dgw/controlplane/internal/api"
	"github.com/dove-platform/dgw/controlplane/internal/control"
	"github.com/dove-platform/dgw/controlplane/internal/dataplane"
	"github.com/dove-platform/dgw/controlplane/internal/dps"
	"github.com/dove-platform/dgw/controlplane/internal/ha"
	"github.com/dove-platform/dgw/controlplane/internal/metrics"
	"github.com/dove-platform/dgw/controlplane/internal/netcfg"
	"github.com/dove-platform/dgw/controlplane/internal/node"
	"github.com/dove-platform/dgw/controlplane/internal/persist"
	"github.com/dove-platform/dgw/controlplane/internal/registry"
	"github.com/dove-platform/dgw/controlplane/internal/tunnel"
	"github.com/dove-platform/dgw/controlplane/internal/version"
)

type options struct {
	Log       *zap.SugaredLogger
	LogLevel  *zap.AtomicLevel
	Transport dps.Transport
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// DirectorOption is a function that configures the gateway director.
type DirectorOption func(*options)

// WithLog sets the logger for the gateway director.
func WithLog(log *zap.SugaredLogger) DirectorOption {
	return func(o *options) {
		o.Log = log
	}
}

// WithAtomicLogLevel sets the atomic logger level for the gateway director.
//
// This level can be changed at runtime.
func WithAtomicLogLevel(level *zap.AtomicLevel) DirectorOption {
	return func(o *options) {
		o.LogLevel = level
	}
}

// WithTransport replaces the UDP transport of the DPS client.
func WithTransport(transport dps.Transport) DirectorOption {
	return func(o *options) {
		o.Transport = transport
	}
}

// Director is the gateway control plane director.
//
// This is an entry point for the gateway. It builds the registry, the DPS
// client, the tunnel manager and the HA supervisor from the config, restores
// the saved snapshot and runs them together with the management API.
type Director struct {
	cfg        *Config
	dpc        dataplane.Controller
	client     *dps.Client
	supervisor *ha.Supervisor
	ctrl       *control.Controller
	api        *api.Server
	metrics    *metrics.Server
	watcher    *persist.Watcher
	log        *zap.SugaredLogger
}

// NewDirector creates a new gateway director using specified config.
func NewDirector(cfg *Config, options ...DirectorOption) (*Director, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	log := opts.Log
	log.Infow("initializing gateway control plane ...", zap.String("version", version.Version()))
	log.Debugw("parsed config", zap.Any("config", cfg))

	m := metrics.New()

	var dpc dataplane.Controller
	if cfg.Dataplane.DryRun {
		dpc = dataplane.NewRecorder(log)
	} else {
		dpc = dataplane.NewClient(cfg.Dataplane, log)
	}

	var host netcfg.Configurator = netcfg.Noop{}
	if !cfg.Netcfg.DryRun {
		host = netcfg.NewNetlink(cfg.Netcfg, netcfg.WithLog(log))
	}

	n := node.New(cfg.Node, opts.LogLevel)

	reg, err := registry.New(cfg.Registry, dpc,
		registry.WithLog(log),
		registry.WithBusyHook(m.RegistryBusy),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create service registry: %w", err)
	}

	transport := opts.Transport
	if transport == nil {
		udp, err := dps.ListenUDP(cfg.DPS.Listen, cfg.DPS.MaxMessageSize, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create DPS transport: %w", err)
		}
		transport = udp
	}

	// The controller is created last; peer events reach it through this
	// variable.
	var ctrl *control.Controller

	supervisor := ha.NewSupervisor(cfg.HA, reg, n,
		ha.WithLog(log),
		ha.WithEventHook(func(ev ha.Event, ip netip.Addr) {
			ctrl.OnPeerEvent(ev, ip)
		}),
	)

	client := dps.NewClient(cfg.DPS, transport, reg, dpc, n,
		dps.WithLog(log),
		dps.WithRouteSource(host),
		dps.WithPeerMACs(supervisor),
		dps.WithObserver(m),
	)

	tunnels := tunnel.NewManager(reg, dpc, client, n,
		tunnel.WithLog(log),
		tunnel.WithRegisteredHook(m.Tunnels),
	)

	var store *persist.Store
	if cfg.Persist.Path != "" {
		store = persist.NewStore(cfg.Persist.Path, persist.WithLog(log))
	}

	ctrl = control.New(control.Components{
		Node:      n,
		Registry:  reg,
		Tunnels:   tunnels,
		DPS:       client,
		HA:        supervisor,
		Net:       host,
		NetConfig: cfg.Netcfg,
		Dataplane: dpc,
		Store:     store,
	},
		control.WithLog(log),
		control.WithPeerObserver(m),
	)
	client.OnReanchor(ctrl.OnReanchor)

	d := &Director{
		cfg:        cfg,
		dpc:        dpc,
		client:     client,
		supervisor: supervisor,
		ctrl:       ctrl,
		api:        api.NewServer(cfg.API, ctrl, api.WithLog(log)),
		log:        log,
	}
	if cfg.Metrics.Endpoint != "" {
		d.metrics = metrics.NewServer(cfg.Metrics.Endpoint, m, log)
	}
	if store != nil && cfg.Persist.Watch {
		d.watcher = persist.NewWatcher(store, ctrl.Reload, persist.WithLog(log))
	}

	return d, nil
}

// Controller returns the control task driven by the director.
func (m *Director) Controller() *control.Controller {
	return m.ctrl
}

// Run restores the saved snapshot and runs every component until ctx is
// canceled.
func (m *Director) Run(ctx context.Context) error {
	defer m.close()

	if err := m.restore(ctx); err != nil {
		m.log.Warnw("failed to restore snapshot", zap.Error(err))
	}

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return m.client.Run(ctx)
	})
	wg.Go(func() error {
		return m.supervisor.Run(ctx)
	})
	wg.Go(func() error {
		return m.ctrl.Run(ctx)
	})
	wg.Go(func() error {
		return m.api.Run(ctx)
	})
	if m.metrics != nil {
		wg.Go(func() error {
			return m.metrics.Run(ctx)
		})
	}
	if m.watcher != nil {
		wg.Go(func() error {
			return m.watcher.Run(ctx)
		})
	}
	if m.ctrl.Store != nil {
		wg.Go(func() error {
			err := xcmd.OnHangup(ctx, func() {
				m.log.Infow("caught SIGHUP, reloading snapshot")
				if err := m.reload(ctx); err != nil {
					m.log.Warnw("failed to reload snapshot", zap.Error(err))
				}
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	if err := wg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// restore applies the saved snapshot, if any, over the static config.
func (m *Director) restore(ctx context.Context) error {
	if m.ctrl.Store == nil || !m.ctrl.Store.Exists() {
		return nil
	}
	return m.reload(ctx)
}

func (m *Director) reload(ctx context.Context) error {
	snapshot, err := m.ctrl.Store.Load()
	if err != nil {
		return err
	}
	return m.ctrl.Apply(ctx, snapshot)
}

func (m *Director) close() {
	if closer, ok := m.dpc.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			m.log.Warnw("failed to close data plane channel", zap.Error(err))
		}
	}
}
