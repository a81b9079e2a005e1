// Package control is the single entry point mutating the gateway: the
// management API and the configuration reload path both go through the
// Controller, which keeps the host interfaces, the service registry, the
// tunnel registrations and the node settings consistent with each other.
package control

import (
	"context"
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"github.com/dove-platform/dgw/controlplane/internal/dataplane"
	"github.com/dove-platform/dgw/controlplane/internal/dps"
	"github.com/dove-platform/dgw/controlplane/internal/ha"
	"github.com/dove-platform/dgw/controlplane/internal/netcfg"
	"github.com/dove-platform/dgw/controlplane/internal/node"
	"github.com/dove-platform/dgw/controlplane/internal/persist"
	"github.com/dove-platform/dgw/controlplane/internal/registry"
	"github.com/dove-platform/dgw/controlplane/internal/tunnel"
)

// Components are the subsystems driven by the Controller.
type Components struct {
	Node      *node.Node
	Registry  *registry.Registry
	Tunnels   *tunnel.Manager
	DPS       *dps.Client
	HA        *ha.Supervisor
	Net       netcfg.Configurator
	NetConfig *netcfg.Config
	Dataplane dataplane.Controller
	// Store is optional; without it snapshots cannot be saved.
	Store *persist.Store
}

// PeerObserver is notified about HA peer transitions.
type PeerObserver interface {
	PeerState(state ha.State)
	PeerEvent(ev ha.Event)
}

type nopPeerObserver struct{}

func (nopPeerObserver) PeerState(ha.State) {}
func (nopPeerObserver) PeerEvent(ha.Event) {}

type options struct {
	Log          *zap.SugaredLogger
	PeerObserver PeerObserver
}

func newOptions() *options {
	return &options{
		Log:          zap.NewNop().Sugar(),
		PeerObserver: nopPeerObserver{},
	}
}

// Option configures the Controller.
type Option func(*options)

// WithLog sets the logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithPeerObserver sets the receiver of HA peer transitions.
func WithPeerObserver(observer PeerObserver) Option {
	return func(o *options) {
		o.PeerObserver = observer
	}
}

type peerEvent struct {
	ev ha.Event
	ip netip.Addr
}

// Controller orchestrates the gateway subsystems.
type Controller struct {
	Components

	// mu is held exclusively while a snapshot is applied and shared by
	// every other mutation.
	mu sync.RWMutex

	events chan peerEvent
	peers  PeerObserver
	log    *zap.SugaredLogger
}

// New creates a Controller.
func New(c Components, options ...Option) *Controller {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}
	if c.Net == nil {
		c.Net = netcfg.Noop{}
	}
	if c.NetConfig == nil {
		c.NetConfig = netcfg.DefaultConfig()
	}

	return &Controller{
		Components: c,
		events:     make(chan peerEvent, 16),
		peers:      opts.PeerObserver,
		log:        opts.Log.Named("control"),
	}
}

// OnPeerEvent queues an HA peer transition for Run.
//
// It never blocks, so it is safe to use as the supervisor event hook.
func (m *Controller) OnPeerEvent(ev ha.Event, ip netip.Addr) {
	select {
	case m.events <- peerEvent{ev: ev, ip: ip}:
	default:
		m.log.Warnw("dropping HA peer event, queue is full", zap.Stringer("event", ev), zap.Stringer("peer", ip))
	}
}

// Run handles HA peer transitions until ctx is done.
func (m *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.events:
			m.HandlePeerEvent(ctx, ev.ev, ev.ip)
		}
	}
}

// HandlePeerEvent reacts to an HA peer transition. When the peer goes down
// every tunnel is registered again, so that this gateway takes over the
// peer's traffic.
func (m *Controller) HandlePeerEvent(ctx context.Context, ev ha.Event, ip netip.Addr) {
	m.peers.PeerEvent(ev)
	if status, ok := m.HA.Peer(); ok {
		m.peers.PeerState(status.State)
	}
	m.log.Infow("HA peer transition", zap.Stringer("event", ev), zap.Stringer("peer", ip))

	if ev != ha.EventPeerDown {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.Tunnels.Resync(ctx); err != nil {
		m.log.Warnw("failed to resync tunnels after peer loss", zap.Error(err))
	}
}

// OnReanchor registers every tunnel with the newly anchored DPS server.
func (m *Controller) OnReanchor(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.Tunnels.Resync(ctx); err != nil {
		m.log.Warnw("failed to resync tunnels after re-anchoring", zap.Error(err))
	}
}
