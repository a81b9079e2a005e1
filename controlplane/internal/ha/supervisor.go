// Package ha supervises the high availability peer of the gateway: it
// exchanges heartbeats carrying the bridged MAC addresses and reports the
// peer going up and down.
package ha

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/dove-platform/dgw/controlplane/internal/node"
	"github.com/dove-platform/dgw/controlplane/internal/registry"
)

// DefaultPort is the heartbeat TCP port.
const DefaultPort uint16 = 7788

// State is the liveness state of the peer.
type State uint8

const (
	StateUnknown State = iota
	StateInactive
	StateActive
)

func (m State) String() string {
	switch m {
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

func (m State) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "inactive":
		*m = StateInactive
	case "active":
		*m = StateActive
	case "unknown":
		*m = StateUnknown
	default:
		return fmt.Errorf("unknown peer state %q", text)
	}
	return nil
}

// Event is a peer state transition.
type Event uint8

const (
	EventPeerUp Event = iota + 1
	EventPeerDown
)

func (m Event) String() string {
	switch m {
	case EventPeerUp:
		return "peer-up"
	case EventPeerDown:
		return "peer-down"
	default:
		return fmt.Sprintf("event(%d)", uint8(m))
	}
}

// Config is the heartbeat configuration.
type Config struct {
	// Listen is the local heartbeat endpoint.
	Listen netip.AddrPort `yaml:"listen"`
	// Peer is the initial peer address, unset for a standalone gateway.
	Peer netip.Addr `yaml:"peer"`
	// PeerPort is the heartbeat port of the peer.
	PeerPort uint16 `yaml:"peer_port"`
	// Period is the heartbeat interval.
	Period time.Duration `yaml:"period"`
	// Timeout is how long an active peer may stay silent.
	Timeout time.Duration `yaml:"timeout"`
	// DialTimeout bounds the outbound connection setup.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:      netip.AddrPortFrom(netip.IPv4Unspecified(), DefaultPort),
		PeerPort:    DefaultPort,
		Period:      5 * time.Second,
		Timeout:     30 * time.Second,
		DialTimeout: 2 * time.Second,
	}
}

// MACSource lists the MAC addresses advertised to the peer.
type MACSource interface {
	BridgeMACs(ctx context.Context) ([]registry.MAC, error)
}

type options struct {
	Log     *zap.SugaredLogger
	Clock   clock.WithTicker
	OnEvent func(Event, netip.Addr)
}

func newOptions() *options {
	return &options{
		Log:     zap.NewNop().Sugar(),
		Clock:   clock.RealClock{},
		OnEvent: func(Event, netip.Addr) {},
	}
}

// Option configures the Supervisor.
type Option func(*options)

// WithLog sets the logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithClock sets the time source.
func WithClock(clock clock.WithTicker) Option {
	return func(o *options) {
		o.Clock = clock
	}
}

// WithEventHook sets the callback receiving peer transitions.
//
// It runs without supervisor locks held.
func WithEventHook(fn func(Event, netip.Addr)) Option {
	return func(o *options) {
		o.OnEvent = fn
	}
}

type peer struct {
	ip       netip.Addr
	state    State
	lastSeen time.Time
	macs     map[registry.MAC]struct{}
	conn     net.Conn
}

// PeerStatus is a snapshot of the peer.
type PeerStatus struct {
	IP       netip.Addr     `json:"ip" yaml:"ip"`
	State    State          `json:"state" yaml:"state"`
	LastSeen time.Time      `json:"last_seen,omitzero" yaml:"last_seen,omitempty"`
	MACs     []registry.MAC `json:"macs,omitempty" yaml:"macs,omitempty"`
}

// Supervisor tracks a single HA peer.
type Supervisor struct {
	cfg   Config
	macs  MACSource
	node  *node.Node
	clock clock.WithTicker

	mu   sync.Mutex
	peer *peer

	onEvent func(Event, netip.Addr)
	log     *zap.SugaredLogger
}

// NewSupervisor creates a supervisor, configuring the initial peer if any.
func NewSupervisor(cfg *Config, macs MACSource, node *node.Node, options ...Option) *Supervisor {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	m := &Supervisor{
		cfg:     *cfg,
		macs:    macs,
		node:    node,
		clock:   opts.Clock,
		onEvent: opts.OnEvent,
		log:     opts.Log.Named("ha"),
	}
	if cfg.Peer.IsValid() {
		m.SetPeer(cfg.Peer)
	}
	return m
}

// SetPeer replaces the peer. An invalid address removes it.
//
// Replacing an active peer reports it down first.
func (m *Supervisor) SetPeer(ip netip.Addr) {
	m.mu.Lock()
	old := m.peer
	wasActive := old != nil && old.state == StateActive
	if old != nil && old.conn != nil {
		old.conn.Close()
	}
	if ip.IsValid() {
		m.peer = &peer{
			ip:    ip,
			state: StateInactive,
			macs:  map[registry.MAC]struct{}{},
		}
	} else {
		m.peer = nil
	}
	m.mu.Unlock()

	if wasActive {
		m.log.Warnw("HA peer is down", zap.Stringer("peer", old.ip), zap.String("reason", "reconfigured"))
		m.onEvent(EventPeerDown, old.ip)
	}
	if ip.IsValid() {
		m.log.Infow("HA peer configured", zap.Stringer("peer", ip))
	} else {
		m.log.Infow("HA peer removed")
	}
}

// Peer returns the peer snapshot and false when no peer is configured.
func (m *Supervisor) Peer() (PeerStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peer == nil {
		return PeerStatus{}, false
	}

	status := PeerStatus{
		IP:       m.peer.ip,
		State:    m.peer.state,
		LastSeen: m.peer.lastSeen,
	}
	for mac := range m.peer.macs {
		status.MACs = append(status.MACs, mac)
	}
	return status, true
}

// PeerOwnsMAC reports whether an active peer advertises the MAC.
func (m *Supervisor) PeerOwnsMAC(mac registry.MAC) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peer == nil || m.peer.state != StateActive {
		return false
	}
	_, ok := m.peer.macs[mac]
	return ok
}

// Observe records a heartbeat received from ip.
func (m *Supervisor) Observe(ip netip.Addr, macs []registry.MAC) {
	m.mu.Lock()
	if m.peer == nil || m.peer.ip != ip.Unmap() {
		m.mu.Unlock()
		m.log.Debugw("ignoring heartbeat from unknown host", zap.Stringer("from", ip))
		return
	}

	p := m.peer
	p.lastSeen = m.clock.Now()
	p.macs = make(map[registry.MAC]struct{}, len(macs))
	for _, mac := range macs {
		p.macs[mac] = struct{}{}
	}

	up := p.state != StateActive
	if up {
		p.state = StateActive
	}
	m.mu.Unlock()

	if up {
		m.log.Infow("HA peer is up", zap.Stringer("peer", ip), zap.Int("macs", len(macs)))
		m.onEvent(EventPeerUp, ip)
	}
}

// Check demotes a peer that stayed silent longer than the timeout.
func (m *Supervisor) Check() {
	m.mu.Lock()
	p := m.peer
	if p == nil || p.state != StateActive || m.clock.Since(p.lastSeen) <= m.cfg.Timeout {
		m.mu.Unlock()
		return
	}

	p.state = StateInactive
	ip := p.ip
	m.mu.Unlock()

	m.log.Warnw("HA peer is down", zap.Stringer("peer", ip), zap.Duration("timeout", m.cfg.Timeout))
	m.onEvent(EventPeerDown, ip)
}

// Run serves heartbeats on the configured listen address and sends them to
// the peer every period.
func (m *Supervisor) Run(ctx context.Context) error {
	ln, err := listen(ctx, m.cfg.Listen)
	if err != nil {
		return err
	}

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return m.Serve(ctx, ln)
	})
	wg.Go(func() error {
		return m.tick(ctx)
	})

	return wg.Wait()
}

func (m *Supervisor) tick(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.closeConn()
			return nil
		case <-ticker.C():
			m.Check()
			if err := m.SendHeartbeat(ctx); err != nil {
				m.log.Debugw("failed to send heartbeat", zap.Error(err))
			}
		}
	}
}
