// Package dps implements the client side of the distributed policy service
// protocol: endpoint location and policy queries, tunnel registration and
// the messages the service pushes to the gateway.
package dps

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dove-platform/dgw/common/go/xerror"
	"github.com/dove-platform/dgw/controlplane/internal/dataplane"
	"github.com/dove-platform/dgw/controlplane/internal/node"
	"github.com/dove-platform/dgw/controlplane/internal/registry"
)

// DefaultListenPort is the UDP port the gateway receives policy messages on.
const DefaultListenPort = 9902

// Config is the policy client configuration.
type Config struct {
	// Server is the initial policy server; it is replaced by the leader
	// found during re-anchoring.
	Server netip.AddrPort `yaml:"server"`
	// Seeds are queried for the current leader.
	Seeds []netip.AddrPort `yaml:"seeds"`
	// Listen is the local UDP address.
	Listen netip.AddrPort `yaml:"listen"`
	// MaxMessageSize bounds both sent and received messages.
	MaxMessageSize datasize.ByteSize `yaml:"max_message_size"`
	// ReanchorPeriod is how often a stale session is re-anchored.
	ReanchorPeriod time.Duration `yaml:"reanchor_period"`
	// LeaderTimeout bounds the wait for a single leader reply.
	LeaderTimeout time.Duration `yaml:"leader_timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:         netip.AddrPortFrom(netip.IPv4Unspecified(), DefaultListenPort),
		MaxMessageSize: 8 * datasize.KB,
		ReanchorPeriod: 10 * time.Second,
		LeaderTimeout:  2 * time.Second,
	}
}

// Directory is the part of the service registry the client reads.
type Directory interface {
	InterfaceAddrs(ctx context.Context) ([]netip.Addr, error)
	IsLocalIP(ctx context.Context, addr netip.Addr) (bool, error)
	VNIDSubnets(ctx context.Context) ([]registry.VNIDSubnet, error)
	ServingSubnet(ctx context.Context, vnid uint32, ip netip.Addr) (registry.Served, bool, error)
}

// RouteSource picks the local address used to reach a destination.
type RouteSource interface {
	SourceFor(dst netip.Addr) (netip.Addr, error)
}

// PeerMACs tells whether the HA peer currently owns a MAC address.
type PeerMACs interface {
	PeerOwnsMAC(mac registry.MAC) bool
}

// Observer receives protocol events, typically to export them as metrics.
type Observer interface {
	Sent(t MsgType)
	Replied(t MsgType, result string)
	Pending(n int)
	Stale(stale bool)
}

type nopObserver struct{}

func (nopObserver) Sent(MsgType)            {}
func (nopObserver) Replied(MsgType, string) {}
func (nopObserver) Pending(int)             {}
func (nopObserver) Stale(bool)              {}

// Reply results reported to the Observer.
const (
	ResultOK         = "ok"
	ResultMalformed  = "malformed"
	ResultStatus     = "status"
	ResultUnexpected = "unexpected"
	ResultDenied     = "denied"
	ResultFailed     = "failed"
)

type options struct {
	Log      *zap.SugaredLogger
	Routes   RouteSource
	Peers    PeerMACs
	Observer Observer
}

func newOptions() *options {
	return &options{
		Log:      zap.NewNop().Sugar(),
		Observer: nopObserver{},
	}
}

// Option configures the Client.
type Option func(*options)

// WithLog sets the logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithRouteSource sets the OS route lookup used when no overlay IP is
// configured.
func WithRouteSource(routes RouteSource) Option {
	return func(o *options) {
		o.Routes = routes
	}
}

// WithPeerMACs sets the HA peer ownership oracle.
func WithPeerMACs(peers PeerMACs) Option {
	return func(o *options) {
		o.Peers = peers
	}
}

// WithObserver sets the protocol event observer.
func WithObserver(observer Observer) Option {
	return func(o *options) {
		o.Observer = observer
	}
}

// request is the correlation context of an outstanding query.
//
// It lives in the pending map from the moment the query is sent until
// exactly one party claims it: the sender on failure, the receive path on
// reply, or re-anchoring.
type request struct {
	id      uint32
	srcVNID uint32
	domain  uint32
	shared  bool
	expect  MsgType
	notify  chan Envelope
}

type replyHandler func(ctx context.Context, req *request, env Envelope) error

type unsolicitedHandler func(ctx context.Context, from netip.AddrPort, env Envelope) error

// GatewayList is a cached gateway list reply.
type GatewayList struct {
	VNID     uint32       `json:"vnid" yaml:"vnid"`
	Role     Role         `json:"role" yaml:"role"`
	Gateways []netip.Addr `json:"gateways" yaml:"gateways"`
}

type gatewayKey struct {
	vnid uint32
	role Role
}

// Client talks to the policy service.
type Client struct {
	cfg       Config
	transport Transport
	dir       Directory
	dpc       dataplane.Controller
	node      *node.Node
	routes    RouteSource
	peers     PeerMACs
	observer  Observer

	mu         sync.Mutex
	server     netip.AddrPort
	pending    map[uint32]*request
	gateways   map[gatewayKey][]netip.Addr
	onReanchor func(ctx context.Context)

	nextID atomic.Uint32
	stale  atomic.Bool

	replies     map[MsgType]replyHandler
	unsolicited map[MsgType]unsolicitedHandler

	log *zap.SugaredLogger
}

// NewClient creates a policy client sending through transport.
func NewClient(
	cfg *Config,
	transport Transport,
	dir Directory,
	dpc dataplane.Controller,
	node *node.Node,
	options ...Option,
) *Client {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	m := &Client{
		cfg:       *cfg,
		transport: transport,
		dir:       dir,
		dpc:       dpc,
		node:      node,
		routes:    opts.Routes,
		peers:     opts.Peers,
		observer:  opts.Observer,
		server:    cfg.Server,
		pending:   map[uint32]*request{},
		gateways:  map[gatewayKey][]netip.Addr{},
		log:       opts.Log.Named("dps"),
	}

	m.replies = map[MsgType]replyHandler{
		MsgEndpointLocReply: m.handleEndpointLocReply,
		MsgPolicyReply:      m.handlePolicyReply,
		MsgBcastListReply:   m.handleBcastListReply,
		MsgGatewayListReply: m.handleGatewayListReply,
	}
	m.unsolicited = map[MsgType]unsolicitedHandler{
		MsgAddrResolve:      m.handleAddrResolve,
		MsgPolicyInvalidate: m.handlePolicyInvalidate,
	}

	return m
}

// OnReanchor sets the callback run after the client switched to a new
// leader.
func (m *Client) OnReanchor(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReanchor = fn
}

// Run receives messages and re-anchors stale sessions until ctx is done.
func (m *Client) Run(ctx context.Context) error {
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return m.transport.Run(ctx, func(from netip.AddrPort, env Envelope, err error) {
			m.Handle(ctx, from, env, err)
		})
	})
	wg.Go(func() error {
		return m.reanchorLoop(ctx)
	})

	return wg.Wait()
}

// Server returns the current policy server.
func (m *Client) Server() netip.AddrPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.server
}

// SetServer retargets the client.
func (m *Client) SetServer(addr netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server != addr {
		m.log.Infow("policy server changed", zap.Stringer("from", m.server), zap.Stringer("to", addr))
	}
	m.server = addr
}

// Stale reports whether the session needs re-anchoring.
func (m *Client) Stale() bool {
	return m.stale.Load()
}

// Pending returns the number of outstanding queries.
func (m *Client) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// GatewayLists returns the cached gateway lists.
func (m *Client) GatewayLists() []GatewayList {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]GatewayList, 0, len(m.gateways))
	for key, gateways := range m.gateways {
		out = append(out, GatewayList{VNID: key.vnid, Role: key.role, Gateways: gateways})
	}
	return out
}

func (m *Client) markStale(reason string, fields ...any) {
	if !m.stale.Swap(true) {
		m.observer.Stale(true)
		m.log.Warnw("policy session is stale: "+reason, fields...)
	}
}

func (m *Client) allocID() uint32 {
	for {
		id := m.nextID.Add(1)
		if id == 0 {
			continue
		}
		if _, busy := m.pending[id]; !busy {
			return id
		}
	}
}

// send sends body to the given address, tracking req when it is not nil.
func (m *Client) send(ctx context.Context, to netip.AddrPort, vnid uint32, body Message, req *request) error {
	env := Envelope{
		Header: Header{Version: Version, Type: body.Type(), VNID: vnid},
		Body:   body,
	}

	if req != nil {
		m.mu.Lock()
		req.id = m.allocID()
		m.pending[req.id] = req
		count := len(m.pending)
		m.mu.Unlock()

		env.QueryID = req.id
		m.observer.Pending(count)
	}

	m.observer.Sent(body.Type())
	if err := m.transport.Send(ctx, to, env); err != nil {
		if req != nil {
			m.claim(req.id)
		}
		m.observer.Replied(body.Type(), ResultFailed)
		m.markStale("send failed", zap.Stringer("type", body.Type()), zap.Error(err))
		return fmt.Errorf("failed to send %s to %s: %w", body.Type(), to, err)
	}

	m.log.Debugw("sent message",
		zap.Stringer("type", body.Type()),
		zap.Uint32("query_id", env.QueryID),
		zap.Uint32("vnid", vnid),
		zap.Stringer("to", to),
	)
	return nil
}

// query sends body to the current server.
func (m *Client) query(ctx context.Context, vnid uint32, body Message, req *request) error {
	return m.send(ctx, m.Server(), vnid, body, req)
}

// claim removes and returns the pending request, nil if there is none.
func (m *Client) claim(id uint32) *request {
	if id == 0 {
		return nil
	}

	m.mu.Lock()
	req, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	count := len(m.pending)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	m.observer.Pending(count)
	return req
}

// dropPending forgets every outstanding query.
func (m *Client) dropPending() int {
	m.mu.Lock()
	count := len(m.pending)
	m.pending = map[uint32]*request{}
	m.mu.Unlock()

	m.observer.Pending(0)
	return count
}

// Handle processes a received message. It is the receive callback of the
// transport.
func (m *Client) Handle(ctx context.Context, from netip.AddrPort, env Envelope, err error) {
	log := m.log.With(
		zap.Stringer("type", env.Type),
		zap.Uint32("query_id", env.QueryID),
		zap.Stringer("from", from),
	)

	// Any of these statuses means the server lost our session, whether or
	// not the message answers a query we still track.
	if env.Status.Stale() {
		m.markStale("server reported "+env.Status.String(), zap.Stringer("type", env.Type))
	}

	if req := m.claim(env.QueryID); req != nil {
		m.handleReply(ctx, log, req, env, err)
		return
	}

	if err != nil {
		log.Warnw("dropping malformed message", zap.Error(err))
		return
	}
	handler, ok := m.unsolicited[env.Type]
	if !ok {
		log.Debugw("dropping unexpected message")
		return
	}
	if err := handler(ctx, from, env); err != nil {
		log.Warnw("failed to handle message", zap.Error(err))
	}
}

func (m *Client) handleReply(ctx context.Context, log *zap.SugaredLogger, req *request, env Envelope, err error) {
	switch {
	case err != nil:
		log.Warnw("abandoning query: malformed reply", zap.Error(err))
		m.observer.Replied(env.Type, ResultMalformed)
		return
	case env.Status != StatusOK:
		log.Infow("abandoning query: error status", zap.Stringer("status", env.Status))
		m.observer.Replied(env.Type, ResultStatus)
		return
	case env.Type != req.expect:
		log.Warnw("abandoning query: unexpected reply type", zap.Stringer("expected", req.expect))
		m.observer.Replied(env.Type, ResultUnexpected)
		return
	}

	if req.notify != nil {
		req.notify <- env
	}

	if handler, ok := m.replies[env.Type]; ok {
		if err := handler(ctx, req, env); err != nil {
			if errors.Is(err, errDenied) {
				log.Debugw("dropping reply", zap.Error(err))
				m.observer.Replied(env.Type, ResultDenied)
				return
			}
			log.Warnw("failed to handle reply", zap.Error(err))
			m.observer.Replied(env.Type, ResultFailed)
			return
		}
	}
	m.observer.Replied(env.Type, ResultOK)
}

// errDenied marks a policy reply that does not permit the pair.
var errDenied = fmt.Errorf("%w: policy denied", xerror.ErrNotFound)
