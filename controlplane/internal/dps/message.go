package dps

import (
	"fmt"
	"net/netip"
)

// Version is the protocol version stamped into every header.
const Version uint8 = 2

// HeaderSize is the size of the fixed message header.
const HeaderSize = 12

// MaxTunnels is the highest number of tunnel endpoints a location may carry.
const MaxTunnels = 8

// MsgType identifies the body of a message.
type MsgType uint8

const (
	MsgEndpointLocRequest MsgType = iota + 1
	MsgEndpointLocReply
	MsgPolicyRequest
	MsgPolicyReply
	MsgEndpointUpdate
	MsgBcastListRequest
	MsgBcastListReply
	MsgGatewayListRequest
	MsgGatewayListReply
	MsgMulticastUpdate
	MsgTunnelRegister
	MsgTunnelDeregister
	MsgAddrResolve
	MsgPolicyInvalidate
	MsgLeaderRequest
	MsgLeaderReply
	MsgAck
)

var msgTypeNames = map[MsgType]string{
	MsgEndpointLocRequest: "endpoint-loc-request",
	MsgEndpointLocReply:   "endpoint-loc-reply",
	MsgPolicyRequest:      "policy-request",
	MsgPolicyReply:        "policy-reply",
	MsgEndpointUpdate:     "endpoint-update",
	MsgBcastListRequest:   "bcast-list-request",
	MsgBcastListReply:     "bcast-list-reply",
	MsgGatewayListRequest: "gateway-list-request",
	MsgGatewayListReply:   "gateway-list-reply",
	MsgMulticastUpdate:    "multicast-update",
	MsgTunnelRegister:     "tunnel-register",
	MsgTunnelDeregister:   "tunnel-deregister",
	MsgAddrResolve:        "addr-resolve",
	MsgPolicyInvalidate:   "policy-invalidate",
	MsgLeaderRequest:      "leader-request",
	MsgLeaderReply:        "leader-reply",
	MsgAck:                "ack",
}

func (m MsgType) String() string {
	if name, ok := msgTypeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("msg(%d)", uint8(m))
}

// Status is the result code carried by replies.
type Status uint16

const (
	StatusOK Status = iota
	StatusNoResponse
	StatusRetry
	StatusNoRoute
	StatusInvalid
	StatusNotFound
)

func (m Status) String() string {
	switch m {
	case StatusOK:
		return "ok"
	case StatusNoResponse:
		return "no-response"
	case StatusRetry:
		return "retry"
	case StatusNoRoute:
		return "no-route"
	case StatusInvalid:
		return "invalid"
	case StatusNotFound:
		return "not-found"
	default:
		return fmt.Sprintf("status(%d)", uint16(m))
	}
}

// Stale reports whether the status means the session with the current
// server is no longer usable.
func (m Status) Stale() bool {
	return m == StatusNoResponse || m == StatusRetry || m == StatusNoRoute
}

// Header is the fixed part of every message.
type Header struct {
	Version uint8
	Type    MsgType
	Status  Status
	QueryID uint32
	VNID    uint32
}

// Message is a typed message body.
type Message interface {
	Type() MsgType
	encode(e *encoder)
	decode(d *decoder)
}

// Envelope is a decoded message.
type Envelope struct {
	Header
	Body Message
}

// Location is the resolved position of an endpoint.
type Location struct {
	DestVNID uint32
	DestIP   netip.Addr
	DestMAC  [6]byte
	// Tunnels are the candidate tunnel endpoints serving the destination.
	Tunnels []netip.Addr
}

func (m *Location) encode(e *encoder) {
	e.u32(m.DestVNID)
	e.ip(m.DestIP)
	e.bytes(m.DestMAC[:])
	e.u8(uint8(len(m.Tunnels)))
	for _, ip := range m.Tunnels {
		e.ip(ip)
	}
}

func (m *Location) decode(d *decoder) {
	m.DestVNID = d.u32()
	m.DestIP = d.ip()
	copy(m.DestMAC[:], d.bytes(6))
	m.Tunnels = d.ips(int(d.u8()))
}

type EndpointLocRequest struct {
	DestIP netip.Addr
}

func (m *EndpointLocRequest) Type() MsgType      { return MsgEndpointLocRequest }
func (m *EndpointLocRequest) encode(e *encoder) { e.ip(m.DestIP) }
func (m *EndpointLocRequest) decode(d *decoder) { m.DestIP = d.ip() }

type EndpointLocReply struct {
	Location Location
}

func (m *EndpointLocReply) Type() MsgType      { return MsgEndpointLocReply }
func (m *EndpointLocReply) encode(e *encoder) { m.Location.encode(e) }
func (m *EndpointLocReply) decode(d *decoder) { m.Location.decode(d) }

// PolicyRequest asks whether the header VNID may talk to DestIP and where
// DestIP lives.
type PolicyRequest struct {
	DestIP netip.Addr
}

func (m *PolicyRequest) Type() MsgType      { return MsgPolicyRequest }
func (m *PolicyRequest) encode(e *encoder) { e.ip(m.DestIP) }
func (m *PolicyRequest) decode(d *decoder) { m.DestIP = d.ip() }

// Permit allows traffic from SrcVNID to DstVNID.
type Permit struct {
	SrcVNID uint32
	DstVNID uint32
}

type PolicyReply struct {
	Permits  []Permit
	Location Location
}

func (m *PolicyReply) Type() MsgType { return MsgPolicyReply }

func (m *PolicyReply) encode(e *encoder) {
	e.u8(uint8(len(m.Permits)))
	for _, p := range m.Permits {
		e.u32(p.SrcVNID)
		e.u32(p.DstVNID)
	}
	m.Location.encode(e)
}

func (m *PolicyReply) decode(d *decoder) {
	count := int(d.u8())
	m.Permits = make([]Permit, 0, count)
	for range count {
		m.Permits = append(m.Permits, Permit{SrcVNID: d.u32(), DstVNID: d.u32()})
	}
	m.Location.decode(d)
}

// Permitted reports whether the pair is allowed.
func (m *PolicyReply) Permitted(src, dst uint32) bool {
	for _, p := range m.Permits {
		if p.SrcVNID == src && p.DstVNID == dst {
			return true
		}
	}
	return false
}

// UpdateOp is the endpoint lifecycle operation.
type UpdateOp uint8

const (
	EndpointAdd UpdateOp = iota + 1
	EndpointDelete
	EndpointVIPAdd
	EndpointVIPDelete
)

func (m UpdateOp) String() string {
	switch m {
	case EndpointAdd:
		return "add"
	case EndpointDelete:
		return "delete"
	case EndpointVIPAdd:
		return "vip-add"
	case EndpointVIPDelete:
		return "vip-delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(m))
	}
}

// EndpointUpdate announces an endpoint served by this gateway.
type EndpointUpdate struct {
	Op        UpdateOp
	IP        netip.Addr
	MAC       [6]byte
	OverlayIP netip.Addr
}

func (m *EndpointUpdate) Type() MsgType { return MsgEndpointUpdate }

func (m *EndpointUpdate) encode(e *encoder) {
	e.u8(uint8(m.Op))
	e.ip(m.IP)
	e.bytes(m.MAC[:])
	e.ip(m.OverlayIP)
}

func (m *EndpointUpdate) decode(d *decoder) {
	m.Op = UpdateOp(d.u8())
	m.IP = d.ip()
	copy(m.MAC[:], d.bytes(6))
	m.OverlayIP = d.ip()
}

type BcastListRequest struct{}

func (m *BcastListRequest) Type() MsgType    { return MsgBcastListRequest }
func (m *BcastListRequest) encode(*encoder) {}
func (m *BcastListRequest) decode(*decoder) {}

// BcastListReply lists the tunnel endpoints flooded for the header VNID.
type BcastListReply struct {
	Tunnels []netip.Addr
}

func (m *BcastListReply) Type() MsgType { return MsgBcastListReply }

func (m *BcastListReply) encode(e *encoder) {
	e.u16(uint16(len(m.Tunnels)))
	for _, ip := range m.Tunnels {
		e.ip(ip)
	}
}

func (m *BcastListReply) decode(d *decoder) {
	m.Tunnels = d.ips(int(d.u16()))
}

type GatewayListRequest struct {
	Role Role
}

func (m *GatewayListRequest) Type() MsgType      { return MsgGatewayListRequest }
func (m *GatewayListRequest) encode(e *encoder) { e.u8(uint8(m.Role)) }
func (m *GatewayListRequest) decode(d *decoder) { m.Role = Role(d.u8()) }

type GatewayListReply struct {
	Role     Role
	Gateways []netip.Addr
}

func (m *GatewayListReply) Type() MsgType { return MsgGatewayListReply }

func (m *GatewayListReply) encode(e *encoder) {
	e.u8(uint8(m.Role))
	e.u16(uint16(len(m.Gateways)))
	for _, ip := range m.Gateways {
		e.ip(ip)
	}
}

func (m *GatewayListReply) decode(d *decoder) {
	m.Role = Role(d.u8())
	m.Gateways = d.ips(int(d.u16()))
}

// McastOp is a multicast membership change.
type McastOp uint8

const (
	McastReceiverJoin McastOp = iota + 1
	McastReceiverLeave
	McastSenderJoin
	McastSenderLeave
)

func (m McastOp) String() string {
	switch m {
	case McastReceiverJoin:
		return "receiver-join"
	case McastReceiverLeave:
		return "receiver-leave"
	case McastSenderJoin:
		return "sender-join"
	case McastSenderLeave:
		return "sender-leave"
	default:
		return fmt.Sprintf("mcast-op(%d)", uint8(m))
	}
}

type MulticastUpdate struct {
	Op        McastOp
	Group     netip.Addr
	OverlayIP netip.Addr
}

func (m *MulticastUpdate) Type() MsgType { return MsgMulticastUpdate }

func (m *MulticastUpdate) encode(e *encoder) {
	e.u8(uint8(m.Op))
	e.ip(m.Group)
	e.ip(m.OverlayIP)
}

func (m *MulticastUpdate) decode(d *decoder) {
	m.Op = McastOp(d.u8())
	m.Group = d.ip()
	m.OverlayIP = d.ip()
}

// TunnelUpdate registers or deregisters a tunnel for the header VNID.
type TunnelUpdate struct {
	Deregister bool
	Role       Role
	OverlayIP  netip.Addr
}

func (m *TunnelUpdate) Type() MsgType {
	if m.Deregister {
		return MsgTunnelDeregister
	}
	return MsgTunnelRegister
}

func (m *TunnelUpdate) encode(e *encoder) {
	e.u8(uint8(m.Role))
	e.ip(m.OverlayIP)
}

func (m *TunnelUpdate) decode(d *decoder) {
	m.Role = Role(d.u8())
	m.OverlayIP = d.ip()
}

// AddrResolve asks the gateway who serves IP in the header VNID.
type AddrResolve struct {
	IP netip.Addr
}

func (m *AddrResolve) Type() MsgType      { return MsgAddrResolve }
func (m *AddrResolve) encode(e *encoder) { e.ip(m.IP) }
func (m *AddrResolve) decode(d *decoder) { m.IP = d.ip() }

type PolicyInvalidate struct {
	SrcVNID uint32
	DstVNID uint32
}

func (m *PolicyInvalidate) Type() MsgType { return MsgPolicyInvalidate }

func (m *PolicyInvalidate) encode(e *encoder) {
	e.u32(m.SrcVNID)
	e.u32(m.DstVNID)
}

func (m *PolicyInvalidate) decode(d *decoder) {
	m.SrcVNID = d.u32()
	m.DstVNID = d.u32()
}

type LeaderRequest struct{}

func (m *LeaderRequest) Type() MsgType    { return MsgLeaderRequest }
func (m *LeaderRequest) encode(*encoder) {}
func (m *LeaderRequest) decode(*decoder) {}

type LeaderReply struct {
	Leader netip.AddrPort
}

func (m *LeaderReply) Type() MsgType { return MsgLeaderReply }

func (m *LeaderReply) encode(e *encoder) {
	e.ip(m.Leader.Addr())
	e.u16(m.Leader.Port())
}

func (m *LeaderReply) decode(d *decoder) {
	ip := d.ip()
	m.Leader = netip.AddrPortFrom(ip, d.u16())
}

// Ack acknowledges a request without a body.
type Ack struct{}

func (m *Ack) Type() MsgType    { return MsgAck }
func (m *Ack) encode(*encoder) {}
func (m *Ack) decode(*decoder) {}

// bodies creates empty bodies for decoding.
var bodies = map[MsgType]func() Message{
	MsgEndpointLocRequest: func() Message { return &EndpointLocRequest{} },
	MsgEndpointLocReply:   func() Message { return &EndpointLocReply{} },
	MsgPolicyRequest:      func() Message { return &PolicyRequest{} },
	MsgPolicyReply:        func() Message { return &PolicyReply{} },
	MsgEndpointUpdate:     func() Message { return &EndpointUpdate{} },
	MsgBcastListRequest:   func() Message { return &BcastListRequest{} },
	MsgBcastListReply:     func() Message { return &BcastListReply{} },
	MsgGatewayListRequest: func() Message { return &GatewayListRequest{} },
	MsgGatewayListReply:   func() Message { return &GatewayListReply{} },
	MsgMulticastUpdate:    func() Message { return &MulticastUpdate{} },
	MsgTunnelRegister:     func() Message { return &TunnelUpdate{} },
	MsgTunnelDeregister:   func() Message { return &TunnelUpdate{Deregister: true} },
	MsgAddrResolve:        func() Message { return &AddrResolve{} },
	MsgPolicyInvalidate:   func() Message { return &PolicyInvalidate{} },
	MsgLeaderRequest:      func() Message { return &LeaderRequest{} },
	MsgLeaderReply:        func() Message { return &LeaderReply{} },
	MsgAck:                func() Message { return &Ack{} },
}
