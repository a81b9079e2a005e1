// Package dataplane describes the logical commands the control plane issues
// to the forwarding plane and provides the channels that carry them.
package dataplane

import (
	"context"
	"fmt"
	"net/netip"
)

// Controller is the narrow contract of the Data Plane Controller.
//
// Implementations are single-owner: calls are serialized and each one waits
// for its own completion status.
type Controller interface {
	Submit(ctx context.Context, cmd Command) error
}

// Kind is the command code on the wire.
type Kind uint16

const (
	KindAddInterfaceIP Kind = iota + 1
	KindDelInterfaceIP
	KindAddExternalVIP
	KindDelExternalVIP
	KindAddInternalVIP
	KindDelInternalVIP
	KindAddForwardRule
	KindDelForwardRule
	KindSetDomainVLAN
	KindSetVNIDSubnet
	KindProgramLocation
	KindSetVNIDInfo
	KindSetOverlayPort
	KindSetServiceType
	KindInvalidatePolicy
	KindResetStats
)

var kindNames = map[Kind]string{
	KindAddInterfaceIP:   "add-interface-ip",
	KindDelInterfaceIP:   "del-interface-ip",
	KindAddExternalVIP:   "add-external-vip",
	KindDelExternalVIP:   "del-external-vip",
	KindAddInternalVIP:   "add-internal-vip",
	KindDelInternalVIP:   "del-internal-vip",
	KindAddForwardRule:   "add-forward-rule",
	KindDelForwardRule:   "del-forward-rule",
	KindSetDomainVLAN:    "set-domain-vlan",
	KindSetVNIDSubnet:    "set-vnid-subnet",
	KindProgramLocation:  "program-location",
	KindSetVNIDInfo:      "set-vnid-info",
	KindSetOverlayPort:   "set-overlay-port",
	KindSetServiceType:   "set-service-type",
	KindInvalidatePolicy: "invalidate-policy",
	KindResetStats:       "reset-stats",
}

func (m Kind) String() string {
	if name, ok := kindNames[m]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint16(m))
}

// Command is a single data plane request.
type Command interface {
	Kind() Kind
	encode(e *encoder)
}

// InterfaceIP adds or removes a bridge interface address.
type InterfaceIP struct {
	Service string
	Address netip.Prefix
	Nexthop netip.Addr
	VLAN    uint16
	Remove  bool
}

func (m InterfaceIP) Kind() Kind {
	if m.Remove {
		return KindDelInterfaceIP
	}
	return KindAddInterfaceIP
}

func (m InterfaceIP) encode(e *encoder) {
	e.name(m.Service)
	e.prefix(m.Address)
	e.addr(m.Nexthop)
	e.u16(m.VLAN)
}

// ExternalVIP adds or removes a public VIP mapped into a tenant domain.
type ExternalVIP struct {
	Service      string
	IP           netip.Addr
	PortMin      uint16
	PortMax      uint16
	Domain       uint32
	TenantID     uint32
	ExtMcastVNID uint32
	Remove       bool
}

func (m ExternalVIP) Kind() Kind {
	if m.Remove {
		return KindDelExternalVIP
	}
	return KindAddExternalVIP
}

func (m ExternalVIP) encode(e *encoder) {
	e.name(m.Service)
	e.addr(m.IP)
	e.u16(m.PortMin)
	e.u16(m.PortMax)
	e.u32(m.Domain)
	e.u32(m.TenantID)
	e.u32(m.ExtMcastVNID)
}

// InternalVIP adds or removes an overlay-facing VIP.
type InternalVIP struct {
	Service string
	IP      netip.Addr
	PortMin uint16
	PortMax uint16
	Domain  uint32
	Remove  bool
}

func (m InternalVIP) Kind() Kind {
	if m.Remove {
		return KindDelInternalVIP
	}
	return KindAddInternalVIP
}

func (m InternalVIP) encode(e *encoder) {
	e.name(m.Service)
	e.addr(m.IP)
	e.u16(m.PortMin)
	e.u16(m.PortMax)
	e.u32(m.Domain)
}

// ForwardRule adds or removes a port forwarding rule.
type ForwardRule struct {
	Service    string
	Domain     uint32
	Protocol   uint8
	MatchIP    netip.Addr
	MatchPort  uint16
	MappedIP   netip.Addr
	MappedPort uint16
	PIPMin     netip.Addr
	PIPMax     netip.Addr
	Remove     bool
}

func (m ForwardRule) Kind() Kind {
	if m.Remove {
		return KindDelForwardRule
	}
	return KindAddForwardRule
}

func (m ForwardRule) encode(e *encoder) {
	e.name(m.Service)
	e.u32(m.Domain)
	e.u8(m.Protocol)
	e.addr(m.MatchIP)
	e.u16(m.MatchPort)
	e.addr(m.MappedIP)
	e.u16(m.MappedPort)
	e.addr(m.PIPMin)
	e.addr(m.PIPMax)
}

// DomainVLAN binds a domain to a VLAN; a zero VLAN clears the binding.
type DomainVLAN struct {
	Service string
	Domain  uint32
	VLAN    uint16
}

func (m DomainVLAN) Kind() Kind { return KindSetDomainVLAN }

func (m DomainVLAN) encode(e *encoder) {
	e.name(m.Service)
	e.u32(m.Domain)
	e.u16(m.VLAN)
}

// VNIDSubnet declares or withdraws a legacy subnet inside a VNID.
type VNIDSubnet struct {
	VNID    uint32
	Subnet  netip.Prefix
	Nexthop netip.Addr
	Shared  bool
	Remove  bool
}

func (m VNIDSubnet) Kind() Kind { return KindSetVNIDSubnet }

func (m VNIDSubnet) encode(e *encoder) {
	e.u32(m.VNID)
	e.prefix(m.Subnet)
	e.addr(m.Nexthop)
	e.bool(m.Shared)
	e.bool(m.Remove)
}

// ProgramLocation installs one overlay location candidate.
type ProgramLocation struct {
	// Index is the position of the candidate in the programmed order.
	Index    uint8
	Domain   uint32
	DestVNID uint32
	DestIP   netip.Addr
	DestMAC  [6]byte
	TunnelIP netip.Addr
	SourceIP netip.Addr
	// Self marks a candidate that is one of this node's own addresses.
	Self bool
	Port uint16
	// Header is the encapsulation header template.
	Header []byte
}

func (m ProgramLocation) Kind() Kind { return KindProgramLocation }

func (m ProgramLocation) encode(e *encoder) {
	e.u8(m.Index)
	e.u32(m.Domain)
	e.u32(m.DestVNID)
	e.addr(m.DestIP)
	e.bytes(m.DestMAC[:])
	e.addr(m.TunnelIP)
	e.addr(m.SourceIP)
	e.bool(m.Self)
	e.u16(m.Port)
	e.u8(uint8(len(m.Header)))
	e.bytes(m.Header)
}

// VNIDInfo sets the broadcast flood list of a VNID.
type VNIDInfo struct {
	VNID         uint32
	FloodTunnels []netip.Addr
}

func (m VNIDInfo) Kind() Kind { return KindSetVNIDInfo }

func (m VNIDInfo) encode(e *encoder) {
	e.u32(m.VNID)
	e.u8(uint8(len(m.FloodTunnels)))
	for _, addr := range m.FloodTunnels {
		e.addr(addr)
	}
}

// OverlayPort sets the UDP port of encapsulated traffic.
type OverlayPort struct {
	Port uint16
}

func (m OverlayPort) Kind() Kind { return KindSetOverlayPort }

func (m OverlayPort) encode(e *encoder) {
	e.u16(m.Port)
}

// ServiceType pushes the aggregate type of a service entry.
type ServiceType struct {
	Service string
	Type    uint8
}

func (m ServiceType) Kind() Kind { return KindSetServiceType }

func (m ServiceType) encode(e *encoder) {
	e.name(m.Service)
	e.u8(m.Type)
}

// InvalidatePolicy drops cached locations between two VNIDs.
type InvalidatePolicy struct {
	SrcVNID uint32
	DstVNID uint32
}

func (m InvalidatePolicy) Kind() Kind { return KindInvalidatePolicy }

func (m InvalidatePolicy) encode(e *encoder) {
	e.u32(m.SrcVNID)
	e.u32(m.DstVNID)
}

// ResetStats clears the forwarding counters.
type ResetStats struct{}

func (m ResetStats) Kind() Kind { return KindResetStats }

func (m ResetStats) encode(*encoder) {}
