package registry

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/dove-platform/dgw/common/go/xerror"
	"github.com/dove-platform/dgw/common/go/xnetip"
)

// InvalidDomain marks a free slot in domain-keyed collections.
const InvalidDomain uint32 = 0xffffffff

// MaxVLAN is the highest usable 802.1Q VLAN ID.
const MaxVLAN = 4094

// ServiceType is the aggregate role of a bridge.
//
// External and Vlan are independent bits, ExtVlan is both.
type ServiceType uint8

const (
	TypeNone     ServiceType = 0
	TypeExternal ServiceType = 1 << 0
	TypeVlan     ServiceType = 1 << 1
	TypeExtVlan  ServiceType = TypeExternal | TypeVlan
)

var serviceTypeNames = map[ServiceType]string{
	TypeNone:     "none",
	TypeExternal: "external",
	TypeVlan:     "vlan",
	TypeExtVlan:  "extvlan",
}

func (m ServiceType) String() string {
	if name, ok := serviceTypeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint8(m))
}

// ParseServiceType parses the textual form of a service type.
func ParseServiceType(s string) (ServiceType, error) {
	for t, name := range serviceTypeNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return TypeNone, fmt.Errorf("%w: unknown service type %q", xerror.ErrConfiguration, s)
}

func (m ServiceType) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *ServiceType) UnmarshalText(text []byte) error {
	t, err := ParseServiceType(string(text))
	if err != nil {
		return err
	}
	*m = t
	return nil
}

// MAC is an EUI-48 hardware address usable as a map key.
type MAC [6]byte

// ParseMAC parses a colon separated EUI-48 address.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, err
	}
	if len(hw) != 6 {
		return MAC{}, fmt.Errorf("unsupported MAC address %q: must be EUI-48", s)
	}
	var mac MAC
	copy(mac[:], hw)
	return mac, nil
}

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

func (m MAC) IsZero() bool {
	return m == MAC{}
}

func (m MAC) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *MAC) UnmarshalText(text []byte) error {
	v, err := ParseMAC(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (m MAC) sameKey(other MAC) bool { return m == other }

func (m MAC) validate() error {
	if m.IsZero() {
		return fmt.Errorf("%w: zero MAC address", xerror.ErrConfiguration)
	}
	return nil
}

// domainID is a slot in the domain list.
type domainID uint32

func (m domainID) sameKey(other domainID) bool { return m == other }

func (m domainID) validate() error {
	if uint32(m) == InvalidDomain {
		return fmt.Errorf("%w: reserved domain id", xerror.ErrConfiguration)
	}
	return nil
}

// DomainVLAN maps an overlay domain to a VLAN on the bridge.
type DomainVLAN struct {
	Domain uint32 `yaml:"domain" json:"domain"`
	VLAN   uint16 `yaml:"vlan" json:"vlan"`
}

func (m DomainVLAN) sameKey(other DomainVLAN) bool { return m.Domain == other.Domain }

func (m DomainVLAN) validate() error {
	if m.Domain == InvalidDomain {
		return fmt.Errorf("%w: reserved domain id", xerror.ErrConfiguration)
	}
	if m.VLAN == 0 || m.VLAN > MaxVLAN {
		return fmt.Errorf("%w: VLAN %d out of range", xerror.ErrConfiguration, m.VLAN)
	}
	return nil
}

// InterfaceIP is an address configured on the bridge.
type InterfaceIP struct {
	// Address carries the interface address and its mask length.
	Address netip.Prefix `yaml:"address" json:"address"`
	Nexthop netip.Addr   `yaml:"nexthop" json:"nexthop,omitzero"`
	// VLAN is the optional tag of the sub-interface holding the address.
	VLAN uint16 `yaml:"vlan,omitempty" json:"vlan,omitempty"`
}

func (m InterfaceIP) sameKey(other InterfaceIP) bool { return m.Address.Addr() == other.Address.Addr() }

func (m InterfaceIP) validate() error {
	if !m.Address.IsValid() || !m.Address.Addr().Is4() {
		return fmt.Errorf("%w: interface address must be IPv4 with a mask", xerror.ErrConfiguration)
	}
	if m.Nexthop.IsValid() && !m.Nexthop.Is4() {
		return fmt.Errorf("%w: nexthop must be IPv4", xerror.ErrConfiguration)
	}
	if m.VLAN > MaxVLAN {
		return fmt.Errorf("%w: VLAN %d out of range", xerror.ErrConfiguration, m.VLAN)
	}
	return nil
}

// ExternalVIP is a public address and port range mapped into a domain.
type ExternalVIP struct {
	IP       netip.Addr `yaml:"ip" json:"ip"`
	PortMin  uint16     `yaml:"port_min" json:"port_min"`
	PortMax  uint16     `yaml:"port_max" json:"port_max"`
	Domain   uint32     `yaml:"domain" json:"domain"`
	TenantID uint32     `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty"`
	// ExtMcastVNID is optional, zero means unset.
	ExtMcastVNID uint32 `yaml:"ext_mcast_vnid,omitempty" json:"ext_mcast_vnid,omitempty"`
}

func (m ExternalVIP) sameKey(other ExternalVIP) bool {
	return m.IP == other.IP && m.PortMin == other.PortMin && m.PortMax == other.PortMax
}

func (m ExternalVIP) validate() error {
	if !m.IP.Is4() {
		return fmt.Errorf("%w: external VIP must be IPv4", xerror.ErrConfiguration)
	}
	if m.PortMin > m.PortMax {
		return fmt.Errorf("%w: port range %d-%d is inverted", xerror.ErrConfiguration, m.PortMin, m.PortMax)
	}
	if m.Domain == InvalidDomain {
		return fmt.Errorf("%w: reserved domain id", xerror.ErrConfiguration)
	}
	return nil
}

// InternalVIP is an overlay-facing address and port range.
type InternalVIP struct {
	IP      netip.Addr `yaml:"ip" json:"ip"`
	PortMin uint16     `yaml:"port_min" json:"port_min"`
	PortMax uint16     `yaml:"port_max" json:"port_max"`
	Domain  uint32     `yaml:"domain" json:"domain"`
}

func (m InternalVIP) sameKey(other InternalVIP) bool {
	return m.IP == other.IP && m.PortMin == other.PortMin && m.PortMax == other.PortMax
}

func (m InternalVIP) validate() error {
	if !m.IP.Is4() {
		return fmt.Errorf("%w: internal VIP must be IPv4", xerror.ErrConfiguration)
	}
	if m.PortMin > m.PortMax {
		return fmt.Errorf("%w: port range %d-%d is inverted", xerror.ErrConfiguration, m.PortMin, m.PortMax)
	}
	return nil
}

// ForwardRule maps a public address/port/protocol to an overlay endpoint,
// translating the source into the PIP pool.
type ForwardRule struct {
	Domain     uint32     `yaml:"domain" json:"domain"`
	Protocol   uint8      `yaml:"protocol" json:"protocol"`
	MatchIP    netip.Addr `yaml:"match_ip" json:"match_ip"`
	MatchPort  uint16     `yaml:"match_port" json:"match_port"`
	MappedIP   netip.Addr `yaml:"mapped_ip" json:"mapped_ip"`
	MappedPort uint16     `yaml:"mapped_port" json:"mapped_port"`
	PIPMin     netip.Addr `yaml:"pip_min" json:"pip_min,omitzero"`
	PIPMax     netip.Addr `yaml:"pip_max" json:"pip_max,omitzero"`
}

func (m ForwardRule) sameKey(other ForwardRule) bool {
	return m.Protocol == other.Protocol && m.MatchIP == other.MatchIP && m.MatchPort == other.MatchPort
}

func (m ForwardRule) validate() error {
	if !m.MatchIP.Is4() || !m.MappedIP.Is4() {
		return fmt.Errorf("%w: forwarding rule addresses must be IPv4", xerror.ErrConfiguration)
	}
	if m.PIPMin.IsValid() != m.PIPMax.IsValid() {
		return fmt.Errorf("%w: PIP pool needs both bounds", xerror.ErrConfiguration)
	}
	if m.PIPMin.IsValid() && m.PIPMax.Less(m.PIPMin) {
		return fmt.Errorf("%w: PIP pool %s-%s is inverted", xerror.ErrConfiguration, m.PIPMin, m.PIPMax)
	}
	return nil
}

// SubnetMode tells whether a VNID subnet is private to its VNID or part of
// the shared address space.
type SubnetMode uint8

const (
	SubnetDedicated SubnetMode = iota
	SubnetShared
)

func (m SubnetMode) String() string {
	if m == SubnetShared {
		return "shared"
	}
	return "dedicated"
}

func (m SubnetMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *SubnetMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "dedicated", "":
		*m = SubnetDedicated
	case "shared":
		*m = SubnetShared
	default:
		return fmt.Errorf("%w: unknown subnet mode %q", xerror.ErrConfiguration, text)
	}
	return nil
}

// VNIDSubnet declares a legacy subnet reachable through this gateway.
type VNIDSubnet struct {
	VNID    uint32       `yaml:"vnid" json:"vnid"`
	Subnet  netip.Prefix `yaml:"subnet" json:"subnet"`
	Nexthop netip.Addr   `yaml:"nexthop" json:"nexthop,omitzero"`
	Mode    SubnetMode   `yaml:"mode" json:"mode"`
}

func (m VNIDSubnet) sameKey(other VNIDSubnet) bool {
	return m.VNID == other.VNID && m.Subnet.Masked() == other.Subnet.Masked()
}

func (m VNIDSubnet) validate() error {
	if m.VNID == 0 {
		return fmt.Errorf("%w: VNID subnet needs a VNID", xerror.ErrConfiguration)
	}
	if !m.Subnet.IsValid() || !m.Subnet.Addr().Is4() {
		return fmt.Errorf("%w: VNID subnet must be an IPv4 prefix", xerror.ErrConfiguration)
	}
	return nil
}

// Network returns the subnet with host bits cleared.
func (m VNIDSubnet) Network() netip.Prefix {
	return m.Subnet.Masked()
}

// ExtMcastVNID is an external multicast VNID bound to a group address.
type ExtMcastVNID struct {
	VNID   uint32     `yaml:"vnid" json:"vnid"`
	IP     netip.Addr `yaml:"ip" json:"ip"`
	Master bool       `yaml:"master,omitempty" json:"master,omitempty"`
}

func (m ExtMcastVNID) sameKey(other ExtMcastVNID) bool {
	return m.VNID == other.VNID && m.IP == other.IP
}

func (m ExtMcastVNID) validate() error {
	if m.VNID == 0 {
		return fmt.Errorf("%w: multicast VNID must be set", xerror.ErrConfiguration)
	}
	if !m.IP.Is4() || !m.IP.IsMulticast() {
		return fmt.Errorf("%w: %s is not an IPv4 multicast group", xerror.ErrConfiguration, m.IP)
	}
	return nil
}

// ExtSharedVNID lets a tenant reach the shared address space through a VNID.
type ExtSharedVNID struct {
	VNID      uint32 `yaml:"vnid" json:"vnid"`
	Tenant    uint32 `yaml:"tenant" json:"tenant"`
	McastVNID uint32 `yaml:"mcast_vnid,omitempty" json:"mcast_vnid,omitempty"`
}

func (m ExtSharedVNID) sameKey(other ExtSharedVNID) bool {
	return m.VNID == other.VNID && m.Tenant == other.Tenant
}

func (m ExtSharedVNID) validate() error {
	if m.VNID == 0 {
		return fmt.Errorf("%w: shared VNID must be set", xerror.ErrConfiguration)
	}
	return nil
}

// covers reports whether addr lies in the network of the interface address.
func (m InterfaceIP) covers(addr netip.Addr) bool {
	return m.Address.Masked().Contains(addr)
}

func (m InterfaceIP) coversRange(first, last netip.Addr) bool {
	return xnetip.RangeWithin(m.Address, first, last)
}
