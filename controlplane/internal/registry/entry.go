package registry

import (
	"sync"
)

// Entry is the per-bridge state.
//
// Accessors are only valid while the entry lock is held, that is between a
// successful Get/TryGet and Release, or inside an Update callback.
type Entry struct {
	mu sync.Mutex

	name    string
	slot    int
	typ     ServiceType
	mtu     uint16
	enabled bool

	domains     slots[domainID]
	domainVLANs slots[DomainVLAN]
	macs        slots[MAC]
	ifIPs       slots[InterfaceIP]
	extVIPs     slots[ExternalVIP]
	intVIPs     slots[InternalVIP]
	fwdRules    slots[ForwardRule]
	vnidSubnets slots[VNIDSubnet]
	extMcast    slots[ExtMcastVNID]
	extShared   slots[ExtSharedVNID]
}

func newEntry(name string, slot int, typ ServiceType, limits *Limits) *Entry {
	return &Entry{
		name:        name,
		slot:        slot,
		typ:         typ,
		enabled:     true,
		domains:     newSlots(limits.Domains, domainID(InvalidDomain)),
		domainVLANs: newSlots(limits.DomainVLANs, DomainVLAN{Domain: InvalidDomain}),
		macs:        newSlots(limits.MACs, MAC{}),
		ifIPs:       newSlots(limits.InterfaceIPs, InterfaceIP{}),
		extVIPs:     newSlots(limits.ExternalVIPs, ExternalVIP{}),
		intVIPs:     newSlots(limits.InternalVIPs, InternalVIP{}),
		fwdRules:    newSlots(limits.ForwardRules, ForwardRule{}),
		vnidSubnets: newSlots(limits.VNIDSubnets, VNIDSubnet{}),
		extMcast:    newSlots(limits.ExtMcastVNIDs, ExtMcastVNID{}),
		extShared:   newSlots(limits.ExtSharedVNIDs, ExtSharedVNID{}),
	}
}

// Release unlocks an entry obtained with Get or TryGet.
func (m *Entry) Release() {
	m.mu.Unlock()
}

func (m *Entry) Name() string {
	return m.name
}

// Slot returns the position of the entry in the service table.
func (m *Entry) Slot() int {
	return m.slot
}

func (m *Entry) Type() ServiceType {
	return m.typ
}

// SetType caches the aggregate type. Pushing it to the data plane is up to
// the caller.
func (m *Entry) SetType(typ ServiceType) {
	m.typ = typ
}

func (m *Entry) MTU() uint16 {
	return m.mtu
}

func (m *Entry) Enabled() bool {
	return m.enabled
}

func (m *Entry) Domains() []uint32 {
	ids := m.domains.values()
	out := make([]uint32, 0, len(ids))
	for _, id := range ids {
		out = append(out, uint32(id))
	}
	return out
}

func (m *Entry) DomainVLANs() []DomainVLAN {
	return m.domainVLANs.values()
}

// VLANOf returns the VLAN mapped to the domain.
func (m *Entry) VLANOf(domain uint32) (uint16, bool) {
	v, ok := m.domainVLANs.find(func(v DomainVLAN) bool { return v.Domain == domain })
	return v.VLAN, ok
}

func (m *Entry) MACs() []MAC {
	return m.macs.values()
}

func (m *Entry) InterfaceIPs() []InterfaceIP {
	return m.ifIPs.values()
}

func (m *Entry) ExternalVIPs() []ExternalVIP {
	return m.extVIPs.values()
}

func (m *Entry) InternalVIPs() []InternalVIP {
	return m.intVIPs.values()
}

func (m *Entry) ForwardRules() []ForwardRule {
	return m.fwdRules.values()
}

func (m *Entry) VNIDSubnets() []VNIDSubnet {
	return m.vnidSubnets.values()
}

func (m *Entry) ExtMcastVNIDs() []ExtMcastVNID {
	return m.extMcast.values()
}

func (m *Entry) ExtSharedVNIDs() []ExtSharedVNID {
	return m.extShared.values()
}

// HasExternalRefs reports whether the entry holds anything that makes it an
// external gateway.
func (m *Entry) HasExternalRefs() bool {
	return m.extVIPs.len() > 0 || m.extShared.len() > 0
}

// HasVLANRefs reports whether the entry maps any domain to a VLAN.
func (m *Entry) HasVLANRefs() bool {
	return m.domainVLANs.len() > 0
}

// View is a detached copy of an entry.
type View struct {
	Name           string          `yaml:"name" json:"name"`
	Type           ServiceType     `yaml:"type" json:"type"`
	MTU            uint16          `yaml:"mtu,omitempty" json:"mtu,omitempty"`
	Enabled        bool            `yaml:"enabled" json:"enabled"`
	Domains        []uint32        `yaml:"domains,omitempty" json:"domains,omitempty"`
	DomainVLANs    []DomainVLAN    `yaml:"domain_vlans,omitempty" json:"domain_vlans,omitempty"`
	MACs           []MAC           `yaml:"macs,omitempty" json:"macs,omitempty"`
	InterfaceIPs   []InterfaceIP   `yaml:"interface_ips,omitempty" json:"interface_ips,omitempty"`
	ExternalVIPs   []ExternalVIP   `yaml:"external_vips,omitempty" json:"external_vips,omitempty"`
	InternalVIPs   []InternalVIP   `yaml:"internal_vips,omitempty" json:"internal_vips,omitempty"`
	ForwardRules   []ForwardRule   `yaml:"forward_rules,omitempty" json:"forward_rules,omitempty"`
	VNIDSubnets    []VNIDSubnet    `yaml:"vnid_subnets,omitempty" json:"vnid_subnets,omitempty"`
	ExtMcastVNIDs  []ExtMcastVNID  `yaml:"ext_mcast_vnids,omitempty" json:"ext_mcast_vnids,omitempty"`
	ExtSharedVNIDs []ExtSharedVNID `yaml:"ext_shared_vnids,omitempty" json:"ext_shared_vnids,omitempty"`
}

func (m *Entry) View() View {
	return View{
		Name:           m.name,
		Type:           m.typ,
		MTU:            m.mtu,
		Enabled:        m.enabled,
		Domains:        m.Domains(),
		DomainVLANs:    m.DomainVLANs(),
		MACs:           m.MACs(),
		InterfaceIPs:   m.InterfaceIPs(),
		ExternalVIPs:   m.ExternalVIPs(),
		InternalVIPs:   m.InternalVIPs(),
		ForwardRules:   m.ForwardRules(),
		VNIDSubnets:    m.VNIDSubnets(),
		ExtMcastVNIDs:  m.ExtMcastVNIDs(),
		ExtSharedVNIDs: m.ExtSharedVNIDs(),
	}
}

// childless reports whether nothing but domains and MACs is attached.
func (m *Entry) childless() bool {
	return m.ifIPs.len() == 0 &&
		m.extVIPs.len() == 0 &&
		m.intVIPs.len() == 0 &&
		m.fwdRules.len() == 0 &&
		m.domainVLANs.len() == 0 &&
		m.vnidSubnets.len() == 0 &&
		m.extMcast.len() == 0 &&
		m.extShared.len() == 0
}
