// Package node holds the process-wide gateway settings shared by every
// subsystem: overlay addressing, management addresses and the enabled flag.
package node

import (
	"net/netip"
	"sync"

	"go.uber.org/zap"
)

// DefaultOverlayPort is the IANA VXLAN port.
const DefaultOverlayPort uint16 = 4789

// DefaultSharedDomain is the domain marker that selects shared address space
// lookups.
const DefaultSharedDomain uint32 = 0xffffff

// Config is the static part of the node settings.
type Config struct {
	// OverlayIP is the local "dove-net" tunnel endpoint address.
	//
	// When unset, egress source addresses are looked up in the OS routing
	// table and tunnel registration is postponed.
	OverlayIP netip.Addr `yaml:"overlay_ip"`
	// DMCIP is the management console address.
	DMCIP netip.Addr `yaml:"dmc_ip"`
	// OverlayPort is the UDP destination port of encapsulated traffic.
	OverlayPort uint16 `yaml:"overlay_port"`
	// SharedDomain is the reserved domain that marks shared address space.
	SharedDomain uint32 `yaml:"shared_domain"`
	// Enabled is the initial value of the global service flag.
	Enabled bool `yaml:"enabled"`
}

func DefaultConfig() *Config {
	return &Config{
		OverlayPort:  DefaultOverlayPort,
		SharedDomain: DefaultSharedDomain,
		Enabled:      true,
	}
}

// Node is the gateway context.
//
// It is constructed once at startup and handed to the registry, the tunnel
// manager, the DPS client and the HA supervisor.
type Node struct {
	mu           sync.RWMutex
	overlayIP    netip.Addr
	dmcIP        netip.Addr
	overlayPort  uint16
	sharedDomain uint32
	enabled      bool
	level        *zap.AtomicLevel
}

// New creates a gateway context from the static config.
func New(cfg *Config, level *zap.AtomicLevel) *Node {
	port := cfg.OverlayPort
	if port == 0 {
		port = DefaultOverlayPort
	}

	return &Node{
		overlayIP:    cfg.OverlayIP,
		dmcIP:        cfg.DMCIP,
		overlayPort:  port,
		sharedDomain: cfg.SharedDomain,
		enabled:      cfg.Enabled,
		level:        level,
	}
}

// OverlayIP returns the configured overlay address, which may be invalid.
func (m *Node) OverlayIP() netip.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overlayIP
}

// SetOverlayIP updates the overlay address and reports whether it changed.
func (m *Node) SetOverlayIP(addr netip.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := m.overlayIP != addr
	m.overlayIP = addr
	return changed
}

func (m *Node) DMCIP() netip.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dmcIP
}

func (m *Node) SetDMCIP(addr netip.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dmcIP = addr
}

func (m *Node) OverlayPort() uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overlayPort
}

func (m *Node) SetOverlayPort(port uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overlayPort = port
}

// SharedDomain returns the reserved shared domain marker.
func (m *Node) SharedDomain() uint32 {
	return m.sharedDomain
}

func (m *Node) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

func (m *Node) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

// LogLevel returns the runtime-adjustable log level, or nil when the level
// is fixed.
func (m *Node) LogLevel() *zap.AtomicLevel {
	return m.level
}
