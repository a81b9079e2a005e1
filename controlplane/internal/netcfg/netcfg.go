// Package netcfg configures the host network interfaces backing the gateway
// services: one bridge per service, VLAN sub-interfaces, secondary address
// aliases and source policy routes.
package netcfg

import (
	"errors"
	"fmt"
	"net/netip"
)

// PolicyRoute steers traffic sourced from an interface address through its
// nexthop using a dedicated routing table.
type PolicyRoute struct {
	Bridge  string
	Table   int
	Source  netip.Addr
	Nexthop netip.Addr
}

func (m PolicyRoute) String() string {
	return fmt.Sprintf("from %s via %s dev %s table %d", m.Source, m.Nexthop, m.Bridge, m.Table)
}

// Configurator applies interface configuration to the host.
//
// Every call is idempotent: creating what exists or removing what is gone
// succeeds.
type Configurator interface {
	CreateBridge(name string, mtu uint16) error
	DestroyBridge(name string) error
	AddVLAN(bridge string, vlan uint16) error
	RemoveVLAN(bridge string, vlan uint16) error
	AddAlias(bridge string, addr netip.Prefix) error
	RemoveAlias(bridge string, addr netip.Prefix) error
	AddPolicyRoute(route PolicyRoute) error
	RemovePolicyRoute(route PolicyRoute) error
	// SourceFor returns the address the host would use to reach dst.
	SourceFor(dst netip.Addr) (netip.Addr, error)
}

// Config is the host networking configuration.
type Config struct {
	// DryRun replaces host configuration with a no-op.
	DryRun bool `yaml:"dry_run"`
	// TableBase is the first routing table used for policy routes. A
	// service uses the table at TableBase plus its slot.
	TableBase int `yaml:"table_base"`
	// RulePriority is the priority of the source rules.
	RulePriority int `yaml:"rule_priority"`
}

func DefaultConfig() *Config {
	return &Config{
		TableBase:    1000,
		RulePriority: 1000,
	}
}

// Table returns the policy routing table of the service at slot.
func (m *Config) Table(slot int) int {
	return m.TableBase + slot
}

var errNoRoutes = errors.New("host route lookup is disabled")

// Noop accepts every call without touching the host.
type Noop struct{}

func (Noop) CreateBridge(string, uint16) error        { return nil }
func (Noop) DestroyBridge(string) error               { return nil }
func (Noop) AddVLAN(string, uint16) error             { return nil }
func (Noop) RemoveVLAN(string, uint16) error          { return nil }
func (Noop) AddAlias(string, netip.Prefix) error      { return nil }
func (Noop) RemoveAlias(string, netip.Prefix) error   { return nil }
func (Noop) AddPolicyRoute(PolicyRoute) error         { return nil }
func (Noop) RemovePolicyRoute(PolicyRoute) error      { return nil }
func (Noop) SourceFor(netip.Addr) (netip.Addr, error) { return netip.Addr{}, errNoRoutes }
