package netcfg

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Option configures the netlink configurator.
type Option func(*options)

// WithLog sets the logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// Netlink configures interfaces through the kernel netlink API.
type Netlink struct {
	cfg Config
	log *zap.SugaredLogger
}

// NewNetlink creates a netlink configurator.
func NewNetlink(cfg *Config, options ...Option) *Netlink {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Netlink{
		cfg: *cfg,
		log: opts.Log.Named("netcfg"),
	}
}

func (m *Netlink) CreateBridge(name string, mtu uint16) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if !isNotFound(err) {
			return fmt.Errorf("failed to look up bridge %q: %w", name, err)
		}

		attrs := netlink.NewLinkAttrs()
		attrs.Name = name
		if mtu != 0 {
			attrs.MTU = int(mtu)
		}
		if err := netlink.LinkAdd(&netlink.Bridge{LinkAttrs: attrs}); err != nil {
			return fmt.Errorf("failed to create bridge %q: %w", name, err)
		}
		if link, err = netlink.LinkByName(name); err != nil {
			return fmt.Errorf("failed to look up bridge %q: %w", name, err)
		}
		m.log.Infow("created bridge", zap.String("bridge", name))
	} else if mtu != 0 && link.Attrs().MTU != int(mtu) {
		if err := netlink.LinkSetMTU(link, int(mtu)); err != nil {
			return fmt.Errorf("failed to set MTU of bridge %q: %w", name, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring bridge %q up: %w", name, err)
	}
	return nil
}

func (m *Netlink) DestroyBridge(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to look up bridge %q: %w", name, err)
	}

	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("failed to delete bridge %q: %w", name, err)
	}
	m.log.Infow("destroyed bridge", zap.String("bridge", name))
	return nil
}

func (m *Netlink) AddVLAN(bridge string, vlan uint16) error {
	parent, err := netlink.LinkByName(bridge)
	if err != nil {
		return fmt.Errorf("failed to look up bridge %q: %w", bridge, err)
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = vlanName(parent.Attrs().Index, vlan)
	attrs.ParentIndex = parent.Attrs().Index
	link := &netlink.Vlan{
		LinkAttrs: attrs,
		VlanId:    int(vlan),
	}
	if err := netlink.LinkAdd(link); err != nil && !isExists(err) {
		return fmt.Errorf("failed to create VLAN %d on %q: %w", vlan, bridge, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring %q up: %w", attrs.Name, err)
	}

	m.log.Infow("added VLAN sub-interface",
		zap.String("bridge", bridge),
		zap.Uint16("vlan", vlan),
		zap.String("link", attrs.Name),
	)
	return nil
}

func (m *Netlink) RemoveVLAN(bridge string, vlan uint16) error {
	parent, err := netlink.LinkByName(bridge)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to look up bridge %q: %w", bridge, err)
	}

	name := vlanName(parent.Attrs().Index, vlan)
	link, err := netlink.LinkByName(name)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to look up %q: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("failed to delete %q: %w", name, err)
	}

	m.log.Infow("removed VLAN sub-interface", zap.String("bridge", bridge), zap.Uint16("vlan", vlan))
	return nil
}

func (m *Netlink) AddAlias(bridge string, addr netip.Prefix) error {
	link, err := netlink.LinkByName(bridge)
	if err != nil {
		return fmt.Errorf("failed to look up bridge %q: %w", bridge, err)
	}

	if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: ipNet(addr)}); err != nil && !isExists(err) {
		return fmt.Errorf("failed to add %s to %q: %w", addr, bridge, err)
	}
	m.log.Infow("added address alias", zap.String("bridge", bridge), zap.Stringer("addr", addr))
	return nil
}

func (m *Netlink) RemoveAlias(bridge string, addr netip.Prefix) error {
	link, err := netlink.LinkByName(bridge)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to look up bridge %q: %w", bridge, err)
	}

	if err := netlink.AddrDel(link, &netlink.Addr{IPNet: ipNet(addr)}); err != nil && !isGone(err) {
		return fmt.Errorf("failed to remove %s from %q: %w", addr, bridge, err)
	}
	m.log.Infow("removed address alias", zap.String("bridge", bridge), zap.Stringer("addr", addr))
	return nil
}

func (m *Netlink) AddPolicyRoute(route PolicyRoute) error {
	link, err := netlink.LinkByName(route.Bridge)
	if err != nil {
		return fmt.Errorf("failed to look up bridge %q: %w", route.Bridge, err)
	}

	if err := netlink.RouteReplace(m.route(link, route)); err != nil {
		return fmt.Errorf("failed to add route %s: %w", route, err)
	}
	if err := netlink.RuleAdd(m.rule(route)); err != nil && !isExists(err) {
		return fmt.Errorf("failed to add rule %s: %w", route, err)
	}

	m.log.Infow("added policy route", zap.Stringer("route", route))
	return nil
}

func (m *Netlink) RemovePolicyRoute(route PolicyRoute) error {
	if err := netlink.RuleDel(m.rule(route)); err != nil && !isGone(err) {
		return fmt.Errorf("failed to remove rule %s: %w", route, err)
	}

	link, err := netlink.LinkByName(route.Bridge)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to look up bridge %q: %w", route.Bridge, err)
	}
	if err := netlink.RouteDel(m.route(link, route)); err != nil && !isGone(err) {
		return fmt.Errorf("failed to remove route %s: %w", route, err)
	}

	m.log.Infow("removed policy route", zap.Stringer("route", route))
	return nil
}

func (m *Netlink) SourceFor(dst netip.Addr) (netip.Addr, error) {
	routes, err := netlink.RouteGet(net.IP(dst.AsSlice()))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to get route to %s: %w", dst, err)
	}

	for _, route := range routes {
		if src, ok := netip.AddrFromSlice(route.Src); ok {
			return src.Unmap(), nil
		}
	}
	return netip.Addr{}, fmt.Errorf("no source address towards %s", dst)
}

func (m *Netlink) route(link netlink.Link, route PolicyRoute) *netlink.Route {
	return &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       ipNet(netip.PrefixFrom(netip.IPv4Unspecified(), 0)),
		Gw:        net.IP(route.Nexthop.AsSlice()),
		Table:     route.Table,
	}
}

func (m *Netlink) rule(route PolicyRoute) *netlink.Rule {
	rule := netlink.NewRule()
	rule.Family = unix.AF_INET
	rule.Src = ipNet(netip.PrefixFrom(route.Source, route.Source.BitLen()))
	rule.Table = route.Table
	rule.Priority = m.cfg.RulePriority
	return rule
}

// vlanName names a VLAN sub-interface after its parent index, which keeps
// it within the kernel interface name limit.
func vlanName(parentIndex int, vlan uint16) string {
	return fmt.Sprintf("v%d.%d", parentIndex, vlan)
}

func ipNet(prefix netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   net.IP(prefix.Addr().AsSlice()),
		Mask: net.CIDRMask(prefix.Bits(), prefix.Addr().BitLen()),
	}
}

func isNotFound(err error) bool {
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, unix.ENODEV)
}

func isExists(err error) bool {
	return errors.Is(err, unix.EEXIST)
}

func isGone(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ESRCH) || errors.Is(err, unix.EADDRNOTAVAIL)
}
