package main

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dove-platform/dgw/controlplane/internal/api"
	"github.com/dove-platform/dgw/controlplane/internal/registry"
)

// parseRecord decodes "key=value" arguments into T using its YAML field
// names. A single argument without "=" is decoded as a scalar.
func parseRecord[T any](args []string) (T, error) {
	var v T

	if len(args) == 1 && !strings.Contains(args[0], "=") {
		err := (&yaml.Node{Kind: yaml.ScalarNode, Value: args[0]}).Decode(&v)
		return v, err
	}

	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return v, fmt.Errorf("expected key=value, got %q", arg)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: key},
			&yaml.Node{Kind: yaml.ScalarNode, Value: value},
		)
	}

	data, err := yaml.Marshal(node)
	if err != nil {
		return v, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

// recordCmd builds the "add" and "del" subcommands of a per-service record
// collection served by the named API method.
func recordCmd[T any](use string, method string, short string, example string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
	}

	mutate := func(remove bool) func(*cobra.Command, []string) error {
		return func(_ *cobra.Command, args []string) error {
			record, err := parseRecord[T](args[1:])
			if err != nil {
				return fmt.Errorf("invalid %s: %w", use, err)
			}
			req := &api.Mutation[T]{Service: args[0], Record: record, Remove: remove}
			return call(method, req, nil)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:     "add SERVICE FIELD=VALUE...",
			Short:   "Add " + short,
			Example: example,
			Args:    cobra.MinimumNArgs(2),
			RunE:    mutate(false),
		},
		&cobra.Command{
			Use:   "del SERVICE FIELD=VALUE...",
			Short: "Delete " + short,
			Args:  cobra.MinimumNArgs(2),
			RunE:  mutate(true),
		},
	)
	return cmd
}

func init() {
	rootCmd.AddCommand(
		recordCmd[registry.InterfaceIP]("ifip", "InterfaceIP", "an interface address",
			"  dgwctl ifip add web address=203.0.113.1/24 nexthop=203.0.113.254"),
		recordCmd[registry.ExternalVIP]("vip", "ExternalVIP", "an external VIP",
			"  dgwctl vip add web ip=203.0.113.10 port_min=2000 port_max=2100 domain=42"),
		recordCmd[registry.InternalVIP]("ivip", "InternalVIP", "an internal VIP",
			"  dgwctl ivip add web ip=10.42.0.1 port_min=1024 port_max=65535 domain=42"),
		recordCmd[registry.ForwardRule]("rule", "ForwardRule", "a forwarding rule",
			"  dgwctl rule add web domain=42 protocol=6 match_ip=203.0.113.20 match_port=80 mapped_ip=10.42.0.5 mapped_port=8080"),
		recordCmd[registry.DomainVLAN]("vlan", "DomainVLAN", "a domain VLAN mapping",
			"  dgwctl vlan add web domain=42 vlan=100"),
		recordCmd[registry.VNIDSubnet]("subnet", "VNIDSubnet", "a VNID subnet",
			"  dgwctl subnet add web vnid=42 subnet=10.42.0.0/16 mode=shared"),
		recordCmd[registry.ExtMcastVNID]("mcast", "ExtMcastVNID", "an external multicast VNID",
			"  dgwctl mcast add web vnid=42 ip=239.1.1.1 master=true"),
		recordCmd[registry.ExtSharedVNID]("shared", "ExtSharedVNID", "an external shared VNID",
			"  dgwctl shared add web vnid=42 tenant=7"),
		recordCmd[registry.MAC]("mac", "MAC", "a bridge MAC address",
			"  dgwctl mac add web 02:00:00:00:00:01"),
		recordCmd[uint32]("domain", "Domain", "a domain",
			"  dgwctl domain add web 42"),
	)
}
