package main

import (
	"github.com/spf13/cobra"

	"github.com/dove-platform/dgw/controlplane/internal/api"
	"github.com/dove-platform/dgw/controlplane/internal/registry"
)

var serviceArgs struct {
	Type    string
	MTU     uint16
	Enabled bool
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage services",
}

var serviceCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a service and its bridge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := registry.ParseServiceType(serviceArgs.Type)
		if err != nil {
			return err
		}
		return call("CreateService", &api.CreateServiceRequest{Name: args[0], Type: typ}, nil)
	},
}

var serviceDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a service without addresses, VIPs or rules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("DeleteService", &api.ServiceRequest{Name: args[0]}, nil)
	},
}

var serviceSetCmd = &cobra.Command{
	Use:   "set NAME",
	Short: "Set the MTU and the enabled flag of a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &api.SetServiceAttributesRequest{
			Name:    args[0],
			MTU:     serviceArgs.MTU,
			Enabled: serviceArgs.Enabled,
		}
		return call("SetServiceAttributes", req, nil)
	},
}

var serviceListCmd = &cobra.Command{
	Use:   "list [PATTERN]",
	Short: "List services whose names match the glob pattern",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &api.ListServicesRequest{}
		if len(args) == 1 {
			req.Pattern = args[0]
		}
		return call("ListServices", req, &api.ListServicesResponse{})
	},
}

var serviceShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Show a service with all its records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("ShowService", &api.ServiceRequest{Name: args[0]}, &registry.View{})
	},
}

func init() {
	serviceCreateCmd.Flags().StringVarP(&serviceArgs.Type, "type", "t", "none", "Service type: none, external, vlan or extvlan")
	serviceSetCmd.Flags().Uint16Var(&serviceArgs.MTU, "mtu", 0, "Bridge MTU, zero keeps the current one")
	serviceSetCmd.Flags().BoolVar(&serviceArgs.Enabled, "enabled", true, "Whether the service forwards traffic")

	serviceCmd.AddCommand(
		serviceCreateCmd,
		serviceDeleteCmd,
		serviceSetCmd,
		serviceListCmd,
		serviceShowCmd,
	)
	rootCmd.AddCommand(serviceCmd)
}
