package main

import (
	"fmt"
	"net/netip"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dove-platform/dgw/controlplane/internal/api"
	"github.com/dove-platform/dgw/controlplane/internal/control"
	"github.com/dove-platform/dgw/controlplane/internal/dps"
)

// addrCmd builds a command setting a node address through method. The
// "none" argument clears the address.
func addrCmd(use string, method string, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " IP|none",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ip netip.Addr
			if args[0] != "none" {
				var err error
				if ip, err = netip.ParseAddr(args[0]); err != nil {
					return err
				}
			}
			return call(method, &api.AddrRequest{IP: ip}, nil)
		},
	}
}

var overlayPortCmd = &cobra.Command{
	Use:   "overlay-port PORT",
	Short: "Set the UDP port of encapsulated traffic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", args[0], err)
		}
		return call("SetOverlayPort", &api.OverlayPortRequest{Port: uint16(port)}, nil)
	},
}

var dpsServerCmd = &cobra.Command{
	Use:   "dps-server ADDR:PORT",
	Short: "Point the gateway at another policy server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := netip.ParseAddrPort(args[0])
		if err != nil {
			return err
		}
		return call("SetDPSServer", &api.DPSServerRequest{Addr: addr}, nil)
	},
}

var enabledCmd = &cobra.Command{
	Use:   "enabled true|false",
	Short: "Enable or disable the gateway",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		enabled, err := strconv.ParseBool(args[0])
		if err != nil {
			return err
		}
		return call("SetEnabled", &api.EnabledRequest{Enabled: enabled}, nil)
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve DOMAIN IP",
	Short: "Ask the policy service for the location of an endpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		domain, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid domain %q: %w", args[0], err)
		}
		ip, err := netip.ParseAddr(args[1])
		if err != nil {
			return err
		}
		return call("Resolve", &api.ResolveRequest{Domain: uint32(domain), IP: ip}, nil)
	},
}

var broadcastListCmd = &cobra.Command{
	Use:   "broadcast-list VNID",
	Short: "Request the flood list of a VNID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vnid, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid VNID %q: %w", args[0], err)
		}
		return call("RequestBroadcastList", &api.VNIDRequest{VNID: uint32(vnid)}, nil)
	},
}

var gatewayListCmd = &cobra.Command{
	Use:   "gateway-list VNID external|vlan",
	Short: "Request the gateways of a VNID; results appear in status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vnid, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid VNID %q: %w", args[0], err)
		}
		role, err := dps.ParseRole(args[1])
		if err != nil {
			return err
		}
		return call("RequestGatewayList", &api.VNIDRequest{VNID: uint32(vnid), Role: role}, nil)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the gateway state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("Status", &api.Empty{}, &control.Status{})
	},
}

var logLevelCmd = &cobra.Command{
	Use:   "log-level LEVEL",
	Short: "Change the logging level (debug, info, warn, error)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("UpdateLogLevel", &api.LogLevelRequest{Level: args[0]}, nil)
	},
}

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save the runtime configuration into the snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("Save", &api.Empty{}, nil)
	},
}

var resetStatsCmd = &cobra.Command{
	Use:   "reset-stats",
	Short: "Clear the data plane counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("ResetStats", &api.Empty{}, nil)
	},
}

var serverVersionCmd = &cobra.Command{
	Use:   "server-version",
	Short: "Show the version of the running gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("Version", &api.Empty{}, &api.VersionResponse{})
	},
}

func init() {
	rootCmd.AddCommand(
		addrCmd("overlay", "SetOverlayIP", "Set the overlay tunnel endpoint address"),
		addrCmd("dmc", "SetDMCIP", "Set the management console address"),
		addrCmd("peer", "SetPeer", "Set the HA peer address"),
		overlayPortCmd,
		dpsServerCmd,
		enabledCmd,
		resolveCmd,
		broadcastListCmd,
		gatewayListCmd,
		statusCmd,
		logLevelCmd,
		saveCmd,
		resetStatsCmd,
		serverVersionCmd,
	)
}
