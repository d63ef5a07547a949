package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/angelfreak/peerlink/pkg/config"
)

func newConnectCmd() *cobra.Command {
	var (
		bssid   string
		hidden  bool
		timeout time.Duration
		verify  bool
		once    bool
	)

	cmd := &cobra.Command{
		Use:   "connect [ssid] [password]",
		Short: "Connect to the peer's access point",
		Long: `Connect to the peer's access point without saving the network.

Without arguments the peer section of ~/.peerlink/config.yaml is used.
A password selects WPA2, no password an open network. The connection is
held until Ctrl+C or until the link drops, and torn down on exit.

Examples:
  peerlink connect                         Use the configured peer
  peerlink connect BioStim-AP password123  Connect to a WPA2 network
  peerlink connect BioStim-AP --verify     Connect and probe the peer
  peerlink connect --once --verify         Check the peer and disconnect`,
		Args:    cobra.RangeArgs(0, 2),
		PreRunE: requireStack,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := ConnectOptions{
				BSSID:   bssid,
				Hidden:  hidden,
				Timeout: timeout,
				Verify:  verify,
				Hold:    !once,
			}
			if len(args) > 0 {
				opts.SSID = args[0]
			}
			if len(args) > 1 {
				password := args[1]
				opts.Password = &password
			}
			return createApp().RunConnect(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&bssid, "bssid", "", "Pin the access point (XX:XX:XX:XX:XX:XX)")
	cmd.Flags().BoolVar(&hidden, "hidden", false, "The network does not broadcast its SSID")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait for the network (default from config, 25s)")
	cmd.Flags().BoolVar(&verify, "verify", false, "Probe the peer over HTTP once connected")
	cmd.Flags().BoolVar(&once, "once", false, "Disconnect right after connecting")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "verify [address]",
		Short: "Check that the peer answers HTTP",
		Long: `Send one HTTP GET to the peer. Any HTTP status counts as reachable.

Examples:
  peerlink verify                 Probe the configured peer (default 192.168.4.2)
  peerlink verify 192.168.4.1:80  Probe another address`,
		Args:    cobra.MaximumNArgs(1),
		PreRunE: requireStack,
		RunE: func(cmd *cobra.Command, args []string) error {
			address := ""
			if len(args) > 0 {
				address = args[0]
			}
			return createApp().RunVerify(cmd.Context(), address, timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Probe timeout (default from config, 5s)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show radio, positioning, permission and platform state",
		Args:    cobra.NoArgs,
		PreRunE: requireStack,
		RunE: func(cmd *cobra.Command, args []string) error {
			return createApp().RunStatus()
		},
	}
}

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept calls over a websocket and publish session events",
		Long: `Run the command channel. Clients send {"id", "method", "args"} frames to /ws
and receive replies plus session events. Prometheus metrics are at /metrics.

Methods: connect, disconnect, verifyReachability, isWifiEnabled, isLocationEnabled`,
		Args:    cobra.NoArgs,
		PreRunE: requireStack,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" {
				listen = cfg.Server.Listen
			}
			if listen == "" {
				listen = config.DefaultListen
			}
			return createApp().RunServe(cmd.Context(), listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from config, "+config.DefaultListen+")")
	return cmd
}

func newCallCmd() *cobra.Command {
	var (
		server  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <method> [json-args]",
		Short: "Call a method on a running server",
		Long: `Send one call to a running "peerlink serve" and print the reply.

Examples:
  peerlink call isWifiEnabled
  peerlink call connect '{"ssid":"BioStim-AP","password":"password123"}'
  peerlink call verifyReachability '{"ipAddress":"192.168.4.2","timeoutMs":3000}'`,
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{"connect", "disconnect", "verifyReachability", "isWifiEnabled", "isLocationEnabled"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				listen := cfg.Server.Listen
				if listen == "" {
					listen = config.DefaultListen
				}
				server = "ws://" + listen + "/ws"
			}
			rawArgs := ""
			if len(args) > 1 {
				rawArgs = args[1]
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return createApp().RunCall(ctx, server, args[0], rawArgs)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "Server websocket URL (default ws://<server.listen>/ws)")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "Give up waiting for the reply after this long")
	return cmd
}
