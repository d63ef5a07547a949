package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/angelfreak/peerlink/pkg/binding"
	"github.com/angelfreak/peerlink/pkg/capability"
	"github.com/angelfreak/peerlink/pkg/channel"
	"github.com/angelfreak/peerlink/pkg/config"
	"github.com/angelfreak/peerlink/pkg/dhcpclient"
	"github.com/angelfreak/peerlink/pkg/dispatcher"
	"github.com/angelfreak/peerlink/pkg/metrics"
	"github.com/angelfreak/peerlink/pkg/platform"
	"github.com/angelfreak/peerlink/pkg/reachability"
	"github.com/angelfreak/peerlink/pkg/session"
	"github.com/angelfreak/peerlink/pkg/system"
	"github.com/angelfreak/peerlink/pkg/types"
	"github.com/angelfreak/peerlink/pkg/wifi"
)

var (
	configPath string
	iface      string
	debug      bool

	cfgManager  *config.Manager
	cfg         *types.Config
	sysExecutor types.SystemExecutor
	logger      types.Logger

	plat        *platform.Platform
	prober      *capability.Prober
	requester   *wifi.Requester
	sessionMgr  *session.Manager
	dispatch    *dispatcher.Dispatcher
	broadcaster *channel.Broadcaster
	peerMetrics *metrics.Metrics
	events      chan types.SessionEvent
)

// errReported marks errors the App already printed
var errReported = errors.New("reported")

// ensureRoot re-executes the program with sudo if not running as root.
func ensureRoot() {
	if os.Geteuid() == 0 || !needsRoot(os.Args[1:]) {
		return
	}

	executable, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot determine executable path: %v\n", err)
		os.Exit(1)
	}
	args := append([]string{executable}, os.Args[1:]...)

	sudoPath, err := exec.LookPath("sudo")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: sudo not found: %v\n", err)
		os.Exit(1)
	}

	// Replace current process with sudo
	err = syscall.Exec(sudoPath, append([]string{"sudo"}, args...), os.Environ())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to execute sudo: %v\n", err)
		os.Exit(1)
	}
}

// Commands that never touch the network
var rootlessCommands = map[string]bool{
	"help":       true,
	"completion": true,
	"call":       true,
	"status":     true,
	"__complete": true,
}

// Root flags whose value may follow as a separate argument
var rootValueFlags = map[string]bool{
	"--config": true,
	"--iface":  true,
}

// needsRoot reports whether the subcommand named in args changes network
// state. Only the subcommand position counts, so "connect status" still
// needs root.
func needsRoot(args []string) bool {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-h" || arg == "--help":
			return false
		case arg == "--":
			return false
		case strings.HasPrefix(arg, "-"):
			if rootValueFlags[arg] {
				i++
			}
		default:
			if rootlessCommands[arg] {
				return false
			}
			// help flags after the subcommand still skip sudo
			for _, rest := range args[i+1:] {
				if rest == "-h" || rest == "--help" {
					return false
				}
				if rest == "--" {
					break
				}
			}
			return true
		}
	}
	// bare "peerlink" only prints usage
	return false
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "peerlink",
		Short: "Connect to a local WiFi peer device and keep traffic on its link",
		Long: `Connects to the access point of a peer device without saving the network,
pins this process's traffic to that link, and checks the device answers HTTP.

Quick Start:
  peerlink connect                 Connect to the peer from ~/.peerlink/config.yaml
  peerlink connect BioStim-AP pass Connect to an SSID directly
  peerlink verify                  Probe the peer over HTTP
  peerlink status                  Show radio, positioning and permission state
  peerlink serve                   Accept calls over a websocket
  peerlink call isWifiEnabled      Call a running server`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initializeManagers()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Select configuration file (- for none)")
	rootCmd.PersistentFlags().StringVar(&iface, "iface", "", "Select wireless interface")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newConnectCmd())
	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCallCmd())
	rootCmd.AddCommand(newCompletionCmd())
	return rootCmd
}

func main() {
	ensureRoot()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	shutdown()

	if err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func initializeManagers() {
	logger = system.NewLogger(debug)
	sysExecutor = system.NewExecutor(logger, debug)
	cfgManager = config.NewManager(logger)

	loaded, err := cfgManager.LoadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		loaded, _ = cfgManager.LoadConfig("-")
	}
	cfg = loaded

	// re-create with the configured level and file sink
	logger = system.NewLoggerWithConfig(cfg.Log, debug)
	sysExecutor = system.NewExecutor(logger, debug)

	if iface == "" {
		iface = cfg.Interface
	}
	if iface == "" {
		iface = findDefaultInterface()
	}
}

// initializeStack builds the connection stack for commands that use it
func initializeStack() error {
	if os.Geteuid() == 0 {
		if err := os.MkdirAll(types.RuntimeDir, 0700); err != nil {
			return errors.Wrapf(err, "failed to create runtime directory %s", types.RuntimeDir)
		}
	}

	var err error
	plat, err = platform.Detect(cfg.Platform.Version, logger)
	if err != nil {
		return err
	}

	peerMetrics = metrics.New()
	prober = capability.NewProber(capability.NewSystemSource(sysExecutor), logger)
	binder := binding.NewBinder(plat.Supports(platform.FeatureProcessBinding), logger)

	dhcpClient := dhcpclient.NewManager(sysExecutor, logger, cfg.Timeouts.GetDHCPTimeout())
	requester, err = wifi.NewRequester(sysExecutor, logger, dhcpClient, wifi.Options{
		Interface:          iface,
		LocalAddr:          cfg.Peer.LocalAddr,
		Hostname:           cfg.Peer.Hostname,
		AssociationTimeout: cfg.Timeouts.GetAssociationTimeout(),
	})
	if err != nil {
		return err
	}

	events = make(chan types.SessionEvent, 16)
	broadcaster = channel.NewBroadcaster(logger)
	sink := multiSink{broadcaster, chanSink(events)}

	sessionMgr = session.NewManager(requester, binder, sink, logger, peerMetrics)
	checker := reachability.NewChecker(binder, logger, peerMetrics)
	dispatch = dispatcher.New(prober, sessionMgr, checker, plat.Version, logger,
		dispatcher.WithPeerAddress(cfg.Peer.GetAddress()),
		dispatcher.WithTimeouts(cfg.Timeouts.GetConnectTimeout(), cfg.Timeouts.GetVerifyTimeout()))
	return nil
}

// shutdown releases whatever initializeStack built
func shutdown() {
	if sessionMgr != nil {
		if err := sessionMgr.Close(); err != nil {
			logger.Warn("Failed to close session", "error", err)
		}
	}
	if requester != nil {
		_ = requester.Close()
	}
	if broadcaster != nil {
		broadcaster.Close()
	}
	if l, ok := logger.(*system.Logger); ok {
		_ = l.Sync()
	}
}

// createApp creates an App instance from the global managers for testable execution.
func createApp() *App {
	app := &App{
		Logger:    logger,
		Config:    cfg,
		Interface: iface,
		Debug:     debug,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}
	// typed nils must not leak into the interface fields
	if dispatch != nil {
		app.Commands = dispatch
		app.Prober = prober
		app.Session = sessionMgr
		app.Platform = plat
		app.Events = events
		app.Broadcaster = broadcaster
		app.Metrics = peerMetrics
	}
	return app
}

func requireStack(cmd *cobra.Command, args []string) error {
	return initializeStack()
}

func findDefaultInterface() string {
	// Try to find first wireless interface
	output, err := sysExecutor.Execute("iw", "dev")
	if err == nil {
		for _, line := range strings.Split(output, "\n") {
			if strings.Contains(line, "Interface ") {
				parts := strings.Fields(line)
				if len(parts) >= 2 {
					logger.Debug("Found wireless interface", "interface", parts[1])
					return parts[1]
				}
			}
		}
	}

	logger.Debug("No wireless interface found, using fallback", "interface", "wlan0")
	return "wlan0"
}
