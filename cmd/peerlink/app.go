package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/angelfreak/peerlink/pkg/channel"
	"github.com/angelfreak/peerlink/pkg/dispatcher"
	"github.com/angelfreak/peerlink/pkg/metrics"
	"github.com/angelfreak/peerlink/pkg/platform"
	"github.com/angelfreak/peerlink/pkg/session"
	"github.com/angelfreak/peerlink/pkg/types"
)

const shutdownTimeout = 5 * time.Second

// Commands is the dispatcher surface the CLI drives
type Commands interface {
	Connect(ctx context.Context, args dispatcher.ConnectArgs) (*dispatcher.ConnectResult, error)
	Disconnect() error
	VerifyReachability(ctx context.Context, args dispatcher.VerifyArgs) (*dispatcher.VerifyResult, error)
	IsWifiEnabled() dispatcher.EnabledResult
	IsLocationEnabled() dispatcher.EnabledResult
	Handle(ctx context.Context, method string, rawArgs []byte) (any, error)
}

// StatusReporter exposes the session snapshot
type StatusReporter interface {
	Status() session.Status
}

// App encapsulates all dependencies for testable CLI operations.
type App struct {
	Logger      types.Logger
	Config      *types.Config
	Commands    Commands
	Prober      dispatcher.Prober
	Session     StatusReporter
	Platform    *platform.Platform
	Events      <-chan types.SessionEvent // session events for this process
	Broadcaster *channel.Broadcaster
	Metrics     *metrics.Metrics

	// Runtime configuration
	Interface string
	Debug     bool

	// Output streams for testability
	Stdout io.Writer
	Stderr io.Writer
}

// ConnectOptions are the connect command inputs after flag parsing
type ConnectOptions struct {
	SSID     string
	Password *string
	BSSID    string
	Hidden   bool
	Timeout  time.Duration
	Verify   bool // probe the peer once connected
	Hold     bool // stay connected until interrupted or the link drops
}

// printf writes formatted output to stdout
func (a *App) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.Stdout, format, args...)
}

// progress prints a progress message to stdout only when not in debug mode.
// In debug mode, detailed logs are already shown so progress messages are redundant.
func (a *App) progress(format string, args ...interface{}) {
	if !a.Debug {
		fmt.Fprintf(a.Stdout, format, args...)
	}
}

// errorf writes formatted output to stderr
func (a *App) errorf(format string, args ...interface{}) {
	fmt.Fprintf(a.Stderr, format, args...)
}

// reportError prints a dispatcher error and marks it reported
func (a *App) reportError(err error) error {
	var dErr *dispatcher.Error
	if errors.As(err, &dErr) {
		a.errorf("✗ %s (%s)\n", dErr.Message, dErr.Code)
	} else {
		a.errorf("✗ %v\n", err)
	}
	return errors.Mark(err, errReported)
}

// maskSecret returns a masked version of a secret string.
func maskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// ResolveConnect fills unset options from the peer section of the config
func (a *App) ResolveConnect(opts ConnectOptions) ConnectOptions {
	if a.Config == nil {
		return opts
	}
	peer := a.Config.Peer
	if opts.SSID == "" {
		opts.SSID = peer.SSID
		// credentials only follow the configured SSID
		if opts.Password == nil && peer.PSK != "" {
			psk := peer.PSK
			opts.Password = &psk
		}
		if opts.BSSID == "" {
			opts.BSSID = peer.BSSID
		}
		opts.Hidden = opts.Hidden || peer.Hidden
	}
	return opts
}

// RunConnect connects, optionally verifies the peer and holds the link.
// The session is always torn down before returning.
func (a *App) RunConnect(ctx context.Context, opts ConnectOptions) error {
	opts = a.ResolveConnect(opts)

	args := dispatcher.ConnectArgs{
		SSID:      opts.SSID,
		Password:  opts.Password,
		Hidden:    opts.Hidden,
		TimeoutMs: opts.Timeout.Milliseconds(),
	}
	if opts.BSSID != "" {
		bssid := opts.BSSID
		args.BSSID = &bssid
	}
	if opts.Password != nil {
		a.Logger.Debug("Connecting", "ssid", opts.SSID, "password", maskSecret(*opts.Password))
	}

	a.progress("Connecting to %s on %s...\n", opts.SSID, a.Interface)
	res, err := a.Commands.Connect(ctx, args)
	if err != nil {
		return a.reportError(err)
	}
	defer a.disconnect()

	if !res.Success {
		a.errorf("✗ %s\n", res.Message)
		return errors.Mark(errors.New("connection failed"), errReported)
	}
	a.printf("✓ %s\n", res.Message)
	if a.Session != nil {
		status := a.Session.Status()
		if status.Bound {
			a.printf("  Traffic pinned to %s\n", status.Handle.Interface)
		} else {
			a.printf("  Connected without process binding\n")
		}
	}

	if opts.Verify {
		if err := a.RunVerify(ctx, "", 0); err != nil {
			return err
		}
	}

	if !opts.Hold {
		return nil
	}
	a.progress("Holding connection, press Ctrl+C to disconnect\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-a.Events:
			if !ok {
				return nil
			}
			if ev.Kind == types.EventLost {
				a.errorf("✗ Link to %s lost\n", opts.SSID)
				return errors.Mark(errors.New("link lost"), errReported)
			}
		}
	}
}

func (a *App) disconnect() {
	if err := a.Commands.Disconnect(); err != nil {
		_ = a.reportError(err)
		return
	}
	a.progress("Disconnected\n")
}

// RunVerify probes address (the configured peer when empty)
func (a *App) RunVerify(ctx context.Context, address string, timeout time.Duration) error {
	res, err := a.Commands.VerifyReachability(ctx, dispatcher.VerifyArgs{
		IPAddress: address,
		TimeoutMs: timeout.Milliseconds(),
	})
	if err != nil {
		return a.reportError(err)
	}
	if !res.Reachable {
		a.errorf("✗ %s\n", res.Message)
		return errors.Mark(errors.New("peer unreachable"), errReported)
	}
	a.printf("✓ %s\n", res.Message)
	return nil
}

// RunStatus prints the preflight state
func (a *App) RunStatus() error {
	check := func(ok bool) string {
		if ok {
			return "yes"
		}
		return "no"
	}

	a.printf("Interface:   %s\n", a.Interface)
	if a.Platform != nil {
		a.printf("Platform:    %s (%s)\n", a.Platform.Version, a.Platform.Source)
		a.printf("Binding:     %s\n", check(a.Platform.Supports(platform.FeatureProcessBinding)))
	}
	a.printf("WiFi:        %s\n", check(a.Commands.IsWifiEnabled().Enabled))
	a.printf("Positioning: %s\n", check(a.Commands.IsLocationEnabled().Enabled))
	if a.Platform != nil && a.Prober != nil {
		perms := make([]string, 0, 2)
		for _, p := range a.Platform.RequiredPermissions() {
			perms = append(perms, string(p))
		}
		a.printf("Permissions: %s (%s)\n", check(a.Prober.HasRequiredPermissions(a.Platform.Version)), strings.Join(perms, ", "))
	}
	if a.Session != nil {
		status := a.Session.Status()
		a.printf("Session:     %s\n", status.State)
		if !status.Handle.IsZero() {
			a.printf("Network:     %s (bound: %s)\n", status.Handle, check(status.Bound))
		}
	}
	if a.Config != nil && a.Config.Peer.SSID != "" {
		a.printf("Peer:        %s at %s\n", a.Config.Peer.SSID, a.Config.Peer.GetAddress())
	}
	return nil
}

// RunCall sends one call to a running server and prints the reply
func (a *App) RunCall(ctx context.Context, url, method, rawArgs string) error {
	var args any
	if rawArgs != "" {
		if !jsoniter.Valid([]byte(rawArgs)) {
			a.errorf("✗ Arguments must be JSON\n")
			return errors.Mark(errors.New("invalid arguments"), errReported)
		}
		args = jsoniter.RawMessage(rawArgs)
	}

	client, err := channel.Dial(ctx, url)
	if err != nil {
		return a.reportError(err)
	}
	defer client.Close()

	msg, err := client.Call(ctx, method, args, func(ev channel.Message) {
		a.errorf("event: %s %s\n", ev.Event.Kind, ev.Event.Handle)
	})
	if err != nil {
		return a.reportError(err)
	}

	switch {
	case msg.NotImplemented:
		a.errorf("✗ %s is not implemented\n", method)
		return errors.Mark(errors.New("not implemented"), errReported)
	case msg.Error != nil:
		a.errorf("✗ %s (%s)\n", msg.Error.Message, msg.Error.Code)
		return errors.Mark(errors.New(msg.Error.Code), errReported)
	case len(msg.Result) == 0:
		a.printf("null\n")
	default:
		a.printf("%s\n", msg.Result)
	}
	return nil
}

// RunServe accepts websocket calls on listen and exposes /metrics until
// ctx is done, then disconnects the session.
func (a *App) RunServe(ctx context.Context, listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", listen)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if a.Metrics != nil {
		if err := a.Metrics.Register(reg); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	channel.NewServer(a.Commands, a.Broadcaster, a.Logger).SetupRoutes(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.Logger.Info("Serving", "address", ln.Addr().String(), "interface", a.Interface)
	a.progress("Listening on ws://%s/ws (metrics at /metrics)\n", ln.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// hijacked websocket connections are not tracked by Shutdown
		a.Broadcaster.Close()
		return err
	})

	err := g.Wait()
	if dErr := a.Commands.Disconnect(); dErr != nil {
		a.Logger.Warn("Failed to disconnect on shutdown", "error", dErr)
	}
	return err
}
