// Package wifi is the Linux network-selection backend. A request starts
// wpa_supplicant for the wanted network, and a pool worker then waits for
// association and an address before reporting the network available.
// Loss of the link afterwards is reported through netlink.
package wifi

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"

	"github.com/angelfreak/peerlink/pkg/system"
	"github.com/angelfreak/peerlink/pkg/types"
)

// SSID hex escape decoding
var hexEscapeRegex = regexp.MustCompile(`\\x([0-9a-fA-F]{2})`)

const (
	wpaControlDir    = "/run/wpa_supplicant"
	wpaReadyTimeout  = 2 * time.Second
	unregisterWait   = 5 * time.Second
	defaultPoolSize  = 4
	defaultAssocTime = 20 * time.Second
)

// Options configures a Requester
type Options struct {
	Interface          string
	LocalAddr          string // static CIDR; empty means DHCP
	Hostname           string // sent with DHCP requests
	AssociationTimeout time.Duration
	Monitor            LinkMonitor // nil means netlink
	PoolSize           int
}

// Requester implements types.NetworkRequester on top of wpa_supplicant
type Requester struct {
	executor           types.SystemExecutor
	logger             types.Logger
	dhcpClient         types.DHCPClientManager
	iface              string
	localAddr          string
	hostname           string
	associationTimeout time.Duration
	monitor            LinkMonitor
	pool               *ants.Pool
	nextID             atomic.Uint64

	mu     sync.Mutex
	active map[types.RegistrationID]*registration
}

// registration is one issued request and its worker
type registration struct {
	id     types.RegistrationID
	handle types.NetworkHandle
	ssid   string
	cb     types.NetworkCallback
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	available   atomic.Bool
	unavailable atomic.Bool
	lost        atomic.Bool
}

// NewRequester creates a requester for one wireless interface
func NewRequester(executor types.SystemExecutor, logger types.Logger, dhcpClient types.DHCPClientManager, opts Options) (*Requester, error) {
	if err := types.ValidateInterfaceName(opts.Interface); err != nil {
		return nil, errors.Wrap(err, "invalid interface")
	}
	if err := types.ValidateLocalAddr(opts.LocalAddr); err != nil {
		return nil, err
	}
	if opts.AssociationTimeout <= 0 {
		opts.AssociationTimeout = defaultAssocTime
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = defaultPoolSize
	}
	if opts.Monitor == nil {
		opts.Monitor = NewNetlinkMonitor(logger)
	}

	pool, err := ants.NewPool(opts.PoolSize, ants.WithPanicHandler(func(v any) {
		logger.Error("Network worker panicked", "panic", fmt.Sprint(v))
	}))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create worker pool")
	}

	return &Requester{
		executor:           executor,
		logger:             logger,
		dhcpClient:         dhcpClient,
		iface:              opts.Interface,
		localAddr:          opts.LocalAddr,
		hostname:           opts.Hostname,
		associationTimeout: opts.AssociationTimeout,
		monitor:            opts.Monitor,
		pool:               pool,
		active:             make(map[types.RegistrationID]*registration),
	}, nil
}

// RequestNetwork starts wpa_supplicant for req and returns at once. The
// outcome arrives on cb from a pool worker.
func (r *Requester) RequestNetwork(req types.NetworkRequest, cb types.NetworkCallback) (types.RegistrationID, error) {
	if req.Transport != types.TransportWiFi {
		return 0, errors.Newf("unsupported transport %q", req.Transport)
	}
	spec := req.Specifier
	if err := types.ValidateSSID(spec.SSID); err != nil {
		return 0, errors.Wrap(err, "invalid SSID")
	}
	if err := types.ValidateSSIDBytes(spec.SSID); err != nil {
		return 0, errors.Wrap(err, "invalid SSID")
	}
	if spec.Security == types.SecurityWPA2 {
		if err := types.ValidatePassphrase(spec.Passphrase); err != nil {
			return 0, errors.Wrap(err, "invalid passphrase")
		}
	}
	if !req.RequireInternet {
		r.logger.Debug("Requesting local-only network", "ssid", spec.SSID, "interface", r.iface)
	}

	// one wpa_supplicant per interface: a new request replaces the old one
	r.unregisterAll()

	config := r.generateWPAConfig(spec)
	// Don't log config - it contains credentials
	r.logger.Debug("Generated WPA config", "ssid", spec.SSID, "hasBSSID", spec.BSSID != nil, "hidden", spec.Hidden)

	if err := r.startSupplicant(config); err != nil {
		return 0, err
	}

	id := types.RegistrationID(r.nextID.Inc())
	ctx, cancel := context.WithCancel(context.Background())
	reg := &registration{
		id:     id,
		handle: types.NetworkHandle{ID: uint64(id), Interface: r.iface},
		ssid:   spec.SSID,
		cb:     cb,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.active[id] = reg
	r.mu.Unlock()

	if err := r.pool.Submit(func() { r.establish(reg) }); err != nil {
		r.mu.Lock()
		delete(r.active, id)
		r.mu.Unlock()
		cancel()
		r.teardown()
		return 0, errors.Wrap(err, "failed to schedule network request")
	}

	r.logger.Info("Network requested", "ssid", spec.SSID, "interface", r.iface, "registration", uint64(id))
	return id, nil
}

// Unregister stops the request's worker and tears the link down. Unknown
// ids return types.ErrNotRegistered.
func (r *Requester) Unregister(id types.RegistrationID) error {
	r.mu.Lock()
	reg, ok := r.active[id]
	if ok {
		delete(r.active, id)
	}
	r.mu.Unlock()
	if !ok {
		return errors.Wrapf(types.ErrNotRegistered, "registration %d", uint64(id))
	}

	reg.cancel()
	select {
	case <-reg.done:
	case <-time.After(unregisterWait):
		r.logger.Warn("Network worker did not stop in time", "registration", uint64(id))
	}

	r.teardown()
	r.logger.Debug("Network request unregistered", "registration", uint64(id))
	return nil
}

// Close unregisters every request and releases the worker pool
func (r *Requester) Close() error {
	r.unregisterAll()
	r.pool.Release()
	return nil
}

func (r *Requester) unregisterAll() {
	r.mu.Lock()
	ids := make([]types.RegistrationID, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Unregister(id); err != nil && !errors.Is(err, types.ErrNotRegistered) {
			r.logger.Warn("Failed to release previous request", "registration", uint64(id), "error", err)
		}
	}
}

// establish runs on the pool: association, address, then available.
func (r *Requester) establish(reg *registration) {
	defer close(reg.done)

	if !r.waitForWpaSupplicantReady(reg.ctx, wpaReadyTimeout) {
		r.logger.Warn("wpa_supplicant may not be fully ready, proceeding anyway")
	}

	if err := r.waitForAssociation(reg.ctx, reg.ssid); err != nil {
		r.fail(reg, "failed to associate with access point", err)
		return
	}

	if err := r.obtainAddress(reg.ctx); err != nil {
		r.fail(reg, "failed to obtain address", err)
		return
	}

	if reg.ctx.Err() != nil {
		return
	}
	r.deliver(reg, &reg.available, func() { reg.cb.OnAvailable(reg.handle) })

	err := r.monitor.Watch(reg.ctx, r.iface, func(reason string) {
		r.logger.Warn("Link lost", "interface", r.iface, "reason", reason, "registration", uint64(reg.id))
		lost := func() { r.deliver(reg, &reg.lost, func() { reg.cb.OnLost(reg.handle) }) }
		if err := r.pool.Submit(lost); err != nil {
			r.logger.Debug("Worker pool unavailable, delivering inline", "error", err)
			lost()
		}
	})
	if err != nil {
		r.logger.Warn("Link monitoring unavailable, loss will not be reported", "interface", r.iface, "error", err)
	}
}

func (r *Requester) fail(reg *registration, msg string, err error) {
	if reg.ctx.Err() != nil {
		// unregistered while in flight: no events
		return
	}
	r.logger.Info("Network unavailable", "ssid", reg.ssid, "reason", msg, "error", err)
	r.deliver(reg, &reg.unavailable, reg.cb.OnUnavailable)
}

// deliver runs fn at most once per flag, and never after Unregister
func (r *Requester) deliver(reg *registration, flag *atomic.Bool, fn func()) {
	if reg.ctx.Err() != nil || !flag.CompareAndSwap(false, true) {
		return
	}
	fn()
}

func (r *Requester) startSupplicant(config string) error {
	if _, err := r.executor.Execute("mkdir", "-p", types.RuntimeDir); err != nil {
		return errors.Wrap(err, "failed to create runtime directory")
	}

	tempConfig := r.configPath()
	if _, err := r.executor.Execute("rm", "-f", tempConfig); err != nil {
		r.logger.Warn("Failed to remove old config file", "error", err)
	}
	if err := system.WriteSecureFile(r.executor, tempConfig, config); err != nil {
		return errors.Wrap(err, "failed to write WPA config")
	}

	r.terminateWpaSupplicant()

	if _, err := r.executor.Execute("ip", "link", "set", r.iface, "up"); err != nil {
		return errors.Wrap(err, "failed to bring interface up")
	}

	_, _ = r.executor.Execute("mkdir", "-p", wpaControlDir)

	if _, err := r.executor.Execute("wpa_supplicant", "-B", "-i", r.iface, "-c", tempConfig, "-C", wpaControlDir); err != nil {
		return errors.Wrap(err, "failed to start wpa_supplicant")
	}
	return nil
}

// teardown stops wpa_supplicant and clears addressing on the interface
func (r *Requester) teardown() {
	r.terminateWpaSupplicant()

	if r.localAddr == "" {
		if err := r.dhcpClient.Release(r.iface); err != nil {
			r.logger.Debug("Failed to release DHCP lease", "error", err)
		}
	}

	if _, err := r.executor.Execute("ip", "addr", "flush", "dev", r.iface); err != nil {
		r.logger.Debug("Failed to flush IP addresses", "error", err)
	}
	if _, err := r.executor.Execute("ip", "route", "flush", "dev", r.iface); err != nil {
		r.logger.Debug("Failed to flush routes", "error", err)
	}
	if _, err := r.executor.Execute("rm", "-f", r.configPath()); err != nil {
		r.logger.Debug("Failed to remove WPA config", "error", err)
	}
}

func (r *Requester) configPath() string {
	return types.RuntimeDir + "/wpa_supplicant-" + r.iface + ".conf"
}

// obtainAddress configures the static address or asks DHCP for one
func (r *Requester) obtainAddress(ctx context.Context) error {
	if r.localAddr == "" {
		return r.dhcpClient.Acquire(ctx, r.iface, r.hostname)
	}

	if _, err := r.executor.ExecuteContext(ctx, "ip", "addr", "flush", "dev", r.iface); err != nil {
		r.logger.Debug("Failed to flush IP addresses", "error", err)
	}
	if _, err := r.executor.ExecuteContext(ctx, "ip", "addr", "add", r.localAddr, "dev", r.iface); err != nil {
		return errors.Wrapf(err, "failed to assign %s", r.localAddr)
	}
	r.logger.Info("Static address assigned", "address", r.localAddr, "interface", r.iface)
	return nil
}

// escapeWPAString escapes special characters for wpa_supplicant config values
// This prevents injection attacks via specially crafted SSIDs/passwords
func escapeWPAString(s string) string {
	// Escape backslashes first (must be done before escaping quotes)
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	return s
}

func (r *Requester) generateWPAConfig(spec types.NetworkSpecifier) string {
	var b strings.Builder

	// ctrl_interface is required for wpa_cli communication
	b.WriteString("ctrl_interface=" + wpaControlDir + "\n\n")
	b.WriteString("network={\n")
	fmt.Fprintf(&b, "\tssid=\"%s\"\n", escapeWPAString(spec.SSID))
	if spec.Hidden {
		b.WriteString("\tscan_ssid=1\n")
	}
	if spec.Security == types.SecurityWPA2 {
		b.WriteString("\tkey_mgmt=WPA-PSK\n")
		b.WriteString("\tproto=RSN\n")
		fmt.Fprintf(&b, "\tpsk=\"%s\"\n", escapeWPAString(spec.Passphrase))
	} else {
		b.WriteString("\tkey_mgmt=NONE\n")
	}
	if spec.BSSID != nil {
		// HardwareAddr.String() is lowercase colon form, safe to embed
		fmt.Fprintf(&b, "\tbssid=%s\n", spec.BSSID.String())
	}
	b.WriteString("}\n")
	return b.String()
}

// decodeSSID undoes wpa_cli's \xNN escaping. Escapes are raw bytes, so a
// UTF-8 SSID comes back as the same byte sequence.
func (r *Requester) decodeSSID(ssid string) string {
	return hexEscapeRegex.ReplaceAllStringFunc(ssid, func(match string) string {
		b, err := strconv.ParseUint(match[2:], 16, 8)
		if err != nil {
			return match
		}
		return string([]byte{byte(b)})
	})
}

// terminateWpaSupplicant terminates wpa_supplicant for this interface only
// Uses wpa_cli terminate for graceful shutdown, with pkill fallback
func (r *Requester) terminateWpaSupplicant() {
	_, err := r.executor.ExecuteWithTimeout(2*time.Second, "wpa_cli", "-i", r.iface, "terminate")
	if err != nil {
		// Pattern matches: wpa_supplicant ... -i <interface> ...
		system.KillProcessFast(r.executor, r.logger, fmt.Sprintf("wpa_supplicant.*-i[[:space:]]*%s", regexp.QuoteMeta(r.iface)))
	}
}

// waitForWpaSupplicantReady polls with backoff until wpa_supplicant responds to wpa_cli
func (r *Requester) waitForWpaSupplicantReady(ctx context.Context, timeout time.Duration) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 400 * time.Millisecond
	b.MaxElapsedTime = timeout

	err := backoff.Retry(func() error {
		_, err := r.executor.ExecuteWithTimeout(2*time.Second, "wpa_cli", "-i", r.iface, "status")
		return err
	}, backoff.WithContext(b, ctx))
	return err == nil
}

func (r *Requester) waitForAssociation(ctx context.Context, expectedSSID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.associationTimeout)
	defer cancel()

	// Try event-based waiting first (faster)
	err := r.waitForAssociationEvents(ctx, expectedSSID)
	if err == nil {
		return nil
	}
	if errors.Is(err, errRejected) || ctx.Err() != nil {
		return err
	}

	// Event-based failed (likely wpa_cli doesn't support wait_event), fall back to polling
	r.logger.Debug("Event-based association wait failed, using polling", "error", err)
	return r.waitForAssociationPolling(ctx, expectedSSID)
}

// errRejected marks a definitive refusal by the access point
var errRejected = errors.New("access point refused the connection")

// waitForAssociationEvents uses wpa_cli wait_event for instant notification
func (r *Requester) waitForAssociationEvents(ctx context.Context, expectedSSID string) error {
	output, err := r.executor.ExecuteContext(ctx, "wpa_cli", "-i", r.iface,
		"wait_event", "CTRL-EVENT-CONNECTED", "CTRL-EVENT-ASSOC-REJECT",
		"CTRL-EVENT-DISCONNECTED", "CTRL-EVENT-TEMP-DISABLED", "CTRL-EVENT-AUTH-REJECT",
		"CTRL-EVENT-NETWORK-NOT-FOUND")
	if err != nil {
		return errors.Wrap(err, "wait_event failed")
	}

	switch {
	case strings.Contains(output, "CTRL-EVENT-CONNECTED"):
		r.logger.Debug("Successfully associated with access point (event)", "ssid", expectedSSID)
		return nil
	case strings.Contains(output, "CTRL-EVENT-ASSOC-REJECT"):
		return errors.Mark(errors.New("association rejected"), errRejected)
	case strings.Contains(output, "CTRL-EVENT-AUTH-REJECT"):
		return errors.Mark(errors.New("authentication rejected"), errRejected)
	case strings.Contains(output, "CTRL-EVENT-TEMP-DISABLED"):
		return errors.Mark(errors.New("network temporarily disabled (wrong password?)"), errRejected)
	case strings.Contains(output, "CTRL-EVENT-NETWORK-NOT-FOUND"):
		return errors.Mark(errors.Newf("network %q not found", expectedSSID), errRejected)
	case strings.Contains(output, "CTRL-EVENT-DISCONNECTED"):
		return errors.New("disconnected during association")
	}
	return errors.Newf("unexpected event: %s", output)
}

// waitForAssociationPolling uses polling as a fallback
func (r *Requester) waitForAssociationPolling(ctx context.Context, expectedSSID string) error {
	// Use 300ms poll interval - balances responsiveness with overhead
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "timeout waiting for association to %s", expectedSSID)
		case <-ticker.C:
			if r.isAssociatedWpaCli(expectedSSID) {
				r.logger.Debug("Successfully associated with access point", "ssid", expectedSSID)
				return nil
			}
		}
	}
}

// isAssociatedWpaCli checks association status using wpa_cli (faster than iw)
func (r *Requester) isAssociatedWpaCli(expectedSSID string) bool {
	output, err := r.executor.ExecuteWithTimeout(2*time.Second, "wpa_cli", "-i", r.iface, "status")
	if err != nil {
		return false
	}

	var ssidMatch, stateCompleted bool
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "ssid=") {
			ssidMatch = r.decodeSSID(strings.TrimPrefix(line, "ssid=")) == expectedSSID
		}
		if line == "wpa_state=COMPLETED" {
			stateCompleted = true
		}
	}

	return ssidMatch && stateCompleted
}
