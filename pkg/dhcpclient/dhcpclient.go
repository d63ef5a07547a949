// Package dhcpclient obtains and releases DHCP leases on the peer interface.
package dhcpclient

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/angelfreak/peerlink/pkg/system"
	"github.com/angelfreak/peerlink/pkg/types"
)

// Timeout constants for DHCP operations
const (
	// UdhcpcTimeout is the timeout for udhcpc (faster client, typically 1-2s)
	UdhcpcTimeout = 10 * time.Second

	// DhclientTimeout is the timeout for dhclient (slower, typically 3-5s)
	DhclientTimeout = 15 * time.Second

	// CleanupTimeout is the timeout for cleanup operations (pkill, rm)
	CleanupTimeout = 500 * time.Millisecond

	// IPCheckTimeout is the timeout for checking acquired IP address
	IPCheckTimeout = 2 * time.Second
)

// Manager implements the DHCPClientManager interface
type Manager struct {
	executor types.SystemExecutor
	logger   types.Logger
	timeout  time.Duration
}

// NewManager creates a new DHCP client manager. timeout bounds one lease
// acquisition; zero keeps the per-client defaults.
func NewManager(executor types.SystemExecutor, logger types.Logger, timeout time.Duration) *Manager {
	return &Manager{
		executor: executor,
		logger:   logger,
		timeout:  timeout,
	}
}

// Acquire obtains a DHCP lease for the interface.
// hostname is optional - if provided, it will be sent in DHCP requests without changing system hostname.
func (m *Manager) Acquire(ctx context.Context, iface string, hostname string) error {
	// Validate interface name to prevent command injection
	if err := types.ValidateInterfaceName(iface); err != nil {
		return errors.Wrap(err, "invalid interface")
	}

	if hostname != "" {
		if err := types.ValidateHostname(hostname); err != nil {
			return errors.Wrap(err, "invalid hostname")
		}
	}

	m.logger.Info("Acquiring DHCP lease", "interface", iface)

	// Try udhcpc first (faster, ~1s vs 3-5s for dhclient)
	if m.executor.HasCommand("udhcpc") {
		m.logger.Debug("Using udhcpc for DHCP (faster)")
		err := m.acquireUdhcpc(ctx, iface, hostname)
		if err == nil || ctx.Err() != nil || !m.executor.HasCommand("dhclient") {
			return err
		}
		m.logger.Warn("udhcpc found no lease, retrying with dhclient", "interface", iface, "error", err)
		return errors.WithSecondaryError(m.acquireDhclient(ctx, iface, hostname), err)
	}

	m.logger.Debug("Using dhclient for DHCP")
	return m.acquireDhclient(ctx, iface, hostname)
}

// Release stops any running DHCP client for the interface and cleans up lease files.
// Cleanup is best-effort: failures are logged, not returned.
func (m *Manager) Release(iface string) error {
	if err := types.ValidateInterfaceName(iface); err != nil {
		return errors.Wrap(err, "invalid interface")
	}

	m.logger.Debug("Releasing DHCP lease", "interface", iface)

	var errs []string

	// Interface names are matched literally inside the pkill pattern
	escapedIface := regexp.QuoteMeta(iface)

	if _, err := m.executor.ExecuteWithTimeout(CleanupTimeout, "pkill", "-9", "-f", "udhcpc.*"+escapedIface); err != nil {
		m.logger.Debug("No udhcpc process to kill", "interface", iface)
	}
	if _, err := m.executor.ExecuteWithTimeout(CleanupTimeout, "pkill", "-9", "-f", "dhclient.*"+escapedIface); err != nil {
		m.logger.Debug("No dhclient process to kill", "interface", iface)
	}

	leaseFiles := []string{
		"/var/lib/dhcp/dhclient." + iface + ".leases",
		types.RuntimeDir + "/dhclient." + iface + ".leases",
	}
	for _, f := range leaseFiles {
		if _, err := m.executor.ExecuteWithTimeout(CleanupTimeout, "rm", "-f", f); err != nil {
			errs = append(errs, fmt.Sprintf("failed to remove %s: %v", f, err))
		}
	}

	confFile := types.RuntimeDir + "/dhclient." + iface + ".conf"
	if _, err := m.executor.ExecuteWithTimeout(CleanupTimeout, "rm", "-f", confFile); err != nil {
		m.logger.Debug("Failed to remove dhclient config", "file", confFile, "error", err)
	}

	if len(errs) > 0 {
		m.logger.Debug("Some cleanup operations failed", "errors", strings.Join(errs, "; "))
	}

	return nil
}

func (m *Manager) budget(def time.Duration) time.Duration {
	if m.timeout > 0 {
		return m.timeout
	}
	return def
}

// acquireUdhcpc uses udhcpc (BusyBox) for faster DHCP acquisition
func (m *Manager) acquireUdhcpc(ctx context.Context, iface string, hostname string) error {
	m.Release(iface)

	// -n: fail if no lease, -q: quit after obtaining lease
	args := []string{"-i", iface, "-n", "-q"}
	if hostname != "" {
		m.logger.Info("Sending hostname in DHCP request", "hostname", hostname)
		args = append(args, "-x", "hostname:"+hostname)
	}

	ctx, cancel := context.WithTimeout(ctx, m.budget(UdhcpcTimeout))
	defer cancel()

	if _, err := m.executor.ExecuteContext(ctx, "udhcpc", args...); err != nil {
		m.Release(iface)
		return errors.Wrap(err, "udhcpc failed")
	}

	m.logAcquiredIP(iface)
	return nil
}

// acquireDhclient uses dhclient (ISC) as fallback
func (m *Manager) acquireDhclient(ctx context.Context, iface string, hostname string) error {
	m.Release(iface)

	budget := m.budget(DhclientTimeout)
	args := []string{fmt.Sprintf("%d", int(budget.Seconds())), "dhclient", "-v"}
	if hostname != "" {
		m.logger.Info("Sending hostname in DHCP request", "hostname", hostname)
		// Per-interface config so concurrent acquisitions do not race
		confContent := fmt.Sprintf("send host-name \"%s\";\n", hostname)
		dhclientConf := types.RuntimeDir + "/dhclient." + iface + ".conf"
		if err := system.WriteSecureFile(m.executor, dhclientConf, confContent); err != nil {
			return errors.Wrap(err, "failed to create dhclient config for hostname")
		}
		args = append(args, "-cf", dhclientConf)
	}
	args = append(args, iface)

	// timeout(1) enforces the budget even if ctx never fires
	ctx, cancel := context.WithTimeout(ctx, budget+time.Second)
	defer cancel()

	if _, err := m.executor.ExecuteContext(ctx, "timeout", args...); err != nil {
		m.Release(iface)
		return errors.Wrap(err, "dhclient failed")
	}

	m.logAcquiredIP(iface)
	return nil
}

// logAcquiredIP logs the IP address after successful DHCP
func (m *Manager) logAcquiredIP(iface string) {
	ipOutput, err := m.executor.ExecuteWithTimeout(IPCheckTimeout, "ip", "addr", "show", iface)
	if err == nil {
		if ip := m.parseIPAddress(ipOutput); ip != nil {
			m.logger.Info("Address acquired", "ip", ip.String())
		}
	}
}

func (m *Manager) parseIPAddress(output string) net.IP {
	return system.ParseIPFromOutput(output)
}
