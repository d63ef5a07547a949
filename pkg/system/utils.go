package system

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/angelfreak/peerlink/pkg/types"
)

// KillProcessFast kills processes immediately with SIGKILL.
// wpa_supplicant and the DHCP clients keep no state worth a graceful shutdown.
func KillProcessFast(executor types.SystemExecutor, logger types.Logger, pattern string) {
	_, err := executor.ExecuteWithTimeout(500*time.Millisecond, "pkill", "-9", "-f", pattern)
	if err != nil {
		logger.Debug("No process to kill or pkill failed", "pattern", pattern)
	}
}

// WriteSecureFile writes content to a file with 0600 permissions atomically.
// Uses the install command so the file never exists with wider permissions.
func WriteSecureFile(executor types.SystemExecutor, path, content string) error {
	_, err := executor.ExecuteWithInput("install", content, "-m", "0600", "/dev/stdin", path)
	return err
}

// ParseIPFromOutput extracts the first inet IP address from `ip addr show` output.
// Returns nil if no valid IP address is found.
func ParseIPFromOutput(output string) net.IP {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "inet ") {
			parts := strings.Fields(line)
			if len(parts) >= 2 {
				ip, _, err := net.ParseCIDR(parts[1])
				if err == nil {
					return ip
				}
			}
		}
	}
	return nil
}

// ParseCapabilityMask extracts the effective capability bitmask (CapEff)
// from /proc/<pid>/status content.
func ParseCapabilityMask(status string) (uint64, error) {
	for _, line := range strings.Split(status, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "CapEff:") {
			continue
		}
		hex := strings.TrimSpace(strings.TrimPrefix(line, "CapEff:"))
		mask, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid CapEff value %q", hex)
		}
		return mask, nil
	}
	return 0, errors.New("CapEff not found in process status")
}

// ParseRFKillBlocked reports whether `rfkill list wifi` output shows any
// soft or hard block. ok is false when the output has no wifi device.
func ParseRFKillBlocked(output string) (blocked bool, ok bool) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Soft blocked:"), strings.HasPrefix(line, "Hard blocked:"):
			ok = true
			if strings.HasSuffix(line, "yes") {
				blocked = true
			}
		}
	}
	return blocked, ok
}
