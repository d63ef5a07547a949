package capability

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/angelfreak/peerlink/pkg/platform"
	"github.com/angelfreak/peerlink/pkg/system"
	"github.com/angelfreak/peerlink/pkg/types"
)

const queryTimeout = 2 * time.Second

// Capability bit numbers from linux/capability.h
var capabilityBits = map[types.Permission]uint{
	platform.PermNetAdmin: 12,
	platform.PermNetRaw:   13,
}

// positioning daemons backing each provider
var providerUnits = map[types.PositioningProvider]string{
	types.ProviderSatellite: "gpsd",
	types.ProviderNetwork:   "geoclue",
}

// SystemSource answers capability queries from the local Linux host
type SystemSource struct {
	executor   types.SystemExecutor
	statusPath string
}

// NewSystemSource creates a source that shells out through executor
func NewSystemSource(executor types.SystemExecutor) *SystemSource {
	return &SystemSource{executor: executor, statusPath: "/proc/self/status"}
}

// RadioEnabled asks NetworkManager first and falls back to rfkill
func (s *SystemSource) RadioEnabled() (bool, error) {
	if s.executor.HasCommand("nmcli") {
		out, err := s.executor.ExecuteWithTimeout(queryTimeout, "nmcli", "radio", "wifi")
		if err == nil {
			return strings.TrimSpace(out) == "enabled", nil
		}
	}

	out, err := s.executor.ExecuteWithTimeout(queryTimeout, "rfkill", "list", "wifi")
	if err != nil {
		return false, errors.Wrap(err, "rfkill query failed")
	}
	blocked, ok := system.ParseRFKillBlocked(out)
	if !ok {
		return false, errors.New("no wireless device reported by rfkill")
	}
	return !blocked, nil
}

// ProviderEnabled reports whether the provider's daemon is active
func (s *SystemSource) ProviderEnabled(provider types.PositioningProvider) (bool, error) {
	unit, ok := providerUnits[provider]
	if !ok {
		return false, errors.Newf("unknown positioning provider %q", provider)
	}
	// is-active exits non-zero for inactive units; only the output matters
	out, err := s.executor.ExecuteWithTimeout(queryTimeout, "systemctl", "is-active", unit)
	state := strings.TrimSpace(out)
	if state == "" && err != nil {
		return false, errors.Wrapf(err, "systemctl is-active %s", unit)
	}
	return state == "active", nil
}

// PermissionGranted checks the effective capability set of this process
func (s *SystemSource) PermissionGranted(perm types.Permission) (bool, error) {
	bit, ok := capabilityBits[perm]
	if !ok {
		return false, errors.Newf("unknown permission %q", perm)
	}
	// read in-process: a child would report its own capability set
	status, err := os.ReadFile(s.statusPath)
	if err != nil {
		return false, errors.Wrap(err, "failed to read process status")
	}
	mask, err := system.ParseCapabilityMask(string(status))
	if err != nil {
		return false, err
	}
	return mask&(1<<bit) != 0, nil
}
