// Package capability answers point-in-time preflight questions: is the
// radio on, is a positioning provider active, are the required permissions
// held. Query failures read as "no".
package capability

import (
	"github.com/blang/semver/v4"
	"github.com/samber/lo"

	"github.com/angelfreak/peerlink/pkg/platform"
	"github.com/angelfreak/peerlink/pkg/types"
)

// Prober evaluates preflight conditions against a CapabilitySource
type Prober struct {
	source types.CapabilitySource
	logger types.Logger
}

// NewProber creates a prober over source
func NewProber(source types.CapabilitySource, logger types.Logger) *Prober {
	return &Prober{source: source, logger: logger}
}

// IsRadioEnabled reports whether the wireless radio is on
func (p *Prober) IsRadioEnabled() bool {
	enabled, err := p.source.RadioEnabled()
	if err != nil {
		p.logger.Warn("Radio state query failed, treating as disabled", "error", err)
		return false
	}
	return enabled
}

// IsPositioningEnabled reports whether the satellite or the network
// positioning provider is active.
func (p *Prober) IsPositioningEnabled() bool {
	return lo.SomeBy([]types.PositioningProvider{types.ProviderSatellite, types.ProviderNetwork},
		func(provider types.PositioningProvider) bool {
			enabled, err := p.source.ProviderEnabled(provider)
			if err != nil {
				p.logger.Warn("Positioning query failed, treating as disabled", "provider", provider, "error", err)
				return false
			}
			return enabled
		})
}

// HasRequiredPermissions reports whether every permission required on
// version is granted.
func (p *Prober) HasRequiredPermissions(version semver.Version) bool {
	required := platform.RequiredPermissions(version)
	missing := lo.Filter(required, func(perm types.Permission, _ int) bool {
		granted, err := p.source.PermissionGranted(perm)
		if err != nil {
			p.logger.Warn("Permission query failed, treating as missing", "permission", perm, "error", err)
			return true
		}
		return !granted
	})
	if len(missing) > 0 {
		p.logger.Debug("Missing permissions", "missing", missing, "version", version.String())
		return false
	}
	return true
}
