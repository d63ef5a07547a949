// Package platform resolves the running platform version once and answers
// feature and permission questions from static tables keyed by it.
package platform

import (
	"regexp"

	"github.com/blang/semver/v4"
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/angelfreak/peerlink/pkg/types"
)

// Feature names an optional platform capability
type Feature string

const (
	// FeatureProcessBinding is pinning sockets to one interface with SO_BINDTODEVICE
	FeatureProcessBinding Feature = "process_binding"
)

// Permissions checked by the capability prober
const (
	PermNetAdmin types.Permission = "CAP_NET_ADMIN"
	PermNetRaw   types.Permission = "CAP_NET_RAW"
)

// Source values for Platform.Source
const (
	SourceKernel = "kernel"
	SourceConfig = "config"
)

type featureRule struct {
	feature Feature
	min     semver.Version
}

// getsockopt(SO_BINDTODEVICE) appeared in 3.8; without it a binding cannot be read back.
var featureTable = []featureRule{
	{feature: FeatureProcessBinding, min: semver.MustParse("3.8.0")},
}

type permissionRule struct {
	min   semver.Version
	perms []types.Permission
}

// Newest first. Older kernels also need CAP_NET_RAW for SO_BINDTODEVICE.
var permissionTable = []permissionRule{
	{min: semver.MustParse("5.7.0"), perms: []types.Permission{PermNetAdmin}},
	{min: semver.Version{}, perms: []types.Permission{PermNetAdmin, PermNetRaw}},
}

// leading "major.minor.patch" of a kernel release such as 6.1.0-rc3+ or 5.15.0-91-generic
var releaseRegex = regexp.MustCompile(`^v?(\d+(\.\d+){0,2})`)

// kernelVersion is swapped in tests
var kernelVersion = host.KernelVersion

// Platform is the version snapshot taken at startup
type Platform struct {
	Version semver.Version
	Source  string
}

// Parse reads a platform version, ignoring distribution suffixes.
func Parse(release string) (semver.Version, error) {
	m := releaseRegex.FindStringSubmatch(release)
	if m == nil {
		return semver.Version{}, errors.Newf("unrecognized platform version %q", release)
	}
	v, err := semver.ParseTolerant(m[1])
	if err != nil {
		return semver.Version{}, errors.Wrapf(err, "unrecognized platform version %q", release)
	}
	return v, nil
}

// Detect resolves the platform version. A non-empty override wins over the
// running kernel's release.
func Detect(override string, logger types.Logger) (*Platform, error) {
	if override != "" {
		v, err := Parse(override)
		if err != nil {
			return nil, errors.Wrap(err, "platform.version")
		}
		logger.Debug("Using configured platform version", "version", v.String())
		return &Platform{Version: v, Source: SourceConfig}, nil
	}

	release, err := kernelVersion()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read kernel version")
	}
	v, err := Parse(release)
	if err != nil {
		return nil, err
	}
	logger.Debug("Detected platform version", "release", release, "version", v.String())
	return &Platform{Version: v, Source: SourceKernel}, nil
}

// Supports reports whether the feature is available on this platform
func (p *Platform) Supports(feature Feature) bool {
	return Supports(p.Version, feature)
}

// RequiredPermissions returns the permission set for this platform
func (p *Platform) RequiredPermissions() []types.Permission {
	return RequiredPermissions(p.Version)
}

// Supports reports whether feature is available from version v onward.
// Unknown features are unsupported.
func Supports(v semver.Version, feature Feature) bool {
	rule, ok := lo.Find(featureTable, func(r featureRule) bool {
		return r.feature == feature
	})
	return ok && v.GTE(rule.min)
}

// RequiredPermissions returns every permission that must be granted on version v
func RequiredPermissions(v semver.Version) []types.Permission {
	rule, _ := lo.Find(permissionTable, func(r permissionRule) bool {
		return v.GTE(r.min)
	})
	return rule.perms
}
