package types

import (
	"net"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
)

// Validation regexes - compiled once at package init
var (
	// Interface names: start with letter, alphanumeric + underscore/dash, max 15 chars
	interfaceRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,14}$`)

	// BSSID: 6 hex pairs separated by colons
	bssidRegex = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)

	// Hostname: RFC 1123 compliant
	hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// ValidateInterfaceName validates a network interface name
func ValidateInterfaceName(name string) error {
	if name == "" {
		return errors.New("interface name cannot be empty")
	}
	if len(name) > 15 {
		return errors.New("interface name too long (max 15 characters)")
	}
	if !interfaceRegex.MatchString(name) {
		return errors.New("invalid interface name: must start with letter, contain only alphanumeric, underscore, or dash")
	}
	return nil
}

// ValidateSSID rejects blank SSIDs, including whitespace-only names.
func ValidateSSID(ssid string) error {
	if strings.TrimSpace(ssid) == "" {
		return errors.New("SSID cannot be empty")
	}
	return nil
}

// ValidateSSIDBytes checks what 802.11 and the supplicant config accept:
// at most 32 bytes and no NUL.
func ValidateSSIDBytes(ssid string) error {
	if len(ssid) > 32 {
		return errors.New("SSID too long (max 32 bytes)")
	}
	if strings.ContainsAny(ssid, "\x00") {
		return errors.New("SSID cannot contain null bytes")
	}
	return nil
}

// ValidateBSSID validates an access point MAC address (XX:XX:XX:XX:XX:XX).
// Empty means no pinning.
func ValidateBSSID(bssid string) error {
	if bssid == "" {
		return nil
	}
	if !bssidRegex.MatchString(bssid) {
		return errors.Newf("invalid BSSID format: %s", bssid)
	}
	return nil
}

// ValidatePinnedBSSID validates a BSSID the caller supplied. Unlike
// ValidateBSSID an empty string is an error, not "no pinning".
func ValidatePinnedBSSID(bssid string) error {
	if bssid == "" {
		return errors.New("BSSID cannot be empty")
	}
	return ValidateBSSID(bssid)
}

// ParseBSSID validates and parses a BSSID. Empty input yields a nil address.
func ParseBSSID(bssid string) (net.HardwareAddr, error) {
	if err := ValidateBSSID(bssid); err != nil {
		return nil, err
	}
	if bssid == "" {
		return nil, nil
	}
	return net.ParseMAC(bssid)
}

// ValidatePSK validates a WPA2 passphrase
func ValidatePSK(psk string) error {
	if psk == "" {
		return nil // Open network
	}
	if len(psk) < 8 {
		return errors.New("PSK too short (minimum 8 characters)")
	}
	if len(psk) > 63 {
		return errors.New("PSK too long (maximum 63 characters)")
	}
	for _, c := range psk {
		if c < 0x20 || c > 0x7e {
			return errors.New("PSK must contain printable ASCII characters only")
		}
	}
	return nil
}

// ValidatePassphrase validates a passphrase the caller supplied for WPA2.
// Unlike ValidatePSK an empty string is an error, not an open network.
func ValidatePassphrase(psk string) error {
	if psk == "" {
		return errors.New("PSK cannot be empty")
	}
	return ValidatePSK(psk)
}

// ValidateHostname validates a hostname (RFC 1123)
func ValidateHostname(hostname string) error {
	if hostname == "" {
		return nil // Empty is allowed
	}
	if len(hostname) > 253 {
		return errors.New("hostname too long (max 253 characters)")
	}
	// Check each label
	labels := strings.Split(hostname, ".")
	for _, label := range labels {
		if len(label) > 63 {
			return errors.New("hostname label too long (max 63 characters)")
		}
		if !hostnameRegex.MatchString(label) {
			return errors.New("invalid hostname format: must be alphanumeric with dashes")
		}
	}
	return nil
}

// ValidateLocalAddr validates a static interface address in CIDR form
func ValidateLocalAddr(addr string) error {
	if addr == "" {
		return nil // DHCP
	}
	ip, _, err := net.ParseCIDR(addr)
	if err != nil {
		return errors.Newf("invalid local address %q: expected CIDR like 192.168.4.10/24", addr)
	}
	if ip.To4() == nil {
		return errors.Newf("invalid local address %q: only IPv4 is supported", addr)
	}
	return nil
}

// ValidatePeerAddress validates the host[:port] probed for reachability
func ValidatePeerAddress(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("peer address cannot be empty")
	}
	if strings.ContainsAny(addr, "/?# ") {
		return errors.Newf("invalid peer address %q: expected host or host:port", addr)
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	if host == "" {
		return errors.Newf("invalid peer address %q: missing host", addr)
	}
	return nil
}
