package types

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cockroachdb/errors"
)

// RuntimeDir is the directory for temporary runtime files (configs, pid files)
// Using /run/peerlink/ instead of /tmp/ to avoid symlink attacks
const RuntimeDir = "/run/peerlink"

// Defaults shared by the dispatcher and the CLI
const (
	DefaultPeerAddress    = "192.168.4.2"
	DefaultConnectTimeout = 25 * time.Second
	DefaultVerifyTimeout  = 5 * time.Second
)

// ErrNotRegistered is returned when unregistering a network request that is
// not (or no longer) registered.
var ErrNotRegistered = errors.New("network request not registered")

// Config represents the main configuration structure
type Config struct {
	Peer      PeerConfig     `yaml:"peer" mapstructure:"peer"`
	Interface string         `yaml:"interface" mapstructure:"interface"`
	Timeouts  TimeoutConfig  `yaml:"timeouts" mapstructure:"timeouts"`
	Log       LogConfig      `yaml:"log" mapstructure:"log"`
	Server    ServerConfig   `yaml:"server" mapstructure:"server"`
	Platform  PlatformConfig `yaml:"platform" mapstructure:"platform"`
}

// PeerConfig describes the access point and the device behind it
type PeerConfig struct {
	SSID      string `yaml:"ssid" mapstructure:"ssid"`
	PSK       string `yaml:"psk" mapstructure:"psk"`
	BSSID     string `yaml:"bssid" mapstructure:"bssid"`
	Hidden    bool   `yaml:"hidden" mapstructure:"hidden"`
	Address   string `yaml:"address" mapstructure:"address"`       // Device address probed by verify
	LocalAddr string `yaml:"local_addr" mapstructure:"local_addr"` // Static CIDR, empty means DHCP
	Hostname  string `yaml:"hostname" mapstructure:"hostname"`     // Sent in DHCP requests
}

// GetAddress returns the peer address with default fallback
func (p *PeerConfig) GetAddress() string {
	if p.Address != "" {
		return p.Address
	}
	return DefaultPeerAddress
}

// TimeoutConfig holds configurable timeout values (in seconds)
// All values default to sensible values if not specified
type TimeoutConfig struct {
	Connect     int `yaml:"connect" mapstructure:"connect"`         // Caller-side connect wait (default: 25s)
	Verify      int `yaml:"verify" mapstructure:"verify"`           // Reachability probe (default: 5s)
	Association int `yaml:"association" mapstructure:"association"` // Backend association budget (default: 20s)
	DHCP        int `yaml:"dhcp" mapstructure:"dhcp"`               // DHCP lease acquisition (default: 15s)
	Command     int `yaml:"command" mapstructure:"command"`         // General command timeout (default: 30s)
}

// GetConnectTimeout returns connect timeout with default fallback
func (t *TimeoutConfig) GetConnectTimeout() time.Duration {
	if t.Connect > 0 {
		return time.Duration(t.Connect) * time.Second
	}
	return DefaultConnectTimeout
}

// GetVerifyTimeout returns verify timeout with default fallback
func (t *TimeoutConfig) GetVerifyTimeout() time.Duration {
	if t.Verify > 0 {
		return time.Duration(t.Verify) * time.Second
	}
	return DefaultVerifyTimeout
}

// GetAssociationTimeout returns association timeout with default fallback
func (t *TimeoutConfig) GetAssociationTimeout() time.Duration {
	if t.Association > 0 {
		return time.Duration(t.Association) * time.Second
	}
	return 20 * time.Second
}

// GetDHCPTimeout returns DHCP timeout with default fallback
func (t *TimeoutConfig) GetDHCPTimeout() time.Duration {
	if t.DHCP > 0 {
		return time.Duration(t.DHCP) * time.Second
	}
	return 15 * time.Second
}

// GetCommandTimeout returns command timeout with default fallback
func (t *TimeoutConfig) GetCommandTimeout() time.Duration {
	if t.Command > 0 {
		return time.Duration(t.Command) * time.Second
	}
	return 30 * time.Second
}

// LogConfig controls the logger sinks
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// ServerConfig configures the command channel listener
type ServerConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
}

// PlatformConfig allows pinning the detected platform version
type PlatformConfig struct {
	Version string `yaml:"version" mapstructure:"version"`
}

// ConnectionRequest describes one session-scoped connection attempt.
// A nil Password means an open network; any present value, even "",
// selects WPA2.
type ConnectionRequest struct {
	SSID     string
	Password *string
	BSSID    string
	Hidden   bool
	Timeout  time.Duration
}

// GetTimeout returns the request timeout with default fallback
func (r *ConnectionRequest) GetTimeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultConnectTimeout
}

// NetworkHandle identifies one active network attachment issued by a NetworkRequester
type NetworkHandle struct {
	ID        uint64
	Interface string
}

// IsZero reports whether the handle is unset
func (h NetworkHandle) IsZero() bool {
	return h.ID == 0 && h.Interface == ""
}

func (h NetworkHandle) String() string {
	return fmt.Sprintf("%s#%d", h.Interface, h.ID)
}

// RegistrationID identifies a live network request subscription
type RegistrationID uint64

// OutcomeKind tags a SessionOutcome
type OutcomeKind int

const (
	OutcomeConnected OutcomeKind = iota + 1
	OutcomeUnavailable
	OutcomeLost
	OutcomeTimedOut
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeConnected:
		return "connected"
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeLost:
		return "lost"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// SessionOutcome is the terminal result of one connect call
type SessionOutcome struct {
	Kind   OutcomeKind
	Handle NetworkHandle // set for OutcomeConnected
	Bound  bool          // process routing pinned to Handle
}

// Connected reports whether the outcome carries a usable network
func (o SessionOutcome) Connected() bool {
	return o.Kind == OutcomeConnected
}

// SecurityType is the authentication used by a NetworkSpecifier
type SecurityType string

const (
	SecurityOpen SecurityType = "open"
	SecurityWPA2 SecurityType = "wpa2"
)

// TransportType selects the link layer a NetworkRequest matches
type TransportType string

const TransportWiFi TransportType = "wifi"

// NetworkSpecifier describes which wireless network to match for an unsaved connection
type NetworkSpecifier struct {
	SSID       string
	Security   SecurityType
	Passphrase string
	BSSID      net.HardwareAddr
	Hidden     bool
}

// NetworkRequest is the network-selection request handed to a NetworkRequester
type NetworkRequest struct {
	Transport       TransportType
	RequireInternet bool
	Specifier       NetworkSpecifier
}

// SessionEventKind tags a SessionEvent
type SessionEventKind string

const (
	EventAvailable    SessionEventKind = "available"
	EventUnavailable  SessionEventKind = "unavailable"
	EventLost         SessionEventKind = "lost"
	EventTimedOut     SessionEventKind = "timed_out"
	EventDisconnected SessionEventKind = "disconnected"
)

// SessionEvent is published by the session manager on every state change
type SessionEvent struct {
	Kind   SessionEventKind `json:"event"`
	Handle string           `json:"handle,omitempty"`
	Bound  bool             `json:"bound,omitempty"`
	Time   time.Time        `json:"time"`
}

// Permission names a grant checked by the capability prober
type Permission string

// PositioningProvider names a positioning source
type PositioningProvider string

const (
	ProviderSatellite PositioningProvider = "satellite"
	ProviderNetwork   PositioningProvider = "network"
)

// Interfaces for dependency injection and testing

// SystemExecutor handles system command execution
type SystemExecutor interface {
	Execute(cmd string, args ...string) (string, error)
	ExecuteContext(ctx context.Context, cmd string, args ...string) (string, error)
	ExecuteWithTimeout(timeout time.Duration, cmd string, args ...string) (string, error)
	ExecuteWithInput(cmd string, input string, args ...string) (string, error)
	ExecuteWithInputContext(ctx context.Context, cmd string, input string, args ...string) (string, error)
	HasCommand(cmd string) bool
}

// Logger interface for structured logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// NetworkCallback receives the asynchronous events of one network request.
// Implementations must be safe for calls from any goroutine.
type NetworkCallback interface {
	OnAvailable(handle NetworkHandle)
	OnUnavailable()
	OnLost(handle NetworkHandle)
}

// NetworkRequester issues network-selection requests to the OS
type NetworkRequester interface {
	RequestNetwork(req NetworkRequest, cb NetworkCallback) (RegistrationID, error)
	Unregister(id RegistrationID) error
}

// ProcessBinder routes the process's outbound traffic over a specific network
type ProcessBinder interface {
	Bind(handle NetworkHandle) error
	Unbind() error
}

// CapabilitySource answers raw point-in-time platform queries
type CapabilitySource interface {
	RadioEnabled() (bool, error)
	ProviderEnabled(provider PositioningProvider) (bool, error)
	PermissionGranted(perm Permission) (bool, error)
}

// EventSink receives session events. Publish must not block.
type EventSink interface {
	Publish(event SessionEvent)
}

// DHCPClientManager handles DHCP client lease operations.
// Acquire stops early when ctx is cancelled.
type DHCPClientManager interface {
	Acquire(ctx context.Context, iface string, hostname string) error
	Release(iface string) error
}

// ConfigManager handles configuration loading and management
type ConfigManager interface {
	LoadConfig(path string) (*Config, error)
	GetConfig() *Config
}
