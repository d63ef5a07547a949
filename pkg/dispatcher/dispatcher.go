// Package dispatcher is the public command surface. It validates input,
// runs the preflight checks in order, delegates to the session manager or
// the reachability checker, and maps results onto the external error
// vocabulary.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/blang/semver/v4"
	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"

	"github.com/angelfreak/peerlink/pkg/session"
	"github.com/angelfreak/peerlink/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Method names accepted by Handle
const (
	MethodConnect            = "connect"
	MethodDisconnect         = "disconnect"
	MethodVerifyReachability = "verifyReachability"
	MethodIsWifiEnabled      = "isWifiEnabled"
	MethodIsLocationEnabled  = "isLocationEnabled"
)

// Error codes
const (
	CodeInvalidSSID         = "INVALID_SSID"
	CodeInvalidBSSID        = "INVALID_BSSID"
	CodePermissionDenied    = "PERMISSION_DENIED"
	CodeWifiDisabled        = "WIFI_DISABLED"
	CodeLocationDisabled    = "LOCATION_DISABLED"
	CodeNetworkRequestError = "NETWORK_REQUEST_ERROR"
	CodeConnectionError     = "CONNECTION_ERROR"
	CodeDisconnectError     = "DISCONNECT_ERROR"
	CodeVerifyError         = "VERIFY_ERROR"
)

// ErrNotImplemented is returned by Handle for unknown methods
var ErrNotImplemented = errors.New("method not implemented")

// Error is a rejected command: bad input, a failed preflight, or an
// internal failure. Failed connections and unreachable peers are results,
// not Errors.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Prober answers the preflight questions
type Prober interface {
	IsRadioEnabled() bool
	IsPositioningEnabled() bool
	HasRequiredPermissions(version semver.Version) bool
}

// Sessions runs connect and disconnect
type Sessions interface {
	Connect(ctx context.Context, req types.ConnectionRequest) (types.SessionOutcome, error)
	Disconnect() error
}

// Verifier probes a peer over HTTP
type Verifier interface {
	VerifyReachable(ctx context.Context, address string, timeout time.Duration) (bool, error)
}

// ConnectArgs are the connect inputs. A nil Password selects an open
// network; a present one, even "", selects WPA2. IsHidden is accepted as
// an alias of Hidden.
type ConnectArgs struct {
	SSID      string  `json:"ssid"`
	Password  *string `json:"password,omitempty"`
	BSSID     *string `json:"bssid,omitempty"`
	Hidden    bool    `json:"hidden,omitempty"`
	IsHidden  bool    `json:"isHidden,omitempty"`
	TimeoutMs int64   `json:"timeoutMs,omitempty"`
}

// ConnectResult reports a connect attempt that was carried out
type ConnectResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// VerifyArgs are the verifyReachability inputs
type VerifyArgs struct {
	IPAddress string `json:"ipAddress,omitempty"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

// VerifyResult reports a reachability probe
type VerifyResult struct {
	Reachable bool   `json:"reachable"`
	Message   string `json:"message"`
}

// EnabledResult answers isWifiEnabled and isLocationEnabled
type EnabledResult struct {
	Enabled bool `json:"enabled"`
}

// Dispatcher sequences the public operations
type Dispatcher struct {
	prober   Prober
	sessions Sessions
	verifier Verifier
	version  semver.Version
	logger   types.Logger

	peerAddress    string
	connectTimeout time.Duration
	verifyTimeout  time.Duration
}

// Option adjusts Dispatcher defaults
type Option func(*Dispatcher)

// WithPeerAddress sets the address verifyReachability probes by default
func WithPeerAddress(addr string) Option {
	return func(d *Dispatcher) {
		if addr != "" {
			d.peerAddress = addr
		}
	}
}

// WithTimeouts sets the defaults used when a call omits timeoutMs
func WithTimeouts(connect, verify time.Duration) Option {
	return func(d *Dispatcher) {
		if connect > 0 {
			d.connectTimeout = connect
		}
		if verify > 0 {
			d.verifyTimeout = verify
		}
	}
}

// New creates a dispatcher. version selects the permission set checked
// before connect.
func New(prober Prober, sessions Sessions, verifier Verifier, version semver.Version, logger types.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		prober:         prober,
		sessions:       sessions,
		verifier:       verifier,
		version:        version,
		logger:         logger,
		peerAddress:    types.DefaultPeerAddress,
		connectTimeout: types.DefaultConnectTimeout,
		verifyTimeout:  types.DefaultVerifyTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Connect validates args, runs preflight (radio, positioning, then
// permissions) and requests the network. A nil error with Success false
// means the attempt was made and did not produce a connection.
func (d *Dispatcher) Connect(ctx context.Context, args ConnectArgs) (*ConnectResult, error) {
	if err := types.ValidateSSID(args.SSID); err != nil {
		return nil, newError(CodeInvalidSSID, err.Error(), err)
	}
	var bssid string
	if args.BSSID != nil {
		bssid = *args.BSSID
		if err := types.ValidatePinnedBSSID(bssid); err != nil {
			return nil, newError(CodeInvalidBSSID, fmt.Sprintf("Invalid BSSID format: %s", bssid), err)
		}
	}

	if !d.prober.IsRadioEnabled() {
		return nil, newError(CodeWifiDisabled, "WiFi is not enabled", nil)
	}
	if !d.prober.IsPositioningEnabled() {
		return nil, newError(CodeLocationDisabled, "Location services are required for WiFi operations", nil)
	}
	if !d.prober.HasRequiredPermissions(d.version) {
		return nil, newError(CodePermissionDenied, "Required permissions not granted", nil)
	}

	req := types.ConnectionRequest{
		SSID:     args.SSID,
		BSSID:    bssid,
		Hidden:   args.Hidden || args.IsHidden,
		Timeout:  d.timeout(args.TimeoutMs, d.connectTimeout),
		Password: args.Password,
	}

	outcome, err := d.sessions.Connect(ctx, req)
	if err != nil {
		if errors.Is(err, session.ErrRequestFailed) {
			return nil, newError(CodeNetworkRequestError, fmt.Sprintf("Failed to request network: %s", err), err)
		}
		return nil, newError(CodeConnectionError, fmt.Sprintf("Failed to connect: %s", err), err)
	}

	if outcome.Connected() {
		return &ConnectResult{Success: true, Message: "Connected successfully"}, nil
	}
	d.logger.Debug("Connect did not succeed", "outcome", outcome.Kind.String())
	return &ConnectResult{Success: false, Message: "Connection failed"}, nil
}

// Disconnect tears down the current session; calling it while idle is fine
func (d *Dispatcher) Disconnect() error {
	if err := d.sessions.Disconnect(); err != nil {
		return newError(CodeDisconnectError, fmt.Sprintf("Failed to disconnect: %s", err), err)
	}
	return nil
}

// VerifyReachability probes the peer, defaulting address and timeout
func (d *Dispatcher) VerifyReachability(ctx context.Context, args VerifyArgs) (*VerifyResult, error) {
	address := args.IPAddress
	if address == "" {
		address = d.peerAddress
	}

	reachable, err := d.verifier.VerifyReachable(ctx, address, d.timeout(args.TimeoutMs, d.verifyTimeout))
	if err != nil {
		return nil, newError(CodeVerifyError, fmt.Sprintf("Failed to verify reachability: %s", err), err)
	}
	if reachable {
		return &VerifyResult{Reachable: true, Message: "Device reachable"}, nil
	}
	return &VerifyResult{Reachable: false, Message: "Device not reachable"}, nil
}

// IsWifiEnabled reports the radio state
func (d *Dispatcher) IsWifiEnabled() EnabledResult {
	return EnabledResult{Enabled: d.prober.IsRadioEnabled()}
}

// IsLocationEnabled reports whether any positioning provider is on
func (d *Dispatcher) IsLocationEnabled() EnabledResult {
	return EnabledResult{Enabled: d.prober.IsPositioningEnabled()}
}

// Handle decodes rawArgs for method and runs it. The result is nil for
// disconnect. Unknown methods return ErrNotImplemented.
func (d *Dispatcher) Handle(ctx context.Context, method string, rawArgs []byte) (any, error) {
	switch method {
	case MethodConnect:
		var args ConnectArgs
		if err := decodeArgs(rawArgs, &args); err != nil {
			return nil, newError(CodeConnectionError, fmt.Sprintf("Failed to connect: %s", err), err)
		}
		return d.Connect(ctx, args)
	case MethodDisconnect:
		return nil, d.Disconnect()
	case MethodVerifyReachability:
		var args VerifyArgs
		if err := decodeArgs(rawArgs, &args); err != nil {
			return nil, newError(CodeVerifyError, fmt.Sprintf("Failed to verify reachability: %s", err), err)
		}
		return d.VerifyReachability(ctx, args)
	case MethodIsWifiEnabled:
		return d.IsWifiEnabled(), nil
	case MethodIsLocationEnabled:
		return d.IsLocationEnabled(), nil
	}
	return nil, errors.Wrapf(ErrNotImplemented, "%q", method)
}

func (d *Dispatcher) timeout(ms int64, def time.Duration) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func decodeArgs(raw []byte, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, "malformed arguments")
	}
	return nil
}
