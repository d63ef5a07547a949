// Package binding pins the process's outbound connections to one network
// interface. Sockets created through Dialer carry SO_BINDTODEVICE for the
// bound interface, so traffic to the peer never leaks onto another uplink.
package binding

import (
	"context"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/angelfreak/peerlink/pkg/types"
)

// ErrUnsupported is returned by Bind when the platform lacks process binding
var ErrUnsupported = errors.New("process network binding not supported on this platform")

// Binder holds the interface the process is currently bound to
type Binder struct {
	mu        sync.RWMutex
	supported bool
	iface     string
	logger    types.Logger

	// interfaceByName is swapped in tests
	interfaceByName func(name string) (*net.Interface, error)
}

// NewBinder creates a binder. supported comes from the platform feature table.
func NewBinder(supported bool, logger types.Logger) *Binder {
	return &Binder{
		supported:       supported,
		logger:          logger,
		interfaceByName: net.InterfaceByName,
	}
}

// Supported reports whether Bind can succeed on this platform
func (b *Binder) Supported() bool {
	return b.supported
}

// Bind routes future outbound connections over the handle's interface
func (b *Binder) Bind(handle types.NetworkHandle) error {
	if !b.supported {
		return ErrUnsupported
	}
	if err := types.ValidateInterfaceName(handle.Interface); err != nil {
		return errors.Wrapf(err, "cannot bind to %s", handle)
	}
	if _, err := b.interfaceByName(handle.Interface); err != nil {
		return errors.Wrapf(err, "cannot bind to %s", handle)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.iface = handle.Interface
	b.logger.Debug("Process bound to network", "handle", handle.String())
	return nil
}

// Unbind returns outbound routing to the OS default. Unbinding while
// unbound is a no-op.
func (b *Binder) Unbind() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.iface != "" {
		b.logger.Debug("Process unbound from network", "interface", b.iface)
	}
	b.iface = ""
	return nil
}

// Interface returns the bound interface, or "" when unbound
func (b *Binder) Interface() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.iface
}

// Dialer returns a dialer whose sockets follow the binding in effect at
// dial time.
func (b *Binder) Dialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout: timeout,
		Control: func(network, address string, c syscall.RawConn) error {
			iface := b.Interface()
			if iface == "" {
				return nil
			}
			return bindSocket(c, iface)
		},
	}
}

// DialContext dials through Dialer(timeout)
func (b *Binder) DialContext(ctx context.Context, timeout time.Duration, network, address string) (net.Conn, error) {
	return b.Dialer(timeout).DialContext(ctx, network, address)
}
