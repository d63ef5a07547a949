//go:build linux

package binding

import (
	"syscall"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

func bindSocket(c syscall.RawConn, iface string) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface)
	})
	if err != nil {
		return errors.Wrap(err, "socket control failed")
	}
	if sockErr != nil {
		return errors.Wrapf(sockErr, "SO_BINDTODEVICE %s", iface)
	}
	return nil
}
