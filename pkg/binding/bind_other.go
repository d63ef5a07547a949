//go:build !linux

package binding

import "syscall"

func bindSocket(c syscall.RawConn, iface string) error {
	return ErrUnsupported
}
