//go:build windows

package server

import "syscall"

// SO_EXCLUSIVEADDRUSE; not exported by syscall
const soExclusiveAddrUse = ^syscall.SO_REUSEADDR

// setSocketOptions claims the port exclusively. Windows rebinds over
// TIME_WAIT by default, and SO_REUSEADDR there would let another process
// take over a live relay port.
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, soExclusiveAddrUse, 1)
}
