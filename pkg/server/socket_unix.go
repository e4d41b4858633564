//go:build unix

package server

import "syscall"

// setSocketOptions lets a restarted relay bind its port while connections
// from the previous process sit in TIME_WAIT
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
