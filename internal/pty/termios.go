//go:build !windows
// +build !windows

package pty

import "golang.org/x/sys/unix"

// GetTermios reads the terminal attributes of fd.
func GetTermios(fd int) (*unix.Termios, error) {
	return unix.IoctlGetTermios(fd, ioctlGetTermios)
}

// SetTermios applies attrs to fd immediately.
func SetTermios(fd int, attrs *unix.Termios) error {
	return unix.IoctlSetTermios(fd, ioctlSetTermios, attrs)
}
