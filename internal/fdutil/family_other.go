//go:build !linux

package fdutil

import "golang.org/x/sys/unix"

// GetFamily returns the address family of a bound socket, or a negative
// code on error. SO_DOMAIN is Linux-only, so elsewhere this falls back to
// inspecting the address Getsockname reports.
func GetFamily(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return -1, err
	}
	switch sa.(type) {
	case *unix.SockaddrUnix:
		return unix.AF_UNIX, nil
	case *unix.SockaddrInet4:
		return unix.AF_INET, nil
	case *unix.SockaddrInet6:
		return unix.AF_INET6, nil
	default:
		return -1, nil
	}
}
