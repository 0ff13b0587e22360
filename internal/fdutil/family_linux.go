//go:build linux

package fdutil

import "golang.org/x/sys/unix"

// GetFamily returns the address family of a bound socket, or a negative
// code on error.
func GetFamily(fd int) (int, error) {
	family, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN)
	if err != nil {
		return -1, err
	}
	return family, nil
}
