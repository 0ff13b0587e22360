// Package fdutil implements the small set of file-descriptor flag
// operations the core needs: setting non-blocking and close-on-exec mode,
// and probing a bound socket's address family. Each is a read-modify-write
// of the underlying flag word via fcntl/getsockopt, following the same
// internal/openat idiom the teacher composes O_CLOEXEC with.
package fdutil

import "golang.org/x/sys/unix"

// SetNonblock sets fd non-blocking via an F_GETFL/F_SETFL read-modify-write.
func SetNonblock(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
	return err
}

// SetCloexec sets fd close-on-exec via an F_GETFD/F_SETFD read-modify-write.
func SetCloexec(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return err
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC)
	return err
}
