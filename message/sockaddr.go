package message

import "golang.org/x/sys/unix"

// addrBytes flattens a unix.Sockaddr into the "peer address bytes" form the
// spec calls for: a one-byte family tag followed by a fixed-layout payload.
// Only the address families this module's datagram paths actually exercise
// are supported; anything else comes back nil, same as an absent address.
func addrBytes(sa unix.Sockaddr) []byte {
	switch v := sa.(type) {
	case *unix.SockaddrUnix:
		b := make([]byte, 1+len(v.Name))
		b[0] = familyUnix
		copy(b[1:], v.Name)
		return b
	case *unix.SockaddrInet4:
		b := make([]byte, 1+4+2)
		b[0] = familyInet4
		copy(b[1:5], v.Addr[:])
		putUint16(b[5:7], uint16(v.Port))
		return b
	case *unix.SockaddrInet6:
		b := make([]byte, 1+16+2)
		b[0] = familyInet6
		copy(b[1:17], v.Addr[:])
		putUint16(b[17:19], uint16(v.Port))
		return b
	default:
		return nil
	}
}

const (
	familyUnix byte = iota
	familyInet4
	familyInet6
)

func putUint16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}
