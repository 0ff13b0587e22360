package message

import (
	"github.com/mpx/nucore/alloc"
	"github.com/mpx/nucore/nerr"
	"golang.org/x/sys/unix"
)

// Recv reads one datagram from fd into a newly allocated Message sized to
// hold up to n payload bytes and a page of control-buffer capacity. It
// returns the message and the actual payload size.
//
// On truncation (the kernel reports MSG_TRUNC or MSG_CTRUNC) it raises
// nerr.KindTruncated and returns ErrTruncated. On clean EOF on a
// connection-oriented socket it returns a message with zero-length payload
// and n=0, no error. A zero-length datagram still keeps its control data.
func Recv(parent *alloc.Node, fd int, n int) (*Message, int, error) {
	m := New(parent)

	payload := make([]byte, n)
	control := make([]byte, defaultControlCapacity)

	nr, noob, flags, from, err := unix.Recvmsg(fd, payload, control, 0)
	if err != nil {
		return nil, 0, err
	}
	if flags&unix.MSG_TRUNC != 0 || flags&unix.MSG_CTRUNC != 0 {
		nerr.Raise(nerr.KindTruncated, "message: datagram exceeds receive capacity")
		return nil, 0, ErrTruncated
	}
	if err := m.Payload.Push(payload[:nr]); err != nil {
		return nil, 0, err
	}
	if noob > 0 {
		if err := m.Control.Push(control[:noob]); err != nil {
			return nil, 0, err
		}
	}
	if from != nil {
		m.Addr = from
	}
	return m, nr, nil
}

// Send transmits the message exactly once via fd. For an unconnected
// socket, Addr supplies the destination. Datagrams cannot partially send.
func (m *Message) Send(fd int) error {
	return unix.Sendmsg(fd, m.Payload.Bytes(), m.Control.Bytes(), m.Addr, 0)
}
