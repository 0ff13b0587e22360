// Package message implements one datagram's worth of state: a payload
// buffer, an ancillary control buffer laid out byte-for-byte like the
// platform's native cmsg records, and an optional peer address.
//
// Ancillary-data handling follows golang.org/x/sys/unix's own sockcmsg
// idiom (see UnixRights in that package) rather than a hand-rolled layout:
// the spec requires byte-for-byte compatibility with what the kernel's
// socket API consumes and produces, and x/sys/unix exists precisely to get
// that right across platforms.
package message

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mpx/nucore/alloc"
	"github.com/mpx/nucore/buffer"
)

// ErrTruncated is returned by Recv when the platform reports the datagram
// or its ancillary data did not fit in the provided capacity.
var ErrTruncated = errors.New("message: truncated")

// defaultControlCapacity is the control-buffer capacity Recv reserves when
// the caller doesn't hand it one already sized for a particular cmsg
// payload; "at least one page" per the spec.
const defaultControlCapacity = buffer.PageSize

// ControlRecord is a read-only view of one decoded ancillary-data record.
type ControlRecord struct {
	Level int32
	Type  int32
	Data  []byte
}

// Message is a single datagram: payload, control (ancillary) data, and an
// optional peer address. Payload and Control are themselves children of the
// message's own node, so freeing the message frees them too.
type Message struct {
	node    *alloc.Node
	Payload *buffer.Buffer
	Control *buffer.Buffer

	// Addr is the peer address, present when the message was received
	// from or is destined for an unconnected socket.
	Addr unix.Sockaddr
}

// New creates a message with empty payload and control buffers and no
// address, parented under parent (a root if nil).
func New(parent *alloc.Node) *Message {
	n, _ := alloc.New(parent, 0, "message.Message")
	m := &Message{node: n}
	m.Payload = buffer.New(n)
	m.Control = buffer.New(n)
	return m
}

// Node returns the alloc.Node backing this message's place in the forest.
func (m *Message) Node() *alloc.Node { return m.node }

// AddrBytes flattens Addr into the "peer address bytes" form the spec
// describes: a one-byte address-family tag followed by a fixed-layout
// payload. Returns nil when Addr is unset or of an unsupported family.
func (m *Message) AddrBytes() []byte { return addrBytes(m.Addr) }

// PushControl appends one aligned control record with the given (level,
// type) header and data bytes, growing the control buffer to the
// platform's cmsg-padded boundary.
func (m *Message) PushControl(level, typ int32, data []byte) error {
	space := unix.CmsgSpace(len(data))
	raw := make([]byte, space)

	hdr := (*unix.Cmsghdr)(unsafe.Pointer(&raw[0]))
	hdr.Level = level
	hdr.Type = typ
	hdr.SetLen(unix.CmsgLen(len(data)))

	copy(raw[unix.CmsgLen(0):], data)
	return m.Control.Push(raw)
}

// ControlRecords decodes the control buffer into a structured, read-only
// slice of records. It is a convenience view for callers and tests; the
// control buffer itself always stores raw, natively-aligned bytes.
func (m *Message) ControlRecords() ([]ControlRecord, error) {
	scms, err := unix.ParseSocketControlMessage(m.Control.Bytes())
	if err != nil {
		return nil, err
	}
	out := make([]ControlRecord, 0, len(scms))
	for _, scm := range scms {
		out = append(out, ControlRecord{
			Level: scm.Header.Level,
			Type:  scm.Header.Type,
			Data:  scm.Data,
		})
	}
	return out, nil
}
