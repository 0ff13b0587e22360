package ioloop

import (
	"container/list"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/mpx/nucore/alloc"
	"github.com/mpx/nucore/buffer"
	"github.com/mpx/nucore/internal/fdutil"
	"github.com/mpx/nucore/message"
	"github.com/mpx/nucore/nerr"
)

// Mode selects whether a Channel buffers a contiguous byte stream or a
// queue of discrete datagram messages.
type Mode int

const (
	ModeStream Mode = iota
	ModeMessage
)

// ReaderFunc is invoked when a Channel has buffered input to deliver (or has
// observed EOF with a reader configured).
type ReaderFunc func(ch *Channel)

// CloseFunc is invoked once a Channel has observed a clean EOF, if the host
// wants to do something other than let the channel free itself.
type CloseFunc func(ch *Channel)

// ErrorFunc is invoked when a read or write on the channel's fd fails with
// anything other than EAGAIN/EWOULDBLOCK/EINTR.
type ErrorFunc func(ch *Channel, err error)

// defaultMessageRecvSize bounds a single message.Recv call's payload
// capacity during the internal watcher's read-fill loop.
const defaultMessageRecvSize = 64 * 1024

// Channel is the composite per-fd object: one Watch, plus either stream
// buffers or message queues, driving user callbacks from non-blocking I/O.
type Channel struct {
	node  *alloc.Node
	fd    int
	mode  Mode
	reg   *Registry
	watch *Watch

	reader       ReaderFunc
	closeHandler CloseFunc
	errorHandler ErrorFunc
	data         interface{}

	sendBuf *buffer.Buffer
	recvBuf *buffer.Buffer
	sendQ   *list.List // of *message.Message
	recvQ   *list.List // of *message.Message

	shutdown bool
	eof      bool

	// closeDeferred models re-entrant Close during callback dispatch: it
	// points at a bool owned by onReady's own stack frame, set non-nil
	// only while callbacks are running.
	closeDeferred *bool
}

var (
	sigpipeOnce     sync.Once
	sigpipeDisabled bool
)

// DisableSigpipeHandling opts a host out of the automatic SIGPIPE-ignore
// policy. It must be called before the first Reopen to have any effect.
func DisableSigpipeHandling() { sigpipeDisabled = true }

func ensureSigpipeIgnored() {
	if sigpipeDisabled {
		return
	}
	sigpipeOnce.Do(func() {
		signal.Ignore(syscall.SIGPIPE)
	})
}

// Reopen wraps fd in a new Channel: sets it non-blocking, ensures SIGPIPE is
// ignored process-wide, and registers an internal Watch (initially
// READ-only) with reg that drives the channel's callbacks.
func Reopen(parent *alloc.Node, fd int, mode Mode, reg *Registry, reader ReaderFunc, closeHandler CloseFunc, errorHandler ErrorFunc, data interface{}) (*Channel, error) {
	if err := fdutil.SetNonblock(fd); err != nil {
		return nil, err
	}
	ensureSigpipeIgnored()

	n, _ := alloc.New(parent, 0, "ioloop.Channel")
	ch := &Channel{
		node:         n,
		fd:           fd,
		mode:         mode,
		reg:          reg,
		reader:       reader,
		closeHandler: closeHandler,
		errorHandler: errorHandler,
		data:         data,
	}

	switch mode {
	case ModeStream:
		ch.sendBuf = buffer.New(n)
		ch.recvBuf = buffer.New(n)
	case ModeMessage:
		ch.sendQ = list.New()
		ch.recvQ = list.New()
	}

	ch.watch = reg.AddWatch(n, fd, EventRead, ch.onReady, nil)

	n.SetDestructor(func(*alloc.Node) int {
		if err := unix.Close(ch.fd); err != nil {
			return 1
		}
		return 0
	})

	return ch, nil
}

// Node returns the alloc.Node backing this channel's place in the forest.
func (ch *Channel) Node() *alloc.Node { return ch.node }

// Fd returns the channel's file descriptor. It remains valid until the
// channel is freed.
func (ch *Channel) Fd() int { return ch.fd }

// Data returns the user data supplied to Reopen.
func (ch *Channel) Data() interface{} { return ch.data }

// Write appends src to the stream send buffer and arms the write watch. It
// panics if the channel is not in Stream mode.
func (ch *Channel) Write(src []byte) error {
	if ch.mode != ModeStream {
		panic("ioloop: Write on a non-stream channel")
	}
	if err := ch.sendBuf.Push(src); err != nil {
		return err
	}
	ch.watch.SetEvents(ch.watch.Events() | EventWrite)
	return nil
}

// Printf formats into the stream send buffer, as Write does.
func (ch *Channel) Printf(format string, args ...interface{}) error {
	return ch.Write([]byte(fmt.Sprintf(format, args...)))
}

// SendMessage enqueues msg on the message send queue and arms the write
// watch, taking ownership of msg by reparenting its node under the
// channel's. It panics if the channel is not in Message mode.
func (ch *Channel) SendMessage(msg *message.Message) {
	if ch.mode != ModeMessage {
		panic("ioloop: SendMessage on a non-message channel")
	}
	msg.Node().Reparent(ch.node)
	ch.sendQ.PushBack(msg)
	ch.watch.SetEvents(ch.watch.Events() | EventWrite)
}

// Read pops up to n already-buffered bytes off the stream recv buffer. See
// buffer.Buffer.Pop for the null-termination contract.
func (ch *Channel) Read(parent *alloc.Node, n int) (*alloc.Node, int) {
	if ch.mode != ModeStream {
		panic("ioloop: Read on a non-stream channel")
	}
	return ch.recvBuf.Pop(parent, n)
}

// Get returns a newly allocated null-terminated copy of the bytes up to
// (and excluding) the first occurrence of any byte in delims or of a NUL
// byte, consuming that separator from the recv buffer. It returns
// (nil, false) when no terminator is present yet.
func (ch *Channel) Get(parent *alloc.Node, delims []byte) (*alloc.Node, bool) {
	if ch.mode != ModeStream {
		panic("ioloop: Get on a non-stream channel")
	}
	idx := indexDelim(ch.recvBuf.Bytes(), delims)
	if idx < 0 {
		return nil, false
	}
	out, _ := ch.recvBuf.Pop(parent, idx)
	ch.recvBuf.Shrink(1) // consume the separator itself
	return out, true
}

func indexDelim(data, delims []byte) int {
	for i, c := range data {
		if c == 0 {
			return i
		}
		for _, d := range delims {
			if c == d {
				return i
			}
		}
	}
	return -1
}

// ReadMessage pops the head of the message recv queue and reparents it
// under parent. It returns (nil, false) if the queue is empty.
func (ch *Channel) ReadMessage(parent *alloc.Node) (*message.Message, bool) {
	if ch.mode != ModeMessage {
		panic("ioloop: ReadMessage on a non-message channel")
	}
	e := ch.recvQ.Front()
	if e == nil {
		return nil, false
	}
	msg := e.Value.(*message.Message)
	ch.recvQ.Remove(e)
	msg.Node().Reparent(parent)
	return msg, true
}

// Close frees the channel, unless a callback is currently dispatching on
// it, in which case the free is deferred until that dispatch returns.
func (ch *Channel) Close() {
	if ch.closeDeferred != nil {
		*ch.closeDeferred = true
		return
	}
	ch.node.Free()
}

// Shutdown marks the channel for close once its pending buffers/queues
// drain. If they are already empty, it closes immediately.
func (ch *Channel) Shutdown() {
	ch.shutdown = true
	if ch.isEmpty() {
		ch.Close()
	}
}

func (ch *Channel) isEmpty() bool {
	switch ch.mode {
	case ModeStream:
		return ch.sendBuf.Length() == 0 && ch.recvBuf.Length() == 0
	default:
		return ch.sendQ.Len() == 0 && ch.recvQ.Len() == 0
	}
}

func (ch *Channel) hasBufferedInput() bool {
	switch ch.mode {
	case ModeStream:
		return ch.recvBuf.Length() > 0
	default:
		return ch.recvQ.Len() > 0
	}
}

// onReady is the internal watcher, installed as the channel's Watch
// callback at Reopen time. It implements the dispatch sequence from the
// component design: flush write, fill read, then deliver reader/close/error
// callbacks in order, honoring close deferral throughout.
func (ch *Channel) onReady(w *Watch, events EventMask) {
	deferred := false
	ch.closeDeferred = &deferred
	defer func() {
		ch.closeDeferred = nil
		if deferred {
			ch.node.Free()
		}
	}()

	// Write and read are independent checks (§4.5 steps 1 and 2): a write
	// error must not suppress processing of already-ready read data in
	// the same tick, so each runs regardless of the other's outcome.
	var writeErr, readErr error
	if events&EventWrite != 0 {
		writeErr = ch.flushWrite()
	}
	if events&(EventRead|EventExcept) != 0 {
		readErr = ch.fillRead()
	}
	ioErr := readErr
	if ioErr == nil {
		ioErr = writeErr
	}

	if ch.reader != nil && (ch.hasBufferedInput() || ch.eof) {
		ch.reader(ch)
	}

	if ch.eof {
		if ch.closeHandler != nil {
			ch.closeHandler(ch)
		} else {
			ch.Close()
		}
	} else if ioErr != nil {
		kind := nerr.FromError(ioErr)
		if errors.Is(ioErr, message.ErrTruncated) {
			kind = nerr.KindTruncated
		}
		nerr.Raise(kind, fmt.Sprintf("channel fd %d: %v", ch.fd, ioErr))
		if ch.errorHandler != nil {
			ch.errorHandler(ch, ioErr)
		} else {
			log.Printf("ioloop: channel fd %d: %v", ch.fd, ioErr)
			ch.Close()
		}
	}

	if ch.shutdown && ch.isEmpty() {
		ch.Close()
	}
}

func (ch *Channel) flushWrite() error {
	switch ch.mode {
	case ModeStream:
		if ch.sendBuf.Length() > 0 {
			n, err := writeOnce(ch.fd, ch.sendBuf.Bytes())
			if err != nil {
				if isAgain(err) {
					return nil
				}
				return err
			}
			ch.sendBuf.Shrink(n)
		}
		if ch.sendBuf.Length() == 0 {
			ch.watch.SetEvents(ch.watch.Events() &^ EventWrite)
		}
	case ModeMessage:
		if e := ch.sendQ.Front(); e != nil {
			msg := e.Value.(*message.Message)
			if err := msg.Send(ch.fd); err != nil {
				if isAgain(err) {
					return nil
				}
				return err
			}
			ch.sendQ.Remove(e)
			msg.Node().Free()
		}
		if ch.sendQ.Len() == 0 {
			ch.watch.SetEvents(ch.watch.Events() &^ EventWrite)
		}
	}
	return nil
}

func (ch *Channel) fillRead() error {
	switch ch.mode {
	case ModeStream:
		for {
			if err := ch.recvBuf.Resize(buffer.PageSize); err != nil {
				return err
			}
			n, err := readOnce(ch.fd, ch.recvBuf.Spare())
			if err != nil {
				if isAgain(err) {
					return nil
				}
				return err
			}
			if n == 0 {
				ch.eof = true
				return nil
			}
			ch.recvBuf.Commit(n)
		}
	default:
		for {
			msg, n, err := message.Recv(ch.node, ch.fd, defaultMessageRecvSize)
			if err != nil {
				if isAgain(err) {
					return nil
				}
				return err
			}
			if n == 0 {
				ch.eof = true
				return nil
			}
			ch.recvQ.PushBack(msg)
		}
	}
}

func isAgain(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

func writeOnce(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Write(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func readOnce(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}
