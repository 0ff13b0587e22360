package ioloop

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/mpx/nucore/alloc"
	"github.com/mpx/nucore/nerr"
)

func chanSocketpair(t *testing.T, typ int) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, typ, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	return fds[0], fds[1]
}

// readyFDSet builds a readiness triple with fd marked in rd and/or wr, for
// feeding directly into HandleFDs without going through a real select(2)
// call.
func readyFDSet(fd int, read, write bool) (rd, wr, ex FDSet) {
	if read {
		rd.Set(fd)
	}
	if write {
		wr.Set(fd)
	}
	return
}

// TestStreamEcho is scenario S1: bytes written on one end of a pair of
// connected sockets appear in the peer's recv buffer once its channel's
// watch fires for EventRead.
func TestStreamEcho(t *testing.T) {
	root, _ := alloc.New(nil, 0, "root")
	defer root.Free()
	reg := NewRegistry()

	a, b := chanSocketpair(t, unix.SOCK_STREAM)
	defer unix.Close(b)

	var delivered []byte
	ch, err := Reopen(root, a, ModeStream, reg, func(c *Channel) {
		n, got := c.Read(root, 4096)
		if got > 0 {
			delivered = append(delivered, n.Payload()[:got]...)
		}
		n.Free()
	}, nil, nil, nil)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	_ = ch

	if _, err := unix.Write(b, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	rd, wr, ex := readyFDSet(a, true, false)
	reg.HandleFDs(&rd, &wr, &ex)

	if string(delivered) != "hello" {
		t.Fatalf("delivered = %q, want %q", delivered, "hello")
	}
}

// TestWriteErrorDoesNotSuppressReadInSameTick covers the §4.5 ordering fix:
// a write failure and a read delivery are independent checks within one
// onReady tick, so a write error must not prevent already-buffered input
// from being processed in the same dispatch.
func TestWriteErrorDoesNotSuppressReadInSameTick(t *testing.T) {
	root, _ := alloc.New(nil, 0, "root")
	defer root.Free()
	reg := NewRegistry()

	a, b := chanSocketpair(t, unix.SOCK_STREAM)

	// Queue data for 'a' to read, then sever the peer so a subsequent
	// write from 'a' fails — the buffered bytes already sitting in a's
	// receive queue remain readable regardless.
	if _, err := unix.Write(b, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	unix.Close(b)

	var delivered []byte
	ch, err := Reopen(root, a, ModeStream, reg, func(c *Channel) {
		n, got := c.Read(root, 4096)
		if got > 0 {
			delivered = append(delivered, n.Payload()[:got]...)
		}
		n.Free()
	}, nil, nil, nil)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if err := ch.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	rd, wr, ex := readyFDSet(a, true, true)
	reg.HandleFDs(&rd, &wr, &ex)

	if string(delivered) != "hello" {
		t.Fatalf("delivered = %q, want %q (read must proceed despite write error)", delivered, "hello")
	}
}

// TestChannelWriteFlushesAndClearsWriteEvent is invariant 6: once a
// channel's send buffer fully drains in a single flush, the watch's
// EventWrite bit is cleared so the host stops polling for writability.
func TestChannelWriteFlushesAndClearsWriteEvent(t *testing.T) {
	root, _ := alloc.New(nil, 0, "root")
	defer root.Free()
	reg := NewRegistry()

	a, b := chanSocketpair(t, unix.SOCK_STREAM)
	defer unix.Close(b)

	ch, err := Reopen(root, a, ModeStream, reg, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}

	if err := ch.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if ch.watch.Events()&EventWrite == 0 {
		t.Fatalf("EventWrite not armed after Write")
	}

	rd, wr, ex := readyFDSet(a, false, true)
	reg.HandleFDs(&rd, &wr, &ex)

	if ch.watch.Events()&EventWrite != 0 {
		t.Fatalf("EventWrite still armed after send buffer drained")
	}

	got := make([]byte, 4)
	n, err := unix.Read(b, got)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got[:n]) != "ping" {
		t.Fatalf("peer received %q, want %q", got[:n], "ping")
	}
}

// TestShutdownWithPendingDataDefersClose is a send-side variant of scenario
// S2: Shutdown on a channel with unflushed send data must not close
// immediately; the close
// happens once a later flush empties the buffers.
func TestShutdownWithPendingDataDefersClose(t *testing.T) {
	root, _ := alloc.New(nil, 0, "root")
	defer root.Free()
	reg := NewRegistry()

	a, b := chanSocketpair(t, unix.SOCK_STREAM)
	defer unix.Close(b)

	ch, err := Reopen(root, a, ModeStream, reg, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if err := ch.Write([]byte("bye")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ch.Shutdown()
	if reg.watches.Len() == 0 {
		t.Fatalf("channel closed immediately despite pending send data")
	}

	rd, wr, ex := readyFDSet(a, false, true)
	reg.HandleFDs(&rd, &wr, &ex)

	if reg.watches.Len() != 0 {
		t.Fatalf("channel watch still registered after shutdown drained")
	}
}

// TestChannelGetSplitsOnDelimiter is scenario S4: Get returns one
// line at a time, consuming the delimiter, and reports false until a
// delimiter has actually arrived.
func TestChannelGetSplitsOnDelimiter(t *testing.T) {
	root, _ := alloc.New(nil, 0, "root")
	defer root.Free()
	reg := NewRegistry()

	a, b := chanSocketpair(t, unix.SOCK_STREAM)
	defer unix.Close(b)

	ch, err := Reopen(root, a, ModeStream, reg, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}

	if _, err := unix.Write(b, []byte("first\nsecond")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rd, wr, ex := readyFDSet(a, true, false)
	reg.HandleFDs(&rd, &wr, &ex)

	line, ok := ch.Get(root, []byte{'\n'})
	if !ok {
		t.Fatalf("Get: expected a line after a newline arrived")
	}
	if got := string(line.Payload()[:line.Size()-1]); got != "first" {
		t.Fatalf("Get line = %q, want %q", got, "first")
	}
	line.Free()

	if _, ok := ch.Get(root, []byte{'\n'}); ok {
		t.Fatalf("Get: unexpected line before a second delimiter arrived")
	}
}

// TestChannelCloseIsIdempotent is invariant 5: calling Close twice must not
// double-free the channel's node.
func TestChannelCloseIsIdempotent(t *testing.T) {
	root, _ := alloc.New(nil, 0, "root")
	defer root.Free()
	reg := NewRegistry()

	a, b := chanSocketpair(t, unix.SOCK_STREAM)
	defer unix.Close(b)

	ch, err := Reopen(root, a, ModeStream, reg, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}

	ch.Close()
	ch.Close() // must be a silent no-op, not a panic or double-close of fd
}

// TestChannelCloseDuringCallbackIsDeferred is also invariant 5: a reader
// callback that calls Close on its own channel must not free the node
// while onReady is still using it; the free happens once onReady returns.
func TestChannelCloseDuringCallbackIsDeferred(t *testing.T) {
	root, _ := alloc.New(nil, 0, "root")
	defer root.Free()
	reg := NewRegistry()

	a, b := chanSocketpair(t, unix.SOCK_STREAM)
	defer unix.Close(b)

	var ch *Channel
	var freedDuringCallback bool
	var err error
	ch, err = Reopen(root, a, ModeStream, reg, func(c *Channel) {
		c.Close()
		freedDuringCallback = (reg.watches.Len() == 0)
	}, nil, nil, nil)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}

	if _, err := unix.Write(b, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rd, wr, ex := readyFDSet(a, true, false)
	reg.HandleFDs(&rd, &wr, &ex)

	if freedDuringCallback {
		t.Fatalf("channel watch was spliced out before onReady returned")
	}
	if reg.watches.Len() != 0 {
		t.Fatalf("channel watch still registered after onReady returned")
	}
	_ = ch
}

// TestReopenIgnoresSigpipeOnce is invariant 7: opening a channel ignores
// SIGPIPE process-wide, and does so exactly once regardless of how many
// channels are opened (sync.Once), unless DisableSigpipeHandling was
// called first.
func TestReopenIgnoresSigpipeOnce(t *testing.T) {
	root, _ := alloc.New(nil, 0, "root")
	defer root.Free()
	reg := NewRegistry()

	a, b := chanSocketpair(t, unix.SOCK_STREAM)
	defer unix.Close(a)
	defer unix.Close(b)

	c, d := chanSocketpair(t, unix.SOCK_STREAM)
	defer unix.Close(c)
	defer unix.Close(d)

	if _, err := Reopen(root, a, ModeStream, reg, nil, nil, nil, nil); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if _, err := Reopen(root, c, ModeStream, reg, nil, nil, nil, nil); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	// No direct way to observe signal.Ignore's registration count from
	// outside the runtime; this test's contract is that opening two
	// channels back to back doesn't panic or error, which is the only
	// externally observable effect of sigpipeOnce guarding the call.
}

// TestFillReadOutOfMemoryReachesNerr is the end-to-end path §7 describes: a
// buffer growth failure inside the internal watcher is classified by
// nerr.FromError and raised into nerr, observable by a host that never
// touched the failing Channel directly.
func TestFillReadOutOfMemoryReachesNerr(t *testing.T) {
	alloc.SetCeiling(1)
	t.Cleanup(func() { alloc.SetCeiling(0) })

	root, _ := alloc.New(nil, 0, "root")
	defer root.Free()
	reg := NewRegistry()

	a, b := chanSocketpair(t, unix.SOCK_STREAM)
	defer unix.Close(b)

	nerr.Get() // drain anything left pending from an earlier test

	ch, err := Reopen(root, a, ModeStream, reg, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	_ = ch

	rd, wr, ex := readyFDSet(a, true, false)
	reg.HandleFDs(&rd, &wr, &ex)

	kind, msg, ok := nerr.Get()
	if !ok {
		t.Fatalf("nerr.Get: expected a pending error after a recv-buffer grow failure")
	}
	if kind != nerr.KindOutOfMemory {
		t.Fatalf("nerr kind = %v, want KindOutOfMemory (message: %s)", kind, msg)
	}
}
