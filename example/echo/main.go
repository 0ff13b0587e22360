// A small host loop over package ioloop: a Unix-domain stream listener
// that echoes each connection's input back to it a line at a time.
package main

import (
	"flag"
	"log"

	"golang.org/x/sys/unix"

	"github.com/mpx/nucore/alloc"
	"github.com/mpx/nucore/internal/fdutil"
	"github.com/mpx/nucore/ioloop"
)

func main() {
	path := flag.String("socket", "/tmp/nucore-echo.sock", "unix socket path to listen on")
	flag.Parse()

	root, err := alloc.New(nil, 0, "echo.root")
	if err != nil {
		log.Fatalf("alloc.New: %v", err)
	}
	defer root.Free()

	unix.Unlink(*path)
	lfd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		log.Fatalf("Socket: %v", err)
	}
	if err := unix.Bind(lfd, &unix.SockaddrUnix{Name: *path}); err != nil {
		log.Fatalf("Bind: %v", err)
	}
	if err := unix.Listen(lfd, 16); err != nil {
		log.Fatalf("Listen: %v", err)
	}
	if err := fdutil.SetNonblock(lfd); err != nil {
		log.Fatalf("SetNonblock: %v", err)
	}

	reg := ioloop.NewRegistry()
	reg.AddWatch(root, lfd, ioloop.EventRead, func(w *ioloop.Watch, events ioloop.EventMask) {
		acceptConn(root, reg, lfd)
	}, nil)

	log.Printf("listening on %s", *path)
	for {
		var nfds int
		var rd, wr, ex ioloop.FDSet
		reg.SelectFDs(&nfds, &rd, &wr, &ex)

		n, err := unix.Select(nfds, &rd.FdSet, &wr.FdSet, &ex.FdSet, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Fatalf("Select: %v", err)
		}
		if n == 0 {
			continue
		}
		reg.HandleFDs(&rd, &wr, &ex)
	}
}

func acceptConn(root *alloc.Node, reg *ioloop.Registry, lfd int) {
	for {
		fd, _, err := unix.Accept(lfd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			log.Printf("Accept: %v", err)
			return
		}

		ch, err := ioloop.Reopen(root, fd, ioloop.ModeStream, reg, onReadable, onClose, onError, nil)
		if err != nil {
			log.Printf("Reopen: %v", err)
			unix.Close(fd)
			continue
		}
		log.Printf("accepted fd %d", ch.Fd())
	}
}

func onReadable(ch *ioloop.Channel) {
	for {
		line, ok := ch.Get(ch.Node(), []byte{'\n'})
		if !ok {
			return
		}
		if err := ch.Write(line.Payload()[:line.Size()-1]); err != nil {
			log.Printf("fd %d: Write: %v", ch.Fd(), err)
		}
		_ = ch.Write([]byte("\n"))
		line.Free()
	}
}

func onClose(ch *ioloop.Channel) {
	log.Printf("fd %d: closed by peer", ch.Fd())
	ch.Close()
}

func onError(ch *ioloop.Channel, err error) {
	log.Printf("fd %d: %v", ch.Fd(), err)
	ch.Close()
}
