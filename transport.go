package pollhttp

import (
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	pool "github.com/newacorn/simple-bytes-pool"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// transport moves bytes between a connection's buffers and the peer
// without blocking. read and write return errWouldBlock when no progress
// is possible right now.
type transport interface {
	read(p []byte) (int, error)
	write(p []byte) (int, error)
	// fd returns the descriptor to poll, or -1 when readiness is reported
	// through the engine's wake channel instead.
	fd() int
	// ready reports stream readiness for the given interest. It is always
	// false for fd transports, which are polled.
	ready(wantRead, wantWrite bool) bool
	// close releases the transport. With abort set, bytes not yet sent are
	// dropped.
	close(abort bool) error
	conn() net.Conn
}

// fdTransport drives a socket directly: each read or write is a single
// non-blocking system call on the descriptor owned by nc.
type fdTransport struct {
	nc  net.Conn
	rc  syscall.RawConn
	sfd int
}

func newFDTransport(nc net.Conn, sc syscall.Conn) (*fdTransport, error) {
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, errors.Wrap(err, "syscall conn")
	}
	t := &fdTransport{nc: nc, rc: rc, sfd: -1}
	err = rc.Control(func(fd uintptr) {
		t.sfd = int(fd)
	})
	if err != nil {
		return nil, errors.Wrap(err, "raw control")
	}
	return t, nil
}

func (t *fdTransport) read(p []byte) (int, error) {
	var (
		n    int
		serr error
	)
	err := t.rc.Read(func(fd uintptr) bool {
		n, serr = unix.Read(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}
	if serr != nil {
		if serr == unix.EAGAIN || serr == unix.EINTR {
			return 0, errWouldBlock
		}
		return 0, serr
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (t *fdTransport) write(p []byte) (int, error) {
	var (
		n    int
		serr error
	)
	err := t.rc.Write(func(fd uintptr) bool {
		n, serr = unix.Write(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}
	if serr != nil {
		if serr == unix.EAGAIN || serr == unix.EINTR {
			return 0, errWouldBlock
		}
		return 0, serr
	}
	return n, nil
}

func (t *fdTransport) fd() int              { return t.sfd }
func (t *fdTransport) ready(_, _ bool) bool { return false }
func (t *fdTransport) conn() net.Conn       { return t.nc }

func (t *fdTransport) close(abort bool) error {
	if abort {
		if tc, ok := t.nc.(*net.TCPConn); ok {
			_ = tc.SetLinger(0)
		}
	}
	return t.nc.Close()
}

// streamCloseTimeout bounds how long queued output may take to drain after
// the engine closed a stream transport.
const streamCloseTimeout = 5 * time.Second

// streamTransport serves connections without a pollable descriptor of
// their own, TLS sessions and in-memory pipes. A reader and a writer
// goroutine move bytes between nc and two bounded queues; every change the
// engine may be waiting for is signalled through notify.
type streamTransport struct {
	nc     net.Conn
	limit  int
	notify func()

	mu     sync.Mutex
	cond   *sync.Cond
	inq    []byte
	rerr   error
	outq   []byte
	werr   error
	closed bool
	abort  bool
}

func newStreamTransport(nc net.Conn, limit int, notify func()) *streamTransport {
	t := &streamTransport{nc: nc, limit: limit, notify: notify}
	t.cond = sync.NewCond(&t.mu)
	go t.readLoop()
	go t.writeLoop()
	return t
}

func (t *streamTransport) readLoop() {
	py := pool.Get(t.limit)
	py.B = py.B[:cap(py.B)]
	defer py.RecycleToPool00()
	for {
		t.mu.Lock()
		for len(t.inq) >= t.limit && !t.closed {
			t.cond.Wait()
		}
		if t.closed {
			t.mu.Unlock()
			return
		}
		buf := py.B
		if room := t.limit - len(t.inq); len(buf) > room {
			buf = buf[:room]
		}
		t.mu.Unlock()

		n, err := t.nc.Read(buf)

		t.mu.Lock()
		t.inq = append(t.inq, buf[:n]...)
		if err != nil {
			t.rerr = err
		}
		t.mu.Unlock()
		if n > 0 || err != nil {
			t.notify()
		}
		if err != nil {
			return
		}
	}
}

func (t *streamTransport) writeLoop() {
	py := pool.Get(t.limit)
	py.B = py.B[:cap(py.B)]
	defer py.RecycleToPool00()
	for {
		t.mu.Lock()
		for len(t.outq) == 0 && !t.closed {
			t.cond.Wait()
		}
		if len(t.outq) == 0 || t.abort {
			t.mu.Unlock()
			_ = t.nc.Close()
			return
		}
		n := copy(py.B, t.outq)
		t.outq = t.outq[:copy(t.outq, t.outq[n:])]
		t.mu.Unlock()

		_, err := t.nc.Write(py.B[:n])

		t.mu.Lock()
		if err != nil {
			t.werr = err
			t.outq = t.outq[:0]
		}
		t.cond.Broadcast()
		t.mu.Unlock()
		t.notify()
		if err != nil {
			_ = t.nc.Close()
			return
		}
	}
}

func (t *streamTransport) read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.inq) > 0 {
		n := copy(p, t.inq)
		t.inq = t.inq[:copy(t.inq, t.inq[n:])]
		t.cond.Broadcast()
		return n, nil
	}
	if t.rerr != nil {
		return 0, t.rerr
	}
	return 0, errWouldBlock
}

func (t *streamTransport) write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.werr != nil {
		return 0, t.werr
	}
	room := t.limit - len(t.outq)
	if room <= 0 {
		return 0, errWouldBlock
	}
	if len(p) > room {
		p = p[:room]
	}
	t.outq = append(t.outq, p...)
	t.cond.Broadcast()
	return len(p), nil
}

func (t *streamTransport) fd() int        { return -1 }
func (t *streamTransport) conn() net.Conn { return t.nc }

func (t *streamTransport) ready(wantRead, wantWrite bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if wantRead && (len(t.inq) > 0 || t.rerr != nil) {
		return true
	}
	return wantWrite && (len(t.outq) < t.limit || t.werr != nil)
}

func (t *streamTransport) close(abort bool) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.abort = abort
	if abort {
		t.outq = t.outq[:0]
	}
	t.cond.Broadcast()
	t.mu.Unlock()
	// Unblocks the reader; the writer closes nc once the queue drained.
	now := time.Now()
	_ = t.nc.SetReadDeadline(now)
	if abort {
		_ = t.nc.SetWriteDeadline(now)
	} else {
		_ = t.nc.SetWriteDeadline(now.Add(streamCloseTimeout))
	}
	return nil
}
