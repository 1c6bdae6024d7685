package pollhttp

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Socketpair returns two connected, close-on-exec unix stream sockets.
// Hosts use it to build their own wakeup channels around Engine.Join.
func Socketpair() ([2]int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fds, errors.Wrap(err, "socketpair")
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	return fds, nil
}

// wakeChannel interrupts a poll(2) call from other goroutines. A poke
// writes one byte unless a poke is already outstanding.
type wakeChannel struct {
	rfd, wfd int
	pending  atomic.Bool

	mu     sync.RWMutex
	closed bool
}

func newWakeChannel() (*wakeChannel, error) {
	fds, err := Socketpair()
	if err != nil {
		return nil, err
	}
	for _, fd := range fds {
		if err = unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, errors.Wrap(err, "set nonblock")
		}
	}
	return &wakeChannel{rfd: fds[0], wfd: fds[1]}, nil
}

func (w *wakeChannel) wake() {
	if !w.pending.CompareAndSwap(false, true) {
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	var b = [1]byte{1}
	for {
		_, err := unix.Write(w.wfd, b[:])
		if err != unix.EINTR {
			return
		}
	}
}

// drain empties the socket. pending is cleared afterwards: a poke skipped
// while it was still set happened before this pass, which observes its
// effect.
func (w *wakeChannel) drain() {
	var b [64]byte
	for {
		n, err := unix.Read(w.rfd, b[:])
		if err == unix.EINTR {
			continue
		}
		if n <= 0 || err != nil {
			break
		}
	}
	w.pending.Store(false)
}

func (w *wakeChannel) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	_ = unix.Close(w.rfd)
	_ = unix.Close(w.wfd)
}
