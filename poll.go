package pollhttp

import (
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const pollReadEvents = unix.POLLIN | unix.POLLHUP | unix.POLLERR | unix.POLLNVAL

// fdSetSize is the number of descriptors a unix.FdSet can hold.
var fdSetSize = func() int {
	var s unix.FdSet
	return len(s.Bits) * int(unsafe.Sizeof(s.Bits[0])) * 8
}()

// passState is the scratch space of one Poll call.
type passState struct {
	fds    []unix.PollFd
	polled []*conn
	rev    map[*conn]int16
	jobs   []passJob
	wg     sync.WaitGroup
}

func (e *Engine) getPassState() *passState {
	if v := e.passPool.Get(); v != nil {
		return v.(*passState)
	}
	return &passState{rev: make(map[*conn]int16)}
}

func (e *Engine) putPassState(ps *passState) {
	for i := range ps.polled {
		ps.polled[i] = nil
	}
	ps.polled = ps.polled[:0]
	ps.fds = ps.fds[:0]
	for i := range ps.jobs {
		ps.jobs[i] = passJob{}
	}
	ps.jobs = ps.jobs[:0]
	clear(ps.rev)
	e.passPool.Put(ps)
}

func pollTimeout(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}

// Poll waits at most timeout for network activity, or not at all when
// some connection can progress already, and then runs one pass. A
// negative timeout waits without limit. Poll may be called from several
// goroutines at once; each connection is served by one of them.
func (e *Engine) Poll(timeout time.Duration) error {
	e.passMu.RLock()
	defer e.passMu.RUnlock()
	if e.closed.Load() {
		return ErrEngineClosed
	}
	ps := e.getPassState()
	defer e.putPassState(ps)

	ps.fds = append(ps.fds, unix.PollFd{Fd: int32(e.wake.rfd), Events: unix.POLLIN})
	ready := len(e.acceptCh) > 0 || e.wakeups.woken.Load() > 0
	e.table.forEach(func(c *conn) bool {
		if !c.busy.CompareAndSwap(false, true) {
			// another pass is serving it
			return true
		}
		if c.ready() {
			ready = true
		}
		if fd := c.t.fd(); fd >= 0 && c.state != stateClosed {
			var events int16
			if c.wantRead() {
				events |= unix.POLLIN
			}
			if c.outPending() {
				events |= unix.POLLOUT
			}
			if events != 0 {
				ps.fds = append(ps.fds, unix.PollFd{Fd: int32(fd), Events: events})
				ps.polled = append(ps.polled, c)
			}
		}
		c.busy.Store(false)
		return true
	})

	ms := pollTimeout(timeout)
	if ready {
		ms = 0
	}
	if _, err := unix.Poll(ps.fds, ms); err != nil && err != unix.EINTR {
		return errors.Wrap(err, "poll")
	}
	if ps.fds[0].Revents != 0 {
		e.wake.drain()
	}
	for i, c := range ps.polled {
		if rev := ps.fds[i+1].Revents; rev != 0 {
			ps.rev[c] = rev
		}
	}
	e.pass(ps)
	return nil
}

// pass admits accepted connections, then serves and expires every
// connection of the table, on the worker pool when Config.Threads > 1.
func (e *Engine) pass(ps *passState) {
	now := absoluteNano()
	cfg := e.config()
	e.admit(now)

	idle := int64(cfg.getIdleTimeout())
	threads := cfg.getThreads()
	e.table.forEach(func(c *conn) bool {
		if !c.busy.CompareAndSwap(false, true) {
			return true
		}
		ps.jobs = append(ps.jobs, passJob{c: c, rev: ps.rev[c], now: now, wg: &ps.wg})
		return true
	})
	for i := range ps.jobs {
		j := &ps.jobs[i]
		j.idle = idle
		if threads > 1 {
			ps.wg.Add(1)
			if e.wp.Serve(j) {
				continue
			}
			ps.wg.Done()
		}
		serveConn(j)
	}
	ps.wg.Wait()
}

// serveJob runs a job handed to the worker pool.
func (e *Engine) serveJob(j *passJob) {
	serveConn(j)
	j.wg.Done()
}

func serveConn(j *passJob) {
	c := j.c
	c.serve(j.rev, j.now)
	c.expire(j.now, j.idle)
	c.busy.Store(false)
}

// Join adds the descriptors the engine waits on to the host's sets and
// returns the highest descriptor added, or -1. Descriptors not fitting an
// FdSet are skipped. After its own select(2) returns, the host calls
// Poll(0) to run a pass.
func (e *Engine) Join(rd, wr *unix.FdSet) int {
	e.passMu.RLock()
	defer e.passMu.RUnlock()
	if e.closed.Load() {
		return -1
	}
	maxFD := -1
	add := func(set *unix.FdSet, fd int) {
		if set == nil || fd < 0 || fd >= fdSetSize {
			return
		}
		set.Set(fd)
		if fd > maxFD {
			maxFD = fd
		}
	}
	add(rd, e.wake.rfd)
	e.table.forEach(func(c *conn) bool {
		if !c.busy.CompareAndSwap(false, true) {
			return true
		}
		if fd := c.t.fd(); fd >= 0 && c.state != stateClosed {
			if c.wantRead() {
				add(rd, fd)
			}
			if c.outPending() {
				add(wr, fd)
			}
		}
		c.busy.Store(false)
		return true
	})
	return maxFD
}
