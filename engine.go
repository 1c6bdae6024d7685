package pollhttp

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// Version of the engine, also part of DefaultServerName.
const Version = "1.42.0"

// acceptQueueSize bounds the connections accepted but not yet admitted by
// a pass. Accept goroutines block when it is full.
const acceptQueueSize = 1024

// maxAdmitPerPass bounds the connections admitted by a single pass.
const maxAdmitPerPass = 256

// Engine is an embeddable HTTP/1.x server driven by its host.
//
// The host calls Poll (or Serve) repeatedly; every call waits for network
// activity at most the given time and then runs one pass over the
// connections: admit accepted connections, read, parse, call handlers,
// flush, reap and expire. Handlers are never called concurrently for the
// same connection. Several Engines may coexist in one process.
type Engine struct {
	cfg   atomic.Pointer[Config]
	cfgMu sync.Mutex

	log     zerolog.Logger
	access  *zerolog.Logger
	closers []io.Closer

	// mu guards listeners.
	mu        sync.Mutex
	listeners []*listener
	acceptCh  chan net.Conn
	stopCh    chan struct{}
	wg        sync.WaitGroup

	// passMu is held shared by passes and exclusively by Close.
	passMu sync.RWMutex
	closed atomic.Bool

	wake     *wakeChannel
	table    *connTable
	uris     uriTable
	statuses statusRegistry
	ssi      *xsync.MapOf[string, ssiFunc]
	wakeups  *wakeupRegistry
	acl      atomic.Pointer[acl]
	wp       *workerPool
	passPool sync.Pool

	nextID           atomic.Uint64
	lastOverflowTime atomic.Int64
	stats            engineStats
}

type engineStats struct {
	accepted     atomic.Uint64
	rejected     atomic.Uint64
	requests     atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	// Accepted counts admitted connections.
	Accepted uint64
	// Rejected counts connections refused by the ACL or for lack of room.
	Rejected uint64
	// Requests counts finished request cycles.
	Requests     uint64
	BytesRead    uint64
	BytesWritten uint64
	// Conns is the number of open connections.
	Conns int
}

// New creates an Engine. Listeners named by cfg.Ports are opened right
// away; privileges are dropped to cfg.UID afterwards. cfg is copied.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg = cfg.clone()
	e := &Engine{
		acceptCh: make(chan net.Conn, acceptQueueSize),
		stopCh:   make(chan struct{}),
		table:    newConnTable(),
		statuses: newStatusRegistry(),
		ssi:      newSSIRegistry(),
	}
	e.cfg.Store(cfg)
	if err := e.setupLoggers(cfg); err != nil {
		return nil, err
	}
	a, err := parseACL(cfg.ACL)
	if err != nil {
		e.closeLogs()
		return nil, err
	}
	e.acl.Store(a)
	if e.wake, err = newWakeChannel(); err != nil {
		e.closeLogs()
		return nil, err
	}
	e.wakeups = newWakeupRegistry(cfg.getConcurrency(), e.wake.wake)
	e.wp = &workerPool{
		WorkerFunc:      e.serveJob,
		MaxWorkersCount: cfg.getThreads(),
	}
	e.wp.Start()
	if cfg.Ports != "" {
		if err = e.openPorts(cfg, cfg.Ports); err != nil {
			_ = e.Close()
			return nil, err
		}
	}
	if err = dropPrivileges(cfg.UID); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

// RegisterURI binds h to every request path starting with pattern. The
// longest matching pattern wins; among equally long ones the first
// registered. A trailing "*" is allowed and ignored.
func (e *Engine) RegisterURI(pattern string, h Handler, userData any) {
	e.uris.register(pattern, h, userData)
}

// HandleError replaces the built-in response of an engine generated
// status (400, 401, 404, 405, 431, 501 and 505). The handler
// is invoked like any other; Arg.Status tells the code. A nil h restores
// the built-in response.
func (e *Engine) HandleError(status int, h Handler, userData any) {
	e.statuses.set(status, h, userData)
}

// Wakeup resumes the connection suspended under t. It may be called from
// any goroutine. A wakeup arriving before the handler suspends cancels
// that suspension. It returns false when t is stale.
func (e *Engine) Wakeup(t Token) bool {
	if e.wakeups == nil {
		return false
	}
	return e.wakeups.wake(t)
}

// ConnCount returns the number of open connections.
func (e *Engine) ConnCount() int {
	return e.table.len()
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Accepted:     e.stats.accepted.Load(),
		Rejected:     e.stats.rejected.Load(),
		Requests:     e.stats.requests.Load(),
		BytesRead:    e.stats.bytesRead.Load(),
		BytesWritten: e.stats.bytesWritten.Load(),
		Conns:        e.table.len(),
	}
}

// Serve calls Poll until ctx is done or the engine is closed. It returns
// ctx.Err() or ErrEngineClosed.
func (e *Engine) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		if !e.closed.Load() {
			e.wake.wake()
		}
	})
	defer stop()
	for ctx.Err() == nil {
		if err := e.Poll(time.Second); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Close stops the listeners and closes every connection. Handlers that
// did not finish receive their terminal call with Arg.Aborted set. Close
// waits for running passes, so it must not be called from a Handler.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrEngineClosed
	}
	close(e.stopCh)
	e.mu.Lock()
	for _, l := range e.listeners {
		_ = l.ln.Close()
	}
	e.mu.Unlock()
	e.wg.Wait()

	// a pass blocked in poll(2) returns early
	e.wake.wake()
	e.passMu.Lock()
	defer e.passMu.Unlock()
drain:
	for {
		select {
		case nc := <-e.acceptCh:
			_ = nc.Close()
		default:
			break drain
		}
	}
	e.table.forEach(func(c *conn) bool {
		c.abort(ErrEngineClosed)
		return true
	})
	e.wp.Stop()
	e.wake.close()
	e.log.Info().Msg("engine closed")
	e.closeLogs()
	return nil
}

func (e *Engine) closeLogs() {
	for _, cl := range e.closers {
		_ = cl.Close()
	}
	e.closers = nil
}

// admit moves accepted connections into the table.
func (e *Engine) admit(now int64) {
	for i := 0; i < maxAdmitPerPass; i++ {
		select {
		case nc := <-e.acceptCh:
			e.admitConn(nc, now)
		default:
			return
		}
	}
}

func (e *Engine) admitConn(nc net.Conn, now int64) {
	cfg := e.config()
	if !e.acl.Load().allowed(nc.RemoteAddr()) {
		e.stats.rejected.Add(1)
		e.log.Debug().Str("remote", nc.RemoteAddr().String()).Msg("connection denied by acl")
		_ = nc.Close()
		return
	}
	if e.table.len() >= cfg.getConcurrency() {
		e.refuse(nc, cfg)
		return
	}
	token, slot, ok := e.wakeups.acquire()
	if !ok {
		e.refuse(nc, cfg)
		return
	}
	t, err := e.newTransport(nc, cfg)
	if err != nil {
		e.wakeups.release(slot)
		e.log.Error().Err(err).Str("remote", nc.RemoteAddr().String()).Msg("cannot serve connection")
		_ = nc.Close()
		return
	}
	c := newConn(e, e.nextID.Add(1), t, cfg, token, slot, now)
	e.table.add(c)
	e.stats.accepted.Add(1)
	c.setState(StateNew)
}

func (e *Engine) newTransport(nc net.Conn, cfg *Config) (transport, error) {
	if _, ok := nc.(*tls.Conn); !ok {
		if sc, ok := nc.(syscall.Conn); ok {
			return newFDTransport(nc, sc)
		}
	}
	return newStreamTransport(nc, cfg.getReadBufferSize(), e.wake.wake), nil
}

// refuse answers a connection the engine has no room for with a canned
// 503 and closes it.
func (e *Engine) refuse(nc net.Conn, cfg *Config) {
	e.stats.rejected.Add(1)
	now := absoluteNano()
	if last := e.lastOverflowTime.Load(); now-last > int64(time.Minute) && e.lastOverflowTime.CompareAndSwap(last, now) {
		e.log.Warn().Int("concurrency", cfg.getConcurrency()).
			Msg("the incoming connection cannot be served, try increasing Config.Concurrency")
	}
	go func() {
		_ = nc.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = nc.Write(overloadResponse)
		_ = nc.Close()
	}()
}
