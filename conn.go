package pollhttp

import (
	"io"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

type parseState uint8

const (
	stateRequestLine parseState = iota
	stateHeaders
	stateHeadersComplete
	// stateBody: the handler is bound and producing the response.
	stateBody
	// stateComplete: the handler ended, output and unread body drain.
	stateComplete
	stateClosed
)

var parseStateName = [...]string{
	stateRequestLine:     "request line",
	stateHeaders:         "headers",
	stateHeadersComplete: "headers complete",
	stateBody:            "body",
	stateComplete:        "complete",
	stateClosed:          "closed",
}

func (s parseState) String() string {
	if int(s) < len(parseStateName) {
		return parseStateName[s]
	}
	return "unknown"
}

// A ConnState represents the state of a client connection. It's used by
// the optional Config.ConnState hook.
type ConnState int32

const (
	// StateNew represents a connection that was just admitted.
	StateNew ConnState = iota
	// StateActive represents a connection with a request in progress.
	StateActive
	// StateIdle represents a keep-alive connection waiting for the next
	// request.
	StateIdle
	// StateSuspended represents a connection parked by its handler until
	// Engine.Wakeup.
	StateSuspended
	// StateClosed represents a closed connection. This is a terminal
	// state.
	StateClosed
)

var stateName = map[ConnState]string{
	StateNew:       "new",
	StateActive:    "active",
	StateIdle:      "idle",
	StateSuspended: "suspended",
	StateClosed:    "closed",
}

func (c ConnState) String() string {
	return stateName[c]
}

// maxProcessSteps bounds the parse and dispatch steps of one connection
// per pass, so a pipelining peer cannot starve the others.
const maxProcessSteps = 16

var errIdleTimeout = errors.New("pollhttp: idle timeout")

type conn struct {
	id     uint64
	e      *Engine
	t      transport
	remote net.Addr

	// busy gives one goroutine at a time the right to touch the fields
	// below.
	busy atomic.Bool

	in      ByteBuffer
	out     ByteBuffer
	head    *bytebufferpool.ByteBuffer
	headOff int

	state   parseState
	parser  requestParser
	req     RequestHead
	body    bodyDecoder
	avail   int
	drained int

	handler Handler
	arg     Arg
	resp    response

	token     Token
	slot      uint32
	suspended bool

	// pendingIn: new input, body end, first call or wakeup not seen by
	// the handler yet. pendingOut: freed output space or progress made by
	// the last call.
	pendingIn  bool
	pendingOut bool
	// waitInput: the handler asked for more body bytes only.
	waitInput bool
	// more: there may be work without any I/O event.
	more      bool
	keepAlive bool
	eof       bool

	remoteUser   string
	lastActivity int64
	cycleStart   int64
}

func newConn(e *Engine, id uint64, t transport, cfg *Config, token Token, slot uint32, now int64) *conn {
	c := &conn{
		id:           id,
		e:            e,
		t:            t,
		remote:       t.conn().RemoteAddr(),
		token:        token,
		slot:         slot,
		lastActivity: now,
	}
	c.in.init(cfg.getReadBufferSize())
	c.out.init(cfg.getWriteBufferSize())
	c.parser.maxHeaders = cfg.getMaxHeaderCount()
	c.parser.reset()
	c.req.ContentLength = -1
	c.arg.c = c
	return c
}

func (c *conn) remoteAddr() string {
	if c.remote == nil {
		return ""
	}
	return c.remote.String()
}

func (c *conn) remoteIP() string {
	if ip := addrIP(c.remote); ip != nil {
		return ip.String()
	}
	return c.remoteAddr()
}

func (c *conn) setState(s ConnState) {
	if hook := c.e.config().ConnState; hook != nil {
		hook(c.t.conn(), s)
	}
}

func (c *conn) wantRead() bool {
	if c.state == stateClosed || c.suspended || c.eof || c.in.Free() == 0 {
		return false
	}
	// Nothing more is wanted from a peer about to be disconnected.
	return c.keepAlive || !c.body.done || c.state == stateRequestLine
}

func (c *conn) outPending() bool {
	return (c.head != nil && len(c.head.B) > c.headOff) || c.out.Len() > 0
}

// ready reports whether a pass would make progress on c without waiting
// for the peer.
func (c *conn) ready() bool {
	if c.state == stateClosed {
		return false
	}
	if c.suspended {
		return c.e.wakeups.state(c.slot) == slotWoken
	}
	if c.more {
		return true
	}
	if c.state == stateBody && c.shouldDispatch() {
		return true
	}
	return c.t.ready(c.wantRead(), c.outPending())
}

// serve runs the read, process and flush steps of a pass for c. rev holds
// the poll(2) events of fd transports.
func (c *conn) serve(rev int16, now int64) {
	if c.state == stateClosed {
		return
	}
	if c.suspended {
		if !c.e.wakeups.resume(c.slot) {
			// output of the suspending call still goes out
			if c.outPending() {
				if _, err := c.flush(now); err != nil {
					c.abort(err)
				}
			}
			return
		}
		c.suspended = false
		c.pendingIn = true
		c.lastActivity = now
		c.setState(StateActive)
	}
	canRead := c.t.fd() < 0 || rev&pollReadEvents != 0
	for round := 0; round < 4; round++ {
		progress := false
		if canRead && c.wantRead() {
			n, err := c.fill(now)
			if err != nil {
				c.abort(err)
				return
			}
			canRead = n > 0
			progress = n > 0
		}
		if c.process(now) {
			progress = true
		}
		if c.state == stateClosed {
			return
		}
		if c.outPending() {
			n, err := c.flush(now)
			if err != nil {
				c.abort(err)
				return
			}
			if n > 0 {
				progress = true
			}
		}
		if !progress || c.suspended {
			return
		}
	}
	c.more = true
}

func (c *conn) fill(now int64) (int, error) {
	space := c.in.WriteSpace(c.in.Free())
	if len(space) == 0 {
		return 0, nil
	}
	n, err := c.t.read(space)
	if n > 0 {
		c.in.Commit(n)
		c.lastActivity = now
		c.more = true
		c.e.stats.bytesRead.Add(uint64(n))
	}
	switch {
	case err == nil, err == errWouldBlock:
		return n, nil
	case errors.Is(err, io.EOF):
		c.eof = true
		c.more = true
		c.keepAlive = false
		return n, nil
	}
	return n, err
}

// flush writes the pending head bytes and then the output buffer.
func (c *conn) flush(now int64) (int, error) {
	total := 0
	if c.head != nil {
		for c.headOff < len(c.head.B) {
			n, err := c.t.write(c.head.B[c.headOff:])
			c.headOff += n
			total += n
			if err == errWouldBlock {
				c.wrote(total, now)
				return total, nil
			}
			if err != nil {
				return total, err
			}
		}
		bytebufferpool.Put(c.head)
		c.head = nil
		c.headOff = 0
	}
	for c.out.Len() > 0 {
		n, err := c.t.write(c.out.Bytes())
		c.out.Consume(n)
		total += n
		if n > 0 && c.handler != nil {
			c.pendingOut = true
		}
		if err == errWouldBlock {
			break
		}
		if err != nil {
			return total, err
		}
	}
	c.wrote(total, now)
	return total, nil
}

func (c *conn) wrote(n int, now int64) {
	if n > 0 {
		c.lastActivity = now
		c.e.stats.bytesWritten.Add(uint64(n))
	}
}

// process advances the request cycle as far as the buffered bytes allow.
func (c *conn) process(now int64) (progress bool) {
	c.more = false
	for step := 0; step < maxProcessSteps; step++ {
		switch c.state {
		case stateRequestLine:
			if c.in.Len() == 0 {
				if c.eof {
					c.close(false)
				}
				return progress
			}
			done, err := c.parser.parse(&c.in, &c.req)
			if err != nil {
				c.protocolError(err, now)
				progress = true
				continue
			}
			if !done {
				if c.eof {
					c.close(false)
				}
				return progress
			}
			c.beginRequest(now)
			progress = true
		case stateBody:
			if err := c.decodeBody(); err != nil {
				c.abort(err)
				return true
			}
			if !c.shouldDispatch() {
				if c.eof && !c.body.done {
					c.abort(io.ErrUnexpectedEOF)
					return true
				}
				return progress
			}
			c.invoke(now)
			progress = true
		case stateComplete:
			if !c.drain() || !c.writeLastChunk() || c.outPending() {
				return progress
			}
			c.finishCycle(now)
			progress = true
		default:
			return progress
		}
	}
	c.more = true
	return progress
}

func (c *conn) beginCycle(now int64) {
	c.cycleStart = now
	c.lastActivity = now
	c.state = stateBody
	c.avail = 0
	c.drained = 0
	c.arg.reset()
	c.resp.reset(&c.req)
	c.pendingIn = true
	c.pendingOut = false
	c.waitInput = false
	c.e.wakeups.clearPending(c.slot)
	c.setState(StateActive)
}

// beginRequest binds a handler to the request whose head just completed.
func (c *conn) beginRequest(now int64) {
	cfg := c.e.config()
	c.beginCycle(now)
	c.keepAlive = !cfg.DisableKeepalive && !c.eof && c.req.keepAlive()
	c.body.reset(&c.req)

	status := 0
	if cfg.GetOnly && c.req.Method != http.MethodGet && c.req.Method != http.MethodHead {
		status = http.StatusMethodNotAllowed
	} else if cfg.Authorize != nil {
		user, ok := cfg.Authorize(&c.req)
		if !ok {
			status = http.StatusUnauthorized
		}
		c.remoteUser = user
	}
	var b *binding
	if status == 0 {
		if b = c.e.uris.lookup(c.req.Path); b == nil {
			status = http.StatusNotFound
		}
	}
	if status != 0 {
		c.bindStatus(status)
		if c.req.expectsContinue() {
			// the body was never asked for
			c.keepAlive = false
		}
		return
	}
	c.handler = b.handler
	c.arg.UserData = b.userData
	if c.req.expectsContinue() {
		c.queueInterim(strContinue)
	}
}

// protocolError answers a malformed request with its status and closes.
func (c *conn) protocolError(err error, now int64) {
	c.e.log.Debug().Err(err).Uint64("conn", c.id).Str("remote", c.remoteAddr()).Msg("bad request")
	c.in.Reset()
	c.parser.reset()
	c.beginCycle(now)
	c.keepAlive = false
	c.body.reset(nil)
	c.bindStatus(statusOf(err))
}

func (c *conn) bindStatus(status int) {
	c.resp.status = status
	c.handler, c.arg.UserData = c.e.statuses.get(status)
	switch status {
	case http.StatusUnauthorized:
		c.resp.headers = append(c.resp.headers, HeaderField{
			Name:  "WWW-Authenticate",
			Value: `Basic realm="` + c.e.config().getAuthRealm() + `"`,
		})
	case http.StatusMethodNotAllowed:
		c.resp.headers = append(c.resp.headers, HeaderField{Name: "Allow", Value: "GET, HEAD"})
	}
}

func (c *conn) decodeBody() error {
	if c.body.done {
		return nil
	}
	prev := c.avail
	avail, err := c.body.decode(&c.in, c.avail)
	if err != nil {
		return err
	}
	c.avail = avail
	if avail > prev || c.body.done {
		c.pendingIn = true
	}
	return nil
}

func (c *conn) shouldDispatch() bool {
	if c.handler == nil || !c.outRoom() {
		return false
	}
	if c.pendingIn {
		return true
	}
	return c.pendingOut && !c.waitInput
}

func clampCount(n, max int) int {
	if n < 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}

// invoke calls the handler once and applies its result.
func (c *conn) invoke(now int64) {
	a := &c.arg
	window, space, lead := c.outWindow()
	a.In = Window{Buf: c.in.Bytes()[:c.avail]}
	a.Out = Window{Buf: window}
	a.InputFull = !c.body.done && c.in.Full()
	a.BodyDone = c.body.done
	a.Aborted = false
	c.pendingIn = false
	c.pendingOut = false
	c.lastActivity = now

	r := c.handler(a)

	consumed := clampCount(a.In.N, c.avail)
	produced := clampCount(a.Out.N, len(window))
	if consumed > 0 {
		c.in.Consume(consumed)
		c.avail -= consumed
	}
	if r == ConnectionError {
		c.handler = nil
		c.close(true)
		return
	}
	c.commitOutput(space, lead, produced, r == EndOfOutput)
	progress := consumed > 0 || produced > 0

	switch r {
	case EndOfOutput:
		c.endOutput()
		c.state = stateComplete
	case MorePostData:
		if c.body.done {
			c.waitInput = false
			c.pendingOut = progress
		} else {
			c.waitInput = true
		}
	case Suspend:
		c.waitInput = false
		if c.e.wakeups.suspend(c.slot) {
			c.suspended = true
			c.setState(StateSuspended)
		} else {
			// woken before it even suspended
			c.pendingIn = true
		}
	default:
		c.waitInput = false
		c.pendingOut = progress
	}
}

// drain skips the request body the handler left unread. It reports true
// once the connection may move on to the next request or close.
func (c *conn) drain() bool {
	if !c.keepAlive {
		return true
	}
	if c.avail > 0 {
		c.drained += c.in.Consume(c.avail)
		c.avail = 0
	}
	for !c.body.done {
		avail, err := c.body.decode(&c.in, 0)
		if err != nil {
			c.keepAlive = false
			return true
		}
		if avail == 0 {
			break
		}
		c.drained += c.in.Consume(avail)
	}
	if c.body.done {
		return true
	}
	if c.eof || c.drained > c.e.config().getMaxDrainSize() {
		c.keepAlive = false
		return true
	}
	return false
}

// finishCycle ends a request cycle whose response went out completely.
func (c *conn) finishCycle(now int64) {
	c.e.logAccess(c)
	c.e.stats.requests.Add(1)
	c.handler = nil
	if !c.keepAlive || c.e.closed.Load() {
		c.close(false)
		return
	}
	c.state = stateRequestLine
	c.parser.reset()
	c.arg.reset()
	c.remoteUser = ""
	c.pendingIn = false
	c.pendingOut = false
	c.waitInput = false
	c.more = c.in.Len() > 0
	c.lastActivity = now
	c.setState(StateIdle)
}

// abort tears the connection down, giving a handler that has not finished
// its terminal call first.
func (c *conn) abort(err error) {
	if c.state == stateClosed {
		return
	}
	if err != ErrEngineClosed {
		c.e.logConnError(c, err)
	}
	if c.state == stateBody && c.handler != nil {
		h := c.handler
		c.handler = nil
		a := &c.arg
		a.In = Window{}
		a.Out = Window{}
		a.InputFull = false
		a.BodyDone = c.body.done
		a.Aborted = true
		h(a)
	}
	c.close(true)
}

// expire aborts c when it was inactive for longer than the idle timeout.
// Suspended connections never expire.
func (c *conn) expire(now int64, idle int64) {
	if c.state == stateClosed || c.suspended {
		return
	}
	if now-c.lastActivity <= idle {
		return
	}
	if c.state == stateRequestLine && c.in.Len() == 0 && !c.outPending() {
		// an idle keep-alive connection goes away quietly
		c.close(false)
		return
	}
	c.abort(errIdleTimeout)
}

// close releases every resource of c. It is a no-op on a closed conn.
func (c *conn) close(abort bool) {
	if c.state == stateClosed {
		c.e.log.Debug().Uint64("conn", c.id).Msg("BUG: connection closed twice")
		return
	}
	c.state = stateClosed
	c.suspended = false
	_ = c.t.close(abort)
	c.e.wakeups.release(c.slot)
	c.e.table.remove(c)
	c.in.Release()
	c.out.Release()
	if c.head != nil {
		bytebufferpool.Put(c.head)
		c.head = nil
	}
	c.arg.State = nil
	c.arg.UserData = nil
	c.setState(StateClosed)
}
