package pollhttp

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Handler produces a response incrementally.
//
// A Handler must not block. It reads request body bytes from a.In, writes
// response bytes into a.Out, records how many bytes it consumed and
// produced in a.In.N and a.Out.N, and reports what should happen next
// through the returned Result. The engine never calls a Handler for a
// connection while a previous call for the same connection is running.
type Handler func(a *Arg) Result

// Result tells the engine what to do after a Handler call.
type Result uint8

const (
	// Continue asks to be called again once there is something new: more
	// input, freed output space, a wakeup, or progress made by this call.
	Continue Result = iota
	// EndOfOutput finishes the response. The engine flushes it and then
	// either keeps the connection alive for the next request or closes it.
	EndOfOutput
	// ConnectionError closes the connection at once. Buffered output is
	// discarded.
	ConnectionError
	// MorePostData asks to be called again only when new body bytes were
	// decoded. It behaves like Continue once the body is done.
	MorePostData
	// Suspend parks the connection. No I/O happens on it and the handler is
	// not called until Engine.Wakeup is called with the connection's Token.
	Suspend
	// EvalTrue is the true outcome of an SSI hook call. URI handlers
	// returning it are treated as returning Continue.
	EvalTrue
)

var resultName = [...]string{
	Continue:        "continue",
	EndOfOutput:     "end of output",
	ConnectionError: "connection error",
	MorePostData:    "more post data",
	Suspend:         "suspend",
	EvalTrue:        "eval true",
}

func (r Result) String() string {
	if int(r) < len(resultName) {
		return resultName[r]
	}
	return "result(" + strconv.Itoa(int(r)) + ")"
}

// Window is a byte range handed to a Handler together with the count the
// handler used from it.
type Window struct {
	Buf []byte
	N   int
}

// Avail returns the bytes of Buf not used yet.
func (w *Window) Avail() []byte {
	if w.N >= len(w.Buf) {
		return nil
	}
	if w.N < 0 {
		return w.Buf
	}
	return w.Buf[w.N:]
}

// Arg is the per call view of a connection passed to a Handler.
//
// In.Buf holds decoded request body bytes not consumed yet; Out.Buf is free
// output space. Both are only valid during the call. Counts outside the
// window bounds are clamped.
type Arg struct {
	// State belongs to the handler. It survives between calls of the same
	// request and is cleared when the next request on the connection
	// starts. The handler releases what it holds on its terminal call.
	State any
	// UserData is the value given at registration time.
	UserData any

	In  Window
	Out Window

	// InputFull reports that decoded body bytes fill the whole input
	// buffer. Nothing more is read from the peer until some are consumed.
	InputFull bool
	// BodyDone reports that the request body was received completely and
	// In holds its tail.
	BodyDone bool
	// Aborted marks the terminal call made when the connection is torn
	// down before the handler finished. Its result is ignored.
	Aborted bool

	c *conn
}

func (a *Arg) reset() {
	*a = Arg{c: a.c}
}

// Request returns the parsed request head.
func (a *Arg) Request() *RequestHead {
	return &a.c.req
}

// Header returns the first request header named name.
func (a *Arg) Header(name string) string {
	return a.c.req.Header(name)
}

// HTTPVersion returns the request version, e.g. "HTTP/1.0".
func (a *Arg) HTTPVersion() string {
	return a.c.req.Protocol()
}

// Env returns CGI style request variables. Unknown names give "".
func (a *Arg) Env(name string) string {
	c := a.c
	switch name {
	case "REQUEST_METHOD":
		return c.req.Method
	case "REQUEST_URI":
		return c.req.URI
	case "REMOTE_USER":
		return c.remoteUser
	case "REMOTE_ADDR":
		return c.remoteIP()
	case "QUERY_STRING":
		return c.req.Query
	case "SERVER_PROTOCOL":
		return c.req.Protocol()
	case "PATH_INFO":
		return c.req.Path
	}
	return ""
}

// Token returns the wakeup token of the connection. It is valid until the
// connection closes.
func (a *Arg) Token() Token {
	return a.c.token
}

// Status returns the response status code.
func (a *Arg) Status() int {
	return a.c.resp.status
}

// SetStatus sets the response status. It has no effect once the first
// output byte was produced or when status is not a three digit code.
func (a *Arg) SetStatus(status int) {
	if !a.c.resp.headDone && status >= 100 && status < 1000 {
		a.c.resp.status = status
	}
}

// SetHeader adds a response header. Content-Length and Connection are
// interpreted rather than copied. It has no effect once the first output
// byte was produced.
func (a *Arg) SetHeader(name, value string) {
	r := &a.c.resp
	if r.headDone {
		return
	}
	switch {
	case strings.EqualFold(name, "Content-Length"):
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n >= 0 {
			r.contentLength = n
		}
	case strings.EqualFold(name, "Connection"):
		if strings.EqualFold(strings.TrimSpace(value), "close") {
			a.c.keepAlive = false
		}
	case strings.EqualFold(name, "Transfer-Encoding"):
		// framing is the engine's business
	default:
		r.headers = append(r.headers, HeaderField{Name: name, Value: value})
	}
}

// SetContentLength declares the body size. Output past it is dropped and
// ending short of it closes the connection.
func (a *Arg) SetContentLength(n int64) {
	if !a.c.resp.headDone && n >= 0 {
		a.c.resp.contentLength = n
	}
}

// SetConnectionClose closes the connection after this response.
func (a *Arg) SetConnectionClose() {
	a.c.keepAlive = false
}

// Write copies p into the free output space. It returns ErrBufferFull and
// the count that fit when p does not fit completely.
func (a *Arg) Write(p []byte) (int, error) {
	if a.Out.N < 0 {
		a.Out.N = 0
	}
	n := copy(a.Out.Avail(), p)
	a.Out.N += n
	if n < len(p) {
		return n, ErrBufferFull
	}
	return n, nil
}

// WriteString is Write for strings.
func (a *Arg) WriteString(s string) (int, error) {
	if a.Out.N < 0 {
		a.Out.N = 0
	}
	n := copy(a.Out.Avail(), s)
	a.Out.N += n
	if n < len(s) {
		return n, ErrBufferFull
	}
	return n, nil
}

// Printf formats into the free output space and returns how many bytes it
// wrote. Output that does not fit is truncated.
func (a *Arg) Printf(format string, args ...any) int {
	if a.Out.N < 0 {
		a.Out.N = 0
	}
	if a.Out.N >= len(a.Out.Buf) {
		return 0
	}
	free := a.Out.Buf[a.Out.N:]
	b := fmt.Appendf(free[:0:len(free)], format, args...)
	n := len(b)
	if n > len(free) {
		// fmt reallocated; keep what fits
		n = copy(free, b)
	}
	a.Out.N += n
	return n
}

// builtinStatusHandler answers with "<code> <reason>" as plain text.
func builtinStatusHandler(a *Arg) Result {
	if a.Aborted {
		return EndOfOutput
	}
	status := a.Status()
	a.SetHeader("Content-Type", "text/plain; charset=utf-8")
	a.Printf("%d %s", status, http.StatusText(status))
	return EndOfOutput
}
