package pollhttp

import (
	"net/http"
	"strconv"

	"github.com/valyala/bytebufferpool"
)

type respMode uint8

const (
	// modeUnset: nothing produced yet, the framing is still open.
	modeUnset respMode = iota
	modeLength
	modeChunked
	// modeClose: HTTP/1.0 body delimited by closing the connection.
	modeClose
	// modeNoBody: HEAD requests and 1xx, 204, 304 statuses.
	modeNoBody
)

const (
	// chunkHeaderReserve is the room kept in front of a chunk for its size
	// line, 8 hex digits plus CRLF, with one spare byte.
	chunkHeaderReserve = 11
	// chunkTrailerReserve is the CRLF closing a chunk.
	chunkTrailerReserve = 2

	chunkReserve = chunkHeaderReserve + chunkTrailerReserve
)

var (
	strCRLF          = []byte("\r\n")
	strColonSpace    = []byte(": ")
	strLastChunk     = []byte("0\r\n\r\n")
	strContinue      = []byte("HTTP/1.1 100 Continue\r\n\r\n")
	strConnClose     = []byte("Connection: close\r\n")
	strConnKeepAlive = []byte("Connection: keep-alive\r\n")
	strChunkedHeader = []byte("Transfer-Encoding: chunked\r\n")
	strContentLength = []byte("Content-Length: ")
	strServer        = []byte("Server: ")
	strDate          = []byte("Date: ")
	strHTTP11        = []byte("HTTP/1.1 ")
	strUnknownStatus = "Unknown Status"
)

// response is the framer state of the response being produced.
type response struct {
	status        int
	headers       []HeaderField
	contentLength int64
	mode          respMode
	headDone      bool
	// headReq is a HEAD request.
	headReq bool
	http11  bool
	// written counts body bytes that went out.
	written int64
	// lastChunk is set while the terminating chunk still waits for room.
	lastChunk bool
}

func (r *response) reset(h *RequestHead) {
	r.status = http.StatusOK
	r.headers = r.headers[:0]
	r.contentLength = -1
	r.mode = modeUnset
	r.headDone = false
	r.headReq = h.Method == http.MethodHead
	r.http11 = h.Major == 0 || h.IsHTTP11()
	r.written = 0
	r.lastChunk = false
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// reserve returns the framing room kept around the handler's output
// window.
func (r *response) reserve() (lead, tail int) {
	switch r.mode {
	case modeChunked:
		return chunkHeaderReserve, chunkTrailerReserve
	case modeUnset:
		if r.contentLength < 0 && r.http11 && !r.headReq {
			return chunkHeaderReserve, chunkTrailerReserve
		}
	}
	return 0, 0
}

// outWindow returns the slice the handler may fill, the full write space
// it sits in and the offset of the window in that space. It returns a nil
// window when no room is left besides the framing reserve.
func (c *conn) outWindow() (window, space []byte, lead int) {
	lead, tail := c.resp.reserve()
	space = c.out.WriteSpace(c.out.Free())
	if len(space) <= lead+tail {
		return nil, space, lead
	}
	return space[lead : len(space)-tail], space, lead
}

func (c *conn) outRoom() bool {
	lead, tail := c.resp.reserve()
	return c.out.Free() > lead+tail
}

// commitOutput frames the n bytes the handler wrote at space[lead:]. last
// tells whether the handler ended the response in this call. lead is the
// offset the window was built with; the handler may have declared a length
// since, so it is not recomputed here.
func (c *conn) commitOutput(space []byte, lead, n int, last bool) {
	r := &c.resp
	if r.mode == modeUnset && (n > 0 || last) {
		c.decideFraming(int64(n), last)
	}
	if n == 0 {
		return
	}
	switch r.mode {
	case modeChunked:
		hl := putChunkHeader(space[:lead], n)
		copy(space, space[lead-hl:lead+n])
		space[hl+n] = rChar
		space[hl+n+1] = nChar
		c.out.Commit(hl + n + 2)
		r.written += int64(n)
	case modeLength:
		if rem := r.contentLength - r.written; int64(n) > rem {
			n = int(rem)
		}
		if lead > 0 {
			copy(space, space[lead:lead+n])
		}
		c.out.Commit(n)
		r.written += int64(n)
	case modeClose:
		if lead > 0 {
			copy(space, space[lead:lead+n])
		}
		c.out.Commit(n)
		r.written += int64(n)
	case modeNoBody:
		// dropped
	}
}

// decideFraming picks the framing on the first productive call and builds
// the response head.
func (c *conn) decideFraming(n int64, last bool) {
	r := &c.resp
	switch {
	case !bodyAllowed(r.status):
		r.mode = modeNoBody
	case r.headReq:
		r.mode = modeNoBody
		if r.contentLength < 0 && last && n > 0 {
			r.contentLength = n
		}
	case r.contentLength >= 0:
		r.mode = modeLength
	case last:
		r.mode = modeLength
		r.contentLength = n
	case r.http11:
		r.mode = modeChunked
	default:
		r.mode = modeClose
		c.keepAlive = false
	}
	c.writeHead()
}

// writeHead appends the status line and headers to the pending head
// buffer, which is flushed ahead of the output buffer.
func (c *conn) writeHead() {
	r := &c.resp
	r.headDone = true
	cfg := c.e.config()
	if c.head == nil {
		c.head = bytebufferpool.Get()
	}
	var num [20]byte
	b := c.head.B
	b = append(b, strHTTP11...)
	b = append(b, AppendUintInto(num[:], r.status)...)
	b = append(b, ' ')
	if text := http.StatusText(r.status); text != "" {
		b = append(b, text...)
	} else {
		b = append(b, strUnknownStatus...)
	}
	b = append(b, strCRLF...)
	b = append(b, strServer...)
	b = append(b, cfg.getName()...)
	b = append(b, strCRLF...)
	b = append(b, strDate...)
	b = appendDate(b)
	b = append(b, strCRLF...)
	for _, f := range r.headers {
		b = append(b, f.Name...)
		b = append(b, strColonSpace...)
		b = append(b, f.Value...)
		b = append(b, strCRLF...)
	}
	switch r.mode {
	case modeLength:
		b = append(b, strContentLength...)
		b = append(b, AppendUintInto(num[:], int(r.contentLength))...)
		b = append(b, strCRLF...)
	case modeChunked:
		b = append(b, strChunkedHeader...)
	case modeNoBody:
		if r.headReq && r.contentLength >= 0 {
			b = append(b, strContentLength...)
			b = strconv.AppendInt(b, r.contentLength, 10)
			b = append(b, strCRLF...)
		}
	}
	if !c.keepAlive {
		b = append(b, strConnClose...)
	} else if !r.http11 {
		b = append(b, strConnKeepAlive...)
	}
	b = append(b, strCRLF...)
	c.head.B = b
}

// queueInterim queues raw bytes to go out before anything else pending.
func (c *conn) queueInterim(p []byte) {
	if c.head == nil {
		c.head = bytebufferpool.Get()
	}
	c.head.B = append(c.head.B, p...)
}

// endOutput closes the framing after the handler returned EndOfOutput.
func (c *conn) endOutput() {
	r := &c.resp
	if r.mode == modeUnset {
		c.decideFraming(0, true)
	}
	switch r.mode {
	case modeChunked:
		r.lastChunk = true
		c.writeLastChunk()
	case modeLength:
		if r.written < r.contentLength {
			c.keepAlive = false
		}
	case modeClose:
		c.keepAlive = false
	}
}

// writeLastChunk appends the terminating chunk once there is room for it.
// It reports whether nothing is left to append.
func (c *conn) writeLastChunk() bool {
	if !c.resp.lastChunk {
		return true
	}
	if c.out.Free() < len(strLastChunk) {
		return false
	}
	_, _ = c.out.Write(strLastChunk)
	c.resp.lastChunk = false
	return true
}

// cannedResponse builds a complete response bypassing the handler
// machinery. It is used for refusals before a connection is admitted.
func cannedResponse(status int, body string, extra ...string) []byte {
	if body == "" {
		body = http.StatusText(status)
	}
	b := bytebufferpool.Get()
	defer bytebufferpool.Put(b)
	b.B = append(b.B, strHTTP11...)
	b.B = strconv.AppendInt(b.B, int64(status), 10)
	b.B = append(b.B, ' ')
	b.B = append(b.B, http.StatusText(status)...)
	b.B = append(b.B, strCRLF...)
	for _, h := range extra {
		b.B = append(b.B, h...)
		b.B = append(b.B, strCRLF...)
	}
	b.B = append(b.B, "Content-Type: text/plain; charset=utf-8\r\n"...)
	b.B = append(b.B, strContentLength...)
	b.B = strconv.AppendInt(b.B, int64(len(body)), 10)
	b.B = append(b.B, strCRLF...)
	b.B = append(b.B, strConnClose...)
	b.B = append(b.B, strCRLF...)
	b.B = append(b.B, body...)
	return append([]byte(nil), b.B...)
}

var overloadResponse = cannedResponse(http.StatusServiceUnavailable,
	"The server is currently temporary overloaded", "Retry-After: 10")
