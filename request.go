package pollhttp

import (
	"bytes"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

const (
	rChar = byte('\r')
	nChar = byte('\n')
)

var strHTTPPrefix = []byte("HTTP/")

// HeaderField is one request header line as received.
type HeaderField struct {
	Name  string
	Value string
}

// RequestHead is a parsed request line plus header section.
//
// A RequestHead is immutable once the parser completes it. A keep-alive
// connection produces a fresh one for every request cycle.
type RequestHead struct {
	Method string
	// URI is the raw request target, query included.
	URI string
	// Path is the percent-decoded path with dot segments removed. It is
	// what the URI dispatch table matches against.
	Path string
	// Query is the raw query string without the leading '?'.
	Query string

	Major, Minor int

	// Headers keeps the received order and the received name spelling.
	Headers []HeaderField

	// ContentLength is -1 when the request carries no Content-Length or
	// uses chunked transfer coding.
	ContentLength int64
	Chunked       bool
}

// Header returns the value of the first header named name, compared case
// insensitively, or "" when absent.
func (h *RequestHead) Header(name string) string {
	for i := range h.Headers {
		if strings.EqualFold(h.Headers[i].Name, name) {
			return h.Headers[i].Value
		}
	}
	return ""
}

// Values returns every value of the headers named name.
func (h *RequestHead) Values(name string) []string {
	var vs []string
	for i := range h.Headers {
		if strings.EqualFold(h.Headers[i].Name, name) {
			vs = append(vs, h.Headers[i].Value)
		}
	}
	return vs
}

// Protocol returns the version in request-line form, e.g. "HTTP/1.1".
func (h *RequestHead) Protocol() string {
	return "HTTP/" + strconv.Itoa(h.Major) + "." + strconv.Itoa(h.Minor)
}

// IsHTTP11 reports whether the request speaks HTTP/1.1 or a later 1.x.
func (h *RequestHead) IsHTTP11() bool {
	return h.Major == 1 && h.Minor >= 1
}

// keepAlive derives the persistence the client asked for.
func (h *RequestHead) keepAlive() bool {
	conn := h.Values("Connection")
	if h.IsHTTP11() {
		return !httpguts.HeaderValuesContainsToken(conn, "close")
	}
	return httpguts.HeaderValuesContainsToken(conn, "keep-alive")
}

func (h *RequestHead) expectsContinue() bool {
	return h.IsHTTP11() && strings.EqualFold(h.Header("Expect"), "100-continue") &&
		(h.Chunked || h.ContentLength > 0)
}

func (h *RequestHead) hasBody() bool {
	return h.Chunked || h.ContentLength > 0
}

func (h *RequestHead) reset() {
	h.Method = ""
	h.URI = ""
	h.Path = ""
	h.Query = ""
	h.Major, h.Minor = 0, 0
	h.Headers = h.Headers[:0]
	h.ContentLength = -1
	h.Chunked = false
}

// requestParser turns the unconsumed bytes of an input buffer into a
// RequestHead. It is resumable: lines already processed are remembered
// through scan and never looked at again when more bytes arrive.
type requestParser struct {
	state      parseState
	scan       int
	maxHeaders int
	clSeen     bool
}

func (p *requestParser) reset() {
	p.state = stateRequestLine
	p.scan = 0
	p.clSeen = false
}

// parse advances over the unconsumed bytes of in. It reports done once the
// empty line closing the head was seen; the head bytes are consumed from in
// at that point, leaving the body (and anything pipelined after it) in
// place.
func (p *requestParser) parse(in *ByteBuffer, h *RequestHead) (done bool, err error) {
	buf := in.Bytes()
	for {
		rest := buf[p.scan:]
		line, next, lerr := nextLine(rest)
		if lerr != nil {
			if in.Full() {
				return false, errHeadTooLarge
			}
			return false, nil
		}
		lineLen := len(rest) - len(next)
		switch p.state {
		case stateRequestLine:
			if len(line) == 0 {
				// Tolerate empty lines ahead of the request line.
				p.scan += lineLen
				continue
			}
			h.reset()
			if err = parseRequestLine(line, h); err != nil {
				return false, err
			}
			p.state = stateHeaders
		case stateHeaders:
			if len(line) == 0 {
				p.scan += lineLen
				if err = p.finish(h); err != nil {
					return false, err
				}
				in.Consume(p.scan)
				p.scan = 0
				p.state = stateHeadersComplete
				return true, nil
			}
			if line[0] == ' ' || line[0] == '\t' {
				return false, errObsFold
			}
			if p.maxHeaders > 0 && len(h.Headers) >= p.maxHeaders {
				return false, errTooManyHeaders
			}
			if err = p.parseHeaderLine(line, h); err != nil {
				return false, err
			}
		default:
			// developer sanity-check
			panic("BUG: requestParser.parse in state " + p.state.String())
		}
		p.scan += lineLen
	}
}

func parseRequestLine(b []byte, h *RequestHead) error {
	n := bytes.IndexByte(b, ' ')
	if n <= 0 {
		return newProtocolError(http.StatusBadRequest, "request method not found", string(b))
	}
	method := b[:n]
	if !httpguts.ValidHeaderFieldName(b2s(method)) {
		return newProtocolError(http.StatusBadRequest, "invalid method", string(method))
	}
	b = b[n+1:]
	n = bytes.LastIndexByte(b, ' ')
	if n < 0 {
		return errMissingVersion
	}
	target, proto := b[:n], b[n+1:]
	if len(target) == 0 {
		return newProtocolError(http.StatusBadRequest, "request uri not found", "")
	}
	major, minor, err := parseVersion(proto)
	if err != nil {
		return err
	}
	h.Method = string(method)
	h.URI = string(target)
	h.Major, h.Minor = major, minor
	return splitTarget(h)
}

// parseVersion accepts HTTP/d.d and rejects anything but major version 1.
func parseVersion(proto []byte) (major, minor int, err error) {
	if len(proto) != len("HTTP/1.1") || !bytes.HasPrefix(proto, strHTTPPrefix) || proto[6] != '.' ||
		proto[5] < '0' || proto[5] > '9' || proto[7] < '0' || proto[7] > '9' {
		return 0, 0, newProtocolError(http.StatusBadRequest, "malformed HTTP version", string(proto))
	}
	major, minor = int(proto[5]-'0'), int(proto[7]-'0')
	if major != 1 {
		return 0, 0, newProtocolError(http.StatusHTTPVersionNotSupported, "unsupported HTTP version", string(proto))
	}
	return major, minor, nil
}

func splitTarget(h *RequestHead) error {
	target := h.URI
	if target == "*" {
		h.Path = "*"
		return nil
	}
	if i := strings.Index(target, "://"); i > 0 && target[0] != '/' {
		// absolute-form: keep only the path of it
		rest := target[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			target = rest[j:]
		} else if j = strings.IndexByte(rest, '?'); j >= 0 {
			target = "/" + rest[j:]
		} else {
			target = "/"
		}
	}
	if target[0] != '/' {
		return newProtocolError(http.StatusBadRequest, "request uri must be absolute", h.URI)
	}
	rawPath := target
	if i := strings.IndexByte(target, '?'); i >= 0 {
		rawPath, h.Query = target[:i], target[i+1:]
	}
	p, err := url.PathUnescape(rawPath)
	if err != nil {
		return newProtocolError(http.StatusBadRequest, "bad escape in request path", rawPath)
	}
	if strings.IndexByte(p, 0) >= 0 {
		return newProtocolError(http.StatusBadRequest, "nil byte in request path", rawPath)
	}
	h.Path = removeDotSegments(p)
	return nil
}

func removeDotSegments(p string) string {
	if !strings.Contains(p, "/.") && !strings.Contains(p, "//") {
		return p
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

func (p *requestParser) parseHeaderLine(line []byte, h *RequestHead) error {
	n := bytes.IndexByte(line, ':')
	if n < 0 {
		return newProtocolError(http.StatusBadRequest, "header line without colon", string(line))
	}
	if n == 0 {
		return errEmptyHeaderKey
	}
	key := line[:n]
	if !httpguts.ValidHeaderFieldName(b2s(key)) {
		return newProtocolError(http.StatusBadRequest, "invalid header key", string(key))
	}
	value := bytes.Trim(line[n+1:], " \t")
	if !httpguts.ValidHeaderFieldValue(b2s(value)) {
		return newProtocolError(http.StatusBadRequest, "invalid header value", string(value))
	}
	f := HeaderField{Name: string(key), Value: string(value)}
	if strings.EqualFold(f.Name, "Content-Length") {
		cl, err := parseContentLength(value)
		if err != nil {
			return err
		}
		if p.clSeen && cl != h.ContentLength {
			return errMultipleCL
		}
		p.clSeen = true
		h.ContentLength = cl
	}
	h.Headers = append(h.Headers, f)
	return nil
}

// finish fixes the body policy once every header is known.
func (p *requestParser) finish(h *RequestHead) error {
	te := h.Values("Transfer-Encoding")
	if len(te) == 0 {
		if !p.clSeen {
			h.ContentLength = -1
		}
		return nil
	}
	last := te[len(te)-1]
	if i := strings.LastIndexByte(last, ','); i >= 0 {
		last = last[i+1:]
	}
	if !strings.EqualFold(strings.TrimSpace(last), "chunked") {
		return newProtocolError(http.StatusNotImplemented, "unsupported Transfer-Encoding", last)
	}
	h.Chunked = true
	h.ContentLength = -1
	return nil
}

func parseContentLength(b []byte) (int64, error) {
	if len(b) == 0 {
		return -1, errContentLengthNotInt
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return -1, errContentLengthNotInt
		}
	}
	v, err := strconv.ParseInt(b2s(b), 10, 64)
	if err != nil {
		return -1, errContentLengthNotInt
	}
	return v, nil
}

// nextLine splits b at the first LF. The returned line has its trailing CR
// removed; next starts right after the LF.
func nextLine(b []byte) (line, next []byte, err error) {
	nNext := bytes.IndexByte(b, nChar)
	if nNext < 0 {
		return nil, nil, errNeedMore
	}
	n := nNext
	if n > 0 && b[n-1] == rChar {
		n--
	}
	return b[:n], b[nNext+1:], nil
}
