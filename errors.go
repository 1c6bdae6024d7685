package pollhttp

import (
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrEngineClosed is returned by Engine methods called after Close.
	ErrEngineClosed = errors.New("pollhttp: engine closed")
	// ErrBufferFull signals backpressure: the write did not fit under the
	// buffer capacity ceiling. The bytes that did fit are accounted for.
	ErrBufferFull = errors.New("pollhttp: buffer full")
	// ErrTableFull is returned when the connection table or the wakeup
	// arena reached Config.Concurrency.
	ErrTableFull = errors.New("pollhttp: connection table full")
	// ErrUnknownOption is returned by SetOption for names it does not know.
	ErrUnknownOption = errors.New("pollhttp: unknown option")
	// ErrNoSSIFunc is returned by CallSSIFunc for unregistered names.
	ErrNoSSIFunc = errors.New("pollhttp: no such ssi function")
	// ErrBadPort is returned for listening port specs that cannot be parsed.
	ErrBadPort = errors.New("pollhttp: bad port spec")
	// ErrNeedCert is returned when a TLS port is configured without a
	// certificate.
	ErrNeedCert = errors.New("pollhttp: tls port needs ssl_cert or Config.TLSConfig")

	errWouldBlock = errors.New("pollhttp: operation would block")
	errNeedMore   = errors.New("pollhttp: need more data")
)

// protocolError is a malformed request. It carries the status the engine
// answers with before closing the connection.
type protocolError struct {
	status int
	s      string
}

func (e *protocolError) Error() string { return e.s }

func newProtocolError(status int, what, val string) *protocolError {
	if val == "" {
		return &protocolError{status: status, s: what}
	}
	return &protocolError{status: status, s: what + ": " + val}
}

// statusOf returns the status to synthesize for a parse failure.
func statusOf(err error) int {
	var pe *protocolError
	if errors.As(err, &pe) {
		return pe.status
	}
	return http.StatusBadRequest
}

var (
	errMissingVersion      = newProtocolError(http.StatusBadRequest, "request line without http version", "")
	errEmptyHeaderKey      = newProtocolError(http.StatusBadRequest, "empty header key", "")
	errObsFold             = newProtocolError(http.StatusBadRequest, "obsolete line folding", "")
	errMultipleCL          = newProtocolError(http.StatusBadRequest, "conflicting Content-Length headers", "")
	errContentLengthNotInt = newProtocolError(http.StatusBadRequest, "Content-Length not a non-negative integer", "")
	errHeadTooLarge        = newProtocolError(http.StatusRequestHeaderFieldsTooLarge, "request head exceeds input buffer", "")
	errTooManyHeaders      = newProtocolError(http.StatusRequestHeaderFieldsTooLarge, "too many header fields", "")
	errBadChunk            = newProtocolError(http.StatusBadRequest, "malformed chunked body", "")
)

// isCommonNetError reports whether err is one of the frequent errors caused
// by peers going away. Those are not logged unless Config.LogAllErrors.
func isCommonNetError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "reset by peer") ||
		strings.Contains(s, "use of closed network connection")
}
