package pollhttp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gookit/goutil/testutil/assert"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
	"github.com/xyproto/randomstring"
	"golang.org/x/sys/unix"
)

// startEngine runs e.Serve until the test ends.
func startEngine(t *testing.T, cfg *Config) *Engine {
	t.Helper()
	nop := zerolog.Nop()
	cfg.Logger = &nop
	e, err := New(cfg)
	assert.NoErr(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = e.Close()
	})
	return e
}

func startTCPEngine(t *testing.T, cfg *Config) (*Engine, string) {
	t.Helper()
	cfg.Ports = "127.0.0.1:0"
	e := startEngine(t, cfg)
	addrs := e.Addrs()
	assert.Eq(t, 1, len(addrs))
	return e, addrs[0].String()
}

type testClient struct {
	t  *testing.T
	nc net.Conn
	br *bufio.Reader
}

func dialEngine(t *testing.T, addr string) *testClient {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	assert.NoErr(t, err)
	t.Cleanup(func() { _ = nc.Close() })
	return &testClient{t: t, nc: nc, br: bufio.NewReader(nc)}
}

func (c *testClient) send(req string) {
	c.t.Helper()
	_, err := io.WriteString(c.nc, req)
	assert.NoErr(c.t, err)
}

func (c *testClient) read(head bool) *fasthttp.Response {
	c.t.Helper()
	_ = c.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp := &fasthttp.Response{}
	resp.SkipBody = head
	assert.NoErr(c.t, resp.Read(c.br))
	return resp
}

func (c *testClient) do(req string) *fasthttp.Response {
	c.t.Helper()
	c.send(req)
	return c.read(strings.HasPrefix(req, "HEAD "))
}

func (c *testClient) expectEOF() {
	c.t.Helper()
	_ = c.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := c.br.ReadByte()
	assert.Eq(c.t, io.EOF, err)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// echoHandler streams the request body back.
func echoHandler(a *Arg) Result {
	if a.Aborted {
		return EndOfOutput
	}
	if a.State == nil {
		a.State = true
		a.SetHeader("Content-Type", "application/octet-stream")
	}
	n := copy(a.Out.Buf, a.In.Buf)
	a.In.N, a.Out.N = n, n
	if a.BodyDone && n == len(a.In.Buf) {
		return EndOfOutput
	}
	return Continue
}

func helloHandler(a *Arg) Result {
	a.SetHeader("Content-Type", "text/plain")
	_, _ = a.WriteString("hello")
	return EndOfOutput
}

func post(path, body string) string {
	return fmt.Sprintf("POST %s HTTP/1.1\r\nHost: test\r\nContent-Length: %d\r\n\r\n%s", path, len(body), body)
}

func TestEngineKeepAliveEcho(t *testing.T) {
	t.Parallel()
	e, addr := startTCPEngine(t, &Config{})
	e.RegisterURI("/echo", echoHandler, nil)
	c := dialEngine(t, addr)

	resp := c.do(post("/echo", "hello"))
	assert.Eq(t, http.StatusOK, resp.StatusCode())
	assert.Eq(t, "hello", string(resp.Body()))
	assert.Eq(t, DefaultServerName, string(resp.Header.Peek("Server")))
	assert.False(t, resp.ConnectionClose())

	resp = c.do("GET /echo HTTP/1.1\r\nHost: test\r\n\r\n")
	assert.Eq(t, http.StatusOK, resp.StatusCode())
	assert.Eq(t, 0, resp.Header.ContentLength())

	body := randomstring.HumanFriendlyString(64 << 10)
	resp = c.do(post("/echo", body))
	assert.Eq(t, body, string(resp.Body()))

	assert.Eq(t, 1, e.ConnCount())
	waitFor(t, func() bool { return e.Stats().Requests == 3 })
	st := e.Stats()
	assert.Eq(t, uint64(1), st.Accepted)
	assert.True(t, st.BytesRead > uint64(len(body)))
	assert.True(t, st.BytesWritten > uint64(len(body)))
}

func TestEnginePipelining(t *testing.T) {
	t.Parallel()
	e, addr := startTCPEngine(t, &Config{})
	e.RegisterURI("/echo", echoHandler, nil)
	c := dialEngine(t, addr)

	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString(post("/echo", "req"+strconv.Itoa(i)))
	}
	c.send(sb.String())
	for i := 0; i < 40; i++ {
		resp := c.read(false)
		assert.Eq(t, "req"+strconv.Itoa(i), string(resp.Body()))
	}
}

func TestEngineDeclaredLengthSameCall(t *testing.T) {
	t.Parallel()
	e, addr := startTCPEngine(t, &Config{})
	e.RegisterURI("/cl", func(a *Arg) Result {
		a.SetContentLength(4)
		_, _ = a.WriteString("ping")
		return EndOfOutput
	}, nil)
	e.RegisterURI("/clh", func(a *Arg) Result {
		a.SetHeader("Content-Length", "4")
		_, _ = a.WriteString("pong")
		return EndOfOutput
	}, nil)
	// declared length but the response is not ended in the same call
	e.RegisterURI("/clmore", func(a *Arg) Result {
		if a.State == nil {
			a.State = true
			a.SetContentLength(10)
			_, _ = a.WriteString("hello")
			return Continue
		}
		_, _ = a.WriteString("world")
		return EndOfOutput
	}, nil)
	c := dialEngine(t, addr)

	tests := []struct {
		path string
		want string
	}{
		{"/cl", "ping"},
		{"/clh", "pong"},
		{"/clmore", "helloworld"},
		{"/cl", "ping"},
	}
	for _, tt := range tests {
		resp := c.do("GET " + tt.path + " HTTP/1.1\r\nHost: test\r\n\r\n")
		assert.Eq(t, http.StatusOK, resp.StatusCode(), tt.path)
		assert.Eq(t, len(tt.want), resp.Header.ContentLength(), tt.path)
		assert.Eq(t, tt.want, string(resp.Body()), tt.path)
	}
}

func TestEngineClampsHandlerCounts(t *testing.T) {
	t.Parallel()
	e, addr := startTCPEngine(t, &Config{})
	e.RegisterURI("/echo", echoHandler, nil)
	e.RegisterURI("/greedy", func(a *Arg) Result {
		a.SetContentLength(3)
		copy(a.Out.Buf, "abc")
		a.Out.N = 1 << 30
		a.In.N = 1 << 30
		if !a.BodyDone {
			return MorePostData
		}
		return EndOfOutput
	}, nil)
	e.RegisterURI("/negative", func(a *Arg) Result {
		_, _ = a.WriteString("x")
		a.In.N = -7
		return EndOfOutput
	}, nil)
	c := dialEngine(t, addr)

	c.send(post("/greedy", "0123456789") + post("/echo", "ping") +
		post("/negative", "ignored body") + post("/echo", "pong"))

	resp := c.read(false)
	assert.Eq(t, "abc", string(resp.Body()))
	resp = c.read(false)
	assert.Eq(t, "ping", string(resp.Body()))
	resp = c.read(false)
	assert.Eq(t, "x", string(resp.Body()))
	resp = c.read(false)
	assert.Eq(t, "pong", string(resp.Body()))
}

func TestEngineChunkedRequest(t *testing.T) {
	t.Parallel()
	e, addr := startTCPEngine(t, &Config{})
	e.RegisterURI("/echo", echoHandler, nil)
	c := dialEngine(t, addr)

	resp := c.do("POST /echo HTTP/1.1\r\nHost: test\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6;x=y\r\n world\r\n0\r\nTrailer: 1\r\n\r\n")
	assert.Eq(t, "hello world", string(resp.Body()))

	resp = c.do(post("/echo", "next"))
	assert.Eq(t, "next", string(resp.Body()))
}

func TestEngineChunkedResponse(t *testing.T) {
	t.Parallel()
	const size = 100 << 10
	e, addr := startTCPEngine(t, &Config{WriteBufferSize: 4096})
	e.RegisterURI("/big", func(a *Arg) Result {
		if a.Aborted {
			return EndOfOutput
		}
		left, ok := a.State.(int)
		if !ok {
			left = size
		}
		n := len(a.Out.Buf)
		if n > left {
			n = left
		}
		for i := 0; i < n; i++ {
			a.Out.Buf[i] = 'x'
		}
		a.Out.N = n
		left -= n
		a.State = left
		if left == 0 {
			return EndOfOutput
		}
		return Continue
	}, nil)
	c := dialEngine(t, addr)

	for i := 0; i < 2; i++ {
		resp := c.do("GET /big HTTP/1.1\r\nHost: test\r\n\r\n")
		assert.Eq(t, strings.Repeat("x", size), string(resp.Body()))
	}
}

func TestEngineHead(t *testing.T) {
	t.Parallel()
	e, addr := startTCPEngine(t, &Config{})
	e.RegisterURI("/", helloHandler, nil)
	c := dialEngine(t, addr)

	resp := c.do("HEAD /x HTTP/1.1\r\nHost: test\r\n\r\n")
	assert.Eq(t, http.StatusOK, resp.StatusCode())
	assert.Eq(t, 5, resp.Header.ContentLength())

	// the connection is still in sync
	resp = c.do("GET /x HTTP/1.1\r\nHost: test\r\n\r\n")
	assert.Eq(t, "hello", string(resp.Body()))
}

func TestEngineHTTP10(t *testing.T) {
	t.Parallel()
	e, addr := startTCPEngine(t, &Config{})
	e.RegisterURI("/", helloHandler, nil)

	c := dialEngine(t, addr)
	resp := c.do("GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	assert.Eq(t, "hello", string(resp.Body()))
	assert.Eq(t, "keep-alive", strings.ToLower(string(resp.Header.Peek("Connection"))))

	resp = c.do("GET / HTTP/1.0\r\n\r\n")
	assert.Eq(t, "hello", string(resp.Body()))
	assert.True(t, resp.ConnectionClose())
	c.expectEOF()
}

func TestEngineStatusResponses(t *testing.T) {
	t.Parallel()
	e, addr := startTCPEngine(t, &Config{})
	e.RegisterURI("/known", helloHandler, nil)
	c := dialEngine(t, addr)

	resp := c.do("GET /unknown HTTP/1.1\r\nHost: test\r\n\r\n")
	assert.Eq(t, http.StatusNotFound, resp.StatusCode())
	assert.Eq(t, "404 Not Found", string(resp.Body()))
	assert.False(t, resp.ConnectionClose())

	e.HandleError(http.StatusNotFound, func(a *Arg) Result {
		a.Printf("%s: %d", a.UserData, a.Status())
		return EndOfOutput
	}, "custom")
	resp = c.do("GET /unknown HTTP/1.1\r\nHost: test\r\n\r\n")
	assert.Eq(t, http.StatusNotFound, resp.StatusCode())
	assert.Eq(t, "custom: 404", string(resp.Body()))

	e.HandleError(http.StatusNotFound, nil, nil)
	resp = c.do("GET /unknown HTTP/1.1\r\nHost: test\r\n\r\n")
	assert.Eq(t, "404 Not Found", string(resp.Body()))
}

func TestEngineBadRequestCloses(t *testing.T) {
	t.Parallel()
	e, addr := startTCPEngine(t, &Config{})
	e.RegisterURI("/", helloHandler, nil)

	c := dialEngine(t, addr)
	resp := c.do("BROKEN\r\n\r\n")
	assert.Eq(t, http.StatusBadRequest, resp.StatusCode())
	assert.True(t, resp.ConnectionClose())
	c.expectEOF()

	c = dialEngine(t, addr)
	resp = c.do("GET / HTTP/3.0\r\n\r\n")
	assert.Eq(t, http.StatusHTTPVersionNotSupported, resp.StatusCode())
	c.expectEOF()

	waitFor(t, func() bool { return e.ConnCount() == 0 })
}

func TestEngineTooManyHeaders(t *testing.T) {
	t.Parallel()
	e, addr := startTCPEngine(t, &Config{MaxHeaderCount: 2})
	e.RegisterURI("/", helloHandler, nil)

	c := dialEngine(t, addr)
	resp := c.do("GET / HTTP/1.1\r\nA: 1\r\nB: 2\r\n\r\n")
	assert.Eq(t, http.StatusOK, resp.StatusCode())
	resp = c.do("GET / HTTP/1.1\r\nA: 1\r\nB: 2\r\nC: 3\r\n\r\n")
	assert.Eq(t, http.StatusRequestHeaderFieldsTooLarge, resp.StatusCode())
	assert.True(t, resp.ConnectionClose())
	c.expectEOF()
}

func TestEngineGetOnlyAndAuthorize(t *testing.T) {
	t.Parallel()
	e, addr := startTCPEngine(t, &Config{
		GetOnly:   true,
		AuthRealm: "test",
		Authorize: func(h *RequestHead) (string, bool) {
			return "joe", h.Header("Authorization") == "Basic am9lOnNlY3JldA=="
		},
	})
	e.RegisterURI("/", func(a *Arg) Result {
		a.Printf("%s %s %s %s", a.Env("REQUEST_METHOD"), a.Env("QUERY_STRING"),
			a.Env("REMOTE_USER"), a.Env("REMOTE_ADDR"))
		return EndOfOutput
	}, nil)
	c := dialEngine(t, addr)

	resp := c.do("DELETE / HTTP/1.1\r\nHost: test\r\n\r\n")
	assert.Eq(t, http.StatusMethodNotAllowed, resp.StatusCode())
	assert.Eq(t, "GET, HEAD", string(resp.Header.Peek("Allow")))

	resp = c.do("GET /?x=1 HTTP/1.1\r\nHost: test\r\n\r\n")
	assert.Eq(t, http.StatusUnauthorized, resp.StatusCode())
	assert.Eq(t, `Basic realm="test"`, string(resp.Header.Peek("WWW-Authenticate")))

	resp = c.do("GET /?x=1 HTTP/1.1\r\nHost: test\r\nAuthorization: Basic am9lOnNlY3JldA==\r\n\r\n")
	assert.Eq(t, http.StatusOK, resp.StatusCode())
	assert.Eq(t, "GET x=1 joe 127.0.0.1", string(resp.Body()))
}

func TestEngineExpectContinue(t *testing.T) {
	t.Parallel()
	e, addr := startTCPEngine(t, &Config{})
	e.RegisterURI("/echo", echoHandler, nil)
	c := dialEngine(t, addr)

	c.send("POST /echo HTTP/1.1\r\nHost: test\r\nExpect: 100-continue\r\nContent-Length: 4\r\n\r\n")
	_ = c.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.br.ReadString('\n')
	assert.NoErr(t, err)
	assert.Eq(t, "HTTP/1.1 100 Continue\r\n", line)
	line, err = c.br.ReadString('\n')
	assert.NoErr(t, err)
	assert.Eq(t, "\r\n", line)

	c.send("ping")
	resp := c.read(false)
	assert.Eq(t, "ping", string(resp.Body()))
}

func TestEngineSuspendWakeup(t *testing.T) {
	t.Parallel()
	e, addr := startTCPEngine(t, &Config{})
	var calls atomic.Int32
	tokens := make(chan Token, 1)
	e.RegisterURI("/slow", func(a *Arg) Result {
		calls.Add(1)
		if a.Aborted {
			return EndOfOutput
		}
		if a.State == nil {
			a.State = "parked"
			tokens <- a.Token()
			return Suspend
		}
		_, _ = a.WriteString("resumed")
		return EndOfOutput
	}, nil)
	c := dialEngine(t, addr)
	c.send("GET /slow HTTP/1.1\r\nHost: test\r\n\r\n")

	tok := <-tokens
	time.Sleep(50 * time.Millisecond)
	assert.Eq(t, int32(1), calls.Load())
	assert.True(t, e.Wakeup(tok))

	resp := c.read(false)
	assert.Eq(t, "resumed", string(resp.Body()))
	assert.Eq(t, int32(2), calls.Load())
}

func TestEngineWakeupBeforeSuspend(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	e, addr := startTCPEngine(t, &Config{})
	e.RegisterURI("/", func(a *Arg) Result {
		calls.Add(1)
		if a.State == nil {
			a.State = true
			// the wakeup lands before the suspension and cancels it
			assert.True(t, e.Wakeup(a.Token()))
			return Suspend
		}
		_, _ = a.WriteString("done")
		return EndOfOutput
	}, nil)
	c := dialEngine(t, addr)

	resp := c.do("GET / HTTP/1.1\r\nHost: test\r\n\r\n")
	assert.Eq(t, "done", string(resp.Body()))
	assert.Eq(t, int32(2), calls.Load())
}

func TestEngineAbortedOnce(t *testing.T) {
	t.Parallel()
	e, addr := startTCPEngine(t, &Config{})
	var aborted, afterAbort atomic.Int32
	tokens := make(chan Token, 1)
	done := make(chan struct{})
	e.RegisterURI("/upload", func(a *Arg) Result {
		if aborted.Load() > 0 {
			afterAbort.Add(1)
		}
		if a.Aborted {
			if aborted.Add(1) == 1 {
				close(done)
			}
			return EndOfOutput
		}
		if a.State == nil {
			a.State = true
			tokens <- a.Token()
		}
		a.In.N = len(a.In.Buf)
		return MorePostData
	}, nil)
	c := dialEngine(t, addr)
	c.send("POST /upload HTTP/1.1\r\nHost: test\r\nContent-Length: 100\r\n\r\n0123456789")
	tok := <-tokens
	_ = c.nc.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal call")
	}
	waitFor(t, func() bool { return e.ConnCount() == 0 })
	assert.Eq(t, int32(1), aborted.Load())
	assert.Eq(t, int32(0), afterAbort.Load())
	assert.False(t, e.Wakeup(tok))
}

func TestEngineCloseAbortsSuspended(t *testing.T) {
	t.Parallel()
	nop := zerolog.Nop()
	e, err := New(&Config{Logger: &nop})
	assert.NoErr(t, err)
	ln := fasthttputil.NewInmemoryListener()
	assert.NoErr(t, e.AddListener(ln, false))

	var aborted atomic.Int32
	tokens := make(chan Token, 1)
	e.RegisterURI("/", func(a *Arg) Result {
		if a.Aborted {
			aborted.Add(1)
			return EndOfOutput
		}
		tokens <- a.Token()
		return Suspend
	}, nil)
	served := make(chan error, 1)
	go func() { served <- e.Serve(context.Background()) }()

	nc, err := ln.Dial()
	assert.NoErr(t, err)
	defer nc.Close()
	_, err = io.WriteString(nc, "GET / HTTP/1.1\r\nHost: test\r\n\r\n")
	assert.NoErr(t, err)
	tok := <-tokens

	assert.NoErr(t, e.Close())
	assert.Eq(t, int32(1), aborted.Load())
	assert.False(t, e.Wakeup(tok))
	assert.Eq(t, 0, e.ConnCount())
	assert.True(t, errors.Is(<-served, ErrEngineClosed))
}

func TestEngineInputFullBackpressure(t *testing.T) {
	t.Parallel()
	const bodySize = 8 << 10
	e, addr := startTCPEngine(t, &Config{ReadBufferSize: 1024})
	tokens := make(chan Token, 1)
	type upload struct {
		parked bool
		total  int
	}
	e.RegisterURI("/upload", func(a *Arg) Result {
		if a.Aborted {
			return EndOfOutput
		}
		st, _ := a.State.(*upload)
		if st == nil {
			st = &upload{}
			a.State = st
		}
		if !st.parked {
			if !a.InputFull {
				return MorePostData
			}
			st.parked = true
			tokens <- a.Token()
			return Suspend
		}
		st.total += len(a.In.Buf)
		a.In.N = len(a.In.Buf)
		if a.BodyDone {
			a.Printf("%d", st.total)
			return EndOfOutput
		}
		return MorePostData
	}, nil)
	c := dialEngine(t, addr)
	go func() {
		_, _ = io.WriteString(c.nc, post("/upload", strings.Repeat("b", bodySize)))
	}()

	tok := <-tokens
	time.Sleep(50 * time.Millisecond)
	before := e.Stats().BytesRead
	time.Sleep(100 * time.Millisecond)
	assert.Eq(t, before, e.Stats().BytesRead)
	assert.True(t, before < bodySize)

	assert.True(t, e.Wakeup(tok))
	resp := c.read(false)
	assert.Eq(t, strconv.Itoa(bodySize), string(resp.Body()))
}

func TestEngineConnectionError(t *testing.T) {
	t.Parallel()
	e, addr := startTCPEngine(t, &Config{})
	e.RegisterURI("/", func(a *Arg) Result {
		_, _ = a.WriteString("never sent")
		return ConnectionError
	}, nil)
	c := dialEngine(t, addr)
	c.send("GET / HTTP/1.1\r\nHost: test\r\n\r\n")
	_ = c.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	b, _ := io.ReadAll(c.br)
	assert.Eq(t, 0, len(b))
	waitFor(t, func() bool { return e.ConnCount() == 0 })
}

func TestEngineIdleTimeout(t *testing.T) {
	t.Parallel()
	e, addr := startTCPEngine(t, &Config{IdleTimeout: 100 * time.Millisecond})
	e.RegisterURI("/", helloHandler, nil)
	c := dialEngine(t, addr)
	resp := c.do("GET / HTTP/1.1\r\nHost: test\r\n\r\n")
	assert.Eq(t, "hello", string(resp.Body()))
	assert.Eq(t, 1, e.ConnCount())
	waitFor(t, func() bool { return e.ConnCount() == 0 })
	c.expectEOF()
}

func TestEngineOverload(t *testing.T) {
	t.Parallel()
	e, addr := startTCPEngine(t, &Config{Concurrency: 1})
	e.RegisterURI("/", helloHandler, nil)

	first := dialEngine(t, addr)
	resp := first.do("GET / HTTP/1.1\r\nHost: test\r\n\r\n")
	assert.Eq(t, http.StatusOK, resp.StatusCode())

	second := dialEngine(t, addr)
	resp = second.read(false)
	assert.Eq(t, http.StatusServiceUnavailable, resp.StatusCode())
	assert.Eq(t, "10", string(resp.Header.Peek("Retry-After")))
	waitFor(t, func() bool { return e.Stats().Rejected == 1 })

	// the admitted connection is not disturbed
	resp = first.do("GET / HTTP/1.1\r\nHost: test\r\n\r\n")
	assert.Eq(t, "hello", string(resp.Body()))
}

func TestEngineACLRejects(t *testing.T) {
	t.Parallel()
	e, addr := startTCPEngine(t, &Config{ACL: "-127.0.0.0/8"})
	e.RegisterURI("/", helloHandler, nil)
	c := dialEngine(t, addr)
	c.expectEOF()
	waitFor(t, func() bool { return e.Stats().Rejected == 1 })
	assert.Eq(t, uint64(0), e.Stats().Accepted)
}

func TestEngineConnStateHook(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var states []ConnState
	e, addr := startTCPEngine(t, &Config{
		ConnState: func(_ net.Conn, s ConnState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	e.RegisterURI("/", helloHandler, nil)
	c := dialEngine(t, addr)
	c.do("GET / HTTP/1.1\r\nHost: test\r\n\r\n")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 3
	})
	_ = c.nc.Close()
	waitFor(t, func() bool { return e.ConnCount() == 0 })

	mu.Lock()
	defer mu.Unlock()
	assert.Eq(t, []ConnState{StateNew, StateActive, StateIdle, StateClosed}, states)
}

func TestEngineThreads(t *testing.T) {
	t.Parallel()
	e, addr := startTCPEngine(t, &Config{Threads: 4})
	e.RegisterURI("/echo", echoHandler, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			nc, err := net.Dial("tcp", addr)
			if err != nil {
				t.Error(err)
				return
			}
			defer nc.Close()
			br := bufio.NewReader(nc)
			for j := 0; j < 20; j++ {
				body := fmt.Sprintf("client %d request %d", i, j)
				if _, err = io.WriteString(nc, post("/echo", body)); err != nil {
					t.Error(err)
					return
				}
				_ = nc.SetReadDeadline(time.Now().Add(5 * time.Second))
				var resp fasthttp.Response
				if err = resp.Read(br); err != nil {
					t.Error(err)
					return
				}
				if string(resp.Body()) != body {
					t.Errorf("unexpected body %q, want %q", resp.Body(), body)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	waitFor(t, func() bool { return e.Stats().Requests == 160 })
}

func TestEngineInmemoryListener(t *testing.T) {
	t.Parallel()
	e := startEngine(t, &Config{})
	e.RegisterURI("/echo", echoHandler, nil)
	ln := fasthttputil.NewInmemoryListener()
	assert.NoErr(t, e.AddListener(ln, false))

	nc, err := ln.Dial()
	assert.NoErr(t, err)
	defer nc.Close()
	c := &testClient{t: t, nc: nc, br: bufio.NewReader(nc)}
	for i := 0; i < 3; i++ {
		body := randomstring.HumanFriendlyString(10 << 10)
		resp := c.do(post("/echo", body))
		assert.Eq(t, body, string(resp.Body()))
	}
	assert.Eq(t, 1, e.ConnCount())
}

func TestEngineJoin(t *testing.T) {
	t.Parallel()
	e := newQuietEngine(t, &Config{Ports: "127.0.0.1:0"})

	assert.Eq(t, -1, e.Join(nil, nil))

	var rd, wr unix.FdSet
	maxFD := e.Join(&rd, &wr)
	assert.True(t, maxFD >= e.wake.rfd)
	assert.True(t, rd.IsSet(e.wake.rfd))

	// the wake descriptor turns readable once a connection is queued
	nc, err := net.Dial("tcp", e.Addrs()[0].String())
	assert.NoErr(t, err)
	defer nc.Close()
	waitFor(t, func() bool {
		var set unix.FdSet
		set.Set(e.wake.rfd)
		tv := unix.Timeval{}
		n, err := unix.Select(e.wake.rfd+1, &set, nil, nil, &tv)
		return err == nil && n == 1
	})
	assert.NoErr(t, e.Poll(0))
	assert.Eq(t, 1, e.ConnCount())

	connFD := -1
	e.table.forEach(func(c *conn) bool {
		connFD = c.t.fd()
		return true
	})
	assert.True(t, connFD >= 0)
	rd.Zero()
	maxFD = e.Join(&rd, nil)
	assert.True(t, rd.IsSet(connFD))
	assert.True(t, rd.IsSet(e.wake.rfd))
	assert.True(t, maxFD >= connFD)
}

func TestEngineSSIFunc(t *testing.T) {
	t.Parallel()
	e := newQuietEngine(t, nil)
	e.RegisterSSIFunc("is_admin", func(a *Arg) Result {
		a.SetConnectionClose()
		_, _ = a.WriteString(a.UserData.(string))
		return EvalTrue
	}, "admin")
	e.RegisterSSIFunc("counter", func(a *Arg) Result {
		a.Printf("%d", 12345)
		return Continue
	}, nil)

	buf := make([]byte, 16)
	n, truth, err := e.CallSSIFunc("is_admin", buf)
	assert.NoErr(t, err)
	assert.True(t, truth)
	assert.Eq(t, "admin", string(buf[:n]))

	n, truth, err = e.CallSSIFunc("counter", buf[:3])
	assert.NoErr(t, err)
	assert.False(t, truth)
	assert.Eq(t, "123", string(buf[:n]))

	_, _, err = e.CallSSIFunc("missing", buf)
	assert.True(t, errors.Is(err, ErrNoSSIFunc))

	e.RegisterSSIFunc("counter", nil, nil)
	_, _, err = e.CallSSIFunc("counter", buf)
	assert.True(t, errors.Is(err, ErrNoSSIFunc))
}

func TestSSIFuncRequestNotShared(t *testing.T) {
	t.Parallel()
	e := newQuietEngine(t, nil)
	var seen []*RequestHead
	e.RegisterSSIFunc("touch", func(a *Arg) Result {
		h := a.Request()
		seen = append(seen, h)
		if h.Method != "" || h.Path != "" {
			return Continue
		}
		h.Method = http.MethodPost
		h.Path = "/mutated"
		a.SetConnectionClose()
		return EvalTrue
	}, nil)

	for i := 0; i < 2; i++ {
		_, truth, err := e.CallSSIFunc("touch", nil)
		assert.NoErr(t, err)
		assert.True(t, truth)
	}
	assert.Eq(t, 2, len(seen))
	assert.True(t, seen[0] != seen[1])
}

func TestSocketpair(t *testing.T) {
	t.Parallel()
	fds, err := Socketpair()
	assert.NoErr(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	_, err = unix.Write(fds[0], []byte("x"))
	assert.NoErr(t, err)
	b := make([]byte, 1)
	n, err := unix.Read(fds[1], b)
	assert.NoErr(t, err)
	assert.Eq(t, 1, n)
	assert.Eq(t, "x", string(b))
}
