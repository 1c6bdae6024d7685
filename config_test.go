package pollhttp

import (
	"net"
	"testing"
	"time"

	"github.com/gookit/goutil/testutil/assert"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

func newQuietEngine(t *testing.T, cfg *Config) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	nop := zerolog.Nop()
	cfg.Logger = &nop
	e, err := New(cfg)
	assert.NoErr(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	var cfg Config
	assert.Eq(t, DefaultServerName, cfg.getName())
	assert.Eq(t, DefaultConcurrency, cfg.getConcurrency())
	assert.Eq(t, DefaultReadBufferSize, cfg.getReadBufferSize())
	assert.Eq(t, DefaultWriteBufferSize, cfg.getWriteBufferSize())
	assert.Eq(t, DefaultIdleTimeout, cfg.getIdleTimeout())
	assert.Eq(t, DefaultMaxHeaderCount, cfg.getMaxHeaderCount())
	assert.Eq(t, 1, cfg.getThreads())
	assert.Eq(t, "mydomain.com", cfg.getAuthRealm())

	cfg.WriteBufferSize = 1
	assert.Eq(t, 2*chunkReserve, cfg.getWriteBufferSize())
}

func TestEngineOptions(t *testing.T) {
	t.Parallel()
	e := newQuietEngine(t, &Config{Root: "/srv/www"})

	v, err := e.Option("root")
	assert.NoErr(t, err)
	assert.Eq(t, "/srv/www", v)

	assert.NoErr(t, e.SetOption("idle_time", "5"))
	assert.Eq(t, 5*time.Second, e.config().IdleTimeout)
	v, _ = e.Option("idle_time")
	assert.Eq(t, "5", v)

	assert.NoErr(t, e.SetOption("dir_list", "yes"))
	v, _ = e.Option("dir_list")
	assert.Eq(t, "yes", v)

	assert.NoErr(t, e.SetOption("cgi_ext", ".cgi,.pl"))
	v, _ = e.Option("cgi_ext")
	assert.Eq(t, ".cgi,.pl", v)

	assert.NoErr(t, e.SetOption("threads", "4"))
	assert.Eq(t, 4, e.config().Threads)
	assert.Eq(t, 4, e.wp.MaxWorkersCount)

	err = e.SetOption("threads", "many")
	assert.Err(t, err)
	assert.Eq(t, 4, e.config().Threads)

	err = e.SetOption("dir_list", "maybe")
	assert.Err(t, err)

	err = e.SetOption("no_such_option", "1")
	assert.True(t, errors.Is(err, ErrUnknownOption))
	_, err = e.Option("no_such_option")
	assert.True(t, errors.Is(err, ErrUnknownOption))
}

func TestEngineOptionACL(t *testing.T) {
	t.Parallel()
	e := newQuietEngine(t, nil)
	assert.Err(t, e.SetOption("acl", "10.0.0.0/8"))
	assert.NoErr(t, e.SetOption("acl", "-0.0.0.0/0,+127.0.0.1"))
	assert.True(t, e.acl.Load().allowed(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}))
	assert.False(t, e.acl.Load().allowed(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1)}))
}

func TestEngineSetOptionAfterClose(t *testing.T) {
	t.Parallel()
	e := newQuietEngine(t, nil)
	assert.NoErr(t, e.Close())
	assert.True(t, errors.Is(e.SetOption("root", "/"), ErrEngineClosed))
	assert.True(t, errors.Is(e.Close(), ErrEngineClosed))
	assert.True(t, errors.Is(e.Poll(0), ErrEngineClosed))
}

func TestACL(t *testing.T) {
	t.Parallel()
	ip := func(s string) net.Addr { return &net.TCPAddr{IP: net.ParseIP(s), Port: 1234} }

	a, err := parseACL("+192.168.0.0/16")
	assert.NoErr(t, err)
	assert.True(t, a.allowed(ip("192.168.5.5")))
	assert.False(t, a.allowed(ip("8.8.8.8")))

	a, err = parseACL("-1.2.3.4")
	assert.NoErr(t, err)
	assert.False(t, a.allowed(ip("1.2.3.4")))
	assert.True(t, a.allowed(ip("1.2.3.5")))

	// the last matching rule decides
	a, err = parseACL("-0.0.0.0/0, +10.0.0.0/8, -10.1.0.0/16")
	assert.NoErr(t, err)
	assert.True(t, a.allowed(ip("10.2.0.1")))
	assert.False(t, a.allowed(ip("10.1.0.1")))
	assert.False(t, a.allowed(ip("11.0.0.1")))

	a, err = parseACL("+::1")
	assert.NoErr(t, err)
	assert.True(t, a.allowed(ip("::1")))
	assert.False(t, a.allowed(ip("::2")))

	// peers without an IP address are not filtered
	assert.True(t, a.allowed(&net.UnixAddr{Name: "@pipe", Net: "unix"}))

	a, err = parseACL("")
	assert.NoErr(t, err)
	assert.True(t, a.allowed(ip("1.1.1.1")))

	_, err = parseACL("+300.0.0.0/8")
	assert.Err(t, err)
	_, err = parseACL("*10.0.0.0/8")
	assert.Err(t, err)
}

func TestParsePorts(t *testing.T) {
	t.Parallel()
	specs, err := parsePorts("8080, 127.0.0.1:8081,8443s,[::1]:9000s")
	assert.NoErr(t, err)
	assert.Eq(t, []portSpec{
		{addr: ":8080"},
		{addr: "127.0.0.1:8081"},
		{addr: ":8443", tls: true},
		{addr: "[::1]:9000", tls: true},
	}, specs)

	for _, bad := range []string{"abc", "70000", "1.2.3.4:x"} {
		_, err = parsePorts(bad)
		assert.True(t, errors.Is(err, ErrBadPort), bad)
	}
}

func TestNewFailsOnBadConfig(t *testing.T) {
	t.Parallel()
	nop := zerolog.Nop()
	_, err := New(&Config{Logger: &nop, ACL: "bogus"})
	assert.Err(t, err)
	_, err = New(&Config{Logger: &nop, Ports: "127.0.0.1:0s"})
	assert.True(t, errors.Is(err, ErrNeedCert))
}
