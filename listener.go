package pollhttp

import (
	"context"
	"crypto/tls"
	"net"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/tcplisten"
	"golang.org/x/sys/unix"
)

type portSpec struct {
	addr string
	tls  bool
}

// parsePorts parses "8080,127.0.0.1:8081,[::1]:8443s".
func parsePorts(s string) ([]portSpec, error) {
	var specs []portSpec
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		var ps portSpec
		if strings.HasSuffix(f, "s") {
			ps.tls = true
			f = f[:len(f)-1]
		}
		if !strings.Contains(f, ":") {
			f = ":" + f
		}
		_, port, err := net.SplitHostPort(f)
		if err != nil {
			return nil, errors.Wrapf(ErrBadPort, "%q: %v", f, err)
		}
		if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
			return nil, errors.Wrapf(ErrBadPort, "%q", f)
		}
		ps.addr = f
		specs = append(specs, ps)
	}
	return specs, nil
}

type listener struct {
	ln        net.Listener
	tlsConfig *tls.Config
}

func listenTCP(cfg *Config, addr string) (net.Listener, error) {
	network := "tcp4"
	if host, _, _ := net.SplitHostPort(addr); strings.Contains(host, ":") {
		network = "tcp6"
	}
	if cfg.ReusePort {
		lc := tcplisten.Config{ReusePort: true}
		return lc.NewListener(network, addr)
	}
	var lc net.ListenConfig
	return lc.Listen(context.Background(), network, addr)
}

func tlsConfigFor(cfg *Config) (*tls.Config, error) {
	if cfg.TLSConfig != nil {
		return cfg.TLSConfig, nil
	}
	if cfg.SSLCert == "" {
		return nil, ErrNeedCert
	}
	cert, err := tls.LoadX509KeyPair(cfg.SSLCert, cfg.SSLCert)
	if err != nil {
		return nil, errors.Wrapf(err, "load ssl_cert %q", cfg.SSLCert)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// openPorts opens every listener named by ports. On failure the listeners
// opened by this call are closed again.
func (e *Engine) openPorts(cfg *Config, ports string) error {
	specs, err := parsePorts(ports)
	if err != nil {
		return err
	}
	opened := make([]*listener, 0, len(specs))
	for _, ps := range specs {
		l := &listener{}
		if ps.tls {
			if l.tlsConfig, err = tlsConfigFor(cfg); err != nil {
				break
			}
		}
		if l.ln, err = listenTCP(cfg, ps.addr); err != nil {
			err = errors.Wrapf(err, "listen %s", ps.addr)
			break
		}
		opened = append(opened, l)
	}
	if err != nil {
		for _, l := range opened {
			_ = l.ln.Close()
		}
		return err
	}
	for _, l := range opened {
		e.startListener(l)
	}
	return nil
}

// AddListener serves connections accepted from ln. With isTLS set they are
// wrapped in TLS using Config.TLSConfig or Config.SSLCert. The engine owns
// ln from now on and closes it in Close.
func (e *Engine) AddListener(ln net.Listener, isTLS bool) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	l := &listener{ln: ln}
	if isTLS {
		tc, err := tlsConfigFor(e.config())
		if err != nil {
			return err
		}
		l.tlsConfig = tc
	}
	e.startListener(l)
	return nil
}

func (e *Engine) startListener(l *listener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
	e.log.Info().Str("addr", l.ln.Addr().String()).Bool("tls", l.tlsConfig != nil).Msg("listening")
	e.wg.Add(1)
	go e.acceptLoop(l)
}

// acceptLoop hands accepted connections to the next pass through the
// accept queue.
func (e *Engine) acceptLoop(l *listener) {
	defer e.wg.Done()
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if e.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				e.log.Warn().Err(err).Msg("timeout error when accepting new connections")
				time.Sleep(time.Second)
				continue
			}
			e.log.Error().Err(err).Str("addr", l.ln.Addr().String()).Msg("permanent error when accepting new connections")
			return
		}
		if l.tlsConfig != nil {
			nc = tls.Server(nc, l.tlsConfig)
		}
		select {
		case e.acceptCh <- nc:
			e.wake.wake()
		case <-e.stopCh:
			_ = nc.Close()
			return
		}
	}
}

// Addrs returns the addresses of the listeners.
func (e *Engine) Addrs() []net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	addrs := make([]net.Addr, 0, len(e.listeners))
	for _, l := range e.listeners {
		addrs = append(addrs, l.ln.Addr())
	}
	return addrs
}

// dropPrivileges switches to the named user (or numeric uid).
func dropPrivileges(name string) error {
	if name == "" {
		return nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		if u, err = user.LookupId(name); err != nil {
			return errors.Wrapf(err, "lookup user %q", name)
		}
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return errors.Wrapf(err, "gid of %q", name)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return errors.Wrapf(err, "uid of %q", name)
	}
	if err = unix.Setgid(gid); err != nil {
		return errors.Wrapf(err, "setgid %d", gid)
	}
	if err = unix.Setuid(uid); err != nil {
		return errors.Wrapf(err, "setuid %d", uid)
	}
	return nil
}
