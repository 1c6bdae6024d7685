package pollhttp

import (
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// DefaultConcurrency is the maximum number of concurrent connections
	// when Config.Concurrency is unset.
	DefaultConcurrency = 256 * 1024
	// DefaultReadBufferSize is the input buffer ceiling of a connection.
	DefaultReadBufferSize = 16 << 10
	// DefaultWriteBufferSize is the output buffer ceiling of a connection.
	DefaultWriteBufferSize = 16 << 10
	// DefaultIdleTimeout closes connections without activity.
	DefaultIdleTimeout = 30 * time.Second
	// DefaultMaxHeaderCount bounds the header fields of a request.
	DefaultMaxHeaderCount = 64
	// DefaultMaxDrainSize bounds the unread request body skipped to keep a
	// connection alive.
	DefaultMaxDrainSize = 64 << 10
	// DefaultServerName is sent in the Server header.
	DefaultServerName = "pollhttp/" + Version
)

// Config configures an Engine.
//
// The first group mirrors the classic option table and is also reachable
// by name through Engine.SetOption and Engine.Option. Options naming
// collaborators this package does not implement (CGI, SSI pages, MIME
// types, directory listing, aliases, password files) are stored and handed
// back untouched so that such collaborators can be configured through the
// same table.
type Config struct {
	// Ports lists listening ports: "8080,127.0.0.1:8081,8443s". A trailing
	// "s" makes the port speak TLS.
	Ports string
	// Root is the document root.
	Root string
	// IndexFiles is a comma separated list of directory index file names.
	IndexFiles string
	// DirList enables directory listings.
	DirList bool
	// CGIExtensions is a comma separated list of CGI file extensions.
	CGIExtensions string
	// CGIInterpreter runs every CGI script when set.
	CGIInterpreter string
	// CGIEnv holds extra CGI environment variables, "VAR=value,..." form.
	CGIEnv string
	// SSIExtensions is a comma separated list of SSI page extensions.
	SSIExtensions string
	// AuthRealm is sent in the WWW-Authenticate challenge.
	AuthRealm string
	// AuthGlobalPasswd is a global passwords file.
	AuthGlobalPasswd string
	// AuthPut is the passwords file protecting PUT and DELETE.
	AuthPut string
	// AccessLog is a file receiving one event per finished request.
	AccessLog string
	// ErrorLog is a file receiving error events. Stderr is used when empty
	// and Logger is nil.
	ErrorLog string
	// MIMETypes holds extra "ext=type,..." mappings.
	MIMETypes string
	// SSLCert is a PEM file holding both the certificate and its key.
	SSLCert string
	// Aliases holds "uri=directory,..." mappings.
	Aliases string
	// ACL is a "+CIDR,-CIDR" admission list.
	ACL string
	// UID is the user to switch to after the listeners are open.
	UID string
	// Threads is the number of I/O worker goroutines used by each pass.
	// Zero or one means the caller's goroutine does all the work.
	Threads int

	// Name is sent in the Server header. DefaultServerName when empty.
	Name string
	// Concurrency is the maximum number of connections served at once.
	// Connections over the limit receive a canned 503 and are closed.
	Concurrency int
	// ReadBufferSize is the input buffer ceiling per connection. It bounds
	// the request head size.
	ReadBufferSize int
	// WriteBufferSize is the output buffer ceiling per connection.
	WriteBufferSize int
	// IdleTimeout closes connections without activity. Suspended
	// connections are exempt.
	IdleTimeout time.Duration
	// MaxHeaderCount bounds the header fields of a request.
	MaxHeaderCount int
	// MaxDrainSize bounds the unread request body the engine skips to keep
	// a connection alive after the handler finished.
	MaxDrainSize int
	// DisableKeepalive closes every connection after its first response.
	DisableKeepalive bool
	// GetOnly answers 405 to methods other than GET and HEAD.
	GetOnly bool
	// ReusePort opens listeners with SO_REUSEPORT.
	ReusePort bool
	// TLSConfig is used for TLS ports. It takes precedence over SSLCert.
	TLSConfig *tls.Config
	// Logger receives engine events. When nil a logger writing to ErrorLog
	// (or stderr) is built.
	Logger *zerolog.Logger
	// LogAllErrors also logs the frequent peer-went-away errors.
	LogAllErrors bool
	// Authorize is consulted for every request before dispatch. Returning
	// false answers 401 with a challenge for AuthRealm. The returned user
	// is reported as REMOTE_USER.
	Authorize func(h *RequestHead) (user string, ok bool)
	// ConnState is called on connection state changes. It runs on the
	// goroutine serving the connection and must not block.
	ConnState func(net.Conn, ConnState)
}

func (cfg *Config) clone() *Config {
	c := *cfg
	return &c
}

func (cfg *Config) getName() string {
	if cfg.Name == "" {
		return DefaultServerName
	}
	return cfg.Name
}

func (cfg *Config) getConcurrency() int {
	if cfg.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return cfg.Concurrency
}

func (cfg *Config) getReadBufferSize() int {
	if cfg.ReadBufferSize <= 0 {
		return DefaultReadBufferSize
	}
	return cfg.ReadBufferSize
}

func (cfg *Config) getWriteBufferSize() int {
	if cfg.WriteBufferSize <= 0 {
		return DefaultWriteBufferSize
	}
	// room for the chunk framing and the last chunk
	if cfg.WriteBufferSize < 2*chunkReserve {
		return 2 * chunkReserve
	}
	return cfg.WriteBufferSize
}

func (cfg *Config) getIdleTimeout() time.Duration {
	if cfg.IdleTimeout <= 0 {
		return DefaultIdleTimeout
	}
	return cfg.IdleTimeout
}

func (cfg *Config) getMaxHeaderCount() int {
	if cfg.MaxHeaderCount <= 0 {
		return DefaultMaxHeaderCount
	}
	return cfg.MaxHeaderCount
}

func (cfg *Config) getMaxDrainSize() int {
	if cfg.MaxDrainSize <= 0 {
		return DefaultMaxDrainSize
	}
	return cfg.MaxDrainSize
}

func (cfg *Config) getThreads() int {
	if cfg.Threads < 1 {
		return 1
	}
	return cfg.Threads
}

func (cfg *Config) getAuthRealm() string {
	if cfg.AuthRealm == "" {
		return "mydomain.com"
	}
	return cfg.AuthRealm
}

type option struct {
	get func(cfg *Config) string
	set func(cfg *Config, v string) error
}

func strOption(field func(cfg *Config) *string) option {
	return option{
		get: func(cfg *Config) string { return *field(cfg) },
		set: func(cfg *Config, v string) error { *field(cfg) = v; return nil },
	}
}

func intOption(field func(cfg *Config) *int) option {
	return option{
		get: func(cfg *Config) string { return strconv.Itoa(*field(cfg)) },
		set: func(cfg *Config, v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return errors.Wrapf(err, "bad integer %q", v)
			}
			*field(cfg) = n
			return nil
		},
	}
}

func boolOption(field func(cfg *Config) *bool) option {
	return option{
		get: func(cfg *Config) string {
			if *field(cfg) {
				return "yes"
			}
			return "no"
		},
		set: func(cfg *Config, v string) error {
			b, err := parseBool(v)
			if err != nil {
				return err
			}
			*field(cfg) = b
			return nil
		},
	}
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "on", "1", "true":
		return true, nil
	case "no", "off", "0", "false", "":
		return false, nil
	}
	return false, errors.Errorf("bad boolean %q", v)
}

var options = map[string]option{
	"root":         strOption(func(cfg *Config) *string { return &cfg.Root }),
	"index_files":  strOption(func(cfg *Config) *string { return &cfg.IndexFiles }),
	"ports":        strOption(func(cfg *Config) *string { return &cfg.Ports }),
	"dir_list":     boolOption(func(cfg *Config) *bool { return &cfg.DirList }),
	"cgi_ext":      strOption(func(cfg *Config) *string { return &cfg.CGIExtensions }),
	"cgi_interp":   strOption(func(cfg *Config) *string { return &cfg.CGIInterpreter }),
	"cgi_env":      strOption(func(cfg *Config) *string { return &cfg.CGIEnv }),
	"ssi_ext":      strOption(func(cfg *Config) *string { return &cfg.SSIExtensions }),
	"auth_realm":   strOption(func(cfg *Config) *string { return &cfg.AuthRealm }),
	"auth_gpass":   strOption(func(cfg *Config) *string { return &cfg.AuthGlobalPasswd }),
	"auth_PUT":     strOption(func(cfg *Config) *string { return &cfg.AuthPut }),
	"access_log":   strOption(func(cfg *Config) *string { return &cfg.AccessLog }),
	"error_log":    strOption(func(cfg *Config) *string { return &cfg.ErrorLog }),
	"mime_types":   strOption(func(cfg *Config) *string { return &cfg.MIMETypes }),
	"ssl_cert":     strOption(func(cfg *Config) *string { return &cfg.SSLCert }),
	"aliases":      strOption(func(cfg *Config) *string { return &cfg.Aliases }),
	"acl":          strOption(func(cfg *Config) *string { return &cfg.ACL }),
	"uid":          strOption(func(cfg *Config) *string { return &cfg.UID }),
	"threads":      intOption(func(cfg *Config) *int { return &cfg.Threads }),
	"max_conns":    intOption(func(cfg *Config) *int { return &cfg.Concurrency }),
	"read_buffer":  intOption(func(cfg *Config) *int { return &cfg.ReadBufferSize }),
	"write_buffer": intOption(func(cfg *Config) *int { return &cfg.WriteBufferSize }),
	"idle_time": {
		get: func(cfg *Config) string {
			return strconv.Itoa(int(cfg.getIdleTimeout() / time.Second))
		},
		set: func(cfg *Config, v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return errors.Wrapf(err, "bad idle_time %q", v)
			}
			cfg.IdleTimeout = time.Duration(n) * time.Second
			return nil
		},
	},
}

// config returns the current configuration. It must not be modified.
func (e *Engine) config() *Config {
	return e.cfg.Load()
}

// Option returns the value of the named option in its textual form.
func (e *Engine) Option(name string) (string, error) {
	o, ok := options[name]
	if !ok {
		return "", errors.Wrap(ErrUnknownOption, name)
	}
	return o.get(e.config()), nil
}

// SetOption sets the named option from its textual form. Setting "ports"
// opens the listed listeners in addition to the current ones, "acl"
// replaces the admission list and "uid" switches user at once. Raising
// "max_conns" takes effect for the next accepted connection. Buffer
// sizes apply to connections accepted afterwards. Log file options are
// read by New only.
func (e *Engine) SetOption(name, value string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	o, ok := options[name]
	if !ok {
		return errors.Wrap(ErrUnknownOption, name)
	}
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	cfg := e.config().clone()
	if err := o.set(cfg, value); err != nil {
		return errors.Wrapf(err, "option %s", name)
	}
	switch name {
	case "ports":
		if err := e.openPorts(cfg, value); err != nil {
			return err
		}
	case "acl":
		a, err := parseACL(value)
		if err != nil {
			return err
		}
		e.acl.Store(a)
	case "uid":
		if err := dropPrivileges(value); err != nil {
			return err
		}
	case "threads":
		e.wp.setMaxWorkers(cfg.getThreads())
	case "max_conns":
		e.wakeups.grow(cfg.getConcurrency())
	}
	e.cfg.Store(cfg)
	return nil
}
