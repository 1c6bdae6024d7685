package pollhttp

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

func init() {
	zerolog.CallerFieldName = "C"
	zerolog.MessageFieldName = "M"
	zerolog.LevelFieldName = "L"
	zerolog.ErrorFieldName = "E"
	zerolog.TimestampFieldName = "T"
	zerolog.ErrorStackFieldName = "S"
}

// openLog returns a logger writing to path, or to fallback when path is
// empty. The returned closer is nil when nothing was opened.
func openLog(path string, fallback io.Writer) (zerolog.Logger, io.Closer, error) {
	if path == "" {
		if fallback == nil {
			return zerolog.Nop(), nil, nil
		}
		return zerolog.New(fallback).With().Timestamp().Logger(), nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Nop(), nil, errors.Wrapf(err, "open log %q", path)
	}
	return zerolog.New(f).With().Timestamp().Logger(), f, nil
}

func (e *Engine) setupLoggers(cfg *Config) error {
	if cfg.Logger != nil {
		e.log = cfg.Logger.With().Str("engine", cfg.getName()).Logger()
	} else {
		l, cl, err := openLog(cfg.ErrorLog, os.Stderr)
		if err != nil {
			return err
		}
		e.log = l.With().Str("engine", cfg.getName()).Logger()
		if cl != nil {
			e.closers = append(e.closers, cl)
		}
	}
	if cfg.AccessLog != "" {
		l, cl, err := openLog(cfg.AccessLog, nil)
		if err != nil {
			e.closeLogs()
			return err
		}
		e.access = &l
		e.closers = append(e.closers, cl)
	}
	return nil
}

// logConnError logs a connection level failure unless it is one of the
// usual peer-went-away errors.
func (e *Engine) logConnError(c *conn, err error) {
	if err == nil {
		return
	}
	if !e.config().LogAllErrors && isCommonNetError(err) {
		return
	}
	e.log.Error().Err(err).Uint64("conn", c.id).Str("remote", c.remoteAddr()).Msg("error when serving connection")
}

// logAccess emits one event per finished request.
func (e *Engine) logAccess(c *conn) {
	if e.access == nil {
		return
	}
	e.access.Log().
		Str("remote", c.remoteAddr()).
		Str("user", c.remoteUser).
		Str("method", c.req.Method).
		Str("uri", c.req.URI).
		Str("proto", c.req.Protocol()).
		Int("status", c.resp.status).
		Int64("bytes", c.resp.written).
		Dur("took", time.Duration(absoluteNano()-c.cycleStart)).
		Send()
}
