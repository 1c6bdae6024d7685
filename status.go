package pollhttp

import (
	"github.com/puzpuzpuz/xsync/v3"
)

type statusOverride struct {
	handler  Handler
	userData any
}

// statusRegistry holds the handlers replacing the built-in body of engine
// generated statuses. Absent codes use builtinStatusHandler.
type statusRegistry struct {
	m *xsync.MapOf[int, statusOverride]
}

func newStatusRegistry() statusRegistry {
	return statusRegistry{m: xsync.NewMapOf[int, statusOverride]()}
}

func (r statusRegistry) set(status int, h Handler, userData any) {
	if h == nil {
		r.m.Delete(status)
		return
	}
	r.m.Store(status, statusOverride{handler: h, userData: userData})
}

func (r statusRegistry) get(status int) (Handler, any) {
	if o, ok := r.m.Load(status); ok {
		return o.handler, o.userData
	}
	return builtinStatusHandler, nil
}
