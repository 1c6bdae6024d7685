package pollhttp

import (
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

type ssiFunc struct {
	handler  Handler
	userData any
}

// RegisterSSIFunc registers a named hook for server side include pages.
// The include processor calls it through CallSSIFunc. Registering a nil
// handler removes the name.
func (e *Engine) RegisterSSIFunc(name string, h Handler, userData any) {
	if h == nil {
		e.ssi.Delete(name)
		return
	}
	e.ssi.Store(name, ssiFunc{handler: h, userData: userData})
}

// CallSSIFunc runs the hook registered under name with out as its output
// window. It returns how many bytes the hook wrote and whether it
// evaluated to true, which is how `#if` conditions are answered.
func (e *Engine) CallSSIFunc(name string, out []byte) (n int, truth bool, err error) {
	f, ok := e.ssi.Load(name)
	if !ok {
		return 0, false, errors.Wrap(ErrNoSSIFunc, name)
	}
	a := Arg{UserData: f.userData, Out: Window{Buf: out}, BodyDone: true, c: newSSIConn()}
	r := f.handler(&a)
	n = a.Out.N
	if n < 0 {
		n = 0
	} else if n > len(out) {
		n = len(out)
	}
	return n, r == EvalTrue, nil
}

// newSSIConn backs the Arg of one SSI hook call so request accessors
// return empty values instead of panicking. Nothing is shared between
// calls.
func newSSIConn() *conn {
	return &conn{resp: response{status: 200, headDone: true}}
}

func newSSIRegistry() *xsync.MapOf[string, ssiFunc] {
	return xsync.NewMapOf[string, ssiFunc]()
}
