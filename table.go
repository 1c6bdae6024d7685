package pollhttp

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// connTable holds the admitted connections of an Engine. Passes running on
// several goroutines range over it concurrently.
type connTable struct {
	m *xsync.MapOf[uint64, *conn]
	n atomic.Int64
}

func newConnTable() *connTable {
	return &connTable{m: xsync.NewMapOf[uint64, *conn](xsync.WithPresize(1024))}
}

func (t *connTable) add(c *conn) {
	t.m.Store(c.id, c)
	t.n.Add(1)
}

func (t *connTable) remove(c *conn) {
	if _, ok := t.m.LoadAndDelete(c.id); ok {
		t.n.Add(-1)
	}
}

func (t *connTable) len() int {
	return int(t.n.Load())
}

func (t *connTable) forEach(f func(c *conn) bool) {
	t.m.Range(func(_ uint64, c *conn) bool {
		return f(c)
	})
}
