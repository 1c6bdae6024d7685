package pollhttp

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

type binding struct {
	pattern  string
	handler  Handler
	userData any
}

// uriTable maps request paths to handlers by longest literal prefix.
//
// Lookups read an immutable sorted slice through an atomic pointer and do
// not allocate. Registrations copy the slice under mu and publish the copy.
type uriTable struct {
	mu       sync.Mutex
	bindings atomic.Pointer[[]*binding]
}

func (t *uriTable) register(pattern string, h Handler, userData any) {
	pattern = strings.TrimSuffix(pattern, "*")
	b := &binding{pattern: pattern, handler: h, userData: userData}

	t.mu.Lock()
	defer t.mu.Unlock()
	var old []*binding
	if p := t.bindings.Load(); p != nil {
		old = *p
	}
	next := make([]*binding, len(old), len(old)+1)
	copy(next, old)
	next = append(next, b)
	// Stable: equal lengths keep registration order, so the first one
	// registered wins.
	sort.SliceStable(next, func(i, j int) bool {
		return len(next[i].pattern) > len(next[j].pattern)
	})
	t.bindings.Store(&next)
}

// lookup returns the binding with the longest pattern that prefixes path.
func (t *uriTable) lookup(path string) *binding {
	p := t.bindings.Load()
	if p == nil {
		return nil
	}
	for _, b := range *p {
		if strings.HasPrefix(path, b.pattern) {
			return b
		}
	}
	return nil
}

func (t *uriTable) len() int {
	if p := t.bindings.Load(); p != nil {
		return len(*p)
	}
	return 0
}
