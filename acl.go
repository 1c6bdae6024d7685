package pollhttp

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

type aclRule struct {
	allow bool
	n     *net.IPNet
}

// acl filters connections by peer address. Rules are comma separated
// "+CIDR" or "-CIDR" entries. The verdict for an address matching no rule
// is the opposite of the first rule; otherwise the last matching rule
// decides.
type acl struct {
	rules []aclRule
}

func parseACL(s string) (*acl, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	a := &acl{}
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if len(f) < 2 || (f[0] != '+' && f[0] != '-') {
			return nil, errors.Errorf("bad acl rule %q: must start with + or -", f)
		}
		spec := f[1:]
		if !strings.Contains(spec, "/") {
			if strings.Contains(spec, ":") {
				spec += "/128"
			} else {
				spec += "/32"
			}
		}
		_, n, err := net.ParseCIDR(spec)
		if err != nil {
			return nil, errors.Wrapf(err, "bad acl rule %q", f)
		}
		a.rules = append(a.rules, aclRule{allow: f[0] == '+', n: n})
	}
	return a, nil
}

func (a *acl) allowed(addr net.Addr) bool {
	if a == nil || len(a.rules) == 0 {
		return true
	}
	ip := addrIP(addr)
	if ip == nil {
		// pipes and other non-IP peers are not subject to the list
		return true
	}
	verdict := !a.rules[0].allow
	for _, r := range a.rules {
		if r.n.Contains(ip) {
			verdict = r.allow
		}
	}
	return verdict
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	case nil:
		return nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
