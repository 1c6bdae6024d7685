package pollhttp

import (
	"bytes"
	"net/url"
	"strings"
)

// GetVar looks up a variable in a URL encoded form, such as a query string
// or an application/x-www-form-urlencoded body. Names match case
// insensitively. The value is URL decoded; ok is false when the name is
// absent or its value does not decode.
func GetVar(name string, data []byte) (value string, ok bool) {
	if name == "" {
		return "", false
	}
	for len(data) > 0 {
		pair := data
		if i := bytes.IndexByte(data, '&'); i >= 0 {
			pair, data = data[:i], data[i+1:]
		} else {
			data = nil
		}
		eq := bytes.IndexByte(pair, '=')
		if eq != len(name) || !strings.EqualFold(b2s(pair[:eq]), name) {
			continue
		}
		v, err := url.QueryUnescape(b2s(pair[eq+1:]))
		if err != nil {
			return "", false
		}
		return v, true
	}
	return "", false
}
