package pollhttp

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/newacorn/goutils/unsafefn"
)

var (
	startTimeUTC      = time.Now().UTC()
	startAbsoluteNano = unsafefn.NanoTime()
)

func absoluteToUTC(n int64) time.Time {
	return startTimeUTC.Add(time.Duration(n - startAbsoluteNano))
}

// absoluteNano is a monotonic clock reading used for activity stamps and
// idle expiry.
func absoluteNano() int64 {
	return unsafefn.NanoTime()
}

type dateCache struct {
	sec int64
	b   []byte
}

var serverDate atomic.Pointer[dateCache]

// appendDate appends the current time in the Date header format. The
// formatted value is cached for the current second.
func appendDate(dst []byte) []byte {
	now := absoluteNano()
	sec := now / int64(time.Second)
	d := serverDate.Load()
	if d == nil || d.sec != sec {
		d = &dateCache{
			sec: sec,
			b:   absoluteToUTC(now).AppendFormat(nil, http.TimeFormat),
		}
		serverDate.Store(d)
	}
	return append(dst, d.b...)
}
