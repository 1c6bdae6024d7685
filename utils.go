package pollhttp

import "unsafe"

// b2s converts a byte slice to a string without copying. The slice must
// not be modified while the string is in use.
func b2s(b []byte) string {
	return unsafe.String(unsafe.SliceData(b), len(b))
}

// AppendUintInto writes the decimal form of n right-aligned into dst and
// returns the written tail of dst. dst must be large enough.
func AppendUintInto(dst []byte, n int) []byte {
	if n < 0 {
		// developer sanity-check
		panic("BUG: int must be positive")
	}
	i := len(dst)
	var q int
	for n >= 10 {
		i--
		q = n / 10
		dst[i] = '0' + byte(n-q*10)
		n = q
	}
	i--
	dst[i] = '0' + byte(n)
	return dst[i:]
}

const hexDigits = "0123456789abcdef"

// putChunkHeader writes "<hex n>\r\n" right-aligned into dst and returns
// how many bytes it used. dst must hold at least chunkHeaderReserve bytes.
func putChunkHeader(dst []byte, n int) int {
	i := len(dst)
	i--
	dst[i] = nChar
	i--
	dst[i] = rChar
	if n == 0 {
		i--
		dst[i] = '0'
	}
	for n > 0 {
		i--
		dst[i] = hexDigits[n&0xf]
		n >>= 4
	}
	return len(dst) - i
}

// parseHexUint parses a chunk size. It refuses values that do not fit in 60
// bits so that the result is always a valid int64.
func parseHexUint(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 15 {
		return 0, false
	}
	var v int64
	for _, c := range b {
		switch {
		case c >= '0' && c <= '9':
			c -= '0'
		case c >= 'a' && c <= 'f':
			c -= 'a' - 10
		case c >= 'A' && c <= 'F':
			c -= 'A' - 10
		default:
			return 0, false
		}
		v = v<<4 | int64(c)
	}
	return v, true
}
