package pollhttp

type bodyMode uint8

const (
	bodyNone bodyMode = iota
	bodyLength
	bodyChunked
)

type chunkState uint8

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

// maxChunkLine bounds chunk-size lines (extensions included) and trailer
// lines.
const maxChunkLine = 4096

// bodyDecoder de-frames a request body inside the input buffer.
//
// The unconsumed bytes of the input buffer are split in two: the first
// avail bytes are decoded body, the rest is raw transport data. decode moves
// the boundary forward. Content-Length bodies need no rewriting; chunked
// framing is cut out in place so the decoded payload stays contiguous.
// Bytes past the end of the body are left raw for the next request.
type bodyDecoder struct {
	mode      bodyMode
	cs        chunkState
	remaining int64
	total     int64
	done      bool
}

func (d *bodyDecoder) reset(h *RequestHead) {
	*d = bodyDecoder{}
	switch {
	case h == nil:
		d.done = true
	case h.Chunked:
		d.mode = bodyChunked
	case h.ContentLength > 0:
		d.mode = bodyLength
		d.remaining = h.ContentLength
	default:
		d.done = true
	}
}

// decode returns the new count of decoded bytes at the head of in.
func (d *bodyDecoder) decode(in *ByteBuffer, avail int) (int, error) {
	if d.done {
		return avail, nil
	}
	if d.mode == bodyLength {
		raw := int64(in.Len() - avail)
		if raw > d.remaining {
			raw = d.remaining
		}
		avail += int(raw)
		d.remaining -= raw
		d.total += raw
		d.done = d.remaining == 0
		return avail, nil
	}
	for !d.done {
		raw := in.Bytes()[avail:]
		switch d.cs {
		case chunkSize:
			line, next, err := nextLine(raw)
			if err != nil {
				return avail, d.needMore(in, avail, len(raw))
			}
			size, ok := parseChunkSize(line)
			if !ok {
				return avail, errBadChunk
			}
			in.cut(avail, len(raw)-len(next))
			if size == 0 {
				d.cs = chunkTrailer
			} else {
				d.remaining = size
				d.cs = chunkData
			}
		case chunkData:
			if len(raw) == 0 {
				return avail, nil
			}
			n := int64(len(raw))
			if n > d.remaining {
				n = d.remaining
			}
			avail += int(n)
			d.remaining -= n
			d.total += n
			if d.remaining == 0 {
				d.cs = chunkDataEnd
			}
		case chunkDataEnd:
			line, next, err := nextLine(raw)
			if err != nil {
				if len(raw) >= 2 {
					return avail, errBadChunk
				}
				return avail, d.needMore(in, avail, len(raw))
			}
			if len(line) != 0 {
				return avail, errBadChunk
			}
			in.cut(avail, len(raw)-len(next))
			d.cs = chunkSize
		case chunkTrailer:
			line, next, err := nextLine(raw)
			if err != nil {
				return avail, d.needMore(in, avail, len(raw))
			}
			in.cut(avail, len(raw)-len(next))
			if len(line) == 0 {
				d.done = true
			}
		}
	}
	return avail, nil
}

// needMore decides whether waiting for more raw bytes can ever help.
func (d *bodyDecoder) needMore(in *ByteBuffer, avail, raw int) error {
	if raw > maxChunkLine {
		return errBadChunk
	}
	if in.Full() && avail == 0 {
		// A framing line alone fills the buffer.
		return errBadChunk
	}
	return nil
}

func parseChunkSize(line []byte) (int64, bool) {
	for i, c := range line {
		if c == ';' || c == ' ' || c == '\t' {
			line = line[:i]
			break
		}
	}
	return parseHexUint(line)
}
