// ABOUTME: Bounded line reader for the helper line protocol
// ABOUTME: Oversized lines are skipped whole so the stream stays in sync

package lineproto

import (
	"bufio"
	"errors"
	"io"
)

// ErrLineTooLong is returned by Reader.Next for a line over MaxLineSize. The
// offending line has been consumed; the next call returns the line after it.
var ErrLineTooLong = errors.New("lineproto: line exceeds maximum size")

// Reader splits a stream into protocol lines.
type Reader struct {
	br  *bufio.Reader
	max int
	buf []byte
}

// NewReader returns a Reader enforcing MaxLineSize.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024), max: MaxLineSize}
}

// Next returns the next line without its terminator. The slice is valid
// until the following call. At end of stream it returns io.EOF; a final
// unterminated line is returned before that.
func (r *Reader) Next() ([]byte, error) {
	r.buf = r.buf[:0]
	overflow := false
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !overflow {
			if len(r.buf)+len(chunk) > r.max+1 {
				overflow = true
				r.buf = r.buf[:0]
			} else {
				r.buf = append(r.buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if overflow {
				return nil, ErrLineTooLong
			}
			return trimEOL(r.buf), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if overflow {
				return nil, ErrLineTooLong
			}
			if len(r.buf) > 0 {
				return trimEOL(r.buf), nil
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

func trimEOL(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}
