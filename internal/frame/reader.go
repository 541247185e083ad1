package frame

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxLineBytes bounds a single frame line.
const DefaultMaxLineBytes = 8 << 20

// Reader splits a byte stream into frame lines.
//
// Unlike bufio.Scanner, an over-long line is not fatal: the reader discards
// the rest of it up to the next newline and returns ErrLineTooLong, after
// which reading can continue.
type Reader struct {
	br  *bufio.Reader
	max int
	buf []byte
}

// NewReader wraps r. maxLine <= 0 selects DefaultMaxLineBytes.
func NewReader(r io.Reader, maxLine int) *Reader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	return &Reader{br: bufio.NewReaderSize(r, 64<<10), max: maxLine}
}

// ReadLine returns the next non-blank line without its trailing newline. The
// returned slice is only valid until the next call. A final unterminated line
// is returned before io.EOF.
func (r *Reader) ReadLine() ([]byte, error) {
	for {
		line, err := r.readRaw()
		if err != nil {
			if len(line) > 0 && errors.Is(err, io.EOF) {
				return line, nil
			}
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

func (r *Reader) readRaw() ([]byte, error) {
	r.buf = r.buf[:0]
	tooLong := false
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !tooLong {
			if len(r.buf)+len(chunk) > r.max+1 {
				tooLong = true
				r.buf = r.buf[:0]
			} else {
				r.buf = append(r.buf, chunk...)
			}
		}
		switch {
		case err == nil:
			if tooLong {
				return nil, fmt.Errorf("%w: exceeds %d bytes", ErrLineTooLong, r.max)
			}
			return bytes.TrimRight(r.buf, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			if tooLong {
				return nil, err
			}
			return bytes.TrimRight(r.buf, "\r\n"), err
		}
	}
}
