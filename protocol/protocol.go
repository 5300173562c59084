// Package protocol implements the framing of the duplex byte stream.
//
// Outbound frames always use header framing (LSP style):
//
//	Content-Length: 42\r\n
//	\r\n
//	{"id":"-1","method":"GetValue","params":[]}
//
// Inbound frames may use either header framing or bare framing, where a JSON
// object or array is written straight to the stream with no header block.
// The reader peeks the first non-whitespace byte of each frame to tell them
// apart: '{' or '[' means bare, anything else is the start of a header block.
package protocol

import (
	"errors"
	"io"
	"strconv"
)

const (
	HeaderContentLength = "Content-Length"
	DefaultMaxFrame     = 16 << 20 // 16 MiB
)

// ErrFraming wraps every violation after which the stream cannot be
// resynchronized: a malformed header block, a body that is not JSON, or bytes
// that never close a JSON value.
var ErrFraming = errors.New("protocol: framing error")

// Limits bounds the memory a single frame may take.
type Limits struct {
	MaxFrame int // Largest accepted frame body in bytes
}

func DefaultLimits() Limits {
	return Limits{MaxFrame: DefaultMaxFrame}
}

// Encode writes one header-framed unit to w.
// Header and body go out in a single Write, but the caller must still hold a
// write lock if multiple goroutines share w: a short write followed by another
// goroutine's Write would interleave.
func Encode(w io.Writer, body []byte) error {
	buf := make([]byte, 0, len(HeaderContentLength)+len(body)+16)
	buf = append(buf, HeaderContentLength...)
	buf = append(buf, ": "...)
	buf = strconv.AppendInt(buf, int64(len(body)), 10)
	buf = append(buf, "\r\n\r\n"...)
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}
