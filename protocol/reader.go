package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Reader pulls frames off a stream. It is not safe for concurrent use; a
// connection owns exactly one Reader and reads from a single goroutine.
type Reader struct {
	r      *bufio.Reader
	limits Limits
}

// NewReader creates a Reader with DefaultLimits.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:      bufio.NewReader(r),
		limits: DefaultLimits(),
	}
}

// SetLimits updates the reader's limits
func (fr *Reader) SetLimits(limits Limits) {
	fr.limits = limits
}

// ReadFrame blocks until one complete frame is available and returns its JSON
// text. io.EOF is returned only when the stream ends cleanly between frames.
// Errors wrapping ErrFraming are fatal to the stream; other errors come from
// the underlying reader.
func (fr *Reader) ReadFrame() (json.RawMessage, error) {
	first, err := fr.skipSpace()
	if err != nil {
		return nil, err
	}
	if isJSONStart(first) {
		return fr.readBare()
	}

	length, err := fr.readHeaders()
	if err != nil {
		return nil, err
	}

	next, err := fr.r.Peek(1)
	if err != nil {
		return nil, truncated("body", err)
	}
	if !isJSONStart(next[0]) {
		return nil, fmt.Errorf("%w: unexpected byte %q after header block", ErrFraming, next[0])
	}

	// No usable Content-Length: find the end of the value syntactically.
	if length < 0 {
		return fr.readBare()
	}
	return fr.readBody(length)
}

// skipSpace consumes whitespace between frames and returns the next byte
// without consuming it.
func (fr *Reader) skipSpace() (byte, error) {
	for {
		b, err := fr.r.Peek(1)
		if err != nil {
			return 0, err
		}
		if !isSpace(b[0]) {
			return b[0], nil
		}
		if _, err := fr.r.ReadByte(); err != nil {
			return 0, err
		}
	}
}

// readHeaders consumes "Key: Value" lines up to and including the blank line.
// It returns the Content-Length, or -1 when it is absent or unparseable.
func (fr *Reader) readHeaders() (int, error) {
	length := -1
	total := 0
	for {
		line, err := fr.r.ReadString('\n')
		total += len(line)
		if total > fr.limits.MaxFrame {
			return -1, fmt.Errorf("%w: header block exceeds %d bytes", ErrFraming, fr.limits.MaxFrame)
		}
		if err != nil {
			return -1, truncated("header block", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return length, nil
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return -1, fmt.Errorf("%w: malformed header line %q", ErrFraming, line)
		}
		if !strings.EqualFold(strings.TrimSpace(key), HeaderContentLength) {
			continue // Content-Type and friends are ignored
		}

		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			length = -1
			continue
		}
		if n > fr.limits.MaxFrame {
			return -1, fmt.Errorf("%w: Content-Length %d exceeds max frame %d", ErrFraming, n, fr.limits.MaxFrame)
		}
		length = n
	}
}

// readBody reads exactly n bytes and checks they hold one JSON value.
func (fr *Reader) readBody(n int) (json.RawMessage, error) {
	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, truncated("body", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: body of %d bytes is not valid JSON", ErrFraming, n)
	}
	return body, nil
}

// readBare accumulates input until it holds a syntactically complete object or
// array. Bytes are taken one at a time from the buffered reader, so a value
// that is split across reads, or not followed by a newline, is still found.
func (fr *Reader) readBare() (json.RawMessage, error) {
	var buf []byte
	depth := 0
	inString, escaped := false, false

	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, truncated("bare frame", err)
		}
		buf = append(buf, b)
		if len(buf) > fr.limits.MaxFrame {
			return nil, fmt.Errorf("%w: bare frame exceeds %d bytes", ErrFraming, fr.limits.MaxFrame)
		}

		switch {
		case escaped:
			escaped = false
		case inString:
			if b == '\\' {
				escaped = true
			} else if b == '"' {
				inString = false
			}
		case b == '"':
			inString = true
		case b == '{' || b == '[':
			depth++
		case b == '}' || b == ']':
			depth--
			if depth > 0 {
				continue
			}
			if depth < 0 || !json.Valid(buf) {
				return nil, fmt.Errorf("%w: bare frame is not valid JSON", ErrFraming)
			}
			return buf, nil
		}
	}
}

// truncated maps an end of stream in the middle of a frame to a framing error.
// Other read errors are returned unchanged.
func truncated(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: stream ended inside %s: %w", ErrFraming, what, io.ErrUnexpectedEOF)
	}
	return err
}

func isJSONStart(b byte) bool {
	return b == '{' || b == '['
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}
