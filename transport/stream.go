package transport

import (
	"errors"
	"io"
	"sync"
)

// Stream joins a read half and a write half, such as os.Stdin and os.Stdout of
// a child process, into one io.ReadWriteCloser. Close closes whichever halves
// are closers, once.
func Stream(r io.Reader, w io.Writer) io.ReadWriteCloser {
	return &stream{Reader: r, Writer: w}
}

type stream struct {
	io.Reader
	io.Writer

	once sync.Once
	err  error
}

func (s *stream) Close() error {
	s.once.Do(func() {
		var errs []error
		if c, ok := s.Reader.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		if c, ok := s.Writer.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		s.err = errors.Join(errs...)
	})
	return s.err
}
