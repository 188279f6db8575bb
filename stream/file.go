package stream

import (
	"errors"
	"io"
	"os"
	"syscall"
)

// fileStream adapts an *os.File, or any io.ReadWriter (which is then never
// seekable), to Stream.
type fileStream struct {
	f  *os.File
	rw io.ReadWriter // set instead of f for a pipe-backed stream (e.g. stdin/stdout)
}

// NewFile wraps f, an opened regular file, as a Stream.
func NewFile(f *os.File) Stream {
	return &fileStream{f: f}
}

func (s *fileStream) Read(p []byte) (int, error) {
	if s.f != nil {
		return s.f.Read(p)
	}
	return s.rw.Read(p)
}

func (s *fileStream) Write(p []byte) (int, error) {
	if s.f != nil {
		return s.f.Write(p)
	}
	return s.rw.Write(p)
}

func (s *fileStream) Close() error {
	if s.f != nil {
		return s.f.Close()
	}
	if c, ok := s.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *fileStream) TrySeek(off int64) (bool, error) {
	if s.f == nil {
		return false, nil
	}
	if _, err := s.f.Seek(off, io.SeekStart); err != nil {
		if errors.Is(err, syscall.ESPIPE) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// NewPipe wraps rw as a Stream whose TrySeek always reports unsupported,
// whatever rw's underlying type.
func NewPipe(rw io.ReadWriter) Stream {
	return &fileStream{rw: rw}
}
