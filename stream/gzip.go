package stream

import (
	"io"

	"github.com/klauspost/compress/gzip"
)

// gzipStream is the transparent gzip-decompressing implementation spec §6
// expects for path inputs. It never supports seeking: a gzip member has no
// usable random-access structure, so it reports TrySeek as unsupported,
// same as a stdin-backed stream (spec §6).
type gzipStream struct {
	under Stream
	r     *gzip.Reader
	w     *gzip.Writer
}

// NewGzipReader wraps under, decompressing everything read from it;
// concatenated gzip members are decoded one after another. under is closed
// when the returned Stream is closed.
func NewGzipReader(under Stream) (Stream, error) {
	r, err := gzip.NewReader(under)
	if err != nil {
		return nil, err
	}
	return &gzipStream{under: under, r: r}, nil
}

// NewGzipWriter wraps under, compressing everything written to it as a
// single gzip member. under is closed when the returned Stream is closed.
func NewGzipWriter(under Stream) Stream {
	return &gzipStream{under: under, w: gzip.NewWriter(under)}
}

func (s *gzipStream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *gzipStream) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *gzipStream) TrySeek(int64) (bool, error) { return false, nil }

func (s *gzipStream) Close() error {
	var err error
	switch {
	case s.w != nil:
		err = s.w.Close()
	case s.r != nil:
		err = s.r.Close()
	}
	if cerr := s.under.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ io.ReadWriteCloser = (*gzipStream)(nil)
