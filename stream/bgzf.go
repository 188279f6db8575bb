package stream

import (
	"runtime"

	"github.com/grailbio/hts/bgzf"
)

// bgzfStream decodes a block-gzip (bgzf) framed input. bgzf is itself
// block-structured, which makes it a natural input framing for a
// block-diff tool, but true random access requires a virtual-offset index
// this package does not build; like gzipStream, TrySeek reports
// unsupported rather than claim a seek it cannot honor correctly.
type bgzfStream struct {
	under Stream
	r     *bgzf.Reader
}

// NewBGZFReader wraps under, decoding it as a bgzf stream. under is closed
// when the returned Stream is closed.
func NewBGZFReader(under Stream) (Stream, error) {
	r, err := bgzf.NewReader(under, runtime.NumCPU())
	if err != nil {
		return nil, err
	}
	return &bgzfStream{under: under, r: r}, nil
}

func (s *bgzfStream) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *bgzfStream) Write([]byte) (int, error) {
	panic("tardiff: bgzfStream is read-only")
}

func (s *bgzfStream) TrySeek(int64) (bool, error) { return false, nil }

func (s *bgzfStream) Close() error {
	err := s.r.Close()
	if cerr := s.under.Close(); err == nil {
		err = cerr
	}
	return err
}
