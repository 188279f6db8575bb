package stream

import (
	"context"
	"errors"
	"io"
	"syscall"

	"github.com/grailbio/base/file"
)

// baseFileStream adapts a github.com/grailbio/base/file.File to Stream.
// Only one of r/w is set: file.File presents a read view and a write view
// separately (Reader(ctx)/Writer(ctx)), the same split seen at every
// file.Open/file.Create call site in the teacher tree, none of which reads
// back what it just wrote.
type baseFileStream struct {
	ctx context.Context
	f   file.File
	r   io.Reader
	w   io.Writer
}

// NewBaseFile wraps f (opened via file.Open) as a read-only Stream. It is
// seekable exactly when file.File's local backend happens to return an
// io.Seeker from Reader(ctx), the same plumbing
// encoding/pam/fieldio.Reader relies on (its rin field is declared
// io.ReadSeeker).
func NewBaseFile(ctx context.Context, f file.File) Stream {
	return &baseFileStream{ctx: ctx, f: f, r: f.Reader(ctx)}
}

// NewBaseFileWriter wraps f (opened via file.Create) as a write-only Stream.
func NewBaseFileWriter(ctx context.Context, f file.File) Stream {
	return &baseFileStream{ctx: ctx, f: f, w: f.Writer(ctx)}
}

func (s *baseFileStream) Read(p []byte) (int, error) {
	if s.r == nil {
		return 0, errors.New("stream: base file stream not open for reading")
	}
	return s.r.Read(p)
}

func (s *baseFileStream) Write(p []byte) (int, error) {
	if s.w == nil {
		return 0, errors.New("stream: base file stream not open for writing")
	}
	return s.w.Write(p)
}

func (s *baseFileStream) Close() error {
	return s.f.Close(s.ctx)
}

func (s *baseFileStream) TrySeek(off int64) (bool, error) {
	seeker, _ := s.r.(io.Seeker)
	if seeker == nil {
		seeker, _ = s.w.(io.Seeker)
	}
	if seeker == nil {
		return false, nil
	}
	if _, err := seeker.Seek(off, io.SeekStart); err != nil {
		if errors.Is(err, syscall.ESPIPE) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
