// Package stream defines the abstract byte-stream capability the tardiff
// core consumes (spec §6, §9): read, an optional absolute-position seek, and
// close. The core never opens paths itself -- path handling, magic-gzip
// detection, and stdin/stdout selection are the CLI's job (cmd/tardiff) --
// but it needs a uniform capability to drive the patch executors' choice
// between the forward (C5) and backward (C6) algorithm.
package stream

import "io"

// Stream is the capability the core requires of any input or output.
// TrySeek attempts an absolute-position seek and reports whether the
// underlying stream supports it; a stream that never supports seeking (e.g.
// a pipe or stdin) always returns ok=false without error.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer

	// TrySeek attempts to seek to absolute byte offset off. ok is false if
	// the stream does not support seeking at all; err is non-nil only if
	// seeking is supported but this particular seek failed.
	TrySeek(off int64) (ok bool, err error)
}

// Seekable reports whether s supports seeking, by probing TrySeek(0).
// On a seekable stream the probe moves the position back to offset 0.
func Seekable(s Stream) bool {
	ok, _ := s.TrySeek(0)
	return ok
}
