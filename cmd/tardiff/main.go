// Command tardiff builds, applies, merges, and identifies tardiff
// differences files (see github.com/grailbio/tardiff/encoding/tardiff).
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/tardiff/stream"
	"v.io/x/lib/cmdline"
)

// openInput opens path for reading as a Stream, honoring "-" for stdin
// (spec §6), mirroring cmd/bio-bam-sort/main.go's openInput. Real paths
// (everything but "-") are also transparently gzip/bgzf-decompressed if
// they carry that framing, matching original_source/common.c's gzopen --
// every non-stdin input is opened that way there too.
func openInput(path string) (stream.Stream, error) {
	if path == "-" {
		return stream.NewFile(os.Stdin), nil
	}
	f, err := file.Open(vcontext.Background(), path)
	if err != nil {
		return nil, err
	}
	return detectCompression(stream.NewBaseFile(vcontext.Background(), f))
}

// createOutput opens path for writing as a Stream, honoring "-" for
// stdout.
func createOutput(path string) (stream.Stream, error) {
	if path == "-" {
		return stream.NewFile(os.Stdout), nil
	}
	f, err := file.Create(vcontext.Background(), path)
	if err != nil {
		return nil, err
	}
	return stream.NewBaseFileWriter(vcontext.Background(), f), nil
}

// closeQuietly closes s, unless path is "-" -- the stdin/stdout pipe is
// left for the process to tear down on exit.
func closeQuietly(s stream.Stream, path string) {
	if path == "-" {
		return
	}
	s.Close()
}

// prefixStream replays a handful of already-consumed bytes ahead of
// Stream, so a failed magic sniff on a non-seekable path input (e.g. a named
// pipe) can still be undone without losing data.
type prefixStream struct {
	prefix []byte
	stream.Stream
}

func (s *prefixStream) Read(p []byte) (int, error) {
	if len(s.prefix) > 0 {
		n := copy(p, s.prefix)
		s.prefix = s.prefix[n:]
		return n, nil
	}
	return s.Stream.Read(p)
}

func (s *prefixStream) TrySeek(int64) (bool, error) { return false, nil }

// detectCompression wraps raw in a transparent gzip- or bgzf-decompressing
// Stream if its leading bytes carry gzip framing, else returns raw
// unchanged (spec §6: "a transparent gzip-decompressing implementation is
// expected for path inputs").
//
// bgzf sniffing is attempted only when raw is seekable, since undoing a
// failed bgzf header parse means re-seeking to the start; a non-seekable
// input goes straight to the gzip reader, which also decodes bgzf-framed
// data correctly (bgzf is a sequence of ordinary gzip members, and
// multistream gzip decoding reads straight through them) -- we only lose
// the virtual-offset random access bgzf would otherwise enable, which this
// sequential auto-detection path never uses anyway.
func detectCompression(raw stream.Stream) (stream.Stream, error) {
	var magic [2]byte
	n, err := io.ReadFull(raw, magic[:])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	if n < 2 || magic[0] != 0x1f || magic[1] != 0x8b {
		return rewind(raw, magic[:n])
	}

	if ok, err := raw.TrySeek(0); err != nil {
		return nil, err
	} else if ok {
		if bg, err := stream.NewBGZFReader(raw); err == nil {
			return bg, nil
		}
		if _, err := raw.TrySeek(0); err != nil {
			return nil, err
		}
		return stream.NewGzipReader(raw)
	}
	return stream.NewGzipReader(&prefixStream{prefix: append([]byte(nil), magic[:n]...), Stream: raw})
}

// rewind restores raw to look as though peeked had never been read from
// it: a seek back to the start for a seekable stream, or a replay wrapper
// for one that is not.
func rewind(raw stream.Stream, peeked []byte) (stream.Stream, error) {
	if ok, err := raw.TrySeek(0); err != nil {
		return nil, err
	} else if ok {
		return raw, nil
	}
	if len(peeked) == 0 {
		return raw, nil
	}
	return &prefixStream{prefix: append([]byte(nil), peeked...), Stream: raw}, nil
}

func main() {
	shutdown := grail.Init()
	defer shutdown()

	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(&cmdline.Command{
		Name:  "tardiff",
		Short: "Block-granular binary differencing",
		Long: `Command tardiff computes, applies, merges, and identifies block-granular
binary diffs between two files. A diff encodes the target file as a
sequence of instructions that copy blocks from the source file and append
literal blocks that appear only in the target; see the "info" command for
a summary of any file this tool produces or accepts.`,
		Children: []*cmdline.Command{
			newCmdDiff(),
			newCmdPatch(),
			newCmdMerge(),
			newCmdInfo(),
		},
	})
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "tardiff: "+format+"\n", args...)
	os.Exit(1)
}
