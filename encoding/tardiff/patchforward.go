package tardiff

import (
	"crypto/md5"
	"io"

	"github.com/grailbio/tardiff/block"
	"github.com/grailbio/tardiff/stream"
	"github.com/pkg/errors"
)

// ApplyForward is the forward patch executor (spec §4.6, component C5).
// diff must be positioned immediately after the 8-byte magic. source must
// support seeking; ApplyForward returns an error if it does not.
//
// For each instruction, it seeks source to S*512, streams C blocks from
// source to output, then streams A literal blocks from diff to output,
// maintaining a running digest of everything written. At the terminator it
// compares that digest against the trailing target digest stored in diff.
func ApplyForward(diff io.Reader, source stream.Stream, output io.Writer) error {
	if !stream.Seekable(source) {
		return errors.New("tardiff: forward patch executor requires a seekable source")
	}
	h := md5.New()
	w := io.MultiWriter(output, h)

	for {
		inst, err := ReadInstruction(diff)
		if err != nil {
			return errors.Wrap(err, "tardiff: read instruction")
		}
		if inst.IsTerminator() {
			break
		}
		if err := inst.Validate(); err != nil {
			return err
		}
		if inst.C > 0 {
			if ok, err := source.TrySeek(int64(inst.S) * block.Size); err != nil {
				return errors.Wrap(err, "tardiff: seek source")
			} else if !ok {
				return errors.New("tardiff: source stopped supporting seek mid-patch")
			}
			if _, err := io.CopyN(w, source, int64(inst.C)*block.Size); err != nil {
				return errors.Wrap(err, "tardiff: copy source blocks")
			}
		}
		if inst.A > 0 {
			if _, err := io.CopyN(w, diff, int64(inst.A)*block.Size); err != nil {
				return errors.Wrap(err, "tardiff: copy literal blocks")
			}
		}
	}

	wantDigest, err := ReadDigest(diff)
	if err != nil {
		return err
	}
	var gotDigest block.Digest
	copy(gotDigest[:], h.Sum(nil))
	if gotDigest != wantDigest {
		return errors.Errorf("tardiff: target digest mismatch: got %x, want %x", gotDigest, wantDigest)
	}
	return nil
}
