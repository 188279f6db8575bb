package tardiff

import (
	"crypto/md5"
	"encoding/binary"
	"io"

	"github.com/grailbio/tardiff/binsort"
	"github.com/grailbio/tardiff/block"
	"github.com/grailbio/tardiff/stream"
	"github.com/pkg/errors"
)

// copyPlanWidth is 4 bytes source index S followed by 4 bytes output index
// T, both big-endian -- sorted lexicographically this orders by S then T,
// exactly spec §4.7's "keyed by S then T".
const copyPlanWidth = 8

// backwardCacheRecords bounds the in-memory copy-plan cache before binsort
// spills to disk; 1<<16 copy-plan entries (512KiB) is a reasonable default
// that keeps small diffs entirely in memory.
const backwardCacheRecords = 1 << 16

// ApplyBackward is the backward patch executor (spec §4.7, component C6),
// used when source does not support seeking but output does. diff must be
// positioned immediately after the 8-byte magic.
//
// It runs three passes: (1) walk the instructions, writing append literals
// directly to their output position and staging each copy as a (source
// index, output index) pair in an external sort; (2) stream source
// sequentially once, applying the sorted copy plan in source-index order;
// (3) re-read output sequentially to compute and verify the target digest.
func ApplyBackward(diff io.Reader, source io.Reader, output stream.Stream, tmpDir string) error {
	if !stream.Seekable(output) {
		return errors.New("tardiff: backward patch executor requires a seekable output")
	}

	plan, err := binsort.New(copyPlanWidth, backwardCacheRecords, binsort.Options{TmpDir: tmpDir})
	if err != nil {
		return err
	}

	var t uint32 // next output block index to be produced
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
		for k := uint32(0); k < uint32(inst.C); k++ {
			var rec [copyPlanWidth]byte
			binary.BigEndian.PutUint32(rec[0:4], inst.S+k)
			binary.BigEndian.PutUint32(rec[4:8], t)
			plan.Add(rec[:])
			t++
		}
		for k := uint16(0); k < inst.A; k++ {
			var data [block.Size]byte
			if _, err := io.ReadFull(diff, data[:]); err != nil {
				return errors.Wrap(err, "tardiff: read literal block")
			}
			if ok, err := output.TrySeek(int64(t) * block.Size); err != nil || !ok {
				return errors.Wrap(err, "tardiff: seek output")
			}
			if _, err := output.Write(data[:]); err != nil {
				return errors.Wrap(err, "tardiff: write appended block")
			}
			t++
		}
	}
	totalBlocks := t

	table, err := plan.Finish()
	if err != nil {
		return err
	}
	defer table.Close()

	br := block.NewReader(source, "source")
	var cur block.Block
	haveCur := false
	n := table.Len()
	for i := int64(0); i < n; i++ {
		rec := table.At(i)
		s := binary.BigEndian.Uint32(rec[0:4])
		outIdx := binary.BigEndian.Uint32(rec[4:8])
		for !haveCur || cur.Index < s {
			b, ok, rerr := br.Next()
			if rerr != nil {
				return rerr
			}
			if !ok {
				return errors.Errorf("tardiff: source exhausted before block %d needed by patch", s)
			}
			cur = b
			haveCur = true
		}
		if cur.Index != s {
			return errors.Errorf("tardiff: internal: source position %d skipped past requested block %d", cur.Index, s)
		}
		if ok, err := output.TrySeek(int64(outIdx) * block.Size); err != nil || !ok {
			return errors.Wrap(err, "tardiff: seek output")
		}
		if _, err := output.Write(cur.Data[:]); err != nil {
			return errors.Wrap(err, "tardiff: write copied block")
		}
	}

	// Pass 3: recompute the target digest by reading output back from the
	// start, sequentially.
	if ok, err := output.TrySeek(0); err != nil || !ok {
		return errors.Wrap(err, "tardiff: rewind output for verification")
	}
	h := md5.New()
	var buf [block.Size]byte
	for i := uint32(0); i < totalBlocks; i++ {
		if _, err := io.ReadFull(output, buf[:]); err != nil {
			return errors.Wrap(err, "tardiff: re-read output for verification")
		}
		h.Write(buf[:])
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
