package tardiff

import (
	"crypto/md5"
	"io"

	"github.com/grailbio/tardiff/block"
	"github.com/grailbio/tardiff/sourceindex"
	"github.com/grailbio/tardiff/stream"
	"github.com/pkg/errors"
)

// GenerateOptions controls GenerateDiff's resource usage.
type GenerateOptions struct {
	// TmpDir is where the source index's external sort spills. "" means
	// os.TempDir().
	TmpDir string

	// IndexCacheRecords bounds the source index builder's in-memory cache,
	// in SourceRecords, before it spills a run to disk (spec §4.1).
	IndexCacheRecords int

	// V11 writes the optional source-digest trailer, producing a v1.1
	// diff usable as a merge input (spec §4.5, §6).
	V11 bool
}

const defaultIndexCacheRecords = 1 << 20 // 20MiB of (digest,index) pairs

// GenerateDiff is the diff-generation orchestration (spec §4.5): it builds
// the source block index (C1+C4), then scans target once, writing a
// differences file to w via the Writer (C3). source must support seeking
// only insofar as the caller needs to read it twice (GenerateDiff itself
// reads it exactly once, sequentially); w receives the instruction stream
// followed by the target digest and, if opts.V11, the source digest.
// GenerateDiff writes the magic prefix itself.
func GenerateDiff(source, target io.Reader, w io.Writer, opts GenerateOptions) error {
	cache := opts.IndexCacheRecords
	if cache == 0 {
		cache = defaultIndexCacheRecords
	}

	builder, err := sourceindex.NewBuilder(opts.TmpDir, cache)
	if err != nil {
		return err
	}
	sourceHash := md5.New()
	sr := block.NewReader(io.TeeReader(source, sourceHash), "source")
	for {
		b, ok, err := sr.Next()
		if err != nil {
			return errors.Wrap(err, "tardiff: scan source")
		}
		if !ok {
			break
		}
		builder.Add(b.Digest, b.Index)
	}
	var sourceDigest block.Digest
	copy(sourceDigest[:], sourceHash.Sum(nil))

	index, err := builder.Finish()
	if err != nil {
		return err
	}
	defer index.Close()

	if _, err := w.Write([]byte(Magic)); err != nil {
		return errors.Wrap(err, "tardiff: write magic")
	}

	dw := NewWriter(w)
	targetHash := md5.New()
	tr := block.NewReader(target, "target")
	for {
		b, ok, err := tr.Next()
		if err != nil {
			return errors.Wrap(err, "tardiff: scan target")
		}
		if !ok {
			break
		}
		// Hash the padded block, as the patch executors do on verification.
		targetHash.Write(b.Data[:])
		if i, found := index.Lookup(b.Digest, dw.PreferredIndex()); found {
			dw.CopyBlock(i)
		} else {
			dw.AppendBlock(b.Data[:])
		}
	}
	if err := dw.Finish(); err != nil {
		return err
	}
	if err := dw.Err(); err != nil {
		return err
	}

	var targetDigest block.Digest
	copy(targetDigest[:], targetHash.Sum(nil))
	if _, err := w.Write(targetDigest[:]); err != nil {
		return errors.Wrap(err, "tardiff: write target digest")
	}
	if opts.V11 {
		if _, err := w.Write(sourceDigest[:]); err != nil {
			return errors.Wrap(err, "tardiff: write source digest")
		}
	}
	return nil
}

// pickExecutor runs whichever patch executor applies, preferring the
// forward algorithm whenever source supports seeking (spec §4.6/§4.7: the
// forward executor is simpler and the default; the backward one is used
// only when source is a pipe).
func pickExecutor(diff io.Reader, source, output stream.Stream, tmpDir string) error {
	if stream.Seekable(source) {
		return ApplyForward(diff, source, output)
	}
	return ApplyBackward(diff, source, output, tmpDir)
}

// ApplyPatch reads the magic prefix from diff and dispatches to the
// forward or backward patch executor depending on which of source/output
// supports seeking (spec §4.6).
func ApplyPatch(diff io.Reader, source, output stream.Stream, tmpDir string) error {
	var magicBuf [MagicLen]byte
	if _, err := io.ReadFull(diff, magicBuf[:]); err != nil {
		return errors.Wrap(err, "tardiff: read magic")
	}
	if string(magicBuf[:]) != Magic {
		return errors.New("tardiff: not a tardiff differences file")
	}
	return pickExecutor(diff, source, output, tmpDir)
}
