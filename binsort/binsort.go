// Package binsort implements the external sort used to build the source
// block index (tardiff spec §4.1, component C1) and, a second time inside
// the backward patch executor, to order a copy plan by source block index
// (spec §4.7).
//
// Records are fixed-width byte strings, ordered lexicographically by their
// raw bytes. The caller is responsible for encoding whatever key it wants
// sorted-first as the leading bytes of the record, big-endian, the same
// convention the wire format itself uses for S/C/A. This follows design
// note §9: "the core only needs one concrete order... the comparator may be
// inlined" — here the comparator is simply bytes.Compare.
//
// A Sorter is restartable but not reusable: construct, Add records, call
// Finish once to obtain a Table, then Close the Table when done with it.
// Nothing is shared across goroutines.
package binsort

import (
	"bufio"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"blainsmith.com/go/seahash"
	"github.com/biogo/store/llrb"
	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"golang.org/x/sys/unix"
	"v.io/x/lib/vlog"
)

// mergeFanIn is the greedy k-way merge fan-in (spec §4.1: k=16).
const mergeFanIn = 16

// Options controls a Sorter's temp-file behaviour. The zero value is usable.
type Options struct {
	// TmpDir is the directory for spilled run files. "" means os.TempDir().
	TmpDir string

	// CompressRuns snappy-compresses spilled run files. This never touches
	// the tardiff wire format; it is purely an internal temp-file
	// optimization, mirroring sortshard's NoCompressTmpFiles toggle (but
	// inverted: off by default, since the payload here is already compact
	// digests rather than whole BAM records).
	CompressRuns bool
}

// run describes one sorted, checksummed run spilled to disk.
type run struct {
	path string
	n    int64 // record count
}

// Sorter accumulates fixed-width records and sorts them externally.
type Sorter struct {
	width   int
	cacheN  int
	opts    Options
	cache   []byte // width*cacheN bytes, first `count` records valid
	count   int
	total   int64
	runs    []run
	err     errors.Once
}

// New constructs a Sorter for width-byte records, caching up to cacheRecords
// of them in memory before spilling a sorted run to disk. cacheRecords must
// be at least 16 (spec §4.1).
func New(width, cacheRecords int, opts Options) (*Sorter, error) {
	if width <= 0 {
		return nil, errors.E("binsort: width must be positive")
	}
	if cacheRecords < mergeFanIn {
		return nil, errors.E("binsort: cache_blocks must be >= 16")
	}
	return &Sorter{
		width:  width,
		cacheN: cacheRecords,
		opts:   opts,
		cache:  make([]byte, 0, width*cacheRecords),
	}, nil
}

// Add copies one width-byte record into the cache, flushing first if the
// cache is full.
func (s *Sorter) Add(record []byte) {
	if s.err.Err() != nil {
		return
	}
	if len(record) != s.width {
		s.err.Set(errors.E("binsort: record has wrong width"))
		return
	}
	if s.count == s.cacheN {
		s.flush()
		if s.err.Err() != nil {
			return
		}
	}
	s.cache = append(s.cache, record...)
	s.count++
	s.total++
}

// Size returns the total number of records added so far.
func (s *Sorter) Size() int64 { return s.total }

func (s *Sorter) recordAt(buf []byte, i int) []byte {
	return buf[i*s.width : (i+1)*s.width]
}

// sortCache performs an in-memory sort of the cache by raw byte order.
func (s *Sorter) sortCache() {
	n := s.count
	w := s.width
	buf := s.cache
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	// Stable sort on index, then materialize: avoids an O(n) swap cost per
	// comparison on records wider than a machine word.
	sort.SliceStable(idx, func(a, b int) bool {
		ra := buf[idx[a]*w : idx[a]*w+w]
		rb := buf[idx[b]*w : idx[b]*w+w]
		return lessBytes(ra, rb)
	})
	sorted := make([]byte, n*w)
	for i, j := range idx {
		copy(sorted[i*w:(i+1)*w], buf[j*w:(j+1)*w])
	}
	s.cache = sorted
}

func lessBytes(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// flush sorts the cache in memory and spills it as a new run file, then
// opportunistically collapses any trailing run of mergeFanIn runs that all
// have equal length (spec §4.1's greedy k-way merge).
func (s *Sorter) flush() {
	if s.count == 0 {
		return
	}
	s.sortCache()
	r, err := s.writeRun(s.cache, int64(s.count))
	s.cache = s.cache[:0]
	s.count = 0
	if err != nil {
		s.err.Set(err)
		return
	}
	s.runs = append(s.runs, r)
	vlog.VI(1).Infof("binsort: spilled run %s (%d records)", r.path, r.n)
	s.collapse(false)
}

// collapse merges the trailing mergeFanIn runs together. If force is false,
// it only does so while those runs all have identical length (the greedy
// steady-state merge); if force is true it merges the trailing group
// unconditionally, used during Finish to drive the run count below
// mergeFanIn. Finish then merges whatever runs remain into one.
func (s *Sorter) collapse(force bool) {
	for len(s.runs) >= mergeFanIn {
		tail := s.runs[len(s.runs)-mergeFanIn:]
		if !force {
			eq := true
			for _, r := range tail[1:] {
				if r.n != tail[0].n {
					eq = false
					break
				}
			}
			if !eq {
				return
			}
		}
		merged, err := s.mergeRuns(tail)
		for _, r := range tail {
			os.Remove(r.path)
		}
		if err != nil {
			s.err.Set(err)
			return
		}
		s.runs = append(s.runs[:len(s.runs)-mergeFanIn], merged)
	}
}

// Finish flushes any residual cache, collapses all runs into one, and maps
// the result read-only. The Sorter must not be used again afterward.
func (s *Sorter) Finish() (*Table, error) {
	if s.count > 0 || s.total == 0 {
		s.flush()
	}
	if err := s.err.Err(); err != nil {
		return nil, err
	}
	for len(s.runs) > mergeFanIn {
		s.collapse(true)
		if err := s.err.Err(); err != nil {
			return nil, err
		}
	}
	var final run
	if len(s.runs) == 0 {
		var err error
		final, err = s.writeRun(nil, 0)
		if err != nil {
			return nil, err
		}
	} else if len(s.runs) == 1 {
		final = s.runs[0]
	} else {
		merged, err := s.mergeRuns(s.runs)
		for _, r := range s.runs {
			os.Remove(r.path)
		}
		if err != nil {
			return nil, err
		}
		final = merged
	}
	s.runs = nil
	return openTable(final.path, s.width, final.n, s.opts.CompressRuns)
}

// writeRun sorts-assumed records (already in sorted order) into a fresh temp
// run file, trailed by a seahash checksum of the (possibly snappy-compressed)
// payload. Integrity is checked once, immediately, by re-reading what was
// just written -- this catches a truncated or otherwise corrupted write
// before the run is ever merged or mapped (spec §9's mmap-lifetime note).
func (s *Sorter) writeRun(sorted []byte, n int64) (run, error) {
	f, err := ioutil.TempFile(s.opts.TmpDir, "tardiff-binsort-")
	if err != nil {
		return run{}, errors.E(err, "binsort: create temp run file")
	}
	path := f.Name()
	h := seahash.New()
	w := io.MultiWriter(f, h)
	if s.opts.CompressRuns {
		sw := snappy.NewBufferedWriter(w)
		if _, err := sw.Write(sorted); err != nil {
			f.Close()
			return run{}, errors.E(err, "binsort: write run", path)
		}
		if err := sw.Close(); err != nil {
			f.Close()
			return run{}, errors.E(err, "binsort: close snappy run writer", path)
		}
	} else {
		if _, err := w.Write(sorted); err != nil {
			f.Close()
			return run{}, errors.E(err, "binsort: write run", path)
		}
	}
	var trailer [8]byte
	putUint64(trailer[:], h.Sum64())
	if _, err := f.Write(trailer[:]); err != nil {
		f.Close()
		return run{}, errors.E(err, "binsort: write run trailer", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return run{}, errors.E(err, "binsort: flush run file", path)
	}
	if err := f.Close(); err != nil {
		return run{}, errors.E(err, "binsort: close run file", path)
	}
	if err := verifyRun(path, s.opts.CompressRuns); err != nil {
		os.Remove(path)
		return run{}, err
	}
	return run{path: path, n: n}, nil
}

func verifyRun(path string, compressed bool) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.E(err, "binsort: reopen run for verification", path)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return errors.E(err, "binsort: stat run", path)
	}
	if fi.Size() < 8 {
		return errors.E("binsort: run file too short", path)
	}
	h := seahash.New()
	if _, err := io.CopyN(h, f, fi.Size()-8); err != nil {
		return errors.E(err, "binsort: read run for verification", path)
	}
	var trailer [8]byte
	if _, err := io.ReadFull(f, trailer[:]); err != nil {
		return errors.E(err, "binsort: read run trailer", path)
	}
	if h.Sum64() != getUint64(trailer[:]) {
		return errors.E("binsort: run checksum mismatch (corrupt or truncated write)", path)
	}
	return nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(56-8*i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// --- k-way merge, grounded on cmd/bio-bam-sort/sorter/sort.go's
// mergeLeaf/internalMergeShards. The spec describes this as "a sorted index
// array of active streams re-inserted by binary search on each advance";
// llrb.Tree is the teacher's own realization of exactly that operation. ---

type mergeLeaf struct {
	seq int
	r   *runReader
	cur []byte
}

func (l *mergeLeaf) Compare(other llrb.Comparable) int {
	o := other.(*mergeLeaf)
	if c := bytesCompare(l.cur, o.cur); c != 0 {
		return c
	}
	return l.seq - o.seq
}

func bytesCompare(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func newMergeLeaf(seq int, r *runReader) *mergeLeaf {
	cur, ok := r.next()
	if !ok {
		return nil
	}
	return &mergeLeaf{seq: seq, r: r, cur: cur}
}

// mergeRuns performs an N-way merge of the given runs into one freshly
// written, checksummed run file.
func (s *Sorter) mergeRuns(runs []run) (run, error) {
	readers := make([]*runReader, len(runs))
	for i, r := range runs {
		rr, err := newRunReader(r.path, s.width, s.opts.CompressRuns)
		if err != nil {
			return run{}, err
		}
		readers[i] = rr
	}
	defer func() {
		for _, rr := range readers {
			rr.close()
		}
	}()

	f, err := ioutil.TempFile(s.opts.TmpDir, "tardiff-binsort-")
	if err != nil {
		return run{}, errors.E(err, "binsort: create merge temp file")
	}
	path := f.Name()
	h := seahash.New()
	var out io.Writer = io.MultiWriter(f, h)
	var sw *snappy.Writer
	if s.opts.CompressRuns {
		sw = snappy.NewBufferedWriter(out)
		out = sw
	}

	tree := llrb.Tree{}
	for i, rr := range readers {
		if leaf := newMergeLeaf(i, rr); leaf != nil {
			tree.Insert(leaf)
		}
	}
	var n int64
	var writeErr error
	for tree.Len() > 0 {
		top := tree.Min().(*mergeLeaf)
		if _, err := out.Write(top.cur); err != nil {
			writeErr = errors.E(err, "binsort: write merged record", path)
			break
		}
		n++
		tree.DeleteMin()
		if cur, ok := top.r.next(); ok {
			top.cur = cur
			tree.Insert(top)
		}
	}
	if writeErr == nil && sw != nil {
		writeErr = sw.Close()
	}
	if writeErr != nil {
		f.Close()
		return run{}, writeErr
	}
	var trailer [8]byte
	putUint64(trailer[:], h.Sum64())
	if _, err := f.Write(trailer[:]); err != nil {
		f.Close()
		return run{}, errors.E(err, "binsort: write merge trailer", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return run{}, errors.E(err, "binsort: flush merge file", path)
	}
	if err := f.Close(); err != nil {
		return run{}, errors.E(err, "binsort: close merge file", path)
	}
	if err := verifyRun(path, s.opts.CompressRuns); err != nil {
		os.Remove(path)
		return run{}, err
	}
	return run{path: path, n: n}, nil
}

// runReader streams width-byte records sequentially out of a (possibly
// snappy-compressed) run file, ignoring the trailing checksum.
type runReader struct {
	f   *os.File
	r   *bufio.Reader
	w   int
	buf []byte
}

func newRunReader(path string, width int, compressed bool) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E(err, "binsort: open run", path)
	}
	var r io.Reader = f
	if compressed {
		r = snappy.NewReader(f)
	}
	return &runReader{f: f, r: bufio.NewReaderSize(r, 1<<16), w: width, buf: make([]byte, width)}, nil
}

func (rr *runReader) next() ([]byte, bool) {
	if _, err := io.ReadFull(rr.r, rr.buf); err != nil {
		return nil, false
	}
	out := make([]byte, rr.w)
	copy(out, rr.buf)
	return out, true
}

func (rr *runReader) close() { rr.f.Close() }

// Table is the sorted, memory-mapped result of a Sorter.
type Table struct {
	data  []byte // mmap'd file contents, records only (trailer excluded)
	path  string
	width int
	n     int64
}

func openTable(path string, width int, n int64, compressed bool) (*Table, error) {
	if compressed {
		// A compressed run cannot be mapped directly: materialize it once
		// into an uncompressed temp file, same as the spec's "collect into
		// a caller buffer" alternative to mmap.
		decompressed, err := decompressRun(path, width, n)
		if err != nil {
			return nil, err
		}
		os.Remove(path)
		path = decompressed
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E(err, "binsort: open table for mmap", path)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, errors.E(err, "binsort: stat table", path)
	}
	size := fi.Size() - 8 // exclude trailer
	if size < 0 {
		return nil, errors.E("binsort: table file too short", path)
	}
	var data []byte
	if size > 0 {
		data, err = unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			return nil, errors.E(err, "binsort: mmap table", path)
		}
	}
	return &Table{data: data, path: path, width: width, n: n}, nil
}

func decompressRun(path string, width int, n int64) (string, error) {
	rr, err := newRunReader(path, width, true)
	if err != nil {
		return "", err
	}
	defer rr.close()
	out, err := ioutil.TempFile(filepath.Dir(path), "tardiff-binsort-raw-")
	if err != nil {
		return "", errors.E(err, "binsort: create decompressed table file")
	}
	h := seahash.New()
	w := io.MultiWriter(out, h)
	for i := int64(0); i < n; i++ {
		rec, ok := rr.next()
		if !ok {
			out.Close()
			return "", errors.E("binsort: truncated compressed run", path)
		}
		if _, err := w.Write(rec); err != nil {
			out.Close()
			return "", err
		}
	}
	var trailer [8]byte
	putUint64(trailer[:], h.Sum64())
	if _, err := out.Write(trailer[:]); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return out.Name(), nil
}

// Len returns the number of records in the table.
func (t *Table) Len() int64 { return t.n }

// Width returns the record width.
func (t *Table) Width() int { return t.width }

// At returns the i'th record (0-based), a width-byte slice backed directly
// by the mapped region; callers must not retain it past Close.
func (t *Table) At(i int64) []byte {
	return t.data[int(i)*t.width : int(i+1)*t.width]
}

// Search returns the half-open range [lo, hi) of records whose first
// len(prefix) bytes equal prefix, using binary search (spec §4.4).
func (t *Table) Search(prefix []byte) (lo, hi int64) {
	n := t.n
	lo = int64(sort.Search(int(n), func(i int) bool {
		return bytesCompare(t.At(int64(i))[:len(prefix)], prefix) >= 0
	}))
	hi = int64(sort.Search(int(n), func(i int) bool {
		return bytesCompare(t.At(int64(i))[:len(prefix)], prefix) > 0
	}))
	return lo, hi
}

// Close unmaps the table and removes its backing temp file.
func (t *Table) Close() error {
	var err error
	if t.data != nil {
		err = unix.Munmap(t.data)
		t.data = nil
	}
	if rmErr := os.Remove(t.path); err == nil {
		err = rmErr
	}
	return err
}
