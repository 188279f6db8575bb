package tardiff

import (
	"encoding/binary"
	"io"
	"io/ioutil"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/tardiff/block"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// blockRefWidth is the on-disk record width of a BlockRef (spec §4.8):
// 1 byte flag (0 = reference into the original source file, 1 = reference
// to a literal block stored in one of the diffs being merged), 4 bytes
// index (source block index, or which diff), 8 bytes byte offset (only
// meaningful for flag=1).
const blockRefWidth = 13

// blockRef is one entry of last_blocks (spec §4.8): either a block index
// into the chain's original source file, or a byte offset into one of the
// diffs supplied to the merge, where that diff physically stores the
// literal 512 bytes this target block resolved to.
type blockRef struct {
	literal   bool
	srcIndex  uint32 // valid iff !literal
	diffIndex uint32 // valid iff literal: 0-based index into merger.files
	offset    int64  // valid iff literal
}

func encodeBlockRef(b blockRef, out []byte) {
	if b.literal {
		out[0] = 1
		binary.BigEndian.PutUint32(out[1:5], b.diffIndex)
		binary.BigEndian.PutUint64(out[5:13], uint64(b.offset))
	} else {
		out[0] = 0
		binary.BigEndian.PutUint32(out[1:5], b.srcIndex)
		binary.BigEndian.PutUint64(out[5:13], 0)
	}
}

func decodeBlockRef(in []byte) blockRef {
	if in[0] == 0 {
		return blockRef{literal: false, srcIndex: binary.BigEndian.Uint32(in[1:5])}
	}
	return blockRef{
		literal:   true,
		diffIndex: binary.BigEndian.Uint32(in[1:5]),
		offset:    int64(binary.BigEndian.Uint64(in[5:13])),
	}
}

// blockRefArray is last_blocks: a flat, memory-mapped array of blockRef,
// written once sequentially and then addressed randomly while the next
// stage is processed (spec §4.8: "map the new temp file, replacing the
// old"). Unlike binsort.Table it is never sorted -- the target block index
// already is the array index.
type blockRefArray struct {
	data []byte
	path string
	n    int64
}

type blockRefArrayWriter struct {
	f *os.File
	n int64
}

func newBlockRefArrayWriter(tmpDir string) (*blockRefArrayWriter, error) {
	f, err := ioutil.TempFile(tmpDir, "tardiff-merge-")
	if err != nil {
		return nil, errors.Wrap(err, "tardiff: create merge stage file")
	}
	return &blockRefArrayWriter{f: f}, nil
}

func (w *blockRefArrayWriter) append(b blockRef) error {
	var buf [blockRefWidth]byte
	encodeBlockRef(b, buf[:])
	if _, err := w.f.Write(buf[:]); err != nil {
		return errors.Wrap(err, "tardiff: write merge stage record")
	}
	w.n++
	return nil
}

func (w *blockRefArrayWriter) finish() (*blockRefArray, error) {
	path := w.f.Name()
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return nil, errors.Wrap(err, "tardiff: flush merge stage file")
	}
	if err := w.f.Close(); err != nil {
		return nil, errors.Wrap(err, "tardiff: close merge stage file")
	}
	var data []byte
	if w.n > 0 {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "tardiff: reopen merge stage file")
		}
		defer f.Close()
		data, err = unix.Mmap(int(f.Fd()), 0, int(w.n)*blockRefWidth, unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			return nil, errors.Wrap(err, "tardiff: mmap merge stage file")
		}
	}
	return &blockRefArray{data: data, path: path, n: w.n}, nil
}

func (a *blockRefArray) Len() int64 { return a.n }

func (a *blockRefArray) At(i int64) blockRef {
	return decodeBlockRef(a.data[i*blockRefWidth : (i+1)*blockRefWidth])
}

func (a *blockRefArray) Close() error {
	var err error
	if a.data != nil {
		err = unix.Munmap(a.data)
		a.data = nil
	}
	if rmErr := os.Remove(a.path); err == nil {
		err = rmErr
	}
	return err
}

// Merger composes a chain of diffs D1,...,Dm into a single differences file
// F0->Fm (spec §4.8, component C7), without ever materializing F0 or any
// intermediate Fk.
type Merger struct {
	tmpDir string
	last   *blockRefArray
	files  []*os.File // kept open: later stages may still reference an
	// earlier diff's literal bytes, forwarded unchanged through last_blocks.

	haveLast   bool
	lastTarget block.Digest

	haveSource  bool
	firstSource block.Digest
}

// NewMerger returns an empty Merger. tmpDir is where per-stage last_blocks
// files are written; "" means os.TempDir().
func NewMerger(tmpDir string) *Merger {
	return &Merger{tmpDir: tmpDir}
}

// Add processes the next diff in the chain. f must be a seekable file
// positioned immediately after the 8-byte magic. Add retains f (Output may
// need to read literal blocks back out of it later); the caller remains
// responsible for closing every file it passes to Add once the Merger
// itself is done with it (after Output returns, or Close on error).
func (m *Merger) Add(f *os.File) error {
	k := uint32(len(m.files))
	m.files = append(m.files, f)

	w, err := newBlockRefArrayWriter(m.tmpDir)
	if err != nil {
		return err
	}

	for {
		inst, err := ReadInstruction(f)
		if err != nil {
			return errors.Wrap(err, "tardiff: merge: read instruction")
		}
		if inst.IsTerminator() {
			break
		}
		if err := inst.Validate(); err != nil {
			return err
		}
		for j := uint32(0); j < uint32(inst.C); j++ {
			s := inst.S + j
			var ref blockRef
			if !m.haveLast {
				ref = blockRef{literal: false, srcIndex: s}
			} else {
				if int64(s) >= m.last.Len() {
					return errors.Errorf("tardiff: merge: stage %d copies block %d past previous stage's %d blocks", k, s, m.last.Len())
				}
				ref = m.last.At(int64(s))
			}
			if err := w.append(ref); err != nil {
				return err
			}
		}
		if inst.A > 0 {
			pos, err := f.Seek(0, io.SeekCurrent)
			if err != nil {
				return errors.Wrap(err, "tardiff: merge: locate literal blocks")
			}
			for j := uint16(0); j < inst.A; j++ {
				ref := blockRef{literal: true, diffIndex: k, offset: pos + int64(j)*block.Size}
				if err := w.append(ref); err != nil {
					return err
				}
			}
			if _, err := io.CopyN(ioutil.Discard, f, int64(inst.A)*block.Size); err != nil {
				return errors.Wrap(err, "tardiff: merge: skip literal blocks")
			}
		}
	}

	targetDigest, err := ReadDigest(f)
	if err != nil {
		return err
	}
	sourceDigest, hasSource, err := TryReadDigest(f)
	if err != nil {
		return err
	}
	if m.haveLast && hasSource && sourceDigest != m.lastTarget {
		return errors.Errorf("tardiff: merge: stage %d's source digest does not match the previous stage's target digest", k)
	}
	if !m.haveLast {
		if hasSource {
			m.firstSource = sourceDigest
			m.haveSource = true
		}
	}
	m.lastTarget = targetDigest
	m.haveLast = true

	next, err := w.finish()
	if err != nil {
		return err
	}
	if m.last != nil {
		m.last.Close()
	}
	m.last = next
	return nil
}

// Output writes the single merged differences file, instructions followed
// by the target digest and (if the chain's first stage had one) the
// source digest, to w. Output does not write the magic prefix; callers
// write it, as with Writer (GenerateDiff, by contrast, writes it itself).
func (m *Merger) Output(w io.Writer) error {
	if !m.haveLast {
		return errors.New("tardiff: merge: no stages added")
	}
	dw := NewWriter(w)
	var buf [block.Size]byte
	n := m.last.Len()
	for i := int64(0); i < n; i++ {
		ref := m.last.At(i)
		if !ref.literal {
			dw.CopyBlock(ref.srcIndex)
			continue
		}
		if _, err := m.files[ref.diffIndex].ReadAt(buf[:], ref.offset); err != nil {
			return errors.Wrap(err, "tardiff: merge: re-read literal block")
		}
		dw.AppendBlock(buf[:])
	}
	if err := dw.Finish(); err != nil {
		return err
	}
	if _, err := w.Write(m.lastTarget[:]); err != nil {
		return errors.Wrap(err, "tardiff: merge: write target digest")
	}
	if m.haveSource {
		if _, err := w.Write(m.firstSource[:]); err != nil {
			return errors.Wrap(err, "tardiff: merge: write source digest")
		}
	} else {
		log.Printf("tardiff: merge: first stage has no source digest; producing a v1.0 output")
	}
	return nil
}

// Close releases the last_blocks array held by the Merger. Callers remain responsible for the files they passed to Add;
// Close only unmaps/removes the Merger's own temp files.
func (m *Merger) Close() error {
	if m.last != nil {
		m.last.Close()
		m.last = nil
	}
	return nil
}
