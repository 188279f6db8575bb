// Package block implements the fixed-size block iterator shared by every
// producer and consumer of the tardiff wire format (see
// github.com/grailbio/tardiff/encoding/tardiff).
//
// A stream is logically a sequence of 512-byte blocks. The last block of a
// stream whose length is not a multiple of Size is zero-padded up to Size;
// Digest is always computed over the padded 512 bytes, never over the raw
// tail.
package block

import (
	"crypto/md5"
	"io"

	"github.com/grailbio/base/log"
	"github.com/pkg/errors"
)

// Size is the fixed block width used throughout the format. Changing it is a
// wire-format change.
const Size = 512

// Digest is the MD5 of one padded block. It is a content-equality key, not a
// security primitive: collisions are treated as true matches, and the only
// integrity check beyond it is the whole-file digest trailer.
type Digest [16]byte

// invalidIndex is the reserved block index; a file requiring it is rejected.
const invalidIndex uint32 = 0xFFFFFFFF

// MaxIndex is the largest block index a stream may legally produce.
const MaxIndex = invalidIndex - 1

// Block is one (index, digest, data) triple produced by a Reader.
type Block struct {
	Index  uint32
	Digest Digest
	Data   [Size]byte
}

// Reader iterates a stream in fixed Size-byte units.
type Reader struct {
	r      io.Reader
	next   uint32
	done   bool
	err    error
	padded bool // true iff the most recently returned block was zero-padded
	path   string
}

// NewReader returns a Reader over r. path is used only for log messages and
// may be empty.
func NewReader(r io.Reader, path string) *Reader {
	return &Reader{r: r, path: path}
}

// Next reads the next block. It returns ok=false with a nil error once
// the stream is exhausted, including immediately after a padded final block.
// Any other error is fatal and sticky: subsequent calls return the same
// error.
func (br *Reader) Next() (blk Block, ok bool, err error) {
	if br.err != nil {
		return Block{}, false, br.err
	}
	if br.done {
		return Block{}, false, nil
	}
	if br.next == invalidIndex {
		br.err = errors.Errorf("%s: stream exceeds %d blocks (index would overflow)", br.path, MaxIndex)
		return Block{}, false, br.err
	}

	var buf [Size]byte
	n, err := io.ReadFull(br.r, buf[:])
	switch {
	case err == nil:
		// full block
	case err == io.ErrUnexpectedEOF:
		for i := n; i < Size; i++ {
			buf[i] = 0
		}
		log.Printf("%s: short final block (%d of %d bytes); zero-padding", br.path, n, Size)
		br.done = true
		br.padded = true
	case err == io.EOF:
		br.done = true
		return Block{}, false, nil
	default:
		br.err = errors.Wrapf(err, "%s: read block %d", br.path, br.next)
		return Block{}, false, br.err
	}

	blk = Block{Index: br.next, Data: buf, Digest: Digest(md5.Sum(buf[:]))}
	br.next++
	return blk, true, nil
}

// Padded reports whether the last block returned by Next was zero-padded.
func (br *Reader) Padded() bool { return br.padded }

// Count returns the number of blocks produced so far.
func (br *Reader) Count() uint32 { return br.next }
