// Package tardiff implements the tardiff differences-file format: the wire
// layout (this file), the instruction-building writer (writer.go), the two
// symmetric patch executors (patchforward.go, patchbackward.go), the chain
// merger (merge.go), and the file identifier (identify.go).
//
// Wire format (spec §6), bit-exact:
//
//	offset  bytes  content
//	0       8      ASCII "tardiff0"
//	8       ...    zero or more instructions:
//	               4  U32 big-endian  S
//	               2  U16 big-endian  C   (0 <= C <= 0x7FFF, or 0xFFFF for terminator)
//	               2  U16 big-endian  A   (0 <= A <= 0x7FFF, or 0xFFFF for terminator)
//	               512*A bytes             literal blocks, in order
//	               terminator is (0xFFFFFFFF, 0xFFFF, 0xFFFF)
//	...     16     MD5 of the target file (512-byte padded)
//	[+16]   16     MD5 of the source file (optional; presence marks v1.1)
package tardiff

import (
	"encoding/binary"
	"io"

	"github.com/grailbio/tardiff/block"
	"github.com/pkg/errors"
)

// Magic is the fixed 8-byte prefix of every differences file.
const Magic = "tardiff0"

// MagicLen is len(Magic); also the number of bytes an identifier (C8) must
// read to classify an input.
const MagicLen = 8

// Wire-format limits (spec §3). NC and NA below (writer.go) must never
// exceed these; they are format-fixed, not configurable.
const (
	maxCopy   = 0x7FFF
	maxAppend = 0x7FFF
	// sentinelS marks "no pending copy".
	sentinelS = 0xFFFFFFFF
	// terminatorC, terminatorA mark the end-of-instructions sentinel.
	terminatorC = 0xFFFF
	terminatorA = 0xFFFF
)

// Instruction is one (S, C, A) triple from the wire format: seek the source
// to block S, copy C consecutive source blocks to the output, then append A
// literal blocks that immediately follow the triple in the stream.
type Instruction struct {
	S uint32
	C uint16
	A uint16
}

// IsTerminator reports whether i is the sentinel triple that ends an
// instruction stream.
func (i Instruction) IsTerminator() bool {
	return i.S == sentinelS && i.C == terminatorC && i.A == terminatorA
}

// Validate enforces the two axes spec §7 requires every reader to check:
// C and A bounds, and the S/C consistency rule. It does not validate the
// terminator (callers check IsTerminator first).
func (i Instruction) Validate() error {
	if i.C > maxCopy {
		return errors.Errorf("tardiff: instruction C=%d exceeds %#x", i.C, maxCopy)
	}
	if i.A > maxAppend {
		return errors.Errorf("tardiff: instruction A=%d exceeds %#x", i.A, maxAppend)
	}
	if i.S == sentinelS {
		if i.C != 0 {
			return errors.Errorf("tardiff: instruction has S=sentinel but C=%d", i.C)
		}
	} else if i.C == 0 {
		return errors.Errorf("tardiff: instruction has finite S=%d but C=0", i.S)
	}
	if i.C > 0 {
		if uint64(i.S)+uint64(i.C) > 0xFFFFFFFF {
			return errors.Errorf("tardiff: instruction S+C overflows (S=%d, C=%d)", i.S, i.C)
		}
	}
	return nil
}

var terminator = Instruction{S: sentinelS, C: terminatorC, A: terminatorA}

// WriteInstruction writes one (S,C,A) triple, big-endian.
func WriteInstruction(w io.Writer, i Instruction) error {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], i.S)
	binary.BigEndian.PutUint16(buf[4:6], i.C)
	binary.BigEndian.PutUint16(buf[6:8], i.A)
	_, err := w.Write(buf[:])
	return err
}

// ReadInstruction reads one (S,C,A) triple, big-endian. io.EOF is returned
// (unwrapped) if the stream ends exactly at a triple boundary.
func ReadInstruction(r io.Reader) (Instruction, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Instruction{}, errors.Wrap(err, "tardiff: truncated instruction")
		}
		return Instruction{}, err
	}
	return Instruction{
		S: binary.BigEndian.Uint32(buf[0:4]),
		C: binary.BigEndian.Uint16(buf[4:6]),
		A: binary.BigEndian.Uint16(buf[6:8]),
	}, nil
}

// ReadDigest reads a 16-byte MD5 digest.
func ReadDigest(r io.Reader) (block.Digest, error) {
	var d block.Digest
	if _, err := io.ReadFull(r, d[:]); err != nil {
		return block.Digest{}, errors.Wrap(err, "tardiff: truncated digest")
	}
	return d, nil
}

// TryReadDigest attempts to read a 16-byte MD5 digest, reporting ok=false
// (no error) if the stream ends before any bytes are read -- this is how a
// reader distinguishes a v1.0 diff (no source digest) from a v1.1 one
// (spec §3.5: "presence is detected by end-of-stream").
func TryReadDigest(r io.Reader) (d block.Digest, ok bool, err error) {
	n, err := io.ReadFull(r, d[:])
	if err == io.EOF && n == 0 {
		return block.Digest{}, false, nil
	}
	if err != nil {
		return block.Digest{}, false, errors.Wrap(err, "tardiff: truncated source digest")
	}
	return d, true, nil
}
