package tardiff

import (
	"io"

	"github.com/grailbio/tardiff/block"
	"github.com/pkg/errors"
)

// NC and NA are the wire-format-fixed instruction limits (spec §4.3).
// Changing either is a wire-format change.
const (
	NC = 0x7FFF // max consecutive copy blocks per instruction
	NA = 2048   // max staged append blocks per instruction
)

// Writer builds the instruction stream for a differences file (spec §4.3,
// component C3). It replaces the original's module-level globals (pending
// instruction, append staging buffer) with explicit, owned state (spec §9).
type Writer struct {
	w io.Writer

	s uint32 // pending S
	c uint16 // pending C
	a uint16 // pending A (== len(appendBuf)/512, kept for symmetry with wire field)

	appendBuf []byte // staged literal block data, up to NA*512 bytes

	err error
}

// NewWriter returns a Writer that writes instructions (and their literal
// blocks) to w, starting from an empty pending instruction.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, s: sentinelS, appendBuf: make([]byte, 0, NA*block.Size)}
}

// PreferredIndex returns the source block index that would extend the
// current pending copy run, or 0 ("no preference") if there is none --
// i.e. iff C > 0 && A == 0 (spec §4.4).
func (dw *Writer) PreferredIndex() uint32 {
	if dw.c > 0 && dw.a == 0 {
		return dw.s + uint32(dw.c)
	}
	return 0
}

// AppendBlock stages one literal block. When the stage buffer reaches NA
// blocks, the pending instruction is emitted.
func (dw *Writer) AppendBlock(data []byte) {
	if dw.err != nil {
		return
	}
	if len(data) != block.Size {
		dw.err = errors.Errorf("tardiff: append block must be %d bytes", block.Size)
		return
	}
	dw.appendBuf = append(dw.appendBuf, data...)
	dw.a++
	if dw.a == NA {
		dw.emit()
	}
}

// CopyBlock records that source block i should be copied next. If an
// append is currently pending, or i does not continue the current copy run,
// the pending instruction is emitted first and a new one started.
func (dw *Writer) CopyBlock(i uint32) {
	if dw.err != nil {
		return
	}
	if dw.a > 0 || (dw.c > 0 && i != dw.s+uint32(dw.c)) {
		dw.emit()
	}
	if dw.c == 0 {
		dw.s = i
	}
	dw.c++
	if dw.c == NC {
		dw.emit()
	}
}

// emit writes the pending instruction (if non-empty) and its staged
// literal blocks, then resets to an empty pending instruction.
func (dw *Writer) emit() {
	if dw.err != nil {
		return
	}
	if dw.c == 0 && dw.a == 0 {
		return
	}
	inst := Instruction{S: dw.s, C: dw.c, A: dw.a}
	if dw.c == 0 {
		inst.S = sentinelS
	}
	if err := inst.Validate(); err != nil {
		dw.err = errors.Wrap(err, "tardiff: internal: built an invalid instruction")
		return
	}
	if err := WriteInstruction(dw.w, inst); err != nil {
		dw.err = errors.Wrap(err, "tardiff: write instruction")
		return
	}
	if len(dw.appendBuf) > 0 {
		if _, err := dw.w.Write(dw.appendBuf); err != nil {
			dw.err = errors.Wrap(err, "tardiff: write literal blocks")
			return
		}
	}
	dw.s = sentinelS
	dw.c = 0
	dw.a = 0
	dw.appendBuf = dw.appendBuf[:0]
}

// Finish emits any pending instruction and writes the terminator. Callers
// then write the target (and optionally source) digest trailers directly.
func (dw *Writer) Finish() error {
	dw.emit()
	if dw.err != nil {
		return dw.err
	}
	return WriteInstruction(dw.w, terminator)
}

// Err returns the first error encountered, if any.
func (dw *Writer) Err() error { return dw.err }
