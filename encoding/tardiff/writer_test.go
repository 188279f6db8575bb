package tardiff_test

import (
	"bytes"
	"testing"

	"github.com/grailbio/tardiff/block"
	"github.com/grailbio/tardiff/encoding/tardiff"
	"github.com/stretchr/testify/require"
)

func blockData(b byte) []byte {
	return bytes.Repeat([]byte{b}, block.Size)
}

func TestWriterCoalescesConsecutiveCopies(t *testing.T) {
	var buf bytes.Buffer
	w := tardiff.NewWriter(&buf)
	w.CopyBlock(5)
	w.CopyBlock(6)
	w.CopyBlock(7)
	require.NoError(t, w.Finish())
	require.NoError(t, w.Err())

	inst, err := tardiff.ReadInstruction(&buf)
	require.NoError(t, err)
	require.Equal(t, tardiff.Instruction{S: 5, C: 3, A: 0}, inst)

	term, err := tardiff.ReadInstruction(&buf)
	require.NoError(t, err)
	require.True(t, term.IsTerminator())
}

func TestWriterBreaksOnNonContinuation(t *testing.T) {
	var buf bytes.Buffer
	w := tardiff.NewWriter(&buf)
	w.CopyBlock(5)
	w.CopyBlock(100) // not 5+1: forces emit of the first run
	require.NoError(t, w.Finish())

	i1, err := tardiff.ReadInstruction(&buf)
	require.NoError(t, err)
	require.Equal(t, tardiff.Instruction{S: 5, C: 1, A: 0}, i1)

	i2, err := tardiff.ReadInstruction(&buf)
	require.NoError(t, err)
	require.Equal(t, tardiff.Instruction{S: 100, C: 1, A: 0}, i2)
}

func TestWriterAppendThenCopyEmitsSeparately(t *testing.T) {
	var buf bytes.Buffer
	w := tardiff.NewWriter(&buf)
	w.AppendBlock(blockData(1))
	w.CopyBlock(10)
	require.NoError(t, w.Finish())

	i1, err := tardiff.ReadInstruction(&buf)
	require.NoError(t, err)
	require.Equal(t, uint16(1), i1.A)
	require.Equal(t, uint16(0), i1.C)
	lit := make([]byte, block.Size)
	_, err = buf.Read(lit)
	require.NoError(t, err)
	require.Equal(t, blockData(1), lit)

	i2, err := tardiff.ReadInstruction(&buf)
	require.NoError(t, err)
	require.Equal(t, tardiff.Instruction{S: 10, C: 1, A: 0}, i2)
}

func TestWriterPreferredIndex(t *testing.T) {
	var buf bytes.Buffer
	w := tardiff.NewWriter(&buf)
	require.EqualValues(t, 0, w.PreferredIndex())
	w.CopyBlock(5)
	require.EqualValues(t, 6, w.PreferredIndex())
	w.AppendBlock(blockData(9))
	require.EqualValues(t, 0, w.PreferredIndex())
}

func TestWriterRejectsWrongSizedAppend(t *testing.T) {
	var buf bytes.Buffer
	w := tardiff.NewWriter(&buf)
	w.AppendBlock([]byte("too short"))
	require.Error(t, w.Err())
}
