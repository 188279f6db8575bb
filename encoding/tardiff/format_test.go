package tardiff_test

import (
	"bytes"
	"testing"

	"github.com/grailbio/tardiff/encoding/tardiff"
	"github.com/stretchr/testify/require"
)

func TestInstructionRoundTrip(t *testing.T) {
	insts := []tardiff.Instruction{
		{S: 0, C: 1, A: 0},
		{S: 100, C: 0x7FFF, A: 0},
		{S: 0xFFFFFFFF, C: 0, A: 3},
	}
	for _, want := range insts {
		var buf bytes.Buffer
		require.NoError(t, tardiff.WriteInstruction(&buf, want))
		got, err := tardiff.ReadInstruction(&buf)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestInstructionValidate(t *testing.T) {
	cases := []struct {
		inst  tardiff.Instruction
		valid bool
	}{
		{tardiff.Instruction{S: 0, C: 1, A: 0}, true},
		{tardiff.Instruction{S: 0xFFFFFFFF, C: 0, A: 0}, true},
		{tardiff.Instruction{S: 0xFFFFFFFF, C: 1, A: 0}, false}, // sentinel S but nonzero C
		{tardiff.Instruction{S: 5, C: 0, A: 0}, false},          // finite S but zero C
		{tardiff.Instruction{S: 0, C: 0x8000, A: 0}, false},     // C too large
		{tardiff.Instruction{S: 0, C: 1, A: 0x8000}, false},     // A too large
	}
	for _, c := range cases {
		err := c.inst.Validate()
		if c.valid {
			require.NoError(t, err, "%+v", c.inst)
		} else {
			require.Error(t, err, "%+v", c.inst)
		}
	}
}

func TestTryReadDigestAbsent(t *testing.T) {
	_, ok, err := tardiff.TryReadDigest(bytes.NewReader(nil))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTryReadDigestPresent(t *testing.T) {
	var d [16]byte
	for i := range d {
		d[i] = byte(i)
	}
	got, ok, err := tardiff.TryReadDigest(bytes.NewReader(d[:]))
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, d, got)
}

func TestTryReadDigestTruncated(t *testing.T) {
	_, _, err := tardiff.TryReadDigest(bytes.NewReader(make([]byte, 8)))
	require.Error(t, err)
}
