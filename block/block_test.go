package block_test

import (
	"bytes"
	"crypto/md5"
	"io"
	"testing"

	"github.com/grailbio/tardiff/block"
	"github.com/stretchr/testify/require"
)

func TestReaderFullBlocks(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		buf.Write(bytes.Repeat([]byte{byte(i)}, block.Size))
	}
	r := block.NewReader(&buf, "test")
	for i := uint32(0); i < 3; i++ {
		b, ok, err := r.Next()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, i, b.Index)
		require.False(t, r.Padded())
		want := md5.Sum(bytes.Repeat([]byte{byte(i)}, block.Size))
		require.Equal(t, block.Digest(want), b.Digest)
	}
	_, ok, err := r.Next()
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, uint32(3), r.Count())
}

func TestReaderShortFinalBlockIsPadded(t *testing.T) {
	data := append(bytes.Repeat([]byte{7}, block.Size), []byte("tail")...)
	r := block.NewReader(bytes.NewReader(data), "test")

	b0, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(0), b0.Index)
	require.False(t, r.Padded())

	b1, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, r.Padded())
	want := make([]byte, block.Size)
	copy(want, "tail")
	require.Equal(t, want, b1.Data[:])

	_, ok, err = r.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReaderEmptyStream(t *testing.T) {
	r := block.NewReader(bytes.NewReader(nil), "empty")
	_, ok, err := r.Next()
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, uint32(0), r.Count())
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

func TestReaderStickyError(t *testing.T) {
	sentinel := io.ErrClosedPipe
	r := block.NewReader(errReader{sentinel}, "broken")
	_, ok, err := r.Next()
	require.False(t, ok)
	require.Error(t, err)
	_, ok, err2 := r.Next()
	require.False(t, ok)
	require.Equal(t, err, err2)
}
