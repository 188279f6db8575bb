package sourceindex_test

import (
	"crypto/md5"
	"testing"

	"github.com/grailbio/tardiff/block"
	"github.com/grailbio/tardiff/sourceindex"
	"github.com/stretchr/testify/require"
)

func digest(s string) block.Digest {
	data := make([]byte, block.Size)
	copy(data, s)
	return block.Digest(md5.Sum(data))
}

func TestLookupBasic(t *testing.T) {
	b, err := sourceindex.NewBuilder(t.TempDir(), 16)
	require.NoError(t, err)
	b.Add(digest("a"), 0)
	b.Add(digest("b"), 1)
	b.Add(digest("c"), 2)
	idx, err := b.Finish()
	require.NoError(t, err)
	defer idx.Close()

	i, ok := idx.Lookup(digest("b"), 0)
	require.True(t, ok)
	require.EqualValues(t, 1, i)

	_, ok = idx.Lookup(digest("missing"), 0)
	require.False(t, ok)
}

func TestLookupPrefersContinuation(t *testing.T) {
	b, err := sourceindex.NewBuilder(t.TempDir(), 16)
	require.NoError(t, err)
	// Duplicate block contents (e.g. zero padding) appear at many indices.
	b.Add(digest("zero"), 10)
	b.Add(digest("zero"), 20)
	b.Add(digest("zero"), 21)
	idx, err := b.Finish()
	require.NoError(t, err)
	defer idx.Close()

	i, ok := idx.Lookup(digest("zero"), 21)
	require.True(t, ok)
	require.EqualValues(t, 21, i)

	// No preferred match: falls back to the first in sorted order.
	i, ok = idx.Lookup(digest("zero"), 999)
	require.True(t, ok)
	require.EqualValues(t, 10, i)

	// No preference at all.
	i, ok = idx.Lookup(digest("zero"), 0)
	require.True(t, ok)
	require.EqualValues(t, 10, i)
}

func TestLookupManyDistinctDigests(t *testing.T) {
	b, err := sourceindex.NewBuilder(t.TempDir(), 16)
	require.NoError(t, err)
	const n = 5000
	for i := 0; i < n; i++ {
		b.Add(digest(string(rune(i))+"x"), uint32(i))
	}
	idx, err := b.Finish()
	require.NoError(t, err)
	defer idx.Close()

	for i := 0; i < n; i++ {
		got, ok := idx.Lookup(digest(string(rune(i))+"x"), 0)
		require.True(t, ok)
		require.EqualValues(t, i, got)
	}
}
