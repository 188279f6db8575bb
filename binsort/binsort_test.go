package binsort_test

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/grailbio/tardiff/binsort"
	"github.com/stretchr/testify/require"
)

func rec(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func val(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

func TestSorterSmallInMemory(t *testing.T) {
	s, err := binsort.New(4, 16, binsort.Options{TmpDir: t.TempDir()})
	require.NoError(t, err)
	in := []uint32{5, 3, 9, 1, 4, 2, 8, 7, 6, 0}
	for _, v := range in {
		s.Add(rec(v))
	}
	table, err := s.Finish()
	require.NoError(t, err)
	defer table.Close()

	require.EqualValues(t, len(in), table.Len())
	for i := int64(0); i < table.Len(); i++ {
		require.EqualValues(t, i, val(table.At(i)))
	}
}

func TestSorterForcesSpillAndMerge(t *testing.T) {
	// cacheRecords is the binsort minimum (mergeFanIn == 16); with enough
	// records to spill well more than 16 runs, this exercises both the
	// greedy equal-length collapse (48 spills collapse to 3 runs of 256)
	// and Finish's final merge of the remaining runs.
	const n = 16 * 16 * 3
	s, err := binsort.New(4, 16, binsort.Options{TmpDir: t.TempDir()})
	require.NoError(t, err)
	perm := rand.New(rand.NewSource(1)).Perm(n)
	for _, v := range perm {
		s.Add(rec(uint32(v)))
	}
	table, err := s.Finish()
	require.NoError(t, err)
	defer table.Close()

	require.EqualValues(t, n, table.Len())
	for i := int64(0); i < table.Len(); i++ {
		require.EqualValues(t, i, val(table.At(i)))
	}
}

func TestSorterCompressedRuns(t *testing.T) {
	const n = 16 * 20
	s, err := binsort.New(4, 16, binsort.Options{TmpDir: t.TempDir(), CompressRuns: true})
	require.NoError(t, err)
	perm := rand.New(rand.NewSource(2)).Perm(n)
	for _, v := range perm {
		s.Add(rec(uint32(v)))
	}
	table, err := s.Finish()
	require.NoError(t, err)
	defer table.Close()

	require.EqualValues(t, n, table.Len())
	for i := int64(0); i < table.Len(); i++ {
		require.EqualValues(t, i, val(table.At(i)))
	}
}

func TestSorterEmpty(t *testing.T) {
	s, err := binsort.New(4, 16, binsort.Options{TmpDir: t.TempDir()})
	require.NoError(t, err)
	table, err := s.Finish()
	require.NoError(t, err)
	defer table.Close()
	require.EqualValues(t, 0, table.Len())
}

func TestTableSearch(t *testing.T) {
	s, err := binsort.New(4, 16, binsort.Options{TmpDir: t.TempDir()})
	require.NoError(t, err)
	for _, v := range []uint32{1, 1, 1, 2, 4, 4, 7} {
		s.Add(rec(v))
	}
	table, err := s.Finish()
	require.NoError(t, err)
	defer table.Close()

	lo, hi := table.Search(rec(1))
	require.EqualValues(t, 0, lo)
	require.EqualValues(t, 3, hi)

	lo, hi = table.Search(rec(4))
	require.EqualValues(t, 4, lo)
	require.EqualValues(t, 6, hi)

	lo, hi = table.Search(rec(3))
	require.Equal(t, lo, hi)
}
