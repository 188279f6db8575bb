// Package sourceindex implements the source block index (tardiff spec §4.4,
// component C4): a sorted table of (digest, block index) pairs built by
// binsort, with a farm-hash-sharded in-memory layer in front of it so that
// repeated lookups of the same digest -- overwhelmingly common in a tar
// file's runs of identical zero-padding blocks -- don't pay a fresh binary
// search every time.
package sourceindex

import (
	"encoding/binary"
	"sort"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/tardiff/binsort"
	"github.com/grailbio/tardiff/block"
)

// recordWidth is 16 bytes of digest followed by a 4-byte big-endian block
// index, matching spec §3's SourceRecord: primary key digest, secondary key
// index, both compared byte-lexicographically.
const recordWidth = 16 + 4

// Builder accumulates SourceRecords for external sorting.
type Builder struct {
	sorter *binsort.Sorter
}

// NewBuilder constructs a Builder. cacheRecords is the binsort in-memory
// cache size (must be >= 16).
func NewBuilder(tmpDir string, cacheRecords int) (*Builder, error) {
	s, err := binsort.New(recordWidth, cacheRecords, binsort.Options{TmpDir: tmpDir})
	if err != nil {
		return nil, err
	}
	return &Builder{sorter: s}, nil
}

// Add records that the source file's block `index` has digest `d`.
func (b *Builder) Add(d block.Digest, index uint32) {
	var rec [recordWidth]byte
	copy(rec[:16], d[:])
	binary.BigEndian.PutUint32(rec[16:], index)
	b.sorter.Add(rec[:])
}

// Finish sorts all added records and builds the lookup shard.
func (b *Builder) Finish() (*Index, error) {
	table, err := b.sorter.Finish()
	if err != nil {
		return nil, err
	}
	idx := &Index{table: table}
	idx.buildShard()
	return idx, nil
}

func decodeIndex(rec []byte) uint32 {
	return binary.BigEndian.Uint32(rec[16:20])
}

// shardEntry caches the contiguous [lo, hi) row range of one distinct
// digest value within the sorted table.
type shardEntry struct {
	used   bool
	digest block.Digest
	lo, hi int64
}

// maxProbe bounds the linear-probing search before falling back to binary
// search over the table directly; mirrors fusion/kmer_index.go's
// maxCollisions guard.
const maxProbe = 64

// Index is the built, queryable source block index.
type Index struct {
	table *binsort.Table
	shard []shardEntry
	mask  uint64
}

func nextPow2(n int64) int64 {
	p := int64(16)
	for p < n {
		p <<= 1
	}
	return p
}

func (idx *Index) buildShard() {
	n := idx.table.Len()
	if n == 0 {
		return
	}
	capacity := nextPow2(2 * n)
	idx.shard = make([]shardEntry, capacity)
	idx.mask = uint64(capacity - 1)

	var i int64
	for i < n {
		lo := i
		d := idx.table.At(i)[:16]
		hi := i + 1
		for hi < n && equalBytes(idx.table.At(hi)[:16], d) {
			hi++
		}
		var key block.Digest
		copy(key[:], d)
		idx.insertShard(key, lo, hi)
		i = hi
	}
}

func equalBytes(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (idx *Index) insertShard(d block.Digest, lo, hi int64) {
	pos := farm.Hash64(d[:]) & idx.mask
	for {
		if !idx.shard[pos].used {
			idx.shard[pos] = shardEntry{used: true, digest: d, lo: lo, hi: hi}
			return
		}
		pos = (pos + 1) & idx.mask
	}
}

func (idx *Index) shardLookup(d block.Digest) (lo, hi int64, ok bool) {
	if len(idx.shard) == 0 {
		return 0, 0, false
	}
	pos := farm.Hash64(d[:]) & idx.mask
	for probe := 0; probe < maxProbe; probe++ {
		e := idx.shard[pos]
		if !e.used {
			return 0, 0, false
		}
		if e.digest == d {
			return e.lo, e.hi, true
		}
		pos = (pos + 1) & idx.mask
	}
	return 0, 0, false
}

// rangeFor returns the [lo, hi) rows matching digest d, via the shard when
// possible and otherwise by binary search directly over the table.
func (idx *Index) rangeFor(d block.Digest) (lo, hi int64, ok bool) {
	if lo, hi, ok := idx.shardLookup(d); ok {
		return lo, hi, true
	}
	lo, hi = idx.table.Search(d[:])
	return lo, hi, hi > lo
}

// Lookup implements spec §4.4: if no record has digest d, ok is false. If a
// record with index == preferred exists among those matching d, it is
// returned (this grows the caller's current copy run). Otherwise the first
// matching record in sorted order is returned, and preferred==0 is treated
// as "no preference" (so the first match is returned directly).
func (idx *Index) Lookup(d block.Digest, preferred uint32) (index uint32, ok bool) {
	lo, hi, ok := idx.rangeFor(d)
	if !ok {
		return 0, false
	}
	if preferred != 0 {
		n := int(hi - lo)
		pos := sort.Search(n, func(k int) bool {
			return decodeIndex(idx.table.At(lo+int64(k))) >= preferred
		})
		if pos < n && decodeIndex(idx.table.At(lo+int64(pos))) == preferred {
			return preferred, true
		}
	}
	return decodeIndex(idx.table.At(lo)), true
}

// Close releases the underlying table.
func (idx *Index) Close() error { return idx.table.Close() }
