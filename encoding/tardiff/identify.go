package tardiff

import (
	"crypto/md5"
	"io"
	"io/ioutil"

	"github.com/grailbio/tardiff/block"
	"github.com/pkg/errors"
)

// Kind classifies an input file (spec §4.9, component C8).
type Kind int

const (
	KindInvalid Kind = iota
	KindData
	KindDiff
)

// Info is everything the identifier records about one input.
type Info struct {
	Path string
	Kind Kind
	Err  error // set iff Kind == KindInvalid

	// Valid iff Kind == KindData.
	DataDigest block.Digest

	// Valid iff Kind == KindDiff.
	TargetDigest    block.Digest
	SourceDigest    block.Digest
	HasSourceDigest bool
	CopyBlocks      int64
	AppendBlocks    int64
}

// Identify reads r (which should be positioned at the start of the file)
// and classifies it by its 8-byte prefix, per spec §4.9. A malformed diff
// produces Info{Kind: KindInvalid} with a short Err rather than propagating
// the error, so a batch of files can be identified without one bad file
// aborting the rest.
func Identify(r io.Reader, path string) Info {
	var magicBuf [MagicLen]byte
	n, err := io.ReadFull(r, magicBuf[:])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Info{Path: path, Kind: KindInvalid, Err: err}
	}
	if err == nil && string(magicBuf[:]) == Magic {
		return identifyDiff(r, path)
	}

	h := md5.New()
	h.Write(magicBuf[:n])
	if _, err := io.Copy(h, r); err != nil {
		return Info{Path: path, Kind: KindInvalid, Err: err}
	}
	var d block.Digest
	copy(d[:], h.Sum(nil))
	return Info{Path: path, Kind: KindData, DataDigest: d}
}

func identifyDiff(r io.Reader, path string) Info {
	info := Info{Path: path, Kind: KindDiff}
	for {
		inst, err := ReadInstruction(r)
		if err != nil {
			return Info{Path: path, Kind: KindInvalid, Err: err}
		}
		if inst.IsTerminator() {
			break
		}
		// Both validation axes (spec §7) are checked on every read, not
		// just C,A >= 0x8000: S/C consistency too.
		if err := inst.Validate(); err != nil {
			return Info{Path: path, Kind: KindInvalid, Err: err}
		}
		info.CopyBlocks += int64(inst.C)
		info.AppendBlocks += int64(inst.A)
		if inst.A > 0 {
			if _, err := io.CopyN(ioutil.Discard, r, int64(inst.A)*block.Size); err != nil {
				return Info{Path: path, Kind: KindInvalid, Err: errors.Wrap(err, "truncated literal blocks")}
			}
		}
	}
	td, err := ReadDigest(r)
	if err != nil {
		return Info{Path: path, Kind: KindInvalid, Err: err}
	}
	info.TargetDigest = td
	sd, ok, err := TryReadDigest(r)
	if err != nil {
		return Info{Path: path, Kind: KindInvalid, Err: err}
	}
	info.HasSourceDigest = ok
	info.SourceDigest = sd
	return info
}

// Usability computes the reachability graph spec §4.9 describes: starting
// from the digests of known data files (plus every v1.0 diff, which is
// seeded as reachable so it does not show up as gratuitously unusable), a
// diff becomes reachable once some reachable digest equals its source
// digest, and its target digest then becomes reachable in turn. The
// returned map is keyed by Info.Path.
func Usability(dataDigests []block.Digest, diffs []Info) map[string]bool {
	reachableDigest := map[block.Digest]bool{}
	for _, d := range dataDigests {
		reachableDigest[d] = true
	}
	reachable := map[string]bool{}
	changed := true
	for changed {
		changed = false
		for _, d := range diffs {
			if reachable[d.Path] {
				continue
			}
			if !d.HasSourceDigest || reachableDigest[d.SourceDigest] {
				reachable[d.Path] = true
				reachableDigest[d.TargetDigest] = true
				changed = true
			}
		}
	}
	return reachable
}

// OrderChain linearises a set of diffs into the order D1,...,Dm such that
// Dk's source digest equals Dk-1's target digest (spec §4.8), by following
// the unique source->target chain. It fails if any input lacks a source
// digest (a v1.0 diff cannot be placed automatically -- spec §4.8: "the
// caller must pass pre-ordered inputs") or if the inputs do not form a
// single linear chain.
func OrderChain(diffs []Info) ([]int, error) {
	n := len(diffs)
	bySource := make(map[block.Digest]int, n)
	isTarget := make(map[block.Digest]bool, n)
	for i, d := range diffs {
		if !d.HasSourceDigest {
			return nil, errors.Errorf("merge: %s has no source digest (v1.0); ordering requires -f with pre-ordered inputs", d.Path)
		}
		if _, dup := bySource[d.SourceDigest]; dup {
			return nil, errors.New("merge: cannot linearise inputs: two diffs share a source digest")
		}
		bySource[d.SourceDigest] = i
		isTarget[d.TargetDigest] = true
	}
	head := -1
	for i, d := range diffs {
		if !isTarget[d.SourceDigest] {
			if head != -1 {
				return nil, errors.New("merge: cannot linearise inputs: multiple chain heads")
			}
			head = i
		}
	}
	if head == -1 {
		return nil, errors.New("merge: cannot linearise inputs: no chain head found")
	}
	order := make([]int, 0, n)
	seen := make([]bool, n)
	cur := head
	for {
		if seen[cur] {
			return nil, errors.New("merge: cannot linearise inputs: cycle detected")
		}
		seen[cur] = true
		order = append(order, cur)
		if len(order) == n {
			return order, nil
		}
		next, ok := bySource[diffs[cur].TargetDigest]
		if !ok {
			return nil, errors.New("merge: cannot linearise inputs: chain does not cover all inputs")
		}
		cur = next
	}
}
