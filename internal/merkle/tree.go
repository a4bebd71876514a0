package merkle

import (
	"encoding/hex"
	"fmt"

	"github.com/jmerrifield20/ledgerpublisher/pkg/proof"
	"golang.org/x/sync/errgroup"
)

// minParallelPairs is the level width below which splitting work across
// goroutines costs more than it saves.
const minParallelPairs = 1024

// Tree holds every level of a built hash tree. Level 0 is the leaves and the
// last level holds only the root.
type Tree struct {
	levels [][][]byte
}

type options struct {
	workers int
}

// Option configures Build.
type Option func(*options)

// WithWorkers splits each level's pairwise hashing across n goroutines.
// Values below 2 build sequentially. The result is identical either way.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// Build constructs the tree over leaves, which must be non-empty and each
// exactly proof.HashSize bytes. The leaf slices are referenced, not copied,
// and must not be modified afterwards.
func Build(leaves [][]byte, opts ...Option) (*Tree, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if len(leaves) == 0 {
		return nil, &InvalidInputError{Index: -1, Reason: "empty leaf sequence"}
	}
	for i, l := range leaves {
		if len(l) != proof.HashSize {
			return nil, &InvalidInputError{
				Index:  i,
				Reason: fmt.Sprintf("digest is %d bytes, want %d", len(l), proof.HashSize),
			}
		}
	}

	level := make([][]byte, len(leaves))
	copy(level, leaves)
	levels := [][][]byte{level}
	for len(level) > 1 {
		level = combine(level, o.workers)
		levels = append(levels, level)
	}
	return &Tree{levels: levels}, nil
}

// BuildHex is Build over hex-encoded leaf digests.
func BuildHex(leaves []string, opts ...Option) (*Tree, error) {
	raw := make([][]byte, len(leaves))
	for i, s := range leaves {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, &InvalidInputError{Index: i, Reason: fmt.Sprintf("bad hex: %v", err)}
		}
		raw[i] = b
	}
	return Build(raw, opts...)
}

// combine hashes adjacent pairs of level into a new slice. An unpaired last
// node is carried up as is. Workers write disjoint ranges of the output.
func combine(level [][]byte, workers int) [][]byte {
	pairs := len(level) / 2
	next := make([][]byte, (len(level)+1)/2)
	if len(level)%2 == 1 {
		next[pairs] = level[len(level)-1]
	}

	if workers < 2 || pairs < minParallelPairs {
		hashRange(level, next, 0, pairs)
		return next
	}

	var g errgroup.Group
	chunk := (pairs + workers - 1) / workers
	for start := 0; start < pairs; start += chunk {
		end := min(start+chunk, pairs)
		g.Go(func() error {
			hashRange(level, next, start, end)
			return nil
		})
	}
	_ = g.Wait()
	return next
}

func hashRange(level, next [][]byte, start, end int) {
	for i := start; i < end; i++ {
		next[i] = proof.HashPair(level[2*i], level[2*i+1])
	}
}

// Root returns a copy of the root hash.
func (t *Tree) Root() []byte {
	return clone(t.levels[len(t.levels)-1][0])
}

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// Depth returns the number of levels above the leaves. A single-leaf tree
// has depth 0.
func (t *Tree) Depth() int {
	return len(t.levels) - 1
}

// Leaf returns a copy of leaf i.
func (t *Tree) Leaf(i int) ([]byte, error) {
	if i < 0 || i >= t.LeafCount() {
		return nil, &IndexOutOfRangeError{Index: i, Size: t.LeafCount()}
	}
	return clone(t.levels[0][i]), nil
}

// Levels exposes the node sequence of every level, leaves first. Callers
// must treat it as read-only.
func (t *Tree) Levels() [][][]byte {
	return t.levels
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
