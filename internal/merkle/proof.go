package merkle

import (
	"bytes"
	"context"
	"fmt"
	"runtime"

	"github.com/jmerrifield20/ledgerpublisher/pkg/proof"
	"golang.org/x/sync/errgroup"
)

// proofChunk is how many consecutive leaves one Proofs task handles.
const proofChunk = 256

// Proof derives the inclusion proof for leaf index. Digests in the result
// are copies, so callers may modify the proof without touching the tree.
func (t *Tree) Proof(index int) (*proof.Proof, error) {
	n := t.LeafCount()
	if index < 0 || index >= n {
		return nil, &IndexOutOfRangeError{Index: index, Size: n}
	}

	steps := make([]proof.Step, 0, t.Depth())
	pos := index
	for _, nodes := range t.levels[:len(t.levels)-1] {
		switch {
		case pos%2 == 1:
			steps = append(steps, proof.Step{Direction: proof.Right, SiblingHash: clone(nodes[pos-1])})
		case pos+1 < len(nodes):
			steps = append(steps, proof.Step{Direction: proof.Left, SiblingHash: clone(nodes[pos+1])})
		default:
			// unpaired last node, promoted without a step
		}
		pos /= 2
	}

	return &proof.Proof{
		LeafIndex:    index,
		LeafHash:     clone(t.levels[0][index]),
		Steps:        steps,
		ExpectedRoot: t.Root(),
	}, nil
}

// Proofs derives the proof for every leaf, fanning out over at most workers
// goroutines (GOMAXPROCS when workers < 1). The result is in leaf order.
func (t *Tree) Proofs(ctx context.Context, workers int) ([]*proof.Proof, error) {
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	n := t.LeafCount()
	out := make([]*proof.Proof, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < n; start += proofChunk {
		if gctx.Err() != nil {
			break
		}
		end := min(start+proofChunk, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				p, err := t.Proof(i)
				if err != nil {
					return err
				}
				out[i] = p
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("generate proofs: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("generate proofs: %w", err)
	}
	return out, nil
}

// Divergence describes where a proof departs from the tree.
type Divergence struct {
	// Step is the first differing step, or -1 when the leaf hash or index
	// itself is wrong.
	Step   int
	Reason string
}

func (d *Divergence) String() string {
	if d.Step < 0 {
		return d.Reason
	}
	return fmt.Sprintf("step %d: %s", d.Step, d.Reason)
}

// Diagnose compares p with the proof this tree produces for the same leaf.
// It returns nil when they agree. It is meant for reporting why a proof
// failed verification; a nil result implies proof.Verify succeeds.
func (t *Tree) Diagnose(p *proof.Proof) *Divergence {
	want, err := t.Proof(p.LeafIndex)
	if err != nil {
		return &Divergence{Step: -1, Reason: err.Error()}
	}
	if !bytes.Equal(p.LeafHash, want.LeafHash) {
		return &Divergence{Step: -1, Reason: "leaf hash does not match the tree"}
	}
	for i, ws := range want.Steps {
		if i >= len(p.Steps) {
			return &Divergence{Step: i, Reason: "proof is missing steps"}
		}
		gs := p.Steps[i]
		if gs.Direction != ws.Direction {
			return &Divergence{Step: i, Reason: fmt.Sprintf("direction %q, want %q", gs.Direction, ws.Direction)}
		}
		if !bytes.Equal(gs.SiblingHash, ws.SiblingHash) {
			return &Divergence{Step: i, Reason: "sibling hash does not match the tree"}
		}
	}
	if len(p.Steps) > len(want.Steps) {
		return &Divergence{Step: len(want.Steps), Reason: "proof has extra steps"}
	}
	if !bytes.Equal(p.ExpectedRoot, want.ExpectedRoot) {
		return &Divergence{Step: len(want.Steps), Reason: "expected root does not match the tree"}
	}
	return nil
}
