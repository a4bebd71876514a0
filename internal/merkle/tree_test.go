package merkle_test

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"

	"github.com/jmerrifield20/ledgerpublisher/internal/merkle"
	"github.com/jmerrifield20/ledgerpublisher/pkg/proof"
)

func leaves(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		h := sha256.Sum256([]byte(fmt.Sprintf("record%d", i)))
		out[i] = h[:]
	}
	return out
}

func TestBuild_fourLeaves(t *testing.T) {
	h := leaves(4)
	tree, err := merkle.Build(h)
	if err != nil {
		t.Fatal(err)
	}
	want := proof.HashPair(proof.HashPair(h[0], h[1]), proof.HashPair(h[2], h[3]))
	if !bytes.Equal(tree.Root(), want) {
		t.Errorf("root: got %x, want %x", tree.Root(), want)
	}
	if tree.Depth() != 2 {
		t.Errorf("depth: got %d, want 2", tree.Depth())
	}
	levels := tree.Levels()
	if len(levels) != 3 || len(levels[0]) != 4 || len(levels[1]) != 2 || len(levels[2]) != 1 {
		t.Errorf("unexpected level shape: %d levels", len(levels))
	}
}

func TestBuild_singleLeaf(t *testing.T) {
	h := leaves(1)
	tree, err := merkle.Build(h)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tree.Root(), h[0]) {
		t.Error("single-leaf root should equal the leaf")
	}
	if tree.Depth() != 0 {
		t.Errorf("depth: got %d, want 0", tree.Depth())
	}
}

func TestBuild_oddCountPromotesLastNode(t *testing.T) {
	h := leaves(3)
	tree, err := merkle.Build(h)
	if err != nil {
		t.Fatal(err)
	}
	// level 1 = [H(h0||h1), h2]; root = H(H(h0||h1) || h2)
	want := proof.HashPair(proof.HashPair(h[0], h[1]), h[2])
	if !bytes.Equal(tree.Root(), want) {
		t.Errorf("root: got %x, want %x", tree.Root(), want)
	}
	if !bytes.Equal(tree.Levels()[1][1], h[2]) {
		t.Error("unpaired node should be carried up unchanged")
	}
}

func TestBuild_fiveLeaves(t *testing.T) {
	h := leaves(5)
	tree, err := merkle.Build(h)
	if err != nil {
		t.Fatal(err)
	}
	// level1 = [a, b, h4], level2 = [H(a||b), h4], root = H(H(a||b)||h4)
	a := proof.HashPair(h[0], h[1])
	b := proof.HashPair(h[2], h[3])
	want := proof.HashPair(proof.HashPair(a, b), h[4])
	if !bytes.Equal(tree.Root(), want) {
		t.Errorf("root: got %x, want %x", tree.Root(), want)
	}
}

func TestBuild_invalidInput(t *testing.T) {
	_, err := merkle.Build(nil)
	if !errors.Is(err, merkle.ErrInvalidInput) {
		t.Errorf("empty input: expected ErrInvalidInput, got %v", err)
	}

	bad := leaves(3)
	bad[1] = bad[1][:31]
	_, err = merkle.Build(bad)
	var inv *merkle.InvalidInputError
	if !errors.As(err, &inv) {
		t.Fatalf("short digest: expected *InvalidInputError, got %v", err)
	}
	if inv.Index != 1 {
		t.Errorf("bad leaf index: got %d, want 1", inv.Index)
	}

	if _, err := merkle.BuildHex([]string{"zz"}); !errors.Is(err, merkle.ErrInvalidInput) {
		t.Errorf("bad hex: expected ErrInvalidInput, got %v", err)
	}
}

func TestBuild_deterministic(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 16, 100} {
		a, err := merkle.Build(leaves(n))
		if err != nil {
			t.Fatal(err)
		}
		b, err := merkle.Build(leaves(n))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(a.Root(), b.Root()) {
			t.Errorf("n=%d: roots differ between builds", n)
		}
		for lvl := range a.Levels() {
			for i := range a.Levels()[lvl] {
				if !bytes.Equal(a.Levels()[lvl][i], b.Levels()[lvl][i]) {
					t.Fatalf("n=%d: level %d node %d differs", n, lvl, i)
				}
			}
		}
	}
}

func TestBuild_parallelMatchesSequential(t *testing.T) {
	h := leaves(5001)
	seq, err := merkle.Build(h)
	if err != nil {
		t.Fatal(err)
	}
	par, err := merkle.Build(h, merkle.WithWorkers(8))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(seq.Root(), par.Root()) {
		t.Error("parallel build produced a different root")
	}
	if seq.Depth() != par.Depth() {
		t.Errorf("depth: sequential %d, parallel %d", seq.Depth(), par.Depth())
	}
}

func TestBuildHex_matchesBuild(t *testing.T) {
	h := leaves(6)
	hexes := make([]string, len(h))
	for i, l := range h {
		hexes[i] = proof.Digest(l).String()
	}
	a, err := merkle.BuildHex(hexes)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := merkle.Build(h)
	if !bytes.Equal(a.Root(), b.Root()) {
		t.Error("BuildHex and Build disagree")
	}
}

func TestRoot_returnsCopy(t *testing.T) {
	tree, _ := merkle.Build(leaves(2))
	r := tree.Root()
	r[0] ^= 0xff
	if bytes.Equal(tree.Root(), r) {
		t.Error("mutating Root() result changed the tree")
	}
}
