package proof

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// HashSize is the length in bytes of every digest in a proof.
const HashSize = 32

// MaxProofSteps bounds the work done on untrusted input. A tree of 2^64
// leaves has depth 64, so no honest proof is longer.
const MaxProofSteps = 64

// maxProofBytes caps how much of a proof file Decode will read.
const maxProofBytes = 64 << 10

// ErrMalformedDigest is returned when a hex digest cannot be decoded or has
// the wrong length.
var ErrMalformedDigest = errors.New("malformed digest")

// Direction says which operand the running hash is when combined with the
// sibling at a step.
type Direction string

const (
	// Left means the running hash is the left operand: H(current || sibling).
	Left Direction = "left"
	// Right means the running hash is the right operand: H(sibling || current).
	Right Direction = "right"
)

// Valid reports whether d is one of the two defined directions.
func (d Direction) Valid() bool {
	return d == Left || d == Right
}

// Digest is a hash value that marshals to lowercase hex text.
type Digest []byte

// ParseDigest decodes a hex digest and checks that it is HashSize bytes.
func ParseDigest(s string) (Digest, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDigest, err)
	}
	if len(b) != HashSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedDigest, len(b), HashSize)
	}
	return b, nil
}

// String returns the lowercase hex encoding.
func (d Digest) String() string {
	return hex.EncodeToString(d)
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(d)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Length is not checked
// here; Verify rejects digests of the wrong size.
func (d *Digest) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDigest, err)
	}
	*d = b
	return nil
}

// Step is one combination on the path from a leaf to the root.
type Step struct {
	Direction   Direction `json:"direction"`
	SiblingHash Digest    `json:"sibling_hash"`
}

// Proof is the content of one proofs/<i>.json file.
type Proof struct {
	LeafIndex    int    `json:"leaf_index"`
	LeafHash     Digest `json:"leaf_hash"`
	Steps        []Step `json:"proof"`
	ExpectedRoot Digest `json:"expected_root"`
}

// MarshalJSON always emits the proof array, even for a single-leaf tree.
func (p Proof) MarshalJSON() ([]byte, error) {
	type wire Proof
	w := wire(p)
	if w.Steps == nil {
		w.Steps = []Step{}
	}
	return json.Marshal(w)
}

// Verify checks the proof against its own expected_root. Use VerifyAgainst
// when the root comes from a trusted source.
func (p *Proof) Verify() bool {
	return Verify(p.LeafHash, p.Steps, p.ExpectedRoot)
}

// VerifyAgainst checks the proof against a caller-supplied root and also
// requires the proof's expected_root to match it.
func (p *Proof) VerifyAgainst(root []byte) bool {
	if !equal(p.ExpectedRoot, root) {
		return false
	}
	return Verify(p.LeafHash, p.Steps, root)
}

// Decode reads a single proof file.
func Decode(r io.Reader) (*Proof, error) {
	var p Proof
	dec := json.NewDecoder(io.LimitReader(r, maxProofBytes))
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode proof: %w", err)
	}
	if len(p.Steps) > MaxProofSteps {
		return nil, fmt.Errorf("decode proof: %d steps exceeds maximum of %d", len(p.Steps), MaxProofSteps)
	}
	return &p, nil
}

// ErrWrongPosition is returned when a proof does not belong to the leaf
// position it was requested for.
var ErrWrongPosition = errors.New("proof is for a different leaf position")

// Directions returns the step directions of the proof for leaf index in a
// tree of total leaves, under the promote rule: an unpaired last node moves
// up without a step.
func Directions(index, total int) ([]Direction, error) {
	if total < 1 || index < 0 || index >= total {
		return nil, fmt.Errorf("%w: index %d of %d leaves", ErrWrongPosition, index, total)
	}
	var dirs []Direction
	pos := index
	for n := total; n > 1; n = (n + 1) / 2 {
		switch {
		case pos%2 == 1:
			dirs = append(dirs, Right)
		case pos+1 < n:
			dirs = append(dirs, Left)
		}
		pos /= 2
	}
	return dirs, nil
}

// CheckPosition reports whether p is the proof for leaf index in a tree of
// total leaves: its leaf_index must equal index and its path must have the
// shape that position implies. Together with VerifyAgainst this stops a
// valid proof for one record being passed off as another's.
func (p *Proof) CheckPosition(index, total int) error {
	if p.LeafIndex != index {
		return fmt.Errorf("%w: leaf_index %d, want %d", ErrWrongPosition, p.LeafIndex, index)
	}
	want, err := Directions(index, total)
	if err != nil {
		return err
	}
	if len(p.Steps) != len(want) {
		return fmt.Errorf("%w: %d steps, leaf %d of %d needs %d", ErrWrongPosition, len(p.Steps), index, total, len(want))
	}
	for i, d := range want {
		if p.Steps[i].Direction != d {
			return fmt.Errorf("%w: step %d is %q, want %q", ErrWrongPosition, i, p.Steps[i].Direction, d)
		}
	}
	return nil
}

// FileName returns the bundle-relative path of the proof for record i.
func FileName(i int) string {
	return fmt.Sprintf("proofs/%d.json", i)
}

// IndexVersion is the current proof_index.json format version.
const IndexVersion = "1"

// IndexEntry points at one record's proof file.
type IndexEntry struct {
	RecordIndex int    `json:"record_index"`
	ProofFile   string `json:"proof_file"`
	LeafHash    Digest `json:"leaf_hash"`
}

// Index is the content of proof_index.json. It is a convenience listing
// derived from the proof set and is not authoritative.
type Index struct {
	Version      string       `json:"version"`
	TotalRecords int          `json:"total_records"`
	MerkleRoot   Digest       `json:"merkle_root"`
	Proofs       []IndexEntry `json:"proofs"`
}

// NewIndex builds the index for an ordered proof set.
func NewIndex(root []byte, proofs []*Proof) *Index {
	idx := &Index{
		Version:      IndexVersion,
		TotalRecords: len(proofs),
		MerkleRoot:   root,
		Proofs:       make([]IndexEntry, len(proofs)),
	}
	for i, p := range proofs {
		idx.Proofs[i] = IndexEntry{
			RecordIndex: p.LeafIndex,
			ProofFile:   FileName(p.LeafIndex),
			LeafHash:    p.LeafHash,
		}
	}
	return idx
}
