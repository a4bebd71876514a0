package proof

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
)

// HashPair returns SHA-256(left || right).
func HashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// Verify recomputes the root from leafHash by applying steps in order and
// reports whether it equals expectedRoot. It never panics: wrong-length
// digests, unknown directions and over-long proofs all yield false.
func Verify(leafHash []byte, steps []Step, expectedRoot []byte) bool {
	if len(expectedRoot) != HashSize {
		return false
	}
	trace, err := Trace(leafHash, steps)
	if err != nil {
		return false
	}
	root := leafHash
	if len(trace) > 0 {
		root = trace[len(trace)-1]
	}
	return equal(root, expectedRoot)
}

// Trace returns the running hash after each step. The last element is the
// computed root; a proof with no steps yields an empty trace.
func Trace(leafHash []byte, steps []Step) ([][]byte, error) {
	if len(leafHash) != HashSize {
		return nil, fmt.Errorf("leaf hash: %w", ErrMalformedDigest)
	}
	if len(steps) > MaxProofSteps {
		return nil, fmt.Errorf("proof has %d steps, maximum is %d", len(steps), MaxProofSteps)
	}

	out := make([][]byte, 0, len(steps))
	current := leafHash
	for i, s := range steps {
		if len(s.SiblingHash) != HashSize {
			return nil, fmt.Errorf("step %d sibling: %w", i, ErrMalformedDigest)
		}
		switch s.Direction {
		case Left:
			current = HashPair(current, s.SiblingHash)
		case Right:
			current = HashPair(s.SiblingHash, current)
		default:
			return nil, fmt.Errorf("step %d: %w %q", i, errUnknownDirection, s.Direction)
		}
		out = append(out, current)
	}
	return out, nil
}

var errUnknownDirection = errors.New("unknown direction")

func equal(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
