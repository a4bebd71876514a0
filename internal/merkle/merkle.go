// Package merkle builds the binary SHA-256 hash tree over a day's ordered
// leaf hashes and derives per-leaf inclusion proofs from it.
//
// Parents are SHA-256(left || right) with no prefix or separator. When a
// level has an odd number of nodes the last one is promoted to the next
// level unchanged; proofs for leaves on that path have no step for the
// level. This rule is part of the published wire format ("odd_node":
// "promote") and is mirrored by pkg/proof.
//
// A Tree is immutable once built and safe for concurrent readers.
package merkle

// OddNodeRule names the odd-level policy in bundle metadata.
const OddNodeRule = "promote"

// HashName names the node hash function in bundle metadata.
const HashName = "sha256"

// TreeKind names the tree shape in bundle metadata.
const TreeKind = "binary"
