// Package proof is the client-side half of a ledger-publisher proof bundle.
//
// It defines the wire format of per-record inclusion proofs and the proof
// index, and the stateless verifier that recomputes a Merkle root from a
// leaf hash and its proof. It does not depend on how the tree was built, so
// it can be vendored into any downstream client.
//
// # Verifying a downloaded proof
//
// Fetch the bundle's daily_root.txt from a source you trust, then check the
// record's proof file against it:
//
//	f, _ := os.Open("proofs/2026-01-17/proofs/42.json")
//	p, err := proof.Decode(f)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	root, _ := proof.ParseDigest(trustedRootHex)
//	if !p.VerifyAgainst(root) {
//	    log.Fatal("record 42 is not part of the published bundle")
//	}
//
// The leaf hash is SHA-256 of the record's canonical bytes. Each step combines
// the running hash with a sibling as SHA-256(left || right). A step with
// direction "left" means the running hash is the left operand.
//
// Trees use the promote rule for odd levels: an unpaired last node moves up
// unchanged, so proofs for such leaves simply have no step at that level.
package proof
