// Package client is the Go SDK for the ledgerpub proof service.
//
// It lists published days, fetches manifests, checkpoints and inclusion
// proofs, and verifies proofs locally so callers do not have to trust the
// server's own verdict.
//
// # Verifying a record
//
//	c, err := client.New("https://proofs.example.com")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ok, err := c.VerifyRecord(ctx, "2026-01-17", 42)
//
// VerifyRecord fetches the day's manifest for its merkle_root, fetches
// proofs/42.json, checks that the proof is for position 42, and recomputes
// the root from the proof. A proof whose
// expected_root differs from the manifest root fails even if it is
// internally consistent.
//
// # Caching
//
// Published days never change, so WithCacheTTL can cache bundle summaries
// for as long as the caller likes:
//
//	c, err := client.New(base, client.WithCacheTTL(time.Hour))
package client
