package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/jmerrifield20/ledgerpublisher/internal/bundle"
	"github.com/jmerrifield20/ledgerpublisher/internal/merkle"
	"github.com/jmerrifield20/ledgerpublisher/internal/metrics"
	"github.com/jmerrifield20/ledgerpublisher/pkg/client"
	"github.com/jmerrifield20/ledgerpublisher/pkg/proof"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ── verify ───────────────────────────────────────────────────────────────────

var errProofInvalid = errors.New("proof does not verify")

var (
	verifyRoot   string
	verifyDate   string
	verifyServer string
	verifyIndex  int
)

var verifyCmd = &cobra.Command{
	Use:   "verify <proof.json>",
	Short: "Verify an inclusion proof",
	Long: `Verify recomputes the root from a proof file's leaf hash and path.

The proof is checked against, in order of preference: --root, the
merkle_root of the bundle for --date in the output directory, or the
proof's own expected_root. When checked against a bundle, a failing proof
is compared step by step with the bundle's tree to report where it
diverges.

With --server, the proof for --index is fetched from a running ledgerpub
server and checked locally against the merkle_root the server publishes
for --date; no proof file is needed.

  ledgerpub verify output/proofs/2026-01-17/proofs/42.json --date 2026-01-17
  ledgerpub verify --server https://proofs.example.com --date 2026-01-17 --index 42`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyRoot, "root", "", "Expected Merkle root (hex)")
	verifyCmd.Flags().StringVar(&verifyDate, "date", "", "Verify against the bundle for this date")
	verifyCmd.Flags().StringVar(&verifyServer, "server", "", "Fetch the proof from this ledgerpub server")
	verifyCmd.Flags().IntVar(&verifyIndex, "index", 0, "Record index to fetch with --server")
}

func runVerify(cmd *cobra.Command, args []string) error {
	if verifyServer != "" {
		return runVerifyRemote(cmd.Context())
	}
	if len(args) != 1 {
		return errors.New("a proof file is required unless --server is set")
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open proof: %w", err)
	}
	defer f.Close() //nolint:errcheck

	p, err := proof.Decode(f)
	if err != nil {
		return err
	}

	var (
		root []byte
		tree *merkle.Tree
	)
	switch {
	case verifyRoot != "":
		if root, err = proof.ParseDigest(verifyRoot); err != nil {
			return fmt.Errorf("--root: %w", err)
		}
	case verifyDate != "":
		b, err := bundle.OpenDate(viper.GetString("output.dir"), verifyDate)
		if err != nil {
			return err
		}
		if root, err = proof.ParseDigest(b.Manifest.MerkleRoot); err != nil {
			return fmt.Errorf("bundle root: %w", err)
		}
		leaves := make([][]byte, len(b.Index.Proofs))
		for i, e := range b.Index.Proofs {
			leaves[i] = e.LeafHash
		}
		if tree, err = merkle.Build(leaves); err != nil {
			return err
		}
	default:
		root = p.ExpectedRoot
	}

	valid := p.VerifyAgainst(root)
	metrics.RecordVerification(valid)
	if valid {
		fmt.Printf("VALID   leaf %d is included under root %s\n", p.LeafIndex, proof.Digest(root))
		return nil
	}

	fmt.Printf("INVALID leaf %d is not included under root %s\n", p.LeafIndex, proof.Digest(root))
	if tree != nil {
		if d := tree.Diagnose(p); d != nil {
			fmt.Printf("        diverges at %s\n", d)
		}
	}
	return errProofInvalid
}

func runVerifyRemote(ctx context.Context) error {
	if verifyDate == "" {
		return errors.New("--date is required with --server")
	}
	c, err := client.New(verifyServer, client.WithHTTPClient(&http.Client{Timeout: viper.GetDuration("guard.timeout")}))
	if err != nil {
		return err
	}
	valid, err := c.VerifyRecord(ctx, verifyDate, verifyIndex)
	if err != nil {
		return err
	}
	metrics.RecordVerification(valid)
	if !valid {
		fmt.Printf("INVALID record %d of %s does not verify against %s\n", verifyIndex, verifyDate, verifyServer)
		return errProofInvalid
	}
	fmt.Printf("VALID   record %d of %s verifies against %s\n", verifyIndex, verifyDate, verifyServer)
	return nil
}
