package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/jmerrifield20/ledgerpublisher/internal/bundle"
	"github.com/jmerrifield20/ledgerpublisher/internal/checkpoint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ── checkpoints ──────────────────────────────────────────────────────────────

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect the checkpoint chain",
}

var (
	checkpointsFromDir bool
	checkpointsJSON    bool
)

func init() {
	checkpointsCmd.PersistentFlags().BoolVar(&checkpointsFromDir, "from-output", false,
		"Read checkpoints from the bundles in output.dir instead of checkpoint.store")

	checkpointsListCmd.Flags().BoolVar(&checkpointsJSON, "json", false, "Print the checkpoints as JSON")

	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsVerifyCmd)
	checkpointsCmd.AddCommand(checkpointsVerifySigCmd)
}

// loadCheckpoints returns the chain in order, either from the configured
// store or from the bundle directories on disk. A memory store has nothing
// to read across processes, so it always reads the bundles.
func loadCheckpoints(ctx context.Context) ([]*checkpoint.Checkpoint, error) {
	if checkpointsFromDir || viper.GetString("checkpoint.store") == "memory" {
		outputDir := viper.GetString("output.dir")
		dates, err := bundle.Dates(outputDir)
		if err != nil {
			return nil, err
		}
		cps := make([]*checkpoint.Checkpoint, 0, len(dates))
		for _, d := range dates {
			b, err := bundle.OpenDate(outputDir, d)
			if err != nil {
				return nil, err
			}
			cps = append(cps, b.Checkpoint)
		}
		return cps, nil
	}

	profile, err := loadProfile()
	if err != nil {
		return nil, err
	}
	chain, closeChain, err := openChain(ctx, profile.ProfileID)
	if err != nil {
		return nil, err
	}
	defer closeChain()
	return chain.List(ctx)
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints in chain order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cps, err := loadCheckpoints(context.Background())
		if err != nil {
			return err
		}
		if checkpointsJSON {
			return printJSON(cps)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DATE\tRECORDS\tMERKLE ROOT\tCHECKPOINT")
		for _, cp := range cps {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", cp.Date, cp.TotalRecords, cp.MerkleRoot, cp.CheckpointHash)
		}
		return w.Flush()
	},
}

var checkpointsVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify every checkpoint hash and link in the chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		cps, err := loadCheckpoints(context.Background())
		if err != nil {
			return err
		}
		if err := checkpoint.VerifyChain(cps); err != nil {
			return err
		}
		tip := checkpoint.GenesisHash
		if len(cps) > 0 {
			tip = cps[len(cps)-1].CheckpointHash
		}
		fmt.Printf("Chain OK: %d checkpoints, tip %s\n", len(cps), tip)
		return nil
	},
}

var checkpointsPubKey string

var checkpointsVerifySigCmd = &cobra.Command{
	Use:   "verify-signature <date>",
	Short: "Verify the COSE signature on a bundle's checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, err := checkpoint.LoadVerifyKey(checkpointsPubKey)
		if err != nil {
			return err
		}
		b, err := bundle.OpenDate(viper.GetString("output.dir"), args[0])
		if err != nil {
			return err
		}
		env, err := b.Signature()
		if err != nil {
			return err
		}
		cp, err := checkpoint.VerifySignature(env, pub)
		if err != nil {
			return err
		}
		if cp.CheckpointHash != b.Checkpoint.CheckpointHash {
			return fmt.Errorf("%w: signed checkpoint %s does not match %s", checkpoint.ErrSignatureInvalid,
				cp.CheckpointHash, filepath.Join(b.Dir, bundle.CheckpointFile))
		}
		fmt.Printf("Signature OK: checkpoint %s\n", cp.CheckpointHash)
		return nil
	},
}

func init() {
	checkpointsVerifySigCmd.Flags().StringVar(&checkpointsPubKey, "key", "",
		"Ed25519 public key (PEM PKIX) or the signing key itself")
	_ = checkpointsVerifySigCmd.MarkFlagRequired("key")
}
