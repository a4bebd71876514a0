package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jmerrifield20/ledgerpublisher/internal/bundle"
	"github.com/jmerrifield20/ledgerpublisher/internal/checkpoint"
	"github.com/jmerrifield20/ledgerpublisher/internal/record"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ── build ────────────────────────────────────────────────────────────────────

var (
	buildInput   string
	buildDate    string
	buildProfile string
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the proof bundle for one day",
	Long: `Build reads JSONL records, normalises them with the configured profile,
builds the Merkle tree and writes the bundle to <output.dir>/proofs/<date>/.

The manifest is chained to the newest earlier bundle in the output
directory. Rebuilding an existing day with identical input is a no-op;
different input for an existing day is refused.

  ledgerpub build --input records.jsonl --date 2026-01-17`,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVarP(&buildInput, "input", "i", "", "JSONL records file (- for stdin)")
	buildCmd.Flags().StringVarP(&buildDate, "date", "d", "", "Bundle date (YYYY-MM-DD)")
	buildCmd.Flags().StringVar(&buildProfile, "profile", "", "Record profile ID (default profile.id)")
	buildCmd.Flags().Bool("compress", false, "Also write brotli copies of the record files")
	buildCmd.Flags().Int("workers", 0, "Hashing workers (0 = one per CPU)")
	_ = buildCmd.MarkFlagRequired("input")
	_ = buildCmd.MarkFlagRequired("date")
	_ = viper.BindPFlag("build.compress_records", buildCmd.Flags().Lookup("compress"))
	_ = viper.BindPFlag("build.workers", buildCmd.Flags().Lookup("workers"))
}

func runBuild(cmd *cobra.Command, args []string) error {
	if buildProfile != "" {
		viper.Set("profile.id", buildProfile)
	}
	profile, err := loadProfile()
	if err != nil {
		return err
	}

	records, err := readRecords(buildInput)
	if err != nil {
		return err
	}

	opts := []bundle.Option{
		bundle.WithWorkers(viper.GetInt("build.workers")),
		bundle.WithCompression(viper.GetBool("build.compress_records")),
	}
	if keyPath := viper.GetString("checkpoint.signing_key"); keyPath != "" {
		key, err := checkpoint.LoadSigningKey(keyPath)
		if err != nil {
			return err
		}
		signer, err := checkpoint.NewSigner(key)
		if err != nil {
			return err
		}
		opts = append(opts, bundle.WithSigner(signer))
	}

	b := bundle.NewBuilder(viper.GetString("output.dir"), logger, opts...)
	res, err := b.Build(context.Background(), bundle.Request{
		Date:    buildDate,
		Profile: profile,
		Records: records,
	})
	if errors.Is(err, bundle.ErrBundleExists) {
		logger.Error("refusing to overwrite bundle", zap.String("date", buildDate), zap.Error(err))
		return err
	}
	if err != nil {
		return fmt.Errorf("build %s: %w", buildDate, err)
	}

	fmt.Printf("Date:            %s\n", res.Manifest.Date)
	fmt.Printf("Records:         %d\n", res.Records)
	fmt.Printf("Merkle root:     %s\n", res.Manifest.MerkleRoot)
	fmt.Printf("Manifest SHA256: %s\n", res.ManifestHash)
	fmt.Printf("Checkpoint:      %s\n", res.Checkpoint.CheckpointHash)
	fmt.Printf("Directory:       %s\n", res.Dir)
	if res.Unchanged {
		fmt.Println("Bundle already present and identical; nothing written.")
	}
	return nil
}

func readRecords(path string) ([]record.Record, error) {
	if path == "-" {
		return record.ReadJSONL(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close() //nolint:errcheck
	return record.ReadJSONL(f)
}
