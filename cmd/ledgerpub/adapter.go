package main

import (
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"time"

	"github.com/jmerrifield20/ledgerpublisher/internal/adapter/payments"
	"github.com/spf13/cobra"
)

// ── adapter ──────────────────────────────────────────────────────────────────

var adapterCmd = &cobra.Command{
	Use:   "adapter",
	Short: "Convert source data into records for the payments profile",
}

var adapterOutput string

func init() {
	adapterCmd.PersistentFlags().StringVarP(&adapterOutput, "output", "o", "-", "Output JSONL file (- for stdout)")
	adapterCmd.AddCommand(adapterExportCmd)
	adapterCmd.AddCommand(adapterSampleCmd)
}

// openOutput returns the writer for --output and a function that closes it.
func openOutput() (io.Writer, func() error, error) {
	if adapterOutput == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(adapterOutput)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, f.Close, nil
}

var adapterExportCmd = &cobra.Command{
	Use:   "export <payments.csv>",
	Short: "Convert a payments CSV export to JSONL records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer in.Close() //nolint:errcheck

		w, closeOut, err := openOutput()
		if err != nil {
			return err
		}
		n, err := payments.ExportCSV(in, w)
		if cerr := closeOut(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "exported %d records\n", n)
		return nil
	},
}

var (
	sampleCount int
	sampleDate  string
	sampleSeed  uint64
)

var adapterSampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Write synthetic payment records for testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		day := time.Now().UTC()
		if sampleDate != "" {
			d, err := time.Parse(time.DateOnly, sampleDate)
			if err != nil {
				return fmt.Errorf("--date: %w", err)
			}
			day = d
		}
		seed := sampleSeed
		if !cmd.Flags().Changed("seed") {
			seed = uint64(time.Now().UnixNano())
		}

		w, closeOut, err := openOutput()
		if err != nil {
			return err
		}
		err = payments.Sample(w, sampleCount, day, rand.New(rand.NewPCG(seed, seed)))
		if cerr := closeOut(); err == nil {
			err = cerr
		}
		return err
	},
}

func init() {
	adapterSampleCmd.Flags().IntVarP(&sampleCount, "count", "n", 100, "Number of records")
	adapterSampleCmd.Flags().StringVar(&sampleDate, "date", "", "Record date (YYYY-MM-DD, default today)")
	adapterSampleCmd.Flags().Uint64Var(&sampleSeed, "seed", 0, "Random seed for reproducible output")
}
