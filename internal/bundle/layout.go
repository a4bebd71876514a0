// Package bundle writes, reads and audits the per-day proof bundle
// directory:
//
//	<output>/proofs/<date>/
//	    records-000.jsonl ...   canonical JSON, one record per line
//	    records-000.jsonl.br    optional brotli copies
//	    daily_root.txt
//	    core_spec.json
//	    profile.json
//	    manifest.json
//	    checkpoint.json
//	    checkpoint.cose         optional COSE_Sign1 over checkpoint.json
//	    proof_index.json
//	    proofs/<i>.json
//
// Bundles are built in a hidden sibling directory and renamed into place
// once complete, so readers never see a partial bundle.
package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmerrifield20/ledgerpublisher/internal/checkpoint"
	"github.com/jmerrifield20/ledgerpublisher/internal/manifest"
	"github.com/jmerrifield20/ledgerpublisher/internal/merkle"
)

// RecordsPerFile caps the number of records in one records-NNN.jsonl file.
const RecordsPerFile = 10000

const (
	DailyRootFile  = "daily_root.txt"
	CoreSpecFile   = "core_spec.json"
	ProfileFile    = "profile.json"
	ManifestFile   = "manifest.json"
	CheckpointFile = "checkpoint.json"
	SignatureFile  = "checkpoint.cose"
	ProofIndexFile = "proof_index.json"
	ProofsDir      = "proofs"
)

// CoreSpecVersion identifies the hashing rules in core_spec.json.
const CoreSpecVersion = "2.0.0"

var (
	// ErrBundleExists is returned when a different bundle is already on disk
	// for the date.
	ErrBundleExists = errors.New("a different bundle already exists for this date")
	// ErrInvalidDate is returned for a date not in YYYY-MM-DD form.
	ErrInvalidDate = errors.New("invalid bundle date")
)

// CoreSpec is the content of core_spec.json: the rules a verifier needs to
// recompute the root.
type CoreSpec struct {
	CoreSpecVersion          string `json:"core_spec_version"`
	Hash                     string `json:"hash"`
	Merkle                   string `json:"merkle"`
	OddNode                  string `json:"odd_node"`
	Hex                      string `json:"hex"`
	Encoding                 string `json:"encoding"`
	CanonicalLineEnding      string `json:"canonical_line_ending"`
	CanonicalRecordSeparator string `json:"canonical_record_separator"`
}

func coreSpec(separator, lineEnding string) CoreSpec {
	return CoreSpec{
		CoreSpecVersion:          CoreSpecVersion,
		Hash:                     merkle.HashName,
		Merkle:                   merkle.TreeKind,
		OddNode:                  merkle.OddNodeRule,
		Hex:                      "lowercase",
		Encoding:                 "utf-8",
		CanonicalLineEnding:      lineEnding,
		CanonicalRecordSeparator: separator,
	}
}

// Root returns the directory holding every bundle under outputDir.
func Root(outputDir string) string {
	return filepath.Join(outputDir, ProofsDir)
}

// Dir returns the bundle directory for date.
func Dir(outputDir, date string) string {
	return filepath.Join(Root(outputDir), date)
}

// RecordsFileName returns the name of the n-th records file.
func RecordsFileName(n int) string {
	return fmt.Sprintf("records-%03d.jsonl", n)
}

// ValidateDate checks date is a real YYYY-MM-DD calendar date.
func ValidateDate(date string) error {
	if _, err := time.Parse(manifest.DateLayout, date); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	return nil
}

// Dates lists the published bundle dates under outputDir in ascending
// order. Temporary build directories are skipped.
func Dates(outputDir string) ([]string, error) {
	entries, err := os.ReadDir(Root(outputDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list bundles: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if ValidateDate(e.Name()) != nil {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// LatestCheckpoint returns the checkpoint of the newest bundle dated before
// date, or nil when there is none.
func LatestCheckpoint(outputDir, before string) (*checkpoint.Checkpoint, error) {
	dates, err := Dates(outputDir)
	if err != nil {
		return nil, err
	}
	for i := len(dates) - 1; i >= 0; i-- {
		if dates[i] >= before {
			continue
		}
		b, err := os.ReadFile(filepath.Join(Dir(outputDir, dates[i]), CheckpointFile))
		if err != nil {
			return nil, fmt.Errorf("read checkpoint %s: %w", dates[i], err)
		}
		cp, err := checkpoint.Parse(b)
		if err != nil {
			return nil, err
		}
		if err := cp.VerifyHash(); err != nil {
			return nil, err
		}
		return cp, nil
	}
	return nil, nil
}
