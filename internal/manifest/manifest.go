// Package manifest assembles the canonical, hashable description of one
// day's proof bundle: the Merkle root, record count, profile and file
// inventory, optionally linked to the previous day's checkpoint.
//
// Manifests contain no timestamps or other build-time state, so two builds
// over the same records and profile produce byte-identical canonical
// encodings and therefore the same manifest hash.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmerrifield20/ledgerpublisher/internal/canonical"
	"github.com/jmerrifield20/ledgerpublisher/internal/merkle"
)

// Version is the manifest format version.
const Version = "1"

// DateLayout is the bundle date format.
const DateLayout = "2006-01-02"

var (
	// ErrIncompleteMetadata matches every *IncompleteMetadataError.
	ErrIncompleteMetadata = errors.New("incomplete manifest metadata")
	// ErrInvalidField is wrapped when a field is present but malformed.
	ErrInvalidField = errors.New("invalid manifest field")
)

// IncompleteMetadataError lists every required field that was absent.
type IncompleteMetadataError struct {
	Missing []string
}

func (e *IncompleteMetadataError) Error() string {
	return fmt.Sprintf("%s: missing %s", ErrIncompleteMetadata, strings.Join(e.Missing, ", "))
}

// Is lets errors.Is(err, ErrIncompleteMetadata) match.
func (e *IncompleteMetadataError) Is(target error) bool {
	return target == ErrIncompleteMetadata
}

// FileEntry fingerprints one file of the bundle.
type FileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest is the content of manifest.json.
type Manifest struct {
	Version                string      `json:"version"`
	Date                   string      `json:"date"`
	ProfileID              string      `json:"profile_id"`
	ProfileVersion         string      `json:"profile_version,omitempty"`
	TotalRecords           int         `json:"total_records"`
	MerkleRoot             string      `json:"merkle_root"`
	HashAlgorithm          string      `json:"hash"`
	Merkle                 string      `json:"merkle"`
	OddNode                string      `json:"odd_node"`
	Files                  []FileEntry `json:"files"`
	RecordsFingerprint     string      `json:"records_fingerprint"`
	PreviousCheckpointHash string      `json:"previous_checkpoint_hash,omitempty"`
}

// Input carries everything Assemble binds into a manifest.
type Input struct {
	Date           string
	ProfileID      string
	ProfileVersion string
	MerkleRoot     []byte
	TotalRecords   int
	// Files is the bundle inventory. Order does not matter.
	Files []FileEntry
	// Fingerprint overrides the fingerprint computed from the record files
	// in Files.
	Fingerprint            string
	PreviousCheckpointHash string
}

// Assemble validates in and returns the manifest it describes. It does no
// I/O.
func Assemble(in Input) (*Manifest, error) {
	var missing []string
	if in.Date == "" {
		missing = append(missing, "date")
	}
	if in.ProfileID == "" {
		missing = append(missing, "profile_id")
	}
	if len(in.MerkleRoot) == 0 {
		missing = append(missing, "merkle_root")
	}
	if in.TotalRecords <= 0 {
		missing = append(missing, "total_records")
	}
	if len(missing) > 0 {
		return nil, &IncompleteMetadataError{Missing: missing}
	}

	if _, err := time.Parse(DateLayout, in.Date); err != nil {
		return nil, fmt.Errorf("%w: date %q: want YYYY-MM-DD", ErrInvalidField, in.Date)
	}
	if len(in.MerkleRoot) != sha256.Size {
		return nil, fmt.Errorf("%w: merkle_root is %d bytes, want %d", ErrInvalidField, len(in.MerkleRoot), sha256.Size)
	}
	if in.PreviousCheckpointHash != "" && !isHexDigest(in.PreviousCheckpointHash) {
		return nil, fmt.Errorf("%w: previous_checkpoint_hash %q", ErrInvalidField, in.PreviousCheckpointHash)
	}

	files := make([]FileEntry, len(in.Files))
	copy(files, in.Files)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	fingerprint := in.Fingerprint
	if fingerprint == "" {
		fingerprint = Fingerprint(RecordFiles(files))
	}
	if !isHexDigest(fingerprint) {
		return nil, fmt.Errorf("%w: records_fingerprint %q", ErrInvalidField, fingerprint)
	}

	return &Manifest{
		Version:                Version,
		Date:                   in.Date,
		ProfileID:              in.ProfileID,
		ProfileVersion:         in.ProfileVersion,
		TotalRecords:           in.TotalRecords,
		MerkleRoot:             hex.EncodeToString(in.MerkleRoot),
		HashAlgorithm:          merkle.HashName,
		Merkle:                 merkle.TreeKind,
		OddNode:                merkle.OddNodeRule,
		Files:                  files,
		RecordsFingerprint:     fingerprint,
		PreviousCheckpointHash: in.PreviousCheckpointHash,
	}, nil
}

// Canonical returns the canonical JSON encoding. manifest.json on disk is
// exactly these bytes.
func (m *Manifest) Canonical() ([]byte, error) {
	return canonical.Marshal(m)
}

// Hash returns the hex SHA-256 of the canonical encoding.
func (m *Manifest) Hash() (string, error) {
	b, err := m.Canonical()
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the hex SHA-256 of raw manifest bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Parse decodes a manifest.json document.
func Parse(b []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// RecordFiles filters files down to the record files (records-*.jsonl).
func RecordFiles(files []FileEntry) []FileEntry {
	var out []FileEntry
	for _, f := range files {
		if strings.HasPrefix(f.Path, "records-") && strings.HasSuffix(f.Path, ".jsonl") {
			out = append(out, f)
		}
	}
	return out
}

// Fingerprint hashes the sha256sum-style listing ("<sha256>  <path>\n") of
// files sorted by path.
func Fingerprint(files []FileEntry) string {
	sorted := make([]FileEntry, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	for _, f := range sorted {
		fmt.Fprintf(h, "%s  %s\n", f.SHA256, f.Path)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func isHexDigest(s string) bool {
	if len(s) != 2*sha256.Size {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
