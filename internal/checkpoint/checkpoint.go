// Package checkpoint implements the dated, hash-linked history of published
// bundles.
//
// Each checkpoint binds one day's manifest hash and Merkle root to the hash
// of the previous day's checkpoint. The first checkpoint links to
// GenesisHash (64 hex zeros). The chain is append-only: entries are never
// edited or removed, and Verify detects any break in the links.
//
// Two implementations of the Chain interface are provided:
//   - MemoryChain: in-process, for tests and one-shot CLI runs.
//   - PostgresChain: durable, shared by every publisher of a profile.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmerrifield20/ledgerpublisher/internal/canonical"
	"github.com/jmerrifield20/ledgerpublisher/internal/manifest"
)

// GenesisHash is the predecessor of the first checkpoint in every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Version is the checkpoint format version.
const Version = "1"

var (
	ErrNotFound      = errors.New("checkpoint not found")
	ErrInvalidHash   = errors.New("checkpoint hash does not match its content")
	ErrBrokenLink    = errors.New("checkpoint does not link to its predecessor")
	ErrDateConflict  = errors.New("a different checkpoint already exists for this date")
	ErrDateOrder     = errors.New("checkpoint date is not after its predecessor")
	ErrProfileMixing = errors.New("checkpoint belongs to a different profile")
)

// Checkpoint is the content of checkpoint.json.
type Checkpoint struct {
	Version                string `json:"version"`
	Date                   string `json:"date"`
	ProfileID              string `json:"profile_id"`
	TotalRecords           int    `json:"total_records"`
	MerkleRoot             string `json:"merkle_root"`
	RecordsFingerprint     string `json:"records_fingerprint"`
	ManifestSHA256         string `json:"manifest_sha256"`
	PreviousCheckpointHash string `json:"previous_checkpoint_hash"`
	CheckpointHash         string `json:"checkpoint_hash,omitempty"`
}

// New derives the checkpoint for m. A manifest without a previous
// checkpoint hash starts a chain at GenesisHash.
func New(m *manifest.Manifest) (*Checkpoint, error) {
	mh, err := m.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash manifest: %w", err)
	}
	prev := m.PreviousCheckpointHash
	if prev == "" {
		prev = GenesisHash
	}
	c := &Checkpoint{
		Version:                Version,
		Date:                   m.Date,
		ProfileID:              m.ProfileID,
		TotalRecords:           m.TotalRecords,
		MerkleRoot:             m.MerkleRoot,
		RecordsFingerprint:     m.RecordsFingerprint,
		ManifestSHA256:         mh,
		PreviousCheckpointHash: prev,
	}
	c.CheckpointHash, err = c.ComputeHash()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ComputeHash returns the SHA-256 of the canonical encoding of every field
// except CheckpointHash.
func (c *Checkpoint) ComputeHash() (string, error) {
	body := *c
	body.CheckpointHash = ""
	b, err := canonical.Marshal(&body)
	if err != nil {
		return "", fmt.Errorf("canonicalise checkpoint: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Canonical returns the canonical encoding including CheckpointHash. This is
// what checkpoint.json contains and what a signature covers.
func (c *Checkpoint) Canonical() ([]byte, error) {
	return canonical.Marshal(c)
}

// VerifyHash checks that CheckpointHash matches the content.
func (c *Checkpoint) VerifyHash() error {
	want, err := c.ComputeHash()
	if err != nil {
		return err
	}
	if c.CheckpointHash != want {
		return fmt.Errorf("%w: %s", ErrInvalidHash, c.Date)
	}
	return nil
}

// Follows checks that c is a valid successor of prev. A nil prev means c
// must be the first checkpoint.
func (c *Checkpoint) Follows(prev *Checkpoint) error {
	if prev == nil {
		if c.PreviousCheckpointHash != GenesisHash {
			return fmt.Errorf("%w: first checkpoint %s must link to genesis", ErrBrokenLink, c.Date)
		}
		return nil
	}
	if c.PreviousCheckpointHash != prev.CheckpointHash {
		return fmt.Errorf("%w: %s -> %s", ErrBrokenLink, c.Date, prev.Date)
	}
	if c.Date <= prev.Date {
		return fmt.Errorf("%w: %s after %s", ErrDateOrder, c.Date, prev.Date)
	}
	if c.ProfileID != prev.ProfileID {
		return fmt.Errorf("%w: %q after %q", ErrProfileMixing, c.ProfileID, prev.ProfileID)
	}
	return nil
}

// Parse decodes a checkpoint.json document.
func Parse(b []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &c, nil
}

// VerifyChain walks cps in order and checks every hash and link. The first
// element must link to GenesisHash.
func VerifyChain(cps []*Checkpoint) error {
	var prev *Checkpoint
	for _, c := range cps {
		if err := c.VerifyHash(); err != nil {
			return err
		}
		if err := c.Follows(prev); err != nil {
			return err
		}
		prev = c
	}
	return nil
}
