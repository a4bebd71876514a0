package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/jmerrifield20/ledgerpublisher/internal/checkpoint"
	"github.com/jmerrifield20/ledgerpublisher/internal/manifest"
	"github.com/jmerrifield20/ledgerpublisher/internal/merkle"
	"github.com/jmerrifield20/ledgerpublisher/internal/record"
	"github.com/jmerrifield20/ledgerpublisher/pkg/proof"
)

// ErrAuditFailed matches every *AuditError.
var ErrAuditFailed = errors.New("bundle audit failed")

// AuditError lists every problem an audit found.
type AuditError struct {
	Dir      string
	Problems []string
}

func (e *AuditError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrAuditFailed, e.Dir, strings.Join(e.Problems, "; "))
}

// Is lets errors.Is(err, ErrAuditFailed) match.
func (e *AuditError) Is(target error) bool {
	return target == ErrAuditFailed
}

// Bundle is a bundle directory loaded for reading.
type Bundle struct {
	Dir           string
	Manifest      *manifest.Manifest
	ManifestBytes []byte
	Checkpoint    *checkpoint.Checkpoint
	Index         *proof.Index
}

// Open loads the manifest, checkpoint and proof index of the bundle at dir.
func Open(dir string) (*Bundle, error) {
	mb, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := manifest.Parse(mb)
	if err != nil {
		return nil, err
	}

	cb, err := os.ReadFile(filepath.Join(dir, CheckpointFile))
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	cp, err := checkpoint.Parse(cb)
	if err != nil {
		return nil, err
	}

	ib, err := os.ReadFile(filepath.Join(dir, ProofIndexFile))
	if err != nil {
		return nil, fmt.Errorf("read proof index: %w", err)
	}
	var idx proof.Index
	if err := json.Unmarshal(ib, &idx); err != nil {
		return nil, fmt.Errorf("parse proof index: %w", err)
	}

	return &Bundle{Dir: dir, Manifest: m, ManifestBytes: mb, Checkpoint: cp, Index: &idx}, nil
}

// OpenDate opens the bundle for date under outputDir.
func OpenDate(outputDir, date string) (*Bundle, error) {
	if err := ValidateDate(date); err != nil {
		return nil, err
	}
	return Open(Dir(outputDir, date))
}

// ManifestHash returns the hex SHA-256 of manifest.json as stored.
func (b *Bundle) ManifestHash() string {
	return manifest.HashBytes(b.ManifestBytes)
}

// Proof reads proofs/<i>.json.
func (b *Bundle) Proof(i int) (*proof.Proof, error) {
	if i < 0 || i >= b.Manifest.TotalRecords {
		return nil, &merkle.IndexOutOfRangeError{Index: i, Size: b.Manifest.TotalRecords}
	}
	f, err := os.Open(filepath.Join(b.Dir, filepath.FromSlash(proof.FileName(i))))
	if err != nil {
		return nil, fmt.Errorf("open proof %d: %w", i, err)
	}
	defer f.Close() //nolint:errcheck
	return proof.Decode(f)
}

// Descriptor reads the bundle's profile.json.
func (b *Bundle) Descriptor() (record.Descriptor, error) {
	var d record.Descriptor
	raw, err := os.ReadFile(filepath.Join(b.Dir, ProfileFile))
	if err != nil {
		return d, fmt.Errorf("read %s: %w", ProfileFile, err)
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("parse %s: %w", ProfileFile, err)
	}
	return d, nil
}

// LoadProfile loads the profile the bundle names from profileDir, falling
// back to the built-in profile of that id. Audit checks it against the
// bundle's profile.json.
func (b *Bundle) LoadProfile(profileDir string) (*record.Profile, error) {
	return record.LoadProfile(profileDir, b.Manifest.ProfileID)
}

// Signature returns checkpoint.cose, or nil when the bundle is unsigned.
func (b *Bundle) Signature() ([]byte, error) {
	sig, err := os.ReadFile(filepath.Join(b.Dir, SignatureFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return sig, err
}

// Records reads every record back from the records files in order.
func (b *Bundle) Records() ([]record.Record, error) {
	var out []record.Record
	for _, fe := range manifest.RecordFiles(b.Manifest.Files) {
		f, err := os.Open(filepath.Join(b.Dir, fe.Path))
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", fe.Path, err)
		}
		recs, err := record.ReadJSONL(f)
		f.Close() //nolint:errcheck
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fe.Path, err)
		}
		out = append(out, recs...)
	}
	return out, nil
}

// Audit recomputes everything the bundle claims and returns an *AuditError
// listing every mismatch. When profile is non-nil the records are also
// re-normalised and their leaf hashes compared with the proof index.
func (b *Bundle) Audit(ctx context.Context, profile *record.Profile) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	// ── Manifest ─────────────────────────────────────────────────────────
	if canon, err := b.Manifest.Canonical(); err != nil || !bytes.Equal(canon, b.ManifestBytes) {
		add("manifest.json is not in canonical form")
	}
	for _, fe := range b.Manifest.Files {
		got, err := manifest.FileEntryFor(filepath.Join(b.Dir, fe.Path), fe.Path)
		if err != nil {
			add("%s: %v", fe.Path, err)
			continue
		}
		if got.SHA256 != fe.SHA256 || got.Size != fe.Size {
			add("%s: sha256 %s, manifest says %s", fe.Path, got.SHA256, fe.SHA256)
		}
		if strings.HasSuffix(fe.Path, ".br") {
			if err := checkCompressed(b.Dir, fe.Path); err != nil {
				add("%s: %v", fe.Path, err)
			}
		}
	}
	if fp := manifest.Fingerprint(manifest.RecordFiles(b.Manifest.Files)); fp != b.Manifest.RecordsFingerprint {
		add("records_fingerprint %s, recomputed %s", b.Manifest.RecordsFingerprint, fp)
	}
	if rootTxt, err := os.ReadFile(filepath.Join(b.Dir, DailyRootFile)); err != nil {
		add("%s: %v", DailyRootFile, err)
	} else if strings.TrimSpace(string(rootTxt)) != b.Manifest.MerkleRoot {
		add("%s does not match merkle_root", DailyRootFile)
	}

	// ── Checkpoint ───────────────────────────────────────────────────────
	if err := b.Checkpoint.VerifyHash(); err != nil {
		add("%v", err)
	}
	if b.Checkpoint.ManifestSHA256 != b.ManifestHash() {
		add("checkpoint manifest_sha256 %s, manifest.json hashes to %s", b.Checkpoint.ManifestSHA256, b.ManifestHash())
	}
	if want, err := checkpoint.New(b.Manifest); err == nil && want.CheckpointHash != b.Checkpoint.CheckpointHash {
		add("checkpoint does not match manifest")
	}

	// ── Tree and proofs ──────────────────────────────────────────────────
	if b.Index.TotalRecords != b.Manifest.TotalRecords || len(b.Index.Proofs) != b.Manifest.TotalRecords {
		add("proof index lists %d records, manifest says %d", len(b.Index.Proofs), b.Manifest.TotalRecords)
	}
	leaves := make([][]byte, len(b.Index.Proofs))
	for i, e := range b.Index.Proofs {
		leaves[i] = e.LeafHash
	}
	var root []byte
	tree, err := merkle.Build(leaves)
	if err != nil {
		add("rebuild tree: %v", err)
	} else {
		root = tree.Root()
		if proof.Digest(root).String() != b.Manifest.MerkleRoot {
			add("proof index leaves hash to %x, manifest says %s", root, b.Manifest.MerkleRoot)
		}
	}

	if tree != nil {
		for i := range b.Index.Proofs {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := b.Proof(i)
			if err != nil {
				add("proof %d: %v", i, err)
				continue
			}
			if p.LeafIndex != i {
				add("proof %d: leaf_index is %d", i, p.LeafIndex)
				continue
			}
			if !bytes.Equal(p.LeafHash, b.Index.Proofs[i].LeafHash) {
				add("proof %d: leaf hash differs from proof index", i)
				continue
			}
			if !p.VerifyAgainst(root) {
				reason := "does not verify"
				if d := tree.Diagnose(p); d != nil {
					reason = d.String()
				}
				add("proof %d: %s", i, reason)
			}
		}
	}

	if profile != nil {
		b.auditRecords(profile, add)
	}

	if len(problems) > 0 {
		return &AuditError{Dir: b.Dir, Problems: problems}
	}
	return nil
}

func (b *Bundle) auditRecords(profile *record.Profile, add func(string, ...any)) {
	if profile.ProfileID != b.Manifest.ProfileID {
		add("profile %q does not match bundle profile %q", profile.ProfileID, b.Manifest.ProfileID)
		return
	}
	desc, err := b.Descriptor()
	if err != nil {
		add("%v", err)
		return
	}
	got, err := profile.Hash()
	if err != nil {
		add("hash profile %s: %v", profile.ProfileID, err)
		return
	}
	if got != desc.ProfileSHA256 {
		add("%s records profile_sha256 %s, profile %s %s hashes to %s",
			ProfileFile, desc.ProfileSHA256, profile.ProfileID, profile.ProfileVersion, got)
		return
	}
	recs, err := b.Records()
	if err != nil {
		add("read records: %v", err)
		return
	}
	prepared, err := profile.Prepare(recs)
	if err != nil {
		add("prepare records: %v", err)
		return
	}
	if len(prepared) != len(b.Index.Proofs) {
		add("records files hold %d records, proof index %d", len(prepared), len(b.Index.Proofs))
		return
	}
	for i, p := range prepared {
		if !bytes.Equal(p.LeafHash, b.Index.Proofs[i].LeafHash) {
			add("record %d: leaf hash differs from proof index", i)
		}
	}
}

// checkCompressed verifies a .br copy decompresses to its records file.
func checkCompressed(dir, rel string) error {
	z, err := os.ReadFile(filepath.Join(dir, rel))
	if err != nil {
		return err
	}
	plain, err := os.ReadFile(filepath.Join(dir, strings.TrimSuffix(rel, ".br")))
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if _, err := out.ReadFrom(brotli.NewReader(bytes.NewReader(z))); err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	if !bytes.Equal(out.Bytes(), plain) {
		return errors.New("decompressed copy differs from records file")
	}
	return nil
}
