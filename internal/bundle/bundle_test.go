package bundle_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmerrifield20/ledgerpublisher/internal/bundle"
	"github.com/jmerrifield20/ledgerpublisher/internal/checkpoint"
	"github.com/jmerrifield20/ledgerpublisher/internal/manifest"
	"github.com/jmerrifield20/ledgerpublisher/internal/merkle"
	"github.com/jmerrifield20/ledgerpublisher/internal/record"
	"github.com/jmerrifield20/ledgerpublisher/pkg/proof"
	"go.uber.org/zap"
)

var ctx = context.Background()

func profile(t *testing.T) *record.Profile {
	t.Helper()
	p, err := record.Builtin(record.DefaultProfileID)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func records(n int) []record.Record {
	out := make([]record.Record, n)
	for i := range out {
		out[i] = record.Record{
			"domain":    "example.com",
			"chain":     "base",
			"txid":      fmt.Sprintf("0x%064x", i+1),
			"timestamp": fmt.Sprintf("2026-01-01T00:%02d:00Z", i%60),
			"currency":  "usd",
			"amount":    fmt.Sprintf("%d.00", i+1),
		}
	}
	return out
}

func build(t *testing.T, out, date string, n int, opts ...bundle.Option) *bundle.Result {
	t.Helper()
	b := bundle.NewBuilder(out, zap.NewNop(), opts...)
	res, err := b.Build(ctx, bundle.Request{Date: date, Profile: profile(t), Records: records(n)})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestBuild_layout(t *testing.T) {
	out := t.TempDir()
	res := build(t, out, "2026-01-01", 5)

	for _, name := range []string{
		"records-000.jsonl", bundle.DailyRootFile, bundle.CoreSpecFile, bundle.ProfileFile,
		bundle.ManifestFile, bundle.CheckpointFile, bundle.ProofIndexFile,
		"proofs/0.json", "proofs/4.json",
	} {
		if _, err := os.Stat(filepath.Join(res.Dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(res.Dir, bundle.SignatureFile)); !os.IsNotExist(err) {
		t.Errorf("unsigned build wrote %s", bundle.SignatureFile)
	}

	entries, _ := os.ReadDir(bundle.Root(out))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("temporary directory left behind: %s", e.Name())
		}
	}

	onDisk, _ := os.ReadFile(filepath.Join(res.Dir, bundle.ManifestFile))
	if manifest.HashBytes(onDisk) != res.ManifestHash {
		t.Errorf("manifest.json does not hash to the reported manifest hash")
	}
	if res.Checkpoint.PreviousCheckpointHash != checkpoint.GenesisHash {
		t.Errorf("first bundle should link to genesis")
	}
	if res.Manifest.OddNode != merkle.OddNodeRule {
		t.Errorf("odd_node: got %q", res.Manifest.OddNode)
	}
}

func TestBuild_proofsVerify(t *testing.T) {
	out := t.TempDir()
	res := build(t, out, "2026-01-01", 7)

	b, err := bundle.Open(res.Dir)
	if err != nil {
		t.Fatal(err)
	}
	root, err := proof.ParseDigest(b.Manifest.MerkleRoot)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 7; i++ {
		p, err := b.Proof(i)
		if err != nil {
			t.Fatal(err)
		}
		if !p.VerifyAgainst(root) {
			t.Errorf("proof %d does not verify against the manifest root", i)
		}
	}
	if _, err := b.Proof(7); !errors.Is(err, merkle.ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestBuild_deterministic(t *testing.T) {
	a := build(t, t.TempDir(), "2026-01-01", 12)
	b := build(t, t.TempDir(), "2026-01-01", 12)
	if a.ManifestHash != b.ManifestHash {
		t.Errorf("identical input produced different manifests: %s vs %s", a.ManifestHash, b.ManifestHash)
	}
	if a.BuildID == b.BuildID {
		t.Errorf("build IDs should be unique")
	}
}

func TestBuild_rebuildIdenticalIsNoop(t *testing.T) {
	out := t.TempDir()
	first := build(t, out, "2026-01-01", 3)
	second := build(t, out, "2026-01-01", 3)
	if !second.Unchanged {
		t.Errorf("rebuilding identical input should report Unchanged")
	}
	if second.ManifestHash != first.ManifestHash {
		t.Errorf("manifest hash changed on rebuild")
	}
}

func TestBuild_refusesDifferentContent(t *testing.T) {
	out := t.TempDir()
	build(t, out, "2026-01-01", 3)

	b := bundle.NewBuilder(out, zap.NewNop())
	_, err := b.Build(ctx, bundle.Request{Date: "2026-01-01", Profile: profile(t), Records: records(4)})
	if !errors.Is(err, bundle.ErrBundleExists) {
		t.Fatalf("expected ErrBundleExists, got %v", err)
	}
	if !strings.Contains(err.Error(), "total_records") {
		t.Errorf("error should name the differing fields: %v", err)
	}

	m, err := bundle.OpenDate(out, "2026-01-01")
	if err != nil {
		t.Fatal(err)
	}
	if m.Manifest.TotalRecords != 3 {
		t.Errorf("existing bundle was overwritten")
	}
}

func TestBuild_unreadableExistingManifest(t *testing.T) {
	out := t.TempDir()
	res := build(t, out, "2026-01-01", 3)
	path := filepath.Join(res.Dir, bundle.ManifestFile)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := bundle.NewBuilder(out, zap.NewNop())
	_, err := b.Build(ctx, bundle.Request{Date: "2026-01-01", Profile: profile(t), Records: records(3)})
	if !errors.Is(err, bundle.ErrBundleExists) || !strings.Contains(err.Error(), "unreadable") {
		t.Fatalf("expected ErrBundleExists naming the unreadable manifest, got %v", err)
	}
	if got, _ := os.ReadFile(path); string(got) != "{not json" {
		t.Error("existing manifest.json was replaced")
	}
}

func TestBuild_emptyInputWritesNothing(t *testing.T) {
	out := t.TempDir()
	b := bundle.NewBuilder(out, zap.NewNop())
	_, err := b.Build(ctx, bundle.Request{Date: "2026-01-01", Profile: profile(t)})
	if !errors.Is(err, merkle.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	dates, _ := bundle.Dates(out)
	if len(dates) != 0 {
		t.Errorf("failed build left bundles: %v", dates)
	}
}

func TestBuild_invalidDate(t *testing.T) {
	b := bundle.NewBuilder(t.TempDir(), zap.NewNop())
	_, err := b.Build(ctx, bundle.Request{Date: "2026-13-01", Profile: profile(t), Records: records(1)})
	if !errors.Is(err, bundle.ErrInvalidDate) {
		t.Errorf("expected ErrInvalidDate, got %v", err)
	}
}

func TestBuild_chainsToPreviousDay(t *testing.T) {
	out := t.TempDir()
	day1 := build(t, out, "2026-01-01", 2)
	day2 := build(t, out, "2026-01-02", 3)

	if day2.Manifest.PreviousCheckpointHash != day1.Checkpoint.CheckpointHash {
		t.Errorf("day 2 manifest does not link to day 1 checkpoint")
	}
	if err := checkpoint.VerifyChain([]*checkpoint.Checkpoint{day1.Checkpoint, day2.Checkpoint}); err != nil {
		t.Errorf("VerifyChain(): %v", err)
	}

	latest, err := bundle.LatestCheckpoint(out, "2026-01-03")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Date != "2026-01-02" {
		t.Errorf("LatestCheckpoint: got %s", latest.Date)
	}
	none, err := bundle.LatestCheckpoint(out, "2026-01-01")
	if err != nil || none != nil {
		t.Errorf("expected no checkpoint before the first day, got %v, %v", none, err)
	}
}

func TestBuild_compressionAndSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer, err := checkpoint.NewSigner(priv)
	if err != nil {
		t.Fatal(err)
	}
	out := t.TempDir()
	res := build(t, out, "2026-01-01", 4, bundle.WithCompression(true), bundle.WithSigner(signer), bundle.WithWorkers(2))

	found := false
	for _, f := range res.Manifest.Files {
		if f.Path == "records-000.jsonl.br" {
			found = true
		}
	}
	if !found {
		t.Errorf("compressed records file not listed in manifest")
	}

	b, err := bundle.Open(res.Dir)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := b.Signature()
	if err != nil || sig == nil {
		t.Fatalf("signature missing: %v", err)
	}
	cp, err := checkpoint.VerifySignature(sig, pub)
	if err != nil {
		t.Fatal(err)
	}
	if cp.CheckpointHash != res.Checkpoint.CheckpointHash {
		t.Errorf("signed checkpoint differs from checkpoint.json")
	}
	if err := b.Audit(ctx, profile(t)); err != nil {
		t.Errorf("Audit() on a fresh compressed bundle: %v", err)
	}
}

func TestAudit_cleanBundle(t *testing.T) {
	res := build(t, t.TempDir(), "2026-01-01", 9)
	b, err := bundle.Open(res.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Audit(ctx, profile(t)); err != nil {
		t.Errorf("Audit() on a fresh bundle: %v", err)
	}
}

func TestAudit_detectsModifiedRecordFile(t *testing.T) {
	res := build(t, t.TempDir(), "2026-01-01", 4)
	path := filepath.Join(res.Dir, "records-000.jsonl")
	data, _ := os.ReadFile(path)
	data = []byte(strings.Replace(string(data), "1.00", "9.00", 1))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := bundle.Open(res.Dir)
	if err != nil {
		t.Fatal(err)
	}
	err = b.Audit(ctx, profile(t))
	if !errors.Is(err, bundle.ErrAuditFailed) {
		t.Fatalf("expected ErrAuditFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "records-000.jsonl") {
		t.Errorf("audit should name the modified file: %v", err)
	}
}

func TestAudit_detectsTamperedProof(t *testing.T) {
	res := build(t, t.TempDir(), "2026-01-01", 4)
	path := filepath.Join(res.Dir, "proofs", "2.json")
	data, _ := os.ReadFile(path)
	data = []byte(strings.Replace(string(data), `"left"`, `"right"`, 1))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := bundle.Open(res.Dir)
	if err != nil {
		t.Fatal(err)
	}
	err = b.Audit(ctx, nil)
	if !errors.Is(err, bundle.ErrAuditFailed) || !strings.Contains(err.Error(), "proof 2") {
		t.Errorf("expected proof 2 to fail audit, got %v", err)
	}
}

func TestAudit_detectsSwappedProof(t *testing.T) {
	res := build(t, t.TempDir(), "2026-01-01", 5)
	four, err := os.ReadFile(filepath.Join(res.Dir, "proofs", "4.json"))
	if err != nil {
		t.Fatal(err)
	}
	three := filepath.Join(res.Dir, "proofs", "3.json")
	if err := os.WriteFile(three, four, 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := bundle.Open(res.Dir)
	if err != nil {
		t.Fatal(err)
	}
	err = b.Audit(ctx, nil)
	if !errors.Is(err, bundle.ErrAuditFailed) || !strings.Contains(err.Error(), "proof 3: leaf_index is 4") {
		t.Fatalf("expected proof 3 to fail audit, got %v", err)
	}

	// Relabelling the copied proof still leaves the wrong leaf hash.
	p, err := proof.Decode(bytes.NewReader(four))
	if err != nil {
		t.Fatal(err)
	}
	p.LeafIndex = 3
	relabelled, _ := json.Marshal(p)
	if err := os.WriteFile(three, relabelled, 0o644); err != nil {
		t.Fatal(err)
	}
	err = b.Audit(ctx, nil)
	if !errors.Is(err, bundle.ErrAuditFailed) || !strings.Contains(err.Error(), "proof 3: leaf hash differs") {
		t.Fatalf("expected relabelled proof 3 to fail audit, got %v", err)
	}
}

func TestAudit_withProfileNamedByBundle(t *testing.T) {
	res := build(t, t.TempDir(), "2026-01-01", 5)
	b, err := bundle.Open(res.Dir)
	if err != nil {
		t.Fatal(err)
	}

	desc, err := b.Descriptor()
	if err != nil {
		t.Fatal(err)
	}
	if desc.ProfileID != record.DefaultProfileID || desc.ProfileSHA256 == "" {
		t.Fatalf("descriptor: %+v", desc)
	}

	// An empty profile dir falls back to the built-in profile.
	p, err := b.LoadProfile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Audit(ctx, p); err != nil {
		t.Errorf("Audit() with the bundle's own profile: %v", err)
	}
}

func TestAudit_detectsProfileMismatch(t *testing.T) {
	res := build(t, t.TempDir(), "2026-01-01", 3)
	b, err := bundle.Open(res.Dir)
	if err != nil {
		t.Fatal(err)
	}

	changed := profile(t)
	changed.ProfileVersion = "9.9.9"
	raw, err := json.Marshal(changed)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, record.DefaultProfileID), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, record.DefaultProfileID, "profile.json"), raw, 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := b.LoadProfile(dir)
	if err != nil {
		t.Fatal(err)
	}
	err = b.Audit(ctx, p)
	if !errors.Is(err, bundle.ErrAuditFailed) || !strings.Contains(err.Error(), "profile_sha256") {
		t.Errorf("expected a profile_sha256 mismatch, got %v", err)
	}
}

func TestDates_skipsTemporaryDirs(t *testing.T) {
	out := t.TempDir()
	build(t, out, "2026-01-02", 1)
	build(t, out, "2026-01-01", 1)
	if err := os.MkdirAll(filepath.Join(bundle.Root(out), ".2026-01-03.tmp-x"), 0o755); err != nil {
		t.Fatal(err)
	}
	dates, err := bundle.Dates(out)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(dates, ",") != "2026-01-01,2026-01-02" {
		t.Errorf("Dates: got %v", dates)
	}
}
