package manifest_test

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmerrifield20/ledgerpublisher/internal/manifest"
)

func root(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}

func validInput() manifest.Input {
	return manifest.Input{
		Date:           "2026-01-17",
		ProfileID:      "domain-onchain-payments",
		ProfileVersion: "1.0.0",
		MerkleRoot:     root("root"),
		TotalRecords:   42,
		Files: []manifest.FileEntry{
			{Path: "records-001.jsonl", SHA256: strings.Repeat("b", 64), Size: 20},
			{Path: "daily_root.txt", SHA256: strings.Repeat("c", 64), Size: 65},
			{Path: "records-000.jsonl", SHA256: strings.Repeat("a", 64), Size: 10},
		},
	}
}

func TestAssemble_deterministic(t *testing.T) {
	a, err := manifest.Assemble(validInput())
	if err != nil {
		t.Fatal(err)
	}
	in := validInput()
	// reversed inventory order must not matter
	in.Files[0], in.Files[2] = in.Files[2], in.Files[0]
	b, err := manifest.Assemble(in)
	if err != nil {
		t.Fatal(err)
	}

	ca, _ := a.Canonical()
	cb, _ := b.Canonical()
	if !bytes.Equal(ca, cb) {
		t.Errorf("canonical manifests differ:\n%s\n%s", ca, cb)
	}
	ha, _ := a.Hash()
	hb, _ := b.Hash()
	if ha != hb {
		t.Errorf("hashes differ: %s vs %s", ha, hb)
	}
	if ha != manifest.HashBytes(ca) {
		t.Error("Hash() should be SHA-256 of Canonical()")
	}
}

func TestAssemble_canonicalShape(t *testing.T) {
	m, err := manifest.Assemble(validInput())
	if err != nil {
		t.Fatal(err)
	}
	b, _ := m.Canonical()
	s := string(b)
	if strings.ContainsAny(s, " \n") {
		t.Errorf("canonical manifest contains whitespace: %s", s)
	}
	if !strings.HasPrefix(s, `{"date":"2026-01-17","files":[{"path":"daily_root.txt"`) {
		t.Errorf("keys or files not sorted: %s", s)
	}
	if strings.Contains(s, "previous_checkpoint_hash") {
		t.Error("absent previous checkpoint should be omitted")
	}
	if m.OddNode != "promote" || m.HashAlgorithm != "sha256" {
		t.Errorf("tree parameters not recorded: %+v", m)
	}
}

func TestAssemble_fingerprintCoversRecordFilesOnly(t *testing.T) {
	m, _ := manifest.Assemble(validInput())
	want := manifest.Fingerprint([]manifest.FileEntry{
		{Path: "records-000.jsonl", SHA256: strings.Repeat("a", 64)},
		{Path: "records-001.jsonl", SHA256: strings.Repeat("b", 64)},
	})
	if m.RecordsFingerprint != want {
		t.Errorf("fingerprint: got %s, want %s", m.RecordsFingerprint, want)
	}

	in := validInput()
	in.Files[1].SHA256 = strings.Repeat("d", 64) // daily_root.txt
	m2, _ := manifest.Assemble(in)
	if m2.RecordsFingerprint != m.RecordsFingerprint {
		t.Error("non-record file changed the records fingerprint")
	}
}

func TestAssemble_incompleteMetadata(t *testing.T) {
	_, err := manifest.Assemble(manifest.Input{})
	var inc *manifest.IncompleteMetadataError
	if !errors.As(err, &inc) {
		t.Fatalf("expected *IncompleteMetadataError, got %v", err)
	}
	if !errors.Is(err, manifest.ErrIncompleteMetadata) {
		t.Error("errors.Is(ErrIncompleteMetadata) should match")
	}
	want := []string{"date", "profile_id", "merkle_root", "total_records"}
	if strings.Join(inc.Missing, ",") != strings.Join(want, ",") {
		t.Errorf("missing: got %v, want %v", inc.Missing, want)
	}

	in := validInput()
	in.ProfileID = ""
	_, err = manifest.Assemble(in)
	if !errors.As(err, &inc) || len(inc.Missing) != 1 || inc.Missing[0] != "profile_id" {
		t.Errorf("expected only profile_id missing, got %v", err)
	}
}

func TestAssemble_invalidFields(t *testing.T) {
	cases := map[string]func(*manifest.Input){
		"bad date":     func(in *manifest.Input) { in.Date = "17/01/2026" },
		"short root":   func(in *manifest.Input) { in.MerkleRoot = []byte{1, 2, 3} },
		"bad previous": func(in *manifest.Input) { in.PreviousCheckpointHash = "xyz" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := validInput()
			mutate(&in)
			if _, err := manifest.Assemble(in); !errors.Is(err, manifest.ErrInvalidField) {
				t.Errorf("expected ErrInvalidField, got %v", err)
			}
		})
	}
}

func TestAssemble_previousCheckpointChangesHash(t *testing.T) {
	a, _ := manifest.Assemble(validInput())
	in := validInput()
	in.PreviousCheckpointHash = strings.Repeat("0", 64)
	b, err := manifest.Assemble(in)
	if err != nil {
		t.Fatal(err)
	}
	ha, _ := a.Hash()
	hb, _ := b.Hash()
	if ha == hb {
		t.Error("chaining to a previous checkpoint should change the manifest hash")
	}
}

func TestParse_roundTrip(t *testing.T) {
	m, _ := manifest.Assemble(validInput())
	b, _ := m.Canonical()
	parsed, err := manifest.Parse(b)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := parsed.Canonical()
	if !bytes.Equal(b, again) {
		t.Errorf("parse/canonical not stable:\n%s\n%s", b, again)
	}
}

func TestDiff(t *testing.T) {
	local, _ := manifest.Assemble(validInput())
	if d := manifest.Diff(local, local); len(d) != 0 {
		t.Errorf("identical manifests: expected no diff, got %v", d)
	}

	in := validInput()
	in.MerkleRoot = root("other")
	in.TotalRecords = 43
	in.Files[0].SHA256 = strings.Repeat("e", 64)
	remote, _ := manifest.Assemble(in)

	diff := manifest.Diff(local, remote)
	fields := map[string]bool{}
	for _, d := range diff {
		fields[d.Field] = true
	}
	for _, f := range []string{"merkle_root", "total_records", "records_fingerprint", "files[records-001.jsonl]"} {
		if !fields[f] {
			t.Errorf("expected %s in diff, got %v", f, diff)
		}
	}
	if diff[0].Field != "merkle_root" {
		t.Errorf("merkle_root should be reported first, got %s", diff[0].Field)
	}
}

func TestFileEntryFor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records-000.jsonl")
	content := []byte("{\"a\":1}\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	fe, err := manifest.FileEntryFor(path, "records-000.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	if fe.Size != int64(len(content)) {
		t.Errorf("size: got %d, want %d", fe.Size, len(content))
	}
	if fe.SHA256 != manifest.HashBytes(content) {
		t.Errorf("sha256 mismatch")
	}
}
