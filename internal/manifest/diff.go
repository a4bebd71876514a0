package manifest

import (
	"fmt"
	"strconv"
)

// FieldDiff is one field that differs between two manifests.
type FieldDiff struct {
	Field  string `json:"field"`
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

func (d FieldDiff) String() string {
	return fmt.Sprintf("%s: local=%q remote=%q", d.Field, d.Local, d.Remote)
}

// Diff lists the fields of local and remote that differ. The most
// diagnostic fields (root, count, fingerprint) come first.
func Diff(local, remote *Manifest) []FieldDiff {
	var out []FieldDiff
	add := func(field, l, r string) {
		if l != r {
			out = append(out, FieldDiff{Field: field, Local: l, Remote: r})
		}
	}

	add("merkle_root", local.MerkleRoot, remote.MerkleRoot)
	add("total_records", strconv.Itoa(local.TotalRecords), strconv.Itoa(remote.TotalRecords))
	add("records_fingerprint", local.RecordsFingerprint, remote.RecordsFingerprint)
	add("date", local.Date, remote.Date)
	add("profile_id", local.ProfileID, remote.ProfileID)
	add("profile_version", local.ProfileVersion, remote.ProfileVersion)
	add("previous_checkpoint_hash", local.PreviousCheckpointHash, remote.PreviousCheckpointHash)
	add("version", local.Version, remote.Version)
	add("hash", local.HashAlgorithm, remote.HashAlgorithm)
	add("merkle", local.Merkle, remote.Merkle)
	add("odd_node", local.OddNode, remote.OddNode)

	remoteFiles := make(map[string]FileEntry, len(remote.Files))
	for _, f := range remote.Files {
		remoteFiles[f.Path] = f
	}
	for _, lf := range local.Files {
		rf, ok := remoteFiles[lf.Path]
		if !ok {
			add("files["+lf.Path+"]", lf.SHA256, "")
			continue
		}
		add("files["+lf.Path+"]", lf.SHA256, rf.SHA256)
		delete(remoteFiles, lf.Path)
	}
	for _, rf := range remote.Files {
		if _, ok := remoteFiles[rf.Path]; ok {
			add("files["+rf.Path+"]", "", rf.SHA256)
		}
	}
	return out
}
