package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// FileEntryFor hashes the file at path and records it under the
// bundle-relative name rel.
func FileEntryFor(path, rel string) (FileEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileEntry{}, fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return FileEntry{}, fmt.Errorf("hash %s: %w", rel, err)
	}
	return FileEntry{Path: rel, SHA256: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}
