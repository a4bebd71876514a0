package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DirStore reads manifests from a local copy of the published site,
// {root}/proofs/{date}/manifest.json.
type DirStore struct {
	root string
}

// NewDirStore creates a DirStore rooted at root.
func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

// Path returns where the manifest for date lives.
func (s *DirStore) Path(date string) string {
	return filepath.Join(s.root, "proofs", date, "manifest.json")
}

// Lookup implements Lookup.
func (s *DirStore) Lookup(ctx context.Context, profileID, date string) (*Published, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path(date))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key(profileID, date))
	}
	if err != nil {
		return nil, fmt.Errorf("open published manifest: %w", err)
	}
	defer f.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(f, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("read published manifest: %w", err)
	}
	return NewPublished(body), nil
}
