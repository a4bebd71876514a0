// Package remote looks up manifests that have already been published for a
// (profile, date) pair.
//
// Stores come in two flavours. Every store implements Lookup. Stores whose
// backend offers an atomic insert-if-absent (PostgreSQL, Redis, memory) also
// implement Claimer, which the publisher uses to close the window between
// the guard's read and the publish write. The HTTP static-site and directory
// stores cannot do that; a concurrent publisher is caught afterwards by
// re-running the guard.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmerrifield20/ledgerpublisher/internal/manifest"
)

// ErrNotFound is returned when nothing has been published for the date.
var ErrNotFound = errors.New("no published manifest")

// maxManifestBytes bounds how much of a remote manifest is read.
const maxManifestBytes = 1 << 20

// Published is a manifest found at the remote.
type Published struct {
	// Hash is the hex SHA-256 of Body.
	Hash string
	// Body is the raw manifest.json bytes.
	Body []byte
	// Manifest is Body decoded, or nil when Body is not a valid manifest.
	Manifest *manifest.Manifest
}

// NewPublished wraps raw manifest bytes.
func NewPublished(body []byte) *Published {
	p := &Published{Hash: manifest.HashBytes(body), Body: body}
	if m, err := manifest.Parse(body); err == nil {
		p.Manifest = m
	}
	return p
}

// Lookup finds the manifest already published for a date.
type Lookup interface {
	// Lookup returns ErrNotFound when nothing is published for the date.
	Lookup(ctx context.Context, profileID, date string) (*Published, error)
}

// Claimer atomically records a manifest for a date unless one is already
// there.
type Claimer interface {
	Lookup
	// Claim stores body for (profileID, date) if the slot is empty and
	// returns nil. If the slot is taken it stores nothing and returns the
	// existing publication.
	Claim(ctx context.Context, profileID, date string, body []byte) (*Published, error)
}

func key(profileID, date string) string {
	return fmt.Sprintf("%s/%s", profileID, date)
}
