// Package record turns raw domain records into the canonical bytes and leaf
// hashes a bundle is built over.
//
// A Profile names the required fields, the normaliser applied to each field,
// the fields (in order) that make up the canonical line and the sort order.
// Profiles are loaded from <profile_dir>/<id>/profile.json; the
// domain-onchain-payments profile is also built in.
package record

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jmerrifield20/ledgerpublisher/internal/canonical"
	"github.com/jmerrifield20/ledgerpublisher/internal/manifest"
)

// SortCanonicalBytes is the sort key that orders by the canonical line.
const SortCanonicalBytes = "canonical_bytes"

// DefaultProfileID is the built-in payments profile.
const DefaultProfileID = "domain-onchain-payments"

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrInvalidProfile  = errors.New("invalid profile")
)

//go:embed profiles/*.json
var builtin embed.FS

// Profile describes how records of one kind are normalised and ordered.
type Profile struct {
	ProfileID       string            `json:"profile_id"`
	ProfileVersion  string            `json:"profile_version"`
	Description     string            `json:"description,omitempty"`
	RequiredFields  []string          `json:"required_fields"`
	Normalizers     map[string]string `json:"normalizers"`
	CanonicalFields []string          `json:"canonical_fields"`
	Separator       string            `json:"canonical_record_separator,omitempty"`
	LineEnding      string            `json:"canonical_line_ending,omitempty"`
	SortKeys        []string          `json:"sort_keys"`

	fns map[string]Normalizer
}

// ParseProfile decodes and validates a profile document. Unset separator and
// line ending default to "|" and "\n".
func ParseProfile(b []byte) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if p.Separator == "" {
		p.Separator = "|"
	}
	if p.LineEnding == "" {
		p.LineEnding = "\n"
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) compile() error {
	if p.ProfileID == "" {
		return fmt.Errorf("%w: profile_id is required", ErrInvalidProfile)
	}
	if len(p.CanonicalFields) == 0 {
		return fmt.Errorf("%w: %s: canonical_fields is empty", ErrInvalidProfile, p.ProfileID)
	}
	p.fns = make(map[string]Normalizer, len(p.Normalizers))
	for field, name := range p.Normalizers {
		fn, err := LookupNormalizer(name)
		if err != nil {
			return fmt.Errorf("%w: %s: field %q: %v", ErrInvalidProfile, p.ProfileID, field, err)
		}
		p.fns[field] = fn
	}
	return nil
}

// LoadProfile reads <dir>/<id>/profile.json. When dir is empty or holds no
// such file, the built-in profile of that id is used.
func LoadProfile(dir, id string) (*Profile, error) {
	if dir != "" {
		b, err := os.ReadFile(filepath.Join(dir, id, "profile.json"))
		switch {
		case err == nil:
			return ParseProfile(b)
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("read profile %s: %w", id, err)
		}
	}
	return Builtin(id)
}

// Builtin returns an embedded profile.
func Builtin(id string) (*Profile, error) {
	b, err := builtin.ReadFile("profiles/" + id + ".json")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	return ParseProfile(b)
}

// Hash returns the hex SHA-256 of the profile's canonical JSON encoding.
func (p *Profile) Hash() (string, error) {
	b, err := canonical.Marshal(p)
	if err != nil {
		return "", err
	}
	return manifest.HashBytes(b), nil
}

// Descriptor is the content of a bundle's profile.json.
type Descriptor struct {
	ProfileID      string `json:"profile_id"`
	ProfileVersion string `json:"profile_version"`
	ProfileSHA256  string `json:"profile_sha256"`
}

// Descriptor summarises p for a bundle.
func (p *Profile) Descriptor() (Descriptor, error) {
	h, err := p.Hash()
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{ProfileID: p.ProfileID, ProfileVersion: p.ProfileVersion, ProfileSHA256: h}, nil
}
