package guard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmerrifield20/ledgerpublisher/internal/manifest"
)

var (
	// ErrConflict matches every *TamperOrConflictError.
	ErrConflict = errors.New("published manifest differs from local manifest")
	// ErrLookupTimeout matches a *LookupError whose lookup hit its deadline.
	ErrLookupTimeout = errors.New("remote manifest lookup timed out")
	// ErrLookupFailed matches every other *LookupError.
	ErrLookupFailed = errors.New("remote manifest lookup failed")
)

// TamperOrConflictError reports that a different manifest is already
// published for the date.
type TamperOrConflictError struct {
	Date       string
	ProfileID  string
	LocalHash  string
	RemoteHash string
	// Fields lists what differs. When the remote body could not be decoded
	// it holds a single manifest_sha256 entry.
	Fields []manifest.FieldDiff
}

func (e *TamperOrConflictError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("%s: %s %s: %s", ErrConflict, e.ProfileID, e.Date, strings.Join(parts, "; "))
}

// Is lets errors.Is(err, ErrConflict) match.
func (e *TamperOrConflictError) Is(target error) bool {
	return target == ErrConflict
}

// LookupError reports an inconclusive remote lookup.
type LookupError struct {
	Date    string
	Timeout bool
	Err     error
}

func (e *LookupError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s for %s: %v", ErrLookupTimeout, e.Date, e.Err)
	}
	return fmt.Sprintf("%s for %s: %v", ErrLookupFailed, e.Date, e.Err)
}

// Is matches ErrLookupTimeout or ErrLookupFailed depending on Timeout.
func (e *LookupError) Is(target error) bool {
	if e.Timeout {
		return target == ErrLookupTimeout
	}
	return target == ErrLookupFailed
}

func (e *LookupError) Unwrap() error { return e.Err }
