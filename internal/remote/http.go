package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPStore reads manifests from a static site laid out as
// {base}/proofs/{date}/manifest.json.
type HTTPStore struct {
	baseURL string
	http    *http.Client
}

// NewHTTPStore creates an HTTPStore targeting baseURL.
func NewHTTPStore(baseURL string, timeout time.Duration) *HTTPStore {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Lookup implements Lookup. The site holds one profile, so profileID only
// appears in errors.
func (s *HTTPStore) Lookup(ctx context.Context, profileID, date string) (*Published, error) {
	u, err := url.JoinPath(s.baseURL, "proofs", date, "manifest.json")
	if err != nil {
		return nil, fmt.Errorf("build manifest URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build manifest request: %w", err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest request to %s: %w", s.baseURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key(profileID, date))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote site returned status %d for %s", resp.StatusCode, date)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("read manifest response: %w", err)
	}
	return NewPublished(body), nil
}
