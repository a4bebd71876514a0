package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/ledgerpublisher/pkg/proof"
)

// ErrNotFound is returned when the server has no such bundle, proof or
// checkpoint.
var ErrNotFound = errors.New("not found")

const maxResponseBytes = 4 << 20

// BundleInfo summarises one published day.
type BundleInfo struct {
	Date           string `json:"date"`
	ProfileID      string `json:"profile_id"`
	MerkleRoot     string `json:"merkle_root"`
	TotalRecords   int    `json:"total_records"`
	ManifestSHA256 string `json:"manifest_sha256"`
	CheckpointHash string `json:"checkpoint_hash"`
}

// CheckpointInfo is one entry of the checkpoint chain.
type CheckpointInfo struct {
	Date                   string `json:"date"`
	ProfileID              string `json:"profile_id"`
	TotalRecords           int    `json:"total_records"`
	MerkleRoot             string `json:"merkle_root"`
	ManifestSHA256         string `json:"manifest_sha256"`
	PreviousCheckpointHash string `json:"previous_checkpoint_hash"`
	CheckpointHash         string `json:"checkpoint_hash"`
}

// VerifyResult is the server's answer to POST /api/v1/verify.
type VerifyResult struct {
	Valid      bool   `json:"valid"`
	MerkleRoot string `json:"merkle_root,omitempty"`
	DivergedAt *int   `json:"diverged_at,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Client talks to a ledgerpub server.
type Client struct {
	base       string
	httpClient *http.Client
	cache      *bundleCache
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithCacheTTL caches bundle summaries for ttl.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		if ttl <= 0 {
			return fmt.Errorf("cache ttl must be positive, got %s", ttl)
		}
		c.cache = newBundleCache(ttl)
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a self-signed server.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 10 * time.Second,
		}
		return nil
	}
}

// New creates a Client for the server at base, e.g. "http://localhost:8090".
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(base); err != nil || base == "" {
		return nil, fmt.Errorf("invalid base URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Dates lists every published day.
func (c *Client) Dates(ctx context.Context) ([]string, error) {
	var resp struct {
		Dates []string `json:"dates"`
	}
	if err := c.getJSON(ctx, "/api/v1/bundles", &resp); err != nil {
		return nil, err
	}
	return resp.Dates, nil
}

// Bundle returns the summary of one day.
func (c *Client) Bundle(ctx context.Context, date string) (*BundleInfo, error) {
	if c.cache != nil {
		if b, ok := c.cache.get(date); ok {
			return b, nil
		}
	}

	var resp struct {
		Manifest       BundleInfo     `json:"manifest"`
		ManifestSHA256 string         `json:"manifest_sha256"`
		Checkpoint     CheckpointInfo `json:"checkpoint"`
	}
	if err := c.getJSON(ctx, "/api/v1/bundles/"+url.PathEscape(date), &resp); err != nil {
		return nil, err
	}
	info := resp.Manifest
	info.ManifestSHA256 = resp.ManifestSHA256
	info.CheckpointHash = resp.Checkpoint.CheckpointHash

	if c.cache != nil {
		c.cache.set(date, &info)
	}
	return &info, nil
}

// Proof fetches the inclusion proof for record idx of date.
func (c *Client) Proof(ctx context.Context, date string, idx int) (*proof.Proof, error) {
	body, err := c.get(ctx, "/api/v1/bundles/"+url.PathEscape(date)+"/proofs/"+strconv.Itoa(idx))
	if err != nil {
		return nil, err
	}
	return proof.Decode(bytes.NewReader(body))
}

// VerifyRecord fetches the proof for record idx and checks it locally
// against the day's published merkle_root. A proof whose leaf_index or path
// shape does not match idx is rejected with proof.ErrWrongPosition.
func (c *Client) VerifyRecord(ctx context.Context, date string, idx int) (bool, error) {
	b, err := c.Bundle(ctx, date)
	if err != nil {
		return false, err
	}
	root, err := proof.ParseDigest(b.MerkleRoot)
	if err != nil {
		return false, fmt.Errorf("bundle %s root: %w", date, err)
	}
	p, err := c.Proof(ctx, date, idx)
	if err != nil {
		return false, err
	}
	if err := p.CheckPosition(idx, b.TotalRecords); err != nil {
		return false, fmt.Errorf("record %d of %s: %w", idx, date, err)
	}
	return p.VerifyAgainst(root), nil
}

// VerifyRemote asks the server to verify p, against the bundle for date when
// date is non-empty. Prefer VerifyRecord when the server is not trusted.
func (c *Client) VerifyRemote(ctx context.Context, p *proof.Proof, date string) (*VerifyResult, error) {
	payload, err := json.Marshal(map[string]any{"proof": p, "date": date})
	if err != nil {
		return nil, fmt.Errorf("marshal verify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/verify", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var out VerifyResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode verify response: %w", err)
	}
	return &out, nil
}

// Checkpoints returns the server's checkpoint chain and its tip.
func (c *Client) Checkpoints(ctx context.Context) ([]CheckpointInfo, string, error) {
	var resp struct {
		Checkpoints []CheckpointInfo `json:"checkpoints"`
		Tip         string           `json:"tip"`
	}
	if err := c.getJSON(ctx, "/api/v1/checkpoints", &resp); err != nil {
		return nil, "", err
	}
	return resp.Checkpoints, resp.Tip, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

// do executes an HTTP request and maps error statuses.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// --- bundle summary cache ---

type cacheEntry struct {
	info      *BundleInfo
	expiresAt time.Time
}

type bundleCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newBundleCache(ttl time.Duration) *bundleCache {
	return &bundleCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (bc *bundleCache) get(date string) (*BundleInfo, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	e, ok := bc.entries[date]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.info, true
}

func (bc *bundleCache) set(date string, info *BundleInfo) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.entries[date] = &cacheEntry{info: info, expiresAt: time.Now().Add(bc.ttl)}
}
