package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgerpublisher/internal/api/handler"
	"github.com/jmerrifield20/ledgerpublisher/internal/bundle"
	"github.com/jmerrifield20/ledgerpublisher/internal/checkpoint"
	"github.com/jmerrifield20/ledgerpublisher/internal/guard"
	"github.com/jmerrifield20/ledgerpublisher/internal/record"
	"github.com/jmerrifield20/ledgerpublisher/internal/remote"
	"github.com/jmerrifield20/ledgerpublisher/internal/watch"
	"github.com/jmerrifield20/ledgerpublisher/pkg/proof"
	"go.uber.org/zap"
)

func buildBundle(t *testing.T, out, date string, n int) *bundle.Result {
	t.Helper()
	p, err := record.Builtin(record.DefaultProfileID)
	if err != nil {
		t.Fatal(err)
	}
	recs := make([]record.Record, n)
	for i := range recs {
		recs[i] = record.Record{
			"domain":    "example.com",
			"chain":     "base",
			"txid":      fmt.Sprintf("0x%064x", i+1),
			"timestamp": "2026-01-01T00:00:00Z",
			"currency":  "usd",
			"amount":    "1",
		}
	}
	res, err := bundle.NewBuilder(out, zap.NewNop()).Build(context.Background(), bundle.Request{Date: date, Profile: p, Records: recs})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func setupBundleRouter(t *testing.T) (*gin.Engine, *bundle.Result) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	out := t.TempDir()
	res := buildBundle(t, out, "2026-01-01", 5)

	r := gin.New()
	h := handler.NewBundleHandler(out, time.Minute, zap.NewNop())
	h.Register(r.Group("/api/v1"))
	return r, res
}

func do(r *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBundleList_200(t *testing.T) {
	router, _ := setupBundleRouter(t)
	w := do(router, http.MethodGet, "/api/v1/bundles", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Dates []string `json:"dates"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp) //nolint:errcheck
	if len(resp.Dates) != 1 || resp.Dates[0] != "2026-01-01" {
		t.Errorf("dates: got %v", resp.Dates)
	}
}

func TestBundleGet_200(t *testing.T) {
	router, res := setupBundleRouter(t)
	w := do(router, http.MethodGet, "/api/v1/bundles/2026-01-01", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp) //nolint:errcheck
	if resp["manifest_sha256"] != res.ManifestHash {
		t.Errorf("manifest_sha256: got %v, want %s", resp["manifest_sha256"], res.ManifestHash)
	}
}

func TestBundleGet_404and400(t *testing.T) {
	router, _ := setupBundleRouter(t)
	if w := do(router, http.MethodGet, "/api/v1/bundles/2026-02-01", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing bundle: expected 404, got %d", w.Code)
	}
	if w := do(router, http.MethodGet, "/api/v1/bundles/not-a-date", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad date: expected 400, got %d", w.Code)
	}
}

func TestBundleGetProof(t *testing.T) {
	router, res := setupBundleRouter(t)

	w := do(router, http.MethodGet, "/api/v1/bundles/2026-01-01/proofs/3", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	p, err := proof.Decode(w.Body)
	if err != nil {
		t.Fatal(err)
	}
	root, _ := proof.ParseDigest(res.Manifest.MerkleRoot)
	if !p.VerifyAgainst(root) {
		t.Errorf("served proof does not verify")
	}

	if w := do(router, http.MethodGet, "/api/v1/bundles/2026-01-01/proofs/5", nil); w.Code != http.StatusNotFound {
		t.Errorf("out of range: expected 404, got %d", w.Code)
	}
	if w := do(router, http.MethodGet, "/api/v1/bundles/2026-01-01/proofs/-1", nil); w.Code != http.StatusBadRequest {
		t.Errorf("negative idx: expected 400, got %d", w.Code)
	}
}

func fetchProof(t *testing.T, router *gin.Engine, idx int) json.RawMessage {
	t.Helper()
	w := do(router, http.MethodGet, fmt.Sprintf("/api/v1/bundles/2026-01-01/proofs/%d", idx), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("fetch proof %d: %d", idx, w.Code)
	}
	return json.RawMessage(w.Body.Bytes())
}

func TestVerify_validAgainstBundle(t *testing.T) {
	router, _ := setupBundleRouter(t)
	body, _ := json.Marshal(map[string]any{"proof": fetchProof(t, router, 2), "date": "2026-01-01"})

	w := do(router, http.MethodPost, "/api/v1/verify", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp) //nolint:errcheck
	if resp["valid"] != true {
		t.Errorf("expected valid=true, got %v", resp)
	}
}

func TestVerify_tamperedReportsDivergence(t *testing.T) {
	router, _ := setupBundleRouter(t)

	var p proof.Proof
	if err := json.Unmarshal(fetchProof(t, router, 0), &p); err != nil {
		t.Fatal(err)
	}
	p.Steps[1].SiblingHash[0] ^= 0xff
	body, _ := json.Marshal(map[string]any{"proof": p, "date": "2026-01-01"})

	w := do(router, http.MethodPost, "/api/v1/verify", body)
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp) //nolint:errcheck
	if resp["valid"] != false {
		t.Fatalf("expected valid=false, got %v", resp)
	}
	if resp["diverged_at"] != float64(1) {
		t.Errorf("diverged_at: got %v, want 1", resp["diverged_at"])
	}
}

func TestVerify_rejectsProofUnderAnotherIndex(t *testing.T) {
	router, _ := setupBundleRouter(t)

	var p proof.Proof
	if err := json.Unmarshal(fetchProof(t, router, 4), &p); err != nil {
		t.Fatal(err)
	}
	p.LeafIndex = 3
	body, _ := json.Marshal(map[string]any{"proof": p, "date": "2026-01-01"})

	w := do(router, http.MethodPost, "/api/v1/verify", body)
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp) //nolint:errcheck
	if resp["valid"] != false {
		t.Fatalf("expected valid=false, got %v", resp)
	}
	if resp["diverged_at"] != float64(-1) {
		t.Errorf("diverged_at: got %v, want -1", resp["diverged_at"])
	}
}

func TestVerify_withoutDateUsesExpectedRoot(t *testing.T) {
	router, _ := setupBundleRouter(t)
	body, _ := json.Marshal(map[string]any{"proof": fetchProof(t, router, 4)})

	w := do(router, http.MethodPost, "/api/v1/verify", body)
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp) //nolint:errcheck
	if resp["valid"] != true {
		t.Errorf("expected valid=true, got %v", resp)
	}
}

func TestVerify_badBody(t *testing.T) {
	router, _ := setupBundleRouter(t)
	if w := do(router, http.MethodPost, "/api/v1/verify", []byte(`{"date":"2026-01-01"}`)); w.Code != http.StatusBadRequest {
		t.Errorf("missing proof: expected 400, got %d", w.Code)
	}
	if w := do(router, http.MethodPost, "/api/v1/verify", []byte(`not json`)); w.Code != http.StatusBadRequest {
		t.Errorf("bad json: expected 400, got %d", w.Code)
	}
}

func setupCheckpointRouter(t *testing.T) (*gin.Engine, *checkpoint.MemoryChain) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	out := t.TempDir()
	day1 := buildBundle(t, out, "2026-01-01", 2)
	day2 := buildBundle(t, out, "2026-01-02", 3)

	chain := checkpoint.NewMemory()
	for _, cp := range []*checkpoint.Checkpoint{day1.Checkpoint, day2.Checkpoint} {
		if err := chain.Append(context.Background(), cp); err != nil {
			t.Fatal(err)
		}
	}

	r := gin.New()
	handler.NewCheckpointHandler(chain, zap.NewNop()).Register(r.Group("/api/v1"))
	return r, chain
}

func TestCheckpointList_200(t *testing.T) {
	router, chain := setupCheckpointRouter(t)
	w := do(router, http.MethodGet, "/api/v1/checkpoints", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp) //nolint:errcheck
	if int(resp["count"].(float64)) != 2 {
		t.Errorf("count: got %v", resp["count"])
	}
	tip, _ := chain.Latest(context.Background())
	if resp["tip"] != tip.CheckpointHash {
		t.Errorf("tip: got %v, want %s", resp["tip"], tip.CheckpointHash)
	}
}

func TestCheckpointVerify_200(t *testing.T) {
	router, _ := setupCheckpointRouter(t)
	w := do(router, http.MethodGet, "/api/v1/checkpoints/verify", nil)
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp) //nolint:errcheck
	if resp["valid"] != true {
		t.Errorf("expected valid=true, got %v", resp)
	}
}

func TestCheckpointGet(t *testing.T) {
	router, _ := setupCheckpointRouter(t)
	if w := do(router, http.MethodGet, "/api/v1/checkpoints/2026-01-02", nil); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w := do(router, http.MethodGet, "/api/v1/checkpoints/2026-03-01", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestRateLimiter_429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handler.RateLimiter(1, 1))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	if w := do(r, http.MethodGet, "/x", nil); w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}
	w := do(r, http.MethodGet, "/x", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second request: expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Errorf("missing Retry-After header")
	}
}

func TestRateLimiter_disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handler.RateLimiter(0, 0))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	for i := 0; i < 5; i++ {
		if w := do(r, http.MethodGet, "/x", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
}

func TestWatchStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	out := t.TempDir()
	buildBundle(t, out, "2026-01-01", 2)

	w := watch.New(watch.NewDirSource(out), guard.New(remote.NewMemoryStore(), time.Second, zap.NewNop()),
		watch.Config{}, zap.NewNop())
	w.CheckAll(context.Background())

	r := gin.New()
	handler.NewWatchHandler(w).Register(r.Group("/api/v1"))

	resp := do(r, http.MethodGet, "/api/v1/watch", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body struct {
		Count   int            `json:"count"`
		Healthy bool           `json:"healthy"`
		Dates   []watch.Status `json:"dates"`
	}
	json.Unmarshal(resp.Body.Bytes(), &body) //nolint:errcheck
	if body.Count != 1 || !body.Healthy || body.Dates[0].Decision != "allow" {
		t.Errorf("unexpected watch status: %+v", body)
	}
}
