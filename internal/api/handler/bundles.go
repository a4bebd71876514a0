package handler

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgerpublisher/internal/bundle"
	"github.com/jmerrifield20/ledgerpublisher/internal/merkle"
	"github.com/jmerrifield20/ledgerpublisher/internal/metrics"
	"github.com/jmerrifield20/ledgerpublisher/pkg/proof"
	"go.uber.org/zap"
)

// maxVerifyBody bounds a POST /verify request.
const maxVerifyBody = 128 << 10

// BundleHandler serves published bundles and verifies proofs against them.
type BundleHandler struct {
	outputDir string
	cache     *bundleCache
	logger    *zap.Logger
}

// NewBundleHandler creates a BundleHandler reading bundles under outputDir.
func NewBundleHandler(outputDir string, cacheTTL time.Duration, logger *zap.Logger) *BundleHandler {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &BundleHandler{outputDir: outputDir, cache: newBundleCache(cacheTTL), logger: logger}
}

// Register mounts the bundle routes on the given router group.
func (h *BundleHandler) Register(rg *gin.RouterGroup) {
	b := rg.Group("/bundles")
	{
		b.GET("", h.List)
		b.GET("/:date", h.Get)
		b.GET("/:date/proofs/:idx", h.GetProof)
	}
	rg.POST("/verify", h.Verify)
}

// StartEviction drops expired cache entries every interval until ctx is
// cancelled.
func (h *BundleHandler) StartEviction(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := h.cache.evict(); n > 0 {
					h.logger.Debug("bundle cache evicted", zap.Int("entries", n))
				}
			}
		}
	}()
}

func (h *BundleHandler) open(date string) (*cacheEntry, error) {
	if e, ok := h.cache.get(date); ok {
		return e, nil
	}
	b, err := bundle.OpenDate(h.outputDir, date)
	if err != nil {
		return nil, err
	}
	leaves := make([][]byte, len(b.Index.Proofs))
	for i, e := range b.Index.Proofs {
		leaves[i] = e.LeafHash
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, err
	}
	return h.cache.set(date, b, tree), nil
}

// openOrRespond writes the error response itself and returns nil on failure.
func (h *BundleHandler) openOrRespond(c *gin.Context, date string) *cacheEntry {
	e, err := h.open(date)
	switch {
	case err == nil:
		return e
	case errors.Is(err, bundle.ErrInvalidDate):
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
	case errors.Is(err, os.ErrNotExist):
		c.JSON(http.StatusNotFound, gin.H{"error": "bundle not found"})
	default:
		h.logger.Error("open bundle", zap.String("date", date), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read bundle"})
	}
	return nil
}

// List handles GET /bundles, returning every bundle date.
func (h *BundleHandler) List(c *gin.Context) {
	dates, err := bundle.Dates(h.outputDir)
	if err != nil {
		h.logger.Error("list bundles", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list bundles"})
		return
	}
	if dates == nil {
		dates = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"dates": dates, "count": len(dates)})
}

// Get handles GET /bundles/:date, returning the manifest, its hash and the
// checkpoint.
func (h *BundleHandler) Get(c *gin.Context) {
	e := h.openOrRespond(c, c.Param("date"))
	if e == nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"manifest":        e.bundle.Manifest,
		"manifest_sha256": e.bundle.ManifestHash(),
		"checkpoint":      e.bundle.Checkpoint,
	})
}

// GetProof handles GET /bundles/:date/proofs/:idx, returning one proof file.
func (h *BundleHandler) GetProof(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}
	e := h.openOrRespond(c, c.Param("date"))
	if e == nil {
		return
	}

	p, err := e.bundle.Proof(idx)
	if errors.Is(err, merkle.ErrIndexOutOfRange) {
		c.JSON(http.StatusNotFound, gin.H{"error": "proof not found"})
		return
	}
	if err != nil {
		h.logger.Error("read proof", zap.String("date", c.Param("date")), zap.Int("idx", idx), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read proof"})
		return
	}
	c.JSON(http.StatusOK, p)
}

type verifyRequest struct {
	Proof *proof.Proof `json:"proof"`
	Date  string       `json:"date"`
}

// Verify handles POST /verify. With a date the proof is checked against
// that bundle's published root and must match the bundle's proof for its
// leaf_index; without one, it is checked against its own expected_root.
func (h *BundleHandler) Verify(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxVerifyBody)

	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Proof == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"proof\": {...}, \"date\": \"YYYY-MM-DD\"}"})
		return
	}

	if req.Date == "" {
		valid := req.Proof.Verify()
		metrics.RecordVerification(valid)
		c.JSON(http.StatusOK, gin.H{"valid": valid})
		return
	}

	e := h.openOrRespond(c, req.Date)
	if e == nil {
		return
	}
	root, err := proof.ParseDigest(e.bundle.Manifest.MerkleRoot)
	if err != nil {
		h.logger.Error("bundle has malformed root", zap.String("date", req.Date), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bundle root is malformed"})
		return
	}

	// Diagnose also ties the proof to the leaf at its leaf_index.
	d := e.tree.Diagnose(req.Proof)
	valid := d == nil && req.Proof.VerifyAgainst(root)
	metrics.RecordVerification(valid)
	resp := gin.H{"valid": valid, "merkle_root": e.bundle.Manifest.MerkleRoot}
	if d != nil {
		resp["diverged_at"] = d.Step
		resp["reason"] = d.Reason
	}
	c.JSON(http.StatusOK, resp)
}
