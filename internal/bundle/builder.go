package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/jmerrifield20/ledgerpublisher/internal/canonical"
	"github.com/jmerrifield20/ledgerpublisher/internal/checkpoint"
	"github.com/jmerrifield20/ledgerpublisher/internal/manifest"
	"github.com/jmerrifield20/ledgerpublisher/internal/merkle"
	"github.com/jmerrifield20/ledgerpublisher/internal/metrics"
	"github.com/jmerrifield20/ledgerpublisher/internal/record"
	"github.com/jmerrifield20/ledgerpublisher/pkg/proof"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Request describes one bundle build.
type Request struct {
	Date    string
	Profile *record.Profile
	Records []record.Record
	// Previous is the checkpoint to chain to. When nil the newest earlier
	// bundle in the output directory is used, and failing that genesis.
	Previous *checkpoint.Checkpoint
}

// Result describes a finished build.
type Result struct {
	BuildID      string
	Dir          string
	Manifest     *manifest.Manifest
	ManifestHash string
	Checkpoint   *checkpoint.Checkpoint
	Records      int
	// Unchanged is true when an identical bundle was already on disk and
	// nothing was written.
	Unchanged bool
}

// Builder writes bundles under an output directory.
type Builder struct {
	outputDir string
	workers   int
	compress  bool
	signer    *checkpoint.Signer
	logger    *zap.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithWorkers sets the parallelism for tree building, proof generation and
// proof file writes. Defaults to GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithCompression adds a brotli copy of every records file.
func WithCompression(on bool) Option {
	return func(b *Builder) { b.compress = on }
}

// WithSigner writes checkpoint.cose next to checkpoint.json.
func WithSigner(s *checkpoint.Signer) Option {
	return func(b *Builder) { b.signer = s }
}

// NewBuilder creates a Builder writing under outputDir.
func NewBuilder(outputDir string, logger *zap.Logger, opts ...Option) *Builder {
	b := &Builder{outputDir: outputDir, workers: runtime.GOMAXPROCS(0), logger: logger}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build prepares the records, builds the tree and proofs, writes every
// artifact to a temporary directory and promotes it. Nothing is visible
// under the bundle directory unless every step succeeds.
func (b *Builder) Build(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := b.build(ctx, req)
	if res != nil {
		metrics.RecordBuild(time.Since(start), res.Records, res.Records, err)
	} else {
		metrics.RecordBuild(time.Since(start), 0, 0, err)
	}
	return res, err
}

func (b *Builder) build(ctx context.Context, req Request) (*Result, error) {
	if err := ValidateDate(req.Date); err != nil {
		return nil, err
	}
	if req.Profile == nil {
		return nil, errors.New("build: profile is required")
	}
	buildID := uuid.NewString()
	log := b.logger.With(
		zap.String("build_id", buildID),
		zap.String("date", req.Date),
		zap.String("profile_id", req.Profile.ProfileID),
	)

	// ── Records → leaves → tree → proofs ─────────────────────────────────
	prepared, err := req.Profile.Prepare(req.Records)
	if err != nil {
		return nil, fmt.Errorf("prepare records: %w", err)
	}
	tree, err := merkle.Build(record.Leaves(prepared), merkle.WithWorkers(b.workers))
	if err != nil {
		return nil, fmt.Errorf("build tree: %w", err)
	}
	proofs, err := tree.Proofs(ctx, b.workers)
	if err != nil {
		return nil, err
	}
	log.Debug("tree built", zap.Int("records", len(prepared)), zap.Int("depth", tree.Depth()))

	prev := req.Previous
	if prev == nil {
		if prev, err = LatestCheckpoint(b.outputDir, req.Date); err != nil {
			return nil, fmt.Errorf("find previous checkpoint: %w", err)
		}
	}
	prevHash := ""
	if prev != nil {
		if prev.ProfileID != req.Profile.ProfileID {
			return nil, fmt.Errorf("%w: previous checkpoint %s is %q", checkpoint.ErrProfileMixing, prev.Date, prev.ProfileID)
		}
		if prev.Date >= req.Date {
			return nil, fmt.Errorf("%w: previous checkpoint %s", checkpoint.ErrDateOrder, prev.Date)
		}
		prevHash = prev.CheckpointHash
	}

	// ── Write into a temporary sibling directory ─────────────────────────
	if err := os.MkdirAll(Root(b.outputDir), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	tmp := filepath.Join(Root(b.outputDir), "."+req.Date+".tmp-"+buildID)
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	promoted := false
	defer func() {
		if !promoted {
			os.RemoveAll(tmp) //nolint:errcheck
		}
	}()

	files, err := b.writeRecords(tmp, prepared)
	if err != nil {
		return nil, err
	}

	root := tree.Root()
	descriptor, err := req.Profile.Descriptor()
	if err != nil {
		return nil, fmt.Errorf("describe profile: %w", err)
	}
	meta := []struct {
		name string
		data any
	}{
		{CoreSpecFile, coreSpec(req.Profile.Separator, req.Profile.LineEnding)},
		{ProfileFile, descriptor},
	}
	if err := writeFile(tmp, DailyRootFile, []byte(proof.Digest(root).String()+"\n")); err != nil {
		return nil, err
	}
	for _, m := range meta {
		data, err := canonical.Marshal(m.data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", m.name, err)
		}
		if err := writeFile(tmp, m.name, data); err != nil {
			return nil, err
		}
	}
	for _, name := range []string{DailyRootFile, CoreSpecFile, ProfileFile} {
		fe, err := manifest.FileEntryFor(filepath.Join(tmp, name), name)
		if err != nil {
			return nil, err
		}
		files = append(files, fe)
	}

	// ── Manifest and checkpoint ──────────────────────────────────────────
	m, err := manifest.Assemble(manifest.Input{
		Date:                   req.Date,
		ProfileID:              req.Profile.ProfileID,
		ProfileVersion:         req.Profile.ProfileVersion,
		MerkleRoot:             root,
		TotalRecords:           len(prepared),
		Files:                  files,
		PreviousCheckpointHash: prevHash,
	})
	if err != nil {
		return nil, err
	}
	manifestBytes, err := m.Canonical()
	if err != nil {
		return nil, err
	}
	if err := writeFile(tmp, ManifestFile, manifestBytes); err != nil {
		return nil, err
	}

	cp, err := checkpoint.New(m)
	if err != nil {
		return nil, err
	}
	cpBytes, err := cp.Canonical()
	if err != nil {
		return nil, err
	}
	if err := writeFile(tmp, CheckpointFile, cpBytes); err != nil {
		return nil, err
	}
	if b.signer != nil {
		sig, err := b.signer.Sign(cp)
		if err != nil {
			return nil, err
		}
		if err := writeFile(tmp, SignatureFile, sig); err != nil {
			return nil, err
		}
	}

	if err := b.writeProofs(ctx, tmp, root, proofs); err != nil {
		return nil, err
	}

	res := &Result{
		BuildID:      buildID,
		Dir:          Dir(b.outputDir, req.Date),
		Manifest:     m,
		ManifestHash: manifest.HashBytes(manifestBytes),
		Checkpoint:   cp,
		Records:      len(prepared),
	}

	// ── Promote ──────────────────────────────────────────────────────────
	existing, err := os.ReadFile(filepath.Join(res.Dir, ManifestFile))
	switch {
	case err == nil:
		if bytes.Equal(existing, manifestBytes) {
			log.Info("identical bundle already built", zap.String("manifest_sha256", res.ManifestHash))
			res.Unchanged = true
			return res, nil
		}
		prev, perr := manifest.Parse(existing)
		if perr != nil {
			return nil, fmt.Errorf("%w: %s: existing manifest.json unreadable: %v", ErrBundleExists, req.Date, perr)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrBundleExists, req.Date, manifest.Diff(m, prev))
	case errors.Is(err, os.ErrNotExist):
		if _, statErr := os.Stat(res.Dir); statErr == nil {
			return nil, fmt.Errorf("%w: %s has no manifest", ErrBundleExists, res.Dir)
		}
	default:
		return nil, fmt.Errorf("read existing manifest: %w", err)
	}

	if err := os.Rename(tmp, res.Dir); err != nil {
		return nil, fmt.Errorf("promote bundle: %w", err)
	}
	promoted = true

	log.Info("bundle built",
		zap.Int("records", res.Records),
		zap.String("merkle_root", m.MerkleRoot),
		zap.String("manifest_sha256", res.ManifestHash),
		zap.String("checkpoint_hash", cp.CheckpointHash),
	)
	return res, nil
}

// writeRecords writes the records files (and brotli copies) and returns
// their file entries.
func (b *Builder) writeRecords(dir string, prepared []record.Prepared) ([]manifest.FileEntry, error) {
	var files []manifest.FileEntry
	for n, start := 0, 0; start < len(prepared); n, start = n+1, start+RecordsPerFile {
		end := min(start+RecordsPerFile, len(prepared))

		var buf bytes.Buffer
		for _, p := range prepared[start:end] {
			line, err := canonical.Marshal(p.Raw)
			if err != nil {
				return nil, fmt.Errorf("encode record %d: %w", start, err)
			}
			buf.Write(line)
			buf.WriteByte('\n')
		}

		name := RecordsFileName(n)
		if err := writeFile(dir, name, buf.Bytes()); err != nil {
			return nil, err
		}
		fe, err := manifest.FileEntryFor(filepath.Join(dir, name), name)
		if err != nil {
			return nil, err
		}
		files = append(files, fe)

		if !b.compress {
			continue
		}
		var zbuf bytes.Buffer
		zw := brotli.NewWriterLevel(&zbuf, brotli.BestCompression)
		if _, err := zw.Write(buf.Bytes()); err != nil {
			return nil, fmt.Errorf("compress %s: %w", name, err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress %s: %w", name, err)
		}
		if err := writeFile(dir, name+".br", zbuf.Bytes()); err != nil {
			return nil, err
		}
		fe, err = manifest.FileEntryFor(filepath.Join(dir, name+".br"), name+".br")
		if err != nil {
			return nil, err
		}
		files = append(files, fe)
	}
	return files, nil
}

// writeProofs writes proof_index.json and one file per proof.
func (b *Builder) writeProofs(ctx context.Context, dir string, root []byte, proofs []*proof.Proof) error {
	if err := os.Mkdir(filepath.Join(dir, ProofsDir), 0o755); err != nil {
		return fmt.Errorf("create proofs dir: %w", err)
	}

	idx, err := json.Marshal(proof.NewIndex(root, proofs))
	if err != nil {
		return fmt.Errorf("encode proof index: %w", err)
	}
	if err := writeFile(dir, ProofIndexFile, idx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for _, p := range proofs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("encode proof %d: %w", p.LeafIndex, err)
			}
			return writeFile(dir, proof.FileName(p.LeafIndex), data)
		})
	}
	return g.Wait()
}

func writeFile(dir, rel string, data []byte) error {
	if err := os.WriteFile(filepath.Join(dir, filepath.FromSlash(rel)), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}
