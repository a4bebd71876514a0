// Package publish moves a locally built bundle to its public location once
// the append-only guard allows it, and records its checkpoint in the chain.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jmerrifield20/ledgerpublisher/internal/alert"
	"github.com/jmerrifield20/ledgerpublisher/internal/bundle"
	"github.com/jmerrifield20/ledgerpublisher/internal/checkpoint"
	"github.com/jmerrifield20/ledgerpublisher/internal/guard"
	"github.com/jmerrifield20/ledgerpublisher/internal/metrics"
	"github.com/jmerrifield20/ledgerpublisher/internal/remote"
	"go.uber.org/zap"
)

// Report describes one publish attempt.
type Report struct {
	Date           string
	ProfileID      string
	Decision       guard.Decision
	ManifestHash   string
	CheckpointHash string
	// Copied is true when the bundle was written to the site directory.
	Copied bool
	// Claimed is true when this publisher won the store's insert-if-absent.
	Claimed bool
}

// Publisher publishes bundles.
type Publisher struct {
	guard   *guard.Guard
	claimer remote.Claimer
	siteDir string
	chain   checkpoint.Chain
	alerts  Notifier
	logger  *zap.Logger
}

// Notifier receives an event for every rejected or abstained publish.
// *alert.Notifier implements it.
type Notifier interface {
	Dispatch(ctx context.Context, eventType string, payload map[string]string)
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClaimer closes the check-then-act window with an atomic
// insert-if-absent store.
func WithClaimer(c remote.Claimer) Option {
	return func(p *Publisher) { p.claimer = c }
}

// WithSiteDir copies published bundles to <dir>/proofs/<date>.
func WithSiteDir(dir string) Option {
	return func(p *Publisher) { p.siteDir = dir }
}

// WithChain appends each published checkpoint to chain.
func WithChain(chain checkpoint.Chain) Option {
	return func(p *Publisher) { p.chain = chain }
}

// WithNotifier reports rejected and abstained publishes to n.
func WithNotifier(n Notifier) Option {
	return func(p *Publisher) { p.alerts = n }
}

// New creates a Publisher around g.
func New(g *guard.Guard, logger *zap.Logger, opts ...Option) *Publisher {
	p := &Publisher{guard: g, logger: logger}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Publish audits the bundle at dir, asks the guard, claims the date and
// copies the bundle out. A Reject or Abstain returns the guard's error and
// leaves the local bundle untouched.
func (p *Publisher) Publish(ctx context.Context, dir string) (*Report, error) {
	b, err := bundle.Open(dir)
	if err != nil {
		return nil, err
	}
	if err := b.Audit(ctx, nil); err != nil {
		metrics.RecordPublish("audit_failed")
		return nil, err
	}

	rep := &Report{
		Date:           b.Manifest.Date,
		ProfileID:      b.Manifest.ProfileID,
		ManifestHash:   b.ManifestHash(),
		CheckpointHash: b.Checkpoint.CheckpointHash,
	}
	log := p.logger.With(zap.String("date", rep.Date), zap.String("profile_id", rep.ProfileID))

	// ── Guard ────────────────────────────────────────────────────────────
	out, err := p.guard.Check(ctx, b.Manifest)
	rep.Decision = out.Decision
	if err != nil {
		metrics.RecordPublish(out.Decision.String())
		p.notify(ctx, out, rep)
		return rep, err
	}

	// ── Claim ────────────────────────────────────────────────────────────
	if out.Decision == guard.Allow && p.claimer != nil {
		existing, err := p.claimer.Claim(ctx, rep.ProfileID, rep.Date, b.ManifestBytes)
		if err != nil {
			metrics.RecordPublish("claim_failed")
			return rep, fmt.Errorf("claim %s: %w", rep.Date, err)
		}
		if existing != nil {
			// Another publisher got there between our lookup and claim.
			out, err = guard.Decide(b.Manifest, existing)
			rep.Decision = out.Decision
			if err != nil {
				metrics.RecordPublish(out.Decision.String())
				log.Error("lost publish race", zap.Error(err))
				p.notify(ctx, out, rep)
				return rep, err
			}
		} else {
			rep.Claimed = true
		}
	}

	// ── Copy ─────────────────────────────────────────────────────────────
	if p.siteDir != "" {
		copied, err := p.copyToSite(b)
		if err != nil {
			metrics.RecordPublish("copy_failed")
			return rep, err
		}
		rep.Copied = copied
	}

	// ── Chain ────────────────────────────────────────────────────────────
	if p.chain != nil {
		if err := p.chain.Append(ctx, b.Checkpoint); err != nil {
			metrics.RecordPublish("chain_failed")
			return rep, fmt.Errorf("append checkpoint: %w", err)
		}
		metrics.RecordCheckpointAppend()
	}

	metrics.RecordPublish(rep.Decision.String())
	log.Info("bundle published",
		zap.String("decision", rep.Decision.String()),
		zap.String("manifest_sha256", rep.ManifestHash),
		zap.Bool("copied", rep.Copied),
		zap.Bool("claimed", rep.Claimed),
	)
	return rep, nil
}

func (p *Publisher) notify(ctx context.Context, out guard.Outcome, rep *Report) {
	if p.alerts == nil {
		return
	}
	event := alert.EventPublishAbstain
	if out.Decision == guard.Reject {
		event = alert.EventPublishConflict
	}
	p.alerts.Dispatch(ctx, event, map[string]string{
		"date":          rep.Date,
		"profile_id":    rep.ProfileID,
		"local_sha256":  out.LocalHash,
		"remote_sha256": out.RemoteHash,
		"state":         out.State.String(),
	})
}

// Recheck re-runs the guard for an already published bundle. A conflict
// here means another publisher overwrote the date after this one.
func (p *Publisher) Recheck(ctx context.Context, dir string) (guard.Outcome, error) {
	b, err := bundle.Open(dir)
	if err != nil {
		return guard.Outcome{}, err
	}
	return p.guard.Check(ctx, b.Manifest)
}

// copyToSite copies the bundle into the site through a temporary sibling
// directory. An identical bundle already there is left alone.
func (p *Publisher) copyToSite(b *bundle.Bundle) (bool, error) {
	dest := bundle.Dir(p.siteDir, b.Manifest.Date)

	existing, err := os.ReadFile(filepath.Join(dest, bundle.ManifestFile))
	switch {
	case err == nil:
		prior := remote.NewPublished(existing)
		if prior.Hash == b.ManifestHash() {
			return false, nil
		}
		_, err := guard.Decide(b.Manifest, prior)
		return false, err
	case !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("read site manifest: %w", err)
	}

	if err := os.MkdirAll(bundle.Root(p.siteDir), 0o755); err != nil {
		return false, fmt.Errorf("create site dir: %w", err)
	}
	tmp := filepath.Join(bundle.Root(p.siteDir), "."+b.Manifest.Date+".tmp-"+uuid.NewString())
	if err := copyTree(b.Dir, tmp); err != nil {
		os.RemoveAll(tmp) //nolint:errcheck
		return false, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.RemoveAll(tmp) //nolint:errcheck
		return false, fmt.Errorf("promote site bundle: %w", err)
	}
	return true, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
