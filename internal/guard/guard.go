// Package guard decides whether a freshly built manifest may be published
// for its date, given what (if anything) is already published there.
//
// Decide is the pure decision function. Guard wraps it with a remote lookup
// bounded by a timeout; an inconclusive lookup yields Abstain and an error,
// never Allow or Reject.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/ledgerpublisher/internal/manifest"
	"github.com/jmerrifield20/ledgerpublisher/internal/metrics"
	"github.com/jmerrifield20/ledgerpublisher/internal/remote"
	"go.uber.org/zap"
)

// DefaultTimeout bounds the remote lookup when none is configured.
const DefaultTimeout = 10 * time.Second

// State is what the lookup found.
type State int

const (
	StateUnknown State = iota
	NoPriorPublication
	IdenticalPriorPublication
	ConflictingPriorPublication
)

func (s State) String() string {
	switch s {
	case NoPriorPublication:
		return "no_prior_publication"
	case IdenticalPriorPublication:
		return "identical_prior_publication"
	case ConflictingPriorPublication:
		return "conflicting_prior_publication"
	default:
		return "unknown"
	}
}

// Decision is the guard's verdict.
type Decision int

const (
	// Abstain means the lookup was inconclusive; the caller decides whether
	// to retry.
	Abstain Decision = iota
	Allow
	AllowIdempotent
	Reject
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case AllowIdempotent:
		return "allow_idempotent"
	case Reject:
		return "reject"
	default:
		return "abstain"
	}
}

// Outcome is the result of one guard evaluation.
type Outcome struct {
	State      State
	Decision   Decision
	LocalHash  string
	RemoteHash string
}

// Decide compares local against the existing publication (nil when absent).
// A conflict returns Reject together with a *TamperOrConflictError.
func Decide(local *manifest.Manifest, published *remote.Published) (Outcome, error) {
	localHash, err := local.Hash()
	if err != nil {
		return Outcome{}, fmt.Errorf("hash local manifest: %w", err)
	}
	if published == nil {
		return Outcome{State: NoPriorPublication, Decision: Allow, LocalHash: localHash}, nil
	}

	out := Outcome{LocalHash: localHash, RemoteHash: published.Hash}
	if published.Hash == localHash {
		out.State = IdenticalPriorPublication
		out.Decision = AllowIdempotent
		return out, nil
	}

	out.State = ConflictingPriorPublication
	out.Decision = Reject

	var fields []manifest.FieldDiff
	if published.Manifest != nil {
		fields = manifest.Diff(local, published.Manifest)
	}
	if len(fields) == 0 {
		fields = []manifest.FieldDiff{{Field: "manifest_sha256", Local: localHash, Remote: published.Hash}}
	}
	return out, &TamperOrConflictError{
		Date:       local.Date,
		ProfileID:  local.ProfileID,
		LocalHash:  localHash,
		RemoteHash: published.Hash,
		Fields:     fields,
	}
}

// Guard checks manifests against a remote store.
type Guard struct {
	lookup  remote.Lookup
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a Guard. A zero timeout means DefaultTimeout.
func New(lookup remote.Lookup, timeout time.Duration, logger *zap.Logger) *Guard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guard{lookup: lookup, timeout: timeout, logger: logger}
}

// Check looks up what is published for m's date and decides.
func (g *Guard) Check(ctx context.Context, m *manifest.Manifest) (Outcome, error) {
	published, err := g.fetch(ctx, m)
	if err != nil {
		metrics.RecordGuardDecision(Abstain.String())
		g.logger.Warn("guard abstained",
			zap.String("profile_id", m.ProfileID),
			zap.String("date", m.Date),
			zap.Error(err),
		)
		return Outcome{State: StateUnknown, Decision: Abstain}, err
	}

	out, err := Decide(m, published)
	metrics.RecordGuardDecision(out.Decision.String())

	fields := []zap.Field{
		zap.String("profile_id", m.ProfileID),
		zap.String("date", m.Date),
		zap.String("decision", out.Decision.String()),
		zap.String("local_hash", out.LocalHash),
	}
	if out.RemoteHash != "" {
		fields = append(fields, zap.String("remote_hash", out.RemoteHash))
	}
	if err != nil {
		g.logger.Error("guard rejected publication", append(fields, zap.Error(err))...)
		return out, err
	}
	g.logger.Info("guard decision", fields...)
	return out, nil
}

// fetch returns nil, nil when nothing is published.
func (g *Guard) fetch(ctx context.Context, m *manifest.Manifest) (*remote.Published, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		p   *remote.Published
		err error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := g.lookup.Lookup(ctx, m.ProfileID, m.Date)
		ch <- result{p, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		r.err = ctx.Err()
	}

	switch {
	case r.err == nil:
		return r.p, nil
	case errors.Is(r.err, remote.ErrNotFound):
		return nil, nil
	case errors.Is(r.err, context.DeadlineExceeded):
		return nil, &LookupError{Date: m.Date, Timeout: true, Err: r.err}
	default:
		return nil, &LookupError{Date: m.Date, Err: r.err}
	}
}
