// Package watch periodically re-checks every local bundle against the
// published manifest for its date. It is the after-the-fact detector for
// overwrites that slipped past the guard.
package watch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmerrifield20/ledgerpublisher/internal/alert"
	"github.com/jmerrifield20/ledgerpublisher/internal/bundle"
	"github.com/jmerrifield20/ledgerpublisher/internal/guard"
	"github.com/jmerrifield20/ledgerpublisher/internal/manifest"
	"github.com/jmerrifield20/ledgerpublisher/internal/metrics"
	"go.uber.org/zap"
)

// Config holds watch configuration.
type Config struct {
	Interval      time.Duration
	Concurrency   int
	FailThreshold int
}

// Source lists the bundles to watch.
type Source interface {
	Dates(ctx context.Context) ([]string, error)
	Manifest(ctx context.Context, date string) (*manifest.Manifest, error)
}

// Checker decides one manifest. *guard.Guard implements it.
type Checker interface {
	Check(ctx context.Context, m *manifest.Manifest) (guard.Outcome, error)
}

// Notifier receives transition events. *alert.Notifier implements it.
type Notifier interface {
	Dispatch(ctx context.Context, eventType string, payload map[string]string)
}

// Status is the latest result for one date.
type Status struct {
	Date       string    `json:"date"`
	Decision   string    `json:"decision"`
	State      string    `json:"state"`
	LocalHash  string    `json:"local_sha256"`
	RemoteHash string    `json:"remote_sha256,omitempty"`
	Failures   int       `json:"consecutive_failures"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Watcher runs periodic re-checks.
type Watcher struct {
	source  Source
	checker Checker
	cfg     Config
	alerts  Notifier

	mu     sync.Mutex
	status map[string]Status

	logger *zap.Logger
}

// New creates a Watcher.
func New(source Source, checker Checker, cfg Config, logger *zap.Logger) *Watcher {
	if cfg.Interval == 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Watcher{
		source:  source,
		checker: checker,
		cfg:     cfg,
		status:  make(map[string]Status),
		logger:  logger,
	}
}

// SetNotifier configures where transition events go.
func (w *Watcher) SetNotifier(n Notifier) {
	w.alerts = n
}

// Start runs CheckAll every interval until ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, w.cfg.Interval)
			w.CheckAll(runCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll re-checks every date with bounded concurrency.
func (w *Watcher) CheckAll(ctx context.Context) {
	dates, err := w.source.Dates(ctx)
	if err != nil {
		w.logger.Error("watch: list dates", zap.Error(err))
		return
	}

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, d := range dates {
		wg.Add(1)
		go func(date string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			w.checkOne(ctx, date)
		}(d)
	}
	wg.Wait()
}

func (w *Watcher) checkOne(ctx context.Context, date string) {
	m, err := w.source.Manifest(ctx, date)
	if err != nil {
		w.logger.Warn("watch: open bundle", zap.String("date", date), zap.Error(err))
		return
	}
	out, checkErr := w.checker.Check(ctx, m)
	metrics.RecordWatchCheck(out.Decision.String())

	w.mu.Lock()
	prev, seen := w.status[date]
	cur := Status{
		Date:       date,
		Decision:   out.Decision.String(),
		State:      out.State.String(),
		LocalHash:  out.LocalHash,
		RemoteHash: out.RemoteHash,
		CheckedAt:  time.Now().UTC(),
	}
	if checkErr != nil {
		cur.Error = checkErr.Error()
	}
	if out.Decision == guard.Abstain {
		cur.Failures = prev.Failures + 1
	}
	w.status[date] = cur
	w.mu.Unlock()

	payload := map[string]string{
		"date":          date,
		"profile_id":    m.ProfileID,
		"local_sha256":  out.LocalHash,
		"remote_sha256": out.RemoteHash,
	}
	rejected := guard.Reject.String()
	switch {
	case out.Decision == guard.Reject && prev.Decision != rejected:
		w.logger.Error("watch: published manifest conflicts with local bundle",
			zap.String("date", date),
			zap.String("local", out.LocalHash),
			zap.String("remote", out.RemoteHash),
		)
		w.dispatch(ctx, alert.EventWatchConflict, payload)
	case out.Decision == guard.Abstain && cur.Failures == w.cfg.FailThreshold:
		// Exactly at threshold so the alert fires once per outage.
		w.logger.Warn("watch: remote unreachable",
			zap.String("date", date),
			zap.Int("fail_count", cur.Failures),
			zap.Error(checkErr),
		)
		payload["error"] = cur.Error
		w.dispatch(ctx, alert.EventWatchUnreachable, payload)
	case seen && out.Decision != guard.Abstain && out.Decision != guard.Reject &&
		(prev.Decision == rejected || prev.Failures >= w.cfg.FailThreshold):
		w.logger.Info("watch: recovered", zap.String("date", date), zap.String("decision", cur.Decision))
		w.dispatch(ctx, alert.EventWatchRecovered, payload)
	}
}

func (w *Watcher) dispatch(ctx context.Context, event string, payload map[string]string) {
	if w.alerts != nil {
		w.alerts.Dispatch(ctx, event, payload)
	}
}

// Snapshot returns the latest status of every watched date, oldest first.
func (w *Watcher) Snapshot() []Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Status, 0, len(w.status))
	for _, s := range w.status {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// DirSource watches the bundles under an output directory.
type DirSource struct {
	outputDir string
}

// NewDirSource creates a DirSource.
func NewDirSource(outputDir string) *DirSource {
	return &DirSource{outputDir: outputDir}
}

// Dates implements Source.
func (s *DirSource) Dates(context.Context) ([]string, error) {
	return bundle.Dates(s.outputDir)
}

// Manifest implements Source.
func (s *DirSource) Manifest(_ context.Context, date string) (*manifest.Manifest, error) {
	b, err := bundle.OpenDate(s.outputDir, date)
	if err != nil {
		return nil, err
	}
	return b.Manifest, nil
}
