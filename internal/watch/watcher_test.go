package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/ledgerpublisher/internal/alert"
	"github.com/jmerrifield20/ledgerpublisher/internal/bundle"
	"github.com/jmerrifield20/ledgerpublisher/internal/guard"
	"github.com/jmerrifield20/ledgerpublisher/internal/manifest"
	"github.com/jmerrifield20/ledgerpublisher/internal/record"
	"github.com/jmerrifield20/ledgerpublisher/internal/remote"
	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubSource struct {
	dates []string
}

func (s stubSource) Dates(context.Context) ([]string, error) { return s.dates, nil }

func (s stubSource) Manifest(_ context.Context, date string) (*manifest.Manifest, error) {
	return &manifest.Manifest{Date: date, ProfileID: "p"}, nil
}

// scriptedChecker returns the next decision from a fixed script per call.
type scriptedChecker struct {
	mu     sync.Mutex
	script []guard.Decision
	calls  int
}

func (c *scriptedChecker) Check(_ context.Context, m *manifest.Manifest) (guard.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.script[min(c.calls, len(c.script)-1)]
	c.calls++
	out := guard.Outcome{Decision: d, LocalHash: "aa"}
	switch d {
	case guard.Reject:
		out.RemoteHash = "bb"
		return out, &guard.TamperOrConflictError{Date: m.Date, LocalHash: "aa", RemoteHash: "bb"}
	case guard.Abstain:
		return out, &guard.LookupError{Date: m.Date, Err: errors.New("down")}
	}
	return out, nil
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Dispatch(_ context.Context, eventType string, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func run(t *testing.T, script []guard.Decision, rounds int) (*Watcher, *recorder) {
	t.Helper()
	w := New(stubSource{dates: []string{"2026-01-01"}}, &scriptedChecker{script: script},
		Config{FailThreshold: 3}, zap.NewNop())
	rec := &recorder{}
	w.SetNotifier(rec)
	for i := 0; i < rounds; i++ {
		w.CheckAll(context.Background())
	}
	return w, rec
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestCheckAll_conflictAlertsOnce(t *testing.T) {
	_, rec := run(t, []guard.Decision{guard.AllowIdempotent, guard.Reject}, 4)
	if len(rec.events) != 1 || rec.events[0] != alert.EventWatchConflict {
		t.Errorf("events: got %v, want one %s", rec.events, alert.EventWatchConflict)
	}
}

func TestCheckAll_unreachableAfterThreshold(t *testing.T) {
	w, rec := run(t, []guard.Decision{guard.Abstain}, 5)
	if len(rec.events) != 1 || rec.events[0] != alert.EventWatchUnreachable {
		t.Errorf("events: got %v, want one %s", rec.events, alert.EventWatchUnreachable)
	}
	snap := w.Snapshot()
	if len(snap) != 1 || snap[0].Failures != 5 || snap[0].Error == "" {
		t.Errorf("snapshot: %+v", snap)
	}
}

func TestCheckAll_recoversOnSuccess(t *testing.T) {
	script := []guard.Decision{guard.Abstain, guard.Abstain, guard.Abstain, guard.AllowIdempotent}
	w, rec := run(t, script, 4)
	want := []string{alert.EventWatchUnreachable, alert.EventWatchRecovered}
	if fmt.Sprint(rec.events) != fmt.Sprint(want) {
		t.Errorf("events: got %v, want %v", rec.events, want)
	}
	if s := w.Snapshot()[0]; s.Failures != 0 || s.Decision != "allow_idempotent" {
		t.Errorf("status after recovery: %+v", s)
	}
}

func TestCheckAll_belowThresholdIsQuiet(t *testing.T) {
	_, rec := run(t, []guard.Decision{guard.Abstain, guard.Abstain, guard.AllowIdempotent}, 3)
	if len(rec.events) != 0 {
		t.Errorf("expected no events, got %v", rec.events)
	}
}

func TestWatcher_dirSourceWithGuard(t *testing.T) {
	out := t.TempDir()
	p, err := record.Builtin(record.DefaultProfileID)
	if err != nil {
		t.Fatal(err)
	}
	recs := []record.Record{{
		"domain": "example.com", "chain": "base", "txid": fmt.Sprintf("0x%064x", 1),
		"timestamp": "2026-01-01T00:00:00Z", "currency": "usd", "amount": "1",
	}}
	res, err := bundle.NewBuilder(out, zap.NewNop()).Build(context.Background(),
		bundle.Request{Date: "2026-01-01", Profile: p, Records: recs})
	if err != nil {
		t.Fatal(err)
	}

	store := remote.NewMemoryStore()
	body, _ := res.Manifest.Canonical()
	if _, err := store.Claim(context.Background(), res.Manifest.ProfileID, "2026-01-01", body); err != nil {
		t.Fatal(err)
	}

	w := New(NewDirSource(out), guard.New(store, time.Second, zap.NewNop()), Config{}, zap.NewNop())
	w.CheckAll(context.Background())

	snap := w.Snapshot()
	if len(snap) != 1 || snap[0].Decision != "allow_idempotent" || snap[0].RemoteHash != res.ManifestHash {
		t.Errorf("snapshot: %+v", snap)
	}
}

func TestStart_stopsOnCancel(t *testing.T) {
	w := New(stubSource{}, &scriptedChecker{script: []guard.Decision{guard.Allow}},
		Config{Interval: time.Millisecond}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
