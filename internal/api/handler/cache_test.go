package handler

import (
	"testing"
	"time"

	"github.com/jmerrifield20/ledgerpublisher/internal/bundle"
)

func TestBundleCache_getSet(t *testing.T) {
	c := newBundleCache(time.Minute)
	if _, ok := c.get("2026-01-01"); ok {
		t.Fatal("empty cache returned an entry")
	}
	b := &bundle.Bundle{Dir: "x"}
	c.set("2026-01-01", b, nil)

	e, ok := c.get("2026-01-01")
	if !ok || e.bundle != b {
		t.Errorf("get after set: got %v, %v", e, ok)
	}
}

func TestBundleCache_expiry(t *testing.T) {
	c := newBundleCache(time.Millisecond)
	c.set("2026-01-01", &bundle.Bundle{}, nil)
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.get("2026-01-01"); ok {
		t.Error("expired entry returned")
	}
	if c.len() != 1 {
		t.Errorf("len before evict: got %d, want 1", c.len())
	}
	if n := c.evict(); n != 1 {
		t.Errorf("evict: got %d, want 1", n)
	}
	if c.len() != 0 {
		t.Errorf("len after evict: got %d, want 0", c.len())
	}
}
