package checkpoint

import (
	"context"
	"fmt"
	"sync"
)

// MemoryChain is an in-memory, thread-safe Chain implementation.
// It is primarily useful for testing and for single-process runs that do
// not require durable persistence.
type MemoryChain struct {
	mu      sync.RWMutex
	entries []*Checkpoint
	byDate  map[string]int
}

// NewMemory creates an empty MemoryChain.
func NewMemory() *MemoryChain {
	return &MemoryChain{byDate: make(map[string]int)}
}

// Append implements Chain.
func (c *MemoryChain) Append(_ context.Context, cp *Checkpoint) error {
	if err := cp.VerifyHash(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.byDate[cp.Date]; ok {
		if c.entries[i].CheckpointHash == cp.CheckpointHash {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDateConflict, cp.Date)
	}

	var tip *Checkpoint
	if len(c.entries) > 0 {
		tip = c.entries[len(c.entries)-1]
	}
	if err := cp.Follows(tip); err != nil {
		return err
	}

	stored := *cp
	c.byDate[cp.Date] = len(c.entries)
	c.entries = append(c.entries, &stored)
	return nil
}

// Get implements Chain.
func (c *MemoryChain) Get(_ context.Context, date string) (*Checkpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byDate[date]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, date)
	}
	cp := *c.entries[i]
	return &cp, nil
}

// Latest implements Chain.
func (c *MemoryChain) Latest(_ context.Context) (*Checkpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entries) == 0 {
		return nil, ErrNotFound
	}
	cp := *c.entries[len(c.entries)-1]
	return &cp, nil
}

// List implements Chain.
func (c *MemoryChain) List(_ context.Context) ([]*Checkpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Checkpoint, len(c.entries))
	for i, e := range c.entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// Len implements Chain.
func (c *MemoryChain) Len(_ context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries), nil
}

// Verify implements Chain.
func (c *MemoryChain) Verify(_ context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return VerifyChain(c.entries)
}
