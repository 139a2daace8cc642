package activation

import (
	"context"
	"sync"
	"time"
)

// Deduper suppresses duplicate activations. Claim returns true exactly
// once per key within the suppression window; every other claim of the
// same key during the window returns false.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
}

// MemoryDeduper keeps claimed keys in process memory. Suitable for a
// single-instance deployment; multi-instance setups use RedisDeduper.
type MemoryDeduper struct {
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryDeduper(window time.Duration) *MemoryDeduper {
	return &MemoryDeduper{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

func (d *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()

	if claimedAt, ok := d.seen[key]; ok && now.Sub(claimedAt) < d.window {
		return false, nil
	}

	// Expired entries are pruned opportunistically on write so the map
	// stays bounded by the activation rate times the window.
	for k, claimedAt := range d.seen {
		if now.Sub(claimedAt) >= d.window {
			delete(d.seen, k)
		}
	}

	d.seen[key] = now

	return true, nil
}
