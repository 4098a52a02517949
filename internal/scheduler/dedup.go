package scheduler

import (
	"sync"
	"time"

	"github.com/alanyoungcy/marketcore/internal/clock"
)

// Dedup remembers keys until a per-key expiry so a notice is sent once per
// entity and window. It is the in-process fallback when no distributed lock
// manager is configured.
type Dedup struct {
	expires map[string]time.Time
	clock   clock.Clock
	mu      sync.Mutex
}

// NewDedup creates an empty Dedup reading time from clk.
func NewDedup(clk clock.Clock) *Dedup {
	return &Dedup{
		expires: make(map[string]time.Time),
		clock:   clk,
	}
}

// IsDuplicate reports whether key is still held from an earlier call. An
// unseen or expired key is recorded for ttl and false is returned.
func (d *Dedup) IsDuplicate(key string, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if until, ok := d.expires[key]; ok && now.Before(until) {
		return true
	}
	d.expires[key] = now.Add(ttl)
	return false
}

// Cleanup drops expired keys.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	for key, until := range d.expires {
		if !now.Before(until) {
			delete(d.expires, key)
		}
	}
}

// Len returns the number of remembered keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.expires)
}
