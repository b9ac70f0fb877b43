package pipeline

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultCooldownRetention is how long a firing is remembered when the
// cooldown is shorter.
const DefaultCooldownRetention = 10 * time.Minute

// CooldownRegistry remembers when each key last fired. Entries expire after
// max(retention, cooldown), so keys that are never seen again do not
// accumulate. An expired entry behaves like a missing one, which is correct
// because its cooldown has passed.
type CooldownRegistry struct {
	mu        sync.Mutex
	entries   *cache.Cache
	retention time.Duration
	lastSweep time.Time
}

// NewCooldownRegistry creates a registry. A zero retention uses
// DefaultCooldownRetention.
func NewCooldownRegistry(retention time.Duration) *CooldownRegistry {
	if retention <= 0 {
		retention = DefaultCooldownRetention
	}
	// no janitor goroutine: expired entries are swept inline
	return &CooldownRegistry{
		entries:   cache.New(retention, 0),
		retention: retention,
	}
}

// TryFire records now and returns true when key has no record or its last
// firing is at least cooldown ago. Otherwise the record is left unchanged.
func (r *CooldownRegistry) TryFire(key string, cooldown time.Duration, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked(now)

	if v, found := r.entries.Get(key); found {
		if last, ok := v.(time.Time); ok && now.Sub(last) < cooldown {
			return false
		}
	}
	r.entries.Set(key, now, max(r.retention, cooldown))
	return true
}

// Mark records a firing of key at now regardless of its cooldown. The entry
// is kept for at least cooldown so a later TryFire with that cooldown sees it.
func (r *CooldownRegistry) Mark(key string, cooldown time.Duration, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries.Set(key, now, max(r.retention, cooldown))
}

// Reset forgets key.
func (r *CooldownRegistry) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries.Delete(key)
}

// LastFired returns when key last fired.
func (r *CooldownRegistry) LastFired(key string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, found := r.entries.Get(key)
	if !found {
		return time.Time{}, false
	}
	last, ok := v.(time.Time)
	return last, ok
}

// Len returns the number of remembered keys, including expired ones not yet
// swept.
func (r *CooldownRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries.ItemCount()
}

func (r *CooldownRegistry) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < r.retention {
		return
	}
	r.lastSweep = now
	r.entries.DeleteExpired()
}
