package authcache

import (
	"context"
	"sync"
	"time"

	"labmanager/internal/clock"
	"labmanager/pkg/models"
)

// DefaultTTL bounds how stale a cached machine identity may get. A
// rotated or revoked token stops authenticating within this window at
// the latest.
const DefaultTTL = 5 * time.Minute

// Resolver loads a machine by its agent token. Returns an error when
// the token matches nothing.
type Resolver interface {
	GetByToken(ctx context.Context, token string) (*models.Machine, error)
}

// Stats is a point-in-time snapshot of cache counters
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

type entry struct {
	machine  *models.Machine
	cachedAt time.Time
}

// Cache is a read-through token-to-machine cache for the agent API.
// Heartbeats and telemetry arrive every few seconds per machine, so
// hitting the database on each request is wasted work.
type Cache struct {
	resolver Resolver
	ttl      time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	entries map[string]entry
	hits    int64
	misses  int64
}

// New creates a cache with the default TTL
func New(resolver Resolver) *Cache {
	return NewWithTTL(resolver, DefaultTTL, clock.System{})
}

// NewWithTTL creates a cache with an explicit TTL and clock
func NewWithTTL(resolver Resolver, ttl time.Duration, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.System{}
	}
	return &Cache{
		resolver: resolver,
		ttl:      ttl,
		clock:    clk,
		entries:  make(map[string]entry),
	}
}

// Get returns the machine for the token, from cache when fresh,
// otherwise from the resolver. A resolver failure evicts the stale
// entry so a deleted machine cannot keep authenticating.
func (c *Cache) Get(ctx context.Context, token string) (*models.Machine, error) {
	now := c.clock.Now()

	c.mu.Lock()
	if e, ok := c.entries[token]; ok && now.Sub(e.cachedAt) < c.ttl {
		c.hits++
		c.mu.Unlock()
		return e.machine, nil
	}
	c.misses++
	c.mu.Unlock()

	machine, err := c.resolver.GetByToken(ctx, token)
	if err != nil {
		c.mu.Lock()
		delete(c.entries, token)
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	c.entries[token] = entry{machine: machine, cachedAt: now}
	c.mu.Unlock()
	return machine, nil
}

// Invalidate drops the entry for a token. Called on token rotation.
func (c *Cache) Invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, token)
}

// InvalidateByID drops any entry resolving to the machine, whatever
// token it was cached under. Called when a machine is updated or
// deleted.
func (c *Cache) InvalidateByID(machineID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for token, e := range c.entries {
		if e.machine.ID == machineID {
			delete(c.entries, token)
		}
	}
}

// Clear empties the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Stats returns current cache counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries: len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
	}
}
