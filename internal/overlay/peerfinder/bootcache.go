package peerfinder

import (
	"sync"
	"time"

	"p2p-park/internal/overlay/types"
)

type bootEntry struct {
	endpoint types.Endpoint
	lastSeen time.Time
	failures int
}

// BootCache is the fallback cache of candidate endpoints, keyed by
// endpoint rather than by NodeKey. It replaces the teacher's
// internal/bootstrap.PeerStoreSource, which was keyed by node ID against
// a discovery.PeerStore that no longer exists in this domain; the shape
// (candidates filtered by a failure ceiling) is kept.
type BootCache struct {
	mu      sync.Mutex
	entries map[string]*bootEntry
}

func NewBootCache() *BootCache {
	return &BootCache{entries: make(map[string]*bootEntry)}
}

// Insert records ep as seen, resetting its failure count.
func (c *BootCache) Insert(ep types.Endpoint) {
	if ep.IsZero() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := ep.String()
	e, ok := c.entries[key]
	if !ok {
		e = &bootEntry{endpoint: ep}
		c.entries[key] = e
	}
	e.lastSeen = time.Now()
	e.failures = 0
}

// OnFailure records a failed dial attempt against ep, so repeatedly
// unreachable candidates fall out of rotation.
func (c *BootCache) OnFailure(ep types.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[ep.String()]; ok {
		e.failures++
	}
}

// Candidates returns endpoints with fewer than maxFailures recorded
// failures, most recently seen first.
func (c *BootCache) Candidates(maxFailures int) []types.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.Endpoint, 0, len(c.entries))
	for _, e := range c.entries {
		if maxFailures > 0 && e.failures >= maxFailures {
			continue
		}
		out = append(out, e.endpoint)
	}
	// most-recently-seen first
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			ei := c.entries[out[j].String()]
			ej := c.entries[out[j-1].String()]
			if ei.lastSeen.After(ej.lastSeen) {
				out[j], out[j-1] = out[j-1], out[j]
			} else {
				break
			}
		}
	}
	return out
}

func (c *BootCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
