// Package hashrouter implements the overlay's sole relay-loop prevention
// mechanism: a per-content-hash set of peers that have already seen a
// message, unioned atomically on every query.
//
// It generalizes the teacher's internal/p2p/dedupe.go seenCache (a TTL map
// guarded by one mutex, with opportunistic GC on access) from a boolean
// seen/not-seen cache into the union-swap contract the overlay needs to
// answer "who still needs this message" without ever sending it twice.
package hashrouter

import (
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"p2p-park/internal/overlay/types"
)

// ContentHash derives a message's uid, the content-hash identity spec §3
// attaches to every relayable Message.
func ContentHash(data []byte) types.Hash {
	return sha3.Sum256(data)
}

type entry struct {
	skip    map[types.ShortID]struct{}
	relayed bool
	seenAt  time.Time
}

// Router tracks, per content hash, which peers have already seen the
// message and whether it has already been relayed.
type Router struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[types.Hash]*entry
}

// New returns a Router whose entries expire ttl after last being touched.
func New(ttl time.Duration) *Router {
	return &Router{
		ttl:     ttl,
		entries: make(map[types.Hash]*entry),
	}
}

// SwapSet atomically unions skipSet into the uid's stored skip set and ORs
// flag into its relayed flag. skipSet is replaced, in place, with the
// union that existed prior to this call (the caller's contribution plus
// whatever was already recorded) so callers can use the returned set
// directly to decide who to forward to. It returns true iff flag was newly
// set (i.e. this is the first call for uid that set the relayed flag).
func (r *Router) SwapSet(uid types.Hash, skipSet map[types.ShortID]struct{}, flag bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gcLocked()

	e, ok := r.entries[uid]
	if !ok {
		e = &entry{skip: make(map[types.ShortID]struct{})}
		r.entries[uid] = e
	}

	newlySet := flag && !e.relayed
	e.relayed = e.relayed || flag
	e.seenAt = time.Now()

	prior := e.skip
	// union: stored set gains the caller's contribution.
	for id := range skipSet {
		e.skip[id] = struct{}{}
	}
	// caller's set is replaced by the (pre-union) stored set unioned with
	// its own contribution, matching "swap with union semantics": the
	// caller walks away with everyone who has ever been in the skip set.
	for id := range prior {
		skipSet[id] = struct{}{}
	}

	return newlySet
}

// Relayed reports whether uid has already been marked relayed, without
// mutating anything.
func (r *Router) Relayed(uid types.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[uid]
	return ok && e.relayed
}

func (r *Router) gcLocked() {
	if r.ttl <= 0 {
		return
	}
	now := time.Now()
	for k, e := range r.entries {
		if now.Sub(e.seenAt) > r.ttl {
			delete(r.entries, k)
		}
	}
}

// Len reports the number of live entries, for diagnostics.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
