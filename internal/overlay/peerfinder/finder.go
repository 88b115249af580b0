// Package peerfinder implements the Peer Finder: the boot cache, fixed
// peer pool, autoconnect policy, and redirect-list machinery described in
// spec §4.1. It composes an internal/overlay/slot.Table for capacity
// accounting and a set of PeerSource implementations for candidate
// discovery, grounded on the teacher's internal/bootstrap package
// (PeerSource kept verbatim in shape; StaticSource becomes the fixed-peer
// pool) and internal/discovery/manager.go's tick-loop shape for
// autoconnect's per-tick throttling.
package peerfinder

import (
	"context"
	"math/rand"
	"sort"

	"p2p-park/internal/overlay/slot"
	"p2p-park/internal/overlay/types"
)

// Config controls autoconnect throttling and the redirect list size.
type Config struct {
	PerTickMax  int // max endpoints returned per Autoconnect() call
	RedirectMax int // max endpoints returned per Redirect() call
	MaxFailures int // not read by Finder; BootCacheSource.MaxFailures does the failure filtering
}

func DefaultConfig() Config {
	return Config{PerTickMax: 4, RedirectMax: 10, MaxFailures: 8}
}

// Finder is the Peer Finder. One Finder is owned by one Overlay Manager,
// sharing its Slot Table.
type Finder struct {
	cfg   Config
	table *slot.Table
	cache *BootCache

	fixed   []types.Endpoint
	sources []PeerSource
}

func New(cfg Config, table *slot.Table, fixed []types.Endpoint, sources ...PeerSource) *Finder {
	return &Finder{
		cfg:     cfg,
		table:   table,
		cache:   NewBootCache(),
		fixed:   fixed,
		sources: sources,
	}
}

// BootCache exposes the underlying cache, e.g. so a BootCacheSource can be
// registered against it, or so /crawl-style diagnostics can report its
// size.
func (f *Finder) BootCache() *BootCache { return f.cache }

// FixedEndpoints returns the configured fixed-peer pool.
func (f *Finder) FixedEndpoints() []types.Endpoint {
	return append([]types.Endpoint(nil), f.fixed...)
}

// Autoconnect returns zero or more endpoints to dial this tick, bounded by
// remaining outbound capacity and the per-tick throttle. Per spec §4.1, a
// peerPrivate node (or one configured with autoConnect disabled) solicits
// nothing beyond its fixed peers.
func (f *Finder) Autoconnect(ctx context.Context) []types.Endpoint {
	budget := f.table.RemainingOutbound()
	if budget <= 0 {
		return nil
	}
	if f.cfg.PerTickMax > 0 && budget > f.cfg.PerTickMax {
		budget = f.cfg.PerTickMax
	}

	active := make(map[string]struct{})
	for _, ep := range f.table.ActiveEndpoints() {
		active[ep.String()] = struct{}{}
	}

	var cands []types.Endpoint
	if f.table.PeerPrivate() || !f.table.AutoConnect() {
		cands = append(cands, f.fixed...)
	} else {
		cands = make([]types.Endpoint, 0, 64)
		for _, s := range f.sources {
			eps, err := s.Discover(ctx)
			if err != nil {
				continue
			}
			cands = append(cands, eps...)
		}
	}
	rand.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })

	out := make([]types.Endpoint, 0, budget)
	seen := make(map[string]struct{}, len(cands))
	for _, ep := range cands {
		if len(out) >= budget {
			break
		}
		key := ep.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, isActive := active[key]; isActive {
			continue
		}
		out = append(out, ep)
	}
	return out
}

// Redirect returns a short list of known healthy peer endpoints to suggest
// to a client we could not admit, excluding except.
func (f *Finder) Redirect(except types.Endpoint) []types.Endpoint {
	active := f.table.ActiveEndpoints()
	out := make([]types.Endpoint, 0, f.cfg.RedirectMax)
	for _, ep := range active {
		if ep.String() == except.String() {
			continue
		}
		out = append(out, ep)
		if f.cfg.RedirectMax > 0 && len(out) >= f.cfg.RedirectMax {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// OnRedirects absorbs a redirect list received from a peer into the boot
// cache, skipping the origin endpoint itself.
func (f *Finder) OnRedirects(origin types.Endpoint, eps []types.Endpoint) {
	for _, ep := range eps {
		if ep.String() == origin.String() {
			continue
		}
		f.cache.Insert(ep)
	}
}

// BuildEndpointsForPeers returns the set of endpoints to advertise to
// peers: our active endpoints plus our fixed peers, the broadcast set
// spec §4.1 calls buildEndpointsForPeers.
func (f *Finder) BuildEndpointsForPeers() []types.Endpoint {
	out := append([]types.Endpoint(nil), f.table.ActiveEndpoints()...)
	out = append(out, f.fixed...)
	return out
}
