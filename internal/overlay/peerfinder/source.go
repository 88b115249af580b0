package peerfinder

import (
	"context"

	"p2p-park/internal/overlay/types"
)

// PeerSource discovers candidate endpoints from some origin. The
// interface is kept in the exact shape of the teacher's
// internal/bootstrap.PeerSource; only the element type changes, from
// netx.Addr to types.Endpoint.
type PeerSource interface {
	Discover(ctx context.Context) ([]types.Endpoint, error)
	Name() string
}

// StaticSource returns a fixed list every time; it backs both the
// `ips_fixed` configuration key and the built-in default bootstrap host.
type StaticSource struct {
	Endpoints []types.Endpoint
	Label     string
}

func (s StaticSource) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return "static"
}

func (s StaticSource) Discover(context.Context) ([]types.Endpoint, error) {
	return append([]types.Endpoint(nil), s.Endpoints...), nil
}

// BootCacheSource adapts a BootCache into a PeerSource, replacing the
// teacher's PeerStoreSource (which wrapped a discovery.PeerStore keyed by
// node ID).
type BootCacheSource struct {
	Cache       *BootCache
	MaxFailures int
	Limit       int
}

func (s BootCacheSource) Name() string { return "bootcache" }

func (s BootCacheSource) Discover(context.Context) ([]types.Endpoint, error) {
	c := s.Cache.Candidates(s.MaxFailures)
	if s.Limit > 0 && len(c) > s.Limit {
		c = c[:s.Limit]
	}
	return c, nil
}

// DefaultBootstrapHost/DefaultBootstrapPort are the externalized fallback
// bootstrap network location: spec §9 flags the source's hardcoded
// "r.ripple.com 51235" as network-specific and asks for it to be
// externalized instead. Empty/zero by default; the embedding application
// sets these for its network.
var (
	DefaultBootstrapHost string
	DefaultBootstrapPort uint16
)
