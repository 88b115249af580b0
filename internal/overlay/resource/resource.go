// Package resource implements the overlay's per-source-IP admission
// budget: a token bucket indexed by source IP, plus traffic accounting by
// category.
//
// The bucket refill/burst/cost algorithm is grounded on the teacher's
// internal/dht/ratelimit.go tokenBucket.allow (refill by elapsed wall
// time, a burst cap, and a per-event cost subtracted on success); traffic
// counters use sync/atomic per category, the same style as the teacher's
// internal/dht/metrics_atomic.go.
package resource

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Category classifies accounted traffic for metrics purposes.
type Category int

const (
	CategoryHandshake Category = iota
	CategoryProtocol
	CategoryManifest
	CategoryRelay
	numCategories
)

// Config controls the per-IP token bucket: rate tokens/sec, up to burst
// tokens banked, each connection event costing cost tokens.
type Config struct {
	Rate  float64
	Burst float64
	Cost  float64
}

func DefaultConfig() Config {
	return Config{Rate: 1, Burst: 8, Cost: 1}
}

type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// allow reports whether cost tokens are available now, consuming them if
// so. Mirrors the teacher's tokenBucket.allow exactly: refill by elapsed
// time since last call, clamp to burst, fail (without consuming) if the
// balance would go negative.
func (b *bucket) allow(now time.Time, rate, burst, cost float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.last.IsZero() {
		b.tokens = burst
		b.last = now
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * rate
		if b.tokens > burst {
			b.tokens = burst
		}
		b.last = now
	}

	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// Manager is the per-process, per-IP admission budget.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket

	traffic [numCategories][2]atomic.Int64 // [category][inbound=0/outbound=1]
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
	}
}

// Consumer is a per-connection handle into the Resource Manager's budget
// for one source IP.
type Consumer struct {
	mgr *Manager
	ip  string
	b   *bucket
}

func (m *Manager) bucketFor(ip string) *bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[ip]
	if !ok {
		b = &bucket{}
		m.buckets[ip] = b
	}
	return b
}

func hostOf(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

// NewInboundEndpoint registers an inbound connection attempt from ip and
// returns a Consumer handle for it.
func (m *Manager) NewInboundEndpoint(ip net.IP) *Consumer {
	host := hostOf(ip)
	return &Consumer{mgr: m, ip: host, b: m.bucketFor(host)}
}

// NewOutboundEndpoint registers an outbound connection attempt to ip.
func (m *Manager) NewOutboundEndpoint(ip net.IP) *Consumer {
	host := hostOf(ip)
	return &Consumer{mgr: m, ip: host, b: m.bucketFor(host)}
}

// Disconnect charges one connection-event cost against the source IP's
// budget and reports whether the client has exceeded it and must be
// refused.
func (c *Consumer) Disconnect() bool {
	if c == nil || c.b == nil {
		return false
	}
	cfg := c.mgr.cfg
	return !c.b.allow(time.Now(), cfg.Rate, cfg.Burst, cfg.Cost)
}

// ReportTraffic records n bytes/messages of traffic in category, inbound
// or outbound, for metrics exposure.
func (m *Manager) ReportTraffic(category Category, inbound bool, n int64) {
	if category < 0 || category >= numCategories {
		return
	}
	dir := 0
	if !inbound {
		dir = 1
	}
	m.traffic[category][dir].Add(n)
}

// TrafficSnapshot returns the accumulated traffic for category and
// direction, for metrics exposure and tests.
func (m *Manager) TrafficSnapshot(category Category, inbound bool) int64 {
	if category < 0 || category >= numCategories {
		return 0
	}
	dir := 0
	if !inbound {
		dir = 1
	}
	return m.traffic[category][dir].Load()
}
