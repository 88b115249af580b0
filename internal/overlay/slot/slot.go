// Package slot implements the Slot Table: a fixed set of inbound/outbound
// admission quanta and the five-state machine each one moves through.
//
// It generalizes the teacher's flat peer map (internal/p2p/peers.go's
// addPeer/removePeer under one mutex, idempotent teardown via sync.Once)
// into an explicit state machine with capacity accounting, as spec §4.1
// requires.
package slot

import (
	"errors"
	"sync"

	"p2p-park/internal/overlay/types"
)

// State is a slot's position in its lifecycle.
type State int

const (
	Accept State = iota
	Connect
	Connected
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Accept:
		return "accept"
	case Connect:
		return "connect"
	case Connected:
		return "connected"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// AdmitResult is the outcome of Activate.
type AdmitResult int

const (
	Success AdmitResult = iota
	Duplicate
	Full
)

var (
	ErrSelfConnect     = errors.New("slot: self-connect")
	ErrOutboundFull    = errors.New("slot: outbound capacity exhausted")
	ErrDuplicateRemote = errors.New("slot: remote already has a slot")
	ErrUnknownSlot     = errors.New("slot: unknown slot id")
	ErrBadState        = errors.New("slot: illegal state transition")
)

// Config enumerates the knobs spec §4.1/§6 names.
type Config struct {
	MaxPeers      int
	OutPeers      int // derived from MaxPeers by NewTable (DefaultOutPeers) if zero
	PeerPrivate   bool
	WantIncoming  bool
	AutoConnect   bool
	ListeningPort uint16
	IPLimit       int
	Features      []string
}

// DefaultOutPeers derives outPeers from maxPeers the way rippled's
// PeerFinder does: roughly a third of the total, floor 10.
func DefaultOutPeers(maxPeers int) int {
	out := maxPeers / 3
	if out < 10 {
		out = 10
	}
	if out > maxPeers {
		out = maxPeers
	}
	return out
}

type record struct {
	id        types.SlotID
	dir       types.Direction
	remote    types.Endpoint
	local     types.Endpoint
	listening uint16
	state     State
	key       types.NodeKey
	hasKey    bool
	cluster   bool
}

// Table is the Slot Table. One Table is owned by one Overlay Manager.
type Table struct {
	cfg Config

	ownListen  types.Endpoint
	ownNodeKey types.NodeKey

	mu         sync.Mutex
	nextID     types.SlotID
	slots      map[types.SlotID]*record
	byEndpoint map[string]types.SlotID
	byNodeKey  map[types.NodeKey]types.SlotID
	ipCounts   map[string]int

	inCount, outCount, fixedCount int
}

func NewTable(cfg Config, ownListen types.Endpoint, ownNodeKey types.NodeKey) *Table {
	if cfg.OutPeers == 0 {
		cfg.OutPeers = DefaultOutPeers(cfg.MaxPeers)
	}
	// wantIncoming is derived, not caller-set: it is true when peerPrivate
	// is off and a listening endpoint is configured (an IP or a port is
	// set). A node with no configured listening address has nothing to
	// accept on, and peerPrivate overrides everything to fixed-peers-only.
	cfg.WantIncoming = !cfg.PeerPrivate && !ownListen.IsZero()
	return &Table{
		cfg:        cfg,
		ownListen:  ownListen,
		ownNodeKey: ownNodeKey,
		slots:      make(map[types.SlotID]*record),
		byEndpoint: make(map[string]types.SlotID),
		byNodeKey:  make(map[types.NodeKey]types.SlotID),
		ipCounts:   make(map[string]int),
	}
}

// NewInboundSlot creates an Accept-state slot for an incoming connection.
// It fails (returns ok=false) when the table does not want incoming
// connections, on a coarse self-connect (the remote endpoint is our own
// listening endpoint; only checked when our listening port is known, i.e.
// non-zero) or when remote's IP is already at the configured ipLimit. Self-connect is checked first so a
// self-connect attempt never counts against ipLimit, per spec §8 scenario
// 2. Capacity ("slots full") is decided later, at Activate, per spec
// §4.6's ordering.
func (t *Table) NewInboundSlot(local, remote types.Endpoint) (types.SlotID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.cfg.WantIncoming {
		return 0, false
	}

	if t.ownListen.Port != 0 && remote.String() == t.ownListen.String() {
		return 0, false
	}

	host := ""
	if remote.IP != nil {
		host = remote.IP.String()
	}
	if t.cfg.IPLimit > 0 && t.ipCounts[host] >= t.cfg.IPLimit {
		return 0, false
	}

	id := t.allocLocked()
	t.slots[id] = &record{id: id, dir: types.Inbound, remote: remote, local: local, state: Accept}
	t.inCount++
	t.ipCounts[host]++
	return id, true
}

// NewOutboundSlot reserves a Connect-state slot for a dial we are about to
// make. It fails when outbound capacity is exhausted or remote is already
// represented by a pending or active slot.
func (t *Table) NewOutboundSlot(remote types.Endpoint) (types.SlotID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.outCount >= t.cfg.OutPeers {
		return 0, false
	}
	key := remote.String()
	if _, dup := t.byEndpoint[key]; dup {
		return 0, false
	}

	id := t.allocLocked()
	t.slots[id] = &record{id: id, dir: types.Outbound, remote: remote, state: Connect}
	t.byEndpoint[key] = id
	t.outCount++
	return id, true
}

// NewFixedSlot reserves a slot for a configured fixed peer; fixed slots
// bypass outbound capacity (they are never counted against outPeers).
func (t *Table) NewFixedSlot(remote types.Endpoint) (types.SlotID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := remote.String()
	if _, dup := t.byEndpoint[key]; dup {
		return 0, false
	}
	id := t.allocLocked()
	t.slots[id] = &record{id: id, dir: types.Fixed, remote: remote, state: Connect}
	t.byEndpoint[key] = id
	t.fixedCount++
	return id, true
}

func (t *Table) allocLocked() types.SlotID {
	t.nextID++
	return t.nextID
}

// OnConnected transitions an outbound/fixed slot from Connect to
// Connected. It returns false if a concurrent duplicate connection to the
// same remote was detected in the meantime.
func (t *Table) OnConnected(id types.SlotID, local types.Endpoint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.slots[id]
	if !ok || r.state != Connect {
		return false
	}
	if owner, dup := t.byEndpoint[r.remote.String()]; dup && owner != id {
		return false
	}
	r.local = local
	r.state = Connected
	return true
}

// Activate is the final admission gate, called once the handshake reveals
// the remote's NodeKey. A full table still allows the slot to exist
// (reservable only for producing a redirect list) until OnClosed.
func (t *Table) Activate(id types.SlotID, key types.NodeKey, isCluster bool) AdmitResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.slots[id]
	if !ok {
		return Full
	}
	if r.state != Accept && r.state != Connected {
		return Full
	}

	if owner, dup := t.byNodeKey[key]; dup && owner != id {
		return Duplicate
	}

	// Fixed and cluster connections are exempt from the overall cap.
	if r.dir != types.Fixed && !isCluster {
		total := t.inCount + t.outCount
		if total > t.cfg.MaxPeers {
			return Full
		}
	}

	r.state = Active
	r.key = key
	r.hasKey = true
	r.cluster = isCluster
	t.byNodeKey[key] = id
	return Success
}

// OnClosed is idempotent teardown, releasing the slot's capacity and
// index entries.
func (t *Table) OnClosed(id types.SlotID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.slots[id]
	if !ok || r.state == Closed {
		return
	}

	switch r.dir {
	case types.Inbound:
		t.inCount--
		if r.remote.IP != nil {
			host := r.remote.IP.String()
			if t.ipCounts[host] > 0 {
				t.ipCounts[host]--
			}
			if t.ipCounts[host] == 0 {
				delete(t.ipCounts, host)
			}
		}
	case types.Outbound:
		t.outCount--
	case types.Fixed:
		t.fixedCount--
	}
	delete(t.byEndpoint, r.remote.String())
	if r.hasKey {
		if owner := t.byNodeKey[r.key]; owner == id {
			delete(t.byNodeKey, r.key)
		}
	}
	r.state = Closed
}

// State reports a slot's current state; used by tests and diagnostics.
func (t *Table) State(id types.SlotID) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.slots[id]
	if !ok {
		return Closed, false
	}
	return r.state, true
}

// RemainingOutbound reports how many more outbound dials are permitted
// right now.
func (t *Table) RemainingOutbound() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.cfg.OutPeers - t.outCount
	if n < 0 {
		return 0
	}
	return n
}

// ActiveEndpoints returns the remote endpoints of every Active slot,
// feeding both the redirect list and buildEndpointsForPeers.
func (t *Table) ActiveEndpoints() []types.Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Endpoint, 0, len(t.slots))
	for _, r := range t.slots {
		if r.state == Active && !r.remote.IsZero() {
			out = append(out, r.remote)
		}
	}
	return out
}

// HasActiveNodeKey reports whether key belongs to a currently active slot.
func (t *Table) HasActiveNodeKey(key types.NodeKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byNodeKey[key]
	return ok
}

// Counts returns the current inbound/outbound/fixed slot counts, for
// diagnostics.
func (t *Table) Counts() (inbound, outbound, fixed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inCount, t.outCount, t.fixedCount
}

func (t *Table) MaxPeers() int { return t.cfg.MaxPeers }

// PeerPrivate reports spec §4.1's peerPrivate knob: when true, the node
// neither accepts nor solicits connections beyond its fixed peers.
func (t *Table) PeerPrivate() bool { return t.cfg.PeerPrivate }

// AutoConnect reports whether the Peer Finder should solicit outbound
// connections to discovered (non-fixed) candidates at all.
func (t *Table) AutoConnect() bool { return t.cfg.AutoConnect }
