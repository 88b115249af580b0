// Package session implements the Peer Session: the per-peer read/write
// pump, bounded outbound queue, and relay-dispatch entry point spec §4.5
// describes.
//
// It is grounded directly on the teacher's internal/p2p/session.go
// (runPeerReadLoop, readEnvelopeWithTimeout), peer_write.go (writeLoop
// draining a bounded channel), and send.go (sendAsync: non-blocking
// channel send, close-on-full). The post-handshake handoff replaces the
// teacher's in-band Noise+hello exchange (establishPeer) since the
// handshake now happens entirely in internal/overlay/handshake before a
// Peer is ever constructed.
package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"p2p-park/internal/overlay/handshake"
	"p2p-park/internal/overlay/log"
	"p2p-park/internal/overlay/resource"
	"p2p-park/internal/overlay/types"
	"p2p-park/internal/overlay/wire"
)

// Dispatcher handles an inbound envelope once it has been read off the
// wire. The Overlay Manager implements this: it owns the Hash Router, the
// Manifest Cache, and the full peer table needed to relay, none of which
// a single Peer Session should know about directly.
type Dispatcher interface {
	Dispatch(p *Peer, env wire.Envelope)
	Closed(p *Peer)
}

// Config parameterizes one Peer.
type Config struct {
	ShortID    types.ShortID
	SlotID     types.SlotID
	NodeKey    types.NodeKey
	Direction  types.Direction
	Remote     types.Endpoint
	Listening  uint16
	Version    handshake.Version
	Cluster    bool
	Crawl      handshake.CrawlMode // this peer's own advertised Crawl header
	HopAware   bool                // whether this peer's protocol version understands hop counts
	ExpireHops bool                // overlay.Config.Expire: zero hops before send when true
	MaxTTL     uint32

	Conn          net.Conn
	InitialBuffer []byte // unread bytes from the Connect Attempt/handoff, read first

	OutboxSize int
	Logger     log.Logger
	Resource   *resource.Consumer
	Dispatcher Dispatcher
}

// Peer owns one established, post-handshake connection.
type Peer struct {
	cfg Config

	reader *bufio.Reader
	enc    *json.Encoder

	outbox chan wire.Envelope

	connectedAt time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Peer but does not start its pumps; call Start for
// that, mirroring the teacher's pattern of establishPeer returning a peer
// that the caller explicitly spawns writeLoop/runPeerReadLoop for.
func New(cfg Config) *Peer {
	if cfg.OutboxSize == 0 {
		cfg.OutboxSize = 128
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	var r io.Reader = cfg.Conn
	if len(cfg.InitialBuffer) > 0 {
		r = io.MultiReader(bytes.NewReader(cfg.InitialBuffer), cfg.Conn)
	}
	return &Peer{
		cfg:         cfg,
		reader:      bufio.NewReader(r),
		enc:         json.NewEncoder(cfg.Conn),
		outbox:      make(chan wire.Envelope, cfg.OutboxSize),
		connectedAt: time.Now(),
		closed:      make(chan struct{}),
	}
}

func (p *Peer) ShortID() types.ShortID      { return p.cfg.ShortID }
func (p *Peer) SlotID() types.SlotID        { return p.cfg.SlotID }
func (p *Peer) NodeKey() types.NodeKey      { return p.cfg.NodeKey }
func (p *Peer) Direction() types.Direction  { return p.cfg.Direction }
func (p *Peer) Remote() types.Endpoint      { return p.cfg.Remote }
func (p *Peer) Listening() uint16           { return p.cfg.Listening }
func (p *Peer) IsCluster() bool             { return p.cfg.Cluster }
func (p *Peer) HopAware() bool              { return p.cfg.HopAware }
func (p *Peer) Uptime() time.Duration       { return time.Since(p.connectedAt) }
func (p *Peer) Version() handshake.Version  { return p.cfg.Version }
func (p *Peer) Crawl() handshake.CrawlMode  { return p.cfg.Crawl }

// Start spawns the read and write pumps. Reads and writes proceed
// concurrently; each is internally serialized (exactly one outstanding
// read, one FIFO-drained write queue), matching spec §5's strand
// contract.
func (p *Peer) Start() {
	go p.readLoop()
	go p.writeLoop()
}

// Send enqueues env for delivery. Per spec §4.5's send-queue discipline,
// a full queue closes the session rather than growing unbounded — the
// teacher's sendAsync "queue full ⇒ close" rule, carried over exactly.
// When the overlay is configured to expire hop counts and this peer is
// hop-aware, outbound hop counts are forced to zero so downstream nodes
// cannot observe our relay topology.
func (p *Peer) Send(env wire.Envelope) {
	if p.cfg.ExpireHops && p.cfg.HopAware {
		env.Hops = 0
	}
	select {
	case p.outbox <- env:
	default:
		p.cfg.Logger.Printf("peer %d send queue full, closing", p.cfg.ShortID)
		p.Close()
	}
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.closed:
			return
		case env, ok := <-p.outbox:
			if !ok {
				return
			}
			if err := p.enc.Encode(env); err != nil {
				p.cfg.Logger.Printf("peer %d write failed: %v", p.cfg.ShortID, err)
				p.Close()
				return
			}
		}
	}
}

func (p *Peer) readLoop() {
	defer p.Close()

	dec := json.NewDecoder(p.reader)
	for {
		select {
		case <-p.closed:
			return
		default:
		}

		var env wire.Envelope
		if err := dec.Decode(&env); err != nil {
			if err != io.EOF {
				p.cfg.Logger.Printf("peer %d read failed: %v", p.cfg.ShortID, err)
			}
			return
		}
		if p.cfg.Dispatcher != nil {
			p.cfg.Dispatcher.Dispatch(p, env)
		}
	}
}

// PoliteDisconnect writes a final disconnect-reason message and gives the
// remote a grace period to observe it before the socket is force-closed,
// grounded on original_source's BasePeer.h message-gracing pattern (and
// equally on go-ethereum's politeDisconnect-shaped handling, read during
// survey as a second data point for the same idiom).
func (p *Peer) PoliteDisconnect(reason string, grace time.Duration) {
	env := wire.Envelope{
		Type:    wire.MsgDisconnect,
		From:    p.cfg.ShortID,
		Payload: wire.Marshal(wire.DisconnectMessage{Reason: reason}),
	}
	select {
	case p.outbox <- env:
	default:
	}
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-p.closed:
		}
		p.Close()
	}()
}

// Close tears the peer down idempotently: closes the socket (which
// unblocks any pending read/write), stops the pumps, and notifies the
// Dispatcher exactly once.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.cfg.Conn.Close()
		if p.cfg.Dispatcher != nil {
			p.cfg.Dispatcher.Closed(p)
		}
	})
}
