package session

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"p2p-park/internal/overlay/handshake"
	"p2p-park/internal/overlay/wire"
)

type recordingDispatcher struct {
	dispatched chan wire.Envelope
	closed     chan *Peer
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{
		dispatched: make(chan wire.Envelope, 16),
		closed:     make(chan *Peer, 1),
	}
}

func (d *recordingDispatcher) Dispatch(p *Peer, env wire.Envelope) { d.dispatched <- env }
func (d *recordingDispatcher) Closed(p *Peer)                     { d.closed <- p }

func newTestPeer(conn net.Conn, disp Dispatcher) *Peer {
	return New(Config{
		ShortID:    1,
		Direction:  1,
		Version:    handshake.Version{Major: 1, Minor: 0},
		Conn:       conn,
		OutboxSize: 4,
		Dispatcher: disp,
	})
}

func TestReadLoopDispatchesDecodedEnvelopes(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	disp := newRecordingDispatcher()
	p := newTestPeer(local, disp)
	p.Start()
	defer p.Close()

	enc := json.NewEncoder(remote)
	want := wire.Envelope{Type: wire.MsgProposal, From: 7, Hops: 1}
	if err := enc.Encode(want); err != nil {
		t.Fatalf("encode: %v", err)
	}

	select {
	case got := <-disp.dispatched:
		if got.Type != want.Type || got.From != want.From || got.Hops != want.Hops {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatch")
	}
}

func TestCloseNotifiesDispatcherExactlyOnce(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	disp := newRecordingDispatcher()
	p := newTestPeer(local, disp)
	p.Start()

	p.Close()
	p.Close() // idempotent: must not notify twice or panic on a closed channel

	select {
	case got := <-disp.closed:
		if got != p {
			t.Fatalf("Closed called with wrong peer")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Closed")
	}

	select {
	case <-disp.closed:
		t.Fatalf("Closed notified a second time")
	default:
	}
}

func TestSendQueueFullClosesPeer(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	disp := newRecordingDispatcher()
	p := New(Config{
		ShortID:    2,
		Conn:       local,
		OutboxSize: 1,
		Dispatcher: disp,
	})
	// Fill the outbox directly without starting the write loop, so the
	// queue stays full and the next Send observes it.
	p.outbox <- wire.Envelope{Type: wire.MsgProposal}

	p.Send(wire.Envelope{Type: wire.MsgProposal})

	select {
	case <-disp.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a full send queue to close the peer")
	}
}

func TestSendZeroesHopsWhenExpiring(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	defer local.Close()

	p := New(Config{
		ShortID:    3,
		Conn:       local,
		OutboxSize: 4,
		HopAware:   true,
		ExpireHops: true,
	})

	p.Send(wire.Envelope{Type: wire.MsgProposal, Hops: 5})

	select {
	case env := <-p.outbox:
		if env.Hops != 0 {
			t.Fatalf("Hops = %d, want 0", env.Hops)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for enqueued envelope")
	}
}

func TestWriteLoopEncodesQueuedEnvelopes(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	p := newTestPeer(local, nil)
	p.Start()
	defer p.Close()

	want := wire.Envelope{Type: wire.MsgEndpoints, From: 9}
	p.Send(want)

	dec := json.NewDecoder(remote)
	var got wire.Envelope
	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := dec.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != want.Type || got.From != want.From {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
