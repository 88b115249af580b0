package slot

import (
	"net"
	"testing"

	"p2p-park/internal/overlay/types"
)

func ep(host string, port uint16) types.Endpoint {
	return types.Endpoint{IP: net.ParseIP(host), Port: port}
}

func TestInboundAdmissionUniqueness(t *testing.T) {
	tab := NewTable(Config{MaxPeers: 2}, ep("0.0.0.0", 51235), types.NodeKey{})

	id1, ok := tab.NewInboundSlot(ep("127.0.0.1", 51235), ep("10.0.0.1", 4001))
	if !ok {
		t.Fatalf("expected inbound slot to be created")
	}
	if st, _ := tab.State(id1); st != Accept {
		t.Fatalf("state = %v, want Accept", st)
	}

	var key1 types.NodeKey
	key1[0] = 1
	if res := tab.Activate(id1, key1, false); res != Success {
		t.Fatalf("activate = %v, want Success", res)
	}
	if st, _ := tab.State(id1); st != Active {
		t.Fatalf("state = %v, want Active", st)
	}
	if !tab.HasActiveNodeKey(key1) {
		t.Fatalf("expected key1 to be active")
	}

	tab.OnClosed(id1)
	if st, _ := tab.State(id1); st != Closed {
		t.Fatalf("state = %v, want Closed", st)
	}
	if tab.HasActiveNodeKey(key1) {
		t.Fatalf("expected key1 to be released on close")
	}

	// OnClosed must be idempotent.
	tab.OnClosed(id1)
}

func TestPeerPrivateRejectsInbound(t *testing.T) {
	own := ep("203.0.113.1", 51235)
	tab := NewTable(Config{MaxPeers: 5, PeerPrivate: true}, own, types.NodeKey{})

	if _, ok := tab.NewInboundSlot(own, ep("198.51.100.1", 4001)); ok {
		t.Fatalf("expected a peerPrivate node to reject arbitrary inbound")
	}
}

func TestNoListenAddressRejectsInbound(t *testing.T) {
	tab := NewTable(Config{MaxPeers: 5}, types.Endpoint{}, types.NodeKey{})

	if _, ok := tab.NewInboundSlot(types.Endpoint{}, ep("198.51.100.1", 4001)); ok {
		t.Fatalf("expected a node with no configured listen address to reject inbound")
	}
}

func TestSelfConnectRejected(t *testing.T) {
	own := ep("203.0.113.1", 51235)
	tab := NewTable(Config{MaxPeers: 5}, own, types.NodeKey{})

	if _, ok := tab.NewInboundSlot(ep("127.0.0.1", 51235), own); ok {
		t.Fatalf("expected self-connect inbound slot to be rejected")
	}
}

func TestOutboundCapacityAndDuplicate(t *testing.T) {
	tab := NewTable(Config{MaxPeers: 10, OutPeers: 1}, types.Endpoint{}, types.NodeKey{})

	remote := ep("198.51.100.5", 51235)
	id, ok := tab.NewOutboundSlot(remote)
	if !ok {
		t.Fatalf("expected first outbound slot to succeed")
	}

	if _, ok := tab.NewOutboundSlot(ep("198.51.100.6", 51235)); ok {
		t.Fatalf("expected outbound capacity to be exhausted")
	}

	tab.OnClosed(id)
	if _, ok := tab.NewOutboundSlot(remote); !ok {
		t.Fatalf("expected slot to be reusable after close")
	}
}

func TestActivateDuplicateNodeKey(t *testing.T) {
	tab := NewTable(Config{MaxPeers: 10}, ep("0.0.0.0", 51235), types.NodeKey{})

	id1, _ := tab.NewInboundSlot(types.Endpoint{}, ep("10.0.0.1", 1))
	id2, _ := tab.NewInboundSlot(types.Endpoint{}, ep("10.0.0.2", 1))

	var key types.NodeKey
	key[0] = 0x42

	if res := tab.Activate(id1, key, false); res != Success {
		t.Fatalf("activate id1 = %v, want Success", res)
	}
	if res := tab.Activate(id2, key, false); res != Duplicate {
		t.Fatalf("activate id2 = %v, want Duplicate", res)
	}
}

func TestIPLimitDoesNotCountSelfConnect(t *testing.T) {
	own := ep("203.0.113.1", 51235)
	tab := NewTable(Config{MaxPeers: 10, IPLimit: 1}, own, types.NodeKey{})

	// Self-connect must not consume the ipLimit budget (spec §8 scenario 2).
	if _, ok := tab.NewInboundSlot(types.Endpoint{}, own); ok {
		t.Fatalf("expected self-connect to be rejected")
	}

	remote := ep("198.51.100.9", 4001)
	if _, ok := tab.NewInboundSlot(types.Endpoint{}, remote); !ok {
		t.Fatalf("expected first real connection from a fresh IP to succeed")
	}
	if _, ok := tab.NewInboundSlot(types.Endpoint{}, remote); ok {
		t.Fatalf("expected second connection from the same IP to hit ipLimit=1")
	}
}

func TestActivateFullTriggersRedirect(t *testing.T) {
	tab := NewTable(Config{MaxPeers: 1}, ep("0.0.0.0", 51235), types.NodeKey{})

	id1, _ := tab.NewInboundSlot(types.Endpoint{}, ep("10.0.0.1", 1))
	var key1 types.NodeKey
	key1[0] = 1
	if res := tab.Activate(id1, key1, false); res != Success {
		t.Fatalf("activate id1 = %v, want Success", res)
	}

	id2, _ := tab.NewInboundSlot(types.Endpoint{}, ep("10.0.0.2", 1))
	var key2 types.NodeKey
	key2[0] = 2
	if res := tab.Activate(id2, key2, false); res != Full {
		t.Fatalf("activate id2 = %v, want Full", res)
	}

	// The full slot is still reservable for a redirect list.
	active := tab.ActiveEndpoints()
	if len(active) != 1 || active[0].String() != ep("10.0.0.1", 1).String() {
		t.Fatalf("ActiveEndpoints = %v", active)
	}
}
