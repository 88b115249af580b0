package handshake

import (
	"net"
	"net/http"
	"testing"

	"p2p-park/internal/overlay/types"
)

func TestHelloHeaderRoundTrip(t *testing.T) {
	var key types.NodeKey
	key[0] = 0x11
	h := Hello{
		NodeKey:       key,
		Version:       Version{Major: 1, Minor: 2},
		PublicIP:      net.ParseIP("203.0.113.5"),
		Proof:         []byte{1, 2, 3, 4},
		ClaimedLedger: "abcd",
		Cluster:       true,
	}

	hdr := make(http.Header)
	EncodeHelloHeaders(hdr, h)

	got, err := DecodeHelloHeaders(hdr)
	if err != nil {
		t.Fatalf("DecodeHelloHeaders: %v", err)
	}
	if got.NodeKey != h.NodeKey {
		t.Fatalf("NodeKey mismatch")
	}
	if got.Version != h.Version {
		t.Fatalf("Version mismatch: %v vs %v", got.Version, h.Version)
	}
	if !got.PublicIP.Equal(h.PublicIP) {
		t.Fatalf("PublicIP mismatch: %v vs %v", got.PublicIP, h.PublicIP)
	}
	if string(got.Proof) != string(h.Proof) {
		t.Fatalf("Proof mismatch")
	}
	if got.ClaimedLedger != h.ClaimedLedger {
		t.Fatalf("ClaimedLedger mismatch")
	}
	if got.Cluster != h.Cluster {
		t.Fatalf("Cluster mismatch")
	}

	// Re-encoding the decoded hello must byte-reproduce the header set.
	hdr2 := make(http.Header)
	EncodeHelloHeaders(hdr2, got)
	for k := range hdr {
		if hdr.Get(k) != hdr2.Get(k) {
			t.Fatalf("header %q not byte-equal after round-trip: %q vs %q", k, hdr.Get(k), hdr2.Get(k))
		}
	}
}

func TestDecodeHelloHeadersMalformed(t *testing.T) {
	hdr := make(http.Header)
	if _, err := DecodeHelloHeaders(hdr); err == nil || err.Kind != Malformed {
		t.Fatalf("expected Malformed on empty headers, got %v", err)
	}
}

func TestParseRequestRejectsUnknownConnectAs(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUpgrade, ProtocolToken+"/1.0")
	req.Header.Set(HeaderConnection, "Upgrade")
	req.Header.Set(HeaderConnectAs, "Bogus")

	if _, _, err := ParseRequest(req); err == nil {
		t.Fatalf("expected error for unknown Connect-As")
	}
}

func TestVersionHopAware(t *testing.T) {
	cases := []struct {
		v    Version
		want bool
	}{
		{Version{Major: 1, Minor: 0}, false},
		{Version{Major: 1, Minor: 1}, true},
		{Version{Major: 1, Minor: 2}, true},
		{Version{Major: 2, Minor: 0}, true},
		{Version{Major: 0, Minor: 9}, false},
	}
	for _, c := range cases {
		if got := c.v.HopAware(); got != c.want {
			t.Fatalf("%v.HopAware() = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestVerifyChecksSharedValueBeforeSelfConnect(t *testing.T) {
	var key types.NodeKey
	key[0] = 0x99
	h := Hello{NodeKey: key}

	_, err := Verify(nil, h, nil, key, nil, nil)
	if err == nil || err.Kind != NoSharedValue {
		// nil ConnectionState always fails shared-value export first.
		t.Fatalf("expected NoSharedValue with a nil ConnectionState, got %v", err)
	}
}
