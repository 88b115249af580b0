package types

import (
	"net"
	"testing"
)

func TestParseEndpointRoundTrip(t *testing.T) {
	ep, err := ParseEndpoint("192.168.1.5:51235")
	if err != nil {
		t.Fatalf("ParseEndpoint: %v", err)
	}
	if !ep.IP.Equal(net.ParseIP("192.168.1.5")) || ep.Port != 51235 {
		t.Fatalf("got %+v", ep)
	}
	if ep.String() != "192.168.1.5:51235" {
		t.Fatalf("String() = %q", ep.String())
	}
}

func TestParseEndpointRejectsMalformed(t *testing.T) {
	cases := []string{"", "not-an-endpoint", "300.1.1.1:51235", "127.0.0.1:notaport"}
	for _, c := range cases {
		if _, err := ParseEndpoint(c); err == nil {
			t.Fatalf("expected %q to be rejected", c)
		}
	}
}

func TestParseNodeKeyRoundTrip(t *testing.T) {
	var want NodeKey
	for i := range want {
		want[i] = byte(i)
	}
	k, err := ParseNodeKey(want.String())
	if err != nil {
		t.Fatalf("ParseNodeKey: %v", err)
	}
	if k != want {
		t.Fatalf("got %v, want %v", k, want)
	}
}

func TestParseNodeKeyRejectsWrongLength(t *testing.T) {
	if _, err := ParseNodeKey("abcd"); err == nil {
		t.Fatalf("expected a short key to be rejected")
	}
	if _, err := ParseNodeKey("not-hex-at-all-zz"); err == nil {
		t.Fatalf("expected non-hex input to be rejected")
	}
}
