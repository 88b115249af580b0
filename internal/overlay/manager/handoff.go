package manager

import (
	"bufio"
	"crypto/tls"
	"net"
	"net/http"
	"strings"

	"p2p-park/internal/overlay/handshake"
	"p2p-park/internal/overlay/slot"
	"p2p-park/internal/overlay/types"
)

// ServeHTTP is the Overlay's single HTTP entry point: the admin /crawl
// route, and everything else treated as a peer-upgrade handoff attempt.
func (o *Overlay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/crawl" {
		o.serveCrawl(w, r)
		return
	}
	o.onHandoff(w, r)
}

// onHandoff implements spec §4.6's onHandoff contract, in the exact order
// the spec and original_source's OverlayImpl.cpp both specify: (i) the
// admin route is handled in ServeHTTP before this is ever reached; (ii)
// peer-upgrade detection; (iii) self-connect/resource checks; (iv)
// new_inbound_slot; (v) Connect-As validation; (vi) handshake
// verification; (vii) activate, with a 503 redirect on failure there.
func (o *Overlay) onHandoff(w http.ResponseWriter, r *http.Request) {
	println("DEBUG onHandoff called, upgrade=", r.Header.Get(handshake.HeaderUpgrade))
	// (ii) peer-upgrade detection: anything without an Upgrade header is
	// not ours to handle.
	if r.Header.Get(handshake.HeaderUpgrade) == "" {
		println("DEBUG no upgrade header, 404")
		http.NotFound(w, r)
		return
	}

	// Strict validation (spec §9 open question, resolved in DESIGN.md):
	// only a bare GET with no or identity Transfer-Encoding is accepted as
	// an upgrade attempt; anything else is rejected before a slot is ever
	// reserved.
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if te := r.Header.Get("Transfer-Encoding"); te != "" && !strings.EqualFold(te, "identity") {
		http.Error(w, "unsupported transfer encoding", http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return
	}

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		_ = conn.Close()
		return
	}

	remoteIP := remoteIPOf(r.RemoteAddr)

	// (iii) self-connect/resource checks: the coarse IP-budget gate comes
	// first since it is cheaper than reserving a slot.
	if o.resources.NewInboundEndpoint(remoteIP).Disconnect() {
		_ = conn.Close()
		return
	}

	remoteEP := types.Endpoint{IP: remoteIP}
	slotID, ok := o.slots.NewInboundSlot(o.cfg.Listen, remoteEP)
	if !ok {
		// Coarse self-connect or ipLimit: drop without writing a response,
		// per spec §8 scenario 2.
		_ = conn.Close()
		return
	}

	// (v) Connect-As validation, bundled with the rest of the upgrade
	// request's header parsing.
	version, crawl, herr := handshake.ParseRequest(r)
	if herr != nil || !handshake.SupportedVersion(o.cfg.Version, version) {
		o.slots.OnClosed(slotID)
		_ = conn.Close()
		return
	}
	hello, herr := handshake.DecodeHelloHeaders(r.Header)
	if herr != nil {
		o.slots.OnClosed(slotID)
		_ = conn.Close()
		return
	}

	// (vi) handshake verification.
	cs := tlsConn.ConnectionState()
	cluster, herr := handshake.Verify(&cs, hello, o.cfg.Verifier, o.cfg.NodeKey, o.slots.HasActiveNodeKey, o.isClusterMember)
	if herr != nil {
		o.slots.OnClosed(slotID)
		_ = conn.Close()
		return
	}

	// (vii) activate.
	if result := o.slots.Activate(slotID, hello.NodeKey, cluster); result != slot.Success {
		peerIPs := stringifyEndpoints(o.finder.Redirect(remoteEP))
		werr := handshake.WriteRedirect(rw.Writer, remoteIP.String(), peerIPs)
		println("DEBUG write redirect err:", werr == nil, "peerIPs len:", len(peerIPs))
		o.slots.OnClosed(slotID)
		_ = conn.Close()
		return
	}

	ourHello, err := o.buildHello(&cs)
	if err != nil {
		o.slots.OnClosed(slotID)
		_ = conn.Close()
		return
	}
	if err := handshake.WriteSwitchingProtocols(rw.Writer, o.cfg.Version, ourHello); err != nil {
		o.slots.OnClosed(slotID)
		_ = conn.Close()
		return
	}

	peer := o.newPeer(slotID, types.Inbound, remoteEP, hello, cluster, crawl, conn, drainBuffered(rw.Reader))
	o.addActive(peer)
}

func remoteIPOf(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return net.ParseIP(remoteAddr)
	}
	return net.ParseIP(host)
}

func stringifyEndpoints(eps []types.Endpoint) []string {
	out := make([]string, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.String())
	}
	return out
}

// drainBuffered pulls whatever bytes net/http already buffered from the
// hijacked connection before InitialBuffer handoff would otherwise lose
// them, mirroring internal/overlay/connect's drainBuffered for the
// outbound side.
func drainBuffered(br *bufio.Reader) []byte {
	n := br.Buffered()
	if n == 0 {
		return nil
	}
	b, _ := br.Peek(n)
	out := make([]byte, len(b))
	copy(out, b)
	_, _ = br.Discard(n)
	return out
}
