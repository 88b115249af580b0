// Package connect implements the Connect Attempt: the short-lived
// outbound dialer state machine spec §4.4 describes as
// Resolving->Connecting->TlsHandshake->HttpSend->HttpReceive->Handoff|Fail,
// each transition guarded by a 15-second watchdog.
//
// It generalizes the teacher's internal/p2p/connect.go ConnectTo/
// handleConn pair (dial, then hand off to establishPeer in one call) into
// the six explicit states spec §4.4 requires; the per-transition watchdog
// discipline is grounded on original_source's ConnectAttempt.cpp, which
// time-bounds each transition individually rather than the attempt as a
// whole.
package connect

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"p2p-park/internal/overlay/handshake"
	"p2p-park/internal/overlay/types"
)

// State is this attempt's current position in the state machine.
type State int

const (
	Resolving State = iota
	Connecting
	TlsHandshake
	HttpSend
	HttpReceive
	Handoff
	Fail
)

func (s State) String() string {
	switch s {
	case Resolving:
		return "resolving"
	case Connecting:
		return "connecting"
	case TlsHandshake:
		return "tls_handshake"
	case HttpSend:
		return "http_send"
	case HttpReceive:
		return "http_receive"
	case Handoff:
		return "handoff"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// DefaultWatchdog is the per-transition timeout spec §4.4 specifies.
const DefaultWatchdog = 15 * time.Second

// FailKind classifies why an attempt failed.
type FailKind int

const (
	ResolveFailed FailKind = iota
	ConnectFailed
	TLSFailed
	HTTPSendFailed
	HTTPReceiveFailed
	Redirected
	HandshakeFailed
)

// FailError carries the attempt's terminal state plus, for Redirected,
// the peer-ips body the Peer Finder should absorb.
type FailError struct {
	Kind     FailKind
	State    State
	Err      error
	PeerIPs  []string
	HsErr    *handshake.Error
}

func (e *FailError) Error() string {
	return fmt.Sprintf("connect: failed in state %s: %v", e.State, e.Err)
}

func (e *FailError) Unwrap() error { return e.Err }

// Config parameterizes one Attempt.
type Config struct {
	Remote    types.Endpoint
	Host      string // hostname to resolve; if empty, Remote.IP is used directly
	TLS       *tls.Config
	Version   handshake.Version
	Crawl     handshake.CrawlMode
	UserAgent string
	// HelloFunc builds this side's hello once the TLS session exists,
	// since the hello's proof signs a value derived from that exact
	// session (spec §4.3/§9) and cannot be precomputed before dialing.
	HelloFunc func(cs *tls.ConnectionState) (handshake.Hello, error)
	Watchdog  time.Duration
}

// Result is what a successful Attempt hands to the Peer Session.
type Result struct {
	Conn          net.Conn
	TLSState      tls.ConnectionState
	ServerHello   handshake.Hello
	InitialBuffer []byte // unread bytes following the HTTP response
}

// Attempt is one outbound Connect Attempt. It is not reused across dials.
type Attempt struct {
	cfg   Config
	state State
}

func New(cfg Config) *Attempt {
	if cfg.Watchdog == 0 {
		cfg.Watchdog = DefaultWatchdog
	}
	return &Attempt{cfg: cfg, state: Resolving}
}

func (a *Attempt) State() State { return a.state }

// Run drives the attempt to completion. On any failure it returns a
// *FailError and the slot/child-set teardown (on_closed, removal from the
// Overlay's child set) is the caller's responsibility — Attempt itself
// owns no slot or registry entry.
func (a *Attempt) Run(ctx context.Context) (*Result, error) {
	host, err := a.resolve(ctx)
	if err != nil {
		return nil, err
	}

	rawConn, err := a.dial(ctx, host)
	if err != nil {
		return nil, err
	}

	tlsConn, err := a.tlsHandshake(ctx, rawConn)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}

	if err := a.httpSend(ctx, tlsConn); err != nil {
		_ = tlsConn.Close()
		return nil, err
	}

	res, err := a.httpReceive(ctx, tlsConn)
	if err != nil {
		_ = tlsConn.Close()
		return nil, err
	}

	a.state = Handoff
	return res, nil
}

func (a *Attempt) watch(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.cfg.Watchdog)
}

func (a *Attempt) resolve(ctx context.Context) (string, error) {
	a.state = Resolving
	wctx, cancel := a.watch(ctx)
	defer cancel()

	host := a.cfg.Host
	if host == "" {
		if len(a.cfg.Remote.IP) == 0 {
			return "", &FailError{Kind: ResolveFailed, State: Resolving, Err: fmt.Errorf("no host or ip configured")}
		}
		return a.cfg.Remote.IP.String(), nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(wctx, host)
	if err != nil || len(addrs) == 0 {
		return "", &FailError{Kind: ResolveFailed, State: Resolving, Err: err}
	}
	return addrs[0].IP.String(), nil
}

func (a *Attempt) dial(ctx context.Context, ip string) (net.Conn, error) {
	a.state = Connecting
	wctx, cancel := a.watch(ctx)
	defer cancel()

	var d net.Dialer
	addr := net.JoinHostPort(ip, strconv.Itoa(int(a.cfg.Remote.Port)))
	conn, err := d.DialContext(wctx, "tcp", addr)
	if err != nil {
		return nil, &FailError{Kind: ConnectFailed, State: Connecting, Err: err}
	}
	return conn, nil
}

func (a *Attempt) tlsHandshake(ctx context.Context, rawConn net.Conn) (*tls.Conn, error) {
	a.state = TlsHandshake
	wctx, cancel := a.watch(ctx)
	defer cancel()

	tlsConn := tls.Client(rawConn, a.cfg.TLS)
	if err := tlsConn.HandshakeContext(wctx); err != nil {
		return nil, &FailError{Kind: TLSFailed, State: TlsHandshake, Err: err}
	}
	return tlsConn, nil
}

func (a *Attempt) httpSend(ctx context.Context, conn *tls.Conn) error {
	a.state = HttpSend
	wctx, cancel := a.watch(ctx)
	defer cancel()
	if dl, ok := wctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
		defer conn.SetWriteDeadline(time.Time{})
	}

	host := a.cfg.Host
	if host == "" {
		host = a.cfg.Remote.String()
	}
	cs := conn.ConnectionState()
	hello, err := a.cfg.HelloFunc(&cs)
	if err != nil {
		return &FailError{Kind: HTTPSendFailed, State: HttpSend, Err: err}
	}
	req, err := handshake.BuildRequest(host, a.cfg.Version, a.cfg.Crawl, a.cfg.UserAgent, hello)
	if err != nil {
		return &FailError{Kind: HTTPSendFailed, State: HttpSend, Err: err}
	}
	if err := req.Write(conn); err != nil {
		return &FailError{Kind: HTTPSendFailed, State: HttpSend, Err: err}
	}
	return nil
}

func (a *Attempt) httpReceive(ctx context.Context, conn *tls.Conn) (*Result, error) {
	a.state = HttpReceive
	wctx, cancel := a.watch(ctx)
	defer cancel()
	if dl, ok := wctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
		defer conn.SetReadDeadline(time.Time{})
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return nil, &FailError{Kind: HTTPReceiveFailed, State: HttpReceive, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case 101:
		serverHello, herr := handshake.DecodeHelloHeaders(resp.Header)
		if herr != nil {
			return nil, &FailError{Kind: HandshakeFailed, State: HttpReceive, HsErr: herr, Err: herr}
		}
		leftover := drainBuffered(br)
		cs := conn.ConnectionState()
		return &Result{Conn: conn, TLSState: cs, ServerHello: serverHello, InitialBuffer: leftover}, nil

	case 503:
		var body struct {
			PeerIPs []string `json:"peer-ips"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return nil, &FailError{Kind: Redirected, State: HttpReceive, PeerIPs: body.PeerIPs, Err: fmt.Errorf("503 service unavailable")}

	default:
		return nil, &FailError{Kind: HTTPReceiveFailed, State: HttpReceive, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
}

// drainBuffered pulls whatever bytes the bufio.Reader already has
// buffered from the underlying connection, so they can be handed to the
// Peer Session as initial buffer contents instead of being lost.
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
