package overlaycrypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"testing"
	"time"
)

func genSelfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).AddDate(30, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer, err := NewECDSASigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	shared := []byte("a shared value derived from a tls session")

	sig, err := signer.Sign(shared)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if !(ECDSAVerifier{}).Verify(shared, sig, signer.Public()) {
		t.Fatalf("expected signature to verify against its own public key")
	}
}

func TestVerifyRejectsWrongKeyOrValue(t *testing.T) {
	signer, err := NewECDSASigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	other, err := NewECDSASigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	shared := []byte("shared value")
	sig, err := signer.Sign(shared)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if (ECDSAVerifier{}).Verify(shared, sig, other.Public()) {
		t.Fatalf("expected verification against the wrong public key to fail")
	}
	if (ECDSAVerifier{}).Verify([]byte("different value"), sig, signer.Public()) {
		t.Fatalf("expected verification against a tampered shared value to fail")
	}
}

// pipeTLSPair dials a real TLS session over an in-memory net.Pipe, so the
// exporter hook is exercised against a genuine tls.ConnectionState rather
// than a faked one.
func pipeTLSPair(t *testing.T) (client, server *tls.Conn) {
	t.Helper()
	c, s := net.Pipe()

	cert := genSelfSignedCert(t)
	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{InsecureSkipVerify: true}

	sConn := tls.Server(s, serverCfg)
	cConn := tls.Client(c, clientCfg)

	done := make(chan error, 1)
	go func() { done <- sConn.Handshake() }()
	if err := cConn.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
	return cConn, sConn
}

func TestExportSharedValueSymmetric(t *testing.T) {
	client, server := pipeTLSPair(t)
	defer client.Close()
	defer server.Close()

	cs1 := client.ConnectionState()
	cs2 := server.ConnectionState()

	v1, err := ExportSharedValue(&cs1)
	if err != nil {
		t.Fatalf("client export: %v", err)
	}
	v2, err := ExportSharedValue(&cs2)
	if err != nil {
		t.Fatalf("server export: %v", err)
	}

	if string(v1) != string(v2) {
		t.Fatalf("expected both sides of the same TLS session to derive an identical shared value")
	}
}

func TestExportSharedValueRejectsNilState(t *testing.T) {
	if _, err := ExportSharedValue(nil); err == nil {
		t.Fatalf("expected a nil connection state to be rejected")
	}
}
