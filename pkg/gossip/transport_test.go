package gossip

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gossipmesh/gossipmesh/internal/identity"
)

// testCA is a throwaway certificate authority used to mint leaf certs for
// Transport tests, mirroring the permissioned shared-CA trust model.
type testCA struct {
	cert *x509.Certificate
	priv ed25519.PrivateKey
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ca key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "gossipmesh-test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		t.Fatalf("create ca cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse ca cert: %v", err)
	}
	return &testCA{cert: cert, priv: priv}
}

// issueLeaf writes a CA-signed leaf cert+key pair to dir and returns their
// paths plus the CA bundle path (written once per call for simplicity).
func (ca *testCA) issueLeaf(t *testing.T, dir, name string, serial int64) TLSFiles {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, pub, ca.priv)
	if err != nil {
		t.Fatalf("create leaf cert: %v", err)
	}

	certPath := filepath.Join(dir, name+".crt")
	keyPath := filepath.Join(dir, name+".key")
	caPath := filepath.Join(dir, "ca.crt")

	writePEM(t, certPath, "CERTIFICATE", der)
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal leaf key: %v", err)
	}
	writePEM(t, keyPath, "PRIVATE KEY", keyDER)

	if _, err := os.Stat(caPath); os.IsNotExist(err) {
		writePEM(t, caPath, "CERTIFICATE", ca.cert.Raw)
	}

	return TLSFiles{CACert: caPath, NodeCert: certPath, NodeKey: keyPath}
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return "127.0.0.1:" + strconv.Itoa(port)
}

// TestTransportHelloHandshakeAndDelivery spins up two Transports over real
// loopback QUIC/TLS with CA-chained certs, dials one from the other, and
// verifies a sent envelope is delivered to the Engine-facing inbound
// channel tagged with the TLS-verified NodeID rather than anything from
// the envelope's own content.
func TestTransportHelloHandshakeAndDelivery(t *testing.T) {
	dir := t.TempDir()
	ca := newTestCA(t)

	idA, err := identity.LoadOrCreate(filepath.Join(dir, "a.key"))
	if err != nil {
		t.Fatalf("identity A: %v", err)
	}
	idB, err := identity.LoadOrCreate(filepath.Join(dir, "b.key"))
	if err != nil {
		t.Fatalf("identity B: %v", err)
	}

	addrA := freeLoopbackAddr(t)
	addrB := freeLoopbackAddr(t)

	inboundA := make(chan InboundMessage, 8)
	inboundB := make(chan InboundMessage, 8)
	eventsA := make(chan connEvent, 8)
	eventsB := make(chan connEvent, 8)
	cmdsA := make(chan TransportCommand, 8)
	cmdsB := make(chan TransportCommand, 8)

	tA, err := NewTransport(idA, TransportConfig{ListenAddr: addrA, TLS: ca.issueLeaf(t, dir, "a", 10)}, inboundA, eventsA, cmdsA, NewMetrics(), nil)
	if err != nil {
		t.Fatalf("new transport A: %v", err)
	}
	tB, err := NewTransport(idB, TransportConfig{ListenAddr: addrB, TLS: ca.issueLeaf(t, dir, "b", 11)}, inboundB, eventsB, cmdsB, NewMetrics(), nil)
	if err != nil {
		t.Fatalf("new transport B: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go tA.Run(ctx)
	go tB.Run(ctx)
	time.Sleep(200 * time.Millisecond) // let both listeners bind

	payload := TelemetryPayload{Originator: idA.Node, TimestampMS: uint64(time.Now().UnixMilli()), Sequence: 1, Value: 7}
	env := Sign(idA.Priv, payload)
	cmdsA <- TransportCommand{Send: &SendCommand{Target: SendTarget{Addr: addrB}, Envelope: env}}

	select {
	case msg := <-inboundB:
		if msg.VerifiedNodeID != idA.Node {
			t.Errorf("VerifiedNodeID = %x, want %x", msg.VerifiedNodeID, idA.Node)
		}
		if msg.Envelope.Payload.Value != 7 {
			t.Errorf("value = %v, want 7", msg.Envelope.Payload.Value)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("envelope was not delivered to B's inbound channel")
	}

	select {
	case ev := <-eventsB:
		if ev.nodeID != idA.Node || !ev.connected {
			t.Errorf("unexpected connEvent on B: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("B did not observe a connEvent for A")
	}
}

// TestScenarioS5BoundedStreams: an adversary opens
// many streams to B without sending data. B's concurrently-alive stream
// handler count must never exceed MaxConcurrentStreams, and the
// connection must not be torn down by the flood.
func TestScenarioS5BoundedStreams(t *testing.T) {
	dir := t.TempDir()
	ca := newTestCA(t)

	idA, err := identity.LoadOrCreate(filepath.Join(dir, "a.key"))
	if err != nil {
		t.Fatalf("identity A: %v", err)
	}
	idB, err := identity.LoadOrCreate(filepath.Join(dir, "b.key"))
	if err != nil {
		t.Fatalf("identity B: %v", err)
	}

	addrB := freeLoopbackAddr(t)

	inboundB := make(chan InboundMessage, 8)
	eventsB := make(chan connEvent, 8)
	cmdsB := make(chan TransportCommand, 8)

	const maxStreams = 4
	metricsB := NewMetrics()
	tB, err := NewTransport(idB, TransportConfig{ListenAddr: addrB, TLS: ca.issueLeaf(t, dir, "flood-b", 21), MaxConcurrentStreams: maxStreams}, inboundB, eventsB, cmdsB, metricsB, nil)
	if err != nil {
		t.Fatalf("new transport B: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go tB.Run(ctx)
	time.Sleep(200 * time.Millisecond)

	tlsA, err := buildTLSConfig(ca.issueLeaf(t, dir, "flood-a", 22))
	if err != nil {
		t.Fatalf("build client tls: %v", err)
	}
	var ownCertFPA [32]byte
	if len(tlsA.Certificates) > 0 && len(tlsA.Certificates[0].Certificate) > 0 {
		ownCertFPA = sha256.Sum256(tlsA.Certificates[0].Certificate[0])
	}
	tA := &Transport{
		id:        idA,
		cfg:       TransportConfig{HelloTimeout: DefaultHelloTimeout},
		tlsConfig: tlsA,
		cache:     newConnCache(),
		bindings:  newCertBindings(),
		ownCertFP: ownCertFPA,
	}
	conn, err := tA.dial(ctx, addrB)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, _, _, err := tA.runClientHello(ctx, conn); err != nil {
		t.Fatalf("hello: %v", err)
	}

	const flood = 200
	for i := 0; i < flood; i++ {
		if _, err := conn.OpenStreamSync(ctx); err != nil {
			t.Fatalf("open flood stream %d: %v", i, err)
		}
		// Deliberately write nothing, mirroring an adversary that opens
		// streams and never sends data.
	}

	peak := 0.0
	for i := 0; i < 20; i++ {
		time.Sleep(50 * time.Millisecond)
		families, _ := metricsB.Registry.Gather()
		for _, f := range families {
			if f.GetName() == "gossipmesh_active_stream_handlers" && len(f.Metric) > 0 {
				if v := f.Metric[0].GetGauge().GetValue(); v > peak {
					peak = v
				}
			}
		}
	}
	if peak > maxStreams {
		t.Fatalf("peak active stream handlers = %v, want <= %d", peak, maxStreams)
	}

	if idB.Node == idA.Node {
		t.Fatalf("test setup invariant violated: distinct identities expected")
	}
}

// TestNewWiredTransportDeliversToEngine confirms NewWiredTransport's
// forwarding goroutine plumbs a Transport's inbound messages and
// connection events into the paired Engine with no intervening wiring
// required by the caller.
func TestNewWiredTransportDeliversToEngine(t *testing.T) {
	dir := t.TempDir()
	ca := newTestCA(t)

	idA, err := identity.LoadOrCreate(filepath.Join(dir, "a.key"))
	if err != nil {
		t.Fatalf("identity A: %v", err)
	}
	idB, err := identity.LoadOrCreate(filepath.Join(dir, "b.key"))
	if err != nil {
		t.Fatalf("identity B: %v", err)
	}

	addrA := freeLoopbackAddr(t)
	addrB := freeLoopbackAddr(t)

	eA := NewEngine(idA, Config{GossipInterval: time.Hour}, nil, NewMetrics(), nil)
	eB := NewEngine(idB, Config{GossipInterval: time.Hour}, nil, NewMetrics(), nil)

	tA, err := NewWiredTransport(idA, TransportConfig{ListenAddr: addrA, TLS: ca.issueLeaf(t, dir, "wa", 20)}, eA, eA.metrics, nil)
	if err != nil {
		t.Fatalf("new wired transport A: %v", err)
	}
	tB, err := NewWiredTransport(idB, TransportConfig{ListenAddr: addrB, TLS: ca.issueLeaf(t, dir, "wb", 21)}, eB, eB.metrics, nil)
	if err != nil {
		t.Fatalf("new wired transport B: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go tA.Run(ctx)
	go tB.Run(ctx)
	go eA.Run(ctx)
	go eB.Run(ctx)
	time.Sleep(200 * time.Millisecond)

	payload := TelemetryPayload{Originator: idA.Node, TimestampMS: uint64(time.Now().UnixMilli()), Sequence: 1, Value: 9}
	env := Sign(idA.Priv, payload)
	eA.out <- TransportCommand{Send: &SendCommand{Target: SendTarget{Addr: addrB}, Envelope: env}}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := eB.Snapshot()
		if rec, ok := snap.Peers[idA.Node.String()]; ok && rec.Payload.Value == 9 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("engine B never observed A's telemetry through the wired transport")
}
