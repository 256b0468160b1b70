package gossip

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/gossipmesh/gossipmesh/internal/identity"
)

// DefaultHelloTimeout bounds the identity handshake.
const DefaultHelloTimeout = 5 * time.Second

// DefaultMaxConcurrentStreams bounds concurrent streams, both per connection
// and across all connections.
const DefaultMaxConcurrentStreams = 256

// streamAcceptRate bounds how fast a single connection may open new
// inbound streams, a defense against scenario S5's stream-flood attack
// that complements the semaphore's ceiling on simultaneously-alive
// handlers.
const streamAcceptRate = 200 // streams/sec
const streamAcceptBurst = 50

// TransportConfig configures a Transport instance.
type TransportConfig struct {
	ListenAddr           string
	TLS                  TLSFiles
	HelloTimeout         time.Duration
	MaxConcurrentStreams int64
	QUICConfig           *quic.Config
}

func (c *TransportConfig) setDefaults() {
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = DefaultHelloTimeout
	}
	if c.MaxConcurrentStreams <= 0 {
		c.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if c.QUICConfig == nil {
		c.QUICConfig = &quic.Config{MaxIdleTimeout: 30 * time.Second, KeepAlivePeriod: 10 * time.Second}
	}
}

// Transport is the QUIC/TLS connection-multiplexing actor: it owns the
// listening endpoint, the connection cache, and per-connection stream
// concurrency limits, emitting verified InboundMessages and connEvents
// to the Engine and consuming TransportCommands emitted by it. See
// the hello handshake.
type Transport struct {
	id  *identity.Identity
	cfg TransportConfig

	tlsConfig *tls.Config
	listener  *quic.Listener
	cache     *connCache
	bindings  *certBindings
	ownCertFP [32]byte

	globalSem *semaphore.Weighted

	inboundCh  chan<- InboundMessage
	connEvents chan<- connEvent
	commands   <-chan TransportCommand

	metrics *Metrics
	audit   *AuditLogger
}

// NewTransport constructs a Transport. inboundCh and connEvents are the
// Engine-facing outputs; commands is the Engine-facing input (typically
// Engine.Outbound()).
func NewTransport(id *identity.Identity, cfg TransportConfig, inboundCh chan<- InboundMessage, connEvents chan<- connEvent, commands <-chan TransportCommand, metrics *Metrics, audit *AuditLogger) (*Transport, error) {
	cfg.setDefaults()

	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	var ownCertFP [32]byte
	if len(tlsConfig.Certificates) > 0 && len(tlsConfig.Certificates[0].Certificate) > 0 {
		ownCertFP = sha256.Sum256(tlsConfig.Certificates[0].Certificate[0])
	}

	return &Transport{
		id:         id,
		cfg:        cfg,
		tlsConfig:  tlsConfig,
		cache:      newConnCache(),
		bindings:   newCertBindings(),
		ownCertFP:  ownCertFP,
		globalSem:  semaphore.NewWeighted(cfg.MaxConcurrentStreams),
		inboundCh:  inboundCh,
		connEvents: connEvents,
		commands:   commands,
		metrics:    metrics,
		audit:      audit,
	}, nil
}

// NewWiredTransport constructs a Transport that delivers its inbound
// messages and connection events directly into e via SubmitInbound and
// SubmitConnEvent. This is the normal way to pair a Transport with a
// live Engine; tests instead wire a simulated transport by calling
// e.SubmitInbound/e.SubmitConnEvent directly, since connEvent and the
// raw channel types are unexported.
func NewWiredTransport(id *identity.Identity, cfg TransportConfig, e *Engine, metrics *Metrics, audit *AuditLogger) (*Transport, error) {
	inbound := make(chan InboundMessage, inboundChannelCapacity)
	connEvents := make(chan connEvent, inboundChannelCapacity)

	t, err := NewTransport(id, cfg, inbound, connEvents, e.Outbound(), metrics, audit)
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			select {
			case m, ok := <-inbound:
				if !ok {
					return
				}
				e.SubmitInbound(m)
			case ev, ok := <-connEvents:
				if !ok {
					return
				}
				e.SubmitConnEvent(ev.nodeID, ev.addr, ev.connected)
			}
		}
	}()

	return t, nil
}

// Run listens for inbound connections and processes outbound commands
// until ctx is cancelled. It blocks until both loops have exited.
func (t *Transport) Run(ctx context.Context) error {
	listener, err := quic.ListenAddr(t.cfg.ListenAddr, t.tlsConfig, t.cfg.QUICConfig)
	if err != nil {
		return fmt.Errorf("gossip: listen on %s: %w", t.cfg.ListenAddr, err)
	}
	t.listener = listener
	slog.Info("transport listening", "addr", t.cfg.ListenAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.acceptLoop(ctx)
	}()

	t.commandLoop(ctx)

	_ = listener.Close()
	<-done
	return nil
}

// acceptLoop accepts inbound QUIC sessions, spawning one goroutine per
// accepted connection to run its hello handshake and stream-accept loop
// one goroutine per accepted connection.
func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("transport accept error", "error", err)
			continue
		}
		go t.handleInboundConnection(ctx, conn)
	}
}

// commandLoop drains Engine-issued TransportCommands until ctx is done.
func (t *Transport) commandLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-t.commands:
			t.handleCommand(ctx, cmd)
		}
	}
}

func (t *Transport) handleCommand(ctx context.Context, cmd TransportCommand) {
	switch {
	case cmd.Send != nil:
		t.handleSend(ctx, *cmd.Send)
	case cmd.Drop != nil:
		t.handleDrop(*cmd.Drop)
	}
}

// handleSend implements Send(NodeId, ...) / Send(Address, ...)
// resolution order: cached connection by NodeID, else cached address,
// else (if an address hint is present) dial it fresh.
func (t *Transport) handleSend(ctx context.Context, cmd SendCommand) {
	if cmd.Target.HasNode {
		if cc, ok := t.cache.lookup(cmd.Target.NodeID); ok {
			t.sendOn(ctx, cc, cmd.Envelope)
			return
		}
	}
	if cmd.Target.Addr == "" {
		t.dropNoRoute(cmd)
		return
	}
	if nodeID, ok := t.cache.lookupAddr(cmd.Target.Addr); ok {
		if cc, ok := t.cache.lookup(nodeID); ok {
			t.sendOn(ctx, cc, cmd.Envelope)
			return
		}
	}

	conn, err := t.dial(ctx, cmd.Target.Addr)
	if err != nil {
		slog.Debug("dial failed", "addr", cmd.Target.Addr, "error", err)
		return
	}
	nodeID, cc, kept, err := t.runClientHello(ctx, conn)
	if err != nil {
		slog.Debug("hello failed after dial", "addr", cmd.Target.Addr, "error", err)
		if t.audit != nil {
			t.audit.HelloRejected(cmd.Target.Addr, err.Error())
		}
		_ = conn.CloseWithError(0, "hello failed")
		return
	}
	if kept {
		go t.streamAcceptLoop(ctx, nodeID, conn)
	}
	t.sendOn(ctx, cc, cmd.Envelope)
}

func (t *Transport) dropNoRoute(cmd SendCommand) {
	slog.Debug("gossip: no route to target", "error", ErrNoRoute, "has_node", cmd.Target.HasNode)
}

func (t *Transport) handleDrop(cmd DropCommand) {
	cc, ok := t.cache.remove(cmd.NodeID)
	if !ok {
		return
	}
	_ = cc.conn.CloseWithError(0, "stale")
	if t.audit != nil {
		t.audit.ConnectionEvicted(cmd.NodeID.String(), "stale")
	}
	t.emitConnEvent(cmd.NodeID, "", false)
	if t.metrics != nil {
		t.metrics.ConnectionCacheSize.Set(float64(t.cache.size()))
	}
}

// sendOn opens a new stream on cc's connection, writes env, and closes
// the write side; the peer does not reply on the same stream.
func (t *Transport) sendOn(ctx context.Context, cc *cachedConn, env SignedEnvelope) {
	if !t.globalSem.TryAcquire(1) {
		if t.metrics != nil {
			t.metrics.BackpressureDrops.WithLabelValues("stream_send").Inc()
		}
		return
	}
	defer t.globalSem.Release(1)

	cc.mu.Lock()
	stream, err := cc.conn.OpenStreamSync(ctx)
	cc.mu.Unlock()
	if err != nil {
		slog.Debug("open stream for send failed", "error", err)
		return
	}
	defer stream.Close()

	frame := EncodeTelemetryFrame(env)
	if _, err := stream.Write(frame); err != nil {
		slog.Debug("send write failed", "error", err)
	}
}

// dial opens a new QUIC connection to addr using this node's mutual-TLS
// identity.
func (t *Transport) dial(ctx context.Context, addr string) (quic.Connection, error) {
	cfg := t.tlsConfig.Clone()
	cfg.ServerName = "gossipmesh-peer" // unused for verification; chainVerifier ignores hostname
	return quic.DialAddr(ctx, addr, cfg, t.cfg.QUICConfig)
}

// handleInboundConnection runs the server side of the identity handshake
// on a freshly accepted connection, then the bounded stream-accept loop.
func (t *Transport) handleInboundConnection(ctx context.Context, conn quic.Connection) {
	nodeID, err := t.runServerHello(ctx, conn)
	if err != nil {
		slog.Debug("inbound hello failed", "remote", conn.RemoteAddr().String(), "error", err)
		if t.audit != nil {
			t.audit.HelloRejected(conn.RemoteAddr().String(), err.Error())
		}
		if t.metrics != nil {
			t.metrics.HelloFailures.WithLabelValues(classifyHelloError(err)).Inc()
		}
		_ = conn.CloseWithError(0, "hello failed")
		return
	}
	if t.admit(nodeID, conn, false) {
		t.streamAcceptLoop(ctx, nodeID, conn)
	}
}

func classifyHelloError(err error) string {
	switch {
	case err == nil:
		return "none"
	case isErr(err, ErrHelloTimeout):
		return "timeout"
	case isErr(err, ErrHelloMismatch):
		return "mismatch"
	case isErr(err, ErrBadSignature):
		return "bad_signature"
	default:
		return "other"
	}
}

func isErr(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// admit inserts a freshly verified connection into the cache, evicting
// and closing any connection it replaces, then notifies the Engine.
// outbound reports whether this side dialed (vs accepted) conn. It
// reports whether conn itself was admitted: on a simultaneous-dial
// collision the loser's connection is closed here and the caller must
// not proceed to use it (no streamAcceptLoop, no further sends on it).
func (t *Transport) admit(nodeID identity.NodeID, conn quic.Connection, outbound bool) bool {
	addr := conn.RemoteAddr().String()
	kept, evicted := t.cache.insert(t.id.Node, nodeID, conn, addr, outbound)
	if kept.conn != conn {
		_ = conn.CloseWithError(0, "lost simultaneous-dial tie-break")
		if t.audit != nil {
			t.audit.ConnectionEvicted(nodeID.String(), "dial_collision_loser")
		}
		return false
	}
	if evicted != nil {
		_ = evicted.conn.CloseWithError(0, "superseded")
	}
	if t.audit != nil {
		t.audit.ConnectionAdmitted(nodeID.String(), addr)
	}
	if t.metrics != nil {
		t.metrics.ConnectionCacheSize.Set(float64(t.cache.size()))
	}
	t.emitConnEvent(nodeID, addr, true)
	return true
}

func (t *Transport) emitConnEvent(nodeID identity.NodeID, addr string, connected bool) {
	select {
	case t.connEvents <- connEvent{nodeID: nodeID, addr: addr, connected: connected}:
	default:
		if t.metrics != nil {
			t.metrics.BackpressureDrops.WithLabelValues("conn_event").Inc()
		}
	}
}

// streamAcceptLoop accepts inbound streams on conn until it closes,
// bounded globally and per-connection by semaphores and rate-limited
// against a stream-flood attacker (scenario S5).
func (t *Transport) streamAcceptLoop(ctx context.Context, nodeID identity.NodeID, conn quic.Connection) {
	perConnSem := semaphore.NewWeighted(t.cfg.MaxConcurrentStreams)
	limiter := rate.NewLimiter(rate.Limit(streamAcceptRate), streamAcceptBurst)

	defer func() {
		if _, ok := t.cache.remove(nodeID); ok {
			t.emitConnEvent(nodeID, "", false)
			if t.metrics != nil {
				t.metrics.ConnectionCacheSize.Set(float64(t.cache.size()))
			}
		}
	}()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			_ = stream.Close()
			return
		}
		if !t.globalSem.TryAcquire(1) {
			if t.metrics != nil {
				t.metrics.BackpressureDrops.WithLabelValues("stream_accept_global").Inc()
			}
			_ = stream.Close()
			continue
		}
		if !perConnSem.TryAcquire(1) {
			t.globalSem.Release(1)
			if t.metrics != nil {
				t.metrics.BackpressureDrops.WithLabelValues("stream_accept_conn").Inc()
			}
			_ = stream.Close()
			continue
		}

		if t.metrics != nil {
			t.metrics.ActiveStreamHandlers.Inc()
		}
		go func() {
			defer t.globalSem.Release(1)
			defer perConnSem.Release(1)
			if t.metrics != nil {
				defer t.metrics.ActiveStreamHandlers.Dec()
			}
			t.handleInboundStream(nodeID, conn.RemoteAddr().String(), stream)
		}()
	}
}

// handleInboundStream reads exactly one framed telemetry message from
// stream and forwards it to the Engine tagged with the TLS-verified
// NodeID of the connection it arrived on — never any identity named
// inside the payload itself.
func (t *Transport) handleInboundStream(verifiedNodeID identity.NodeID, addr string, stream quic.Stream) {
	defer stream.Close()

	frameType, body, err := ReadFrame(stream, MaxMessageSize)
	if err != nil {
		slog.Debug("inbound frame read failed", "error", err)
		return
	}
	if frameType != FrameTypeTelemetry {
		slog.Debug("unexpected frame type on data stream", "type", frameType)
		return
	}
	env, err := DecodeTelemetryBody(body)
	if err != nil {
		slog.Debug("inbound telemetry decode failed", "error", err)
		return
	}

	select {
	case t.inboundCh <- InboundMessage{VerifiedNodeID: verifiedNodeID, PeerAddr: addr, Envelope: env}:
	default:
		if t.metrics != nil {
			t.metrics.BackpressureDrops.WithLabelValues("inbound").Inc()
		}
	}
}

// runServerHello performs the responder half of the identity
// handshake: read the dialer's signed hello, verify it, send our own.
func (t *Transport) runServerHello(ctx context.Context, conn quic.Connection) (identity.NodeID, error) {
	hctx, cancel := context.WithTimeout(ctx, t.cfg.HelloTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(hctx)
	if err != nil {
		return identity.NodeID{}, fmt.Errorf("%w: %v", ErrHelloTimeout, err)
	}
	defer stream.Close()

	peerID, err := t.readAndVerifyHello(stream, conn)
	if err != nil {
		return identity.NodeID{}, err
	}
	if err := t.sendHello(hctx, conn, stream); err != nil {
		return identity.NodeID{}, err
	}
	return peerID, nil
}

// runClientHello performs the dialer half: open a stream, send our
// hello, read the responder's, and admit the connection once both
// verify. The returned bool reports whether our own dialed connection
// won any simultaneous-dial tie-break against a concurrent connection
// from the same peer in the other direction; when false, cc refers to
// the peer's connection instead and conn itself has already been closed.
func (t *Transport) runClientHello(ctx context.Context, conn quic.Connection) (identity.NodeID, *cachedConn, bool, error) {
	hctx, cancel := context.WithTimeout(ctx, t.cfg.HelloTimeout)
	defer cancel()

	stream, err := conn.OpenStreamSync(hctx)
	if err != nil {
		return identity.NodeID{}, nil, false, fmt.Errorf("%w: %v", ErrHelloTimeout, err)
	}
	defer stream.Close()

	if err := t.sendHello(hctx, conn, stream); err != nil {
		return identity.NodeID{}, nil, false, err
	}
	peerID, err := t.readAndVerifyHello(stream, conn)
	if err != nil {
		return identity.NodeID{}, nil, false, err
	}

	kept := t.admit(peerID, conn, true)
	cc, _ := t.cache.lookup(peerID)
	return peerID, cc, kept, nil
}

// sendHello sends a signed hello whose nonce is the fingerprint of the
// certificate the peer presented on conn, not a random value: this
// binds the signed hello to this specific TLS channel, so a captured
// hello cannot be replayed by relaying it onto a different connection.
func (t *Transport) sendHello(ctx context.Context, conn quic.Connection, stream quic.Stream) error {
	peerFP, err := peerCertFingerprint(conn)
	if err != nil {
		return fmt.Errorf("gossip: compute peer cert fingerprint: %w", err)
	}
	payload := HelloPayload{
		NodeID:                   t.id.Node,
		NonceFromCertFingerprint: peerFP,
		TimestampMS:              uint64(time.Now().UnixMilli()),
	}
	signed := SignHello(t.id.Priv, payload)
	_, err = stream.Write(EncodeHelloFrame(signed))
	return err
}

// readAndVerifyHello reads a hello frame from stream, verifies its
// signature, confirms it was produced for a connection terminating at
// our own certificate, and checks the claimed NodeID against the
// certificate fingerprint bound to it on first contact. The returned
// NodeID is the only trustworthy identity for the connection this
// stream belongs to.
func (t *Transport) readAndVerifyHello(stream quic.Stream, conn quic.Connection) (identity.NodeID, error) {
	frameType, body, err := ReadFrame(stream, MaxMessageSize)
	if err != nil {
		return identity.NodeID{}, fmt.Errorf("%w: %v", ErrHelloTimeout, err)
	}
	if frameType != FrameTypeHello {
		return identity.NodeID{}, fmt.Errorf("%w: unexpected frame type %d", ErrMalformedEnvelope, frameType)
	}
	hello, err := DecodeHelloBody(body)
	if err != nil {
		return identity.NodeID{}, err
	}
	if !hello.Verify() {
		return identity.NodeID{}, ErrBadSignature
	}
	if hello.Payload.NonceFromCertFingerprint != t.ownCertFP {
		return identity.NodeID{}, fmt.Errorf("%w: hello not bound to this connection's certificate", ErrHelloMismatch)
	}
	peerFP, err := peerCertFingerprint(conn)
	if err != nil {
		return identity.NodeID{}, err
	}
	if !t.bindings.checkAndBind(hello.Payload.NodeID, peerFP) {
		return identity.NodeID{}, fmt.Errorf("%w: certificate does not match node id's bound identity", ErrHelloMismatch)
	}
	return hello.Payload.NodeID, nil
}

// peerCertFingerprint returns the SHA-256 digest of the leaf certificate
// the remote side presented during conn's TLS handshake.
func peerCertFingerprint(conn quic.Connection) ([32]byte, error) {
	certs := conn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return [32]byte{}, fmt.Errorf("gossip: connection presented no peer certificate")
	}
	return sha256.Sum256(certs[0].Raw), nil
}
