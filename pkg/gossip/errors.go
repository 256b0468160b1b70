package gossip

import "errors"

// Error taxonomy. Kinds, not a type hierarchy: each sentinel below maps to
// one kind from the spec's error design (§7). Fatal kinds (Configuration,
// Identity, bind failure) terminate the process; connection-scoped and
// message-scoped kinds never do.
var (
	// ErrBadVersion is a ProtocolError: the first byte of a frame names an
	// unsupported protocol version. Connection-scoped; closes the stream.
	ErrBadVersion = errors.New("gossip: unsupported protocol version")

	// ErrOversizeFrame is a ProtocolError: a frame's declared length exceeds
	// MAX_MESSAGE_SIZE. Rejected before allocation grows past the cap.
	ErrOversizeFrame = errors.New("gossip: frame exceeds maximum message size")

	// ErrMalformedEnvelope is a ProtocolError: a frame's body could not be
	// decoded into a well-formed envelope.
	ErrMalformedEnvelope = errors.New("gossip: malformed envelope")

	// ErrHelloTimeout is a ProtocolError: the identity handshake did not
	// complete within HELLO_TIMEOUT_MS.
	ErrHelloTimeout = errors.New("gossip: hello handshake timed out")

	// ErrHelloMismatch is a ProtocolError: the hello's claimed NodeID does
	// not match the NodeID already bound to this peer's certificate.
	ErrHelloMismatch = errors.New("gossip: hello node id does not match bound identity")

	// ErrBadSignature is a ValidationError: Ed25519 verification failed.
	// Message-scoped; the envelope is silently dropped.
	ErrBadSignature = errors.New("gossip: invalid signature")

	// ErrClockSkew is a ValidationError: the payload timestamp is outside
	// MAX_CLOCK_SKEW_MS of the receiver's clock.
	ErrClockSkew = errors.New("gossip: timestamp outside allowed clock skew")

	// ErrStale is a ValidationError: the payload is not fresher than the
	// existing PeerRecord for its originator.
	ErrStale = errors.New("gossip: stale or duplicate payload")

	// ErrDuplicate is a ValidationError: the envelope's signature was
	// already seen and suppressed by the SeenCache.
	ErrDuplicate = errors.New("gossip: duplicate envelope")

	// ErrNoRoute is a TransportError: Send(NodeID, ...) was requested but
	// neither a cached connection nor a cached address exists for it.
	ErrNoRoute = errors.New("gossip: no route to node")

	// ErrBackpressure is a BackpressureError: a bounded channel was full
	// and the command was dropped rather than queued unboundedly.
	ErrBackpressure = errors.New("gossip: channel saturated, command dropped")

	// ErrShuttingDown names the error kind for work submitted to an actor
	// that has begun its drain-and-exit sequence. SubmitInbound and
	// SubmitConnEvent have no error result and do not return it.
	ErrShuttingDown = errors.New("gossip: actor is shutting down")
)
