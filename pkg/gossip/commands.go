package gossip

import "github.com/gossipmesh/gossipmesh/internal/identity"

// InboundMessage is delivered by Transport to the Engine. VerifiedNodeID
// is the NodeID whose certificate the TLS session authenticated AND whose
// hello payload verified, the only trustworthy routing key.
// PeerAddr is that connection's observed remote address.
type InboundMessage struct {
	VerifiedNodeID identity.NodeID
	PeerAddr       string
	Envelope       SignedEnvelope
}

// SendTarget names either a known NodeID (Transport looks up its cached
// connection) or a raw address (used before the first verified message
// from that address, e.g. for bootstrap dials).
type SendTarget struct {
	NodeID   identity.NodeID
	HasNode  bool
	Addr     string
}

// TransportCommand is emitted by the Engine to Transport.
type TransportCommand struct {
	Send *SendCommand
	Drop *DropCommand
}

// SendCommand asks Transport to deliver env to target, dialing by address
// first if no connection or cached address exists for a NodeID target.
type SendCommand struct {
	Target   SendTarget
	Envelope SignedEnvelope
}

// DropCommand asks Transport to close and evict any cached connection to
// NodeID, e.g. following a staleness sweep.
type DropCommand struct {
	NodeID identity.NodeID
}

// connEvent is how Transport informs the Engine of connectivity changes:
// a verified connection established or torn down. The Engine uses this,
// never telemetry payload content, to populate its routing table.
type connEvent struct {
	nodeID    identity.NodeID
	addr      string
	connected bool
}
