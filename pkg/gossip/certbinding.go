package gossip

import (
	"sync"

	"github.com/gossipmesh/gossipmesh/internal/identity"
)

// certBindings is a trust-on-first-contact map from a peer's claimed
// NodeID to the certificate fingerprint it first presented. A later
// connection claiming the same NodeID over a different certificate is
// rejected, which is what stops a relay from forwarding a captured
// hello and having it accepted as a direct connection from the
// original node.
type certBindings struct {
	mu  sync.Mutex
	fps map[identity.NodeID][32]byte
}

func newCertBindings() *certBindings {
	return &certBindings{fps: make(map[identity.NodeID][32]byte)}
}

// checkAndBind records fp as nodeID's bound certificate fingerprint if
// no binding exists yet, and reports whether fp matches the (possibly
// newly-recorded) binding.
func (b *certBindings) checkAndBind(nodeID identity.NodeID, fp [32]byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.fps[nodeID]
	if !ok {
		b.fps[nodeID] = fp
		return true
	}
	return existing == fp
}
