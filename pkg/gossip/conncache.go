package gossip

import (
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/gossipmesh/gossipmesh/internal/identity"
)

// cachedConn is one entry of the connection cache: a verified QUIC
// connection, its address and dial direction, and a mutex that serializes
// stream opens on it.
type cachedConn struct {
	mu       sync.Mutex
	conn     quic.Connection
	addr     string
	outbound bool
}

// connCache is the Transport's set of (NodeId, Connection) entries with
// atomic per-key insert/lookup/remove and a secondary index from
// address to NodeId for pre-hello dials.
// Keyed by verified_node_id. One RWMutex guards both maps for insert,
// lookup and remove; stream opens are serialized per entry by
// cachedConn.mu, so sends to different peers never contend on a stream open.
type connCache struct {
	mu     sync.RWMutex
	byNode map[identity.NodeID]*cachedConn
	byAddr map[string]identity.NodeID
}

func newConnCache() *connCache {
	return &connCache{
		byNode: make(map[identity.NodeID]*cachedConn),
		byAddr: make(map[string]identity.NodeID),
	}
}

// lookup returns the cached connection for nodeID, if any.
func (c *connCache) lookup(nodeID identity.NodeID) (*cachedConn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cc, ok := c.byNode[nodeID]
	return cc, ok
}

// lookupAddr resolves a pre-hello address hint to an already-verified
// NodeID, used only for bootstrap sends before the first hello completes.
func (c *connCache) lookupAddr(addr string) (identity.NodeID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byAddr[addr]
	return id, ok
}

// insert admits a newly verified connection to the cache. selfID is the
// local node's own identity and outbound reports whether this side
// dialed (vs accepted) the connection being inserted.
//
// If a connection already exists for nodeID and its direction differs
// from the new one (a simultaneous-dial collision: both sides completed
// a hello for the other, one outbound and one inbound), the tie is
// broken by NodeID comparison: the side with the lexicographically
// greater NodeID keeps its own outbound connection, and the other side
// keeps its inbound connection. Same-direction inserts (a plain
// reconnect) always replace the existing entry.
//
// kept is whichever of old/new survives and is now the cache's entry
// for nodeID; evicted is whichever did not (nil if there was no prior
// entry). The caller must close evicted.conn, and must close conn
// itself (without proceeding to use it) when kept != the cachedConn
// wrapping conn.
func (c *connCache) insert(selfID, nodeID identity.NodeID, conn quic.Connection, addr string, outbound bool) (kept, evicted *cachedConn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	newConn := &cachedConn{conn: conn, addr: addr, outbound: outbound}
	old, hadOld := c.byNode[nodeID]

	if hadOld && old.outbound != outbound {
		selfIsGreater := selfID != nodeID && !selfID.Less(nodeID)
		keepNew := outbound == selfIsGreater
		if !keepNew {
			return old, newConn
		}
	}

	c.byNode[nodeID] = newConn
	if addr != "" {
		c.byAddr[addr] = nodeID
	}
	if hadOld {
		return newConn, old
	}
	return newConn, nil
}

// remove evicts nodeID's cached connection, if present.
func (c *connCache) remove(nodeID identity.NodeID) (*cachedConn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc, ok := c.byNode[nodeID]
	if ok {
		delete(c.byNode, nodeID)
		if cc.addr != "" && c.byAddr[cc.addr] == nodeID {
			delete(c.byAddr, cc.addr)
		}
	}
	return cc, ok
}

// size returns the number of cached connections.
func (c *connCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byNode)
}
