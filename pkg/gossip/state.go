package gossip

import (
	"time"

	"github.com/gossipmesh/gossipmesh/internal/identity"
)

// ConnStatus is the connectivity state of a known NodeID, as observed by
// Transport. Fed into SnapshotUpdate's connection_status_changed field.
type ConnStatus string

const (
	ConnStatusDirect       ConnStatus = "direct"
	ConnStatusUnreachable  ConnStatus = "unreachable"
)

// PeerRecord is the Engine's per-originator latest-known telemetry state,
// Exactly one PeerRecord exists per originator, holding the
// lexicographically-greatest (TimestampMS, Sequence) ever validated.
type PeerRecord struct {
	Originator  identity.NodeID
	Payload     TelemetryPayload
	LastUpdated time.Time
	ConnStatus  ConnStatus
}

// Fresher reports whether (ts, seq) is strictly newer than this record.
func (r PeerRecord) Fresher(ts, seq uint64) bool {
	return r.Payload.Fresher(ts, seq)
}

// peerInfo is a routing-table entry: a NodeID the Engine can reach
// directly over a verified Transport connection. It is populated only
// from Transport's verified-connection events, never from telemetry
// payload content — this is the mitigation for the routing-table
// poisoning attack against the freshness check.
type peerInfo struct {
	NodeID         identity.NodeID
	Addr           string
	CommunityID    uint32
	CommunityKnown bool
	ConnectedAt    time.Time
}

// Snapshot is a full point-in-time view of the Engine's telemetry state
// plus the set of currently active verified connections ("edges").
type Snapshot struct {
	Peers map[string]PeerRecord
	Edges []string
}

// ConnStatusChange records a connection_status_changed delta entry.
type ConnStatusChange struct {
	NodeID string
	Status ConnStatus
}

// Delta describes an incremental change to the Engine's state, per
// added/updated/removed PeerRecords plus connection status
// transitions.
type Delta struct {
	Added                   []PeerRecord
	Updated                 []PeerRecord
	Removed                 []string
	ConnectionStatusChanged []ConnStatusChange
}

// Empty reports whether the delta carries no changes at all, letting
// callers skip publishing a no-op update.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0 && len(d.ConnectionStatusChanged) == 0
}

// SnapshotUpdate is published to subscribers on any state change. A fresh
// subscriber receives exactly one SnapshotUpdate carrying Full, followed
// by a stream of SnapshotUpdates carrying Delta.
type SnapshotUpdate struct {
	Full  *Snapshot
	Delta *Delta
}
