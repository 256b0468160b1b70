package gossip

import (
	"log/slog"
	"sync"
)

// subscriberChannelCapacity bounds each subscriber's delivery channel, per
// a bounded-channel backpressure policy: a slow subscriber falls
// behind and drops updates rather than blocking the Engine.
const subscriberChannelCapacity = 1024

// SubscriberBus broadcasts StateSnapshot/delta updates to registered
// observers. It is the in-process half of the observer push
// channel — the websocket/HTTP delivery to a browser is an external
// collaborator and lives outside this package.
type SubscriberBus struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]chan SnapshotUpdate
	latest  Snapshot
	dropped *counter
}

// counter is a tiny nil-safe increment-only counter, mirroring the
// teacher's nil-safe AuditLogger pattern so metrics wiring is optional.
type counter struct {
	inc func()
}

func (c *counter) bump() {
	if c != nil && c.inc != nil {
		c.inc()
	}
}

// NewSubscriberBus creates an empty bus. onDrop, if non-nil, is called
// once per update dropped due to a full subscriber channel (wired to a
// Prometheus counter by callers that want the metric).
func NewSubscriberBus(onDrop func()) *SubscriberBus {
	return &SubscriberBus{
		subs:    make(map[uint64]chan SnapshotUpdate),
		latest:  Snapshot{Peers: make(map[string]PeerRecord)},
		dropped: &counter{inc: onDrop},
	}
}

// Subscribe registers a new observer and immediately delivers a full
// snapshot of current state on the returned channel, exactly once,
// before any deltas. Callers must eventually call the returned cancel
// function to unregister.
func (b *SubscriberBus) Subscribe() (<-chan SnapshotUpdate, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan SnapshotUpdate, subscriberChannelCapacity)

	full := b.latest // Publish mutates latest.Peers in place, so copy it under the lock
	peersCopy := make(map[string]PeerRecord, len(full.Peers))
	for k, v := range full.Peers {
		peersCopy[k] = v
	}
	edgesCopy := append([]string(nil), full.Edges...)

	ch <- SnapshotUpdate{Full: &Snapshot{Peers: peersCopy, Edges: edgesCopy}}
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			close(c)
			delete(b.subs, id)
		}
	}
	return ch, cancel
}

// Publish applies delta to the bus's authoritative latest snapshot and
// broadcasts it to every subscriber. Subscribers whose channel is full
// miss the update; the bus's latest snapshot is always kept consistent
// regardless, so the next full Subscribe call still reflects reality.
func (b *SubscriberBus) Publish(delta Delta) {
	if delta.Empty() {
		return
	}

	b.mu.Lock()
	for _, r := range delta.Added {
		b.latest.Peers[r.Originator.String()] = r
	}
	for _, r := range delta.Updated {
		b.latest.Peers[r.Originator.String()] = r
	}
	for _, id := range delta.Removed {
		delete(b.latest.Peers, id)
	}
	for _, c := range delta.ConnectionStatusChanged {
		if r, ok := b.latest.Peers[c.NodeID]; ok {
			r.ConnStatus = c.Status
			b.latest.Peers[c.NodeID] = r
		}
	}

	subs := make([]chan SnapshotUpdate, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	update := SnapshotUpdate{Delta: &delta}
	for _, ch := range subs {
		select {
		case ch <- update:
		default:
			b.dropped.bump()
			slog.Warn("subscriber channel saturated, update dropped")
		}
	}
}

// SetEdges replaces the bus's view of active verified connections. Called
// by the Engine whenever Transport reports a connection established or
// torn down, so a fresh Subscribe call's full snapshot reflects reality
// even if no telemetry delta accompanied the connectivity change.
func (b *SubscriberBus) SetEdges(edges []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest.Edges = append([]string(nil), edges...)
}
