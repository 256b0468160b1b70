package gossip

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"sync"
	"time"

	"github.com/gossipmesh/gossipmesh/internal/identity"
	"github.com/gossipmesh/gossipmesh/internal/reputation"
)

// MaxClockSkew is the default tolerance for a payload's timestamp
// relative to the receiver's clock.
const MaxClockSkew = 5 * time.Minute

// inboundChannelCapacity bounds the Engine's inbox.
const inboundChannelCapacity = 1024

// outboundChannelCapacity bounds the Engine -> Transport command channel,
// bounded to apply backpressure rather than block.
const outboundChannelCapacity = 1024

// Config configures an Engine instance. All durations use spec-level
// names (gossip_interval_ms etc.) translated to time.Duration.
type Config struct {
	GossipInterval time.Duration
	GossipFactor   int
	IntraBias      float64
	NodeTTL        time.Duration
	CommunityID    uint32
	MaxClockSkew   time.Duration
	BootstrapAddrs []string
	SeenCacheSize  int

	// Sample produces the domain-defined scalar telemetry value on each
	// Tick. Defaults to a constant zero reading if nil.
	Sample func() float64
}

func (c *Config) setDefaults() {
	if c.GossipInterval <= 0 {
		c.GossipInterval = time.Second
	}
	if c.GossipFactor <= 0 {
		c.GossipFactor = 3
	}
	if c.IntraBias <= 0 {
		c.IntraBias = DefaultIntraBias
	}
	if c.NodeTTL <= 0 {
		c.NodeTTL = 5 * time.Minute
	}
	if c.MaxClockSkew <= 0 {
		c.MaxClockSkew = MaxClockSkew
	}
	if c.Sample == nil {
		c.Sample = func() float64 { return 0 }
	}
}

// Engine is the single-writer actor holding per-node state, driving the
// gossip cadence, validating inbound payloads, and choosing fan-out
// peers.
type Engine struct {
	id  *identity.Identity
	cfg Config

	seen    *SeenCache
	subs    *SubscriberBus
	metrics *Metrics
	audit   *AuditLogger

	out   chan TransportCommand
	inbox chan inboundOrEvent

	mu             sync.RWMutex
	peers          map[string]PeerRecord
	peerSet        map[identity.NodeID]peerInfo
	bootstrapAddrs map[string]struct{}

	history *reputation.ConnectionTracker

	now func() time.Time
}

// SetHistory attaches a connection-status tracker that persists
// direct/unreachable transitions across restarts. Nil-safe: a nil
// tracker (the default) disables this without affecting ConnStatus on
// PeerRecord, which onConnEvent always updates regardless.
func (e *Engine) SetHistory(h *reputation.ConnectionTracker) {
	e.mu.Lock()
	e.history = h
	e.mu.Unlock()
}

type inboundOrEvent struct {
	inbound *InboundMessage
	event   *connEvent
}

// NewEngine constructs an Engine. subs and metrics may be nil; nil
// metrics disable instrumentation, a nil SubscriberBus disables
// publication (both are nil-safe).
func NewEngine(id *identity.Identity, cfg Config, subs *SubscriberBus, metrics *Metrics, audit *AuditLogger) *Engine {
	cfg.setDefaults()

	bootstraps := make(map[string]struct{}, len(cfg.BootstrapAddrs))
	for _, a := range cfg.BootstrapAddrs {
		bootstraps[a] = struct{}{}
	}

	return &Engine{
		id:             id,
		cfg:            cfg,
		seen:           NewSeenCache(cfg.SeenCacheSize),
		subs:           subs,
		metrics:        metrics,
		audit:          audit,
		out:            make(chan TransportCommand, outboundChannelCapacity),
		inbox:          make(chan inboundOrEvent, inboundChannelCapacity),
		peers:          make(map[string]PeerRecord),
		peerSet:        make(map[identity.NodeID]peerInfo),
		bootstrapAddrs: bootstraps,
		now:            time.Now,
	}
}

// Outbound returns the receive-half of the Engine -> Transport command
// channel. Transport owns consuming it.
func (e *Engine) Outbound() <-chan TransportCommand { return e.out }

// SubmitInbound delivers an InboundMessage from Transport. Non-blocking:
// if the inbox is saturated the message is dropped and a backpressure
// counter incremented.
func (e *Engine) SubmitInbound(m InboundMessage) {
	select {
	case e.inbox <- inboundOrEvent{inbound: &m}:
	default:
		e.bumpBackpressure("inbound")
	}
}

// SubmitConnEvent informs the Engine that Transport established or tore
// down a verified connection.
func (e *Engine) SubmitConnEvent(nodeID identity.NodeID, addr string, connected bool) {
	select {
	case e.inbox <- inboundOrEvent{event: &connEvent{nodeID: nodeID, addr: addr, connected: connected}}:
	default:
		e.bumpBackpressure("inbound")
	}
}

func (e *Engine) bumpBackpressure(channel string) {
	if e.metrics != nil {
		e.metrics.BackpressureDrops.WithLabelValues(channel).Inc()
	}
}

// Run drives the Engine's Tick/Inbound/Shutdown loop until ctx is
// cancelled, then drains the current inbox before returning.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			e.publishFinal()
			return
		case <-ticker.C:
			e.onTick()
		case m := <-e.inbox:
			e.dispatch(m)
		}
	}
}

// drain processes any messages already queued in the inbox before the
// Engine exits, draining what's already buffered on shutdown.
func (e *Engine) drain() {
	for {
		select {
		case m := <-e.inbox:
			e.dispatch(m)
		default:
			return
		}
	}
}

func (e *Engine) dispatch(m inboundOrEvent) {
	switch {
	case m.inbound != nil:
		e.onInbound(*m.inbound)
	case m.event != nil:
		e.onConnEvent(*m.event)
	}
}

func (e *Engine) publishFinal() {
	if e.subs == nil {
		return
	}
	e.subs.Publish(e.snapshotDelta())
}

// snapshotDelta returns a delta carrying every currently-held PeerRecord
// as an update; used for the final snapshot on shutdown.
func (e *Engine) snapshotDelta() Delta {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d := Delta{Updated: make([]PeerRecord, 0, len(e.peers))}
	for _, r := range e.peers {
		d.Updated = append(d.Updated, r)
	}
	return d
}

// onTick handles a periodic gossip tick.
func (e *Engine) onTick() {
	if e.metrics != nil {
		e.metrics.TelemetryTicks.Inc()
	}

	payload := TelemetryPayload{
		Originator:  e.id.Node,
		TimestampMS: uint64(e.now().UnixMilli()),
		Sequence:    e.id.NextSequence(),
		Value:       e.cfg.Sample(),
		CommunityID: e.cfg.CommunityID,
	}
	env := Sign(e.id.Priv, payload)

	self := PeerRecord{
		Originator:  e.id.Node,
		Payload:     payload,
		LastUpdated: e.now(),
		ConnStatus:  ConnStatusDirect,
	}
	e.mu.Lock()
	_, hadSelf := e.peers[e.id.Node.String()]
	e.peers[e.id.Node.String()] = self
	e.mu.Unlock()

	if e.subs != nil {
		if hadSelf {
			e.subs.Publish(Delta{Updated: []PeerRecord{self}})
		} else {
			e.subs.Publish(Delta{Added: []PeerRecord{self}})
		}
	}

	e.fanOut(env, nil)
	e.dialUnlearnedBootstraps()
	e.sweepStale()
}

// fanOut selects targets and emits Send commands carrying
// env unchanged (no re-signing: the signature authenticates the
// originator, not the path).
func (e *Engine) fanOut(env SignedEnvelope, exclude map[identity.NodeID]struct{}) {
	e.mu.RLock()
	candidates := make([]peerInfo, 0, len(e.peerSet))
	for _, p := range e.peerSet {
		candidates = append(candidates, p)
	}
	e.mu.RUnlock()

	targets := selectPeers(candidates, e.cfg.CommunityID, exclude, e.cfg.GossipFactor, e.cfg.IntraBias)
	for _, t := range targets {
		e.emitSend(SendTarget{NodeID: t.NodeID, HasNode: true}, env)
	}
}

// dialUnlearnedBootstraps enqueues Sends to every configured bootstrap
// address whose NodeID is not yet in the peer set, guaranteeing eventual
// exchange of the identity handshake regardless of who dials first
// otherwise a freshly-started node with no known peers never gossips.
func (e *Engine) dialUnlearnedBootstraps() {
	e.mu.RLock()
	learned := make(map[string]struct{}, len(e.peerSet))
	for _, p := range e.peerSet {
		if p.Addr != "" {
			learned[p.Addr] = struct{}{}
		}
	}
	var self PeerRecord
	have := false
	if r, ok := e.peers[e.id.Node.String()]; ok {
		self = r
		have = true
	}
	e.mu.RUnlock()
	if !have {
		return
	}
	env := Sign(e.id.Priv, self.Payload)

	for addr := range e.bootstrapAddrs {
		if _, ok := learned[addr]; ok {
			continue
		}
		e.emitSend(SendTarget{Addr: addr}, env)
	}
}

func (e *Engine) emitSend(target SendTarget, env SignedEnvelope) {
	cmd := TransportCommand{Send: &SendCommand{Target: target, Envelope: env}}
	select {
	case e.out <- cmd:
		if e.metrics != nil {
			e.metrics.FanOutSends.Inc()
		}
	default:
		e.bumpBackpressure("outbound")
	}
}

// sweepStale removes PeerRecords whose
// last-updated time exceeds NodeTTL, invalidating routing entries and
// requesting Transport drop any cached connection, atomically with the
// PeerRecord removal.
func (e *Engine) sweepStale() {
	now := e.now()

	e.mu.Lock()
	var removed []string
	var drop []identity.NodeID
	for key, r := range e.peers {
		if key == e.id.Node.String() {
			continue // never prune self
		}
		if now.Sub(r.LastUpdated) > e.cfg.NodeTTL {
			delete(e.peers, key)
			removed = append(removed, key)
			if _, ok := e.peerSet[r.Originator]; ok {
				delete(e.peerSet, r.Originator)
				drop = append(drop, r.Originator)
			}
		}
	}
	e.mu.Unlock()

	if len(removed) == 0 {
		return
	}
	if e.metrics != nil {
		e.metrics.StalenessRemovals.Add(float64(len(removed)))
	}
	for _, n := range drop {
		cmd := TransportCommand{Drop: &DropCommand{NodeID: n}}
		select {
		case e.out <- cmd:
		default:
			e.bumpBackpressure("outbound")
		}
	}
	if e.subs != nil {
		e.subs.Publish(Delta{Removed: removed})
	}
}

// onInbound handles a verified inbound message in order: replay check,
// signature verification, clock-skew check, freshness check, commit, and
// fan-out to selected peers other than the delivering one.
func (e *Engine) onInbound(m InboundMessage) {
	sig := m.Envelope.Signature[:]

	// 1. Replay suppression.
	if e.seen.CheckAndInsert(sig) {
		if e.metrics != nil {
			e.metrics.EnvelopesDropped.WithLabelValues("duplicate").Inc()
		}
		return
	}
	if e.metrics != nil {
		e.metrics.SeenCacheSize.Set(float64(e.seen.Len()))
	}

	// 2. Signature verification.
	if !m.Envelope.Verify() {
		e.dropInvalid(m, "bad_signature")
		return
	}

	// 3. Clock validity.
	ts := int64(m.Envelope.Payload.TimestampMS)
	skew := e.now().UnixMilli() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Millisecond > e.cfg.MaxClockSkew {
		e.dropInvalid(m, "clock_skew")
		return
	}

	// 4. Freshness.
	originatorKey := m.Envelope.Payload.Originator.String()
	e.mu.RLock()
	existing, hasExisting := e.peers[originatorKey]
	e.mu.RUnlock()
	if hasExisting && !existing.Fresher(m.Envelope.Payload.TimestampMS, m.Envelope.Payload.Sequence) {
		e.dropInvalid(m, "stale")
		return
	}

	// 5. Identity-address binding happens in onConnEvent, driven by
	// Transport's verified-connection notifications, never from
	// m.Envelope.Payload.Originator. We only read e.peerSet here when
	// selecting fan-out targets below — we never write it from here.

	// 6. Commit.
	record := PeerRecord{
		Originator:  m.Envelope.Payload.Originator,
		Payload:     m.Envelope.Payload,
		LastUpdated: e.now(),
		ConnStatus:  ConnStatusDirect,
	}
	e.mu.Lock()
	if _, connected := e.peerSet[record.Originator]; !connected {
		record.ConnStatus = ConnStatusUnreachable
	}
	e.peers[originatorKey] = record
	peerCount := len(e.peers)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.EnvelopesAccepted.Inc()
		e.metrics.PeerRecordCount.Set(float64(peerCount))
	}

	if e.subs != nil {
		if hasExisting {
			e.subs.Publish(Delta{Updated: []PeerRecord{record}})
		} else {
			e.subs.Publish(Delta{Added: []PeerRecord{record}})
		}
	}

	// 7. Propagate, excluding the delivering peer.
	exclude := map[identity.NodeID]struct{}{m.VerifiedNodeID: {}}
	e.fanOut(m.Envelope, exclude)
}

func (e *Engine) dropInvalid(m InboundMessage, reason string) {
	if e.metrics != nil {
		e.metrics.EnvelopesDropped.WithLabelValues(reason).Inc()
	}
	if e.audit != nil {
		e.audit.EnvelopeDropped(m.Envelope.Payload.Originator.String(), reason)
	} else {
		slog.Debug("envelope dropped", "reason", reason, "originator", m.Envelope.Payload.Originator.String())
	}
}

// onConnEvent updates the routing table and connection-status view from
// a Transport-verified connection event. This is the ONLY path by which
// peerSet is mutated, enforcing that address bindings come solely from
// TLS-verified sources.
func (e *Engine) onConnEvent(ev connEvent) {
	e.mu.Lock()
	if ev.connected {
		info := e.peerSet[ev.nodeID]
		info.NodeID = ev.nodeID
		info.Addr = ev.addr
		info.ConnectedAt = e.now()
		if r, ok := e.peers[ev.nodeID.String()]; ok {
			info.CommunityID = r.Payload.CommunityID
			info.CommunityKnown = true
		}
		e.peerSet[ev.nodeID] = info
	} else {
		delete(e.peerSet, ev.nodeID)
	}
	if e.metrics != nil {
		e.metrics.ConnectionCacheSize.Set(float64(len(e.peerSet)))
	}

	status := ConnStatusUnreachable
	if ev.connected {
		status = ConnStatusDirect
	}
	if r, ok := e.peers[ev.nodeID.String()]; ok {
		r.ConnStatus = status
		e.peers[ev.nodeID.String()] = r
	}
	history := e.history
	e.mu.Unlock()

	if history != nil {
		if ev.connected {
			history.RecordConnect(ev.nodeID.String())
		} else {
			history.RecordDisconnect(ev.nodeID.String())
		}
	}

	e.mu.RLock()
	edges := make([]string, 0, len(e.peerSet))
	for _, p := range e.peerSet {
		edges = append(edges, p.NodeID.String())
	}
	e.mu.RUnlock()

	if e.subs != nil {
		e.subs.SetEdges(edges)
		e.subs.Publish(Delta{ConnectionStatusChanged: []ConnStatusChange{{NodeID: ev.nodeID.String(), Status: status}}})
	}
}

// Snapshot returns a defensive copy of the Engine's current telemetry
// view and active routing set, for tests and the admin API.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	peers := make(map[string]PeerRecord, len(e.peers))
	for k, v := range e.peers {
		peers[k] = v
	}
	edges := make([]string, 0, len(e.peerSet))
	for _, p := range e.peerSet {
		edges = append(edges, p.NodeID.String())
	}
	return Snapshot{Peers: peers, Edges: edges}
}

// PublicKey returns this node's Ed25519 public key, for callers that need
// to advertise or verify it out of band.
func (e *Engine) PublicKey() ed25519.PublicKey { return e.id.Pub }
