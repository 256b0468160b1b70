package gossip

import (
	"testing"
	"time"

	"github.com/gossipmesh/gossipmesh/internal/identity"
)

func TestSubscribeDeliversFullSnapshotFirst(t *testing.T) {
	bus := NewSubscriberBus(nil)
	var node identity.NodeID
	node[0] = 1
	bus.Publish(Delta{Added: []PeerRecord{{Originator: node}}})

	ch, cancel := bus.Subscribe()
	defer cancel()

	select {
	case update := <-ch:
		if update.Full == nil {
			t.Fatalf("first delivered update should carry Full, got %+v", update)
		}
		if _, ok := update.Full.Peers[node.String()]; !ok {
			t.Fatalf("full snapshot missing previously published peer")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for initial full snapshot")
	}
}

func TestPublishBroadcastsDeltaToSubscribers(t *testing.T) {
	bus := NewSubscriberBus(nil)
	ch, cancel := bus.Subscribe()
	defer cancel()
	<-ch // drain the initial full snapshot

	var node identity.NodeID
	node[0] = 2
	bus.Publish(Delta{Added: []PeerRecord{{Originator: node}}})

	select {
	case update := <-ch:
		if update.Delta == nil || len(update.Delta.Added) != 1 {
			t.Fatalf("expected a delta carrying one added record, got %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delta")
	}
}

func TestPublishEmptyDeltaIsNoOp(t *testing.T) {
	bus := NewSubscriberBus(nil)
	ch, cancel := bus.Subscribe()
	defer cancel()
	<-ch

	bus.Publish(Delta{})

	select {
	case update := <-ch:
		t.Fatalf("empty delta should not be published, got %+v", update)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishDropsOnSaturatedSubscriberAndCountsIt(t *testing.T) {
	var drops int
	bus := NewSubscriberBus(func() { drops++ })
	ch, cancel := bus.Subscribe()
	defer cancel()
	<-ch

	var node identity.NodeID
	for i := 0; i < subscriberChannelCapacity+10; i++ {
		node[0] = byte(i)
		bus.Publish(Delta{Added: []PeerRecord{{Originator: node}}})
	}

	if drops == 0 {
		t.Fatalf("expected at least one dropped update once the subscriber channel saturated")
	}
}

func TestCancelUnregistersSubscriber(t *testing.T) {
	bus := NewSubscriberBus(nil)
	ch, cancel := bus.Subscribe()
	<-ch
	cancel()

	if len(bus.subs) != 0 {
		t.Fatalf("subs map still has %d entries after cancel", len(bus.subs))
	}
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after cancel")
	}
}
