package gossip

import "testing"

func TestDeltaEmpty(t *testing.T) {
	if !(Delta{}).Empty() {
		t.Fatalf("zero-value Delta should be Empty")
	}
	if (Delta{Removed: []string{"x"}}).Empty() {
		t.Fatalf("Delta with a removal should not be Empty")
	}
}

func TestPeerRecordFresherDelegatesToPayload(t *testing.T) {
	r := PeerRecord{Payload: TelemetryPayload{TimestampMS: 10, Sequence: 1}}
	if !r.Fresher(11, 0) {
		t.Fatalf("expected later timestamp to be fresher")
	}
	if r.Fresher(10, 1) {
		t.Fatalf("identical (timestamp, sequence) should not be fresher")
	}
}
