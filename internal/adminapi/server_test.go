package adminapi

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gossipmesh/gossipmesh/internal/identity"
	"github.com/gossipmesh/gossipmesh/pkg/gossip"
)

type fakeRuntime struct {
	nodeID    string
	version   string
	startTime time.Time
	snap      gossip.Snapshot
}

func (f *fakeRuntime) NodeID() string           { return f.nodeID }
func (f *fakeRuntime) Version() string          { return f.version }
func (f *fakeRuntime) StartTime() time.Time     { return f.startTime }
func (f *fakeRuntime) Snapshot() gossip.Snapshot { return f.snap }

func newTestServer(t *testing.T, rt RuntimeInfo) (*Server, string, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "admin.sock")
	cookiePath := filepath.Join(dir, "admin.cookie")

	s := NewServer(rt, sockPath, cookiePath)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, sockPath, cookiePath
}

func TestServerStatusAndPeers(t *testing.T) {
	id, err := identity.LoadOrCreate(filepath.Join(t.TempDir(), "node.key"))
	if err != nil {
		t.Fatalf("identity: %v", err)
	}

	rt := &fakeRuntime{
		nodeID:    id.Node.String(),
		version:   "test-1",
		startTime: time.Now().Add(-time.Minute),
		snap: gossip.Snapshot{
			Peers: map[string]gossip.PeerRecord{
				id.Node.String(): {Originator: id.Node, ConnStatus: gossip.ConnStatusDirect},
			},
			Edges: []string{id.Node.String()},
		},
	}

	_, sockPath, cookiePath := newTestServer(t, rt)

	c, err := NewClient(sockPath, cookiePath)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	status, err := c.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.NodeID != rt.nodeID {
		t.Errorf("NodeID = %q, want %q", status.NodeID, rt.nodeID)
	}
	if status.PeerRecordCount != 1 {
		t.Errorf("PeerRecordCount = %d, want 1", status.PeerRecordCount)
	}
	if status.DirectEdgeCount != 1 {
		t.Errorf("DirectEdgeCount = %d, want 1", status.DirectEdgeCount)
	}

	peers, err := c.Peers()
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	if len(peers) != 1 || peers[0].NodeID != rt.nodeID {
		t.Fatalf("unexpected peers: %+v", peers)
	}
}

func TestServerExposesMetricsRoute(t *testing.T) {
	rt := &fakeRuntime{startTime: time.Now()}
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "admin.sock")
	cookiePath := filepath.Join(dir, "admin.cookie")

	s := NewServer(rt, sockPath, cookiePath)
	m := gossip.NewMetrics()
	m.TelemetryTicks.Inc()
	s.SetInstrumentation(m, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	c, err := NewClient(sockPath, cookiePath)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	body, err := c.Metrics()
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if !strings.Contains(string(body), "gossipmesh_telemetry_ticks_total") {
		t.Fatalf("metrics body missing expected series: %s", body)
	}
}

func TestServerRejectsBadCookie(t *testing.T) {
	rt := &fakeRuntime{startTime: time.Now()}
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "admin.sock")
	cookiePath := filepath.Join(dir, "admin.cookie")

	s := NewServer(rt, sockPath, cookiePath)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	// Write a bogus cookie and confirm the server rejects it.
	badCookiePath := filepath.Join(dir, "bad.cookie")
	if err := os.WriteFile(badCookiePath, []byte("not-the-real-token"), 0600); err != nil {
		t.Fatalf("write bad cookie: %v", err)
	}

	c, err := NewClient(sockPath, badCookiePath)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Status(); err == nil {
		t.Fatal("expected unauthorized error with a bad cookie")
	}
}

func TestServerShutdown(t *testing.T) {
	rt := &fakeRuntime{startTime: time.Now()}
	s, sockPath, cookiePath := newTestServer(t, rt)

	c, err := NewClient(sockPath, cookiePath)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case <-s.ShutdownCh():
	case <-time.After(time.Second):
		t.Fatal("ShutdownCh was not closed after POST /v1/shutdown")
	}
}

func TestCheckStaleSocketRemovesDeadSocket(t *testing.T) {
	rt := &fakeRuntime{startTime: time.Now()}
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "admin.sock")
	cookiePath := filepath.Join(dir, "admin.cookie")

	s1 := NewServer(rt, sockPath, cookiePath)
	if err := s1.Start(); err != nil {
		t.Fatalf("Start 1: %v", err)
	}
	s1.httpServer.Close()
	s1.listener.Close()

	// The socket file is still present but nothing is listening; a
	// second Start should clean it up rather than returning
	// ErrAdminAlreadyRunning.
	s2 := NewServer(rt, sockPath, cookiePath)
	if err := s2.Start(); err != nil {
		t.Fatalf("Start 2 should recover from a stale socket: %v", err)
	}
	s2.Stop()
}
