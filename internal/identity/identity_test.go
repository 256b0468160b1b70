package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")

	id1, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("key file mode = %04o, want 0600", mode)
	}

	id2, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if id1.Node != id2.Node {
		t.Errorf("NodeID changed across reload: %s != %s", id1.Node, id2.Node)
	}
}

func TestLoadOrCreateRejectsInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")

	if _, err := LoadOrCreate(path); err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	if _, err := LoadOrCreate(path); err == nil {
		t.Fatal("expected error loading key file with insecure permissions")
	}
}

func TestNodeIDRoundTrip(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrCreate(filepath.Join(dir, "node.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	parsed, err := ParseNodeID(id.Node.String())
	if err != nil {
		t.Fatalf("ParseNodeID: %v", err)
	}
	if parsed != id.Node {
		t.Errorf("round-tripped NodeID mismatch")
	}
}

func TestParseNodeIDRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"not-hex-zz",
		"aabb", // too short
	}
	for _, c := range cases {
		if _, err := ParseNodeID(c); err == nil {
			t.Errorf("ParseNodeID(%q) = nil error, want error", c)
		}
	}
}

func TestNextSequenceMonotonicAndPersisted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")

	id, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	var last uint64
	for i := 0; i < 5; i++ {
		seq := id.NextSequence()
		if seq <= last {
			t.Fatalf("sequence not monotonic: %d <= %d", seq, last)
		}
		last = seq
	}

	// Reloading must never reuse a sequence at or below the last used one.
	id2, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if next := id2.NextSequence(); next <= last {
		t.Fatalf("sequence reused across restart: %d <= %d", next, last)
	}
}

func TestNodeIDLess(t *testing.T) {
	var a, b NodeID
	a[31] = 1
	b[31] = 2
	if !a.Less(b) {
		t.Error("expected a < b")
	}
	if b.Less(a) {
		t.Error("expected b to not be less than a")
	}
	if a.Less(a) {
		t.Error("a should not be less than itself")
	}
}
