// Package identity manages a node's persistent Ed25519 signing key and
// the monotonic telemetry sequence counter associated with it.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// NodeID is a raw 32-byte Ed25519 public key; String gives its lowercase
// hex textual form. Identity equality is byte equality.
type NodeID [ed25519.PublicKeySize]byte

// String returns the lowercase hex encoding of the NodeID.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// ParseNodeID decodes a lowercase hex NodeID string.
func ParseNodeID(s string) (NodeID, error) {
	var n NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return n, fmt.Errorf("invalid node id %q: want %d bytes, got %d", s, ed25519.PublicKeySize, len(b))
	}
	copy(n[:], b)
	return n, nil
}

// Less reports whether n sorts strictly before other, used to break
// simultaneous-dial ties in the connection cache (the greater NodeID
// keeps its outbound connection).
func (n NodeID) Less(other NodeID) bool {
	for i := range n {
		if n[i] != other[i] {
			return n[i] < other[i]
		}
	}
	return false
}

// checkKeyFilePermissions verifies that a key file is not readable by group or others.
func checkKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil // Windows file permissions work differently
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat key file %s: %w", path, err)
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("key file %s has insecure permissions %04o (expected 0600); fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Identity is a node's persistent Ed25519 keypair plus the originating
// (monotonic) sequence counter it has last used for TelemetryPayloads.
// Immutable once loaded, except for the sequence counter which advances
// via NextSequence.
type Identity struct {
	Priv ed25519.PrivateKey
	Pub  ed25519.PublicKey
	Node NodeID

	mu      sync.Mutex
	seq     uint64
	seqPath string
}

// seqSafetyMargin is added to the last-persisted sequence at startup so
// a sequence value is never reused across process restarts even if the
// most recent persisted value lags the true last-used one (the process
// may have crashed between incrementing in memory and flushing to
// disk). See SPEC_FULL.md's open question on sequence persistence.
const seqSafetyMargin = 1000

// LoadOrCreate loads an existing identity key file at path, or creates one
// if absent. The sequence counter is persisted alongside the key at
// path+".seq" and advanced by seqSafetyMargin on every load.
func LoadOrCreate(path string) (*Identity, error) {
	seqPath := path + ".seq"

	data, err := os.ReadFile(path)
	if err == nil {
		if err := checkKeyFilePermissions(path); err != nil {
			return nil, err
		}
		if len(data) != ed25519.SeedSize {
			return nil, fmt.Errorf("key file %s: want %d byte seed, got %d", path, ed25519.SeedSize, len(data))
		}
		return load(data, seqPath)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot read key file %s: %w", path, err)
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate identity seed: %w", err)
	}
	if err := os.WriteFile(path, seed, 0600); err != nil {
		return nil, fmt.Errorf("failed to save key to %s: %w", path, err)
	}
	return load(seed, seqPath)
}

func load(seed []byte, seqPath string) (*Identity, error) {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	var node NodeID
	copy(node[:], pub)

	id := &Identity{
		Priv:    priv,
		Pub:     pub,
		Node:    node,
		seqPath: seqPath,
	}

	if last, err := readSeq(seqPath); err == nil {
		id.seq = last + seqSafetyMargin
	}
	if err := id.flushSeq(); err != nil {
		return nil, err
	}
	return id, nil
}

func readSeq(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

func (id *Identity) flushSeq() error {
	return os.WriteFile(id.seqPath, []byte(strconv.FormatUint(id.seq, 10)), 0600)
}

// NextSequence returns the next monotonic sequence number for a
// TelemetryPayload this process originates, persisting it so restarts
// never reuse a value below the last-persisted one.
func (id *Identity) NextSequence() uint64 {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.seq++
	// Best-effort: a failed flush still leaves seqSafetyMargin of
	// headroom from the last successful one.
	_ = id.flushSeq()
	return id.seq
}
