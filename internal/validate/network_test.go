package validate

import (
	"errors"
	"testing"
)

func TestAddress(t *testing.T) {
	valid := []string{
		"127.0.0.1:9000",
		"0.0.0.0:443",
		"[::1]:9000",
		":9000",
		"gossip.internal:7777",
	}
	for _, addr := range valid {
		if err := Address(addr); err != nil {
			t.Errorf("Address(%q) = %v, want nil", addr, err)
		}
	}

	invalid := []struct {
		addr string
		desc string
	}{
		{"", "empty"},
		{"127.0.0.1", "missing port"},
		{"127.0.0.1:", "empty port"},
		{"not a valid host:port at all", "garbage"},
	}
	for _, tc := range invalid {
		if err := Address(tc.addr); err == nil {
			t.Errorf("Address(%q) [%s] = nil, want error", tc.addr, tc.desc)
		}
	}
}

func TestAddress_SentinelError(t *testing.T) {
	err := Address("")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("error should wrap ErrInvalidAddress, got: %v", err)
	}
}
