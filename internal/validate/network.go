package validate

import (
	"fmt"
	"net"
	"strconv"
)

// Address checks that addr is a well-formed "host:port" string, the
// shape required for p2p_addr and every entry in bootstrap_peers.
func Address(addr string) error {
	if addr == "" {
		return fmt.Errorf("%w: address cannot be empty", ErrInvalidAddress)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidAddress, addr, err)
	}
	if port == "" {
		return fmt.Errorf("%w: %q is missing a port", ErrInvalidAddress, addr)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("%w: %q has a non-numeric or out-of-range port", ErrInvalidAddress, addr)
	}
	_ = host // empty host (":9000") is valid, means "all interfaces"
	return nil
}
