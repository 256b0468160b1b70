package validate

import "errors"

// ErrInvalidAddress is returned when a host:port string fails validation,
// e.g. for node.p2p_addr or an entry in gossip.bootstrap_peers.
var ErrInvalidAddress = errors.New("invalid address")
