package gossip

import "log/slog"

// AuditLogger writes structured audit events for security-relevant
// decisions (hello rejections, signature failures, certificate
// mismatches). All methods are nil-safe so callers never need a nil
// check at the call site.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates an AuditLogger writing under the "audit" group.
func NewAuditLogger(handler slog.Handler) *AuditLogger {
	return &AuditLogger{logger: slog.New(handler).WithGroup("audit")}
}

// HelloRejected logs a failed identity handshake.
func (a *AuditLogger) HelloRejected(peerAddr, reason string) {
	if a == nil {
		return
	}
	a.logger.Warn("hello_rejected", "peer_addr", peerAddr, "reason", reason)
}

// EnvelopeDropped logs a message-scoped validation failure.
func (a *AuditLogger) EnvelopeDropped(originator, reason string) {
	if a == nil {
		return
	}
	a.logger.Debug("envelope_dropped", "originator", originator, "reason", reason)
}

// ConnectionAdmitted logs a successfully verified connection.
func (a *AuditLogger) ConnectionAdmitted(nodeID, addr string) {
	if a == nil {
		return
	}
	a.logger.Info("connection_admitted", "node_id", nodeID, "addr", addr)
}

// ConnectionEvicted logs a cache eviction or drop of a cached connection.
func (a *AuditLogger) ConnectionEvicted(nodeID, reason string) {
	if a == nil {
		return
	}
	a.logger.Info("connection_evicted", "node_id", nodeID, "reason", reason)
}

// AdminAPIAccess logs a request against the local admin control socket.
func (a *AuditLogger) AdminAPIAccess(requestID, method, path string, status int) {
	if a == nil {
		return
	}
	a.logger.Info("admin_api_access", "request_id", requestID, "method", method, "path", path, "status", status)
}
