package adminapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gossipmesh/gossipmesh/pkg/gossip"
)

// requestIDHeader carries a per-request trace ID, useful for correlating
// an audit log line with the operator's shell session.
const requestIDHeader = "X-Request-Id"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// instrumentHandler wraps an HTTP handler with Prometheus metrics and
// audit logging. If both are nil, the handler is returned unchanged.
func instrumentHandler(next http.Handler, metrics *gossip.Metrics, audit *gossip.AuditLogger) http.Handler {
	if metrics == nil && audit == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.NewString()
		w.Header().Set(requestIDHeader, reqID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rec.status)

		if metrics != nil {
			metrics.AdminRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.AdminRequestDurationSeconds.WithLabelValues(r.Method, r.URL.Path, status).Observe(duration)
		}
		if audit != nil {
			audit.AdminAPIAccess(reqID, r.Method, r.URL.Path, rec.status)
		}
	})
}
