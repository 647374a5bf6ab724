package server

import (
	"net/http"
	"time"

	"github.com/codex-gateway/gateway/internal/telemetry"
)

// statusClass maps an HTTP status code to the "2xx"/"4xx"/"5xx" bucket
// telemetry.Metrics.RequestsTotal is labeled with.
func statusClass(status int) string {
	switch status / 100 {
	case 2:
		return "2xx"
	case 3:
		return "3xx"
	case 4:
		return "4xx"
	case 5:
		return "5xx"
	default:
		return "other"
	}
}

// protocolLabel reports the wire dialect a request spoke, for
// RequestsTotal/RequestDuration's protocol label. This middleware runs
// outside the authenticated route group, so it labels by path rather than
// by the resolved platform key's protocol_type.
func protocolLabel(r *http.Request) string {
	switch r.URL.Path {
	case "/v1/messages", "/v1/count_tokens":
		return "anthropic_native"
	case "/v1/responses", "/v1/chat/completions":
		return "openai_compat"
	default:
		return "unknown"
	}
}

// metricsMiddleware records request duration, status, and active count.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.RequestsActive.Inc()
			start := time.Now()

			sw := statusWriterPool.Get().(*statusWriter)
			sw.ResponseWriter = w
			sw.status = http.StatusOK
			sw.wroteHeader = false

			next.ServeHTTP(sw, r)

			elapsed := time.Since(start).Seconds()
			status := sw.status
			protocol := protocolLabel(r)
			sw.ResponseWriter = nil
			statusWriterPool.Put(sw)

			m.RequestsActive.Dec()
			m.RequestsTotal.WithLabelValues(statusClass(status), protocol).Inc()
			m.RequestDuration.WithLabelValues(protocol).Observe(elapsed)
		})
	}
}
