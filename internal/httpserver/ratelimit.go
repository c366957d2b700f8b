package httpserver

import (
	"net"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
)

// rateLimitMiddleware limits requests per remote IP. Probes and scrapes are
// exempt so an aggressive client cannot make the relay look unhealthy.
func (s *Server) rateLimitMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		if !s.opts.Limiter.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/healthz", "/readyz", "/metrics":
				next.ServeHTTP(w, r)
				return
			}
			if !s.opts.Limiter.Allow(clientKey(r)) {
				s.opts.Metrics.Inc(metrics.DropReasonRateLimited)
				w.Header().Set("Retry-After", "1")
				WriteJSON(w, http.StatusTooManyRequests, map[string]string{"code": "rate_limited", "message": "too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
