package middleware

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tierfence/tierfence/audit"
)

// Blocker reports whether a client IP is denied. *blocklist.Set implements it.
type Blocker interface {
	Contains(ip string) bool
}

// Blocklist returns middleware that answers 403 "Access denied" to blocked
// client IPs before any other processing.
func Blocklist(blocked Blocker, opts ...Option) func(http.Handler) http.Handler {
	o := newOptions(opts)
	logger := o.logger.With("component", "blocklist_middleware")
	warn := &rate.Sometimes{First: 5, Interval: 10 * time.Second}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := o.ip(r)
			if ip != "" && blocked.Contains(ip) {
				warn.Do(func() {
					logger.Warn("blocked IP rejected", "ip", ip, "path", r.URL.Path)
				})
				o.recorder.Emit(r.Context(), audit.Event{
					Type: audit.EventIPBlocked,
					IP:   ip,
					Path: r.URL.Path,
				})
				http.Error(w, "Access denied", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
