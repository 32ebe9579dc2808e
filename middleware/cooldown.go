package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tierfence/tierfence/audit"
)

// CooldownChecker admits one submission per key per window.
// *tierfence.Cooldown implements it.
type CooldownChecker interface {
	Allow(key string) (bool, time.Duration)
}

// CooldownGate returns middleware that admits one request per client IP per
// cooldown window. Mount it on submission endpoints only.
func CooldownGate(cooldown CooldownChecker, opts ...Option) func(http.Handler) http.Handler {
	o := newOptions(opts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := o.ip(r)

			ok, wait := cooldown.Allow("ip:" + ip)
			if !ok {
				secs := ceilSeconds(wait)
				w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))

				o.recorder.Emit(r.Context(), audit.Event{
					Type: audit.EventCooldownRejected,
					IP:   ip,
					Path: r.URL.Path,
				})

				writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
					Error:      "cooldown_active",
					Message:    "Please wait before submitting again.",
					RetryAfter: secs,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
