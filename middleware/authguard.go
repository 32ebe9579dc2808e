package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/tierfence/tierfence/audit"
	"github.com/tierfence/tierfence/pkg/tierfence"
)

// AttemptGuard is the auth attempt limiter as seen by AuthGuard.
// *tierfence.AuthLimiter implements it.
type AttemptGuard interface {
	Acquire(ctx context.Context, ip string, category tierfence.Category) (tierfence.AuthDecision, *tierfence.Reservation, error)
}

// AuthGuard returns middleware that limits attempts on an auth endpoint
// per client IP.
//
// The limit is checked and the attempt reserved before the handler runs,
// so parallel requests cannot slip past it. For a failures-only category
// the attempt only counts if the handler answers with a 4xx.
func AuthGuard(guard AttemptGuard, category tierfence.Category, opts ...Option) func(http.Handler) http.Handler {
	o := newOptions(opts)
	logger := o.logger.With("component", "auth_guard", "category", string(category))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := o.ip(r)

			decision, reservation, err := guard.Acquire(r.Context(), ip, category)
			if err != nil {
				logger.Error("auth attempt check failed", "ip", ip, "error", err)
				writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
					Error:   "service_unavailable",
					Message: "Attempt limiter unavailable. Please try again later.",
				})
				return
			}

			if !decision.Allowed {
				secs := decision.RetryAfterSeconds()
				minutes := int64(math.Ceil(decision.RetryAfter.Minutes()))
				w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))

				logger.Warn("auth attempts exceeded",
					"ip", ip,
					"attempts", decision.Attempts,
					"limit", decision.Limit,
				)
				o.recorder.Emit(r.Context(), audit.Event{
					Type:     audit.EventAuthAttemptsExceeded,
					IP:       ip,
					Category: string(decision.Category),
					Path:     r.URL.Path,
					Detail:   fmt.Sprintf("%d attempts, limit %d", decision.Attempts, decision.Limit),
				})

				writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
					Error:      "too_many_attempts",
					Message:    fmt.Sprintf("Too many attempts. Please try again in %d minutes.", minutes),
					RetryAfter: secs,
				})
				return
			}

			ww, sw := wrapWriter(w, nil)
			defer func() {
				failed := sw.status >= 400 && sw.status < 500
				if err := reservation.Finish(context.WithoutCancel(r.Context()), failed); err != nil {
					logger.Error("failed to record auth attempt", "ip", ip, "error", err)
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
