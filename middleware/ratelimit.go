// Package middleware adapts the tierfence limiters to net/http.
//
// Every constructor returns a func(http.Handler) http.Handler so the
// middleware composes with gorilla/mux's Router.Use as well as plain
// handler chains.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tierfence/tierfence/audit"
	"github.com/tierfence/tierfence/pkg/tierfence"
)

const tracerName = "github.com/tierfence/tierfence/middleware"

// Admitter decides whether a request may proceed. *tierfence.Limiter
// implements it.
type Admitter interface {
	Admit(ctx context.Context, identifier string, role tierfence.Role) (*tierfence.Decision, error)
}

// RateLimit returns middleware that charges one token per request against
// the caller's tier bucket.
//
// Authenticated callers (see WithPrincipal) are keyed by user id and use
// their role's tier; everyone else is keyed by client IP at the anonymous
// tier. X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset are
// set on every checked response. A rejection gets Retry-After and a 429
// JSON body; a backend failure gets 503.
func RateLimit(limiter Admitter, opts ...Option) func(http.Handler) http.Handler {
	o := newOptions(opts)
	logger := o.logger.With("component", "rate_limit_middleware")
	tracer := otel.Tracer(tracerName)
	warn := &rate.Sometimes{First: 5, Interval: 10 * time.Second}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if o.skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			ip := o.ip(r)
			identifier, role := identify(r, ip)

			ctx, span := tracer.Start(r.Context(), "tierfence.admit",
				trace.WithAttributes(attribute.String("tierfence.role", string(role))),
			)
			decision, err := limiter.Admit(ctx, identifier, role)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "admission failed")
				span.End()
				logger.Error("admission failed", "identifier", identifier, "error", err)
				writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
					Error:   "service_unavailable",
					Message: "Rate limiter unavailable. Please try again later.",
				})
				return
			}
			span.SetAttributes(
				attribute.Bool("tierfence.admitted", decision.Admitted),
				attribute.Int64("tierfence.remaining", decision.Remaining),
			)
			span.End()

			setRateLimitHeaders(w.Header(), decision)

			if !decision.Admitted {
				secs := decision.RetryAfterSeconds()
				w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))

				warn.Do(func() {
					logger.Warn("rate limit exceeded",
						"identifier", identifier,
						"role", string(decision.Role),
						"limit", decision.Limit,
						"retry_after", secs,
					)
				})
				o.recorder.Emit(r.Context(), audit.Event{
					Type:       audit.EventRateLimitExceeded,
					IP:         ip,
					Identifier: identifier,
					Role:       string(decision.Role),
					Path:       r.URL.Path,
					Detail:     fmt.Sprintf("limit %d, retry after %ds", decision.Limit, secs),
				})

				writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
					Error:      "rate_limit_exceeded",
					Message:    "Rate limit exceeded. Please try again later.",
					RetryAfter: secs,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
