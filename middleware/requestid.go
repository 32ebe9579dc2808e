package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderRequestID   = "X-Request-ID"
	HeaderProcessTime = "X-Process-Time"
)

type requestIDKey struct{}

// RequestIDFrom returns the request id stored by RequestID.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID returns middleware that tags each request with an id, reports
// the handler time in X-Process-Time (seconds) and writes one access log
// line per request.
//
// A well-formed UUID in the incoming X-Request-ID header is kept; anything
// else is replaced.
func RequestID(opts ...Option) func(http.Handler) http.Handler {
	o := newOptions(opts)
	logger := o.logger.With("component", "access_log")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			id := r.Header.Get(HeaderRequestID)
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, id)

			ww, sw := wrapWriter(w, func(int) {
				w.Header().Set(HeaderProcessTime,
					strconv.FormatFloat(time.Since(start).Seconds(), 'f', 4, 64))
			})
			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))

			logger.Info("request completed",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"ip", o.ip(r),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
