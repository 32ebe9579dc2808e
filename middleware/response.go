package middleware

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"

	"github.com/tierfence/tierfence/pkg/tierfence"
)

// ErrorResponse is the JSON body of every rejection written by this package.
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func setRateLimitHeaders(h http.Header, d *tierfence.Decision) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func ceilSeconds(d time.Duration) int64 {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// statusWriter wraps w so that the handler's status code is captured and
// beforeHeader runs once, just before the header is sent.
type statusWriter struct {
	status       int
	wrote        bool
	beforeHeader func(status int)
}

func wrapWriter(w http.ResponseWriter, beforeHeader func(status int)) (http.ResponseWriter, *statusWriter) {
	sw := &statusWriter{status: http.StatusOK, beforeHeader: beforeHeader}
	wrapped := httpsnoop.Wrap(w, httpsnoop.Hooks{
		WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
			return func(code int) {
				sw.header(code)
				next(code)
			}
		},
		Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
			return func(b []byte) (int, error) {
				sw.header(http.StatusOK)
				return next(b)
			}
		},
		ReadFrom: func(next httpsnoop.ReadFromFunc) httpsnoop.ReadFromFunc {
			return func(src io.Reader) (int64, error) {
				sw.header(http.StatusOK)
				return next(src)
			}
		},
	})
	return wrapped, sw
}

func (sw *statusWriter) header(code int) {
	if sw.wrote {
		return
	}
	sw.wrote = true
	sw.status = code
	if sw.beforeHeader != nil {
		sw.beforeHeader(code)
	}
}
