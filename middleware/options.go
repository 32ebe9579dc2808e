package middleware

import (
	"log/slog"
	"net/http"

	"github.com/tierfence/tierfence/audit"
)

// DefaultSkipPaths are exempt from rate limiting so load balancer health
// checks never consume tokens.
var DefaultSkipPaths = []string{"/health", "/api/health"}

// Option configures the middleware constructors in this package.
type Option func(*options)

type options struct {
	skipPaths map[string]struct{}
	clientIP  IPExtractor
	recorder  *audit.Recorder
	logger    *slog.Logger
}

func newOptions(opts []Option) *options {
	o := &options{
		clientIP: ExtractIP(),
		logger:   slog.Default(),
	}
	WithSkipPaths(DefaultSkipPaths...)(o)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithSkipPaths replaces the set of paths RateLimit lets through unchecked.
func WithSkipPaths(paths ...string) Option {
	return func(o *options) {
		o.skipPaths = make(map[string]struct{}, len(paths))
		for _, p := range paths {
			o.skipPaths[p] = struct{}{}
		}
	}
}

// WithIPExtractor sets how the client IP is found.
func WithIPExtractor(fn IPExtractor) Option {
	return func(o *options) {
		if fn != nil {
			o.clientIP = fn
		}
	}
}

// WithTrustProxy switches to ExtractIPWithProxy when trust is true.
func WithTrustProxy(trust bool) Option {
	return func(o *options) {
		if trust {
			o.clientIP = ExtractIPWithProxy()
		}
	}
}

// WithAudit records rejections to rec.
func WithAudit(rec *audit.Recorder) Option {
	return func(o *options) {
		o.recorder = rec
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func (o *options) skip(r *http.Request) bool {
	_, ok := o.skipPaths[r.URL.Path]
	return ok
}

// ip returns the client IP or "" when it cannot be determined.
func (o *options) ip(r *http.Request) string {
	ip, err := o.clientIP(r)
	if err != nil {
		o.logger.Debug("client IP unavailable", "remote_addr", r.RemoteAddr, "error", err)
		return ""
	}
	return ip
}
