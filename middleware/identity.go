package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/tierfence/tierfence/pkg/tierfence"
)

// ErrNoClientIP is returned by an IPExtractor that cannot find an address.
var ErrNoClientIP = errors.New("middleware: client IP unavailable")

// IPExtractor returns the client IP for a request.
type IPExtractor func(*http.Request) (string, error)

// ExtractIP returns an IPExtractor that uses r.RemoteAddr with the port removed.
func ExtractIP() IPExtractor {
	return func(r *http.Request) (string, error) {
		return remoteIP(r)
	}
}

// ExtractIPWithProxy returns an IPExtractor that considers proxy headers.
// It checks X-Forwarded-For and X-Real-IP headers before falling back to RemoteAddr.
// Only use it behind a reverse proxy that overwrites these headers.
func ExtractIPWithProxy() IPExtractor {
	return func(r *http.Request) (string, error) {
		// The first X-Forwarded-For entry is the original client
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip, nil
			}
		}

		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri, nil
		}

		return remoteIP(r)
	}
}

func remoteIP(r *http.Request) (string, error) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port in some edge cases
		ip = r.RemoteAddr
	}
	if ip == "" {
		return "", ErrNoClientIP
	}
	return ip, nil
}

// Principal is the authenticated caller of a request. Authentication
// middleware stores it with WithPrincipal; RateLimit reads it to choose
// the bucket and tier.
type Principal struct {
	UserID string
	Role   tierfence.Role
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored in ctx, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// identify returns the bucket identifier and role for r.
// Callers without a principal are anonymous and keyed by IP.
func identify(r *http.Request, ip string) (string, tierfence.Role) {
	p, ok := PrincipalFrom(r.Context())
	if !ok || p.UserID == "" {
		return tierfence.Identity("", ip), tierfence.RoleAnonymous
	}
	return tierfence.Identity(p.UserID, ip), p.Role
}
