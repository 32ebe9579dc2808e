package tierfence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Decision contains the result of an admission check.
type Decision struct {
	// Admitted indicates whether the request should proceed
	Admitted bool

	// Identifier is the bucket key that was charged
	Identifier string

	// Role is the tier the request was checked under
	Role Role

	// Limit is the total capacity of the bucket (max burst)
	Limit int64

	// Remaining is the number of whole tokens left. 0 on rejection.
	Remaining int64

	// ResetAt is when the bucket is full again if admitted, or when the
	// requested tokens are available if rejected
	ResetAt time.Time

	// RetryAfter is how long to wait before the request would be admitted.
	// This is 0 if Admitted is true
	RetryAfter time.Duration
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds, at least
// 1 on rejection, for the Retry-After header.
func (d *Decision) RetryAfterSeconds() int64 {
	if d.Admitted {
		return 0
	}
	secs := int64(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Identity returns the bucket key for a caller: the user id when
// authenticated, the client IP otherwise.
func Identity(userID, ip string) string {
	if userID != "" {
		return "user:" + userID
	}
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}

// Limiter is the global, tier-aware rate limiter. Construct one per process
// and share it; it is safe for concurrent use.
type Limiter struct {
	config   *Config
	table    *PolicyTable
	backend  Backend
	registry *Registry // nil when a custom backend is used
	clock    Clock
	logger   *slog.Logger
	observer Observer
}

// New creates a Limiter with the given options.
// If no options are provided, it uses the default tier table and an
// in-process registry.
//
// Example:
//
//	limiter, err := tierfence.New(
//	    tierfence.WithConfigFile("tierfence.yaml"),
//	    tierfence.WithObserver(m),
//	)
func New(opts ...Option) (*Limiter, error) {
	l := &Limiter{
		config:   NewConfig(),
		clock:    time.Now,
		logger:   slog.Default(),
		observer: NopObserver{},
	}

	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	table, err := l.config.PolicyTable()
	if err != nil {
		return nil, err
	}
	l.table = table
	l.logger = l.logger.With("component", "rate_limiter")

	if l.backend == nil {
		mode, err := ParseRoleChangeMode(l.config.RoleChange)
		if err != nil {
			return nil, err
		}
		l.registry = NewRegistry(table, WithRegistryClock(l.clock), WithRoleChange(mode))
		l.backend = l.registry
	}

	return l, nil
}

// Admit charges one token to identifier under role.
// A rejection is a Decision, not an error. Errors mean the request could
// not be evaluated and should fail closed.
func (l *Limiter) Admit(ctx context.Context, identifier string, role Role) (*Decision, error) {
	return l.AdmitN(ctx, identifier, role, 1)
}

// AdmitN charges n tokens to identifier under role.
func (l *Limiter) AdmitN(ctx context.Context, identifier string, role Role, n int64) (*Decision, error) {
	if identifier == "" {
		return nil, ErrInvalidIdentifier
	}
	if n < 1 {
		return nil, ErrInvalidAmount
	}
	role = normalizeRole(role)

	result, err := l.backend.Take(ctx, identifier, role, n)
	if errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrInvalidIdentifier) {
		return nil, err
	}
	if err != nil {
		l.observer.ObserveBackendError("take")
		if errors.Is(err, ErrBackendFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrBackendFailed, err)
	}

	decision := &Decision{
		Admitted:   result.Allowed,
		Identifier: identifier,
		Role:       role,
		Limit:      int64(result.Limit),
		RetryAfter: result.RetryAfter,
	}
	if result.Allowed {
		decision.Remaining = int64(math.Floor(result.Tokens + 1e-9))
		decision.ResetAt = result.FullAt
	} else {
		decision.ResetAt = l.clock().Add(result.RetryAfter)
		l.logger.DebugContext(ctx, "request rejected",
			"identifier", identifier,
			"role", role,
			"retry_after", result.RetryAfter,
		)
	}

	l.observer.ObserveAdmission(role, result.Allowed)
	return decision, nil
}

// Sweep removes buckets idle for longer than the configured threshold.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	start := l.clock()
	removed, err := l.backend.Sweep(ctx, l.config.Sweep.IdleThreshold.Std())
	if err != nil {
		l.observer.ObserveBackendError("sweep")
		return 0, err
	}
	l.observer.ObserveSweep("buckets", removed, l.clock().Sub(start))
	return removed, nil
}

// Buckets returns the number of live buckets, or -1 if the backend cannot tell.
func (l *Limiter) Buckets() int {
	return l.backend.Len()
}

// Policy returns the tier policy applied to role.
func (l *Limiter) Policy(role Role) TierPolicy {
	return l.table.Lookup(normalizeRole(role))
}

// Table returns the tier table.
func (l *Limiter) Table() *PolicyTable {
	return l.table
}

// Config returns the configuration the limiter was built from.
func (l *Limiter) Config() *Config {
	return l.config
}

// Registry returns the in-process registry, or nil when a custom backend is used.
func (l *Limiter) Registry() *Registry {
	return l.registry
}
