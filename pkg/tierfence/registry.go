package tierfence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tierfence/tierfence/core"
)

// Backend stores buckets and applies takes to them atomically.
// Registry is the in-process implementation; store.RedisBuckets shares
// buckets across instances.
type Backend interface {
	// Take gets or creates the bucket for identifier under role's policy
	// and tries to consume n tokens from it.
	Take(ctx context.Context, identifier string, role Role, n int64) (core.CheckResult, error)

	// Sweep removes buckets idle for longer than idle.
	// Returns the number of buckets removed.
	Sweep(ctx context.Context, idle time.Duration) (int, error)

	// Len returns the number of live buckets, or -1 if the backend cannot tell.
	Len() int
}

// RoleChangeMode says what happens when an identifier shows up under a
// different role than the one its bucket was created for.
type RoleChangeMode string

const (
	// RoleChangeRebind moves the bucket onto the new role's policy on the
	// next lookup, keeping its token level clamped to the new capacity.
	RoleChangeRebind RoleChangeMode = "rebind"

	// RoleChangeSticky keeps the original policy until the bucket is reaped.
	RoleChangeSticky RoleChangeMode = "sticky"
)

// ParseRoleChangeMode resolves a mode name. Empty means rebind.
func ParseRoleChangeMode(name string) (RoleChangeMode, error) {
	switch RoleChangeMode(name) {
	case "", RoleChangeRebind:
		return RoleChangeRebind, nil
	case RoleChangeSticky:
		return RoleChangeSticky, nil
	}
	return "", fmt.Errorf("%w: unknown role change mode %q", ErrInvalidConfig, name)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock sets the clock buckets refill against.
func WithRegistryClock(clock Clock) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithRoleChange sets the role change mode.
func WithRoleChange(mode RoleChangeMode) RegistryOption {
	return func(r *Registry) {
		r.roleChange = mode
	}
}

// Registry maps identifiers to buckets. It is thread-safe and suitable for
// single-instance deployments.
//
// The map lock only guards membership. Refill and consume happen under the
// bucket's own lock, so concurrent identifiers never serialize on each other.
type Registry struct {
	buckets    map[string]*Bucket
	mu         sync.RWMutex
	table      *PolicyTable
	clock      Clock
	roleChange RoleChangeMode
}

// NewRegistry creates an empty registry drawing policies from table.
func NewRegistry(table *PolicyTable, opts ...RegistryOption) *Registry {
	r := &Registry{
		buckets:    make(map[string]*Bucket),
		table:      table,
		clock:      time.Now,
		roleChange: RoleChangeRebind,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the bucket for identifier, creating a full one under
// role's policy if none exists. Unknown roles get the anonymous policy.
func (r *Registry) GetOrCreate(identifier string, role Role) (*Bucket, error) {
	if identifier == "" {
		return nil, ErrInvalidIdentifier
	}

	b := r.acquire(identifier, normalizeRole(role))
	b.mu.Unlock()
	return b, nil
}

// Take implements Backend.
func (r *Registry) Take(ctx context.Context, identifier string, role Role, n int64) (core.CheckResult, error) {
	if identifier == "" {
		return core.CheckResult{}, ErrInvalidIdentifier
	}
	if n < 1 {
		return core.CheckResult{}, ErrInvalidAmount
	}

	b := r.acquire(identifier, normalizeRole(role))
	defer b.mu.Unlock()

	if limit := b.algo.Config().Capacity; float64(n) > limit {
		return core.CheckResult{}, fmt.Errorf("%w: %d exceeds capacity %.0f", ErrInvalidAmount, n, limit)
	}
	return b.takeLocked(n), nil
}

// acquire returns the live bucket for identifier with its lock held.
func (r *Registry) acquire(identifier string, role Role) *Bucket {
	for {
		b := r.load(identifier, role)

		b.mu.Lock()
		if b.evicted {
			// Lost a race with Sweep; the map no longer holds this bucket.
			b.mu.Unlock()
			continue
		}
		if r.roleChange == RoleChangeRebind && b.role != role {
			b.rebindLocked(role, r.table.Lookup(role))
		}
		return b
	}
}

func (r *Registry) load(identifier string, role Role) *Bucket {
	// Try read lock first (fast path - bucket exists)
	r.mu.RLock()
	b, exists := r.buckets[identifier]
	r.mu.RUnlock()

	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check: another goroutine might have created it
	if b, exists = r.buckets[identifier]; exists {
		return b
	}

	b = newBucket(role, r.table.Lookup(role), r.clock)
	r.buckets[identifier] = b
	return b
}

// Sweep removes buckets whose last refill is older than idle.
// Returns the number of buckets removed.
func (r *Registry) Sweep(_ context.Context, idle time.Duration) (int, error) {
	if idle <= 0 {
		return 0, fmt.Errorf("%w: idle threshold must be positive", ErrInvalidConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock().Add(-idle)
	removed := 0

	for identifier, b := range r.buckets {
		b.mu.Lock()
		if b.state.LastRefillAt.Before(cutoff) {
			b.evicted = true
			delete(r.buckets, identifier)
			removed++
		}
		b.mu.Unlock()
	}

	return removed, nil
}

// Len returns the number of buckets in the registry.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets)
}

// Table returns the policy table buckets are created from.
func (r *Registry) Table() *PolicyTable {
	return r.table
}

func normalizeRole(role Role) Role {
	if role.Valid() {
		return role
	}
	return ParseRole(string(role))
}
