package tierfence

import (
	"math"
	"sync"
	"time"

	"github.com/tierfence/tierfence/core"
)

// Bucket is the token bucket of a single identifier.
// It applies core.TokenBucket to its own state under a mutex, with lazy refill.
type Bucket struct {
	mu      sync.Mutex // Protects every field below
	algo    *core.TokenBucket
	state   core.BucketState
	role    Role
	clock   Clock
	evicted bool // Set by Registry.Sweep; an evicted bucket is never handed out again
}

// NewBucket creates a full bucket for policy.
// A nil clock means time.Now.
//
// Example: NewBucket(TierPolicy{Capacity: 10, Window: time.Minute}, nil) creates a bucket that:
// - Allows bursts up to 10 requests
// - Refills one token every 6 seconds
func NewBucket(policy TierPolicy, clock Clock) (*Bucket, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return newBucket(RoleAnonymous, policy, clock), nil
}

func newBucket(role Role, policy TierPolicy, clock Clock) *Bucket {
	if clock == nil {
		clock = time.Now
	}
	algo := core.NewTokenBucket(policy.bucketConfig())
	return &Bucket{
		algo:  algo,
		state: algo.NewState(clock()),
		role:  role,
		clock: clock,
	}
}

// Consume attempts to take n tokens. Returns true if they were available.
// n below 1 or above capacity is rejected without touching the bucket.
func (b *Bucket) Consume(n int64) bool {
	if n < 1 {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if float64(n) > b.algo.Config().Capacity {
		return false
	}
	return b.takeLocked(n).Allowed
}

// takeLocked refills and consumes.
// MUST be called with b.mu locked.
func (b *Bucket) takeLocked(n int64) core.CheckResult {
	next, result := b.algo.Take(&b.state, float64(n), b.clock())
	b.state = next
	return result
}

// rebindLocked moves the bucket onto a new role's policy. Tokens accrued
// under the old policy are kept, clamped to the new capacity.
// MUST be called with b.mu locked.
func (b *Bucket) rebindLocked(role Role, policy TierPolicy) {
	refilled := b.algo.Refill(b.state, b.clock())
	b.algo = core.NewTokenBucket(policy.bucketConfig())
	b.state = b.algo.Refill(refilled, refilled.LastRefillAt)
	b.role = role
}

// TimeUntilAvailable reports how long until n tokens are available.
// Returns 0 if they are available now.
func (b *Bucket) TimeUntilAvailable(n int64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.algo.TimeUntilAvailable(b.state, float64(n), b.clock())
}

// Tokens returns the current token level. This is a snapshot and may change
// immediately due to concurrent access.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.algo.Refill(b.state, b.clock()).Tokens
}

// Remaining returns the number of whole tokens currently available.
func (b *Bucket) Remaining() int64 {
	return int64(math.Floor(b.Tokens() + 1e-9))
}

// Capacity returns the maximum capacity of the bucket.
func (b *Bucket) Capacity() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return int64(b.algo.Config().Capacity)
}

// RefillRate returns the refill rate (tokens per second).
func (b *Bucket) RefillRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.algo.Config().RefillPerSec
}

// LastRefill returns when the bucket was last refilled, which is the last
// time anyone took from it.
func (b *Bucket) LastRefill() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state.LastRefillAt
}

// Role returns the role whose policy the bucket currently applies.
func (b *Bucket) Role() Role {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.role
}
