package core

import (
	"math"
	"time"
)

// tolerance absorbs float drift from accumulating elapsed*rate in small steps,
// so a bucket that has refilled for exactly the advertised retry time admits.
const tolerance = 1e-9

// TokenBucket implements the token bucket rate limiting algorithm over an
// explicit state value. It holds no state of its own and is safe to share.
type TokenBucket struct {
	config Config
}

// NewTokenBucket creates a new token bucket with the given configuration
func NewTokenBucket(config Config) *TokenBucket {
	return &TokenBucket{config: config}
}

// Config returns the policy this bucket applies.
func (tb *TokenBucket) Config() Config {
	return tb.config
}

// NewState returns a full bucket as of now.
func (tb *TokenBucket) NewState(now time.Time) BucketState {
	return BucketState{
		Tokens:       tb.config.Capacity,
		LastRefillAt: now,
	}
}

// Refill returns the state with tokens accrued since LastRefillAt added,
// capped at capacity. A clock that moved backwards adds nothing and keeps
// the later timestamp.
func (tb *TokenBucket) Refill(state BucketState, now time.Time) BucketState {
	if !now.After(state.LastRefillAt) {
		if state.Tokens > tb.config.Capacity {
			state.Tokens = tb.config.Capacity
		}
		return state
	}

	elapsed := now.Sub(state.LastRefillAt).Seconds()
	tokens := math.Min(state.Tokens+elapsed*tb.config.RefillPerSec, tb.config.Capacity)

	return BucketState{
		Tokens:       tokens,
		LastRefillAt: now,
	}
}

// Take refills the bucket and then tries to consume n tokens.
// A nil state is treated as a new, full bucket. On rejection the token level
// is left as refilled; only a successful take decrements it.
func (tb *TokenBucket) Take(state *BucketState, n float64, now time.Time) (BucketState, CheckResult) {
	var current BucketState
	if state == nil {
		current = tb.NewState(now)
	} else {
		current = tb.Refill(*state, now)
	}

	if current.Tokens+tolerance >= n {
		current.Tokens = math.Max(0, current.Tokens-n)
		return current, CheckResult{
			Allowed: true,
			Tokens:  current.Tokens,
			Limit:   tb.config.Capacity,
			FullAt:  tb.fullAt(current, now),
		}
	}

	return current, CheckResult{
		Allowed:    false,
		Tokens:     current.Tokens,
		Limit:      tb.config.Capacity,
		RetryAfter: tb.wait(current.Tokens, n),
		FullAt:     tb.fullAt(current, now),
	}
}

// TimeUntilAvailable reports how long until n tokens are available.
// Returns 0 if they are available now.
func (tb *TokenBucket) TimeUntilAvailable(state BucketState, n float64, now time.Time) time.Duration {
	current := tb.Refill(state, now)
	if current.Tokens+tolerance >= n {
		return 0
	}
	return tb.wait(current.Tokens, n)
}

// MaxWait is the longest wait reported. Requests too large to fit a
// time.Duration saturate here instead of overflowing.
const MaxWait = time.Duration(math.MaxInt64)

func (tb *TokenBucket) wait(tokens, n float64) time.Duration {
	micros := math.Round((n - tokens) / tb.config.RefillPerSec * 1e6)
	if micros >= float64(MaxWait/time.Microsecond) || math.IsNaN(micros) {
		return MaxWait
	}
	// Microsecond resolution keeps 1/(10/60) at exactly 6s instead of 6s+1ns.
	return time.Duration(micros) * time.Microsecond
}

func (tb *TokenBucket) fullAt(state BucketState, now time.Time) time.Time {
	missing := tb.config.Capacity - state.Tokens
	if missing <= 0 {
		return now
	}
	return now.Add(tb.wait(state.Tokens, tb.config.Capacity))
}
