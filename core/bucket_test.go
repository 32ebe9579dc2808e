package core

import (
	"math"
	"testing"
	"time"
)

func TestTokenBucket_AllowsBurstRequests(t *testing.T) {
	config := Config{
		Capacity:     10,
		RefillPerSec: 5,
	}
	bucket := NewTokenBucket(config)
	now := time.Now()

	var state *BucketState

	// Should allow up to capacity requests instantly
	for i := 0; i < 10; i++ {
		next, result := bucket.Take(state, 1, now)
		state = &next

		if !result.Allowed {
			t.Errorf("Request %d should be allowed (burst)", i+1)
		}
	}

	// 11th request should be blocked
	_, result := bucket.Take(state, 1, now)
	if result.Allowed {
		t.Error("Request 11 should be blocked (bucket empty)")
	}
}

func TestTokenBucket_RejectionLeavesLevelUnchanged(t *testing.T) {
	bucket := NewTokenBucket(Config{Capacity: 5, RefillPerSec: 1})
	now := time.Now()

	state := BucketState{Tokens: 2.5, LastRefillAt: now}

	next, result := bucket.Take(&state, 3, now)
	if result.Allowed {
		t.Fatal("take of 3 should fail with 2.5 tokens")
	}
	if next.Tokens != 2.5 {
		t.Errorf("Tokens = %.2f after rejection, want 2.50", next.Tokens)
	}

	next, result = bucket.Take(&next, 2, now)
	if !result.Allowed {
		t.Fatal("take of 2 should succeed with 2.5 tokens")
	}
	if next.Tokens != 0.5 {
		t.Errorf("Tokens = %.2f after take, want 0.50", next.Tokens)
	}
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	config := Config{
		Capacity:     10,
		RefillPerSec: 5, // 5 tokens per second = 1 token per 200ms
	}
	bucket := NewTokenBucket(config)
	now := time.Now()

	state := bucket.NewState(now)

	// Drain the bucket
	for i := 0; i < 10; i++ {
		state, _ = bucket.Take(&state, 1, now)
	}

	// Should be blocked immediately
	state, result := bucket.Take(&state, 1, now)
	if result.Allowed {
		t.Error("Should be blocked immediately after draining")
	}

	// Wait 1 second (should refill 5 tokens)
	now = now.Add(1 * time.Second)

	for i := 0; i < 5; i++ {
		state, result = bucket.Take(&state, 1, now)
		if !result.Allowed {
			t.Errorf("Request %d should be allowed after refill", i+1)
		}
	}

	// 6th request should be blocked
	_, result = bucket.Take(&state, 1, now)
	if result.Allowed {
		t.Error("Request should be blocked after using refilled tokens")
	}
}

func TestTokenBucket_RetryAfter(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		drain   int
		want    time.Duration
		request float64
	}{
		{
			name:    "two per second",
			config:  Config{Capacity: 5, RefillPerSec: 2},
			drain:   5,
			request: 1,
			want:    500 * time.Millisecond,
		},
		{
			name:    "ten per minute",
			config:  Config{Capacity: 10, RefillPerSec: 10.0 / 60.0},
			drain:   10,
			request: 1,
			want:    6 * time.Second,
		},
		{
			name:    "multi-token request",
			config:  Config{Capacity: 4, RefillPerSec: 1},
			drain:   4,
			request: 3,
			want:    3 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket := NewTokenBucket(tt.config)
			now := time.Now()
			state := bucket.NewState(now)
			for i := 0; i < tt.drain; i++ {
				state, _ = bucket.Take(&state, 1, now)
			}

			_, result := bucket.Take(&state, tt.request, now)
			if result.Allowed {
				t.Fatal("request should be blocked")
			}
			if result.RetryAfter != tt.want {
				t.Errorf("RetryAfter = %v, want %v", result.RetryAfter, tt.want)
			}
			if got := bucket.TimeUntilAvailable(state, tt.request, now); got != tt.want {
				t.Errorf("TimeUntilAvailable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokenBucket_AdmitsAfterAdvertisedRetry(t *testing.T) {
	bucket := NewTokenBucket(Config{Capacity: 10, RefillPerSec: 10.0 / 60.0})
	now := time.Now()
	state := bucket.NewState(now)

	for i := 0; i < 10; i++ {
		state, _ = bucket.Take(&state, 1, now)
	}
	state, result := bucket.Take(&state, 1, now)
	if result.Allowed {
		t.Fatal("11th request should be blocked")
	}

	// Refill in many small steps to accumulate float drift
	for i := 0; i < 600; i++ {
		now = now.Add(10 * time.Millisecond)
		state = bucket.Refill(state, now)
	}

	if _, result := bucket.Take(&state, 1, now); !result.Allowed {
		t.Errorf("request should be allowed after %v, tokens = %v", result.RetryAfter, state.Tokens)
	}
}

func TestTokenBucket_CapsAtCapacity(t *testing.T) {
	config := Config{
		Capacity:     10,
		RefillPerSec: 5,
	}
	bucket := NewTokenBucket(config)
	now := time.Now()

	// Start with empty bucket
	state := &BucketState{
		Tokens:       0,
		LastRefillAt: now,
	}

	// Wait 10 seconds (would refill 50 tokens, but capped at 10)
	now = now.Add(10 * time.Second)
	_, result := bucket.Take(state, 1, now)

	if !result.Allowed {
		t.Error("Request should be allowed after long wait")
	}

	// Remaining should be capacity - 1 (we just consumed 1)
	expected := config.Capacity - 1
	if result.Tokens != expected {
		t.Errorf("Tokens = %.2f, want %.2f", result.Tokens, expected)
	}
}

func TestTokenBucket_ClockGoingBackwards(t *testing.T) {
	bucket := NewTokenBucket(Config{Capacity: 3, RefillPerSec: 1})
	now := time.Now()
	state := BucketState{Tokens: 1, LastRefillAt: now}

	refilled := bucket.Refill(state, now.Add(-time.Minute))
	if refilled.Tokens != 1 {
		t.Errorf("Tokens = %.2f, want 1 (no refill when clock goes backwards)", refilled.Tokens)
	}
	if !refilled.LastRefillAt.Equal(now) {
		t.Error("LastRefillAt should keep the later timestamp")
	}
}

func TestTokenBucket_FullAt(t *testing.T) {
	bucket := NewTokenBucket(Config{Capacity: 10, RefillPerSec: 2})
	now := time.Now()
	state := bucket.NewState(now)

	state, result := bucket.Take(&state, 4, now)
	if !result.Allowed {
		t.Fatal("take should be allowed")
	}
	if want := now.Add(2 * time.Second); !result.FullAt.Equal(want) {
		t.Errorf("FullAt = %v, want %v", result.FullAt, want)
	}

	state = bucket.Refill(state, now.Add(time.Hour))
	if state.Tokens != 10 {
		t.Errorf("Tokens = %.2f, want 10", state.Tokens)
	}
}

func TestTokenBucket_CapacityInvariant(t *testing.T) {
	bucket := NewTokenBucket(Config{Capacity: 7, RefillPerSec: 3})
	now := time.Now()
	state := bucket.NewState(now)

	steps := []struct {
		advance time.Duration
		take    float64
	}{
		{0, 3}, {100 * time.Millisecond, 5}, {2 * time.Second, 1}, {0, 7},
		{10 * time.Second, 2}, {0, 6}, {333 * time.Millisecond, 1}, {time.Hour, 8},
	}

	for i, step := range steps {
		now = now.Add(step.advance)
		state, _ = bucket.Take(&state, step.take, now)
		if state.Tokens < 0 || state.Tokens > 7 {
			t.Fatalf("step %d: Tokens = %v, outside [0, 7]", i, state.Tokens)
		}
	}
}

func TestTokenBucket_HugeTakeSaturatesWait(t *testing.T) {
	bucket := NewTokenBucket(Config{Capacity: 10, RefillPerSec: 10.0 / 60})
	now := time.Now()

	for _, n := range []float64{1 << 60, math.MaxInt64, math.Inf(1)} {
		next, result := bucket.Take(nil, n, now)
		if result.Allowed {
			t.Errorf("Take(%g) allowed", n)
		}
		if result.RetryAfter != MaxWait {
			t.Errorf("Take(%g) RetryAfter = %v, want MaxWait", n, result.RetryAfter)
		}
		if next.Tokens != 10 {
			t.Errorf("Take(%g) Tokens = %.2f, want 10", n, next.Tokens)
		}
		if wait := bucket.TimeUntilAvailable(next, n, now); wait != MaxWait {
			t.Errorf("TimeUntilAvailable(%g) = %v, want MaxWait", n, wait)
		}
	}
}
