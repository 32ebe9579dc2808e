package core

import "time"

// Config defines the rate limiting policy
type Config struct {
	Capacity     float64 // Maximum tokens (burst size)
	RefillPerSec float64 // Tokens added per second
}

// BucketState represents the current state of a token bucket
type BucketState struct {
	Tokens       float64   `json:"tokens"`         // Current tokens available
	LastRefillAt time.Time `json:"last_refill_at"` // Last time tokens were refilled
}

// CheckResult contains the result of a take attempt
type CheckResult struct {
	Allowed    bool          // Whether the request is allowed
	Tokens     float64       // Tokens left in the bucket after this attempt
	Limit      float64       // Total capacity
	RetryAfter time.Duration // Time until the requested amount is available (0 if allowed)
	FullAt     time.Time     // When the bucket will be back at capacity
}
