package tierfence

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultCooldownWindow is one submission per five minutes.
const DefaultCooldownWindow = 5 * time.Minute

// CooldownOption configures a Cooldown.
type CooldownOption func(*Cooldown)

// WithCooldownClock sets the clock submissions are stamped with.
func WithCooldownClock(clock Clock) CooldownOption {
	return func(c *Cooldown) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithCooldownObserver reports cooldown outcomes.
func WithCooldownObserver(observer Observer) CooldownOption {
	return func(c *Cooldown) {
		if observer != nil {
			c.observer = observer
		}
	}
}

// Cooldown admits at most one submission per key per window, e.g. one
// business listing per client IP every five minutes.
type Cooldown struct {
	mu       sync.Mutex
	last     map[string]time.Time
	window   time.Duration
	clock    Clock
	observer Observer
}

// NewCooldown creates a Cooldown with the given window.
func NewCooldown(window time.Duration, opts ...CooldownOption) (*Cooldown, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: cooldown %w", ErrInvalidConfig, ErrNonPositiveWindow)
	}
	c := &Cooldown{
		last:     make(map[string]time.Time),
		window:   window,
		clock:    time.Now,
		observer: NopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Allow records a submission for key if its cooldown has passed.
// On rejection it returns how long until the next submission is accepted.
func (c *Cooldown) Allow(key string) (bool, time.Duration) {
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.last[key]; ok {
		if elapsed := now.Sub(last); elapsed < c.window {
			c.observer.ObserveCooldown(false)
			return false, c.window - elapsed
		}
	}

	c.last[key] = now
	c.observer.ObserveCooldown(true)
	return true, 0
}

// Sweep forgets keys whose cooldown has passed.
// Returns the number of keys removed.
func (c *Cooldown) Sweep(_ context.Context) (int, error) {
	start := c.clock()
	cutoff := start.Add(-c.window)

	c.mu.Lock()
	removed := 0
	for key, last := range c.last {
		if !last.After(cutoff) {
			delete(c.last, key)
			removed++
		}
	}
	c.mu.Unlock()

	c.observer.ObserveSweep("cooldown", removed, c.clock().Sub(start))
	return removed, nil
}

// Window returns the cooldown window.
func (c *Cooldown) Window() time.Duration {
	return c.window
}

// Len returns the number of keys currently cooling down.
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}
