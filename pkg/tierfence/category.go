package tierfence

import (
	"fmt"
	"strings"
	"time"
)

// Category is a class of sensitive authentication endpoint.
type Category string

const (
	CategoryLogin         Category = "login"
	CategoryRegister      Category = "register"
	CategoryResetPassword Category = "reset-password"
)

var knownCategories = []Category{
	CategoryLogin,
	CategoryRegister,
	CategoryResetPassword,
}

// Categories returns every known auth category.
func Categories() []Category {
	out := make([]Category, len(knownCategories))
	copy(out, knownCategories)
	return out
}

// LookupCategory resolves a category name strictly.
func LookupCategory(name string) (Category, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	for _, c := range knownCategories {
		if string(c) == normalized {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, name)
}

// ParseCategory resolves a category name, falling back to CategoryLogin.
func ParseCategory(name string) Category {
	c, err := LookupCategory(name)
	if err != nil {
		return CategoryLogin
	}
	return c
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range knownCategories {
		if c == known {
			return true
		}
	}
	return false
}

// AttemptPolicy bounds attempts against one category within a sliding window.
type AttemptPolicy struct {
	MaxAttempts int
	Window      time.Duration

	// FailuresOnly makes HTTP adapters record only failed attempts.
	// The limiter itself records whatever it is told to.
	FailuresOnly bool
}

// Validate checks if an AttemptPolicy is usable.
func (p AttemptPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		return ErrNonPositiveAttempts
	}
	if p.Window <= 0 {
		return ErrNonPositiveWindow
	}
	return nil
}

// DefaultAttemptPolicies returns the default auth limits.
func DefaultAttemptPolicies() map[Category]AttemptPolicy {
	return map[Category]AttemptPolicy{
		CategoryLogin:         {MaxAttempts: 5, Window: 15 * time.Minute},
		CategoryRegister:      {MaxAttempts: 3, Window: time.Hour},
		CategoryResetPassword: {MaxAttempts: 3, Window: time.Hour},
	}
}
