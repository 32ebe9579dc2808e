package tierfence

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"
)

// AttemptLog stores attempt timestamps per key.
// MemoryAttemptLog is the in-process implementation; store.RedisAttempts
// shares logs across instances.
type AttemptLog interface {
	// Count returns the number of attempts recorded for key strictly after
	// since. Implementations may drop older entries while counting.
	Count(ctx context.Context, key string, since time.Time) (int, error)

	// Append records an attempt at the given time. retain is how long the
	// entry must be kept.
	Append(ctx context.Context, key string, at time.Time, retain time.Duration) error

	// Sweep drops entries past their retention and empty keys.
	// Returns the number of keys removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// AuthDecision contains the result of an auth attempt check.
type AuthDecision struct {
	Allowed  bool
	Category Category

	// Attempts is the number of attempts inside the current window
	Attempts int

	// Limit is the category's MaxAttempts
	Limit int

	// RetryAfter is the full category window when denied, 0 otherwise
	RetryAfter time.Duration
}

// RetryAfterSeconds returns RetryAfter in whole seconds, rounded up.
func (d AuthDecision) RetryAfterSeconds() int64 {
	if d.Allowed {
		return 0
	}
	return int64(math.Ceil(d.RetryAfter.Seconds()))
}

// AuthOption configures an AuthLimiter.
type AuthOption func(*AuthLimiter)

// WithAttemptLog replaces the in-process attempt log.
func WithAttemptLog(log AttemptLog) AuthOption {
	return func(a *AuthLimiter) {
		if log != nil {
			a.log = log
		}
	}
}

// WithAuthClock sets the clock attempts are stamped with.
func WithAuthClock(clock Clock) AuthOption {
	return func(a *AuthLimiter) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithAuthLogger sets the structured logger.
func WithAuthLogger(logger *slog.Logger) AuthOption {
	return func(a *AuthLimiter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithAuthObserver reports check outcomes.
func WithAuthObserver(observer Observer) AuthOption {
	return func(a *AuthLimiter) {
		if observer != nil {
			a.observer = observer
		}
	}
}

// AuthLimiter bounds attempts against sensitive auth endpoints per client IP,
// with a separate sliding window for each category.
type AuthLimiter struct {
	policies map[Category]AttemptPolicy
	log      AttemptLog
	clock    Clock
	logger   *slog.Logger
	observer Observer

	// locks serialize check-and-reserve per key; keys hash onto a stripe
	locks [keyLockStripes]sync.Mutex

	mu       sync.Mutex
	inflight map[string]int // Failures-only attempts not yet finished
}

const keyLockStripes = 64

// NewAuthLimiter creates an AuthLimiter. Categories missing from policies
// get their defaults; a nil map means all defaults.
func NewAuthLimiter(policies map[Category]AttemptPolicy, opts ...AuthOption) (*AuthLimiter, error) {
	merged := DefaultAttemptPolicies()
	for category, policy := range policies {
		if !category.Valid() {
			return nil, fmt.Errorf("%w: %w: %q", ErrInvalidConfig, ErrUnknownCategory, category)
		}
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("%w: auth category %s: %w", ErrInvalidConfig, category, err)
		}
		merged[category] = policy
	}

	a := &AuthLimiter{
		policies: merged,
		clock:    time.Now,
		logger:   slog.Default(),
		observer: NopObserver{},
		inflight: make(map[string]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = NewMemoryAttemptLog()
	}
	a.logger = a.logger.With("component", "auth_limiter")

	return a, nil
}

// Check reports whether ip may make another attempt against category.
// It never records anything; repeated checks do not count. Attempts held
// in flight by Acquire count as made.
func (a *AuthLimiter) Check(ctx context.Context, ip string, category Category) (AuthDecision, error) {
	if ip == "" {
		return AuthDecision{}, ErrInvalidIdentifier
	}
	category = normalizeCategory(category)
	return a.check(ctx, ip, category, attemptKey(ip, category))
}

func (a *AuthLimiter) check(ctx context.Context, ip string, category Category, key string) (AuthDecision, error) {
	policy := a.policies[category]

	since := a.clock().Add(-policy.Window)
	attempts, err := a.log.Count(ctx, key, since)
	if err != nil {
		a.observer.ObserveBackendError("auth_count")
		return AuthDecision{}, backendErr(err)
	}
	a.mu.Lock()
	attempts += a.inflight[key]
	a.mu.Unlock()

	decision := AuthDecision{
		Allowed:  attempts < policy.MaxAttempts,
		Category: category,
		Attempts: attempts,
		Limit:    policy.MaxAttempts,
	}
	if !decision.Allowed {
		decision.RetryAfter = policy.Window
		a.logger.DebugContext(ctx, "auth attempts exceeded",
			"ip", ip,
			"category", category,
			"attempts", attempts,
		)
	}

	a.observer.ObserveAuthCheck(category, decision.Allowed)
	return decision, nil
}

// RecordAttempt records one attempt by ip against category.
func (a *AuthLimiter) RecordAttempt(ctx context.Context, ip string, category Category) error {
	if ip == "" {
		return ErrInvalidIdentifier
	}
	category = normalizeCategory(category)
	return a.append(ctx, attemptKey(ip, category), category, a.clock())
}

func (a *AuthLimiter) append(ctx context.Context, key string, category Category, at time.Time) error {
	if err := a.log.Append(ctx, key, at, a.policies[category].Window); err != nil {
		a.observer.ObserveBackendError("auth_append")
		return backendErr(err)
	}
	a.observer.ObserveAuthAttempt(category)
	return nil
}

// Acquire checks the limit and, when allowed, takes an attempt slot in the
// same step, so concurrent requests from one IP cannot all pass the check
// before any of them is counted.
//
// For categories that count every attempt the slot is recorded at once.
// For failures-only categories it is held in flight, and counted by every
// check, until Finish reports whether the attempt failed. A denied decision
// comes with a nil Reservation.
func (a *AuthLimiter) Acquire(ctx context.Context, ip string, category Category) (AuthDecision, *Reservation, error) {
	if ip == "" {
		return AuthDecision{}, nil, ErrInvalidIdentifier
	}
	category = normalizeCategory(category)
	key := attemptKey(ip, category)

	lock := keyLockFor(&a.locks, key)
	lock.Lock()
	defer lock.Unlock()

	decision, err := a.check(ctx, ip, category, key)
	if err != nil || !decision.Allowed {
		return decision, nil, err
	}

	r := &Reservation{limiter: a, category: category, key: key, at: a.clock()}
	if a.policies[category].FailuresOnly {
		a.mu.Lock()
		a.inflight[key]++
		a.mu.Unlock()
		r.pending = true
		return decision, r, nil
	}
	if err := a.append(ctx, key, category, r.at); err != nil {
		return AuthDecision{}, nil, err
	}
	return decision, r, nil
}

// keyLockFor picks the stripe that serializes key.
func keyLockFor(locks *[keyLockStripes]sync.Mutex, key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &locks[h.Sum32()%keyLockStripes]
}

// Reservation is an attempt slot taken by AuthLimiter.Acquire.
type Reservation struct {
	limiter  *AuthLimiter
	category Category
	key      string
	at       time.Time
	pending  bool
	once     sync.Once
}

// Finish completes the attempt. failed decides whether a failures-only
// attempt is recorded; it is ignored for categories that count every
// attempt. Only the first call has any effect.
func (r *Reservation) Finish(ctx context.Context, failed bool) error {
	if r == nil {
		return nil
	}
	var err error
	r.once.Do(func() {
		if !r.pending {
			return
		}
		a := r.limiter
		lock := keyLockFor(&a.locks, r.key)
		lock.Lock()
		defer lock.Unlock()

		if failed {
			err = a.append(ctx, r.key, r.category, r.at)
		}
		a.mu.Lock()
		if a.inflight[r.key] <= 1 {
			delete(a.inflight, r.key)
		} else {
			a.inflight[r.key]--
		}
		a.mu.Unlock()
	})
	return err
}

// Sweep drops expired attempts and returns the number of keys removed.
func (a *AuthLimiter) Sweep(ctx context.Context) (int, error) {
	start := a.clock()
	removed, err := a.log.Sweep(ctx, start)
	if err != nil {
		a.observer.ObserveBackendError("auth_sweep")
		return 0, backendErr(err)
	}
	a.observer.ObserveSweep("auth_attempts", removed, a.clock().Sub(start))
	return removed, nil
}

// Policy returns the policy applied to category.
func (a *AuthLimiter) Policy(category Category) AttemptPolicy {
	return a.policies[normalizeCategory(category)]
}

func normalizeCategory(category Category) Category {
	if category.Valid() {
		return category
	}
	return ParseCategory(string(category))
}

func attemptKey(ip string, category Category) string {
	return string(category) + ":" + ip
}

func backendErr(err error) error {
	if errors.Is(err, ErrBackendFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBackendFailed, err)
}

// MemoryAttemptLog is an in-process AttemptLog.
type MemoryAttemptLog struct {
	mu      sync.Mutex
	entries map[string]*attemptEntry
}

type attemptEntry struct {
	times  []time.Time // Ascending
	retain time.Duration
}

// NewMemoryAttemptLog creates an empty log.
func NewMemoryAttemptLog() *MemoryAttemptLog {
	return &MemoryAttemptLog{entries: make(map[string]*attemptEntry)}
}

// Count implements AttemptLog. Entries at or before since are dropped.
func (m *MemoryAttemptLog) Count(_ context.Context, key string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return 0, nil
	}
	entry.prune(since)
	if len(entry.times) == 0 {
		delete(m.entries, key)
		return 0, nil
	}
	return len(entry.times), nil
}

// Append implements AttemptLog.
func (m *MemoryAttemptLog) Append(_ context.Context, key string, at time.Time, retain time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		entry = &attemptEntry{}
		m.entries[key] = entry
	}
	if retain > entry.retain {
		entry.retain = retain
	}

	// Keep the slice sorted even if the clock stepped back.
	i := len(entry.times)
	for i > 0 && entry.times[i-1].After(at) {
		i--
	}
	entry.times = append(entry.times, time.Time{})
	copy(entry.times[i+1:], entry.times[i:])
	entry.times[i] = at
	return nil
}

// Sweep implements AttemptLog.
func (m *MemoryAttemptLog) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, entry := range m.entries {
		entry.prune(now.Add(-entry.retain))
		if len(entry.times) == 0 {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of keys with at least one retained attempt.
func (m *MemoryAttemptLog) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// prune drops entries at or before cutoff.
func (e *attemptEntry) prune(cutoff time.Time) {
	drop := 0
	for drop < len(e.times) && !e.times[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		e.times = append(e.times[:0], e.times[drop:]...)
	}
}
