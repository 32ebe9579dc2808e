package store

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/tierfence/tierfence/pkg/tierfence"
)

// newTestStore connects to a local Redis on DB 15 under a test prefix.
// Note: This requires a Redis instance running on localhost:6379
// Skip with: go test -short
func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping Redis integration test")
	}

	store := NewRedisStore(RedisConfig{
		Addr:   "localhost:6379",
		DB:     15, // Use separate DB for tests
		TTL:    1 * time.Minute,
		Prefix: "tierfence-test:",
	})

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		store.Close()
		t.Skip("Redis not available:", err)
	}

	store.Clear(ctx)
	t.Cleanup(func() {
		store.Clear(ctx)
		store.Close()
	})
	return store
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRedisBuckets_AnonymousBurst(t *testing.T) {
	store := newTestStore(t)
	clock := &testClock{now: time.Now()}
	buckets := store.Buckets(tierfence.DefaultPolicyTable(), WithBucketsClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := buckets.Take(ctx, "ip:1", tierfence.RoleAnonymous, 1)
		if err != nil {
			t.Fatalf("Take() unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	res, err := buckets.Take(ctx, "ip:1", tierfence.RoleAnonymous, 1)
	if err != nil {
		t.Fatalf("Take() unexpected error: %v", err)
	}
	if res.Allowed {
		t.Error("11th request should be rejected")
	}
	if res.RetryAfter != 6*time.Second {
		t.Errorf("RetryAfter = %v, want 6s", res.RetryAfter)
	}

	clock.Advance(6 * time.Second)
	if res, _ := buckets.Take(ctx, "ip:1", tierfence.RoleAnonymous, 1); !res.Allowed {
		t.Error("request should be allowed after 6s")
	}
}

func TestRedisBuckets_SharedAcrossInstances(t *testing.T) {
	store := newTestStore(t)
	table := tierfence.DefaultPolicyTable()
	a := store.Buckets(table)
	b := store.Buckets(table)
	ctx := context.Background()

	if _, err := a.Take(ctx, "user:shared", tierfence.RoleFree, 59); err != nil {
		t.Fatalf("Take() unexpected error: %v", err)
	}

	res, err := b.Take(ctx, "user:shared", tierfence.RoleFree, 2)
	if err != nil {
		t.Fatalf("Take() unexpected error: %v", err)
	}
	if res.Allowed {
		t.Error("second instance should see the first instance's consumption")
	}
}

func TestRedisBuckets_ConcurrentTakes(t *testing.T) {
	store := newTestStore(t)
	clock := &testClock{now: time.Now()}
	buckets := store.Buckets(tierfence.DefaultPolicyTable(), WithBucketsClock(clock.Now))
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := buckets.Take(ctx, "ip:race", tierfence.RoleAnonymous, 1)
			if err != nil {
				t.Errorf("Take() unexpected error: %v", err)
				return
			}
			if res.Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 10 {
		t.Errorf("admitted = %d, want 10", admitted)
	}
}

func TestRedisBuckets_RoleChange(t *testing.T) {
	store := newTestStore(t)
	table := tierfence.DefaultPolicyTable()
	ctx := context.Background()

	tests := []struct {
		mode      tierfence.RoleChangeMode
		wantLimit float64
	}{
		{tierfence.RoleChangeRebind, 1000},
		{tierfence.RoleChangeSticky, 10},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			buckets := store.Buckets(table, WithBucketsRoleChange(tt.mode))
			id := "user:" + string(tt.mode)

			if _, err := buckets.Take(ctx, id, tierfence.RoleAnonymous, 1); err != nil {
				t.Fatalf("Take() unexpected error: %v", err)
			}
			res, err := buckets.Take(ctx, id, tierfence.RoleEnterprise, 1)
			if err != nil {
				t.Fatalf("Take() unexpected error: %v", err)
			}
			if res.Limit != tt.wantLimit {
				t.Errorf("Limit = %v, want %v", res.Limit, tt.wantLimit)
			}
		})
	}
}

func TestRedisBuckets_Sweep(t *testing.T) {
	store := newTestStore(t)
	clock := &testClock{now: time.Now()}
	buckets := store.Buckets(tierfence.DefaultPolicyTable(), WithBucketsClock(clock.Now))
	ctx := context.Background()

	buckets.Take(ctx, "ip:idle", tierfence.RoleAnonymous, 3)
	clock.Advance(20 * time.Second)
	buckets.Take(ctx, "ip:busy", tierfence.RoleAnonymous, 1)
	clock.Advance(20 * time.Second)

	removed, err := buckets.Sweep(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("Sweep() unexpected error: %v", err)
	}
	if removed != 1 {
		t.Errorf("Sweep() removed %d, want 1", removed)
	}

	if _, err := buckets.Sweep(ctx, 0); !errors.Is(err, tierfence.ErrInvalidConfig) {
		t.Errorf("Sweep(0) error = %v, want ErrInvalidConfig", err)
	}
}

func TestRedisBuckets_Validation(t *testing.T) {
	buckets := NewRedisStore(RedisConfig{Addr: "localhost:0"}).Buckets(tierfence.DefaultPolicyTable())
	ctx := context.Background()

	if _, err := buckets.Take(ctx, "", tierfence.RoleFree, 1); !errors.Is(err, tierfence.ErrInvalidIdentifier) {
		t.Errorf("Take(\"\") error = %v, want ErrInvalidIdentifier", err)
	}
	if _, err := buckets.Take(ctx, "ip:1", tierfence.RoleFree, 0); !errors.Is(err, tierfence.ErrInvalidAmount) {
		t.Errorf("Take(n=0) error = %v, want ErrInvalidAmount", err)
	}
	if got := buckets.Len(); got != -1 {
		t.Errorf("Len() = %d, want -1", got)
	}
}

func TestRedisBuckets_TakeAboveCapacity(t *testing.T) {
	store := newTestStore(t)
	buckets := store.Buckets(tierfence.DefaultPolicyTable())
	ctx := context.Background()

	for _, n := range []int64{11, 1 << 60, math.MaxInt64} {
		if _, err := buckets.Take(ctx, "ip:1", tierfence.RoleAnonymous, n); !errors.Is(err, tierfence.ErrInvalidAmount) {
			t.Errorf("Take(n=%d) error = %v, want ErrInvalidAmount", n, err)
		}
	}

	// The rejected takes leave the bucket untouched.
	res, err := buckets.Take(ctx, "ip:1", tierfence.RoleAnonymous, 10)
	if err != nil {
		t.Fatalf("Take(n=10) unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Error("a full burst should still be allowed")
	}
}

func TestRedisBuckets_UnreachableFailsClosed(t *testing.T) {
	store := NewRedisStore(RedisConfig{Addr: "127.0.0.1:1"})
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := store.Buckets(tierfence.DefaultPolicyTable()).Take(ctx, "ip:1", tierfence.RoleFree, 1)
	if !errors.Is(err, tierfence.ErrBackendFailed) {
		t.Errorf("Take() error = %v, want ErrBackendFailed", err)
	}
}

func TestRedisAttempts_WithAuthLimiter(t *testing.T) {
	store := newTestStore(t)
	clock := &testClock{now: time.Now()}
	auth, err := tierfence.NewAuthLimiter(nil,
		tierfence.WithAttemptLog(store.Attempts()),
		tierfence.WithAuthClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("NewAuthLimiter() failed: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := auth.RecordAttempt(ctx, "10.0.0.9", tierfence.CategoryLogin); err != nil {
			t.Fatalf("RecordAttempt() unexpected error: %v", err)
		}
		clock.Advance(time.Second)
	}

	d, err := auth.Check(ctx, "10.0.0.9", tierfence.CategoryLogin)
	if err != nil {
		t.Fatalf("Check() unexpected error: %v", err)
	}
	if d.Allowed {
		t.Error("6th login attempt should be denied")
	}

	d, _ = auth.Check(ctx, "10.0.0.9", tierfence.CategoryRegister)
	if !d.Allowed {
		t.Error("register should have its own log")
	}

	clock.Advance(16 * time.Minute)
	d, _ = auth.Check(ctx, "10.0.0.9", tierfence.CategoryLogin)
	if !d.Allowed || d.Attempts != 0 {
		t.Errorf("after the window: Allowed = %v, Attempts = %d, want true, 0", d.Allowed, d.Attempts)
	}
}
