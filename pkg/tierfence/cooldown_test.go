package tierfence

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCooldown_Allow(t *testing.T) {
	clock := newFakeClock()
	observer := &recordingObserver{}
	c, err := NewCooldown(DefaultCooldownWindow, WithCooldownClock(clock.Now), WithCooldownObserver(observer))
	if err != nil {
		t.Fatalf("NewCooldown() failed: %v", err)
	}

	if ok, wait := c.Allow("10.0.0.1"); !ok || wait != 0 {
		t.Fatalf("first Allow() = %v, %v, want true, 0", ok, wait)
	}

	clock.Advance(time.Minute)
	if ok, wait := c.Allow("10.0.0.1"); ok || wait != 4*time.Minute {
		t.Errorf("Allow() after 1m = %v, %v, want false, 4m", ok, wait)
	}

	if ok, _ := c.Allow("10.0.0.2"); !ok {
		t.Error("keys should cool down independently")
	}

	clock.Advance(4 * time.Minute)
	if ok, _ := c.Allow("10.0.0.1"); !ok {
		t.Error("Allow() after the window should succeed")
	}

	if observer.cooldownDeny != 1 {
		t.Errorf("cooldownDeny = %d, want 1", observer.cooldownDeny)
	}
}

func TestCooldown_RejectionDoesNotExtend(t *testing.T) {
	clock := newFakeClock()
	c, err := NewCooldown(time.Minute, WithCooldownClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCooldown() failed: %v", err)
	}

	c.Allow("k")
	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		if ok, _ := c.Allow("k"); ok {
			t.Fatalf("Allow() at +%ds should be rejected", (i+1)*10)
		}
	}

	clock.Advance(10 * time.Second)
	if ok, _ := c.Allow("k"); !ok {
		t.Error("rejections should not extend the window")
	}
}

func TestCooldown_Sweep(t *testing.T) {
	clock := newFakeClock()
	c, err := NewCooldown(time.Minute, WithCooldownClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCooldown() failed: %v", err)
	}

	c.Allow("old")
	clock.Advance(45 * time.Second)
	c.Allow("new")
	clock.Advance(30 * time.Second)

	removed, err := c.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() failed: %v", err)
	}
	if removed != 1 || c.Len() != 1 {
		t.Errorf("removed = %d, Len() = %d, want 1, 1", removed, c.Len())
	}
}

func TestNewCooldown_InvalidWindow(t *testing.T) {
	_, err := NewCooldown(0)
	if !errors.Is(err, ErrInvalidConfig) || !errors.Is(err, ErrNonPositiveWindow) {
		t.Errorf("error = %v, want ErrInvalidConfig and ErrNonPositiveWindow", err)
	}
}
