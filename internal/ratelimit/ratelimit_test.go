package ratelimit_test

import (
	"testing"
	"time"

	"github.com/bdobrica/nbotgw/internal/ratelimit"
)

func TestAllow_WithinLimit(t *testing.T) {
	l := ratelimit.New(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !l.Allow("user:1") {
			t.Fatalf("call %d: expected allow", i)
		}
	}
	if l.Allow("user:1") {
		t.Fatal("expected 4th call to be denied")
	}
}

func TestAllow_PerSenderIsolation(t *testing.T) {
	l := ratelimit.New(1, time.Minute)
	if !l.Allow("user:1") {
		t.Fatal("expected first call for user:1 to be allowed")
	}
	if !l.Allow("user:2") {
		t.Fatal("expected first call for user:2 to be allowed, unaffected by user:1's quota")
	}
	if l.Allow("user:1") {
		t.Fatal("expected second call for user:1 to be denied")
	}
}

func TestAllow_WindowExpiry(t *testing.T) {
	l := ratelimit.New(1, 20*time.Millisecond)
	if !l.Allow("user:1") {
		t.Fatal("expected first call to be allowed")
	}
	if l.Allow("user:1") {
		t.Fatal("expected immediate second call to be denied")
	}
	time.Sleep(30 * time.Millisecond)
	if !l.Allow("user:1") {
		t.Fatal("expected call after window expiry to be allowed")
	}
}

func TestRemaining(t *testing.T) {
	l := ratelimit.New(2, time.Minute)
	if got := l.Remaining("user:1"); got != 2 {
		t.Fatalf("Remaining before any calls: got %d, want 2", got)
	}
	l.Allow("user:1")
	if got := l.Remaining("user:1"); got != 1 {
		t.Fatalf("Remaining after 1 call: got %d, want 1", got)
	}
	l.Allow("user:1")
	if got := l.Remaining("user:1"); got != 0 {
		t.Fatalf("Remaining after quota exhausted: got %d, want 0", got)
	}
}

func TestAcquireGuard(t *testing.T) {
	l := ratelimit.New(1, time.Minute)

	_, ok := l.AcquireGuard("user:1")
	if !ok {
		t.Fatal("expected first AcquireGuard to succeed")
	}
	if _, ok := l.AcquireGuard("user:1"); ok {
		t.Fatal("expected second AcquireGuard to be refused")
	}
}

func TestDefaults(t *testing.T) {
	l := ratelimit.New(0, 0)
	for i := 0; i < ratelimit.DefaultLimit; i++ {
		if !l.Allow("user:1") {
			t.Fatalf("call %d: expected allow under default limit", i)
		}
	}
	if l.Allow("user:1") {
		t.Fatal("expected call beyond default limit to be denied")
	}
}
