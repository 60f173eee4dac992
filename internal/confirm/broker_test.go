package confirm

import (
	"errors"
	"testing"
	"time"
)

func TestRedeemOnce(t *testing.T) {
	b := New()
	defer b.Stop()

	token := b.Create("deploy", map[string]string{"repo": "aws-clawd-bot"}, time.Minute, "u1")
	if len(token) != 12 {
		t.Fatalf("token length = %d, want 12", len(token))
	}

	p, err := b.Redeem(token, "u1")
	if err != nil {
		t.Fatalf("first redeem failed: %v", err)
	}
	if p.Kind != "deploy" {
		t.Errorf("kind = %q, want deploy", p.Kind)
	}

	if _, err := b.Redeem(token, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second redeem should be ErrNotFound, got %v", err)
	}
}

func TestRedeemExpired(t *testing.T) {
	b := New()
	defer b.Stop()

	now := time.Now()
	b.now = func() time.Time { return now }

	token := b.Create("deploy", nil, time.Minute, "u1")

	// Advance past expiry.
	b.now = func() time.Time { return now.Add(2 * time.Minute) }

	if _, err := b.Redeem(token, "u1"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	// Expired redeem consumes the token.
	if _, err := b.Redeem(token, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after expired redeem, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	b := New()
	defer b.Stop()

	token := b.Create("rollback", nil, time.Minute, "u1")
	if err := b.Cancel(token); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, err := b.Redeem(token, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancelled token should be gone, got %v", err)
	}
	if err := b.Cancel("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancelling unknown token should be ErrNotFound, got %v", err)
	}
}

func TestSweepDiscardsExpired(t *testing.T) {
	b := New()
	defer b.Stop()

	now := time.Now()
	b.now = func() time.Time { return now }
	b.Create("a", nil, time.Second, "u1")
	b.Create("b", nil, time.Hour, "u1")

	b.now = func() time.Time { return now.Add(time.Minute) }
	b.sweep()

	if got := b.PendingCount(); got != 1 {
		t.Errorf("sweep should leave 1 pending, got %d", got)
	}
}

func TestTokenUniqueness(t *testing.T) {
	b := New()
	defer b.Stop()

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		token := b.Create("k", nil, time.Minute, "u1")
		if seen[token] {
			t.Fatalf("duplicate token %s", token)
		}
		seen[token] = true
	}
}
