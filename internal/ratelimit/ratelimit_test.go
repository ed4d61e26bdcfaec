package ratelimit

import (
	"context"
	"testing"
	"time"

	"tenantcore.org/internal/docstore"
	"tenantcore.org/internal/docstore/memory"
	"tenantcore.org/internal/fault"
)

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time          { return c.current }
func (c *fakeClock) advance(d time.Duration) { c.current = c.current.Add(d) }

func newTestLimiter(opts ...Option) (*Limiter, *fakeClock, docstore.Store) {
	clock := &fakeClock{current: time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)}
	docs := memory.NewWithClock(clock.now)
	opts = append([]Option{WithClock(clock.now)}, opts...)
	return New(docs, opts...), clock, docs
}

func TestLoginBlocksSixthAttempt(t *testing.T) {
	l, _, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.CheckLogin(ctx, "a@b.co"); err != nil {
			t.Fatalf("attempt %d should pass the gate: %v", i+1, err)
		}
		if err := l.RecordLoginFailure(ctx, "a@b.co"); err != nil {
			t.Fatalf("RecordLoginFailure %d: %v", i+1, err)
		}
	}

	dec, err := l.CheckLogin(ctx, "a@b.co")
	if !fault.IsCode(err, fault.ResourceExhausted) {
		t.Fatalf("expected resource_exhausted on 6th attempt, got %v", err)
	}
	if dec.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", dec.RetryAfter)
	}

	// Still blocked on the next try, with a shrinking wait.
	if _, err := l.CheckLogin(ctx, "a@b.co"); !fault.IsCode(err, fault.ResourceExhausted) {
		t.Fatalf("expected resource_exhausted while blocked, got %v", err)
	}

	// A different email is unaffected.
	if _, err := l.CheckLogin(ctx, "other@b.co"); err != nil {
		t.Fatalf("unrelated email gated: %v", err)
	}
}

func TestLoginWindowElapsesAndResets(t *testing.T) {
	l, clock, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := l.RecordLoginFailure(ctx, "a@b.co"); err != nil {
			t.Fatalf("RecordLoginFailure: %v", err)
		}
	}

	clock.advance(16 * time.Minute)
	if _, err := l.CheckLogin(ctx, "a@b.co"); err != nil {
		t.Fatalf("attempt after elapsed window should pass: %v", err)
	}

	// The next failure starts a fresh window rather than resuming the old
	// count.
	if err := l.RecordLoginFailure(ctx, "a@b.co"); err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	dec, err := l.CheckLogin(ctx, "a@b.co")
	if err != nil {
		t.Fatalf("CheckLogin: %v", err)
	}
	if dec.Remaining != 4 {
		t.Fatalf("expected 4 remaining after reset, got %d", dec.Remaining)
	}
}

func TestLoginClearedOnSuccess(t *testing.T) {
	l, _, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := l.RecordLoginFailure(ctx, "a@b.co"); err != nil {
			t.Fatalf("RecordLoginFailure: %v", err)
		}
	}
	if err := l.ClearLogin(ctx, "a@b.co"); err != nil {
		t.Fatalf("ClearLogin: %v", err)
	}
	dec, err := l.CheckLogin(ctx, "a@b.co")
	if err != nil {
		t.Fatalf("CheckLogin after clear: %v", err)
	}
	if dec.Remaining != dec.Limit {
		t.Fatalf("expected full allowance after clear, got %d/%d", dec.Remaining, dec.Limit)
	}
}

func TestUserBucketCap(t *testing.T) {
	l, clock, _ := newTestLimiter(WithAPILimits(3, 1000))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dec, err := l.AllowUser(ctx, "u1")
		if err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		if dec.Remaining != 3-i-1 {
			t.Fatalf("call %d: expected remaining %d, got %d", i+1, 3-i-1, dec.Remaining)
		}
	}

	dec, err := l.AllowUser(ctx, "u1")
	if !fault.IsCode(err, fault.ResourceExhausted) {
		t.Fatalf("expected resource_exhausted over cap, got %v", err)
	}
	if dec.RetryAfter <= 0 || dec.RetryAfter > time.Minute {
		t.Fatalf("retry-after outside bucket bounds: %v", dec.RetryAfter)
	}

	// Other subjects keep their own buckets.
	if _, err := l.AllowUser(ctx, "u2"); err != nil {
		t.Fatalf("unrelated user limited: %v", err)
	}

	// The next minute is a fresh bucket.
	clock.advance(time.Minute)
	if _, err := l.AllowUser(ctx, "u1"); err != nil {
		t.Fatalf("next bucket should allow: %v", err)
	}
}

func TestTenantBucketIndependentOfUser(t *testing.T) {
	l, _, _ := newTestLimiter(WithAPILimits(2, 3))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.AllowTenant(ctx, "t1"); err != nil {
			t.Fatalf("tenant call %d: %v", i+1, err)
		}
	}
	if _, err := l.AllowTenant(ctx, "t1"); !fault.IsCode(err, fault.ResourceExhausted) {
		t.Fatalf("expected resource_exhausted for tenant, got %v", err)
	}

	// Per-user allowance is untouched by the tenant counter.
	if _, err := l.AllowUser(ctx, "u1"); err != nil {
		t.Fatalf("user call after tenant exhaustion: %v", err)
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	l, clock, docs := newTestLimiter()
	ctx := context.Background()

	if _, err := l.AllowUser(ctx, "u1"); err != nil {
		t.Fatalf("AllowUser: %v", err)
	}
	if err := l.RecordLoginFailure(ctx, "a@b.co"); err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}

	// Only the minute bucket has expired; the login window is still open.
	clock.advance(3 * time.Minute)
	if _, err := l.AllowUser(ctx, "u1"); err != nil {
		t.Fatalf("AllowUser in new bucket: %v", err)
	}

	removed, err := l.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 expired record removed, got %d", removed)
	}

	// Idempotent: the second pass finds nothing.
	removed, err = l.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep again: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected 0 on second sweep, got %d", removed)
	}

	rows, err := docs.Query(ctx, Collection, docstore.Query{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 live records after sweep, got %d", len(rows))
	}
}
