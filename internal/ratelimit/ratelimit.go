// Package ratelimit implements the three request counters backed by the
// document store: per-email login attempts, per-user API calls, and
// per-tenant API calls. Counting is read-then-increment without a
// compare-and-swap, so concurrent requests in the same window can undercount;
// this is approximate limiting, not a hard cap.
package ratelimit

import (
	"context"
	"encoding/json"
	"time"

	"tenantcore.org/internal/docstore"
	"tenantcore.org/internal/fault"
	"tenantcore.org/internal/obs"
)

// Collection holds every counter record.
const Collection = "rate_limits"

const (
	defaultLoginMax        = 5
	defaultLoginWindow     = 15 * time.Minute
	defaultUserPerMinute   = 100
	defaultTenantPerMinute = 1000

	// bucketTTL is how long a minute-bucket record stays around after
	// creation so the sweep can remove it asynchronously.
	bucketTTL = 2 * time.Minute

	bucketFormat = "200601021504"
)

// Decision reports the state of a counter after a check. RetryAfter is set
// only when the check was rejected.
type Decision struct {
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter owns the three counters. Safe for concurrent use; all state lives
// in the document store.
type Limiter struct {
	docs            docstore.Store
	now             func() time.Time
	loginMax        int
	loginWindow     time.Duration
	userPerMinute   int
	tenantPerMinute int
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLoginPolicy overrides the login attempt cap and window.
func WithLoginPolicy(max int, window time.Duration) Option {
	return func(l *Limiter) {
		if max > 0 {
			l.loginMax = max
		}
		if window > 0 {
			l.loginWindow = window
		}
	}
}

// WithAPILimits overrides the per-user and per-tenant per-minute caps.
func WithAPILimits(userPerMinute, tenantPerMinute int) Option {
	return func(l *Limiter) {
		if userPerMinute > 0 {
			l.userPerMinute = userPerMinute
		}
		if tenantPerMinute > 0 {
			l.tenantPerMinute = tenantPerMinute
		}
	}
}

// New constructs a Limiter with the default policy.
func New(docs docstore.Store, opts ...Option) *Limiter {
	l := &Limiter{
		docs:            docs,
		now:             time.Now,
		loginMax:        defaultLoginMax,
		loginWindow:     defaultLoginWindow,
		userPerMinute:   defaultUserPerMinute,
		tenantPerMinute: defaultTenantPerMinute,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func loginKey(email string) string { return "auth:" + email }

// CheckLogin gates a login attempt for the email. It does not count the
// attempt; call RecordLoginFailure after a failed credential check and
// ClearLogin after a successful one.
func (l *Limiter) CheckLogin(ctx context.Context, email string) (Decision, error) {
	dec := Decision{Limit: l.loginMax, Remaining: l.loginMax}
	now := l.now().UTC()

	doc, err := l.docs.Get(ctx, Collection, loginKey(email))
	if err != nil {
		if fault.IsCode(err, fault.NotFound) {
			return dec, nil
		}
		return dec, err
	}

	if until := docstore.ParseTime(stringField(doc, "blocked_until")); now.Before(until) {
		dec.Remaining = 0
		dec.RetryAfter = until.Sub(now)
		obs.CountRateLimitRejection("auth")
		return dec, fault.New(fault.ResourceExhausted,
			"too many login attempts, try again in %d seconds", retrySeconds(dec.RetryAfter))
	}

	windowStart := docstore.ParseTime(stringField(doc, "window_start"))
	if now.Sub(windowStart) > l.loginWindow {
		// Stale window; the next failure starts a fresh record.
		return dec, nil
	}

	count := intField(doc, "count")
	dec.Remaining = l.loginMax - count
	if dec.Remaining > 0 {
		return dec, nil
	}

	// Cap reached inside the window: block for a full window from now.
	until := now.Add(l.loginWindow)
	if _, err := l.docs.Update(ctx, Collection, doc.ID, map[string]any{
		"blocked_until": docstore.FormatTime(until),
		"expires_at":    docstore.FormatTime(until),
	}); err != nil {
		return dec, err
	}
	dec.Remaining = 0
	dec.RetryAfter = l.loginWindow
	obs.CountRateLimitRejection("auth")
	return dec, fault.New(fault.ResourceExhausted,
		"too many login attempts, try again in %d seconds", retrySeconds(dec.RetryAfter))
}

// RecordLoginFailure counts one failed attempt. A record whose window has
// elapsed is replaced rather than incremented.
func (l *Limiter) RecordLoginFailure(ctx context.Context, email string) error {
	now := l.now().UTC()
	id := loginKey(email)

	doc, err := l.docs.Get(ctx, Collection, id)
	if err != nil {
		if !fault.IsCode(err, fault.NotFound) {
			return err
		}
		return l.createLoginRecord(ctx, id, now)
	}

	windowStart := docstore.ParseTime(stringField(doc, "window_start"))
	if now.Sub(windowStart) > l.loginWindow {
		if err := l.docs.Delete(ctx, Collection, id); err != nil && !fault.IsCode(err, fault.NotFound) {
			return err
		}
		return l.createLoginRecord(ctx, id, now)
	}

	_, err = l.docs.Update(ctx, Collection, id, map[string]any{
		"count": intField(doc, "count") + 1,
	})
	return err
}

// ClearLogin drops the email's counter after a successful login.
func (l *Limiter) ClearLogin(ctx context.Context, email string) error {
	err := l.docs.Delete(ctx, Collection, loginKey(email))
	if err != nil && !fault.IsCode(err, fault.NotFound) {
		return err
	}
	return nil
}

func (l *Limiter) createLoginRecord(ctx context.Context, id string, now time.Time) error {
	_, err := l.docs.Create(ctx, &docstore.Document{
		Collection: Collection,
		ID:         id,
		Data: map[string]any{
			"kind":         "auth",
			"count":        1,
			"window_start": docstore.FormatTime(now),
			"expires_at":   docstore.FormatTime(now.Add(l.loginWindow)),
		},
	})
	if fault.IsCode(err, fault.AlreadyExists) {
		// Lost a create race; fold this attempt into the winner's record.
		_, err = l.docs.Update(ctx, Collection, id, map[string]any{"count": 2})
	}
	return err
}

// AllowUser counts one API call for the user in the current minute bucket.
func (l *Limiter) AllowUser(ctx context.Context, uid string) (Decision, error) {
	return l.allowBucket(ctx, "api:"+uid, "api", l.userPerMinute)
}

// AllowTenant counts one API call for the tenant in the current minute bucket.
func (l *Limiter) AllowTenant(ctx context.Context, tenantID string) (Decision, error) {
	return l.allowBucket(ctx, "tenant:"+tenantID, "tenant", l.tenantPerMinute)
}

func (l *Limiter) allowBucket(ctx context.Context, prefix, kind string, max int) (Decision, error) {
	dec := Decision{Limit: max}
	now := l.now().UTC()
	bucketStart := now.Truncate(time.Minute)
	id := prefix + ":" + now.Format(bucketFormat)

	doc, err := l.docs.Get(ctx, Collection, id)
	if err != nil {
		if !fault.IsCode(err, fault.NotFound) {
			return dec, err
		}
		_, err = l.docs.Create(ctx, &docstore.Document{
			Collection: Collection,
			ID:         id,
			Data: map[string]any{
				"kind":       kind,
				"count":      1,
				"expires_at": docstore.FormatTime(bucketStart.Add(bucketTTL)),
			},
		})
		if err == nil {
			dec.Remaining = max - 1
			return dec, nil
		}
		if !fault.IsCode(err, fault.AlreadyExists) {
			return dec, err
		}
		if doc, err = l.docs.Get(ctx, Collection, id); err != nil {
			return dec, err
		}
	}

	count := intField(doc, "count")
	if count >= max {
		dec.Remaining = 0
		dec.RetryAfter = bucketStart.Add(time.Minute).Sub(now)
		obs.CountRateLimitRejection(kind)
		return dec, fault.New(fault.ResourceExhausted, "%s rate limit exceeded", kind)
	}

	if _, err := l.docs.Update(ctx, Collection, id, map[string]any{"count": count + 1}); err != nil {
		return dec, err
	}
	dec.Remaining = max - count - 1
	return dec, nil
}

// Sweep deletes expired counter records in bounded batches and reports how
// many were removed. It only targets records whose expiry has passed, so it
// is idempotent and safe to run concurrently with live traffic.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	cutoff := docstore.FormatTime(l.now().UTC())
	total := 0
	for {
		n, err := l.docs.DeleteWhere(ctx, Collection,
			[]docstore.Filter{docstore.Lt("expires_at", cutoff)}, docstore.MaxBatchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < docstore.MaxBatchSize {
			return total, nil
		}
	}
}

func stringField(doc *docstore.Document, field string) string {
	s, _ := doc.Data[field].(string)
	return s
}

func intField(doc *docstore.Document, field string) int {
	switch v := doc.Data[field].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

func retrySeconds(d time.Duration) int {
	s := int(d.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
