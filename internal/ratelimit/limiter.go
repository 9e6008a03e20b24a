package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"impactsurvey.org/internal/obs"
)

// Result is the verdict for one attempt.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetTime is when the current window ends, or when the block lifts
	// for a denied attempt.
	ResetTime time.Time
	// BlockedUntil is zero unless the key is blocked.
	BlockedUntil time.Time
}

// RetryAfter returns the whole seconds until ResetTime, rounded up.
func (r Result) RetryAfter(now time.Time) int {
	d := r.ResetTime.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// ViolationDetails describes a denied attempt for the audit trail: the
// policy, the caller and when the block lifts.
func ViolationDetails(p Policy, caller string, res Result) string {
	until := res.BlockedUntil
	if until.IsZero() {
		until = res.ResetTime
	}
	return fmt.Sprintf("%s limit exceeded by %s, blocked until %s", p.Name, caller, until.UTC().Format(time.RFC3339))
}

// Limiter applies policies over a Store.
type Limiter struct {
	store Store
	now   func() time.Time
}

// Option configures Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// New returns a Limiter over store. A nil store selects a MemoryStore.
func New(store Store, opts ...Option) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Limiter{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check records one attempt for key under p and decides whether it may
// proceed. Store failures let the attempt through.
func (l *Limiter) Check(ctx context.Context, p Policy, key string) Result {
	now := l.now()
	var res Result
	_, err := l.store.Update(ctx, key, func(cur Entry, ok bool) (Entry, error) {
		var next Entry
		next, res = advance(cur, ok, p, now)
		return next, nil
	})
	if err != nil {
		obs.RateLimitStoreError()
		obs.Logger().WarnContext(ctx, "rate limiter store failed, allowing request",
			"policy", p.Name,
			"error", err.Error(),
		)
		return Result{Allowed: true, Limit: p.MaxAttempts, Remaining: p.MaxAttempts - 1, ResetTime: now.Add(p.Window)}
	}
	if !res.Allowed {
		obs.RateLimitDenied(p.Name)
	}
	return res
}

// Reset forgets key, typically after a successful login.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Delete(ctx, key)
}

// Sweep discards entries whose window and block have both lapsed.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	return l.store.Sweep(ctx, l.now())
}

// RunSweeper sweeps every interval until ctx is done.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Sweep(ctx)
			if err != nil {
				obs.Logger().WarnContext(ctx, "rate limiter sweep failed", "error", err.Error())
				continue
			}
			if n > 0 {
				obs.Logger().DebugContext(ctx, "rate limiter sweep", "removed", n)
			}
		}
	}
}

// advance is the per-key state machine.
func advance(cur Entry, ok bool, p Policy, now time.Time) (Entry, Result) {
	res := Result{Limit: p.MaxAttempts}

	if ok && cur.Blocked(now) {
		cur.LastAttempt = now
		res.ResetTime = cur.BlockedUntil
		res.BlockedUntil = cur.BlockedUntil
		return cur, res
	}

	windowEnd := cur.WindowStart.Add(p.Window)
	if !ok || !cur.BlockedUntil.IsZero() || !now.Before(windowEnd) {
		next := Entry{Count: 1, WindowStart: now, LastAttempt: now, ExpiresAt: now.Add(p.Window)}
		res.Allowed = p.MaxAttempts >= 1
		res.Remaining = max(0, p.MaxAttempts-1)
		res.ResetTime = next.ExpiresAt
		return next, res
	}

	cur.Count++
	cur.LastAttempt = now
	if cur.Count > p.MaxAttempts {
		cur.BlockedUntil = now.Add(p.BlockDuration)
		cur.ExpiresAt = maxTime(windowEnd, cur.BlockedUntil)
		res.ResetTime = cur.BlockedUntil
		res.BlockedUntil = cur.BlockedUntil
		return cur, res
	}
	res.Allowed = true
	res.Remaining = p.MaxAttempts - cur.Count
	res.ResetTime = windowEnd
	return cur, res
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
