package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"impactsurvey.org/internal/audit"
	"impactsurvey.org/internal/obs"
)

const (
	// DefaultMaxFailedAttempts is the number of failed logins in the window
	// that locks an account.
	DefaultMaxFailedAttempts = 5
	// DefaultLockoutWindow is the trailing window failed logins are counted in.
	DefaultLockoutWindow = time.Hour
)

// Lockout decides whether an account may attempt to log in. A lock is either
// explicit (status Locked) or temporary (too many recent failures). A
// temporary lock lifts by itself once failures age out of the window.
type Lockout struct {
	accounts    CredentialStore
	failures    audit.FailureCounter
	audit       *audit.Logger
	maxFailures int
	window      time.Duration
	now         func() time.Time
}

// LockoutOption configures Lockout.
type LockoutOption func(*Lockout)

// WithLockoutThreshold overrides the failure count and window.
func WithLockoutThreshold(maxFailures int, window time.Duration) LockoutOption {
	return func(l *Lockout) {
		if maxFailures > 0 {
			l.maxFailures = maxFailures
		}
		if window > 0 {
			l.window = window
		}
	}
}

// WithLockoutClock overrides the time source.
func WithLockoutClock(fn func() time.Time) LockoutOption {
	return func(l *Lockout) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLockout builds a lockout policy over the account store and the audit trail.
func NewLockout(accounts CredentialStore, failures audit.FailureCounter, auditLog *audit.Logger, opts ...LockoutOption) *Lockout {
	l := &Lockout{
		accounts:    accounts,
		failures:    failures,
		audit:       auditLog,
		maxFailures: DefaultMaxFailedAttempts,
		window:      DefaultLockoutWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Threshold reports the failure count that locks an account.
func (l *Lockout) Threshold() int { return l.maxFailures }

// RecentFailures counts failed logins for email inside the window. Counter
// errors read as zero failures so an unavailable audit store cannot lock
// everyone out.
func (l *Lockout) RecentFailures(ctx context.Context, email string) int {
	if l.failures == nil {
		return 0
	}
	n, err := l.failures.CountRecentFailures(ctx, NormalizeEmail(email), l.now().Add(-l.window))
	if err != nil {
		obs.Logger().WarnContext(ctx, "failed login count unavailable", "error", err.Error())
		return 0
	}
	return n
}

// IsLocked reports whether the account behind email may not log in right
// now. A status read failure is returned as an error and callers must refuse
// the login.
func (l *Lockout) IsLocked(ctx context.Context, email string) (bool, error) {
	email = NormalizeEmail(email)
	acct, err := l.accounts.GetByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return true, fmt.Errorf("%w: read account status: %v", ErrInternal, err)
	case acct.Status == StatusLocked:
		return true, nil
	}
	return l.RecentFailures(ctx, email) >= l.maxFailures, nil
}

// RecordFailure audits a failed login for email and reports whether this
// failure reached the lock threshold.
func (l *Lockout) RecordFailure(ctx context.Context, acct *Account, email string, meta RequestMeta, reason string) bool {
	email = NormalizeEmail(email)
	entry := audit.Entry{
		Action:     audit.ActionLoginFailure,
		Details:    fmt.Sprintf("failed login for %s: %s", email, reason),
		Identifier: email,
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	}
	if acct != nil {
		entry.ActorID = acct.ID
		entry.OrganizationID = acct.OrganizationID
	}
	l.audit.Record(ctx, entry)
	if acct == nil {
		return false
	}
	// Counting after the write keeps the threshold crossing observable once.
	if l.RecentFailures(ctx, email) != l.maxFailures {
		return false
	}
	l.audit.Record(ctx, audit.Entry{
		ActorID:        acct.ID,
		OrganizationID: acct.OrganizationID,
		Action:         audit.ActionAccountLocked,
		Details:        fmt.Sprintf("account locked for %s after %d failed attempts", l.window, l.maxFailures),
		Identifier:     email,
		Success:        true,
		IP:             meta.IP,
		UserAgent:      meta.UserAgent,
	})
	return true
}

// Lock sets the status of the account behind email to Locked. Locking a
// locked or unknown account is a no-op.
func (l *Lockout) Lock(ctx context.Context, email, actorID, reason string) error {
	acct, err := l.accounts.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return l.lock(ctx, acct, actorID, reason)
}

// LockID is Lock for callers that hold the account id.
func (l *Lockout) LockID(ctx context.Context, id, actorID, reason string) error {
	acct, err := l.accounts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return l.lock(ctx, acct, actorID, reason)
}

func (l *Lockout) lock(ctx context.Context, acct *Account, actorID, reason string) error {
	if acct.Status == StatusLocked {
		return nil
	}
	if err := l.accounts.SetStatus(ctx, acct.ID, StatusLocked); err != nil {
		return err
	}
	details := "account locked"
	if reason != "" {
		details += ": " + reason
	}
	l.audit.Record(ctx, audit.Entry{
		ActorID:        actorID,
		OrganizationID: acct.OrganizationID,
		Action:         audit.ActionAccountLocked,
		Details:        details,
		Identifier:     acct.Email,
		Success:        true,
	})
	return nil
}
