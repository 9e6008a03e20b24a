// Package audit records security-relevant events. Recording is best-effort:
// a failed write is logged and counted but never reaches the caller.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"impactsurvey.org/internal/ids"
	"impactsurvey.org/internal/obs"
)

// Action labels written to the audit store.
const (
	ActionLoginSuccess         = "successful login"
	ActionLoginFailure         = "login-failure"
	ActionLoginBlocked         = "login-blocked"
	ActionLogout               = "logout"
	ActionTokenRefresh         = "token-refresh"
	ActionPasswordResetRequest = "password-reset-request"
	ActionPasswordResetConfirm = "password-reset-confirm"
	ActionAccountLocked        = "account-locked"
	ActionAccountStatusChange  = "account-status-change"
	ActionRateLimitViolation   = "rate-limit-violation"
	ActionAccessGranted        = "access-granted"
	ActionAccessDenied         = "access-denied"
)

// Entry is one immutable audit record. Empty ActorID or OrganizationID mean
// the event had no authenticated subject or organization.
type Entry struct {
	ID             string
	ActorID        string
	OrganizationID string
	Action         string
	Details        string
	// Identifier is the subject the event is about when there is no actor
	// yet, typically the email of a login attempt.
	Identifier string
	Success    bool
	IP         string
	UserAgent  string
	RequestID  string
	CreatedAt  time.Time
}

// Store persists audit entries.
type Store interface {
	Insert(ctx context.Context, entry *Entry) error
}

// FailureCounter answers how many failed logins an identifier produced since a point in time.
type FailureCounter interface {
	CountRecentFailures(ctx context.Context, identifier string, since time.Time) (int, error)
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Logger writes entries to a Store and echoes them to the structured log.
type Logger struct {
	store Store
	now   func() time.Time
	echo  bool
}

// Option configures Logger.
type Option func(*Logger)

// WithClock overrides the time source used for CreatedAt.
func WithClock(fn func() time.Time) Option {
	return func(l *Logger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithEcho toggles the structured log line emitted for every entry.
func WithEcho(enabled bool) Option {
	return func(l *Logger) { l.echo = enabled }
}

// NewLogger constructs a Logger. A nil store keeps only the log echo.
func NewLogger(store Store, opts ...Option) *Logger {
	l := &Logger{store: store, now: time.Now, echo: true}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record persists entry. It never fails from the caller's point of view.
func (l *Logger) Record(ctx context.Context, entry Entry) {
	if l == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	entry.Action = strings.TrimSpace(entry.Action)
	if entry.Action == "" {
		obs.Logger().WarnContext(ctx, "audit entry without action dropped")
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}
	if entry.ID == "" {
		entry.ID = ids.NewAt(entry.CreatedAt)
	}
	if entry.RequestID == "" {
		entry.RequestID = requestIDFromContext(ctx)
	}

	if l.echo {
		obs.Logger().InfoContext(ctx, "audit",
			"type", "audit",
			"event", entry.Action,
			"success", entry.Success,
			"actor_id", entry.ActorID,
			"organization_id", entry.OrganizationID,
			"request_id", entry.RequestID,
			"ip", entry.IP,
			"details", entry.Details,
		)
	}
	if l.store == nil {
		return
	}
	if err := l.insert(ctx, &entry); err != nil {
		obs.AuditWriteFailed()
		obs.Logger().ErrorContext(ctx, "audit write failed",
			"event", entry.Action,
			"audit_id", entry.ID,
			"error", err.Error(),
		)
	}
}

func (l *Logger) insert(ctx context.Context, entry *Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r}
		}
	}()
	return l.store.Insert(ctx, entry)
}

type panicError struct{ value any }

func (p panicError) Error() string { return fmt.Sprintf("audit store panic: %v", p.value) }
