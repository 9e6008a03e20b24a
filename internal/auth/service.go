package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"impactsurvey.org/internal/audit"
	"impactsurvey.org/internal/obs"
	"impactsurvey.org/internal/rbac"
)

// Session is the result of a successful login or refresh.
type Session struct {
	Token     string
	ExpiresAt time.Time
	Claims    *Claims
	Account   *Account
}

// Deps lists the collaborators of Service. Accounts and Tokens are required.
type Deps struct {
	Accounts CredentialStore
	Resets   ResetTokenStore
	Notifier ResetNotifier
	Tokens   *TokenService
	Lockout  *Lockout
	Audit    *audit.Logger
	Hasher   PasswordHasher
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithServiceClock overrides the time source.
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithResetTTL overrides how long a password reset token stays usable.
func WithResetTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.resetTTL = ttl
		}
	}
}

// Service implements the account flows: login, logout, refresh, password
// reset and administrative status changes.
type Service struct {
	accounts CredentialStore
	resets   ResetTokenStore
	notifier ResetNotifier
	tokens   *TokenService
	lockout  *Lockout
	audit    *audit.Logger
	hasher   PasswordHasher
	now      func() time.Time
	resetTTL time.Duration

	dummyOnce sync.Once
	dummyHash string
}

// NewService wires the account flows.
func NewService(deps Deps, opts ...ServiceOption) (*Service, error) {
	if deps.Accounts == nil {
		return nil, errors.New("auth: credential store is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("auth: token service is required")
	}
	s := &Service{
		accounts: deps.Accounts,
		resets:   deps.Resets,
		notifier: deps.Notifier,
		tokens:   deps.Tokens,
		lockout:  deps.Lockout,
		audit:    deps.Audit,
		hasher:   deps.Hasher,
		now:      time.Now,
		resetTTL: ResetTokenTTL,
	}
	if s.lockout == nil {
		s.lockout = NewLockout(deps.Accounts, nil, deps.Audit)
	}
	if s.notifier == nil {
		s.notifier = LogNotifier{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Tokens exposes the token service used for sessions.
func (s *Service) Tokens() *TokenService { return s.tokens }

// Login checks credentials and issues a session token. Unknown email and
// wrong password both return ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string, meta RequestMeta) (*Session, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrValidation)
	}
	if !ValidEmail(email) {
		return nil, fmt.Errorf("%w: a valid email is required", ErrValidation)
	}

	acct, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			obs.LoginAttempt("error")
			return nil, fmt.Errorf("%w: load account: %v", ErrInternal, err)
		}
		// Burn a comparison so unknown emails take as long as wrong passwords.
		s.hasher.Verify(password, s.dummy())
		s.lockout.RecordFailure(ctx, nil, email, meta, "unknown email")
		obs.LoginAttempt("invalid")
		return nil, ErrInvalidCredentials
	}

	locked, err := s.lockout.IsLocked(ctx, email)
	if err != nil {
		obs.LoginAttempt("error")
		return nil, err
	}
	if locked {
		s.audit.Record(ctx, audit.Entry{
			ActorID:        acct.ID,
			OrganizationID: acct.OrganizationID,
			Action:         audit.ActionLoginBlocked,
			Details:        "login refused: account locked",
			Identifier:     email,
			IP:             meta.IP,
			UserAgent:      meta.UserAgent,
		})
		obs.LoginAttempt("locked")
		return nil, ErrAccountLocked
	}

	if !s.hasher.Verify(password, acct.PasswordHash) {
		s.lockout.RecordFailure(ctx, acct, email, meta, "wrong password")
		obs.LoginAttempt("invalid")
		return nil, ErrInvalidCredentials
	}

	if acct.Status != StatusActive {
		s.audit.Record(ctx, audit.Entry{
			ActorID:        acct.ID,
			OrganizationID: acct.OrganizationID,
			Action:         audit.ActionLoginBlocked,
			Details:        fmt.Sprintf("login refused: account %s", strings.ToLower(string(acct.Status))),
			Identifier:     email,
			IP:             meta.IP,
			UserAgent:      meta.UserAgent,
		})
		obs.LoginAttempt("suspended")
		return nil, ErrAccountSuspended
	}

	token, claims, err := s.tokens.Issue(IdentityOf(acct))
	if err != nil {
		obs.LoginAttempt("error")
		return nil, err
	}
	now := s.now().UTC()
	if err := s.accounts.TouchLastLogin(ctx, acct.ID, now); err != nil {
		obs.Logger().WarnContext(ctx, "last login update failed", "account_id", acct.ID, "error", err.Error())
	} else {
		acct.LastLoginAt = &now
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:        acct.ID,
		OrganizationID: acct.OrganizationID,
		Action:         audit.ActionLoginSuccess,
		Details:        fmt.Sprintf("user %s logged in as %s", email, acct.Role),
		Identifier:     email,
		Success:        true,
		IP:             meta.IP,
		UserAgent:      meta.UserAgent,
	})
	obs.LoginAttempt("success")
	return &Session{Token: token, ExpiresAt: claims.ExpiresAtTime(), Claims: claims, Account: acct}, nil
}

func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Hash("timing-equalizer-password")
		if err != nil {
			obs.Logger().Error("dummy hash failed", "error", err.Error())
			return
		}
		s.dummyHash = h
	})
	return s.dummyHash
}

// Authenticate verifies a session token and confirms the account is still
// active. The returned claims carry the account's current role and
// organization. Every failure, store errors included, is ErrUnauthenticated.
func (s *Service) Authenticate(ctx context.Context, token string) (*Claims, *Account, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	acct, err := s.accounts.GetByID(ctx, claims.Subject)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			obs.Logger().WarnContext(ctx, "session account lookup failed", "account_id", claims.Subject, "error", err.Error())
		}
		return nil, nil, fmt.Errorf("%w: account unavailable", ErrUnauthenticated)
	}
	if acct.Status != StatusActive {
		return nil, nil, fmt.Errorf("%w: account %s", ErrUnauthenticated, strings.ToLower(string(acct.Status)))
	}
	current := *claims
	current.Email = acct.Email
	current.Role = acct.Role
	current.OrganizationID = acct.OrganizationID
	return &current, acct, nil
}

// Logout records the end of a session. Tokens are stateless, so the caller
// is responsible for discarding the token (clearing the cookie).
func (s *Service) Logout(ctx context.Context, claims *Claims, meta RequestMeta) {
	if claims == nil {
		return
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:        claims.Subject,
		OrganizationID: claims.OrganizationID,
		Action:         audit.ActionLogout,
		Details:        fmt.Sprintf("user %s logged out", claims.Email),
		Identifier:     claims.Email,
		Success:        true,
		IP:             meta.IP,
		UserAgent:      meta.UserAgent,
	})
}

// Refresh exchanges a still valid token for one with a fresh lifetime.
func (s *Service) Refresh(ctx context.Context, token string, meta RequestMeta) (*Session, error) {
	if _, _, err := s.Authenticate(ctx, token); err != nil {
		return nil, err
	}
	fresh, claims, err := s.tokens.Refresh(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:        claims.Subject,
		OrganizationID: claims.OrganizationID,
		Action:         audit.ActionTokenRefresh,
		Details:        "session token refreshed",
		Identifier:     claims.Email,
		Success:        true,
		IP:             meta.IP,
		UserAgent:      meta.UserAgent,
	})
	return &Session{Token: fresh, ExpiresAt: claims.ExpiresAtTime(), Claims: claims}, nil
}

// Account returns the account behind id.
func (s *Service) Account(ctx context.Context, id string) (*Account, error) {
	return s.accounts.GetByID(ctx, id)
}

// RequestPasswordReset issues a reset token for email and hands it to the
// notifier. The outcome is identical whether or not the email is known.
// Every outcome leaves one audit entry.
func (s *Service) RequestPasswordReset(ctx context.Context, email string, meta RequestMeta) error {
	email = NormalizeEmail(email)
	entry := audit.Entry{
		Action:     audit.ActionPasswordResetRequest,
		Identifier: email,
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	}
	refuse := func(details string, err error) error {
		entry.Details = details
		s.audit.Record(ctx, entry)
		return err
	}

	if !ValidEmail(email) {
		return refuse("reset refused: malformed email", fmt.Errorf("%w: a valid email is required", ErrValidation))
	}
	if s.resets == nil {
		return refuse("reset refused: not configured", fmt.Errorf("%w: password reset is not configured", ErrInternal))
	}

	acct, err := s.accounts.GetByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrNotFound):
		return refuse(fmt.Sprintf("reset requested for unknown email %s", email), nil)
	case err != nil:
		return refuse("reset failed: account lookup error", fmt.Errorf("%w: load account: %v", ErrInternal, err))
	}
	entry.ActorID = acct.ID
	entry.OrganizationID = acct.OrganizationID
	if acct.Status == StatusSuspended {
		return refuse("reset refused: account suspended", nil)
	}

	token, err := GenerateResetToken(DefaultResetTokenLength)
	if err != nil {
		return refuse("reset failed: token generation error", err)
	}
	now := s.now().UTC()
	expires := now.Add(s.resetTTL)
	if err := s.resets.Save(ctx, ResetToken{
		TokenHash: HashResetToken(token),
		AccountID: acct.ID,
		ExpiresAt: expires,
		CreatedAt: now,
	}); err != nil {
		return refuse("reset failed: token store error", fmt.Errorf("%w: save reset token: %v", ErrInternal, err))
	}
	if err := s.notifier.SendPasswordReset(ctx, acct, token, expires); err != nil {
		obs.Logger().ErrorContext(ctx, "password reset delivery failed", "account_id", acct.ID, "error", err.Error())
		return refuse("reset token issued, delivery failed", nil)
	}
	entry.Details = fmt.Sprintf("reset token issued, expires %s", expires.Format(time.RFC3339))
	entry.Success = true
	s.audit.Record(ctx, entry)
	return nil
}

// ConfirmPasswordReset consumes a reset token and stores newPassword. Every
// outcome leaves one audit entry.
func (s *Service) ConfirmPasswordReset(ctx context.Context, token, newPassword string, meta RequestMeta) error {
	entry := audit.Entry{
		Action:    audit.ActionPasswordResetConfirm,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	}
	refuse := func(details string, err error) error {
		entry.Details = details
		s.audit.Record(ctx, entry)
		return err
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return refuse("reset refused: token missing", fmt.Errorf("%w: reset token is required", ErrValidation))
	}
	if report := CheckStrength(newPassword); !report.Valid {
		return refuse("reset refused: new password too weak",
			fmt.Errorf("%w: %s", ErrValidation, strings.Join(report.Errors, "; ")))
	}
	if s.resets == nil {
		return refuse("reset refused: not configured", fmt.Errorf("%w: password reset is not configured", ErrInternal))
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return refuse("reset failed: hashing error", err)
	}
	rt, err := s.resets.Consume(ctx, HashResetToken(token), s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return refuse("reset refused: token unknown, used or expired",
				fmt.Errorf("%w: reset token is invalid or expired", ErrInvalidToken))
		}
		return refuse("reset failed: token store error", fmt.Errorf("%w: consume reset token: %v", ErrInternal, err))
	}
	entry.ActorID = rt.AccountID
	if acct, err := s.accounts.GetByID(ctx, rt.AccountID); err == nil {
		entry.OrganizationID = acct.OrganizationID
		entry.Identifier = acct.Email
	}
	if err := s.accounts.SetPasswordHash(ctx, rt.AccountID, hash); err != nil {
		return refuse("reset failed: password store error", fmt.Errorf("%w: store password: %v", ErrInternal, err))
	}
	entry.Details = "password changed via reset token"
	entry.Success = true
	s.audit.Record(ctx, entry)
	return nil
}

// SetStatus changes the lifecycle status of the account id on behalf of
// actor. Actors may only manage accounts in their reach and below their own
// role, and never themselves.
func (s *Service) SetStatus(ctx context.Context, actor *Claims, id string, status Status, meta RequestMeta) (*Account, error) {
	target, err := s.manageable(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if target.Status != status {
		if err := s.accounts.SetStatus(ctx, target.ID, status); err != nil {
			return nil, err
		}
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:        actor.Subject,
		OrganizationID: target.OrganizationID,
		Action:         audit.ActionAccountStatusChange,
		Details:        fmt.Sprintf("account %s status %s -> %s", target.ID, target.Status, status),
		Identifier:     target.Email,
		Success:        true,
		IP:             meta.IP,
		UserAgent:      meta.UserAgent,
	})
	target.Status = status
	return target, nil
}

// LockAccount explicitly locks the account id. It stays locked until an
// administrator sets it Active again.
func (s *Service) LockAccount(ctx context.Context, actor *Claims, id, reason string) error {
	if _, err := s.manageable(ctx, actor, id); err != nil {
		return err
	}
	return s.lockout.LockID(ctx, id, actor.Subject, reason)
}

func (s *Service) manageable(ctx context.Context, actor *Claims, id string) (*Account, error) {
	if actor == nil {
		return nil, ErrUnauthenticated
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrValidation)
	}
	if id == actor.Subject {
		return nil, fmt.Errorf("%w: cannot change own account", ErrValidation)
	}
	target, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rbac.CanAccessOrganizationData(actor.Role, actor.OrganizationID, target.OrganizationID) {
		return nil, fmt.Errorf("%w: account outside your organization", ErrForbidden)
	}
	if actor.Role != rbac.RoleSuperAdmin && target.Role.Level() >= actor.Role.Level() {
		return nil, fmt.Errorf("%w: cannot manage an account of equal or higher role", ErrForbidden)
	}
	return target, nil
}

// LogNotifier records reset deliveries in the service log without the token.
// It stands in until an outbound mail integration exists.
type LogNotifier struct{}

// SendPasswordReset implements ResetNotifier.
func (LogNotifier) SendPasswordReset(ctx context.Context, acct *Account, _ string, expiresAt time.Time) error {
	obs.Logger().InfoContext(ctx, "password reset issued",
		"account_id", acct.ID,
		"expires_at", expiresAt.Format(time.RFC3339),
	)
	return nil
}
