package auth

import (
	"context"
	"time"
)

// CredentialStore is the single source of truth for accounts. Lookups return
// ErrNotFound for missing rows.
type CredentialStore interface {
	GetByEmail(ctx context.Context, email string) (*Account, error)
	GetByID(ctx context.Context, id string) (*Account, error)
	SetPasswordHash(ctx context.Context, id, hash string) error
	SetStatus(ctx context.Context, id string, status Status) error
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
}

// ResetTokenStore keeps pending password resets.
type ResetTokenStore interface {
	Save(ctx context.Context, token ResetToken) error
	// Consume marks the token identified by hash as used and returns it. It
	// returns ErrNotFound when the token is unknown, already consumed or
	// expired at now.
	Consume(ctx context.Context, hash string, now time.Time) (*ResetToken, error)
}

// ResetNotifier delivers a reset token to the account owner.
type ResetNotifier interface {
	SendPasswordReset(ctx context.Context, acct *Account, token string, expiresAt time.Time) error
}
