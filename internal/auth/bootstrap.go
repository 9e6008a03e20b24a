package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"impactsurvey.org/internal/rbac"
)

// CreateAccountFunc inserts a new account. Stores expose it under their own
// method names.
type CreateAccountFunc func(ctx context.Context, acct *Account) error

// Bootstrap ensures a super_admin account exists for email, using a bcrypt
// hash produced offline (see cmd/hashpw). An existing account is left
// untouched and reported with created=false.
func Bootstrap(ctx context.Context, accounts CredentialStore, create CreateAccountFunc, email, passwordHash string) (*Account, bool, error) {
	email = NormalizeEmail(email)
	if !ValidEmail(email) {
		return nil, false, fmt.Errorf("%w: bootstrap email %q is malformed", ErrValidation, email)
	}
	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return nil, false, fmt.Errorf("%w: bootstrap password hash: %v", ErrValidation, err)
	}

	existing, err := accounts.GetByEmail(ctx, email)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, ErrNotFound):
		return nil, false, fmt.Errorf("%w: bootstrap lookup: %v", ErrInternal, err)
	}

	acct := &Account{
		Email:        email,
		PasswordHash: passwordHash,
		Status:       StatusActive,
		Role:         rbac.RoleSuperAdmin,
	}
	if err := create(ctx, acct); err != nil {
		if errors.Is(err, ErrConflict) {
			existing, lookupErr := accounts.GetByEmail(ctx, email)
			if lookupErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("bootstrap account: %w", err)
	}
	return acct, true, nil
}
