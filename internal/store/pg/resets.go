package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"impactsurvey.org/internal/auth"
)

func (s *Store) Save(ctx context.Context, token auth.ResetToken) error {
	if s.db == nil {
		return errNoDB
	}
	created := token.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into password_reset_tokens (token_hash, account_id, expires_at, created_at)
		values ($1, $2, $3, $4)
	`, token.TokenHash, token.AccountID, token.ExpiresAt.UTC(), created.UTC())
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return auth.ErrConflict
			case pgErrForeignKeyViolation:
				return auth.ErrNotFound
			}
		}
		return err
	}
	return nil
}

// Consume marks the token used in a single statement so two concurrent
// confirmations cannot both succeed.
func (s *Store) Consume(ctx context.Context, hash string, now time.Time) (*auth.ResetToken, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	now = now.UTC()
	rt := auth.ResetToken{TokenHash: hash, ConsumedAt: &now}
	err := s.db.QueryRowContext(ctx, `
		update password_reset_tokens
		set consumed_at = $2
		where token_hash = $1 and consumed_at is null and expires_at > $2
		returning account_id, expires_at, created_at
	`, hash, now).Scan(&rt.AccountID, &rt.ExpiresAt, &rt.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rt, nil
}
