package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"impactsurvey.org/internal/auth"
	"impactsurvey.org/internal/ids"
	"impactsurvey.org/internal/rbac"
)

const accountColumns = `id, email, password_hash, status, role, coalesce(organization_id, ''), last_login_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*auth.Account, error) {
	var (
		acct      auth.Account
		status    string
		role      string
		lastLogin sql.NullTime
	)
	if err := row.Scan(&acct.ID, &acct.Email, &acct.PasswordHash, &status, &role,
		&acct.OrganizationID, &lastLogin, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	acct.Status = auth.Status(status)
	acct.Role = rbac.Role(role)
	if lastLogin.Valid {
		t := lastLogin.Time
		acct.LastLoginAt = &t
	}
	return &acct, nil
}

func (s *Store) GetByEmail(ctx context.Context, email string) (*auth.Account, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where lower(email) = $1`,
		auth.NormalizeEmail(email))
	return scanAccount(row)
}

func (s *Store) GetByID(ctx context.Context, id string) (*auth.Account, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1`, id)
	return scanAccount(row)
}

// CreateAccount inserts acct, assigning an id when it has none.
func (s *Store) CreateAccount(ctx context.Context, acct *auth.Account) error {
	if s.db == nil {
		return errNoDB
	}
	if acct.ID == "" {
		acct.ID = ids.New()
	}
	if acct.Status == "" {
		acct.Status = auth.StatusActive
	}
	acct.Email = auth.NormalizeEmail(acct.Email)
	row := s.db.QueryRowContext(ctx, `
		insert into accounts (id, email, password_hash, status, role, organization_id)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`, acct.ID, acct.Email, acct.PasswordHash, string(acct.Status), string(acct.Role), nullIfEmpty(acct.OrganizationID))
	if err := row.Scan(&acct.CreatedAt, &acct.UpdatedAt); err != nil {
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

func (s *Store) SetPasswordHash(ctx context.Context, id, hash string) error {
	return s.updateAccount(ctx, `update accounts set password_hash = $2, updated_at = now() where id = $1`, id, hash)
}

func (s *Store) SetStatus(ctx context.Context, id string, status auth.Status) error {
	return s.updateAccount(ctx, `update accounts set status = $2, updated_at = now() where id = $1`, id, string(status))
}

func (s *Store) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	return s.updateAccount(ctx, `update accounts set last_login_at = $2 where id = $1`, id, at.UTC())
}

func (s *Store) updateAccount(ctx context.Context, query, id string, value any) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, id, value)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}
