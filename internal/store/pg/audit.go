package pg

import (
	"context"
	"time"

	"impactsurvey.org/internal/audit"
	"impactsurvey.org/internal/auth"
)

func (s *Store) Insert(ctx context.Context, entry *audit.Entry) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_logs (id, actor_id, organization_id, action, details, identifier, success, ip, user_agent, request_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		entry.ID,
		nullIfEmpty(entry.ActorID),
		nullIfEmpty(entry.OrganizationID),
		entry.Action,
		entry.Details,
		nullIfEmpty(auth.NormalizeEmail(entry.Identifier)),
		entry.Success,
		nullIfEmpty(entry.IP),
		nullIfEmpty(entry.UserAgent),
		nullIfEmpty(entry.RequestID),
		entry.CreatedAt.UTC(),
	)
	return err
}

func (s *Store) CountRecentFailures(ctx context.Context, identifier string, since time.Time) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*)
		from audit_logs
		where action = $1 and identifier = $2 and created_at >= $3
	`, audit.ActionLoginFailure, auth.NormalizeEmail(identifier), since.UTC()).Scan(&n)
	return n, err
}
