package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"impactsurvey.org/internal/audit"
	"impactsurvey.org/internal/auth"
	"impactsurvey.org/internal/rbac"
)

func TestAccountsUniqueEmail(t *testing.T) {
	ctx := context.Background()
	store := NewAccounts()
	if err := store.Create(ctx, &auth.Account{Email: "Ana@Example.org", Role: rbac.RoleAdmin}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, &auth.Account{Email: "ana@example.org", Role: rbac.RoleAdmin}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	acct, err := store.GetByEmail(ctx, " ANA@example.org")
	if err != nil {
		t.Fatalf("GetByEmail: %v", err)
	}
	if acct.Status != auth.StatusActive {
		t.Fatalf("default status should be Active, got %s", acct.Status)
	}
	acct.Status = auth.StatusLocked
	again, _ := store.GetByID(ctx, acct.ID)
	if again.Status != auth.StatusActive {
		t.Fatalf("store must hand out copies")
	}
	if err := store.SetStatus(ctx, "nope", auth.StatusLocked); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResetTokensSingleUseAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := NewResetTokens()
	_ = store.Save(ctx, auth.ResetToken{TokenHash: "h1", AccountID: "a1", ExpiresAt: now.Add(30 * time.Minute)})
	_ = store.Save(ctx, auth.ResetToken{TokenHash: "h2", AccountID: "a1", ExpiresAt: now.Add(-time.Second)})

	if _, err := store.Consume(ctx, "h1", now); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if _, err := store.Consume(ctx, "h1", now); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("reuse must fail, got %v", err)
	}
	if _, err := store.Consume(ctx, "h2", now); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expired token must fail, got %v", err)
	}
}

func TestAuditLogCountsFailuresInWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	log := NewAuditLog()
	for i, age := range []time.Duration{10 * time.Minute, 59 * time.Minute, 61 * time.Minute} {
		_ = log.Insert(ctx, &audit.Entry{
			ID:         string(rune('a' + i)),
			Action:     audit.ActionLoginFailure,
			Identifier: "User@x.com",
			CreatedAt:  now.Add(-age),
		})
	}
	_ = log.Insert(ctx, &audit.Entry{Action: audit.ActionLoginSuccess, Identifier: "user@x.com", CreatedAt: now})

	n, err := log.CountRecentFailures(ctx, "user@x.com", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountRecentFailures: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 failures in window, got %d", n)
	}
	if got := len(log.Find(audit.ActionLoginFailure)); got != 3 {
		t.Fatalf("expected 3 failure entries, got %d", got)
	}
}
