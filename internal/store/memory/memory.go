// Package memory provides process-local stores for development and tests.
// They satisfy the same contracts as the PostgreSQL stores.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"impactsurvey.org/internal/audit"
	"impactsurvey.org/internal/auth"
	"impactsurvey.org/internal/ids"
)

var (
	_ auth.CredentialStore = (*Accounts)(nil)
	_ auth.ResetTokenStore = (*ResetTokens)(nil)
	_ audit.Store          = (*AuditLog)(nil)
	_ audit.FailureCounter = (*AuditLog)(nil)
)

// Accounts is an in-memory credential store keyed by id with a unique email index.
type Accounts struct {
	mu      sync.RWMutex
	byID    map[string]*auth.Account
	byEmail map[string]string
}

// NewAccounts returns an empty account store.
func NewAccounts() *Accounts {
	return &Accounts{byID: map[string]*auth.Account{}, byEmail: map[string]string{}}
}

// Create adds acct. It returns auth.ErrConflict when the email is taken.
func (a *Accounts) Create(_ context.Context, acct *auth.Account) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	email := auth.NormalizeEmail(acct.Email)
	if _, ok := a.byEmail[email]; ok {
		return auth.ErrConflict
	}
	if acct.ID == "" {
		acct.ID = ids.New()
	}
	if _, ok := a.byID[acct.ID]; ok {
		return auth.ErrConflict
	}
	if acct.Status == "" {
		acct.Status = auth.StatusActive
	}
	now := time.Now().UTC()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now
	acct.Email = email
	stored := *acct
	a.byID[stored.ID] = &stored
	a.byEmail[email] = stored.ID
	return nil
}

func (a *Accounts) GetByEmail(_ context.Context, email string) (*auth.Account, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.byEmail[auth.NormalizeEmail(email)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return clone(a.byID[id]), nil
}

func (a *Accounts) GetByID(_ context.Context, id string) (*auth.Account, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acct, ok := a.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return clone(acct), nil
}

func (a *Accounts) SetPasswordHash(_ context.Context, id, hash string) error {
	return a.update(id, func(acct *auth.Account) { acct.PasswordHash = hash })
}

func (a *Accounts) SetStatus(_ context.Context, id string, status auth.Status) error {
	return a.update(id, func(acct *auth.Account) { acct.Status = status })
}

func (a *Accounts) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	return a.update(id, func(acct *auth.Account) {
		t := at.UTC()
		acct.LastLoginAt = &t
	})
}

func (a *Accounts) update(id string, fn func(*auth.Account)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct, ok := a.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(acct)
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

func clone(acct *auth.Account) *auth.Account {
	out := *acct
	if acct.LastLoginAt != nil {
		t := *acct.LastLoginAt
		out.LastLoginAt = &t
	}
	return &out
}

// ResetTokens keeps pending password resets by token hash.
type ResetTokens struct {
	mu     sync.Mutex
	tokens map[string]auth.ResetToken
}

// NewResetTokens returns an empty reset token store.
func NewResetTokens() *ResetTokens {
	return &ResetTokens{tokens: map[string]auth.ResetToken{}}
}

func (r *ResetTokens) Save(_ context.Context, token auth.ResetToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[token.TokenHash]; ok {
		return auth.ErrConflict
	}
	r.tokens[token.TokenHash] = token
	return nil
}

func (r *ResetTokens) Consume(_ context.Context, hash string, now time.Time) (*auth.ResetToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.tokens[hash]
	if !ok || rt.ConsumedAt != nil || !rt.ExpiresAt.After(now) {
		return nil, auth.ErrNotFound
	}
	at := now.UTC()
	rt.ConsumedAt = &at
	r.tokens[hash] = rt
	return &rt, nil
}

// AuditLog is an append-only in-memory audit store.
type AuditLog struct {
	mu      sync.RWMutex
	entries []audit.Entry
}

// NewAuditLog returns an empty audit log.
func NewAuditLog() *AuditLog { return &AuditLog{} }

func (l *AuditLog) Insert(_ context.Context, entry *audit.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := *entry
	e.Identifier = auth.NormalizeEmail(e.Identifier)
	l.entries = append(l.entries, e)
	return nil
}

func (l *AuditLog) CountRecentFailures(_ context.Context, identifier string, since time.Time) (int, error) {
	identifier = auth.NormalizeEmail(identifier)
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, e := range l.entries {
		if e.Action == audit.ActionLoginFailure && e.Identifier == identifier && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// Entries returns a copy of the log, oldest first.
func (l *AuditLog) Entries() []audit.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]audit.Entry, len(l.entries))
	copy(out, l.entries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Find returns the entries recorded for action.
func (l *AuditLog) Find(action string) []audit.Entry {
	var out []audit.Entry
	for _, e := range l.Entries() {
		if strings.EqualFold(e.Action, action) {
			out = append(out, e)
		}
	}
	return out
}
