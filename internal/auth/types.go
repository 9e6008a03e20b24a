package auth

import (
	"net/mail"
	"strings"
	"time"

	"impactsurvey.org/internal/rbac"
)

// Status is the lifecycle state of an account.
type Status string

const (
	StatusActive    Status = "Active"
	StatusSuspended Status = "Suspended"
	StatusLocked    Status = "Locked"
)

// ParseStatus accepts any casing of a known status.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return StatusActive, true
	case "suspended":
		return StatusSuspended, true
	case "locked":
		return StatusLocked, true
	default:
		return "", false
	}
}

// Account is the credential record of one user.
type Account struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	PasswordHash   string     `json:"-"`
	Status         Status     `json:"status"`
	Role           rbac.Role  `json:"role"`
	OrganizationID string     `json:"organization_id,omitempty"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Identity is the set of facts a session token asserts about its subject.
type Identity struct {
	Subject        string
	Email          string
	Role           rbac.Role
	OrganizationID string
}

// IdentityOf extracts the token identity from an account.
func IdentityOf(acct *Account) Identity {
	return Identity{
		Subject:        acct.ID,
		Email:          acct.Email,
		Role:           acct.Role,
		OrganizationID: acct.OrganizationID,
	}
}

// ResetToken is a pending password reset. Only the hash of the token the
// user received is stored.
type ResetToken struct {
	TokenHash  string
	AccountID  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	ConsumedAt *time.Time
}

// RequestMeta carries client facts recorded with every audited outcome.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail reports whether email is a bare RFC 5322 address with a
// domain. Display names and angle brackets are refused.
func ValidEmail(email string) bool {
	if email == "" || len(email) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return false
	}
	at := strings.LastIndexByte(email, '@')
	return at > 0 && at < len(email)-1
}
