package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"impactsurvey.org/internal/rbac"
)

const (
	DefaultIssuer           = "impactsurvey"
	DefaultTokenTTL         = 30 * time.Minute
	DefaultRefreshWindow    = 5 * time.Minute
	DefaultMaxSessionAge    = 12 * time.Hour
	DefaultResetTokenLength = 32
	ResetTokenTTL           = 30 * time.Minute
)

// Claims is the verified payload of a session token.
type Claims struct {
	Email          string           `json:"email"`
	Role           rbac.Role        `json:"role"`
	OrganizationID string           `json:"organization_id,omitempty"`
	AuthTime       *jwt.NumericDate `json:"auth_time,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the subject facts carried by c.
func (c *Claims) Identity() Identity {
	return Identity{
		Subject:        c.Subject,
		Email:          c.Email,
		Role:           c.Role,
		OrganizationID: c.OrganizationID,
	}
}

// ExpiresAtTime returns the expiry as time.Time.
func (c *Claims) ExpiresAtTime() time.Time {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// TokenService issues and verifies HS256 session tokens. It keeps no state
// about issued tokens: validity depends only on signature and expiry.
type TokenService struct {
	secret        []byte
	issuer        string
	ttl           time.Duration
	refreshWindow time.Duration
	maxSessionAge time.Duration
	now           func() time.Time
}

// TokenOption configures TokenService.
type TokenOption func(*TokenService)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithTokenTTL overrides the session lifetime.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMaxSessionAge caps how long refresh may extend a session past the
// original login. Zero disables the cap.
func WithMaxSessionAge(age time.Duration) TokenOption {
	return func(s *TokenService) {
		if age >= 0 {
			s.maxSessionAge = age
		}
	}
}

// WithTokenClock overrides the time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewTokenService builds a TokenService signing with secret.
func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	s := &TokenService{
		secret:        []byte(secret),
		issuer:        DefaultIssuer,
		ttl:           DefaultTokenTTL,
		refreshWindow: DefaultRefreshWindow,
		maxSessionAge: DefaultMaxSessionAge,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL reports the lifetime of issued tokens.
func (s *TokenService) TTL() time.Duration { return s.ttl }

// Issue signs a fresh token for id.
func (s *TokenService) Issue(id Identity) (string, *Claims, error) {
	now := s.now()
	return s.issue(id, now, now)
}

func (s *TokenService) issue(id Identity, now, authTime time.Time) (string, *Claims, error) {
	if strings.TrimSpace(id.Subject) == "" {
		return "", nil, fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if !id.Role.Valid() {
		return "", nil, fmt.Errorf("%w: unknown role %q", ErrValidation, id.Role)
	}
	claims := &Claims{
		Email:          id.Email,
		Role:           id.Role,
		OrganizationID: id.OrganizationID,
		AuthTime:       jwt.NewNumericDate(authTime),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   id.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("%w: sign token: %v", ErrInternal, err)
	}
	return signed, claims, nil
}

// Verify checks signature, algorithm, issuer and expiry. Every failure wraps
// ErrInvalidToken; the wrapped reason is meant for logs only.
func (s *TokenService) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, rejectionReason(err))
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("%w: rejected", ErrInvalidToken)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role", ErrInvalidToken)
	}
	if !claims.ExpiresAt.Time.After(s.now()) {
		return nil, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	return claims, nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unverifiable"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "wrong issuer"
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return "issued in the future"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "required claim missing"
	default:
		return "rejected"
	}
}

// NearExpiry reports whether token should be refreshed: it is invalid or
// expires within the refresh window.
func (s *TokenService) NearExpiry(token string) bool {
	claims, err := s.Verify(token)
	if err != nil {
		return true
	}
	return claims.ExpiresAt.Time.Sub(s.now()) < s.refreshWindow
}

// Refresh issues a token with the claims of old and a fresh lifetime. The
// original login time is carried over so a chain of refreshes ends once it
// exceeds the maximum session age.
func (s *TokenService) Refresh(old string) (string, *Claims, error) {
	claims, err := s.Verify(old)
	if err != nil {
		return "", nil, err
	}
	now := s.now()
	authTime := claims.IssuedAt.Time
	if claims.AuthTime != nil {
		authTime = claims.AuthTime.Time
	}
	if s.maxSessionAge > 0 && now.Sub(authTime) > s.maxSessionAge {
		return "", nil, fmt.Errorf("%w: session exceeded maximum age, re-authentication required", ErrInvalidToken)
	}
	return s.issue(claims.Identity(), now, authTime)
}

// ExtractBearer returns the token of an "Authorization: Bearer <token>"
// header. The scheme is case-sensitive and exactly one space separates it
// from the token.
func ExtractBearer(header string) (string, bool) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

const resetAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateResetToken returns a random alphanumeric string of length
// characters drawn from crypto/rand.
func GenerateResetToken(length int) (string, error) {
	if length <= 0 {
		length = DefaultResetTokenLength
	}
	// Largest multiple of len(resetAlphabet) that fits in a byte; bytes
	// above it are discarded so every character is equally likely.
	limit := byte(256 - 256%len(resetAlphabet))
	out := make([]byte, 0, length)
	buf := make([]byte, length*2)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("%w: read random: %v", ErrInternal, err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, resetAlphabet[int(b)%len(resetAlphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// HashResetToken returns the storage form of a reset token.
func HashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
