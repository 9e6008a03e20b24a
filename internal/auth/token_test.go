package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"impactsurvey.org/internal/rbac"
)

const testSecret = "test-secret-that-is-long-enough-for-hs256!!"

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTokens(t *testing.T, clock *fakeClock, opts ...TokenOption) *TokenService {
	t.Helper()
	opts = append([]TokenOption{WithTokenClock(clock.Now)}, opts...)
	svc, err := NewTokenService(testSecret, opts...)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return svc
}

var testIdentity = Identity{
	Subject:        "acc-1",
	Email:          "ana@example.org",
	Role:           rbac.RoleOrgManager,
	OrganizationID: "org-A",
}

func TestNewTokenServiceRequiresSecret(t *testing.T) {
	if _, err := NewTokenService("   "); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestIssueAndVerify(t *testing.T) {
	clock := newFakeClock()
	svc := newTestTokens(t, clock)

	token, issued, err := svc.Issue(testIdentity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if want := clock.Now().Add(DefaultTokenTTL); !issued.ExpiresAtTime().Equal(want) {
		t.Fatalf("exp = %v, want %v", issued.ExpiresAtTime(), want)
	}

	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Identity() != testIdentity {
		t.Fatalf("identity mismatch: %+v", claims.Identity())
	}
	if claims.Issuer != DefaultIssuer || claims.ID == "" {
		t.Fatalf("unexpected registered claims: %+v", claims.RegisteredClaims)
	}
}

func TestIssueRejectsInvalidIdentity(t *testing.T) {
	svc := newTestTokens(t, newFakeClock())
	if _, _, err := svc.Issue(Identity{Role: rbac.RoleAdmin}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing subject, got %v", err)
	}
	if _, _, err := svc.Issue(Identity{Subject: "x", Role: "root"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown role, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	clock := newFakeClock()
	svc := newTestTokens(t, clock)
	token, _, err := svc.Issue(testIdentity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	clock.Advance(DefaultTokenTTL - time.Second)
	if _, err := svc.Verify(token); err != nil {
		t.Fatalf("token should still be valid: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token at exp must be rejected, got %v", err)
	}
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	clock := newFakeClock()
	svc := newTestTokens(t, clock)

	other, err := NewTokenService("another-secret-entirely-different-value", WithTokenClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	foreign, _, _ := other.Issue(testIdentity)

	otherIssuer := newTestTokens(t, clock, WithIssuer("someone-else"))
	wrongIssuer, _, _ := otherIssuer.Issue(testIdentity)

	claims := &Claims{
		Role: rbac.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultIssuer,
			Subject:   "acc-1",
			IssuedAt:  jwt.NewNumericDate(clock.Now()),
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
		},
	}
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign HS512: %v", err)
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	for name, token := range map[string]string{
		"bad signature": foreign,
		"wrong issuer":  wrongIssuer,
		"hs512":         hs512,
		"alg none":      unsigned,
		"malformed":     "not.a.jwt",
		"empty":         "",
	} {
		if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestNearExpiry(t *testing.T) {
	clock := newFakeClock()
	svc := newTestTokens(t, clock)
	token, _, _ := svc.Issue(testIdentity)

	if svc.NearExpiry(token) {
		t.Fatalf("fresh token is not near expiry")
	}
	clock.Advance(24 * time.Minute)
	if svc.NearExpiry(token) {
		t.Fatalf("6 minutes left is outside the refresh window")
	}
	clock.Advance(5 * time.Minute)
	if !svc.NearExpiry(token) {
		t.Fatalf("token issued 29 minutes ago must be near expiry")
	}
	if !svc.NearExpiry("garbage") {
		t.Fatalf("invalid token must report near expiry")
	}
}

func TestRefreshIssuesFreshWindow(t *testing.T) {
	clock := newFakeClock()
	svc := newTestTokens(t, clock)
	token, original, _ := svc.Issue(testIdentity)

	clock.Advance(29 * time.Minute)
	refreshed, claims, err := svc.Refresh(token)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if want := clock.Now().Add(DefaultTokenTTL); !claims.ExpiresAtTime().Equal(want) {
		t.Fatalf("refreshed exp = %v, want %v", claims.ExpiresAtTime(), want)
	}
	if claims.Identity() != testIdentity {
		t.Fatalf("refresh must keep identity, got %+v", claims.Identity())
	}
	if claims.ID == original.ID {
		t.Fatalf("refresh must mint a new token id")
	}
	if !claims.AuthTime.Equal(original.AuthTime.Time) {
		t.Fatalf("refresh must carry the original auth time")
	}
	if _, err := svc.Verify(refreshed); err != nil {
		t.Fatalf("refreshed token should verify: %v", err)
	}

	clock.Advance(DefaultTokenTTL)
	if _, _, err := svc.Refresh(refreshed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token must not refresh, got %v", err)
	}
}

func TestRefreshChainIsCapped(t *testing.T) {
	clock := newFakeClock()
	svc := newTestTokens(t, clock, WithMaxSessionAge(time.Hour))
	token, _, _ := svc.Issue(testIdentity)

	var err error
	for i := 0; i < 2; i++ {
		clock.Advance(25 * time.Minute)
		token, _, err = svc.Refresh(token)
		if err != nil {
			t.Fatalf("refresh %d: %v", i+1, err)
		}
	}
	clock.Advance(25 * time.Minute)
	if _, _, err := svc.Refresh(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh past max session age must fail, got %v", err)
	}

	unlimited := newTestTokens(t, clock, WithMaxSessionAge(0))
	token, _, _ = unlimited.Issue(testIdentity)
	for i := 0; i < 40; i++ {
		clock.Advance(25 * time.Minute)
		if token, _, err = unlimited.Refresh(token); err != nil {
			t.Fatalf("uncapped refresh %d: %v", i+1, err)
		}
	}
}

func TestExtractBearer(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", true},
		{"bearer abc", "", false},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"Bearer  abc", "", false},
		{"Bearer a b", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		token, ok := ExtractBearer(tc.header)
		if token != tc.token || ok != tc.ok {
			t.Fatalf("ExtractBearer(%q) = %q, %v", tc.header, token, ok)
		}
	}
}

func TestGenerateResetToken(t *testing.T) {
	first, err := GenerateResetToken(0)
	if err != nil {
		t.Fatalf("GenerateResetToken: %v", err)
	}
	if len(first) != DefaultResetTokenLength {
		t.Fatalf("expected %d chars, got %d", DefaultResetTokenLength, len(first))
	}
	for _, r := range first {
		if !strings.ContainsRune(resetAlphabet, r) {
			t.Fatalf("unexpected character %q", r)
		}
	}
	second, _ := GenerateResetToken(0)
	if first == second {
		t.Fatalf("tokens must differ")
	}
	if HashResetToken(first) == first || len(HashResetToken(first)) != 64 {
		t.Fatalf("hash must be hex sha256")
	}
}
