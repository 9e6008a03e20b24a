package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MinPasswordLength is the hard floor enforced when hashing.
	MinPasswordLength = 6
	// RecommendedPasswordLength is the length CheckStrength asks for.
	RecommendedPasswordLength = 8
	// DefaultBcryptCost is the work factor used for stored credentials.
	DefaultBcryptCost = 12
	// MinStrengthScore is the score a password needs to be considered strong.
	MinStrengthScore = 3
)

var commonPatterns = []string{"123456", "password", "qwerty", "admin", "user"}

// PasswordHasher hashes and verifies credentials with bcrypt.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher returns a hasher using cost, clamped to bcrypt's range.
// A zero cost selects DefaultBcryptCost.
func NewPasswordHasher(cost int) PasswordHasher {
	switch {
	case cost == 0:
		cost = DefaultBcryptCost
	case cost < bcrypt.MinCost:
		cost = bcrypt.MinCost
	case cost > bcrypt.MaxCost:
		cost = bcrypt.MaxCost
	}
	return PasswordHasher{cost: cost}
}

// Cost reports the configured work factor.
func (h PasswordHasher) Cost() int {
	if h.cost == 0 {
		return DefaultBcryptCost
	}
	return h.cost
}

// Hash returns a salted bcrypt hash of password.
func (h PasswordHasher) Hash(password string) (string, error) {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return "", fmt.Errorf("%w: password must be at least %d characters", ErrValidation, MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost())
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", fmt.Errorf("%w: password must be at most 72 bytes", ErrValidation)
		}
		return "", fmt.Errorf("%w: hash password: %v", ErrInternal, err)
	}
	return string(hash), nil
}

// Verify reports whether password matches hash. Every failure, including a
// malformed hash, reads as a mismatch.
func (h PasswordHasher) Verify(password, hash string) bool {
	if password == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword hashes password with DefaultBcryptCost.
func HashPassword(password string) (string, error) {
	return NewPasswordHasher(DefaultBcryptCost).Hash(password)
}

// VerifyPassword compares password with a stored hash.
func VerifyPassword(password, hash string) bool {
	return PasswordHasher{}.Verify(password, hash)
}

// StrengthReport is the outcome of CheckStrength.
type StrengthReport struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
	Score  int      `json:"score"`
}

// CheckStrength scores password from 0 to 5.
func CheckStrength(password string) StrengthReport {
	report := StrengthReport{Errors: []string{}}
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case !unicode.IsLetter(r) && !unicode.IsSpace(r):
			hasSpecial = true
		}
	}

	check := func(ok bool, msg string) {
		if ok {
			report.Score++
			return
		}
		report.Errors = append(report.Errors, msg)
	}
	check(utf8.RuneCountInString(password) >= RecommendedPasswordLength,
		fmt.Sprintf("Password must be at least %d characters long", RecommendedPasswordLength))
	check(hasUpper, "Password must contain at least one uppercase letter")
	check(hasLower, "Password must contain at least one lowercase letter")
	check(hasDigit, "Password must contain at least one number")
	check(hasSpecial, "Password must contain at least one special character")

	lowered := strings.ToLower(password)
	common := false
	for _, pattern := range commonPatterns {
		if strings.Contains(lowered, pattern) {
			report.Score--
			common = true
		}
	}
	if common {
		report.Errors = append(report.Errors, "Password must not contain common patterns")
	}
	if hasRepeatedRun(password, 3) {
		report.Score--
		report.Errors = append(report.Errors, "Password must not contain repeated characters")
	}

	report.Score = max(0, min(5, report.Score))
	report.Valid = len(report.Errors) == 0 && report.Score >= MinStrengthScore
	return report
}

func hasRepeatedRun(s string, n int) bool {
	var (
		prev rune = -1
		run  int
	)
	for _, r := range s {
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run >= n {
			return true
		}
	}
	return false
}
