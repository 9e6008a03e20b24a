package auth

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashAndVerify(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost)
	first, err := h.Hash("Correct-Horse-9")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	second, err := h.Hash("Correct-Horse-9")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if first == second {
		t.Fatalf("hashes must be salted")
	}
	if !h.Verify("Correct-Horse-9", first) || !h.Verify("Correct-Horse-9", second) {
		t.Fatalf("expected both hashes to verify")
	}
	if h.Verify("correct-horse-9", first) {
		t.Fatalf("wrong password must not verify")
	}
}

func TestHashRejectsShortPassword(t *testing.T) {
	_, err := NewPasswordHasher(bcrypt.MinCost).Hash("abc12")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	_, err = NewPasswordHasher(bcrypt.MinCost).Hash(strings.Repeat("x", 73))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for oversized password, got %v", err)
	}
}

func TestVerifyNeverPanics(t *testing.T) {
	cases := []struct{ password, hash string }{
		{"", ""},
		{"secret", ""},
		{"", "$2a$10$abcdefghijklmnopqrstuv"},
		{"secret", "not-a-bcrypt-hash"},
	}
	for _, tc := range cases {
		if VerifyPassword(tc.password, tc.hash) {
			t.Fatalf("VerifyPassword(%q, %q) should be false", tc.password, tc.hash)
		}
	}
}

func TestNewPasswordHasherCost(t *testing.T) {
	if got := NewPasswordHasher(0).Cost(); got != DefaultBcryptCost {
		t.Fatalf("default cost = %d", got)
	}
	if got := NewPasswordHasher(1).Cost(); got != bcrypt.MinCost {
		t.Fatalf("cost should clamp to min, got %d", got)
	}
	if got := NewPasswordHasher(99).Cost(); got != bcrypt.MaxCost {
		t.Fatalf("cost should clamp to max, got %d", got)
	}
}

func TestCheckStrength(t *testing.T) {
	cases := []struct {
		password string
		score    int
		valid    bool
	}{
		{"Str0ng!Pass", 5, true},
		{"Tr1cky#Word", 5, true},
		{"Abcdefg1", 4, false},
		{"password", 1, false},
		{"Password123456!", 3, false},
		{"Baaad#Pass1", 4, false},
		{"", 0, false},
		{"short", 1, false},
	}
	for _, tc := range cases {
		got := CheckStrength(tc.password)
		if got.Score != tc.score || got.Valid != tc.valid {
			t.Fatalf("CheckStrength(%q) = score %d valid %v (%v), want score %d valid %v",
				tc.password, got.Score, got.Valid, got.Errors, tc.score, tc.valid)
		}
		if got.Valid && len(got.Errors) != 0 {
			t.Fatalf("valid report must not carry errors: %v", got.Errors)
		}
	}
}

func TestCheckStrengthCommonPatternCaseInsensitive(t *testing.T) {
	report := CheckStrength("MyQWERTYkey#9")
	if report.Valid {
		t.Fatalf("common pattern must invalidate")
	}
	if report.Score != 4 {
		t.Fatalf("expected score 4 after penalty, got %d", report.Score)
	}
}
