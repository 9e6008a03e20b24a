// Package ratelimit counts attempts per key in fixed windows and blocks keys
// that exceed a policy for a cool-down period.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// Policy bounds attempts per key.
type Policy struct {
	Name          string
	Window        time.Duration
	MaxAttempts   int
	BlockDuration time.Duration
}

var (
	// Login guards credential checks, keyed by client IP and email.
	Login = Policy{Name: "login", Window: 15 * time.Minute, MaxAttempts: 5, BlockDuration: 30 * time.Minute}
	// PasswordReset guards reset requests and confirmations.
	PasswordReset = Policy{Name: "password_reset", Window: time.Hour, MaxAttempts: 3, BlockDuration: time.Hour}
	// APIGeneral guards every other API route, keyed by client IP.
	APIGeneral = Policy{Name: "api_general", Window: time.Minute, MaxAttempts: 60, BlockDuration: 5 * time.Minute}
)

// CallerFactor widens an identity-scoped policy when it is applied to a
// client IP alone, leaving room for callers that share an address.
const CallerFactor = 10

// PerCaller derives the IP-wide companion of p. It shares the window and
// block of p and allows CallerFactor times the attempts.
func PerCaller(p Policy) Policy {
	p.Name += "_ip"
	p.MaxAttempts *= CallerFactor
	return p
}

// Key builds the limiter key for p. The identifier is optional and
// compared case-insensitively.
func Key(p Policy, ip, identifier string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		ip = "unknown"
	}
	key := p.Name + ":" + ip
	if identifier = strings.ToLower(strings.TrimSpace(identifier)); identifier != "" {
		key += ":" + identifier
	}
	return key
}

// ClientIP resolves the caller address: first X-Forwarded-For hop, then
// X-Real-IP, then the connection peer.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}
