package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"impactsurvey.org/internal/audit"
	"impactsurvey.org/internal/ratelimit"
)

type rateLimitedBody struct {
	Success      bool       `json:"success"`
	Message      string     `json:"message"`
	RateLimited  bool       `json:"rateLimited"`
	ResetTime    time.Time  `json:"resetTime"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
}

// limit runs one attempt of policy p for the caller and identifier. On
// denial it writes the 429 response, audits the violation and returns false.
// The limiter key is returned so successful flows can reset it.
func (a *API) limit(w http.ResponseWriter, r *http.Request, p ratelimit.Policy, identifier string) (string, bool) {
	ip := ratelimit.ClientIP(r)
	key := ratelimit.Key(p, ip, identifier)
	res := a.limiter.Check(r.Context(), p, key)
	now := a.now()

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))
	if res.Allowed {
		return key, true
	}

	w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter(now)))
	a.audit.Record(r.Context(), audit.Entry{
		Action:     audit.ActionRateLimitViolation,
		Details:    ratelimit.ViolationDetails(p, ip, res),
		Identifier: identifier,
		IP:         ip,
		UserAgent:  r.UserAgent(),
	})
	body := rateLimitedBody{
		Success:     false,
		Message:     "Too many attempts. Please try again later.",
		RateLimited: true,
		ResetTime:   res.ResetTime.UTC(),
	}
	if !res.BlockedUntil.IsZero() {
		until := res.BlockedUntil.UTC()
		body.BlockedUntil = &until
	}
	writeJSON(w, http.StatusTooManyRequests, body)
	return key, false
}

