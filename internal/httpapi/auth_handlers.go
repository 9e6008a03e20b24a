package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"impactsurvey.org/internal/auth"
	"impactsurvey.org/internal/obs"
	"impactsurvey.org/internal/ratelimit"
	"impactsurvey.org/internal/rbac"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userView struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Role           rbac.Role  `json:"role"`
	OrganizationID string     `json:"organizationId,omitempty"`
	Status         string     `json:"status,omitempty"`
	LastLoginAt    *time.Time `json:"lastLoginAt,omitempty"`
}

type sessionResponse struct {
	Success     bool      `json:"success"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
	User        userView  `json:"user"`
	Permissions []string  `json:"permissions"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type resetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type strengthRequest struct {
	Password string `json:"password"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

const resetAcceptedMessage = "If an account exists for that email, a reset link has been sent."

func viewOfClaims(c *auth.Claims) userView {
	return userView{
		ID:             c.Subject,
		Email:          c.Email,
		Role:           c.Role,
		OrganizationID: c.OrganizationID,
	}
}

func viewOfAccount(acct *auth.Account) userView {
	return userView{
		ID:             acct.ID,
		Email:          acct.Email,
		Role:           acct.Role,
		OrganizationID: acct.OrganizationID,
		Status:         string(acct.Status),
		LastLoginAt:    acct.LastLoginAt,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := auth.NormalizeEmail(req.Email)
	key, ok := a.limit(w, r, ratelimit.Login, limiterIdentity(email))
	if !ok {
		return
	}

	session, err := a.auth.Login(r.Context(), email, req.Password, requestMeta(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if err := a.limiter.Reset(r.Context(), key); err != nil {
		obs.Logger().WarnContext(r.Context(), "login limiter reset failed", "key", key, "error", err.Error())
	}

	a.setSessionCookie(w, session)
	writeJSON(w, http.StatusOK, sessionResponse{
		Success:     true,
		Token:       session.Token,
		ExpiresAt:   session.ExpiresAt.UTC(),
		User:        viewOfAccount(session.Account),
		Permissions: rbac.PermissionsFor(session.Claims.Role),
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	a.auth.Logout(r.Context(), claims, requestMeta(r))
	a.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "logged out"})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.TokenFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	session, err := a.auth.Refresh(r.Context(), token, requestMeta(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.setSessionCookie(w, session)
	writeJSON(w, http.StatusOK, sessionResponse{
		Success:     true,
		Token:       session.Token,
		ExpiresAt:   session.ExpiresAt.UTC(),
		User:        viewOfClaims(session.Claims),
		Permissions: rbac.PermissionsFor(session.Claims.Role),
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	acct, err := a.auth.Account(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"user":        viewOfAccount(acct),
		"permissions": rbac.PermissionsFor(acct.Role),
		"expiresAt":   claims.ExpiresAtTime().UTC(),
		"nearExpiry":  a.nearExpiry(r.Context()),
	})
}

func (a *API) nearExpiry(ctx context.Context) bool {
	token, ok := auth.TokenFromContext(ctx)
	if !ok {
		return false
	}
	return a.auth.Tokens().NearExpiry(token)
}

func (a *API) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := auth.NormalizeEmail(req.Email)
	if _, ok := a.limit(w, r, ratelimit.PasswordReset, limiterIdentity(email)); !ok {
		return
	}
	if err := a.auth.RequestPasswordReset(r.Context(), email, requestMeta(r)); err != nil {
		if errors.Is(err, auth.ErrValidation) {
			handleAuthError(w, r, err)
			return
		}
		// delivery problems are logged by the service; the answer stays uniform
		obs.Logger().WarnContext(r.Context(), "password reset request failed", "error", err.Error())
	}
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: resetAcceptedMessage})
}

// limiterIdentity keys malformed emails on the caller alone so junk input
// never lands in limiter keys.
func limiterIdentity(email string) string {
	if auth.ValidEmail(email) {
		return email
	}
	return ""
}

func (a *API) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := a.limit(w, r, ratelimit.PasswordReset, "confirm"); !ok {
		return
	}
	err := a.auth.ConfirmPasswordReset(r.Context(), req.Token, req.NewPassword, requestMeta(r))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "password updated"})
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusBadRequest, "reset token is invalid or expired")
	default:
		handleAuthError(w, r, err)
	}
}

func (a *API) handlePasswordStrength(w http.ResponseWriter, r *http.Request) {
	var req strengthRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	report := auth.CheckStrength(req.Password)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"valid":   report.Valid,
		"score":   report.Score,
		"errors":  report.Errors,
	})
}
