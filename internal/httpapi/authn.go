package httpapi

import (
	"fmt"
	"net/http"

	"impactsurvey.org/internal/audit"
	"impactsurvey.org/internal/auth"
	"impactsurvey.org/internal/ratelimit"
	"impactsurvey.org/internal/rbac"
)

const (
	authHeader = "Authorization"
	// SessionCookie carries the session token for browser clients.
	SessionCookie = "auth_token"
)

// accessHook observes the decision of a role check. claims is nil when the
// caller could not be authenticated.
type accessHook func(r *http.Request, claims *auth.Claims, allowed bool)

// route registers a handler behind its Routes policy and the general limiter.
func (a *API) route(pattern string, h http.HandlerFunc) {
	a.mux.Handle(pattern, a.limitGeneral(a.guard(pattern, h)))
}

// routeLimited registers a public handler that applies its own limiter
// policy, keyed by the identifier it reads from the body. The caller IP is
// bounded first, so rotating identifiers does not escape the limiter.
func (a *API) routeLimited(pattern string, p ratelimit.Policy, h http.HandlerFunc) {
	a.mux.Handle(pattern, a.limitCaller(p, a.guard(pattern, h)))
}

// limitCaller applies p to the client IP alone with a widened attempt budget.
func (a *API) limitCaller(p ratelimit.Policy, next http.Handler) http.Handler {
	wide := ratelimit.PerCaller(p)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := a.limit(w, r, wide, ""); !ok {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) limitGeneral(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := a.limit(w, r, ratelimit.APIGeneral, ""); !ok {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// guard enforces the Routes policy for key. Keys without a rule are refused
// for every caller.
func (a *API) guard(key string, h http.HandlerFunc) http.Handler {
	rule, mapped := rbac.Routes.Lookup(key)
	switch {
	case !mapped:
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a.audit.Record(r.Context(), audit.Entry{
				Action:    audit.ActionAccessDenied,
				Details:   fmt.Sprintf("no access policy for %s %s", r.Method, r.URL.Path),
				IP:        ratelimit.ClientIP(r),
				UserAgent: r.UserAgent(),
			})
			writeError(w, r, http.StatusForbidden, "access denied")
		})
	case rule.Public:
		return h
	case rule.Gated():
		return a.requireRole(rule.Roles, a.auditAccess)(h)
	default:
		return a.RequireRole(rule.Roles...)(h)
	}
}

// RequireRole admits authenticated subjects whose role is in roles and puts
// their claims in the request context. It answers 401 without a valid
// session and 403 for any other role.
func (a *API) RequireRole(roles ...rbac.Role) func(http.Handler) http.Handler {
	return a.requireRole(roles, nil)
}

func (a *API) requireRole(roles []rbac.Role, hook accessHook) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, token, err := a.authenticateRequest(r)
			if err != nil {
				if hook != nil {
					hook(r, nil, false)
				}
				handleAuthError(w, r, err)
				return
			}
			allowed := rbac.HasPermission(claims.Role, roles)
			if hook != nil {
				hook(r, claims, allowed)
			}
			if !allowed {
				writeError(w, r, http.StatusForbidden, "insufficient permissions")
				return
			}
			ctx := auth.ContextWithClaims(r.Context(), claims)
			ctx = auth.ContextWithToken(ctx, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *API) auditAccess(r *http.Request, claims *auth.Claims, allowed bool) {
	if claims == nil {
		a.audit.Record(r.Context(), audit.Entry{
			Action:    audit.ActionAccessDenied,
			Details:   fmt.Sprintf("%s %s without a valid session", r.Method, r.URL.Path),
			IP:        ratelimit.ClientIP(r),
			UserAgent: r.UserAgent(),
		})
		return
	}
	action := audit.ActionAccessDenied
	if allowed {
		action = audit.ActionAccessGranted
	}
	a.audit.Record(r.Context(), audit.Entry{
		ActorID:        claims.Subject,
		OrganizationID: claims.OrganizationID,
		Action:         action,
		Details:        fmt.Sprintf("%s %s as %s", r.Method, r.URL.Path, claims.Role),
		Identifier:     claims.Email,
		Success:        allowed,
		IP:             ratelimit.ClientIP(r),
		UserAgent:      r.UserAgent(),
	})
}

// authenticateRequest reads the bearer header, falling back to the session
// cookie, and verifies it against the current account state.
func (a *API) authenticateRequest(r *http.Request) (*auth.Claims, string, error) {
	if a.auth == nil {
		return nil, "", auth.ErrInternal
	}
	token, err := sessionToken(r)
	if err != nil {
		return nil, "", err
	}
	claims, _, err := a.auth.Authenticate(r.Context(), token)
	if err != nil {
		return nil, "", err
	}
	return claims, token, nil
}

func sessionToken(r *http.Request) (string, error) {
	if header := r.Header.Get(authHeader); header != "" {
		token, ok := auth.ExtractBearer(header)
		if !ok {
			return "", fmt.Errorf("%w: malformed authorization header", auth.ErrUnauthenticated)
		}
		return token, nil
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", fmt.Errorf("%w: missing session token", auth.ErrUnauthenticated)
}

func (a *API) setSessionCookie(w http.ResponseWriter, s *auth.Session) {
	maxAge := int(auth.DefaultTokenTTL.Seconds())
	if a.auth != nil {
		maxAge = int(a.auth.Tokens().TTL().Seconds())
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    s.Token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}
