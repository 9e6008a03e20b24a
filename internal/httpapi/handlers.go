package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"impactsurvey.org/internal/audit"
	"impactsurvey.org/internal/auth"
	"impactsurvey.org/internal/obs"
	"impactsurvey.org/internal/ratelimit"
)

const serviceName = "impactsurvey-api"

// ReadyProbe pings the backing stores. Unset fields are skipped.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Options wires the collaborators of the HTTP layer.
type Options struct {
	Version      string
	Auth         *auth.Service
	Limiter      *ratelimit.Limiter
	Audit        *audit.Logger
	Ready        ReadyProbe
	CORSOrigins  []string
	CookieSecure bool
	// BurstRPS and Burst size the per-IP token bucket. Zero disables it.
	BurstRPS float64
	Burst    int
	Clock    func() time.Time
}

// API is the HTTP layer.
type API struct {
	mux          *http.ServeMux
	readyProbe   ReadyProbe
	version      string
	auth         *auth.Service
	limiter      *ratelimit.Limiter
	audit        *audit.Logger
	origins      []string
	cookieSecure bool
	burst        *BurstGuard
	now          func() time.Time
}

func New(opts Options) *API {
	a := &API{
		mux:          http.NewServeMux(),
		readyProbe:   opts.Ready,
		version:      opts.Version,
		auth:         opts.Auth,
		limiter:      opts.Limiter,
		audit:        opts.Audit,
		origins:      opts.CORSOrigins,
		cookieSecure: opts.CookieSecure,
		now:          opts.Clock,
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.limiter == nil {
		a.limiter = ratelimit.New(nil, ratelimit.WithClock(a.now))
	}
	if opts.BurstRPS > 0 && opts.Burst > 0 {
		a.burst = NewBurstGuard(opts.BurstRPS, opts.Burst)
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	// auth
	a.routeLimited("POST /api/auth/login", ratelimit.Login, a.handleLogin)
	a.route("POST /api/auth/logout", a.handleLogout)
	a.route("POST /api/auth/refresh", a.handleRefresh)
	a.route("GET /api/auth/me", a.handleMe)
	a.routeLimited("POST /api/auth/password-reset/request", ratelimit.PasswordReset, a.handleResetRequest)
	a.routeLimited("POST /api/auth/password-reset/confirm", ratelimit.PasswordReset, a.handleResetConfirm)
	a.route("POST /api/auth/password-strength", a.handlePasswordStrength)

	// access decisions and account administration
	a.route("GET /api/access/pages", a.handlePages)
	a.route("GET /api/organizations/{orgID}/access", a.handleOrganizationAccess)
	a.route("PUT /api/admin/users/{id}/status", a.handleUserStatus)
	a.route("POST /api/admin/users/lock", a.handleUserLock)

	// anything else under /api has no policy and is refused
	a.mux.Handle("/api/", a.guard("", http.NotFound))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the HTTP server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	if a.burst != nil {
		h = a.burst.Middleware(h)
	}
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h, a.origins)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// Burst exposes the per-IP guard so the caller can sweep it. Nil when disabled.
func (a *API) Burst() *BurstGuard { return a.burst }

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"success": false,
		"message": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleAuthError maps auth failures onto status codes. Messages never tell
// an unknown account apart from a wrong password.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrValidation):
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid email or password")
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, auth.ErrAccountLocked):
		writeError(w, r, http.StatusLocked, "account is locked, try again later or contact an administrator")
	case errors.Is(err, auth.ErrAccountSuspended):
		writeError(w, r, http.StatusForbidden, "account is suspended")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "insufficient permissions")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "resource already exists")
	default:
		obs.Logger().ErrorContext(r.Context(), "request failed",
			"request_id", RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err.Error())
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func validationMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, auth.ErrValidation.Error()+": "); i >= 0 {
		return msg[i+len(auth.ErrValidation.Error())+2:]
	}
	return "invalid request"
}

func requestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{
		IP:        ratelimit.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}
