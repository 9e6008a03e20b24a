package httpapi

import (
	"net/http"
	"strings"

	"impactsurvey.org/internal/audit"
	"impactsurvey.org/internal/auth"
	"impactsurvey.org/internal/ratelimit"
	"impactsurvey.org/internal/rbac"
)

type pageAccess struct {
	Path    string `json:"path"`
	Allowed bool   `json:"allowed"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type lockRequest struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

// handlePages lists the dashboard pages and whether the caller may open
// them. ?path= asks about a single page, mapped or not.
func (a *API) handlePages(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	if p := strings.TrimSpace(r.URL.Query().Get("path")); p != "" {
		writeJSON(w, http.StatusOK, pageAccess{Path: p, Allowed: rbac.Pages.Allows(claims.Role, p)})
		return
	}
	keys := rbac.Pages.Keys()
	pages := make([]pageAccess, 0, len(keys))
	for _, k := range keys {
		pages = append(pages, pageAccess{Path: k, Allowed: rbac.Pages.Allows(claims.Role, k)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":        claims.Role,
		"permissions": rbac.PermissionsFor(claims.Role),
		"pages":       pages,
	})
}

func (a *API) handleOrganizationAccess(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	orgID := strings.TrimSpace(r.PathValue("orgID"))
	if orgID == "" {
		writeError(w, r, http.StatusBadRequest, "organization id is required")
		return
	}
	if !rbac.CanAccessOrganizationData(claims.Role, claims.OrganizationID, orgID) {
		a.audit.Record(r.Context(), audit.Entry{
			ActorID:        claims.Subject,
			OrganizationID: claims.OrganizationID,
			Action:         audit.ActionAccessDenied,
			Details:        "organization data " + orgID + " outside scope",
			Identifier:     claims.Email,
			IP:             ratelimit.ClientIP(r),
			UserAgent:      r.UserAgent(),
		})
		writeError(w, r, http.StatusForbidden, "organization is outside your scope")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"organizationId": orgID,
		"allowed":        true,
		"role":           claims.Role,
	})
}

func (a *API) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status, ok := auth.ParseStatus(req.Status)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "status must be one of Active, Suspended, Locked")
		return
	}
	acct, err := a.auth.SetStatus(r.Context(), claims, r.PathValue("id"), status, requestMeta(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    viewOfAccount(acct),
	})
}

func (a *API) handleUserLock(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	var req lockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "locked by administrator"
	}
	if err := a.auth.LockAccount(r.Context(), claims, req.UserID, reason); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "account locked"})
}
