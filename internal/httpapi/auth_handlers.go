package httpapi

import (
	"net/http"
	"strings"
	"time"

	"revealgate.dev/internal/audit"
)

type tokenRequest struct {
	User  string   `json:"user"`
	Roles []string `json:"roles"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthToken issues a caller token. Registered only with WithDevTokens.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if a.svc.Tokens == nil {
		unavailable(w, r, "authentication")
		return
	}
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user := strings.TrimSpace(req.User)
	if user == "" {
		writeError(w, r, http.StatusBadRequest, "user is required")
		return
	}
	roles := make([]string, 0, len(req.Roles))
	for _, role := range req.Roles {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}

	token, expiresAt, err := a.svc.Tokens.Generate(user, roles, a.devTokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"user":       user,
		"roles":      roles,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	noStore(w)
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}
