package httpapi

import (
	"net/http"

	"revealgate.dev/internal/audit"
)

type mfaTokenRequest struct {
	Token string `json:"token"`
}

func (a *API) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	if a.svc.MFA == nil {
		unavailable(w, r, "mfa")
		return
	}
	enrollment, err := a.svc.MFA.Setup(r.Context(), user)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "mfa.setup", nil)
	noStore(w)
	writeJSON(w, http.StatusOK, enrollment)
}

func (a *API) handleMFAEnable(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	if a.svc.MFA == nil {
		unavailable(w, r, "mfa")
		return
	}
	var req mfaTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	codes, err := a.svc.MFA.Enable(r.Context(), user, req.Token)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "mfa.enabled", map[string]any{"backup_codes": len(codes)})
	noStore(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":      true,
		"backup_codes": codes,
	})
}

func (a *API) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	if a.svc.MFA == nil {
		unavailable(w, r, "mfa")
		return
	}
	var req mfaTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.MFA.Disable(r.Context(), user, req.Token); err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "mfa.disabled", nil)
	writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
}

func (a *API) handleMFAStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	if a.svc.MFA == nil {
		unavailable(w, r, "mfa")
		return
	}
	enabled, err := a.svc.MFA.IsEnabled(r.Context(), user)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled})
}
